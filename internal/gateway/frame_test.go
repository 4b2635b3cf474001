package gateway

import "testing"

func TestDecodeInboundFrame_SendMessage(t *testing.T) {
	frame, err := decodeInboundFrame([]byte(`{"type":"send_message","content":"hello"}`))
	if err != nil {
		t.Fatalf("decodeInboundFrame() error = %v", err)
	}
	if frame.Type != frameTypeSendMessage || frame.Content != "hello" {
		t.Errorf("got %+v", frame)
	}
}

func TestDecodeInboundFrame_End(t *testing.T) {
	frame, err := decodeInboundFrame([]byte(`{"type":"end"}`))
	if err != nil {
		t.Fatalf("decodeInboundFrame() error = %v", err)
	}
	if frame.Type != frameTypeEnd {
		t.Errorf("got %+v", frame)
	}
}

func TestDecodeInboundFrame_RejectsEmptyContent(t *testing.T) {
	if _, err := decodeInboundFrame([]byte(`{"type":"send_message","content":""}`)); err == nil {
		t.Fatal("expected validation error for empty content")
	}
}

func TestDecodeInboundFrame_RejectsUnknownType(t *testing.T) {
	if _, err := decodeInboundFrame([]byte(`{"type":"sessions.list"}`)); err == nil {
		t.Fatal("expected error for unsupported frame type")
	}
}

func TestDecodeInboundFrame_RejectsMalformedJSON(t *testing.T) {
	if _, err := decodeInboundFrame([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestIsTerminalErrorKind(t *testing.T) {
	for _, kind := range []string{ErrorKindAuth, ErrorKindFatal} {
		if !isTerminalErrorKind(kind) {
			t.Errorf("expected %q to be terminal", kind)
		}
	}
	for _, kind := range []string{ErrorKindNotFound, ErrorKindForbidden, ErrorKindBackpressure, ErrorKindRuntime} {
		if isTerminalErrorKind(kind) {
			t.Errorf("expected %q to be non-terminal", kind)
		}
	}
}
