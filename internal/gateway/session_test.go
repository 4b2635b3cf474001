package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/haasonsaas/convoai/pkg/models"
)

var testMessage = models.Message{
	ID:             "msg-1",
	ConversationID: "conv-1",
	Role:           models.RoleAssistant,
	Content:        "hello",
	CreatedAt:      time.Now().UTC(),
}

func newTestSession() *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan []byte, sendQueueDepth),
		turns:  make(chan string, 1),
	}
}

func TestEnqueueTurn_AcceptsFirstAndOneQueued(t *testing.T) {
	s := newTestSession()
	s.enqueueTurn("first")
	if len(s.turns) != 1 {
		t.Fatalf("expected 1 queued turn, got %d", len(s.turns))
	}
}

func TestEnqueueTurn_RejectsWhenQueueFull(t *testing.T) {
	s := newTestSession()
	s.enqueueTurn("first")

	s.enqueueTurn("second")

	select {
	case msg := <-s.send:
		var frame outboundErrorFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if frame.Kind != ErrorKindBackpressure {
			t.Errorf("kind = %q, want %q", frame.Kind, ErrorKindBackpressure)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a backpressure error frame")
	}
}

func TestWriteFrame_TerminalKindCancelsSession(t *testing.T) {
	s := newTestSession()
	s.writeFrame(newErrorFrame(ErrorKindAuth, "bad token"))

	select {
	case <-s.ctx.Done():
	default:
		t.Fatal("expected session context to be cancelled after a terminal error frame")
	}
}

func TestWriteFrame_NonTerminalKindLeavesSessionOpen(t *testing.T) {
	s := newTestSession()
	s.writeFrame(newErrorFrame(ErrorKindBackpressure, "busy"))

	select {
	case <-s.ctx.Done():
		t.Fatal("session should remain open after a non-terminal error frame")
	default:
	}
}

func TestWriteFrame_EncodesMessageFrame(t *testing.T) {
	s := newTestSession()
	s.user.Subject = "user-1"

	s.writeFrame(newMessageFrame(&testMessage))

	select {
	case data := <-s.send:
		var frame outboundMessageFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if frame.Type != frameTypeMessage || frame.MessageID != testMessage.ID {
			t.Errorf("got %+v", frame)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a message frame on the send channel")
	}
}
