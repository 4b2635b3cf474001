package gateway

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/convoai/pkg/models"
)

// Inbound frame types.
const (
	frameTypeSendMessage = "send_message"
	frameTypeEnd         = "end"
)

// Outbound frame types.
const (
	frameTypeMessage = "message"
	frameTypeError   = "error"
)

// Error frame kinds. auth, fatal and conflict are terminal: the session is closed
// after they are written. Every other kind is turn-scoped and the session
// remains open.
const (
	ErrorKindAuth         = "auth"
	ErrorKindFatal        = "fatal"
	ErrorKindNotFound     = "not_found"
	ErrorKindForbidden    = "forbidden"
	ErrorKindBackpressure = "backpressure"
	ErrorKindRuntime      = "runtime"
	ErrorKindConflict     = "conflict"
)

func isTerminalErrorKind(kind string) bool {
	return kind == ErrorKindAuth || kind == ErrorKindFatal || kind == ErrorKindConflict
}

// inboundFrame is the wire shape of a client-sent frame.
type inboundFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// outboundMessageFrame carries a persisted message (user or assistant) back
// to the client.
type outboundMessageFrame struct {
	Type      string      `json:"type"`
	Role      models.Role `json:"role"`
	Content   string      `json:"content"`
	MessageID string      `json:"message_id"`
	Timestamp time.Time   `json:"timestamp"`
}

// outboundErrorFrame carries a turn-scoped or fatal failure.
type outboundErrorFrame struct {
	Type   string `json:"type"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

func newMessageFrame(msg *models.Message) outboundMessageFrame {
	return outboundMessageFrame{
		Type:      frameTypeMessage,
		Role:      msg.Role,
		Content:   msg.Content,
		MessageID: msg.ID,
		Timestamp: msg.CreatedAt,
	}
}

func newErrorFrame(kind, detail string) outboundErrorFrame {
	return outboundErrorFrame{Type: frameTypeError, Kind: kind, Detail: detail}
}

// frameSchemaRegistry lazily compiles the inbound frame schemas once per
// process rather than on every frame decode.
type frameSchemaRegistry struct {
	once    sync.Once
	initErr error
	sendMsg *jsonschema.Schema
	end     *jsonschema.Schema
}

var frameSchemas frameSchemaRegistry

func initFrameSchemas() error {
	frameSchemas.once.Do(func() {
		sendMsg, err := jsonschema.CompileString("frame_send_message", sendMessageFrameSchema)
		if err != nil {
			frameSchemas.initErr = err
			return
		}
		frameSchemas.sendMsg = sendMsg

		end, err := jsonschema.CompileString("frame_end", endFrameSchema)
		if err != nil {
			frameSchemas.initErr = err
			return
		}
		frameSchemas.end = end
	})
	return frameSchemas.initErr
}

// decodeInboundFrame validates raw against the schema for its declared
// type and unmarshals it into an inboundFrame. Validation happens against
// the raw JSON payload, not the already-decoded struct, so that malformed
// fields are rejected before they ever reach session handling. Fields the
// schemas do not name are allowed (additionalProperties is true).
func decodeInboundFrame(raw []byte) (*inboundFrame, error) {
	if err := initFrameSchemas(); err != nil {
		return nil, err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}

	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}

	switch frame.Type {
	case frameTypeSendMessage:
		if err := frameSchemas.sendMsg.Validate(payload); err != nil {
			return nil, err
		}
	case frameTypeEnd:
		if err := frameSchemas.end.Validate(payload); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported frame type %q", frame.Type)
	}
	return &frame, nil
}

const sendMessageFrameSchema = `{
 "type": "object",
 "required": ["type", "content"],
 "properties": {
 "type": { "const": "send_message" },
 "content": { "type": "string", "minLength": 1 }
 },
 "additionalProperties": true
}`

const endFrameSchema = `{
 "type": "object",
 "required": ["type"],
 "properties": {
 "type": { "const": "end" }
 },
 "additionalProperties": true
}`
