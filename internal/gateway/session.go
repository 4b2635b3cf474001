package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/convoai/internal/pipeline"
	"github.com/haasonsaas/convoai/internal/storage"
	"github.com/haasonsaas/convoai/pkg/models"
)

// session is one client connection, bound to exactly one (user, conversation)
// pair for its lifetime. Reconnection is always a new session: there
// is no resume protocol.
type session struct {
	server         *Server
	conn           *websocket.Conn
	conversationID string
	token          string

	ctx    context.Context
	cancel context.CancelFunc
	send   chan []byte

	user models.User
	conv *models.Conversation
	// locked is set once establish() acquires the per-conversation session
	// lock, so close() knows whether it must release it.
	locked bool

	// turns is a depth-1 queue: one turn may run while at most one more
	// waits behind it. A send on a full channel is rejected with
	// Backpressure rather than blocking the read loop.
	turns chan string
}

func newSession(srv *Server, conn *websocket.Conn, conversationID, token string) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		server:         srv,
		conn:           conn,
		conversationID: conversationID,
		token:          token,
		ctx:            ctx,
		cancel:         cancel,
		send:           make(chan []byte, sendQueueDepth),
		turns:          make(chan string, 1),
	}
}

func (s *session) run() {
	defer s.close()

	if !s.establish() {
		return
	}

	go s.writePump()
	go s.turnWorker()
	s.readPump()
}

// close cancels the session context and closes the connection. The send
// channel is deliberately never closed: turnWorker can still be mid-write
// when a disconnect is detected, and closing a channel a concurrent sender
// might write to would panic. Every goroutine that reads or writes it
// already selects on ctx.Done() and exits once cancel fires; the channel is
// left for the garbage collector.
func (s *session) close() {
	s.cancel()
	if s.locked {
		s.server.locks.Unlock(s.conv.ID)
	}
	s.recordActivity("conversation_session_ended")
	_ = s.conn.Close()
}

// establish implements its session-establishment sequence: verify the
// bearer token, then authorize the conversation. Either failure writes one
// error frame and ends the session; success opens the turn loop.
func (s *session) establish() bool {
	user, _, err := s.server.auth.Verify(s.token)
	if err != nil {
		s.writeFrame(newErrorFrame(ErrorKindAuth, "authentication failed"))
		return false
	}
	s.user = user

	conv, err := s.server.store.GetConversation(s.ctx, s.conversationID, user)
	switch {
	case err == nil:
		s.conv = conv
	case errors.Is(err, storage.ErrNotFound):
		s.writeFrame(newErrorFrame(ErrorKindNotFound, "conversation not found"))
		return false
	case errors.Is(err, storage.ErrForbidden):
		s.writeFrame(newErrorFrame(ErrorKindForbidden, "not authorized for this conversation"))
		return false
	default:
		s.writeFrame(newErrorFrame(ErrorKindFatal, "conversation lookup failed"))
		return false
	}

	if err := s.server.locks.LockWithContext(s.ctx, s.conv.ID); err != nil {
		s.writeFrame(newErrorFrame(ErrorKindConflict, "another session is already active for this conversation"))
		return false
	}
	s.locked = true

	s.recordActivity("conversation_session_started")
	return true
}

// readPump is the only goroutine that reads from the connection, per
// gorilla/websocket's single-reader requirement.
func (s *session) readPump() {
	s.conn.SetReadLimit(maxFramePayloadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := decodeInboundFrame(data)
		if err != nil {
			s.writeFrame(newErrorFrame(ErrorKindRuntime, err.Error()))
			continue
		}

		switch frame.Type {
		case frameTypeEnd:
			return
		case frameTypeSendMessage:
			s.enqueueTurn(frame.Content)
		}
	}
}

// enqueueTurn implements the backpressure rule: at most one turn in flight
// and one queued behind it.
func (s *session) enqueueTurn(content string) {
	select {
	case s.turns <- content:
	default:
		s.writeFrame(newErrorFrame(ErrorKindBackpressure, "a turn is already queued"))
	}
}

// turnWorker drains turns one at a time for the life of the session. Each
// turn gets its own context derived from the session context, so a session
// cancellation (disconnect) cooperatively cancels whichever turn is
// in-flight.
func (s *session) turnWorker() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case content, ok := <-s.turns:
			if !ok {
				return
			}
			s.runTurn(content)
		}
	}
}

func (s *session) runTurn(content string) {
	turnCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	userMsg, err := s.server.store.AppendMessage(turnCtx, s.conv.ID, models.RoleUser, content, nil, nil, "")
	if err != nil {
		if errors.Is(err, storage.ErrConversationEnded) {
			s.writeFrame(newErrorFrame(ErrorKindFatal, "conversation has ended"))
			return
		}
		s.writeFrame(newErrorFrame(ErrorKindRuntime, "failed to record message"))
		return
	}
	s.writeFrame(newMessageFrame(userMsg))
	s.emitUserMetric(userMsg)

	history, err := s.server.store.ListMessages(turnCtx, s.conv.ID, s.user)
	if err != nil {
		s.writeFrame(newErrorFrame(ErrorKindRuntime, "failed to load conversation history"))
		return
	}

	assistantMsg, err := s.server.pipeline.RunTurn(turnCtx, s.conv, s.token, history)
	if err != nil {
		if errors.Is(turnCtx.Err(), context.Canceled) {
			// Session closed mid-turn: nothing to report, nothing persisted.
			return
		}
		s.writeFrame(newErrorFrame(ErrorKindRuntime, err.Error()))
		return
	}
	s.writeFrame(newMessageFrame(assistantMsg))
}

func (s *session) emitUserMetric(msg *models.Message) {
	if s.server.metrics == nil {
		return
	}
	s.server.metrics.EmitMessageMetric(models.MessageMetric{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Subject:        s.user.Subject,
		Role:           msg.Role,
		Timestamp:      msg.CreatedAt,
	})
}

func (s *session) recordActivity(kind string) {
	if s.server.activity == nil || s.user.Subject == "" {
		return
	}
	go s.server.activity.IngestActivity(context.Background(), models.Activity{
		Subject:   s.user.Subject,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	})
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeFrame encodes and enqueues an outbound frame. A terminal error kind
// also cancels the session so the read loop unwinds and the connection is
// closed once the frame has been flushed.
func (s *session) writeFrame(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case s.send <- data:
	case <-s.ctx.Done():
		return
	}

	if ef, ok := frame.(outboundErrorFrame); ok && isTerminalErrorKind(ef.Kind) {
		s.cancel()
	}
}

var _ pipeline.MessageAppender = (storage.ConversationStore)(nil)
