// Package gateway implements the Conversation Gateway: the streaming
// front door that authenticates a client, binds a session to a
// (user, conversation) pair, receives user turns, drives the Model Pipeline,
// and streams replies back over a WebSocket connection.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/convoai/internal/auth"
	"github.com/haasonsaas/convoai/internal/pipeline"
	"github.com/haasonsaas/convoai/internal/sessions"
	"github.com/haasonsaas/convoai/internal/storage"
	"github.com/haasonsaas/convoai/pkg/models"
)

const (
	maxFramePayloadBytes = 1 << 20
	writeWait            = 10 * time.Second
	pongWait             = 45 * time.Second
	pingInterval         = (pongWait * 9) / 10
	sendQueueDepth       = 64

	// sessionLockTimeout bounds how long a new session waits for a prior
	// session on the same conversation to close before it is rejected with
	// Conflict. Kept short: a stale connection that hasn't noticed it's
	// dead yet shouldn't block a legitimate reconnect for long.
	sessionLockTimeout = 5 * time.Second
)

// ActivityEmitter is the narrow slice of the Analytics Ingestor the Gateway
// needs: a fire-and-forget append of one Activity record per session
// connect/disconnect.
type ActivityEmitter interface {
	IngestActivity(ctx context.Context, a models.Activity)
}

// Server is the Conversation Gateway. It owns no session registry: each
// upgraded connection is handed its own *session and the two communicate
// with the rest of the module only through the interfaces captured here.
type Server struct {
	auth     *auth.Service
	store    storage.ConversationStore
	pipeline *pipeline.Pipeline
	metrics  pipeline.MetricEmitter
	activity ActivityEmitter
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// locks enforces at most one live session per conversation within this
	// process. Reconnection is always a new session , so a second
	// concurrent session on the same conversation is a client bug (e.g. two
	// open tabs) rather than a supported pattern; Conflict tells it so
	// instead of letting two sessions interleave turns against one
	// conversation's message order.
	locks *sessions.SessionLocker
}

// NewServer wires the Gateway to the Identity Verifier, Conversation Store,
// Model Pipeline, and a MetricEmitter for the user-message side of its
// "every user/assistant message ... is emitted" rule (the assistant side is
// emitted by the Pipeline itself). activity may be nil, in which case
// session connect/disconnect activity is not recorded.
func NewServer(verifier *auth.Service, store storage.ConversationStore, pipe *pipeline.Pipeline, metrics pipeline.MetricEmitter, activity ActivityEmitter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		auth:     verifier,
		store:    store,
		pipeline: pipe,
		metrics:  metrics,
		activity: activity,
		logger:   logger.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		locks: sessions.NewSessionLocker(sessionLockTimeout),
	}
}

// ServeHTTP upgrades the connection and hands it to a new session. Per
// , authentication and conversation authorization happen *after* the
// stream is open: a failure closes the stream with an error frame rather
// than an HTTP status, since the protocol is defined over an open
// connection from the first frame.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation_id")
	token          := bearerTokenFromRequest(r)

	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess := newSession(srv, conn, conversationID, token)
	sess.run()
}

func bearerTokenFromRequest(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimPrefix(header, prefix)
	}
	return r.URL.Query().Get("token")
}
