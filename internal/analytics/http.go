package analytics

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/haasonsaas/convoai/internal/auth"
	"github.com/haasonsaas/convoai/internal/net/ssrf"
	"github.com/haasonsaas/convoai/pkg/models"
)

// IngestHandler builds the four ingest POST endpoints. The
// handler never consults a bearer token; its only access control is the
// network-level private-address check in requirePrivateNetwork, since a
// deliberate design decision treats "reachable only from inside the
// cluster" as the ingestor's entire trust boundary.
func IngestHandler(ingestor Ingestor) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/analytics/activity", requirePrivateNetwork(func(w http.ResponseWriter, r *http.Request) {
		var a models.Activity
		if !decodeOrBadRequest(w, r, &a) {
			return
		}
		ingestor.IngestActivity(r.Context(), a)
		w.WriteHeader(http.StatusAccepted)
	}))
	mux.HandleFunc("/analytics/api_call", requirePrivateNetwork(func(w http.ResponseWriter, r *http.Request) {
		var c models.ApiCall
		if !decodeOrBadRequest(w, r, &c) {
			return
		}
		ingestor.IngestAPICall(r.Context(), c)
		w.WriteHeader(http.StatusAccepted)
	}))
	mux.HandleFunc("/analytics/conversation_lifecycle", requirePrivateNetwork(func(w http.ResponseWriter, r *http.Request) {
		var l models.ConversationLifecycle
		if !decodeOrBadRequest(w, r, &l) {
			return
		}
		ingestor.IngestConversationLifecycle(r.Context(), l)
		w.WriteHeader(http.StatusAccepted)
	}))
	mux.HandleFunc("/analytics/message_metric", requirePrivateNetwork(func(w http.ResponseWriter, r *http.Request) {
		var m models.MessageMetric
		if !decodeOrBadRequest(w, r, &m) {
			return
		}
		ingestor.IngestMessageMetric(r.Context(), m)
		w.WriteHeader(http.StatusAccepted)
	}))
	return mux
}

// requirePrivateNetwork rejects any request whose remote address is not a
// private/reserved IP per the design "MUST reject requests arriving from
// outside the private network". This is the legitimate use of
// ssrf.IsPrivateIPAddress in this module: classifying the caller's own
// address, never the destination of an outbound call (that use was
// deliberately rejected for the Dispatcher — see DESIGN.md).
func requirePrivateNetwork(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !ssrf.IsPrivateIPAddress(host) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func decodeOrBadRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return false
	}
	return true
}

// QueryHandler builds the Analytics Query Surface's role-gated GET
// endpoints. Every request is verified via the Identity Verifier
// and rejected unless the resulting user carries the admin role.
func QueryHandler(verifier *auth.Service, query QuerySurface) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/analytics/summary", withAdmin(verifier, func(w http.ResponseWriter, r *http.Request, user models.User) {
		summary, err := query.Summary(r.Context(), user)
		writeJSONOrError(w, summary, err)
	}))

	mux.HandleFunc("/analytics/top_users", withAdmin(verifier, func(w http.ResponseWriter, r *http.Request, user models.User) {
		limit := intQueryParam(r, "limit", 10)
		users, err := query.TopUsers(r.Context(), user, limit)
		writeJSONOrError(w, users, err)
	}))

	mux.HandleFunc("/analytics/user_activities", withAdmin(verifier, func(w http.ResponseWriter, r *http.Request, user models.User) {
		subject := r.URL.Query().Get("subject")
		limit   := intQueryParam(r, "limit", 50)
		skip    := intQueryParam(r, "skip", 0)
		activities, err := query.UserActivities(r.Context(), user, subject, limit, skip)
		writeJSONOrError(w, activities, err)
	}))

	mux.HandleFunc("/analytics/conversation_rollup", withAdmin(verifier, func(w http.ResponseWriter, r *http.Request, user models.User) {
		conversationID := r.URL.Query().Get("conversation_id")
		rollup, err := query.ConversationRollup(r.Context(), user, conversationID)
		writeJSONOrError(w, rollup, err)
	}))

	mux.HandleFunc("/analytics/clear_all", withAdmin(verifier, func(w http.ResponseWriter, r *http.Request, user models.User) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		err := query.ClearAll(r.Context(), user)
		writeJSONOrError(w, struct{}{}, err)
	}))

	return mux
}

func withAdmin(verifier *auth.Service, next func(http.ResponseWriter, *http.Request, models.User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		user, _, err := verifier.Verify(token)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !auth.IsAdmin(user) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next(w, r, user)
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimPrefix(header, prefix)
	}
	return ""
}

func intQueryParam(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	var value int
	if _, err := fmt.Sscanf(raw, "%d", &value); err != nil {
		return fallback
	}
	return value
}

func writeJSONOrError(w http.ResponseWriter, payload any, err error) {
	if err == ErrForbidden {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
