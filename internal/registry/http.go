// Package registry exposes owner-scoped CRUD over the Conversation Store's
// tables — tool-server registrations (Handler) and conversations
// (ConversationsHandler) — as an HTTP surface, so the Tool Registry
// Client's backing data, and a conversation_id to open a Gateway session
// against, have somewhere for a caller to actually come from.
package registry

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/haasonsaas/convoai/internal/auth"
	"github.com/haasonsaas/convoai/internal/storage"
	"github.com/haasonsaas/convoai/pkg/models"
)

// Handler builds the tool-server registration endpoints. Every request is
// verified via the Identity Verifier; the Conversation Store itself then
// enforces owner-or-admin authorization on the resolved user , so
// this layer does no additional scoping beyond requiring a valid token.
func Handler(verifier *auth.Service, store storage.ConversationStore) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/tool_servers", withUser(verifier, func(w http.ResponseWriter, r *http.Request, user models.User) {
		switch r.Method {
		case http.MethodGet:
			enabledOnly := r.URL.Query().Get("enabled_only") == "true"
			regs, err := store.ListToolServers(r.Context(), user.Subject, enabledOnly)
			writeJSONOrError(w, regs, err)
		case http.MethodPost:
			var req struct {
				Name        string `json:"name"`
				Description string `json:"description"`
				EndpointURL string `json:"endpoint_url"`
			}
			if !decodeOrBadRequest(w, r, &req) {
				return
			}
			reg, err := store.CreateToolServer(r.Context(), user.Subject, req.Name, req.Description, req.EndpointURL)
			writeJSONOrError(w, reg, err)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}))

	mux.HandleFunc("/tool_servers/", withUser(verifier, func(w http.ResponseWriter, r *http.Request, user models.User) {
		id := strings.TrimPrefix(r.URL.Path, "/tool_servers/")
		if id == "" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		switch r.Method {
		case http.MethodGet:
			reg, err := store.GetToolServer(r.Context(), id, user)
			writeJSONOrError(w, reg, err)
		case http.MethodPut:
			var reg models.ToolServerRegistration
			if !decodeOrBadRequest(w, r, &reg) {
				return
			}
			reg.ID = id
			err := store.UpdateToolServer(r.Context(), &reg, user)
			writeJSONOrError(w, reg, err)
		case http.MethodDelete:
			err := store.DeleteToolServer(r.Context(), id, user)
			writeJSONOrError(w, struct{}{}, err)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}))

	return mux
}

func withUser(verifier *auth.Service, next func(http.ResponseWriter, *http.Request, models.User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		user, _, err := verifier.Verify(token)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
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

func decodeOrBadRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSONOrError(w http.ResponseWriter, payload any, err error) {
	switch err {
	case nil:
	case storage.ErrNotFound:
		http.Error(w, "not found", http.StatusNotFound)
		return
	case storage.ErrForbidden:
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
