package registry

import (
	"net/http"
	"strings"

	"github.com/haasonsaas/convoai/internal/auth"
	"github.com/haasonsaas/convoai/internal/storage"
	"github.com/haasonsaas/convoai/pkg/models"
)

// ConversationsHandler builds the Conversation Store's external CRUD
// surface, owner-scoped authorization identical to the tool-server
// registrations exposed by Handler. This is the only way a real client
// creates a conversation_id to subsequently open a Gateway session against.
func ConversationsHandler(verifier *auth.Service, store storage.ConversationStore) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/conversations", withUser(verifier, func(w http.ResponseWriter, r *http.Request, user models.User) {
		switch r.Method {
		case http.MethodGet:
			convs, err := store.ListConversations(r.Context(), user.Subject)
			writeJSONOrError(w, convs, err)
		case http.MethodPost:
			var req struct {
				Title        string `json:"title"`
				SystemPrompt string `json:"system_prompt"`
			}
			if !decodeOrBadRequest(w, r, &req) {
				return
			}
			conv, err := store.CreateConversation(r.Context(), user.Subject, req.Title, req.SystemPrompt)
			writeJSONOrError(w, conv, err)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}))

	mux.HandleFunc("/conversations/", withUser(verifier, func(w http.ResponseWriter, r *http.Request, user models.User) {
		rest := strings.TrimPrefix(r.URL.Path, "/conversations/")
		id, sub, hasSub := strings.Cut(rest, "/")
		if id == "" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if hasSub {
			if sub != "messages" || r.Method != http.MethodGet {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			msgs, err := store.ListMessages(r.Context(), id, user)
			writeJSONOrError(w, msgs, err)
			return
		}
		switch r.Method {
		case http.MethodGet:
			conv, err := store.GetConversation(r.Context(), id, user)
			writeJSONOrError(w, conv, err)
		case http.MethodDelete:
			err := store.DeleteConversation(r.Context(), id, user)
			writeJSONOrError(w, struct{}{}, err)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}))

	return mux
}
