package app

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/venturebridge/forum/internal/services/communications/domain"
	"github.com/venturebridge/forum/internal/services/communications/storage"
)

// notificationResource is the REST shape of one pending notification.
// It matches the notify_user wire envelope so clients render both the
// socket push and the list response with the same code path.
type notificationResource struct {
	ID        string               `json:"notification_id"`
	Initiator domain.NamespaceInfo `json:"initiator"`
	Message   string               `json:"message"`
	MessageID string               `json:"message_id,omitempty"`
	CreatedAt string               `json:"created_at"`
}

func toNotificationResource(record storage.NotificationRecord) notificationResource {
	return notificationResource{
		ID:        record.ID,
		Initiator: record.Initiator,
		Message:   record.Message,
		MessageID: record.MessageID,
		CreatedAt: record.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// registerRESTRoutes mounts the catch-up companion API: clients that
// were offline list their backlog here and acknowledge over either
// transport.
func (g *gateway) registerRESTRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /notifications/{$}", func(w http.ResponseWriter, r *http.Request) {
		identity, ok := g.authenticateRequest(w, r)
		if !ok {
			return
		}
		records, err := g.store.ListFor(r.Context(), identity.UserID)
		if err != nil {
			log.Printf("communications: list notifications failed user=%d err=%v", identity.UserID, err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		resources := make([]notificationResource, 0, len(records))
		for _, record := range records {
			resources = append(resources, toNotificationResource(record))
		}
		writeJSON(w, http.StatusOK, map[string]any{"notifications": resources})
	})

	mux.HandleFunc("PUT /notifications/{id}/{$}", func(w http.ResponseWriter, r *http.Request) {
		identity, ok := g.authenticateRequest(w, r)
		if !ok {
			return
		}
		notificationID := strings.TrimSpace(r.PathValue("id"))
		if notificationID == "" {
			http.Error(w, "notification id is required", http.StatusBadRequest)
			return
		}
		err := g.store.Acknowledge(r.Context(), notificationID, identity.UserID)
		switch {
		case err == nil:
			w.WriteHeader(http.StatusNoContent)
		case errors.Is(err, storage.ErrNotFound):
			http.Error(w, "notification not found", http.StatusNotFound)
		default:
			log.Printf("communications: acknowledge failed notification=%q user=%d err=%v",
				notificationID, identity.UserID, err)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	})
}

func (g *gateway) authenticateRequest(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return Identity{}, false
	}
	identity, err := g.auth.Authenticate(r.Context(), token)
	if err != nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return Identity{}, false
	}
	return identity, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("communications: write response failed: %v", err)
	}
}
