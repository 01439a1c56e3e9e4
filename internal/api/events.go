package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/samhotchkiss/calpush/internal/events"
	"github.com/samhotchkiss/calpush/internal/resource"
)

type syncTokenRequest struct {
	URI       string `json:"uri"`
	SyncToken string `json:"syncToken"`
}

type accessChangedRequest struct {
	URI string `json:"uri"`
}

type alarmRequest struct {
	UserID         string     `json:"userId"`
	EventSummary   string     `json:"eventSummary"`
	EventURL       string     `json:"eventURL"`
	EventStartTime *time.Time `json:"eventStartTime"`
}

// postSyncToken announces a new sync token for a resource.
func (h *handlers) postSyncToken(w http.ResponseWriter, r *http.Request) {
	var req syncTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	key, err := resource.Parse(req.URI)
	if err != nil {
		sendError(w, http.StatusBadRequest, "invalid uri")
		return
	}
	token := strings.TrimSpace(req.SyncToken)
	if token == "" {
		sendError(w, http.StatusBadRequest, "syncToken is required")
		return
	}
	h.publish(w, r, events.NewSyncToken(key, token))
}

// postAccessChanged asks every node to recheck subscribers of a resource.
func (h *handlers) postAccessChanged(w http.ResponseWriter, r *http.Request) {
	var req accessChangedRequest
	if err := decodeJSON(w, r, &req); err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	key, err := resource.Parse(req.URI)
	if err != nil {
		sendError(w, http.StatusBadRequest, "invalid uri")
		return
	}
	h.publish(w, r, events.NewAccessChanged(key))
}

// postAlarm pushes an event reminder to every connection of a user.
func (h *handlers) postAlarm(w http.ResponseWriter, r *http.Request) {
	var req alarmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		sendError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if req.EventStartTime == nil {
		sendError(w, http.StatusBadRequest, "eventStartTime is required")
		return
	}
	h.publish(w, r, events.NewAlarm(userID, req.EventSummary, req.EventURL, *req.EventStartTime))
}

func (h *handlers) publish(w http.ResponseWriter, r *http.Request, event events.Event) {
	if h.publisher == nil {
		sendError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}
	if err := h.publisher.Publish(r.Context(), event); err != nil {
		h.warnf("warning: event publish failed uri=%s err=%v", event.Key, err)
		sendError(w, http.StatusBadGateway, "failed to publish event")
		return
	}
	sendJSON(w, http.StatusAccepted, statusResponse{Status: "accepted"})
}
