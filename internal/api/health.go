package api

import (
	"net/http"
	"os"
	"time"
)

var startTime = time.Now()

type HealthResponse struct {
	Status      string `json:"status"`
	Uptime      string `json:"uptime"`
	Version     string `json:"version"`
	Timestamp   string `json:"timestamp"`
	Connections int    `json:"connections"`
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	connections := 0
	if h.manager != nil {
		connections = h.manager.Count()
	}
	sendJSON(w, http.StatusOK, HealthResponse{
		Status:      "ok",
		Uptime:      time.Since(startTime).Round(time.Second).String(),
		Version:     getVersion(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Connections: connections,
	})
}

func handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	sendJSON(w, http.StatusOK, map[string]string{
		"name":      "calpush",
		"tagline":   "Real-time change notifications for calendars and address books",
		"websocket": "/ws",
		"health":    "/health",
	})
}

func getVersion() string {
	if v := os.Getenv("VERSION"); v != "" {
		return v
	}
	return "dev"
}
