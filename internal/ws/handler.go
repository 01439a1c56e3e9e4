package ws

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait             = 10 * time.Second
	defaultPingInterval   = 5 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxMessageSize = 64 * 1024
)

// Handler authenticates websocket upgrades and runs the per-connection pumps.
type Handler struct {
	Manager        *Manager
	Processor      *Processor
	PingInterval   time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	AllowedOrigins []string
	Logf           func(string, ...any)
}

// ServeHTTP implements http.Handler. The ticket is checked before the
// upgrade so that a refused client gets a plain HTTP error.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, err := h.Manager.Authenticate(r.Context(), r.URL.Query().Get("ticket"))
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			writeHTTPError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		h.logf("warning: websocket authentication error: remote=%s err=%v", r.RemoteAddr, err)
		writeHTTPError(w, http.StatusServiceUnavailable, "authentication unavailable")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.isOriginAllowed,
	}
	socket, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn := h.Manager.Open(r.Context(), principal, socket)
	go h.writePump(conn)
	h.readPump(conn)
}

func (h *Handler) readPump(conn *Connection) {
	defer func() {
		conn.Close()
		conn.conn.Close()
	}()

	pongWait := h.pongWait()
	conn.conn.SetReadLimit(h.maxMessageSize())
	_ = conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logf("warning: websocket read error: connection_id=%s err=%v", conn.ID, err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		reply := h.Processor.Process(conn.Context(), conn, message)
		if !conn.Send(reply) {
			if conn.IsOpen() {
				h.logf("warning: outbound queue full, closing connection: connection_id=%s", conn.ID)
			}
			return
		}
	}
}

func (h *Handler) writePump(conn *Connection) {
	ticker := time.NewTicker(h.pingInterval())
	defer func() {
		ticker.Stop()
		conn.Close()
		conn.conn.Close()
	}()

	outbound := conn.Outbound()
	for {
		select {
		case message, ok := <-outbound:
			_ = conn.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) pingInterval() time.Duration {
	if h.PingInterval <= 0 {
		return defaultPingInterval
	}
	return h.PingInterval
}

func (h *Handler) pongWait() time.Duration {
	if h.PongWait <= 0 {
		return defaultPongWait
	}
	return h.PongWait
}

func (h *Handler) maxMessageSize() int64 {
	if h.MaxMessageSize <= 0 {
		return defaultMaxMessageSize
	}
	return h.MaxMessageSize
}

func (h *Handler) logf(format string, args ...any) {
	if h.Logf != nil {
		h.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func writeHTTPError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorFrame{Error: message})
}

func (h *Handler) isOriginAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	originHost := normalizeOriginHost(originURL.Host)
	if originHost == "" {
		return false
	}

	reqHost := normalizeOriginHost(r.Host)
	if reqHost == originHost || isLoopbackAliasPair(reqHost, originHost) {
		return true
	}
	for _, candidate := range h.AllowedOrigins {
		if isAllowedOriginCandidate(originURL, candidate) {
			return true
		}
	}
	return false
}

func normalizeOriginHost(host string) string {
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return ""
	}
	if strings.HasPrefix(host, "[") && strings.Contains(host, "]") {
		if parsedHost, _, err := net.SplitHostPort(host); err == nil {
			return strings.Trim(parsedHost, "[]")
		}
		return strings.Trim(host, "[]")
	}
	if parsedHost, _, err := net.SplitHostPort(host); err == nil {
		return parsedHost
	}
	return host
}

func isLoopbackAliasPair(a, b string) bool {
	switch {
	case a == b:
		return false
	case isLoopbackHost(a) && isLoopbackHost(b):
		return true
	default:
		return false
	}
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// isAllowedOriginCandidate matches an origin against one configured entry:
// "*", an exact origin, or a "*.example.com" wildcard that excludes the apex.
func isAllowedOriginCandidate(originURL *url.URL, candidate string) bool {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return false
	}
	if candidate == "*" {
		return true
	}

	parsedCandidate, err := url.Parse(candidate)
	if err != nil {
		return false
	}
	if parsedCandidate.Scheme != "" && parsedCandidate.Scheme != originURL.Scheme {
		return false
	}
	patternHost := normalizeOriginHost(parsedCandidate.Host)
	if patternHost == "" {
		return false
	}

	actualHost := normalizeOriginHost(originURL.Host)
	if suffix, ok := strings.CutPrefix(patternHost, "*."); ok {
		if actualHost == suffix {
			return false
		}
		return strings.HasSuffix(actualHost, "."+suffix)
	}
	return actualHost == patternHost
}
