package ws

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samhotchkiss/calpush/internal/authz"
	"github.com/samhotchkiss/calpush/internal/metrics"
)

// ErrUnauthenticated is returned for a missing, unknown or expired ticket.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves the ticket presented at connect time.
type Authenticator interface {
	Authenticate(ctx context.Context, ticket string) (authz.Principal, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, ticket string) (authz.Principal, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, ticket string) (authz.Principal, error) {
	return f(ctx, ticket)
}

// Manager owns the set of live connections and their teardown.
type Manager struct {
	Registry   *Registry
	Auth       Authenticator
	SendBuffer int
	Metrics    *metrics.Hub

	mu     sync.Mutex
	conns  map[string]*Connection
	byUser map[string]map[*Connection]struct{}
}

// NewManager builds a manager backed by registry.
func NewManager(registry *Registry, auth Authenticator) *Manager {
	return &Manager{
		Registry: registry,
		Auth:     auth,
		conns:    make(map[string]*Connection),
		byUser:   make(map[string]map[*Connection]struct{}),
	}
}

// Authenticate validates a connect ticket. Every failure to identify the
// caller is reported as ErrUnauthenticated; lookup errors are wrapped.
func (m *Manager) Authenticate(ctx context.Context, ticket string) (authz.Principal, error) {
	ticket = strings.TrimSpace(ticket)
	if ticket == "" || m.Auth == nil {
		m.Metrics.AuthFailed()
		return authz.Principal{}, ErrUnauthenticated
	}
	principal, err := m.Auth.Authenticate(ctx, ticket)
	if err != nil {
		m.Metrics.AuthFailed()
		if errors.Is(err, ErrUnauthenticated) {
			return authz.Principal{}, err
		}
		return authz.Principal{}, fmt.Errorf("authenticate ticket: %w", err)
	}
	if strings.TrimSpace(principal.UserID) == "" {
		m.Metrics.AuthFailed()
		return authz.Principal{}, ErrUnauthenticated
	}
	return principal, nil
}

// Open creates a connection for an authenticated principal. Closing the
// connection removes every subscription it holds.
func (m *Manager) Open(ctx context.Context, principal authz.Principal, socket *websocket.Conn) *Connection {
	conn := NewConnection(ctx, uuid.NewString(), principal, socket, m.SendBuffer)
	conn.onClose = m.release

	m.mu.Lock()
	if m.conns == nil {
		m.conns = make(map[string]*Connection)
		m.byUser = make(map[string]map[*Connection]struct{})
	}
	m.conns[conn.ID] = conn
	userConns, ok := m.byUser[principal.UserID]
	if !ok {
		userConns = make(map[*Connection]struct{})
		m.byUser[principal.UserID] = userConns
	}
	userConns[conn] = struct{}{}
	m.mu.Unlock()

	m.Metrics.ConnectionOpened()
	return conn
}

// Get returns a live connection by id.
func (m *Manager) Get(id string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[id]
	return conn, ok
}

// ForUser returns the live connections opened by userID.
func (m *Manager) ForUser(userID string) []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	userConns := m.byUser[userID]
	out := make([]*Connection, 0, len(userConns))
	for conn := range userConns {
		out = append(out, conn)
	}
	return out
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// CloseAll tears down every live connection.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

func (m *Manager) release(conn *Connection) {
	if m.Registry != nil {
		m.Registry.RemoveConnection(conn)
	}

	m.mu.Lock()
	_, tracked := m.conns[conn.ID]
	delete(m.conns, conn.ID)
	if userConns, ok := m.byUser[conn.Principal.UserID]; ok {
		delete(userConns, conn)
		if len(userConns) == 0 {
			delete(m.byUser, conn.Principal.UserID)
		}
	}
	m.mu.Unlock()

	if tracked {
		m.Metrics.ConnectionClosed()
	}
}
