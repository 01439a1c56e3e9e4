package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidTicket is returned for unknown or expired tickets.
var ErrInvalidTicket = errors.New("invalid ticket")

// TicketOwner is the user a connect ticket was issued to.
type TicketOwner struct {
	UserID   string
	Username string
}

// TicketStore resolves the short-lived tickets clients present when they
// open a real-time connection. Tickets are issued elsewhere and stored hashed.
type TicketStore struct {
	db *sql.DB
}

func NewTicketStore(db *sql.DB) *TicketStore {
	return &TicketStore{db: db}
}

// HashTicket returns the stored form of a ticket.
func HashTicket(ticket string) string {
	sum := sha256.Sum256([]byte(ticket))
	return hex.EncodeToString(sum[:])
}

// Resolve returns the owner of an unexpired ticket.
func (s *TicketStore) Resolve(ctx context.Context, ticket string) (TicketOwner, error) {
	if s == nil || s.db == nil {
		return TicketOwner{}, fmt.Errorf("ticket store is not configured")
	}
	ticket = strings.TrimSpace(ticket)
	if ticket == "" {
		return TicketOwner{}, ErrInvalidTicket
	}

	var owner TicketOwner
	err := s.db.QueryRowContext(
		ctx,
		`SELECT u.id, u.username
		 FROM ws_tickets t
		 JOIN users u ON u.id = t.user_id
		 WHERE t.token_hash = $1
		   AND t.expires_at > NOW()`,
		HashTicket(ticket),
	).Scan(&owner.UserID, &owner.Username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TicketOwner{}, ErrInvalidTicket
		}
		return TicketOwner{}, fmt.Errorf("failed to resolve ticket: %w", err)
	}
	return owner, nil
}
