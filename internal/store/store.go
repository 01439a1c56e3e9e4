// Package store provides Postgres access for tickets, resource sharing
// metadata and import jobs.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("entity not found")
	// ErrConflict is returned when an entity with the same identity already exists.
	ErrConflict = errors.New("entity already exists")
	// ErrNoDatabaseURL is returned by Open when no connection string is configured.
	ErrNoDatabaseURL = errors.New("DATABASE_URL is not set")
)

const uniqueViolation = "23505"

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dbURL string) (*sql.DB, error) {
	dbURL = strings.TrimSpace(dbURL)
	if dbURL == "" {
		return nil, ErrNoDatabaseURL
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return db, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}
