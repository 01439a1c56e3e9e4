package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// ResourceACL is the sharing metadata of one calendar or address book.
type ResourceACL struct {
	OwnerID    string
	PublicRead bool
	Delegates  []string
}

// ResourceStore reads ownership and sharing metadata. The storage engine
// that owns the resources writes it.
type ResourceStore struct {
	db *sql.DB
}

func NewResourceStore(db *sql.DB) *ResourceStore {
	return &ResourceStore{db: db}
}

// GetACL returns the sharing metadata of the resource identified by kind,
// owner and resource id, or ErrNotFound.
func (s *ResourceStore) GetACL(ctx context.Context, kind, ownerID, resourceID string) (ResourceACL, error) {
	if s == nil || s.db == nil {
		return ResourceACL{}, fmt.Errorf("resource store is not configured")
	}

	var acl ResourceACL
	var delegates []string
	err := s.db.QueryRowContext(
		ctx,
		`SELECT r.owner_id,
		        r.public_read,
		        COALESCE(array_agg(d.user_id ORDER BY d.user_id) FILTER (WHERE d.user_id IS NOT NULL), '{}')
		 FROM resources r
		 LEFT JOIN resource_delegations d ON d.resource_pk = r.id
		 WHERE r.kind = $1
		   AND r.owner_id = $2
		   AND r.resource_id = $3
		 GROUP BY r.id`,
		kind,
		ownerID,
		resourceID,
	).Scan(&acl.OwnerID, &acl.PublicRead, pq.Array(&delegates))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ResourceACL{}, ErrNotFound
		}
		return ResourceACL{}, fmt.Errorf("failed to load resource acl: %w", err)
	}
	acl.Delegates = delegates
	return acl, nil
}
