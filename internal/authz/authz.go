// Package authz decides whether a principal may read a calendar or address book.
package authz

import (
	"context"
	"strings"

	"github.com/samhotchkiss/calpush/internal/resource"
)

// Decision is the outcome of an access check.
type Decision int

const (
	Allowed Decision = iota
	Forbidden
	NotFound
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "Allowed"
	case Forbidden:
		return "Forbidden"
	case NotFound:
		return "NotFound"
	default:
		return "Unknown"
	}
}

// Principal is the authenticated user behind a connection.
type Principal struct {
	UserID   string
	Username string
}

// Gate resolves read access for a principal on a resource.
type Gate interface {
	Check(ctx context.Context, principal Principal, key resource.Key) (Decision, error)
}

// GateFunc adapts a function to Gate.
type GateFunc func(ctx context.Context, principal Principal, key resource.Key) (Decision, error)

func (f GateFunc) Check(ctx context.Context, principal Principal, key resource.Key) (Decision, error) {
	return f(ctx, principal, key)
}

// ACL is the ownership and sharing metadata of an existing resource.
type ACL struct {
	OwnerID    string
	PublicRead bool
	Delegates  []string
}

// Evaluate applies the read rule: owner, public-read, or delegated.
func Evaluate(acl ACL, principal Principal) Decision {
	userID := strings.TrimSpace(principal.UserID)
	if userID == "" {
		return Forbidden
	}
	if acl.OwnerID == userID || acl.PublicRead {
		return Allowed
	}
	for _, delegate := range acl.Delegates {
		if delegate == userID {
			return Allowed
		}
	}
	return Forbidden
}
