package api

import (
	"context"
	"errors"

	"github.com/samhotchkiss/calpush/internal/authz"
	"github.com/samhotchkiss/calpush/internal/resource"
	"github.com/samhotchkiss/calpush/internal/store"
	"github.com/samhotchkiss/calpush/internal/ws"
)

// ACLSource loads sharing metadata for a resource.
type ACLSource interface {
	GetACL(ctx context.Context, kind, ownerID, resourceID string) (store.ResourceACL, error)
}

// TicketResolver resolves connect tickets to users.
type TicketResolver interface {
	Resolve(ctx context.Context, ticket string) (store.TicketOwner, error)
}

// NewResourceGate answers access checks from stored sharing metadata.
// A resource without a row is NotFound; lookup failures are returned as
// errors so the caller can report InternalError.
func NewResourceGate(acls ACLSource) authz.Gate {
	return authz.GateFunc(func(ctx context.Context, principal authz.Principal, key resource.Key) (authz.Decision, error) {
		acl, err := acls.GetACL(ctx, string(key.Kind), key.OwnerID, key.ResourceID)
		if errors.Is(err, store.ErrNotFound) {
			return authz.NotFound, nil
		}
		if err != nil {
			return authz.Forbidden, err
		}
		return authz.Evaluate(authz.ACL{
			OwnerID:    acl.OwnerID,
			PublicRead: acl.PublicRead,
			Delegates:  acl.Delegates,
		}, principal), nil
	})
}

// NewTicketAuthenticator resolves connect tickets through tickets.
func NewTicketAuthenticator(tickets TicketResolver) ws.Authenticator {
	return ws.AuthenticatorFunc(func(ctx context.Context, ticket string) (authz.Principal, error) {
		owner, err := tickets.Resolve(ctx, ticket)
		if errors.Is(err, store.ErrInvalidTicket) {
			return authz.Principal{}, ws.ErrUnauthenticated
		}
		if err != nil {
			return authz.Principal{}, err
		}
		return authz.Principal{UserID: owner.UserID, Username: owner.Username}, nil
	})
}
