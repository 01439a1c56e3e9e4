package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/samhotchkiss/calpush/internal/store"
	"github.com/stretchr/testify/require"
)

type fakeSeedStore struct {
	users     []string
	resources []string
	delegates []string
	tickets   map[string]string
	expiresAt time.Time

	userErr error
}

func (f *fakeSeedStore) UpsertUser(_ context.Context, user seedUser) error {
	if f.userErr != nil {
		return f.userErr
	}
	f.users = append(f.users, user.ID)
	return nil
}

func (f *fakeSeedStore) UpsertResource(_ context.Context, resource seedResource) (int64, error) {
	f.resources = append(f.resources, resource.OwnerID+"/"+resource.ResourceID)
	return int64(len(f.resources)), nil
}

func (f *fakeSeedStore) AddDelegate(_ context.Context, resourcePK int64, userID string) error {
	f.delegates = append(f.delegates, userID)
	return nil
}

func (f *fakeSeedStore) CreateTicket(_ context.Context, tokenHash, userID string, expiresAt time.Time) error {
	if f.tickets == nil {
		f.tickets = make(map[string]string)
	}
	f.tickets[userID] = tokenHash
	f.expiresAt = expiresAt
	return nil
}

func TestSeedDevelopment(t *testing.T) {
	now := time.Date(2026, 2, 9, 12, 0, 0, 0, time.UTC)
	fake := &fakeSeedStore{}

	tickets, err := seedDevelopment(context.Background(), fake, now, time.Hour)
	require.NoError(t, err)

	require.Equal(t, []string{"bob", "alice"}, fake.users)
	require.Equal(t, []string{"bob/default", "alice/work", "bob/contacts"}, fake.resources)
	require.Equal(t, []string{"alice"}, fake.delegates)
	require.Equal(t, now.Add(time.Hour), fake.expiresAt)

	require.Len(t, tickets, 2)
	for userID, ticket := range tickets {
		require.True(t, strings.HasPrefix(ticket, ticketPrefix))
		require.Equal(t, store.HashTicket(ticket), fake.tickets[userID], "only the hash is stored")
	}
	require.NotEqual(t, tickets["bob"], tickets["alice"])
}

func TestSeedDevelopmentStopsOnError(t *testing.T) {
	fake := &fakeSeedStore{userErr: errors.New("permission denied")}

	_, err := seedDevelopment(context.Background(), fake, time.Now(), time.Hour)

	require.ErrorContains(t, err, "upsert user bob")
	require.Empty(t, fake.resources)
}

func TestGenerateTicket(t *testing.T) {
	ticket, err := generateTicket()
	require.NoError(t, err)
	require.Len(t, ticket, len(ticketPrefix)+ticketLength)
}
