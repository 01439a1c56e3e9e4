package ws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/samhotchkiss/calpush/internal/authz"
	"github.com/samhotchkiss/calpush/internal/events"
	"github.com/samhotchkiss/calpush/internal/resource"
	"github.com/stretchr/testify/require"
)

// holdingGate answers the first check from the stub, then holds the answer
// until release is closed.
type holdingGate struct {
	*stubGate
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newHoldingGate(stub *stubGate) *holdingGate {
	return &holdingGate{stubGate: stub, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *holdingGate) Check(ctx context.Context, principal authz.Principal, key resource.Key) (authz.Decision, error) {
	decision, err := g.stubGate.Check(ctx, principal, key)
	held := false
	g.once.Do(func() { held = true })
	if held {
		close(g.entered)
		<-g.release
	}
	return decision, err
}

// barrierGate fails every check that does not overlap with all the others.
type barrierGate struct {
	arrived sync.WaitGroup
	allIn   chan struct{}
}

func newBarrierGate(n int) *barrierGate {
	g := &barrierGate{allIn: make(chan struct{})}
	g.arrived.Add(n)
	go func() {
		g.arrived.Wait()
		close(g.allIn)
	}()
	return g
}

func (g *barrierGate) Check(context.Context, authz.Principal, resource.Key) (authz.Decision, error) {
	g.arrived.Done()
	select {
	case <-g.allIn:
		return authz.Forbidden, nil
	case <-time.After(2 * time.Second):
		return authz.Forbidden, errors.New("checks did not overlap")
	}
}

func entryFor(uri string) Entry {
	return Entry{Key: resource.MustParse(uri), URI: uri}
}

func TestRegistryRegisterTwiceKeepsSingleIndexEntry(t *testing.T) {
	gate := newStubGate()
	entry := entryFor("cal://bob/default")
	gate.set("bob", entry.Key, authz.Allowed)

	registry := NewRegistry(gate, 4)
	conn := newTestConnection(t, registry, "bob", 8)

	first := registry.Register(context.Background(), conn, []Entry{entry})
	second := registry.Register(context.Background(), conn, []Entry{entry})

	require.Equal(t, []string{"cal://bob/default"}, first.Registered)
	require.Equal(t, []string{"cal://bob/default"}, second.Registered)
	require.Equal(t, 1, registry.SubscriberCount(entry.Key))
	require.Len(t, conn.Subscriptions(), 1)
}

func TestRegistryRegisterReportsEachEntryIndependently(t *testing.T) {
	gate := newStubGate()
	allowed := entryFor("/calendars/alice/work")
	missing := entryFor("/calendars/alice/ghost")
	denied := entryFor("/addressbooks/carol/contacts")
	broken := entryFor("/calendars/alice/broken")
	gate.set("alice", allowed.Key, authz.Allowed)
	gate.set("alice", missing.Key, authz.NotFound)
	gate.fail("alice", broken.Key, errors.New("acl lookup timeout"))

	registry := NewRegistry(gate, 4)
	registry.Logf = t.Logf
	conn := newTestConnection(t, registry, "alice", 8)

	result := registry.Register(context.Background(), conn, []Entry{allowed, missing, denied, broken})

	require.Equal(t, []string{allowed.URI}, result.Registered)
	require.Equal(t, map[string]string{
		missing.URI: reasonNotFound,
		denied.URI:  reasonForbidden,
		broken.URI:  reasonInternalError,
	}, result.NotRegistered)
	require.True(t, conn.IsSubscribed(allowed.Key))
	require.False(t, conn.IsSubscribed(missing.Key))
	require.False(t, conn.IsSubscribed(denied.Key))
	require.False(t, conn.IsSubscribed(broken.Key))
}

func TestRegistryUnregisterNeverRegisteredKeyIsAcknowledged(t *testing.T) {
	registry := NewRegistry(newStubGate(), 4)
	conn := newTestConnection(t, registry, "bob", 8)

	result := registry.Unregister(conn, []Entry{entryFor("cal://bob/never")})

	require.Equal(t, []string{"cal://bob/never"}, result.Unregistered)
	require.Equal(t, 0, registry.SubscriberCount(resource.MustParse("cal://bob/never")))
}

func TestRegistryUnregisterLeavesOtherConnections(t *testing.T) {
	gate := newStubGate()
	entry := entryFor("cal://bob/default")
	gate.set("bob", entry.Key, authz.Allowed)
	gate.set("alice", entry.Key, authz.Allowed)

	registry := NewRegistry(gate, 4)
	bob := newTestConnection(t, registry, "bob", 8)
	alice := newTestConnection(t, registry, "alice", 8)
	registry.Register(context.Background(), bob, []Entry{entry})
	registry.Register(context.Background(), alice, []Entry{entry})
	require.Equal(t, 2, registry.SubscriberCount(entry.Key))

	registry.Unregister(bob, []Entry{entry})

	subscribers := registry.Subscribers(entry.Key)
	require.Len(t, subscribers, 1)
	require.Same(t, alice, subscribers[0].Conn)
	require.Equal(t, entry.URI, subscribers[0].URI)
}

func TestRegistryNilGateForbidsEverything(t *testing.T) {
	registry := NewRegistry(nil, 4)
	conn := newTestConnection(t, registry, "bob", 8)

	result := registry.Register(context.Background(), conn, []Entry{entryFor("cal://bob/default")})

	require.Empty(t, result.Registered)
	require.Equal(t, map[string]string{"cal://bob/default": reasonForbidden}, result.NotRegistered)
}

func TestRegistryRevalidateRemovesRevokedSubscribers(t *testing.T) {
	gate := newStubGate()
	entry := entryFor("/calendars/bob/shared")
	gate.set("bob", entry.Key, authz.Allowed)
	gate.set("alice", entry.Key, authz.Allowed)

	registry := NewRegistry(gate, 4)
	bob := newTestConnection(t, registry, "bob", 8)
	alice := newTestConnection(t, registry, "alice", 8)
	registry.Register(context.Background(), bob, []Entry{entry})
	registry.Register(context.Background(), alice, []Entry{entry})

	gate.set("alice", entry.Key, authz.Forbidden)
	removed := registry.Revalidate(context.Background(), entry.Key)

	require.Equal(t, 1, removed)
	require.True(t, bob.IsSubscribed(entry.Key))
	require.False(t, alice.IsSubscribed(entry.Key))
	require.Equal(t, 1, registry.SubscriberCount(entry.Key))
}

func TestRegistryRevalidateKeepsSubscriptionOnLookupError(t *testing.T) {
	gate := newStubGate()
	entry := entryFor("/calendars/bob/shared")
	gate.set("bob", entry.Key, authz.Allowed)

	registry := NewRegistry(gate, 4)
	registry.Logf = t.Logf
	bob := newTestConnection(t, registry, "bob", 8)
	registry.Register(context.Background(), bob, []Entry{entry})

	gate.fail("bob", entry.Key, errors.New("acl lookup timeout"))

	require.Equal(t, 0, registry.Revalidate(context.Background(), entry.Key))
	require.True(t, bob.IsSubscribed(entry.Key))
}

func TestRegistryConcurrentRegisterAndClose(t *testing.T) {
	gate := newStubGate()
	entries := make([]Entry, 0, 16)
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		entry := entryFor("/calendars/bob/" + id)
		gate.set("bob", entry.Key, authz.Allowed)
		entries = append(entries, entry)
	}

	registry := NewRegistry(gate, 2)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		conn := newTestConnection(t, registry, "bob", 8)
		wg.Add(2)
		go func() {
			defer wg.Done()
			registry.Register(context.Background(), conn, entries)
		}()
		go func() {
			defer wg.Done()
			conn.Close()
		}()
	}
	wg.Wait()

	for _, entry := range entries {
		require.Equal(t, 0, registry.SubscriberCount(entry.Key), "closed connections must not stay indexed")
	}
}

func TestRegistryRegisterRechecksWhenRevokedDuringCheck(t *testing.T) {
	stub := newStubGate()
	entry := entryFor("/calendars/alice/team")
	stub.set("bob", entry.Key, authz.Allowed)
	gate := newHoldingGate(stub)

	registry := NewRegistry(gate, 4)
	registry.Logf = t.Logf
	dispatcher := &Dispatcher{Registry: registry, Logf: t.Logf}
	conn := newTestConnection(t, registry, "bob", 8)

	done := make(chan Result, 1)
	go func() {
		done <- registry.Register(context.Background(), conn, []Entry{entry})
	}()

	<-gate.entered
	stub.set("bob", entry.Key, authz.Forbidden)
	require.NoError(t, dispatcher.HandleEvent(context.Background(), events.NewAccessChanged(entry.Key)))
	close(gate.release)

	result := <-done
	require.Empty(t, result.Registered)
	require.Equal(t, map[string]string{entry.URI: reasonForbidden}, result.NotRegistered)
	require.False(t, conn.IsSubscribed(entry.Key))
	require.Equal(t, 0, dispatcher.Dispatch(events.NewSyncToken(entry.Key, "after-revoke")))
	mustNotReceiveMessage(t, conn.Outbound(), 50*time.Millisecond)
}

func TestRegistryRegisterSurvivesUnrelatedRevalidation(t *testing.T) {
	stub := newStubGate()
	entry := entryFor("/calendars/alice/team")
	stub.set("bob", entry.Key, authz.Allowed)
	gate := newHoldingGate(stub)

	registry := NewRegistry(gate, 1)
	conn := newTestConnection(t, registry, "bob", 8)

	done := make(chan Result, 1)
	go func() {
		done <- registry.Register(context.Background(), conn, []Entry{entry})
	}()

	<-gate.entered
	require.Equal(t, 0, registry.Revalidate(context.Background(), resource.MustParse("/calendars/alice/other")))
	close(gate.release)

	result := <-done
	require.Equal(t, []string{entry.URI}, result.Registered)
	require.True(t, conn.IsSubscribed(entry.Key))
	require.Equal(t, 1, registry.SubscriberCount(entry.Key))
}

func TestRegistryRevalidateChecksSubscribersConcurrently(t *testing.T) {
	stub := newStubGate()
	entry := entryFor("/calendars/bob/shared")
	users := []string{"alice", "carol", "dave", "erin"}
	for _, user := range users {
		stub.set(user, entry.Key, authz.Allowed)
	}

	registry := NewRegistry(stub, 4)
	registry.Logf = t.Logf
	registry.AuthzConcurrency = len(users)
	for _, user := range users {
		conn := newTestConnection(t, registry, user, 8)
		registry.Register(context.Background(), conn, []Entry{entry})
	}
	require.Equal(t, len(users), registry.SubscriberCount(entry.Key))

	registry.Gate = newBarrierGate(len(users))

	require.Equal(t, len(users), registry.Revalidate(context.Background(), entry.Key))
	require.Equal(t, 0, registry.SubscriberCount(entry.Key))
}
