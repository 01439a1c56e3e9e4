package ws

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/samhotchkiss/calpush/internal/authz"
	"github.com/samhotchkiss/calpush/internal/metrics"
	"github.com/samhotchkiss/calpush/internal/resource"
	"golang.org/x/sync/errgroup"
)

const (
	defaultShardCount        = 64
	defaultAuthzConcurrency  = 8
	reasonForbidden          = "Forbidden"
	reasonNotFound           = "NotFound"
	reasonInternalError      = "InternalError"
	registrationOutcomeAdded = "registered"
	maxStaleRechecks         = 3
)

var (
	// ErrConnectionClosed is returned when registering on a connection that has
	// already been torn down.
	ErrConnectionClosed = errors.New("connection closed")

	errStaleDecision = errors.New("authorization decision predates revalidation")
)

// Entry is a parsed resource key together with the uri the client used.
type Entry struct {
	Key resource.Key
	URI string
}

// Subscriber is one (connection, uri) pair from the reverse index.
type Subscriber struct {
	Conn *Connection
	URI  string
}

// Result is the acknowledgment of a register/unregister message.
type Result struct {
	Registered    []string          `json:"registered,omitempty"`
	NotRegistered map[string]string `json:"notRegistered,omitempty"`
	Unregistered  []string          `json:"unregistered,omitempty"`
}

func (r Result) merge(other Result) Result {
	merged := Result{
		Registered:   append(append([]string(nil), r.Registered...), other.Registered...),
		Unregistered: append(append([]string(nil), r.Unregistered...), other.Unregistered...),
	}
	if len(r.NotRegistered)+len(other.NotRegistered) > 0 {
		merged.NotRegistered = make(map[string]string, len(r.NotRegistered)+len(other.NotRegistered))
		for uri, reason := range r.NotRegistered {
			merged.NotRegistered[uri] = reason
		}
		for uri, reason := range other.NotRegistered {
			merged.NotRegistered[uri] = reason
		}
	}
	return merged
}

type shard struct {
	// deliverMu orders dispatches for the keys of this shard.
	deliverMu   sync.Mutex
	mu          sync.RWMutex
	subscribers map[resource.Key]map[*Connection]string
	// revision is bumped by every revalidation of a key in this shard.
	revision uint64
}

func (s *shard) currentRevision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// Registry holds every connection's subscription set and the reverse index
// from resource key to subscribed connections. The index is split into
// shards so that tenants do not contend on a single lock.
type Registry struct {
	Gate             authz.Gate
	Metrics          *metrics.Hub
	AuthzConcurrency int
	Logf             func(string, ...any)

	shards []*shard
}

// NewRegistry builds a registry with shardCount shards.
func NewRegistry(gate authz.Gate, shardCount int) *Registry {
	if shardCount <= 0 {
		shardCount = defaultShardCount
	}
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{subscribers: make(map[resource.Key]map[*Connection]string)}
	}
	return &Registry{
		Gate:             gate,
		AuthzConcurrency: defaultAuthzConcurrency,
		shards:           shards,
	}
}

func (r *Registry) shardFor(key resource.Key) *shard {
	return r.shards[xxhash.Sum64String(key.URI())%uint64(len(r.shards))]
}

// Register checks read access for every entry and subscribes the connection
// to the allowed ones. Entries are independent: a denied key never blocks
// the others.
func (r *Registry) Register(ctx context.Context, conn *Connection, entries []Entry) Result {
	if len(entries) == 0 {
		return Result{}
	}

	decisions := make([]authz.Decision, len(entries))
	checkErrs := make([]error, len(entries))
	revisions := make([]uint64, len(entries))

	var group errgroup.Group
	group.SetLimit(r.authzConcurrency())
	for i, entry := range entries {
		group.Go(func() error {
			revisions[i] = r.shardFor(entry.Key).currentRevision()
			decisions[i], checkErrs[i] = r.check(ctx, conn.Principal, entry.Key)
			return nil
		})
	}
	_ = group.Wait()

	var result Result
	for i, entry := range entries {
		decision, err := decisions[i], checkErrs[i]
		if err == nil && decision == authz.Allowed {
			decision, err = r.admit(ctx, conn, entry, revisions[i])
			if errors.Is(err, ErrConnectionClosed) {
				// Torn down mid-request; nothing survives teardown and nobody reads the ack.
				continue
			}
		}
		if err != nil {
			if ctx.Err() == nil {
				r.logf("warning: subscription authorization error: connection_id=%s uri=%s err=%v", conn.ID, entry.URI, err)
			}
			result = result.merge(notRegistered(entry.URI, reasonInternalError))
			r.Metrics.Registration(reasonInternalError)
			continue
		}

		switch decision {
		case authz.Allowed:
			result.Registered = append(result.Registered, entry.URI)
			r.Metrics.Registration(registrationOutcomeAdded)
		case authz.NotFound:
			result = result.merge(notRegistered(entry.URI, reasonNotFound))
			r.Metrics.Registration(reasonNotFound)
		default:
			result = result.merge(notRegistered(entry.URI, reasonForbidden))
			r.Metrics.Registration(reasonForbidden)
		}
	}
	return result
}

// Unregister removes the entries from the connection unconditionally.
func (r *Registry) Unregister(conn *Connection, entries []Entry) Result {
	var result Result
	for _, entry := range entries {
		r.remove(conn, entry.Key)
		result.Unregistered = append(result.Unregistered, entry.URI)
	}
	r.Metrics.Unregistered(len(entries))
	return result
}

// Subscribers snapshots the connections subscribed to key.
func (r *Registry) Subscribers(key resource.Key) []Subscriber {
	s := r.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns := s.subscribers[key]
	out := make([]Subscriber, 0, len(conns))
	for conn, uri := range conns {
		out = append(out, Subscriber{Conn: conn, URI: uri})
	}
	return out
}

// SubscriberCount returns how many connections are subscribed to key.
func (r *Registry) SubscriberCount(key resource.Key) int {
	s := r.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers[key])
}

// RemoveConnection drops every subscription of conn and prevents new ones.
func (r *Registry) RemoveConnection(conn *Connection) {
	conn.mu.Lock()
	conn.detached = true
	subs := conn.subs
	conn.subs = make(map[resource.Key]string)
	conn.mu.Unlock()

	for key := range subs {
		r.dropIndexEntry(conn, key)
	}
}

// Revalidate re-checks every connection subscribed to key and removes the
// ones that lost read access. Lookup errors keep the subscription.
func (r *Registry) Revalidate(ctx context.Context, key resource.Key) int {
	subs := r.beginRevalidation(key)
	revoked := make([]bool, len(subs))

	var group errgroup.Group
	group.SetLimit(r.authzConcurrency())
	for i, sub := range subs {
		group.Go(func() error {
			decision, err := r.check(ctx, sub.Conn.Principal, key)
			if err != nil {
				r.logf("warning: access revalidation error: connection_id=%s uri=%s err=%v", sub.Conn.ID, key, err)
				return nil
			}
			revoked[i] = decision != authz.Allowed
			return nil
		})
	}
	_ = group.Wait()

	removed := 0
	for i, sub := range subs {
		if !revoked[i] {
			continue
		}
		r.remove(sub.Conn, key)
		removed++
	}
	r.Metrics.Revoked(removed)
	return removed
}

// beginRevalidation bumps the shard revision and snapshots the subscribers
// of key in one critical section. A registration whose decision was taken
// before the bump either appears in the snapshot or is re-checked by admit.
func (r *Registry) beginRevalidation(key resource.Key) []Subscriber {
	s := r.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revision++

	conns := s.subscribers[key]
	out := make([]Subscriber, 0, len(conns))
	for conn, uri := range conns {
		out = append(out, Subscriber{Conn: conn, URI: uri})
	}
	return out
}

// admit adds an allowed entry. When a revalidation ran in the entry's shard
// after the decision was taken, access is checked again before retrying.
func (r *Registry) admit(ctx context.Context, conn *Connection, entry Entry, revision uint64) (authz.Decision, error) {
	for attempt := 0; ; attempt++ {
		err := r.add(conn, entry, revision)
		if !errors.Is(err, errStaleDecision) {
			return authz.Allowed, err
		}
		if attempt == maxStaleRechecks {
			return authz.Forbidden, err
		}
		revision = r.shardFor(entry.Key).currentRevision()
		decision, err := r.check(ctx, conn.Principal, entry.Key)
		if err != nil || decision != authz.Allowed {
			return decision, err
		}
	}
}

// deliver runs fn for every subscriber of key while holding the shard's
// delivery lock, so same-key dispatches reach each connection in order.
func (r *Registry) deliver(key resource.Key, fn func(Subscriber)) {
	s := r.shardFor(key)
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	for conn, uri := range s.subscribers[key] {
		fn(Subscriber{Conn: conn, URI: uri})
	}
}

// add indexes entry for conn unless the shard was revalidated after
// revision was read.
func (r *Registry) add(conn *Connection, entry Entry, revision uint64) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.detached {
		return ErrConnectionClosed
	}
	if _, ok := conn.subs[entry.Key]; ok {
		return nil
	}

	s := r.shardFor(entry.Key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revision != revision {
		return errStaleDecision
	}
	conns, ok := s.subscribers[entry.Key]
	if !ok {
		conns = make(map[*Connection]string)
		s.subscribers[entry.Key] = conns
	}
	conns[conn] = entry.URI
	conn.subs[entry.Key] = entry.URI
	return nil
}

func (r *Registry) remove(conn *Connection, key resource.Key) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if _, ok := conn.subs[key]; !ok {
		return
	}
	delete(conn.subs, key)
	r.dropIndexEntry(conn, key)
}

func (r *Registry) dropIndexEntry(conn *Connection, key resource.Key) {
	s := r.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	conns, ok := s.subscribers[key]
	if !ok {
		return
	}
	delete(conns, conn)
	if len(conns) == 0 {
		delete(s.subscribers, key)
	}
}

func (r *Registry) check(ctx context.Context, principal authz.Principal, key resource.Key) (authz.Decision, error) {
	if r.Gate == nil {
		return authz.Forbidden, nil
	}
	return r.Gate.Check(ctx, principal, key)
}

func (r *Registry) authzConcurrency() int {
	if r.AuthzConcurrency <= 0 {
		return defaultAuthzConcurrency
	}
	return r.AuthzConcurrency
}

func (r *Registry) logf(format string, args ...any) {
	if r.Logf != nil {
		r.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func notRegistered(uri, reason string) Result {
	return Result{NotRegistered: map[string]string{uri: reason}}
}
