package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/samhotchkiss/calpush/internal/authz"
	"github.com/samhotchkiss/calpush/internal/events"
	"github.com/samhotchkiss/calpush/internal/imports"
	"github.com/samhotchkiss/calpush/internal/resource"
	"github.com/samhotchkiss/calpush/internal/store"
	"github.com/samhotchkiss/calpush/internal/webhook"
	"github.com/samhotchkiss/calpush/internal/ws"
	"github.com/stretchr/testify/require"
)

const testWebhookSecret = "internal-secret"

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) published() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

type memoryJobs struct {
	mu   sync.Mutex
	jobs map[string]*store.ImportJob
	err  error
}

func newMemoryJobs() *memoryJobs {
	return &memoryJobs{jobs: make(map[string]*store.ImportJob)}
}

func (m *memoryJobs) Create(_ context.Context, input store.CreateImportJobInput) (*store.ImportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if _, ok := m.jobs[input.ID]; ok {
		return nil, store.ErrConflict
	}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	job := &store.ImportJob{ID: input.ID, ResourceURI: input.ResourceURI, Status: store.ImportStatusPending, CreatedAt: now, UpdatedAt: now}
	m.jobs[input.ID] = job
	copied := *job
	return &copied, nil
}

func (m *memoryJobs) Get(_ context.Context, id string) (*store.ImportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	job, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (m *memoryJobs) UpdateStatus(_ context.Context, input store.UpdateImportStatusInput) (*store.ImportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	job, ok := m.jobs[input.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if job.Terminal() {
		return nil, store.ErrImportFinished
	}
	job.Status = input.Status
	job.SucceedCount = input.SucceedCount
	job.FailedCount = input.FailedCount
	job.Reason = input.Reason
	if input.Notified {
		now := time.Now()
		job.NotifiedAt = &now
	}
	copied := *job
	return &copied, nil
}

func (m *memoryJobs) put(job store.ImportJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = &job
}

// staticGate allows the listed "user uri" pairs and reports unknown
// resources as NotFound.
type staticGate struct {
	allowed map[string]bool
	known   map[string]bool
	err     error
}

func (g staticGate) Check(_ context.Context, principal authz.Principal, key resource.Key) (authz.Decision, error) {
	if g.err != nil {
		return authz.Forbidden, g.err
	}
	if !g.known[key.URI()] {
		return authz.NotFound, nil
	}
	if g.allowed[principal.UserID+" "+key.URI()] {
		return authz.Allowed, nil
	}
	return authz.Forbidden, nil
}

var testTickets = ws.AuthenticatorFunc(func(_ context.Context, ticket string) (authz.Principal, error) {
	switch ticket {
	case "bob-ticket":
		return authz.Principal{UserID: "bob"}, nil
	case "alice-ticket":
		return authz.Principal{UserID: "alice"}, nil
	default:
		return authz.Principal{}, ws.ErrUnauthenticated
	}
})

type routerFixture struct {
	publisher  *recordingPublisher
	correlator *imports.Correlator
	jobs       *memoryJobs
	router     http.Handler
}

func newRouterFixture(t *testing.T, withJobs bool) *routerFixture {
	t.Helper()
	publisher := &recordingPublisher{}
	correlator := imports.NewCorrelator(publisher)
	correlator.Logf = t.Logf
	f := &routerFixture{publisher: publisher, correlator: correlator}

	deps := Deps{
		Manager:       ws.NewManager(ws.NewRegistry(nil, 2), testTickets),
		Publisher:     publisher,
		Correlator:    correlator,
		Auth:          testTickets,
		WebhookSecret: testWebhookSecret,
		Logf:          t.Logf,
		Gate: staticGate{
			known:   map[string]bool{"/calendars/bob/default": true, "/addressbooks/bob/contacts": true},
			allowed: map[string]bool{"bob /calendars/bob/default": true, "bob /addressbooks/bob/contacts": true},
		},
	}
	if withJobs {
		f.jobs = newMemoryJobs()
		deps.ImportJobs = f.jobs
	}
	f.router = NewRouter(deps)
	return f
}

func (f *routerFixture) signed(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	webhook.SignRequest(req, testWebhookSecret, uuid.NewString(), []byte(body), time.Now())
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *routerFixture) get(t *testing.T, target, ticket string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if ticket != "" {
		req.Header.Set("Authorization", "Bearer "+ticket)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

var errStoreDown = errors.New("store down")
