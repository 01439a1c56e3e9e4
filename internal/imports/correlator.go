// Package imports correlates asynchronous import jobs with the resources
// they target and announces their terminal outcome to subscribers.
package imports

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/samhotchkiss/calpush/internal/events"
	"github.com/samhotchkiss/calpush/internal/resource"
)

// State is the lifecycle position of a tracked import.
type State string

const (
	StateSubmitted  State = "submitted"
	StateProcessing State = "processing"
)

var (
	// ErrUnknownImport is returned for an import id that is not tracked,
	// including one whose terminal state was already reported.
	ErrUnknownImport = errors.New("unknown import")
	// ErrDuplicateImport is returned when an import id is submitted twice.
	ErrDuplicateImport = errors.New("import already submitted")
	// ErrInvalidImport is returned for a submission without an id or target.
	ErrInvalidImport = errors.New("import id and target are required")
)

// Publisher routes the synthesized event to the dispatcher.
type Publisher interface {
	Publish(ctx context.Context, event events.Event) error
}

type job struct {
	target resource.Key
	state  State
}

// Correlator tracks in-flight imports. Each import produces at most one
// event and is forgotten as soon as it reaches a terminal state.
type Correlator struct {
	Publisher Publisher
	Logf      func(string, ...any)

	mu   sync.Mutex
	jobs map[string]*job
}

func NewCorrelator(publisher Publisher) *Correlator {
	return &Correlator{
		Publisher: publisher,
		jobs:      make(map[string]*job),
	}
}

// Submitted registers interest in an import targeting key.
func (c *Correlator) Submitted(importID string, target resource.Key) error {
	importID = strings.TrimSpace(importID)
	if importID == "" || target.IsZero() {
		return ErrInvalidImport
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.jobs == nil {
		c.jobs = make(map[string]*job)
	}
	if _, ok := c.jobs[importID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateImport, importID)
	}
	c.jobs[importID] = &job{target: target, state: StateSubmitted}
	return nil
}

// Track registers interest unless the import is already tracked. It is
// used when a terminal state arrives for an import submitted elsewhere.
func (c *Correlator) Track(importID string, target resource.Key) error {
	err := c.Submitted(importID, target)
	if errors.Is(err, ErrDuplicateImport) {
		return nil
	}
	return err
}

// Processing marks a tracked import as running.
func (c *Correlator) Processing(importID string) error {
	importID = strings.TrimSpace(importID)

	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[importID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownImport, importID)
	}
	j.state = StateProcessing
	return nil
}

// Completed reports a successful import with its per-item counts.
func (c *Correlator) Completed(ctx context.Context, importID string, succeedCount, failedCount int) error {
	j, err := c.finish(importID)
	if err != nil {
		return err
	}
	return c.publish(ctx, events.NewImportCompleted(j.target, strings.TrimSpace(importID), succeedCount, failedCount))
}

// Failed reports an import that did not complete. The reason is logged but
// not pushed to clients.
func (c *Correlator) Failed(ctx context.Context, importID string, reason string) error {
	j, err := c.finish(importID)
	if err != nil {
		return err
	}
	if reason = strings.TrimSpace(reason); reason != "" {
		c.logf("import failed: import_id=%s uri=%s reason=%s", importID, j.target, reason)
	}
	return c.publish(ctx, events.NewImportFailed(j.target, strings.TrimSpace(importID)))
}

// State returns the lifecycle position of a tracked import.
func (c *Correlator) State(importID string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[strings.TrimSpace(importID)]
	if !ok {
		return "", false
	}
	return j.state, true
}

// Pending returns the number of tracked imports.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

func (c *Correlator) finish(importID string) (*job, error) {
	importID = strings.TrimSpace(importID)

	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[importID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownImport, importID)
	}
	delete(c.jobs, importID)
	return j, nil
}

func (c *Correlator) publish(ctx context.Context, event events.Event) error {
	if c.Publisher == nil {
		return nil
	}
	if err := c.Publisher.Publish(ctx, event); err != nil {
		return fmt.Errorf("publish import outcome for %s: %w", event.Key, err)
	}
	return nil
}

func (c *Correlator) logf(format string, args ...any) {
	if c.Logf != nil {
		c.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}
