package imports

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/samhotchkiss/calpush/internal/resource"
	"github.com/samhotchkiss/calpush/internal/store"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultBatchSize    = 50
)

// JobSource hands out terminal import jobs that were never announced.
type JobSource interface {
	PickupUnnotified(ctx context.Context, limit int) ([]store.ImportJob, error)
}

type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

// Worker announces import outcomes that the import subsystem wrote to the
// database directly instead of reporting them to the hub.
type Worker struct {
	Source     JobSource
	Correlator *Correlator
	Config     WorkerConfig
	Logf       func(string, ...any)
}

func NewWorker(source JobSource, correlator *Correlator, cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Worker{
		Source:     source,
		Correlator: correlator,
		Config:     cfg,
	}
}

func (w *Worker) Start(ctx context.Context) {
	for {
		if _, err := w.RunOnce(ctx); err != nil {
			w.logf("warning: import poll worker run failed: err=%v", err)
		}
		if err := sleepWithContext(ctx, w.Config.PollInterval); err != nil {
			return
		}
	}
}

// RunOnce announces one batch and returns how many jobs it picked up.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	if w == nil || w.Source == nil || w.Correlator == nil {
		return 0, fmt.Errorf("import poll worker is not configured")
	}

	jobs, err := w.Source.PickupUnnotified(ctx, w.Config.BatchSize)
	if err != nil {
		return 0, err
	}

	var errs []error
	for _, job := range jobs {
		if announceErr := w.announce(ctx, job); announceErr != nil {
			errs = append(errs, fmt.Errorf("import %s: %w", job.ID, announceErr))
		}
	}
	return len(jobs), errors.Join(errs...)
}

func (w *Worker) announce(ctx context.Context, job store.ImportJob) error {
	if !job.Terminal() {
		return fmt.Errorf("unexpected import status %q", job.Status)
	}
	target, err := resource.Parse(job.ResourceURI)
	if err != nil {
		return err
	}
	if err := w.Correlator.Track(job.ID, target); err != nil {
		return err
	}

	if job.Status == store.ImportStatusCompleted {
		return w.Correlator.Completed(ctx, job.ID, derefCount(job.SucceedCount), derefCount(job.FailedCount))
	}
	reason := ""
	if job.Reason != nil {
		reason = *job.Reason
	}
	return w.Correlator.Failed(ctx, job.ID, reason)
}

func (w *Worker) logf(format string, args ...any) {
	if w.Logf != nil {
		w.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func derefCount(count *int) int {
	if count == nil {
		return 0
	}
	return *count
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
