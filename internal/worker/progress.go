package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nsqio/go-nsq"

	"pdfchat/backend/features/job"
)

// storeError marks a failure of the job store itself. Those are requeued
// instead of failing the job.
type storeError struct {
	err error
}

func (e *storeError) Error() string { return "job store: " + e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

// tracker writes stage and progress checkpoints for one job.
type tracker struct {
	jobs JobStore
	id   string
}

func (t *tracker) advance(ctx context.Context, stage job.Stage, progress int) error {
	if err := t.jobs.Advance(ctx, t.id, stage, progress); err != nil {
		return &storeError{err: fmt.Errorf("advance to %s/%d: %w", stage, progress, err)}
	}
	slog.DebugContext(ctx, "job progress", "stage", stage, "progress", progress)
	return nil
}

// splitProgress maps page batch completion onto 30..50.
func splitProgress(done, total int) int {
	if total == 0 {
		return 50
	}
	return min(50, 30+done*20/total)
}

// indexProgress maps index batch completion onto 75..95.
func indexProgress(done, total int) int {
	if total == 0 {
		return 95
	}
	return min(95, 75+done*20/total)
}

// heartbeat keeps the NSQ lease and the stored lease alive until stop is
// called.
func heartbeat(ctx context.Context, m *nsq.Message, jobs JobStore, id string, lease, every time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// Bare messages built outside a consumer have no delegate.
				if m != nil && m.Delegate != nil {
					m.Touch()
				}
				if err := jobs.RenewLease(ctx, id, time.Now().Add(lease)); err != nil && ctx.Err() == nil {
					slog.WarnContext(ctx, "failed to renew job lease", "error", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
