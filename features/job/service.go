package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"pdfchat/backend/internal/config"
	"pdfchat/backend/internal/middleware"
)

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

const defaultPublishTimeout = 5 * time.Second

var errPublishTimeout = errors.New("timeout waiting for NSQ publish")

type Service struct {
	repo            Repository
	pub             EventPublisher
	publishTimeout  time.Duration
	assumeCompleted bool
}

type Option func(*Service)

// WithAssumeCompleted answers status polls for unknown jobs as completed,
// for clients that cannot handle a missing job.
func WithAssumeCompleted(v bool) Option {
	return func(s *Service) { s.assumeCompleted = v }
}

func WithPublishTimeout(d time.Duration) Option {
	return func(s *Service) { s.publishTimeout = d }
}

func NewService(repo Repository, pub EventPublisher, opts ...Option) *Service {
	s := &Service{repo: repo, pub: pub, publishTimeout: defaultPublishTimeout}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue records a waiting job for the file at path and publishes it to
// the ingestion topic.
func (s *Service) Enqueue(ctx context.Context, fileName, destination, path string) (*Job, error) {
	j := &Job{
		ID:          uuid.New().String(),
		FileName:    fileName,
		Destination: destination,
		Path:        path,
	}
	if err := s.repo.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if err := s.publish(ctx, j); err != nil {
		if ferr := s.repo.MarkFailed(ctx, j.ID, "could not enqueue job: "+err.Error()); ferr != nil {
			slog.ErrorContext(ctx, "failed to mark unpublished job failed", "job_id", j.ID, "error", ferr)
		}
		return nil, err
	}

	slog.InfoContext(ctx, "job enqueued", "job_id", j.ID, "file", fileName)
	return j, nil
}

func (s *Service) publish(ctx context.Context, j *Job) error {
	body, err := json.Marshal(Message{
		JobID:         j.ID,
		FileName:      j.FileName,
		Destination:   j.Destination,
		Path:          j.Path,
		CorrelationID: middleware.GetCorrelationID(ctx),
	})
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- s.pub.Publish(config.TopicIngestFile, body)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("publish job: %w", err)
		}
		return nil
	case <-time.After(s.publishTimeout):
		return errPublishTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// get loads a job, treating an id that is not a UUID as unknown.
func (s *Service) get(ctx context.Context, id string) (*Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.repo.Get(ctx, id)
}

// Status reports a job's state. Jobs that no longer exist are ErrNotFound
// unless the service was built WithAssumeCompleted.
func (s *Service) Status(ctx context.Context, id string) (*Status, error) {
	j, err := s.get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		if s.assumeCompleted {
			return &Status{
				ID:       id,
				State:    StateCompleted,
				Stage:    StageCompleted,
				Progress: 100,
				Message:  "job not found, assuming it completed and was cleaned up",
			}, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return j.Status(), nil
}

func (s *Service) ListFailed(ctx context.Context) ([]Job, error) {
	return s.repo.ListFailed(ctx)
}

// Retry puts a failed job back on the queue under the same id.
func (s *Service) Retry(ctx context.Context, id string) error {
	j, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if j.State != StateFailed {
		return fmt.Errorf("%w: %s is %s", ErrNotRetryable, id, j.State)
	}

	ok, err := s.repo.ResetForRetry(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s changed state", ErrNotRetryable, id)
	}

	if err := s.publish(ctx, j); err != nil {
		if ferr := s.repo.MarkFailed(ctx, id, "could not requeue job: "+err.Error()); ferr != nil {
			slog.ErrorContext(ctx, "failed to mark unpublished job failed", "job_id", id, "error", ferr)
		}
		return err
	}
	slog.InfoContext(ctx, "job requeued", "job_id", id)
	return nil
}

// Purge deletes finished jobs older than retention.
func (s *Service) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := s.repo.Purge(ctx, time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	if n > 0 {
		slog.InfoContext(ctx, "purged finished jobs", "count", n)
	}
	return n, nil
}

func (s *Service) Counts(ctx context.Context) (map[State]int, error) {
	return s.repo.CountByState(ctx)
}

// RunJanitor purges expired jobs every interval until ctx is done.
func (s *Service) RunJanitor(ctx context.Context, retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Purge(ctx, retention); err != nil {
				slog.WarnContext(ctx, "job janitor failed", "error", err)
			}
		}
	}
}
