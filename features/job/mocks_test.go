package job_test

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"pdfchat/backend/features/job"
)

// MockRepo implements job.Repository
type MockRepo struct {
	mock.Mock
}

func (m *MockRepo) Create(ctx context.Context, j *job.Job) error {
	return m.Called(ctx, j).Error(0)
}

func (m *MockRepo) Get(ctx context.Context, id string) (*job.Job, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*job.Job), args.Error(1)
}

func (m *MockRepo) Start(ctx context.Context, id string, leaseUntil time.Time) (bool, error) {
	args := m.Called(ctx, id, leaseUntil)
	return args.Bool(0), args.Error(1)
}

func (m *MockRepo) Advance(ctx context.Context, id string, stage job.Stage, progress int) error {
	return m.Called(ctx, id, stage, progress).Error(0)
}

func (m *MockRepo) RenewLease(ctx context.Context, id string, leaseUntil time.Time) error {
	return m.Called(ctx, id, leaseUntil).Error(0)
}

func (m *MockRepo) MarkCompleted(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockRepo) MarkFailed(ctx context.Context, id string, reason string) error {
	return m.Called(ctx, id, reason).Error(0)
}

func (m *MockRepo) ListFailed(ctx context.Context) ([]job.Job, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]job.Job), args.Error(1)
}

func (m *MockRepo) ResetForRetry(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockRepo) Purge(ctx context.Context, finishedBefore time.Time) (int64, error) {
	args := m.Called(ctx, finishedBefore)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRepo) CountByState(ctx context.Context) (map[job.State]int, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[job.State]int), args.Error(1)
}

// MockPublisher
type MockPublisher struct {
	mock.Mock
	sleep time.Duration
}

func (m *MockPublisher) Publish(topic string, body []byte) error {
	time.Sleep(m.sleep)
	return m.Called(topic, body).Error(0)
}
