package hooks

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrQueueFull is returned when the trigger buffer is at capacity.
var ErrQueueFull = errors.New("trigger queue is full")

// ErrQueueClosed is returned when enqueueing after shutdown.
var ErrQueueClosed = errors.New("trigger queue is closed")

// Trigger is one accepted deploy request.
type Trigger struct {
	// JobID correlates the trigger with its deploy run.
	JobID string

	// CommitSHA is the pushed commit, for logging.
	CommitSHA string

	// Branch is the pushed branch.
	Branch string

	// ReceivedAt is when the webhook arrived.
	ReceivedAt time.Time
}

// DeployFunc runs one deploy for a trigger.
type DeployFunc func(ctx context.Context, trig Trigger) error

// Queue serializes deploy triggers through a single worker.
//
// The same host directories, virtualenv, and service unit back every
// deploy, so two concurrent runs would race on all of them. One worker
// draining a buffered channel makes overlap structurally impossible;
// bursts of pushes queue up and deploy in arrival order.
type Queue struct {
	triggers chan Trigger
	deploy   DeployFunc
	logger   *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewQueue creates a Queue with the given buffer capacity.
func NewQueue(capacity int, deploy DeployFunc, logger *zap.Logger) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		triggers: make(chan Trigger, capacity),
		deploy:   deploy,
		logger:   logger,
	}
}

// Enqueue adds a trigger without blocking.
func (q *Queue) Enqueue(trig Trigger) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.triggers <- trig:
		q.logger.Info("trigger enqueued",
			zap.String("job_id", trig.JobID),
			zap.String("branch", trig.Branch),
			zap.String("commit_sha", trig.CommitSHA),
			zap.Int("depth", len(q.triggers)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Depth returns the number of waiting triggers.
func (q *Queue) Depth() int {
	return len(q.triggers)
}

// Ready reports whether the queue can accept another trigger. It backs
// the agent's readiness probe: a full or shut-down queue would reject
// the next push, so the agent must stop advertising ready.
func (q *Queue) Ready() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if len(q.triggers) == cap(q.triggers) {
		return ErrQueueFull
	}
	return nil
}

// Run drains the queue until the context is cancelled.
//
// Deploy errors are logged, not returned: a failed deploy must not take
// the agent down or block later pushes.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			q.close()
			return
		case trig := <-q.triggers:
			q.logger.Info("deploy dequeued",
				zap.String("job_id", trig.JobID),
				zap.Duration("queued_for", time.Since(trig.ReceivedAt)))
			if err := q.deploy(ctx, trig); err != nil {
				q.logger.Error("deploy failed",
					zap.String("job_id", trig.JobID),
					zap.Error(err))
			}
		}
	}
}

func (q *Queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
