package hooks

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pushPayload = `{
	"ref": "refs/heads/main",
	"after": "a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6e7f8a9b0",
	"deleted": false,
	"repository": {
		"full_name": "galadon/flask-app",
		"clone_url": "https://github.com/galadon/flask-app.git"
	},
	"head_commit": {"id": "a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6e7f8a9b0", "message": "update greeting"},
	"pusher": {"name": "dev"}
}`

func TestParsePushEvent(t *testing.T) {
	ev, err := ParsePushEvent([]byte(pushPayload))
	require.NoError(t, err)

	assert.Equal(t, "refs/heads/main", ev.Ref)
	assert.Equal(t, "main", ev.Branch())
	assert.Equal(t, "galadon/flask-app", ev.Repository.FullName)
	require.NotNil(t, ev.HeadCommit)
	assert.Equal(t, "update greeting", ev.HeadCommit.Message)
}

func TestParsePushEvent_Invalid(t *testing.T) {
	_, err := ParsePushEvent([]byte("not json"))
	assert.Error(t, err)

	_, err = ParsePushEvent([]byte("{}"))
	assert.Error(t, err)
}

func TestTriggers_BranchSelectivity(t *testing.T) {
	tests := []struct {
		name    string
		ref     string
		deleted bool
		branch  string
		want    bool
	}{
		{name: "push to watched branch", ref: "refs/heads/main", branch: "main", want: true},
		{name: "push to other branch", ref: "refs/heads/feature-x", branch: "main", want: false},
		{name: "tag push", ref: "refs/tags/v1.0.0", branch: "main", want: false},
		{name: "branch deletion", ref: "refs/heads/main", deleted: true, branch: "main", want: false},
		{name: "watched branch is not main", ref: "refs/heads/release", branch: "release", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := &PushEvent{Ref: tt.ref, Deleted: tt.deleted}
			assert.Equal(t, tt.want, ev.Triggers(tt.branch))
		})
	}
}

func TestValidateSignature(t *testing.T) {
	body := []byte(pushPayload)
	secret := "hook-secret"

	require.NoError(t, ValidateSignature(body, Sign(body, secret), secret))

	assert.ErrorIs(t, ValidateSignature(body, "", secret), ErrMissingSignature)
	assert.ErrorIs(t, ValidateSignature(body, "sha256=deadbeef", secret), ErrBadSignature)
	assert.ErrorIs(t, ValidateSignature(body, Sign(body, "wrong-secret"), secret), ErrBadSignature)
	assert.ErrorIs(t, ValidateSignature(body, "sha1=abc", secret), ErrBadSignature)

	// Tampered body fails even with a once-valid signature.
	sig := Sign(body, secret)
	tampered := append([]byte(nil), body...)
	tampered[0] = '['
	assert.ErrorIs(t, ValidateSignature(tampered, sig, secret), ErrBadSignature)
}

func TestQueue_SerializesDeploys(t *testing.T) {
	var mu sync.Mutex
	var active, maxActive int
	var order []string

	deploy := func(ctx context.Context, trig Trigger) error {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		order = append(order, trig.JobID)
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		return nil
	}

	q := NewQueue(10, deploy, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(ctx)
	}()

	for i := 0; i < 4; i++ {
		require.NoError(t, q.Enqueue(Trigger{JobID: fmt.Sprintf("job-%d", i), ReceivedAt: time.Now()}))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxActive, "deploys must never overlap")
	assert.Equal(t, []string{"job-0", "job-1", "job-2", "job-3"}, order, "deploys run in arrival order")
}

func TestQueue_FullRejects(t *testing.T) {
	block := make(chan struct{})
	q := NewQueue(1, func(ctx context.Context, trig Trigger) error {
		<-block
		return nil
	}, nil)

	// No worker running; the single buffer slot fills immediately.
	require.NoError(t, q.Enqueue(Trigger{JobID: "a"}))
	err := q.Enqueue(Trigger{JobID: "b"})
	assert.ErrorIs(t, err, ErrQueueFull)
	close(block)
}

func TestQueue_DeployErrorDoesNotStopWorker(t *testing.T) {
	var mu sync.Mutex
	var ran []string

	q := NewQueue(4, func(ctx context.Context, trig Trigger) error {
		mu.Lock()
		ran = append(ran, trig.JobID)
		mu.Unlock()
		if trig.JobID == "bad" {
			return fmt.Errorf("deploy blew up")
		}
		return nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	require.NoError(t, q.Enqueue(Trigger{JobID: "bad"}))
	require.NoError(t, q.Enqueue(Trigger{JobID: "good"}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ran) == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestQueue_ReadyTracksAcceptance(t *testing.T) {
	q := NewQueue(1, func(ctx context.Context, trig Trigger) error { return nil }, nil)
	require.NoError(t, q.Ready())

	// No worker running; the single buffer slot fills and readiness drops.
	require.NoError(t, q.Enqueue(Trigger{JobID: "a"}))
	assert.ErrorIs(t, q.Ready(), ErrQueueFull)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(ctx)
	}()

	// The worker drains the buffered trigger and readiness recovers.
	assert.Eventually(t, func() bool { return q.Ready() == nil }, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.ErrorIs(t, q.Ready(), ErrQueueClosed)
}

func TestQueue_ClosedAfterShutdown(t *testing.T) {
	q := NewQueue(1, func(ctx context.Context, trig Trigger) error { return nil }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(ctx)
	}()

	cancel()
	<-done

	err := q.Enqueue(Trigger{JobID: "late"})
	assert.ErrorIs(t, err, ErrQueueClosed)
}
