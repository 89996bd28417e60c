package upload

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/delimatsuo/dressup-sub000/internal/domain"
)

type State string

const (
	StatePending   State = "pending"
	StateUploading State = "uploading"
	StateRetrying  State = "retrying"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Progress is one event in a task's lifecycle. BytesTransferred never
// decreases within one attempt.
type Progress struct {
	TaskID           string        `json:"taskId"`
	SessionID        string        `json:"sessionId"`
	Asset            string        `json:"asset"`
	State            State         `json:"state"`
	Attempt          int           `json:"attempt"`
	BytesTransferred int64         `json:"bytesTransferred"`
	TotalBytes       int64         `json:"totalBytes"`
	SpeedBytesPerSec float64       `json:"speedBytesPerSec"`
	ETA              time.Duration `json:"-"`
	URI              string        `json:"uri,omitempty"`
	Error            string        `json:"error,omitempty"`
}

func (p Progress) MarshalJSON() ([]byte, error) {
	type progress Progress
	return json.Marshal(struct {
		progress
		ETAMillis int64 `json:"etaMs"`
	}{progress(p), p.ETA.Milliseconds()})
}

// Result describes a stored and attached asset.
type Result struct {
	TaskID   string
	Asset    domain.Asset
	Session  *domain.Session
	Attempts int
}

const subscriberBuffer = 64

// Task is the per-file upload state machine. Progress is observed through
// Events or Subscribe; the outcome through Wait.
type Task struct {
	ID        string
	SessionID string
	Key       domain.AssetKey
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
	events chan Progress

	mu          sync.Mutex
	progress    Progress
	subscribers map[chan Progress]struct{}
	cancelled   bool
	attaching   bool
	result      *Result
	err         error
}

func newTask(id string, req Request, startedAt time.Time, cancel context.CancelFunc) *Task {
	t := &Task{
		ID:          id,
		SessionID:   req.SessionID,
		Key:         req.Key,
		StartedAt:   startedAt,
		cancel:      cancel,
		done:        make(chan struct{}),
		events:      make(chan Progress, subscriberBuffer),
		subscribers: make(map[chan Progress]struct{}),
		progress: Progress{
			TaskID:     id,
			SessionID:  req.SessionID,
			Asset:      req.Key.String(),
			State:      StatePending,
			TotalBytes: req.Size,
		},
	}
	t.subscribers[t.events] = struct{}{}
	return t
}

// Events returns the task's own progress stream. It is closed when the task
// reaches a terminal state.
func (t *Task) Events() <-chan Progress {
	return t.events
}

// Subscribe returns an additional progress stream, starting with the current
// snapshot. The returned function unsubscribes.
func (t *Task) Subscribe() (<-chan Progress, func()) {
	ch := make(chan Progress, subscriberBuffer)

	t.mu.Lock()
	ch <- t.progress
	if t.progress.State.Terminal() {
		t.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	t.subscribers[ch] = struct{}{}
	t.mu.Unlock()

	return ch, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if _, ok := t.subscribers[ch]; ok {
			delete(t.subscribers, ch)
			close(ch)
		}
	}
}

// Snapshot returns the latest progress.
func (t *Task) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// Done is closed once the task is terminal.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel stops the transfer. It reports false when the task already finished
// or has started attaching, at which point the outcome is decided.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	if t.progress.State.Terminal() || t.attaching || t.cancelled {
		t.mu.Unlock()
		return false
	}
	t.cancelled = true
	t.mu.Unlock()

	t.cancel()
	return true
}

// beginAttach flips the task into the attaching phase unless it was
// cancelled first.
func (t *Task) beginAttach() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return false
	}
	t.attaching = true
	return true
}

func (t *Task) wasCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

func (t *Task) update(fn func(p *Progress)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.progress)
	t.publishLocked()
}

// publishLocked fans the snapshot out without blocking the transfer; a slow
// subscriber misses intermediate events but still sees the final one via
// Snapshot once its channel closes.
func (t *Task) publishLocked() {
	for ch := range t.subscribers {
		select {
		case ch <- t.progress:
		default:
		}
	}
}

func (t *Task) finish(state State, result *Result, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.progress.State = state
	t.progress.SpeedBytesPerSec = 0
	t.progress.ETA = 0
	if result != nil {
		t.progress.URI = result.Asset.URI
	}
	if err != nil {
		t.progress.Error = err.Error()
	}
	t.result = result
	t.err = err

	t.publishLocked()
	for ch := range t.subscribers {
		close(ch)
	}
	t.subscribers = nil
	close(t.done)
}
