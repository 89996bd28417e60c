package upload

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Registry indexes tasks by id so that progress streams and cancel requests
// arriving on other connections can find them. Finished tasks stay visible
// for the retention period.
type Registry struct {
	clock     clockwork.Clock
	retention time.Duration

	mu    sync.RWMutex
	tasks map[string]*Task
}

func NewRegistry(clock clockwork.Clock, retention time.Duration) *Registry {
	return &Registry{
		clock:     clock,
		retention: retention,
		tasks:     make(map[string]*Task),
	}
}

func (r *Registry) add(t *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.ID] = t
}

// retire schedules removal of a finished task.
func (r *Registry) retire(t *Task) {
	if r.retention <= 0 {
		r.remove(t)
		return
	}
	r.clock.AfterFunc(r.retention, func() { r.remove(t) })
}

func (r *Registry) remove(t *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tasks[t.ID] == t {
		delete(r.tasks, t.ID)
	}
}

func (r *Registry) Get(id string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

// Cancel cancels the task with the given id. found is false for unknown ids;
// cancelled is false when the task had already reached its outcome.
func (r *Registry) Cancel(id string) (found, cancelled bool) {
	t, ok := r.Get(id)
	if !ok {
		return false, false
	}
	return true, t.Cancel()
}

// CancelAll cancels every unfinished task and waits until each has settled,
// aborting its multipart upload. It returns how many tasks it cancelled.
func (r *Registry) CancelAll(ctx context.Context) (int, error) {
	r.mu.RLock()
	var running []*Task
	for _, t := range r.tasks {
		select {
		case <-t.done:
		default:
			running = append(running, t)
		}
	}
	r.mu.RUnlock()

	for _, t := range running {
		t.Cancel()
	}
	for _, t := range running {
		select {
		case <-t.done:
		case <-ctx.Done():
			return len(running), ctx.Err()
		}
	}
	return len(running), nil
}
