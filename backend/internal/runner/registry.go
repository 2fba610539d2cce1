package runner

import (
	"sync"

	"github.com/maruel/taskbox/backend/internal/agent"
	"github.com/maruel/taskbox/backend/internal/container"
)

// Handle is a live run: its reference and its event stream.
type Handle struct {
	TaskID int64
	ref    container.Ref
	events <-chan agent.Event
	send   func(string) bool
}

// NewHandle returns a handle over an arbitrary event stream. send may be nil,
// in which case input is always rejected.
func NewHandle(taskID int64, ref container.Ref, events <-chan agent.Event, send func(string) bool) *Handle {
	return &Handle{TaskID: taskID, ref: ref, events: events, send: send}
}

// Ref returns the run reference. It is nil when the process never started.
func (h *Handle) Ref() container.Ref {
	return h.ref
}

// Events returns the run events. The channel is closed after the terminal
// event.
func (h *Handle) Events() <-chan agent.Event {
	return h.events
}

// Send writes a line to the run's stdin.
func (h *Handle) Send(text string) bool {
	return h.send != nil && h.send(text)
}

// Registry maps task ids to live handles. It only holds runs whose process
// has not exited; it starts empty on every restart.
type Registry struct {
	mu      sync.Mutex
	handles map[int64]*Handle
}

// Insert registers h, replacing any previous handle for the same task.
func (r *Registry) Insert(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handles == nil {
		r.handles = make(map[int64]*Handle)
	}
	r.handles[h.TaskID] = h
}

// Remove unregisters h. A newer handle for the same task is left alone.
func (r *Registry) Remove(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handles[h.TaskID] == h {
		delete(r.handles, h.TaskID)
	}
}

// Get returns the live handle of a task, or nil.
func (r *Registry) Get(taskID int64) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[taskID]
}

// IsRunning reports whether the task has a live process.
func (r *Registry) IsRunning(taskID int64) bool {
	return r.Get(taskID) != nil
}

// Len returns the number of live runs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
