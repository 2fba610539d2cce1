package live

import (
	"log/slog"
	"sync"
)

// subBuffer is the number of frames a subscriber may lag behind before it is
// dropped.
const subBuffer = 256

// Sub is one subscriber. Its channel is closed once the task finished, the
// subscriber was dropped for being too slow, or it unsubscribed.
type Sub struct {
	ch   chan Frame
	once sync.Once
}

// C returns the frames channel.
func (s *Sub) C() <-chan Frame {
	return s.ch
}

func (s *Sub) close() {
	s.once.Do(func() { close(s.ch) })
}

// Closed returns a subscriber that yields f and nothing else. It is used for
// tasks that are already finished when a client connects.
func Closed(f Frame) *Sub {
	s := &Sub{ch: make(chan Frame, 1)}
	s.ch <- f
	s.close()
	return s
}

// Broker holds the subscriber sets of one transport, keyed by task id.
//
// Publish never blocks: a subscriber whose buffer is full is dropped. Sends
// and closes both happen under mu, so no send can hit a closed channel.
type Broker struct {
	// Name identifies the transport in logs.
	Name string

	mu   sync.Mutex
	subs map[int64]map[*Sub]struct{}
}

// NewBroker returns an empty broker.
func NewBroker(name string) *Broker {
	return &Broker{Name: name, subs: map[int64]map[*Sub]struct{}{}}
}

// Subscribe registers a new subscriber for taskID.
func (b *Broker) Subscribe(taskID int64) *Sub {
	s := &Sub{ch: make(chan Frame, subBuffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[taskID]
	if set == nil {
		set = map[*Sub]struct{}{}
		b.subs[taskID] = set
	}
	set[s] = struct{}{}
	return s
}

// Unsubscribe removes s and closes its channel. It is safe to call after the
// task finished or s was dropped.
func (b *Broker) Unsubscribe(taskID int64, s *Sub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set := b.subs[taskID]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, taskID)
		}
	}
	s.close()
}

// Publish sends f to every subscriber of taskID.
func (b *Broker) Publish(taskID int64, f Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[taskID]
	for s := range set {
		select {
		case s.ch <- f:
		default:
			slog.Warn("dropping slow subscriber", "transport", b.Name, "task", taskID)
			delete(set, s)
			s.close()
		}
	}
	if set != nil && len(set) == 0 {
		delete(b.subs, taskID)
	}
}

// Finish sends the terminal frame f to every subscriber of taskID, closes
// them and discards the set.
func (b *Broker) Finish(taskID int64, f Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs[taskID] {
		select {
		case s.ch <- f:
		default:
			slog.Warn("terminal frame lost on full subscriber", "transport", b.Name, "task", taskID)
		}
		s.close()
	}
	delete(b.subs, taskID)
}

// Count returns the number of subscribers of taskID.
func (b *Broker) Count(taskID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[taskID])
}

// Total returns the number of subscribers across all tasks.
func (b *Broker) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, set := range b.subs {
		n += len(set)
	}
	return n
}

// Tasks returns the number of tasks with at least one subscriber.
func (b *Broker) Tasks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
