// Package schedule provides a label-addressable delayed-action queue.
//
// A single background worker executes actions at or after their due time,
// in ascending due-time order. Actions may call back into the queue
// (an action can reschedule itself or arm further actions) because the
// internal lock is released around every invocation.
package schedule

import (
	"errors"
	"sync"
	"time"

	bt "github.com/google/btree"
	"github.com/sirupsen/logrus"
)

// sentinelHorizon keeps the worker's wait target defined even when no
// real event is pending.
const sentinelHorizon = 100 * 365 * 24 * time.Hour

var (
	// ErrDuplicateLabel is returned by Add when the label is already pending.
	ErrDuplicateLabel = errors.New("schedule: label already pending")
	// ErrStopped is returned by Add after Stop.
	ErrStopped = errors.New("schedule: queue stopped")
)

// event is a queue entry ordered by (due, seq). The seq tiebreak lets two
// events share a due time without one overwriting the other.
type event struct {
	due   time.Time
	seq   uint64
	label string
	fn    func()
}

func (e *event) Less(other bt.Item) bool {
	o := other.(*event)
	if e.due.Equal(o.due) {
		return e.seq < o.seq
	}
	return e.due.Before(o.due)
}

// SignalQueue executes labeled actions at specified future instants.
// Labels are unique among pending events; a fired or removed label may be
// reused. All methods are safe for concurrent use and for re-entrant use
// from running actions.
type SignalQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    *bt.BTree
	labels   map[string]*event
	sentinel *event
	seq      uint64
	stopped  bool
	done     chan struct{}
}

// New starts the worker and returns a ready queue.
func New() *SignalQueue {
	q := &SignalQueue{
		queue:  bt.New(2),
		labels: make(map[string]*event),
		done:   make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	q.seq++
	q.sentinel = &event{due: time.Now().Add(sentinelHorizon), seq: q.seq}
	q.queue.ReplaceOrInsert(q.sentinel)
	go q.run()
	return q
}

// Add schedules fn under label to run at or after the given time. The
// worker is woken if the new event precedes its current wait target.
func (q *SignalQueue) Add(at time.Time, label string, fn func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrStopped
	}
	if _, ok := q.labels[label]; ok {
		return ErrDuplicateLabel
	}
	q.seq++
	ev := &event{due: at, seq: q.seq, label: label, fn: fn}
	q.queue.ReplaceOrInsert(ev)
	q.labels[label] = ev
	q.cond.Broadcast()
	return nil
}

// Remove drops the pending event with the given label. It is a no-op if
// the event already fired or never existed; it cannot interrupt an action
// that is already executing.
func (q *SignalQueue) Remove(label string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ev, ok := q.labels[label]; ok {
		q.queue.Delete(ev)
		delete(q.labels, label)
	}
}

// RemoveAt drops the earliest pending event scheduled for exactly the
// given time, if any.
func (q *SignalQueue) RemoveAt(at time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var victim *event
	q.queue.AscendGreaterOrEqual(&event{due: at}, func(item bt.Item) bool {
		ev := item.(*event)
		if !ev.due.Equal(at) {
			return false
		}
		if ev == q.sentinel {
			return true
		}
		victim = ev
		return false
	})
	if victim != nil {
		q.queue.Delete(victim)
		delete(q.labels, victim.label)
	}
}

// Reschedule atomically moves a pending event to a new time, keeping its
// label and action. It reports whether the label was pending.
func (q *SignalQueue) Reschedule(label string, at time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	ev, ok := q.labels[label]
	if !ok {
		return false
	}
	q.queue.Delete(ev)
	q.seq++
	ev.due, ev.seq = at, q.seq
	q.queue.ReplaceOrInsert(ev)
	q.cond.Broadcast()
	return true
}

// Relabel atomically renames a pending event. It reports false when the
// old label is not pending or the new label already is.
func (q *SignalQueue) Relabel(old, new string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	ev, ok := q.labels[old]
	if !ok {
		return false
	}
	if _, taken := q.labels[new]; taken {
		return false
	}
	delete(q.labels, old)
	ev.label = new
	q.labels[new] = ev
	return true
}

// Pending reports whether an event with the given label has not yet fired.
func (q *SignalQueue) Pending(label string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.labels[label]
	return ok
}

// Len returns the number of pending events.
func (q *SignalQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queue.Len() - 1
}

// Stop signals the worker to exit and blocks until it has joined. No
// action begins after Stop returns. Stop is idempotent.
func (q *SignalQueue) Stop() {
	q.mu.Lock()
	if !q.stopped {
		q.stopped = true
		q.cond.Broadcast()
	}
	q.mu.Unlock()
	<-q.done
}

func (q *SignalQueue) run() {
	defer close(q.done)
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.stopped {
			return
		}
		next := q.queue.Min().(*event)
		now := time.Now()
		if next.due.After(now) {
			// The timer broadcast takes the lock, so it cannot slip in
			// before Wait parks; Add and Reschedule broadcast when they
			// move the wait target.
			t := time.AfterFunc(next.due.Sub(now), func() {
				q.mu.Lock()
				q.cond.Broadcast()
				q.mu.Unlock()
			})
			q.cond.Wait()
			t.Stop()
			continue
		}
		for {
			if q.stopped {
				return
			}
			item := q.queue.Min()
			if item == nil {
				break
			}
			ev := item.(*event)
			if ev == q.sentinel || ev.due.After(time.Now()) {
				break
			}
			q.queue.DeleteMin()
			delete(q.labels, ev.label)
			if ev.fn != nil {
				q.mu.Unlock()
				q.invoke(ev)
				q.mu.Lock()
			}
		}
	}
}

// invoke runs one action outside the lock, isolating panics so a failing
// action never terminates the worker.
func (q *SignalQueue) invoke(ev *event) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("scheduled action %q panicked: %v", ev.label, r)
		}
	}()
	ev.fn()
}
