package schedule

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutesInDueOrder(t *testing.T) {
	q := New()
	defer q.Stop()

	var mu sync.Mutex
	var got []string
	record := func(label string) func() {
		return func() {
			mu.Lock()
			got = append(got, label)
			mu.Unlock()
		}
	}

	now := time.Now()
	// inserted out of order on purpose
	require.NoError(t, q.Add(now.Add(60*time.Millisecond), "third", record("third")))
	require.NoError(t, q.Add(now.Add(20*time.Millisecond), "first", record("first")))
	require.NoError(t, q.Add(now.Add(40*time.Millisecond), "second", record("second")))

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, got)
}

func TestAddEarlierWakesWorker(t *testing.T) {
	q := New()
	defer q.Stop()

	done := make(chan struct{})
	require.NoError(t, q.Add(time.Now().Add(time.Hour), "far", func() {}))
	require.NoError(t, q.Add(time.Now().Add(10*time.Millisecond), "near", func() { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("near event did not fire while a far event was waiting")
	}
}

func TestRemoveBeforeDuePreventsExecution(t *testing.T) {
	q := New()
	defer q.Stop()

	var fired atomic.Bool
	require.NoError(t, q.Add(time.Now().Add(50*time.Millisecond), "doomed", func() { fired.Store(true) }))
	q.Remove("doomed")

	time.Sleep(120 * time.Millisecond)
	assert.False(t, fired.Load())
	assert.False(t, q.Pending("doomed"))
}

func TestRemoveAfterExecutionIsNoop(t *testing.T) {
	q := New()
	defer q.Stop()

	done := make(chan struct{})
	require.NoError(t, q.Add(time.Now().Add(10*time.Millisecond), "quick", func() { close(done) }))
	<-done

	q.Remove("quick")
	assert.Equal(t, 0, q.Len())
}

func TestRemoveAt(t *testing.T) {
	q := New()
	defer q.Stop()

	var fired atomic.Bool
	at := time.Now().Add(50 * time.Millisecond)
	require.NoError(t, q.Add(at, "timed", func() { fired.Store(true) }))
	q.RemoveAt(at)

	time.Sleep(120 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestDuplicateLabelRejected(t *testing.T) {
	q := New()
	defer q.Stop()

	require.NoError(t, q.Add(time.Now().Add(time.Hour), "once", func() {}))
	err := q.Add(time.Now().Add(time.Hour), "once", func() {})
	assert.ErrorIs(t, err, ErrDuplicateLabel)

	// fired labels become reusable
	done := make(chan struct{})
	require.NoError(t, q.Add(time.Now().Add(5*time.Millisecond), "reuse", func() { close(done) }))
	<-done
	assert.NoError(t, q.Add(time.Now().Add(time.Hour), "reuse", func() {}))
}

func TestSameDueTimeBothRun(t *testing.T) {
	q := New()
	defer q.Stop()

	var count atomic.Int32
	at := time.Now().Add(20 * time.Millisecond)
	require.NoError(t, q.Add(at, "a", func() { count.Add(1) }))
	require.NoError(t, q.Add(at, "b", func() { count.Add(1) }))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(2), count.Load())
}

func TestReschedule(t *testing.T) {
	q := New()
	defer q.Stop()

	done := make(chan struct{})
	require.NoError(t, q.Add(time.Now().Add(time.Hour), "movable", func() { close(done) }))
	require.True(t, q.Reschedule("movable", time.Now().Add(10*time.Millisecond)))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("rescheduled event did not fire at its new time")
	}
	assert.False(t, q.Reschedule("movable", time.Now()))
}

func TestRelabel(t *testing.T) {
	q := New()
	defer q.Stop()

	require.NoError(t, q.Add(time.Now().Add(time.Hour), "old", func() {}))
	require.NoError(t, q.Add(time.Now().Add(time.Hour), "taken", func() {}))

	assert.False(t, q.Relabel("old", "taken"))
	assert.True(t, q.Relabel("old", "new"))
	assert.False(t, q.Pending("old"))
	assert.True(t, q.Pending("new"))

	q.Remove("new")
	assert.False(t, q.Pending("new"))
}

func TestReentrantScheduling(t *testing.T) {
	q := New()
	defer q.Stop()

	var count atomic.Int32
	done := make(chan struct{})

	var rearm func()
	rearm = func() {
		if count.Add(1) >= 3 {
			close(done)
			return
		}
		if err := q.Add(time.Now().Add(5*time.Millisecond), "rearm", rearm); err != nil {
			t.Errorf("re-arm failed: %v", err)
		}
	}
	require.NoError(t, q.Add(time.Now().Add(5*time.Millisecond), "rearm", rearm))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("self-rescheduling action deadlocked")
	}
}

func TestPanicInActionDoesNotKillWorker(t *testing.T) {
	q := New()
	defer q.Stop()

	done := make(chan struct{})
	require.NoError(t, q.Add(time.Now().Add(5*time.Millisecond), "boom", func() { panic("boom") }))
	require.NoError(t, q.Add(time.Now().Add(30*time.Millisecond), "after", func() { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker died after a panicking action")
	}
}

func TestStopPreventsFurtherExecution(t *testing.T) {
	q := New()

	var fired atomic.Bool
	require.NoError(t, q.Add(time.Now().Add(50*time.Millisecond), "late", func() { fired.Store(true) }))

	q.Stop()
	time.Sleep(120 * time.Millisecond)
	assert.False(t, fired.Load())

	assert.ErrorIs(t, q.Add(time.Now(), "x", func() {}), ErrStopped)

	// idempotent
	q.Stop()
}

func TestStopWaitsForRunningAction(t *testing.T) {
	q := New()

	started := make(chan struct{})
	var finished atomic.Bool
	require.NoError(t, q.Add(time.Now(), "slow", func() {
		close(started)
		time.Sleep(80 * time.Millisecond)
		finished.Store(true)
	}))

	<-started
	q.Stop()
	assert.True(t, finished.Load(), "Stop returned before the in-flight action completed")
}

func TestNearImmediateEventsFirePromptly(t *testing.T) {
	q := New()
	defer q.Stop()

	// A due time a hair in the future races the worker into its timed
	// wait; every event must still fire without an external nudge.
	for i := 0; i < 50; i++ {
		fired := make(chan struct{})
		require.NoError(t, q.Add(time.Now().Add(time.Microsecond), "near", func() {
			close(fired)
		}))
		select {
		case <-fired:
		case <-time.After(time.Second):
			t.Fatalf("iteration %d: event never fired", i)
		}
	}
}
