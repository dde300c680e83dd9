package taskrt

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fwcore/internal/clock"
)

func newRuntime(t *testing.T) (*Goroutines, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Unix(0, 0))
	rt := NewGoroutines(context.Background(), WithClock(clk))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = rt.Stop(ctx)
	})
	return rt, clk
}

// waiter starts a task that calls Wait with the given timeout each time it
// receives on start, and reports the result on the returned channel.
func waiter(t *testing.T, rt *Goroutines, name string, timeout time.Duration) (Handle, chan<- struct{}, <-chan bool) {
	t.Helper()
	start := make(chan struct{})
	results := make(chan bool, 4)
	h, err := rt.Create(Config{Name: name}, func(ctx context.Context, h Handle) {
		for {
			select {
			case <-ctx.Done():
				return
			case <-start:
			}
			results <- h.Wait(ctx, timeout)
		}
	})
	require.NoError(t, err)
	return h, start, results
}

func recv(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for Wait to return")
		return false
	}
}

func TestNotifyWakesWait(t *testing.T) {
	rt, clk := newRuntime(t)
	h, start, results := waiter(t, rt, "notify", time.Hour)

	start <- struct{}{}
	require.Eventually(t, func() bool { return clk.Timers() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, Blocked, h.State())

	h.Notify()
	assert.True(t, recv(t, results))
	assert.Zero(t, clk.Timers())
}

func TestWaitTimesOutOnClock(t *testing.T) {
	rt, clk := newRuntime(t)
	_, start, results := waiter(t, rt, "timeout", 500*time.Millisecond)

	start <- struct{}{}
	require.Eventually(t, func() bool { return clk.Timers() == 1 }, time.Second, time.Millisecond)
	clk.Advance(499 * time.Millisecond)
	select {
	case <-results:
		t.Fatalf("Wait returned before its timeout")
	case <-time.After(20 * time.Millisecond):
	}
	clk.Advance(time.Millisecond)
	assert.False(t, recv(t, results))
}

func TestNotificationDoesNotQueue(t *testing.T) {
	rt, clk := newRuntime(t)
	h, start, results := waiter(t, rt, "binary", time.Second)

	h.Notify()
	h.Notify()
	start <- struct{}{}
	assert.True(t, recv(t, results))

	start <- struct{}{}
	require.Eventually(t, func() bool { return clk.Timers() == 1 }, time.Second, time.Millisecond)
	clk.Advance(time.Second)
	assert.False(t, recv(t, results))
}

func TestSuspendParksBlockedWaitUntilResume(t *testing.T) {
	rt, clk := newRuntime(t)
	h, start, results := waiter(t, rt, "park", time.Hour)

	start <- struct{}{}
	require.Eventually(t, func() bool { return clk.Timers() == 1 }, time.Second, time.Millisecond)

	h.Suspend()
	h.Suspend()
	assert.Equal(t, Suspended, h.State())

	// Neither a notification nor the timeout releases a suspended task.
	h.Notify()
	clk.Advance(2 * time.Hour)
	select {
	case <-results:
		t.Fatalf("suspended task returned from Wait")
	case <-time.After(20 * time.Millisecond):
	}

	h.Resume()
	assert.False(t, recv(t, results))
	require.Eventually(t, func() bool { return h.State() != Suspended }, time.Second, time.Millisecond)

	info := rt.Tasks()
	require.Len(t, info, 1)
	assert.EqualValues(t, 1, info[0].Suspends)
}

func TestSuspendThenResumeReleasesBlockedWait(t *testing.T) {
	rt, clk := newRuntime(t)
	h, start, results := waiter(t, rt, "blink", time.Hour)

	for i := 0; i < 20; i++ {
		start <- struct{}{}
		require.Eventually(t, func() bool { return clk.Timers() == 1 }, time.Second, time.Millisecond)

		h.Suspend()
		h.Resume()
		assert.False(t, recv(t, results), "round %d", i)
		assert.NotEqual(t, Suspended, h.State())
	}
}

func TestTaskInfoJSONRoundTrip(t *testing.T) {
	in := TaskInfo{Config: Config{Name: "led", Priority: 2}, State: Blocked, Wakes: 3}
	b, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"state":"blocked"`)

	var out TaskInfo
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in, out)

	var s State
	assert.Error(t, s.UnmarshalText([]byte("sleeping")))
}

func TestSuspendBeforeWaitParksImmediately(t *testing.T) {
	rt, _ := newRuntime(t)
	h, start, results := waiter(t, rt, "early", time.Millisecond)

	h.Suspend()
	start <- struct{}{}
	select {
	case <-results:
		t.Fatalf("suspended task returned from Wait")
	case <-time.After(20 * time.Millisecond):
	}
	h.Resume()
	assert.False(t, recv(t, results))
}

func TestCreateRejectsDuplicateNames(t *testing.T) {
	rt, _ := newRuntime(t)
	entry := func(ctx context.Context, h Handle) { <-ctx.Done() }

	_, err := rt.Create(Config{Name: "dup", StackSize: 2048, Priority: 3}, entry)
	require.NoError(t, err)
	_, err = rt.Create(Config{Name: "dup"}, entry)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateTask))

	_, err = rt.Create(Config{Name: "nil"}, nil)
	assert.Error(t, err)

	tasks := rt.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, 2048, tasks[0].StackSize)
	assert.Equal(t, 3, tasks[0].Priority)
}

func TestStopReleasesParkedTasks(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	rt := NewGoroutines(context.Background(), WithClock(clk))
	h, start, _ := waiter(t, rt, "stop", time.Hour)

	start <- struct{}{}
	require.Eventually(t, func() bool { return clk.Timers() == 1 }, time.Second, time.Millisecond)
	h.Suspend()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, rt.Stop(ctx))
	assert.Equal(t, Deleted, h.State())

	_, err := rt.Create(Config{Name: "late"}, func(context.Context, Handle) {})
	assert.ErrorIs(t, err, ErrStopped)
}
