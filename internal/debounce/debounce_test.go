package debounce

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// fakeSleep records requested delays and returns immediately.
type fakeSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (f *fakeSleep) sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	f.delays = append(f.delays, d)
	f.mu.Unlock()
	return ctx.Err()
}

func (f *fakeSleep) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delays)
}

func newTestUpdater(t *testing.T, action Action) (*Updater, *logBuffer, *fakeSleep) {
	t.Helper()
	logs := &logBuffer{}
	fs := &fakeSleep{}
	u := New(action, Options{
		Delay:  5 * time.Second,
		Sleep:  fs.sleep,
		Logger: slog.New(slog.NewJSONHandler(logs, nil)),
		Name:   "test",
	})
	t.Cleanup(u.Close)
	return u, logs, fs
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func TestSingleScheduleRunsOnce(t *testing.T) {
	var calls atomic.Int32
	u, _, _ := newTestUpdater(t, func(context.Context) error {
		calls.Add(1)
		return nil
	})

	u.ScheduleUpdate()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, calls.Load())
	require.EqualValues(t, 1, u.Runs())
}

func TestSchedulesDuringRunCoalesce(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{}, 4)
	release := make(chan struct{})

	u, _, fs := newTestUpdater(t, func(context.Context) error {
		if calls.Add(1) == 1 {
			started <- struct{}{}
			<-release
		}
		return nil
	})

	u.ScheduleUpdate()
	<-started
	for range 5 {
		u.ScheduleUpdate()
	}
	close(release)

	require.Eventually(t, func() bool { return calls.Load() == 2 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 2, calls.Load())

	// The enforced delay separates the two runs.
	require.GreaterOrEqual(t, fs.count(), 1)
	fs.mu.Lock()
	require.Equal(t, 5*time.Second, fs.delays[0])
	fs.mu.Unlock()
}

func TestUsesLatestStateAtRunTime(t *testing.T) {
	var state atomic.Int32
	seen := make(chan int32, 4)
	u, _, _ := newTestUpdater(t, func(context.Context) error {
		seen <- state.Load()
		return nil
	})

	state.Store(1)
	state.Store(2)
	u.ScheduleUpdate()
	require.Equal(t, int32(2), <-seen)
}

func TestFailureIsLoggedAndUpdaterRecovers(t *testing.T) {
	var calls atomic.Int32
	u, logs, _ := newTestUpdater(t, func(context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("channel not found")
		}
		return nil
	})

	u.ScheduleUpdate()
	require.Eventually(t, func() bool { return u.Failures() == 1 }, waitFor, tick)
	require.Contains(t, logs.String(), "debounce_update_failed")
	require.Contains(t, logs.String(), "channel not found")

	u.ScheduleUpdate()
	require.Eventually(t, func() bool { return calls.Load() == 2 }, waitFor, tick)
	require.EqualValues(t, 1, u.Failures())
}

func TestPanicIsRecovered(t *testing.T) {
	var calls atomic.Int32
	u, logs, _ := newTestUpdater(t, func(context.Context) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	})

	u.ScheduleUpdate()
	require.Eventually(t, func() bool { return u.Failures() == 1 }, waitFor, tick)
	require.Contains(t, logs.String(), "panic: boom")

	u.ScheduleUpdate()
	require.Eventually(t, func() bool { return calls.Load() == 2 }, waitFor, tick)
}

func TestRetryRerunsWithoutLogging(t *testing.T) {
	var calls atomic.Int32
	u, logs, _ := newTestUpdater(t, func(context.Context) error {
		switch calls.Add(1) {
		case 1:
			return ErrRetry
		case 2:
			return context.Canceled
		default:
			return nil
		}
	})

	u.ScheduleUpdate()
	require.Eventually(t, func() bool { return calls.Load() == 3 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 3, calls.Load())
	require.Zero(t, u.Failures())
	require.NotContains(t, logs.String(), "debounce_update_failed")
}

func TestScheduleAfterCloseIsNoop(t *testing.T) {
	var calls atomic.Int32
	u, _, _ := newTestUpdater(t, func(context.Context) error {
		calls.Add(1)
		return nil
	})

	u.Close()
	u.ScheduleUpdate()
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, calls.Load())
}

func TestCloseCancelsInFlightAndDropsPending(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	u, logs, _ := newTestUpdater(t, func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-ctx.Done()
		return ctx.Err()
	})

	u.ScheduleUpdate()
	<-started
	u.ScheduleUpdate()

	closed := make(chan struct{})
	go func() {
		u.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(waitFor):
		t.Fatal("Close did not return")
	}

	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, calls.Load())
	require.NotContains(t, logs.String(), "debounce_update_failed")
}

func TestDefaultSleepHonoursContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	require.NoError(t, Sleep(context.Background(), time.Millisecond))
}

func TestOutcomeString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "success", OutcomeSuccess.String())
	require.Equal(t, "retry", OutcomeRetry.String())
	require.Equal(t, "failed", OutcomeFailed.String())
}
