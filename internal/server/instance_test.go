package server

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type eventLog struct {
	mu     sync.Mutex
	events []StatusEvent
}

func (l *eventLog) StatusChanged(ev StatusEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []StatusEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]StatusEvent(nil), l.events...)
}

func newTestInstance(t *testing.T, observers ...StatusObserver) *Instance {
	t.Helper()
	inst, err := NewInstance("alpha", 8, observers...)
	require.NoError(t, err)
	inst.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return inst
}

func TestChangeStatusRecordsMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		actor string
		want  string
	}{
		{name: "no actor", actor: "", want: "[STATUS] Change from Unknown to Preparing"},
		{name: "actor", actor: "X", want: "[STATUS] Change from Unknown to Preparing by user X"},
		{name: "whitespace actor", actor: "  \t", want: "[STATUS] Change from Unknown to Preparing"},
		{name: "padded actor", actor: " grilledham ", want: "[STATUS] Change from Unknown to Preparing by user grilledham"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			log := &eventLog{}
			inst := newTestInstance(t, log)

			msg := inst.ChangeStatus(StatusPreparing, tc.actor)
			require.Equal(t, tc.want, msg.Text)
			require.Equal(t, MessageStatus, msg.Type)
			require.Equal(t, "alpha", msg.ServerID)

			history := inst.History()
			require.Len(t, history, 1)
			require.Equal(t, msg, history[0])

			events := log.snapshot()
			require.Len(t, events, 1)
			require.Equal(t, StatusUnknown, events[0].Old)
			require.Equal(t, StatusPreparing, events[0].New)
			require.Equal(t, msg, events[0].Message)
			require.Equal(t, StatusPreparing, inst.Status())
		})
	}
}

func TestChangeStatusIsUngated(t *testing.T) {
	t.Parallel()

	inst := newTestInstance(t)
	inst.ChangeStatus(StatusRunning, "")
	require.False(t, CanStart(inst.Status()))

	// Running -> Updated is not a sensible transition but is still applied.
	inst.ChangeStatus(StatusUpdated, "")
	require.Equal(t, StatusUpdated, inst.Status())
}

func TestChangeStatusAtUsesGivenTime(t *testing.T) {
	t.Parallel()

	events := &eventLog{}
	inst := newTestInstance(t, events)
	reported := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)

	msg := inst.ChangeStatusAt(StatusRunning, "", reported)
	require.True(t, reported.Equal(msg.Time))
	require.True(t, reported.Equal(inst.History()[0].Time))
	require.True(t, reported.Equal(events.snapshot()[0].Message.Time))

	// A zero time falls back to the instance clock.
	msg = inst.ChangeStatusAt(StatusStopping, "", time.Time{})
	require.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), msg.Time)
}

func TestTryChangeStatus(t *testing.T) {
	t.Parallel()

	log := &eventLog{}
	inst := newTestInstance(t, log)

	seen, ok := inst.TryChangeStatus(CanStart, StatusPreparing, "op")
	require.True(t, ok)
	require.Equal(t, StatusUnknown, seen)

	seen, ok = inst.TryChangeStatus(CanStart, StatusPreparing, "op")
	require.False(t, ok)
	require.Equal(t, StatusPreparing, seen)
	require.Len(t, log.snapshot(), 1)
}

func TestNotificationsPreserveOrder(t *testing.T) {
	log := &eventLog{}
	inst := newTestInstance(t, log)

	sequence := []Status{StatusPreparing, StatusPrepared, StatusWrapperStarting, StatusWrapperStarted, StatusStarting, StatusRunning}
	for _, s := range sequence {
		inst.ChangeStatus(s, "")
	}

	events := log.snapshot()
	require.Len(t, events, len(sequence))
	prev := StatusUnknown
	for i, ev := range events {
		require.Equal(t, prev, ev.Old)
		require.Equal(t, sequence[i], ev.New)
		prev = ev.New
	}
}

func TestConcurrentChangesStayConsistent(t *testing.T) {
	log := &eventLog{}
	inst := newTestInstance(t, log)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst.ChangeStatus(AllStatuses()[i%15], "")
		}(i)
	}
	wg.Wait()

	events := log.snapshot()
	require.Len(t, events, 50)
	for i := 1; i < len(events); i++ {
		require.Equal(t, events[i-1].New, events[i].Old)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	t.Parallel()

	inst := newTestInstance(t)
	for i := range 10 {
		inst.Append(ControlMessage{Type: MessageOutput, Text: string(rune('a' + i))})
	}

	history := inst.History()
	require.Len(t, history, 8)
	require.Equal(t, "c", history[0].Text)
	require.Equal(t, "j", history[7].Text)
	require.Equal(t, "alpha", history[0].ServerID)
	require.False(t, history[0].Time.IsZero())
}

func TestNewInstanceRejectsBadHistorySize(t *testing.T) {
	t.Parallel()

	_, err := NewInstance("alpha", 0)
	require.Error(t, err)
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	log := &eventLog{}
	reg := NewRegistry(0, log)

	b, err := reg.Register("b")
	require.NoError(t, err)
	_, err = reg.Register("a")
	require.NoError(t, err)

	_, err = reg.Register("b")
	require.ErrorIs(t, err, ErrExists)

	got, ok := reg.Get("b")
	require.True(t, ok)
	require.Same(t, b, got)

	ids := []string{}
	for _, inst := range reg.List() {
		ids = append(ids, inst.ID())
	}
	require.Equal(t, []string{"a", "b"}, ids)

	b.ChangeStatus(StatusRunning, "")
	require.Len(t, log.snapshot(), 1)

	require.NoError(t, reg.Deregister("b"))
	require.ErrorIs(t, reg.Deregister("b"), ErrNotFound)
	_, ok = reg.Get("b")
	require.False(t, ok)
}
