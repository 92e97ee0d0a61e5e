// Package debounce coalesces bursts of refresh requests for an external
// resource into a bounded number of update calls.
package debounce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/factorio-deck/factorio-deck/internal/logging"
)

// ErrRetry is returned by an Action to request another run without logging
// a failure (the remote side was busy, or the call was cut short).
var ErrRetry = errors.New("debounce: retry requested")

// Action performs the update using whatever state is current when it runs.
// ctx is cancelled when the Updater is closed.
type Action func(ctx context.Context) error

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Outcome classifies a single run of the action.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetry
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetry:
		return "retry"
	default:
		return "failed"
	}
}

// Options configures an Updater.
type Options struct {
	// Delay is the minimum spacing between two runs of the action.
	Delay time.Duration

	// Sleep implements the delay. Defaults to a timer that honours ctx.
	Sleep SleepFunc

	// Logger receives failure records. Defaults to the updater component logger.
	Logger *slog.Logger

	// Name identifies the updater in log records.
	Name string
}

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Updater runs an Action at most once at a time. Requests made while a run
// is in flight collapse into a single follow-up run.
//
// States: idle (no pending request), scheduled (pending request), running,
// closed. Close is terminal from any state.
type Updater struct {
	action Action
	opts   Options
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// pending holds at most one queued request.
	pending chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}

	runs     atomic.Int64
	failures atomic.Int64
}

// New creates an Updater. The worker goroutine starts on the first ScheduleUpdate.
func New(action Action, opts Options) *Updater {
	if opts.Sleep == nil {
		opts.Sleep = Sleep
	}
	log := opts.Logger
	if log == nil {
		log = logging.ForComponent(logging.CompUpdater)
	}
	if opts.Name != "" {
		log = log.With(slog.String("updater", opts.Name))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Updater{
		action:  action,
		opts:    opts,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// ScheduleUpdate guarantees at least one run of the action after this call,
// unless the Updater is closed first. Safe for concurrent use.
func (u *Updater) ScheduleUpdate() {
	if u.closed.Load() {
		return
	}
	u.startOnce.Do(func() { go u.loop() })
	select {
	case u.pending <- struct{}{}:
	default:
	}
}

// Close stops the worker, cancels an in-flight delay or action, and drops any
// pending request. It waits for the worker to exit.
func (u *Updater) Close() {
	u.closeOnce.Do(func() {
		u.closed.Store(true)
		u.cancel()
		// Start the worker if it never ran so done is always closed.
		u.startOnce.Do(func() { go u.loop() })
	})
	<-u.done
}

// Runs returns how many times the action has been invoked.
func (u *Updater) Runs() int64 {
	return u.runs.Load()
}

// Failures returns how many runs ended in OutcomeFailed.
func (u *Updater) Failures() int64 {
	return u.failures.Load()
}

func (u *Updater) loop() {
	defer close(u.done)

	for {
		select {
		case <-u.ctx.Done():
			return
		case <-u.pending:
		}
		if u.ctx.Err() != nil {
			return
		}

		if u.runOnce() == OutcomeRetry {
			select {
			case u.pending <- struct{}{}:
			default:
			}
		}

		if err := u.opts.Sleep(u.ctx, u.opts.Delay); err != nil {
			return
		}
	}
}

func (u *Updater) runOnce() (outcome Outcome) {
	u.runs.Add(1)
	defer func() {
		if r := recover(); r != nil {
			u.failures.Add(1)
			u.log.Error("debounce_update_failed",
				slog.String("error", fmt.Sprintf("panic: %v", r)))
			outcome = OutcomeFailed
		}
	}()

	outcome = u.classify(u.action(u.ctx))
	if outcome == OutcomeFailed {
		u.failures.Add(1)
	}
	return outcome
}

func (u *Updater) classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrRetry):
		return OutcomeRetry
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Closing cancels u.ctx; that run is simply abandoned.
		if u.ctx.Err() != nil {
			return OutcomeSuccess
		}
		return OutcomeRetry
	default:
		u.log.Error("debounce_update_failed", slog.String("error", err.Error()))
		return OutcomeFailed
	}
}
