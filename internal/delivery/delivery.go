// Package delivery sends one rendered message to one channel, retrying
// transient failures on a fixed delay schedule.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/herald/internal/alert"
	"github.com/linnemanlabs/herald/internal/notify"
)

// DefaultSchedule is the delay before the second, third and fourth attempt.
var DefaultSchedule = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// Result is the non-error outcome of Send.
type Result struct {
	Skipped  bool
	Reason   string
	Attempts int
}

// DeliveryError is returned once every scheduled attempt has failed, or when
// the context ends while waiting for the next one.
type DeliveryError struct {
	Channel  alert.ChannelID
	Attempts int
	Err      error // last send error
	Aborted  error // context error when the schedule was cut short
}

func (e *DeliveryError) Error() string {
	if e.Aborted != nil {
		return fmt.Sprintf("deliver %s: aborted after %d attempts (%v): %v", e.Channel, e.Attempts, e.Aborted, e.Err)
	}
	return fmt.Sprintf("deliver %s: failed after %d attempts: %v", e.Channel, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() []error {
	if e.Aborted != nil {
		return []error{e.Err, e.Aborted}
	}
	return []error{e.Err}
}

// Attempt describes one call to a sender.
type Attempt struct {
	Channel     alert.ChannelID
	Number      int // 1-based
	MaxAttempts int
	Duration    time.Duration
	Err         error
}

// Hooks receive per-attempt callbacks. Nil fields are ignored.
type Hooks struct {
	OnAttempt func(Attempt)
}

// SleepFunc blocks for d or until ctx ends, returning ctx.Err() in the latter case.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option configures an Executor.
type Option func(*Executor)

// WithHooks installs attempt callbacks.
func WithHooks(h Hooks) Option {
	return func(e *Executor) { e.hooks = h }
}

// WithSleep replaces the timer used between attempts.
func WithSleep(fn SleepFunc) Option {
	return func(e *Executor) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

// Executor runs the retry schedule. It holds no per-send state and is safe
// for concurrent use.
type Executor struct {
	schedule []time.Duration
	logger   log.Logger
	hooks    Hooks
	sleep    SleepFunc
}

// NewExecutor creates an Executor. Every delay in schedule must be positive;
// an empty schedule means a single attempt.
func NewExecutor(schedule []time.Duration, logger log.Logger, opts ...Option) *Executor {
	for _, d := range schedule {
		if d <= 0 {
			panic(xerrors.New("retry schedule delays must be positive"))
		}
	}
	if logger == nil {
		logger = log.Nop()
	}
	e := &Executor{
		schedule: append([]time.Duration(nil), schedule...),
		logger:   logger,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MaxAttempts is len(schedule)+1.
func (e *Executor) MaxAttempts() int { return len(e.schedule) + 1 }

// retryState is the whole of the per-send state machine.
type retryState struct {
	attempt   int
	lastErr   error
	remaining []time.Duration
}

func (s *retryState) next() (time.Duration, bool) {
	if len(s.remaining) == 0 {
		return 0, false
	}
	d := s.remaining[0]
	s.remaining = s.remaining[1:]
	return d, true
}

// Send delivers msg through sender. A sender reporting notify.ErrNotConfigured
// yields a skipped Result without retry. Any other error is retried after the
// next scheduled delay; when the schedule is exhausted a *DeliveryError
// carrying the last error is returned.
func (e *Executor) Send(ctx context.Context, sender notify.Sender, msg notify.Message) (Result, error) {
	channel := sender.Channel()
	L := e.logger.With("channel", string(channel))
	st := retryState{remaining: e.schedule}

	for {
		st.attempt++
		start := time.Now()
		err := sender.Send(ctx, msg)
		e.onAttempt(Attempt{
			Channel:     channel,
			Number:      st.attempt,
			MaxAttempts: e.MaxAttempts(),
			Duration:    time.Since(start),
			Err:         err,
		})

		if err == nil {
			return Result{Attempts: st.attempt}, nil
		}
		if errors.Is(err, notify.ErrNotConfigured) {
			L.Info(ctx, "channel skipped", "reason", err.Error())
			return Result{Skipped: true, Reason: err.Error(), Attempts: st.attempt}, nil
		}

		st.lastErr = err
		L.Warn(ctx, "send attempt failed",
			"attempt", st.attempt,
			"max_attempts", e.MaxAttempts(),
			"error", err,
		)

		delay, ok := st.next()
		if !ok {
			return Result{Attempts: st.attempt}, &DeliveryError{Channel: channel, Attempts: st.attempt, Err: st.lastErr}
		}
		if werr := e.sleep(ctx, delay); werr != nil {
			return Result{Attempts: st.attempt}, &DeliveryError{
				Channel:  channel,
				Attempts: st.attempt,
				Err:      st.lastErr,
				Aborted:  werr,
			}
		}
	}
}

func (e *Executor) onAttempt(a Attempt) {
	if e.hooks.OnAttempt != nil {
		e.hooks.OnAttempt(a)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
