package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Zhima-Mochi/minishop-orders/internal/observability"
)

// ErrOpen is handed to the fallback when a call is short-circuited.
var ErrOpen = errors.New("breaker: call not permitted")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

const (
	outcomeSuccess      = "success"
	outcomeFailure      = "failure"
	outcomeIgnored      = "ignored"
	outcomeNotPermitted = "not_permitted"
)

// Breaker is a named circuit breaker shared by all callers of one downstream.
type Breaker struct {
	name      string
	settings  Settings
	now       func() time.Time
	isFailure func(error) bool

	log         observability.Logger
	calls       observability.Counter
	transitions observability.Counter

	mu       sync.Mutex
	state    State
	gen      uint64
	window   window
	openedAt time.Time

	// half-open probe accounting
	permitted int
	completed int
	failed    int
}

type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithFailurePredicate decides which errors count as failures. Errors it rejects are
// neither successes nor failures; the fallback still sees them.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(b *Breaker) {
		if fn != nil {
			b.isFailure = fn
		}
	}
}

func WithObservability(tel observability.Observability) Option {
	return func(b *Breaker) {
		if tel == nil {
			return
		}
		b.log = tel.Logger()
		b.calls = tel.Metrics().Counter(observability.MBreakerCalls)
		b.transitions = tel.Metrics().Counter(observability.MBreakerTransitions)
	}
}

// DefaultFailurePredicate counts every error except caller cancellation.
func DefaultFailurePredicate(err error) bool {
	return !errors.Is(err, context.Canceled)
}

func New(name string, s Settings, opts ...Option) *Breaker {
	s = s.WithDefaults()
	b := &Breaker{
		name:        name,
		settings:    s,
		now:         time.Now,
		isFailure:   DefaultFailurePredicate,
		log:         observability.NopLogger(),
		calls:       observability.NopCounter(),
		transitions: observability.NopCounter(),
		window:      newWindow(s),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.With(
		observability.F("component", "circuit_breaker"),
		observability.F("breaker", name),
	)
	return b
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) Settings() Settings { return b.settings }

// State reports the current state without triggering the Open to Half-Open transition,
// which happens on the first call after the wait duration.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Run executes protected through b. Any error from protected, and any short-circuit, is
// passed to fallback whose result is returned. A nil fallback returns the error itself.
func Run[T any](ctx context.Context, b *Breaker, protected func(context.Context) (T, error), fallback func(error) (T, error)) (T, error) {
	gen, err := b.acquire()
	if err != nil {
		return recoverWith(fallback, err)
	}

	var (
		v        T
		callErr  error
		finished bool
	)
	defer func() {
		if !finished {
			b.release(gen, errPanicked)
		}
	}()
	v, callErr = protected(ctx)
	finished = true
	b.release(gen, callErr)

	if callErr != nil {
		return recoverWith(fallback, callErr)
	}
	return v, nil
}

var errPanicked = errors.New("breaker: protected call panicked")

func recoverWith[T any](fallback func(error) (T, error), err error) (T, error) {
	if fallback == nil {
		var zero T
		return zero, err
	}
	return fallback(err)
}

func (b *Breaker) acquire() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.settings.WaitDurationInOpenState {
			b.calls.Add(1, observability.L("name", b.name), observability.L("outcome", outcomeNotPermitted))
			return 0, ErrOpen
		}
		b.transitionLocked(StateHalfOpen, 0)
	}
	if b.state == StateHalfOpen {
		if b.permitted >= b.settings.PermittedNumberOfCallsInHalfOpenState {
			b.calls.Add(1, observability.L("name", b.name), observability.L("outcome", outcomeNotPermitted))
			return 0, ErrOpen
		}
		b.permitted++
	}
	return b.gen, nil
}

// release records the outcome of a call admitted under generation gen. Outcomes of calls
// admitted before the last transition are dropped.
func (b *Breaker) release(gen uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	outcome := outcomeSuccess
	if err != nil {
		outcome = outcomeFailure
		if !b.isFailure(err) {
			outcome = outcomeIgnored
		}
	}
	b.calls.Add(1, observability.L("name", b.name), observability.L("outcome", outcome))

	if gen != b.gen {
		return
	}

	switch b.state {
	case StateClosed:
		if outcome == outcomeIgnored {
			return
		}
		now := b.now()
		b.window.record(now, outcome == outcomeFailure)
		total, failures := b.window.snapshot(now)
		if total >= b.settings.MinimumNumberOfCalls {
			if rate := failureRate(total, failures); rate >= b.settings.FailureRateThreshold {
				b.transitionLocked(StateOpen, rate)
			}
		}
	case StateHalfOpen:
		if outcome == outcomeIgnored {
			b.permitted--
			return
		}
		b.completed++
		if outcome == outcomeFailure {
			b.failed++
		}
		if b.completed >= b.settings.PermittedNumberOfCallsInHalfOpenState {
			rate := failureRate(b.completed, b.failed)
			if rate >= b.settings.FailureRateThreshold {
				b.transitionLocked(StateOpen, rate)
			} else {
				b.transitionLocked(StateClosed, rate)
			}
		}
	}
}

func (b *Breaker) transitionLocked(to State, rate float64) {
	from := b.state
	b.state = to
	b.gen++
	b.permitted, b.completed, b.failed = 0, 0, 0
	switch to {
	case StateOpen:
		b.openedAt = b.now()
	case StateClosed:
		b.window.reset()
	}

	b.transitions.Add(1,
		observability.L("name", b.name),
		observability.L("from", from.String()),
		observability.L("to", to.String()),
	)
	fields := []observability.Field{
		observability.F("from", from.String()),
		observability.F("to", to.String()),
		observability.F("failure_rate", rate),
	}
	if to == StateOpen {
		b.log.Warn("circuit_breaker_transition", fields...)
		return
	}
	b.log.Info("circuit_breaker_transition", fields...)
}
