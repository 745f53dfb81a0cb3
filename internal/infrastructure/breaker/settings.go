package breaker

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type WindowType string

const (
	CountBased WindowType = "COUNT_BASED"
	TimeBased  WindowType = "TIME_BASED"
)

const (
	DefaultSlidingWindowSize                     = 10
	DefaultFailureRateThreshold                  = 50.0
	DefaultWaitDurationInOpenState               = 60 * time.Second
	DefaultPermittedNumberOfCallsInHalfOpenState = 3
)

var ErrInvalidSettings = errors.New("breaker: invalid settings")

// Settings configures one breaker. Zero values take the defaults above.
//
// For COUNT_BASED windows SlidingWindowSize is a number of calls; for TIME_BASED windows it is
// a number of seconds. MinimumNumberOfCalls is how many recorded calls make the window "full"
// enough to evaluate; it defaults to SlidingWindowSize.
type Settings struct {
	SlidingWindowSize                     int
	SlidingWindowType                     WindowType
	FailureRateThreshold                  float64
	WaitDurationInOpenState               time.Duration
	PermittedNumberOfCallsInHalfOpenState int
	MinimumNumberOfCalls                  int
}

func DefaultSettings() Settings {
	return Settings{}.WithDefaults()
}

func (s Settings) WithDefaults() Settings {
	if s.SlidingWindowSize == 0 {
		s.SlidingWindowSize = DefaultSlidingWindowSize
	}
	if s.SlidingWindowType == "" {
		s.SlidingWindowType = CountBased
	}
	s.SlidingWindowType = WindowType(strings.ToUpper(string(s.SlidingWindowType)))
	if s.FailureRateThreshold == 0 {
		s.FailureRateThreshold = DefaultFailureRateThreshold
	}
	if s.WaitDurationInOpenState == 0 {
		s.WaitDurationInOpenState = DefaultWaitDurationInOpenState
	}
	if s.PermittedNumberOfCallsInHalfOpenState == 0 {
		s.PermittedNumberOfCallsInHalfOpenState = DefaultPermittedNumberOfCallsInHalfOpenState
	}
	if s.MinimumNumberOfCalls == 0 {
		s.MinimumNumberOfCalls = s.SlidingWindowSize
	}
	return s
}

func (s Settings) Validate() error {
	switch {
	case s.SlidingWindowSize < 1:
		return fmt.Errorf("%w: slidingWindowSize must be >= 1", ErrInvalidSettings)
	case s.SlidingWindowType != CountBased && s.SlidingWindowType != TimeBased:
		return fmt.Errorf("%w: unknown slidingWindowType %q", ErrInvalidSettings, s.SlidingWindowType)
	case s.FailureRateThreshold <= 0 || s.FailureRateThreshold > 100:
		return fmt.Errorf("%w: failureRateThreshold must be in (0, 100]", ErrInvalidSettings)
	case s.WaitDurationInOpenState < 0:
		return fmt.Errorf("%w: waitDurationInOpenState must not be negative", ErrInvalidSettings)
	case s.PermittedNumberOfCallsInHalfOpenState < 1:
		return fmt.Errorf("%w: permittedNumberOfCallsInHalfOpenState must be >= 1", ErrInvalidSettings)
	case s.MinimumNumberOfCalls < 1:
		return fmt.Errorf("%w: minimumNumberOfCalls must be >= 1", ErrInvalidSettings)
	case s.SlidingWindowType == CountBased && s.MinimumNumberOfCalls > s.SlidingWindowSize:
		return fmt.Errorf("%w: minimumNumberOfCalls exceeds a count based window", ErrInvalidSettings)
	}
	return nil
}
