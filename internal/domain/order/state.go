package order

import (
	"errors"
	"fmt"
)

var ErrInvalidStateTransition = errors.New("order: invalid placement state transition")

// Stage is a step of a single placement request.
type Stage string

const (
	StageReceived       Stage = "received"
	StageResolvingItems Stage = "resolving_items"
	StageAssembled      Stage = "assembled"
	StagePersisted      Stage = "persisted"
	StagePublished      Stage = "published"
	StageResponded      Stage = "responded"
	StageFailed         Stage = "failed"
)

// Persisted may skip Published when the event could not be handed to the bus; the order
// is still committed and the caller gets a warning.
var transitions = map[Stage][]Stage{
	StageReceived:       {StageResolvingItems},
	StageResolvingItems: {StageAssembled},
	StageAssembled:      {StagePersisted},
	StagePersisted:      {StagePublished, StageResponded},
	StagePublished:      {StageResponded},
}

func (s Stage) Terminal() bool { return s == StageResponded || s == StageFailed }

// Placement tracks the stage of one placement request. It is not safe for concurrent use;
// a request owns its Placement.
type Placement struct {
	stage   Stage
	history []Stage
}

func NewPlacement() *Placement {
	return &Placement{stage: StageReceived, history: []Stage{StageReceived}}
}

func (p *Placement) Stage() Stage { return p.stage }

// History returns every stage entered so far, in order.
func (p *Placement) History() []Stage { return append([]Stage(nil), p.history...) }

func (p *Placement) Advance(next Stage) error {
	for _, allowed := range transitions[p.stage] {
		if allowed == next {
			p.enter(next)
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, p.stage, next)
}

// Fail moves any non-terminal placement to StageFailed.
func (p *Placement) Fail() error {
	if p.stage.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, p.stage, StageFailed)
	}
	p.enter(StageFailed)
	return nil
}

func (p *Placement) enter(s Stage) {
	p.stage = s
	p.history = append(p.history, s)
}
