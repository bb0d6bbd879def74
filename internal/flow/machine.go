package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/liliang-cn/guideflow/internal/domain"
	"github.com/looplab/fsm"
)

// Event drives a stage transition
type Event string

// Event constants
const (
	EventBegin            Event = "begin"
	EventSubmitName       Event = "submit_name"
	EventConfirmReady     Event = "confirm_ready"
	EventAnswerAccepted   Event = "answer_accepted"
	EventPhaseComplete    Event = "phase_complete"
	EventAutoAdvance      Event = "auto_advance"
	EventContinue         Event = "continue"
	EventSectionConfirmed Event = "section_confirmed"
	EventFinish           Event = "finish"
)

// Observer is told about every accepted transition
type Observer func(ev Event, from, to domain.Stage)

// Machine enforces a flow's transition table.
// It is not safe for concurrent use; the owning controller serializes access.
type Machine struct {
	def      *Definition
	fsm      *fsm.FSM
	observer Observer
}

// Transitions builds the (stage, event) -> stage table for a flow
func Transitions(def *Definition) fsm.Events {
	var events fsm.Events
	add := func(ev Event, dst domain.Stage, src ...domain.Stage) {
		var from []string
		for _, s := range src {
			if def.Has(s) {
				from = append(from, string(s))
			}
		}
		if len(from) == 0 || dst == "" || !def.Has(dst) {
			return
		}
		events = append(events, fsm.EventDesc{Name: string(ev), Src: from, Dst: string(dst)})
	}
	next := func(s domain.Stage) domain.Stage {
		n, _ := def.Next(s)
		return n
	}

	add(EventBegin, next(domain.StageWelcome), domain.StageWelcome)
	add(EventSubmitName, next(domain.StageNameCollection), domain.StageNameCollection)
	add(EventConfirmReady, next(domain.StageIntro), domain.StageIntro)
	add(EventAnswerAccepted, domain.StageMainLoop, domain.StageMainLoop)
	add(EventPhaseComplete, next(domain.StageMainLoop), domain.StageMainLoop)
	if def.Has(domain.StageTransition) {
		add(EventAutoAdvance, next(domain.StageTransition), domain.StageMainLoop)
	} else {
		add(EventAutoAdvance, next(domain.StageMainLoop), domain.StageMainLoop)
	}
	add(EventContinue, next(domain.StageTransition), domain.StageTransition)
	add(EventSectionConfirmed, domain.StageGenerationLoop, domain.StageGenerationLoop)
	add(EventFinish, domain.StageComplete, domain.StageMainLoop, domain.StageGenerationLoop)
	return events
}

// NewMachine creates a machine for def positioned at initial
func NewMachine(def *Definition, initial domain.Stage, observer Observer) (*Machine, error) {
	if initial == "" {
		initial = domain.StageWelcome
	}
	if !def.Has(initial) {
		return nil, fmt.Errorf("flow %s has no stage %q: %w", def.Name, initial, domain.ErrInvalidTransition)
	}
	return &Machine{
		def:      def,
		fsm:      fsm.NewFSM(string(initial), Transitions(def), fsm.Callbacks{}),
		observer: observer,
	}, nil
}

// Current returns the current stage
func (m *Machine) Current() domain.Stage {
	return domain.Stage(m.fsm.Current())
}

// Can reports whether ev is accepted in the current stage
func (m *Machine) Can(ev Event) bool {
	return m.fsm.Can(string(ev))
}

// Fire applies ev. Self-loops succeed; events the current stage does not
// accept fail with ErrInvalidTransition and leave the stage unchanged.
func (m *Machine) Fire(ctx context.Context, ev Event) (domain.Stage, error) {
	from := m.Current()
	err := m.fsm.Event(ctx, string(ev))
	if err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) || noTransition.Err != nil {
			return from, fmt.Errorf("%s in %s: %w", ev, from, domain.ErrInvalidTransition)
		}
	}
	to := m.Current()
	if m.observer != nil {
		m.observer(ev, from, to)
	}
	return to, nil
}

// Restore jumps to stage without firing an event. Used when reconciliation
// adopts a position reached in an earlier mount.
func (m *Machine) Restore(stage domain.Stage) error {
	if !m.def.Has(stage) {
		return fmt.Errorf("flow %s has no stage %q: %w", m.def.Name, stage, domain.ErrInvalidTransition)
	}
	m.fsm.SetState(string(stage))
	return nil
}
