package collaboration

import (
	"time"

	"agentrouter/pkg/errors"
)

var validTransitions = map[Stage][]Stage{
	StageAnalysis: {StageDebate, StageDecision, StageFailed, StageCancelled},
	StageDebate:   {StageDecision, StageFailed, StageCancelled},
	StageDecision: {StageDone, StageFailed, StageCancelled},
}

// CanTransition reports whether a session may move from one stage to another
func CanTransition(from, to Stage) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the stage ends the session
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageFailed || s == StageCancelled
}

func statusFor(stage Stage) Status {
	switch stage {
	case StageDone:
		return StatusCompleted
	case StageFailed:
		return StatusFailed
	case StageCancelled:
		return StatusCancelled
	default:
		return StatusActive
	}
}

// Advance moves the session to the next stage, keeping status in step
func (s *Session) Advance(to Stage, now time.Time) error {
	if s.Status.Terminal() {
		return errors.Wrapf(errors.ErrSessionTerminal, "session %s is %s", s.ID, s.Status)
	}
	if !CanTransition(s.Stage, to) {
		return errors.Wrapf(errors.ErrInvalidTransition, "%s -> %s", s.Stage, to)
	}
	s.Stage = to
	s.Status = statusFor(to)
	s.UpdatedAt = now
	if s.Status.Terminal() {
		t := now
		s.CompletedAt = &t
	}
	return nil
}

// Complete finishes a session from the decision stage, setting the consensus score
func (s *Session) Complete(consensus float64, outcome Outcome, now time.Time) error {
	if err := s.Advance(StageDone, now); err != nil {
		return err
	}
	s.ConsensusScore = &consensus
	s.FinalOutcome = &outcome
	return nil
}

// Fail moves the session to failed, remembering the stage that failed
func (s *Session) Fail(reason string, now time.Time) error {
	failedAt := s.Stage
	if err := s.Advance(StageFailed, now); err != nil {
		return err
	}
	s.FailedStage = failedAt
	s.FailureReason = reason
	return nil
}

// Cancel moves the session to cancelled from any non-terminal stage
func (s *Session) Cancel(now time.Time) error {
	return s.Advance(StageCancelled, now)
}
