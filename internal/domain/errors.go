package domain

import (
	"errors"
	"fmt"
)

// Validation errors returned to the command layer. None of these are
// retried by the core.
var (
	ErrAlreadyQueued            = errors.New("participant already holds a queue entry")
	ErrAlreadyInMatch           = errors.New("participant is part of an active match")
	ErrNotQueued                = errors.New("participant is not in this queue")
	ErrMatchInProgress          = errors.New("participant is part of a formed match")
	ErrMatchNotFound            = errors.New("match not found")
	ErrAlreadyReported          = errors.New("match result already reported")
	ErrNotAParticipant          = errors.New("not a participant of this match")
	ErrInvalidResult            = errors.New("invalid result")
	ErrInvalidTransition        = errors.New("illegal match state transition")
	ErrInsufficientParticipants = errors.New("a match requires exactly six participants")
)

// MatchInProgressError carries the conflicting match id so the command
// layer can tell the participant which match holds them.
type MatchInProgressError struct {
	MatchID string
}

func (e *MatchInProgressError) Error() string {
	return fmt.Sprintf("participant is part of match %s", e.MatchID)
}

// Is lets errors.Is(err, ErrMatchInProgress) match the typed error.
func (e *MatchInProgressError) Is(target error) bool {
	return target == ErrMatchInProgress
}

// AlreadyInMatchError rejects a queue join while the participant belongs
// to a non-completed match.
type AlreadyInMatchError struct {
	MatchID string
}

func (e *AlreadyInMatchError) Error() string {
	return fmt.Sprintf("participant is already in match %s", e.MatchID)
}

func (e *AlreadyInMatchError) Is(target error) bool {
	return target == ErrAlreadyInMatch
}

// InvalidTransitionError reports the rejected transition.
type InvalidTransitionError struct {
	MatchID string
	From    MatchStatus
	To      MatchStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("match %s cannot move from %s to %s", e.MatchID, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
