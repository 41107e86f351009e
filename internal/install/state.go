package install

import (
	"time"
)

// State is a phase of an install run.
type State int

const (
	StateIdle State = iota
	StateForbidCheck
	StateResolve
	StateConfirm
	StateAcquire
	StateBuildOrExtract
	StateStageAndLink
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateForbidCheck:
		return "ForbidCheck"
	case StateResolve:
		return "Resolve"
	case StateConfirm:
		return "Confirm"
	case StateAcquire:
		return "Acquire"
	case StateBuildOrExtract:
		return "BuildOrExtract"
	case StateStageAndLink:
		return "StageAndLink"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

// Transition is one entry of the state log.
type Transition struct {
	From State
	To   State
	// Formula is set for per-step states.
	Formula string
	At      time.Time
}
