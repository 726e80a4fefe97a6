package uws

import "strings"

// ExecutionPhase is the position of a job in the lifecycle automaton.
type ExecutionPhase string

const (
	PhasePending   ExecutionPhase = "PENDING"
	PhaseQueued    ExecutionPhase = "QUEUED"
	PhaseExecuting ExecutionPhase = "EXECUTING"
	PhaseHeld      ExecutionPhase = "HELD"
	PhaseSuspended ExecutionPhase = "SUSPENDED"
	PhaseCompleted ExecutionPhase = "COMPLETED"
	PhaseAborted   ExecutionPhase = "ABORTED"
	PhaseError     ExecutionPhase = "ERROR"
	PhaseArchived  ExecutionPhase = "ARCHIVED"
	PhaseUnknown   ExecutionPhase = "UNKNOWN"
)

var allPhases = []ExecutionPhase{
	PhasePending, PhaseQueued, PhaseExecuting, PhaseHeld, PhaseSuspended,
	PhaseCompleted, PhaseAborted, PhaseError, PhaseArchived, PhaseUnknown,
}

// AllPhases returns every execution phase.
func AllPhases() []ExecutionPhase {
	phases := make([]ExecutionPhase, len(allPhases))
	copy(phases, allPhases)
	return phases
}

// PhaseFromString maps a phase name to its ExecutionPhase, case-insensitively.
// Unrecognized names map to UNKNOWN.
func PhaseFromString(s string) ExecutionPhase {
	name := ExecutionPhase(strings.ToUpper(strings.TrimSpace(s)))
	for _, p := range allPhases {
		if p == name {
			return p
		}
	}
	return PhaseUnknown
}

// IsTerminal reports whether the phase is final. The only transition out of
// a terminal phase is COMPLETED/ABORTED/ERROR -> ARCHIVED.
func (p ExecutionPhase) IsTerminal() bool {
	switch p {
	case PhaseCompleted, PhaseAborted, PhaseError, PhaseArchived:
		return true
	}
	return false
}

// IsExecuting reports whether the job is running.
func (p ExecutionPhase) IsExecuting() bool {
	return p == PhaseExecuting
}

// IsUpdatable reports whether a client may still modify the job's
// parameters.
func (p ExecutionPhase) IsUpdatable() bool {
	return p == PhasePending
}

// CanTransition reports whether target is reachable from p without force.
func (p ExecutionPhase) CanTransition(target ExecutionPhase) bool {
	switch target {
	case PhasePending:
		return p == PhasePending || p == PhaseUnknown
	case PhaseQueued:
		return p == PhasePending || p == PhaseHeld || p == PhaseQueued || p == PhaseUnknown
	case PhaseExecuting:
		return p == PhaseQueued || p == PhaseHeld || p == PhaseSuspended || p == PhaseExecuting || p == PhaseUnknown
	case PhaseHeld:
		return p == PhasePending || p == PhaseExecuting || p == PhaseHeld || p == PhaseUnknown
	case PhaseSuspended:
		return p == PhaseExecuting || p == PhaseSuspended || p == PhaseUnknown
	case PhaseCompleted:
		return p == PhaseExecuting || p == PhaseCompleted || p == PhaseUnknown
	case PhaseAborted:
		return p != PhaseCompleted && p != PhaseError && p != PhaseArchived
	case PhaseError:
		return p != PhaseCompleted && p != PhaseAborted && p != PhaseArchived
	case PhaseArchived:
		return p == PhaseCompleted || p == PhaseAborted || p == PhaseError || p == PhaseArchived || p == PhaseUnknown
	case PhaseUnknown:
		return true
	}
	return false
}
