package supervisor

import (
	"fmt"
	"time"
)

// State is a worker's lifecycle position.
type State string

const (
	StateSpawned       State = "spawned"
	StateAwaitingReady State = "awaiting-ready"
	StateReady         State = "ready"
	StateRunning       State = "running"
	StateErrored       State = "errored"
	StateStopped       State = "stopped"
)

var transitions = map[State][]State{
	StateSpawned:       {StateAwaitingReady, StateErrored, StateStopped},
	StateAwaitingReady: {StateReady, StateErrored, StateStopped},
	StateReady:         {StateRunning, StateErrored, StateStopped},
	StateRunning:       {StateErrored, StateStopped},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateErrored || s == StateStopped }

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// WorkerHandle is a snapshot of one worker.
type WorkerHandle struct {
	Name     string
	State    State
	PID      int
	ExitCode int
	Reason   string
	Since    time.Time
}

func (h WorkerHandle) String() string {
	if h.Reason != "" {
		return fmt.Sprintf("%s[%d] %s (%s)", h.Name, h.PID, h.State, h.Reason)
	}
	return fmt.Sprintf("%s[%d] %s", h.Name, h.PID, h.State)
}
