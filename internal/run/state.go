package run

import (
	"encoding/json"
	"time"
)

// State is the session state. The four terminal states are user visible.
type State string

const (
	Idle    State = "idle"
	Running State = "running"
	Done    State = "done"
	Errored State = "error"
	Stopped State = "stopped"
	Failed  State = "failed"
)

// Terminal reports whether no further transition happens without a new run.
func (s State) Terminal() bool {
	switch s {
	case Done, Errored, Stopped, Failed:
		return true
	}
	return false
}

// Label returns the status text shown to users.
func (s State) Label() string {
	switch s {
	case Running:
		return "Running..."
	case Done:
		return "Done"
	case Errored:
		return "Error"
	case Stopped:
		return "Stopped"
	case Failed:
		return "Failed"
	default:
		return "Idle"
	}
}

// Snapshot is the session state exposed to presentation adapters. Seq
// increases with every transition; a higher Seq is always the newer state.
type Snapshot struct {
	Seq        uint64          `json:"seq"`
	Status     State           `json:"status"`
	RunID      string          `json:"run_id,omitempty"`
	Request    *Request        `json:"request,omitempty"`
	Stdout     string          `json:"stdout"`
	Stderr     string          `json:"stderr"`
	ExitCode   *int            `json:"exit_code,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at,omitzero"`
	FinishedAt time.Time       `json:"finished_at,omitzero"`
}
