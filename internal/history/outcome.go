// Package history keeps the bounded, newest-first log of finished runs and
// persists it to a single storage slot. The log survives restarts and is the
// only source for rendering past runs.
package history

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the terminal status recorded for a run.
type Status string

const (
	// StatusOK is a run that completed without an application error.
	StatusOK Status = "ok"
	// StatusError is a run that failed remotely or never reached the service.
	StatusError Status = "error"
	// StatusStopped is a run cancelled by the user.
	StatusStopped Status = "stopped"
)

// Outcome is the immutable record of one finished or aborted run.
type Outcome struct {
	ID       string    `json:"id,omitempty"`
	Owner    string    `json:"owner"`
	Repo     string    `json:"repo"`
	Path     string    `json:"path"`
	Ref      string    `json:"ref,omitempty"`
	Language string    `json:"language,omitempty"`
	Status   Status    `json:"status"`
	Time     time.Time `json:"time"`
	Stdout   string    `json:"stdout"`
	Stderr   string    `json:"stderr"`
	ExitCode *int      `json:"exit_code,omitempty"`

	// Error is the structured payload returned by the service, or a JSON
	// string describing a transport failure.
	Error json.RawMessage `json:"error,omitempty"`

	Truncated bool `json:"truncated,omitempty"` // stdout or stderr was capped
}

// Target formats the run target as owner/repo:path.
func (o *Outcome) Target() string {
	return fmt.Sprintf("%s/%s:%s", o.Owner, o.Repo, o.Path)
}

// ErrorText renders the error payload for display. A JSON string is
// unquoted, an object with a string "error" field yields that field, and
// anything else is returned as raw JSON.
func (o *Outcome) ErrorText() string {
	if len(o.Error) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(o.Error, &s); err == nil {
		return s
	}
	var obj struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(o.Error, &obj); err == nil && obj.Error != "" {
		return obj.Error
	}
	return string(o.Error)
}

// StringError encodes a plain message as an error payload.
func StringError(msg string) json.RawMessage {
	data, _ := json.Marshal(msg)
	return data
}
