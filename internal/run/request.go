package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// DefaultRef is used when a request names no ref.
const DefaultRef = "main"

// Request identifies the file to run and its execution parameters.
type Request struct {
	Owner    string `json:"owner"`
	Repo     string `json:"repo"`
	Path     string `json:"path"`
	Ref      string `json:"ref"`
	Language string `json:"language,omitempty"` // detected from the path when empty
	Stdin    string `json:"stdin"`
}

// Validate reports missing required fields.
func (r Request) Validate() error {
	var missing []string
	if strings.TrimSpace(r.Owner) == "" {
		missing = append(missing, "owner")
	}
	if strings.TrimSpace(r.Repo) == "" {
		missing = append(missing, "repo")
	}
	if strings.TrimSpace(r.Path) == "" {
		missing = append(missing, "path")
	}
	if len(missing) > 0 {
		return &ValidationError{Missing: missing}
	}
	return nil
}

func (r Request) normalized() Request {
	r.Owner = strings.TrimSpace(r.Owner)
	r.Repo = strings.TrimSpace(r.Repo)
	r.Path = strings.TrimSpace(r.Path)
	r.Ref = strings.TrimSpace(r.Ref)
	r.Language = strings.TrimSpace(r.Language)
	if r.Ref == "" {
		r.Ref = DefaultRef
	}
	return r
}

// Response is what the execution service returned for a request.
// A non-empty, truthy Error marks an application-level failure.
type Response struct {
	Stdout   string          `json:"stdout"`
	Stderr   string          `json:"stderr"`
	ExitCode *int            `json:"exit_code,omitempty"`
	Error    json.RawMessage `json:"error,omitempty"`
}

// Failed reports whether the response carries an application error.
func (r *Response) Failed() bool {
	return Truthy(r.Error)
}

// Truthy reports whether a JSON value is present and not null, false,
// zero or the empty string.
func Truthy(v json.RawMessage) bool {
	switch s := strings.TrimSpace(string(v)); s {
	case "", "null", "false", "0", `""`:
		return false
	default:
		return true
	}
}

// Executor issues a run on the remote execution service. Implementations
// must return promptly once ctx is cancelled.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Response, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req Request) (*Response, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// ErrSuperseded is returned to the caller of a run that a newer run replaced
// before it finished. Nothing is recorded for a superseded run.
var ErrSuperseded = errors.New("run superseded by a newer run")

// ValidationError reports a request rejected before any network activity.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing %s", strings.Join(e.Missing, "/"))
}

// ApplicationError is a failure reported by the execution service itself.
type ApplicationError struct {
	Payload json.RawMessage
}

func (e *ApplicationError) Error() string {
	return "execution service error: " + string(e.Payload)
}

// TransportError is a failure to reach the service or to read its reply.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
