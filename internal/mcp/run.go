package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deixis/gitrun/internal/history"
	"github.com/deixis/gitrun/internal/run"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

type runStartParams struct {
	Owner    string `json:"owner" jsonschema:"GitHub repository owner (user or organisation)"`
	Repo     string `json:"repo" jsonschema:"repository name"`
	Path     string `json:"path" jsonschema:"path of the file to run, relative to the repository root (e.g. src/main.py)"`
	Ref      string `json:"ref,omitempty" jsonschema:"branch, tag or commit. Default: main."`
	Language string `json:"language,omitempty" jsonschema:"runtime language (e.g. python). Detected from the file extension when omitted."`
	Stdin    string `json:"stdin,omitempty" jsonschema:"standard input passed to the program"`
	Wait     bool   `json:"wait,omitempty" jsonschema:"block until the run finishes. Default: false."`
}

// emptyParams is the input of tools that take no arguments.
type emptyParams struct{}

func (h *handler) runStartHandler(ctx context.Context, req *mcp.CallToolRequest, params runStartParams) (*mcp.CallToolResult, any, error) {
	rreq := run.Request{
		Owner:    params.Owner,
		Repo:     params.Repo,
		Path:     params.Path,
		Ref:      params.Ref,
		Language: params.Language,
		Stdin:    params.Stdin,
	}

	// The run outlives the tool call; run_stop is the way to cancel it.
	r, err := h.mgr.Begin(context.WithoutCancel(ctx), rreq)
	if err != nil {
		var verr *run.ValidationError
		if errors.As(err, &verr) {
			return errorResult(fmt.Sprintf("Invalid request: %s is required.", strings.Join(verr.Missing, ", ")))
		}
		return errorResult(fmt.Sprintf("run failed to start: %v", err))
	}
	h.logger.Debug("run started via MCP", zap.String("run_id", r.ID()))

	if !params.Wait {
		return textResult(fmt.Sprintf("Status: %s\nRun: %s\nTarget: %s\n\nPoll run_status for the result.\n",
			run.Running.Label(), r.ID(), target(r.Request())))
	}

	select {
	case <-r.Done():
	case <-ctx.Done():
		return errorResult(fmt.Sprintf("stopped waiting for run %s: %v. The run continues; poll run_status.", r.ID(), ctx.Err()))
	}
	o, err := r.Wait()
	if errors.Is(err, run.ErrSuperseded) {
		return textResult(fmt.Sprintf("Run %s was replaced by a newer run before it finished and was not recorded.\n", r.ID()))
	}
	return textResult(finishedText(r, o, h.mgr.Snapshot()))
}

// finishedText reports a finished run from the session snapshot, or from its
// recorded outcome once a newer run has taken over the session.
func finishedText(r *run.Run, o *history.Outcome, snap run.Snapshot) string {
	if snap.RunID == r.ID() || o == nil {
		return formatSnapshot(snap)
	}
	return formatOutcome(*o)
}

func (h *handler) runStopHandler(ctx context.Context, req *mcp.CallToolRequest, _ emptyParams) (*mcp.CallToolResult, any, error) {
	if !h.mgr.Stop() {
		return textResult("No run in flight.")
	}
	return textResult(formatSnapshot(h.mgr.Snapshot()))
}

func (h *handler) runStatusHandler(ctx context.Context, req *mcp.CallToolRequest, _ emptyParams) (*mcp.CallToolResult, any, error) {
	return textResult(formatSnapshot(h.mgr.Snapshot()))
}

func target(r run.Request) string {
	return fmt.Sprintf("%s/%s:%s@%s", r.Owner, r.Repo, r.Path, r.Ref)
}

func formatSnapshot(s run.Snapshot) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Status: %s\n", s.Status.Label())
	if s.Status == run.Idle {
		fmt.Fprintln(&b, "No run has been started in this session.")
		return b.String()
	}
	fmt.Fprintf(&b, "Run: %s\n", s.RunID)
	if s.Request != nil {
		fmt.Fprintf(&b, "Target: %s\n", target(*s.Request))
	}
	if s.ExitCode != nil {
		fmt.Fprintf(&b, "Exit code: %d\n", *s.ExitCode)
	}
	if !s.FinishedAt.IsZero() {
		fmt.Fprintf(&b, "Duration: %s\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
	}

	if s.Status == run.Running {
		return b.String()
	}
	writeStream(&b, "stdout", s.Stdout)
	writeStream(&b, "stderr", s.Stderr)
	return b.String()
}

func writeStream(b *strings.Builder, name, text string) {
	fmt.Fprintln(b)
	if text == "" {
		fmt.Fprintf(b, "%s: (empty)\n", name)
		return
	}
	fmt.Fprintf(b, "%s:\n", name)
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		fmt.Fprintf(b, "    %s\n", line)
	}
}
