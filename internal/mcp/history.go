package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/deixis/gitrun/internal/history"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const defaultListLimit = 20

type historyListParams struct {
	Limit int `json:"limit,omitempty" jsonschema:"maximum number of entries to return, newest first. Default: 20."`
}

type historyDetailParams struct {
	Index int `json:"index" jsonschema:"position in the history list, 0 being the newest run"`
}

func (h *handler) historyListHandler(ctx context.Context, req *mcp.CallToolRequest, params historyListParams) (*mcp.CallToolResult, any, error) {
	entries := h.store.List()
	if len(entries) == 0 {
		return textResult("No runs recorded.")
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var b strings.Builder
	fmt.Fprintf(&b, "History: %d of %d entries\n\n", len(entries), h.store.Cap())
	for i, o := range entries {
		if i == limit {
			fmt.Fprintf(&b, "... %d older entries omitted\n", len(entries)-limit)
			break
		}
		fmt.Fprintf(&b, "[%d] %s  %-7s  %s\n", i, o.Time.Local().Format(time.DateTime), o.Status, outcomeTarget(o))
	}
	fmt.Fprintln(&b)
	fmt.Fprintln(&b, "Show one entry with history_detail(index=<n>).")
	return textResult(b.String())
}

func (h *handler) historyDetailHandler(ctx context.Context, req *mcp.CallToolRequest, params historyDetailParams) (*mcp.CallToolResult, any, error) {
	o, ok := h.store.Get(params.Index)
	if !ok {
		return errorResult(fmt.Sprintf("No history entry at index %d (history has %d entries).", params.Index, h.store.Len()))
	}
	return textResult(formatOutcome(o))
}

func (h *handler) historyClearHandler(ctx context.Context, req *mcp.CallToolRequest, _ emptyParams) (*mcp.CallToolResult, any, error) {
	n := h.store.Len()
	if err := h.store.Clear(); err != nil {
		return errorResult(fmt.Sprintf("clearing history failed: %v", err))
	}
	return textResult(fmt.Sprintf("History cleared (%d entries removed).", n))
}

func outcomeTarget(o history.Outcome) string {
	if o.Ref == "" {
		return o.Target()
	}
	return o.Target() + "@" + o.Ref
}

func formatOutcome(o history.Outcome) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Status: %s\n", o.Status)
	if o.ID != "" {
		fmt.Fprintf(&b, "Run: %s\n", o.ID)
	}
	fmt.Fprintf(&b, "Target: %s\n", outcomeTarget(o))
	if o.Language != "" {
		fmt.Fprintf(&b, "Language: %s\n", o.Language)
	}
	fmt.Fprintf(&b, "Time: %s\n", o.Time.Format(time.RFC3339))
	if o.ExitCode != nil {
		fmt.Fprintf(&b, "Exit code: %d\n", *o.ExitCode)
	}
	if o.Truncated {
		fmt.Fprintln(&b, "Output was truncated.")
	}

	if len(o.Error) > 0 {
		fmt.Fprintln(&b)
		fmt.Fprintln(&b, "Error:")
		var buf bytes.Buffer
		if err := json.Indent(&buf, o.Error, "    ", "  "); err == nil {
			fmt.Fprintf(&b, "    %s\n", buf.String())
		} else {
			fmt.Fprintf(&b, "    %s\n", o.ErrorText())
		}
	}
	if o.Status == history.StatusOK {
		writeStream(&b, "stdout", o.Stdout)
		writeStream(&b, "stderr", o.Stderr)
	}
	return b.String()
}
