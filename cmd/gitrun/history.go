package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/deixis/gitrun/internal/history"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newHistoryCmd(a *app) *cobra.Command {
	var asJSON bool
	var limit int

	list := func(cmd *cobra.Command, args []string) error {
		entries := a.store.List()
		if limit > 0 && len(entries) > limit {
			entries = entries[:limit]
		}
		if asJSON {
			if entries == nil {
				entries = []history.Outcome{}
			}
			return writeJSON(cmd.OutOrStdout(), entries)
		}
		printHistory(cmd.OutOrStdout(), entries, a.store.Len(), a.store.Cap())
		return nil
	}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past runs, newest first",
		Args:  cobra.NoArgs,
		RunE:  list,
	}
	cmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print JSON")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List past runs, newest first",
		Args:  cobra.NoArgs,
		RunE:  list,
	}
	for _, c := range []*cobra.Command{cmd, listCmd} {
		c.Flags().IntVarP(&limit, "limit", "n", 0, "show at most n entries")
	}

	showCmd := &cobra.Command{
		Use:   "show <index>",
		Short: "Show one past run; index 0 is the newest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("index must be an integer, got %q", args[0])
			}
			o, ok := a.store.Get(idx)
			if !ok {
				return fmt.Errorf("no history entry at index %d (history has %d entries)", idx, a.store.Len())
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), o)
			}
			printOutcome(cmd.OutOrStdout(), o)
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every history entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n := a.store.Len()
			if err := a.store.Clear(); err != nil {
				return fmt.Errorf("clearing history: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d %s.\n", n, plural(n, "entry", "entries"))
			return nil
		},
	}

	cmd.AddCommand(listCmd, showCmd, clearCmd)
	return cmd
}

func printHistory(w io.Writer, entries []history.Outcome, total, capacity int) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tWHEN\tSTATUS\tTARGET\tREF\tOUTPUT")
	for i, o := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			i,
			humanize.Time(o.Time),
			o.Status,
			o.Target(),
			dash(o.Ref),
			outputSize(o),
		)
	}
	_ = tw.Flush()
	if len(entries) < total {
		fmt.Fprintf(w, "\n(%d of %d shown, capacity %d)\n", len(entries), total, capacity)
	}
}

func printOutcome(w io.Writer, o history.Outcome) {
	fmt.Fprintf(w, "Target:   %s\n", o.Target())
	fmt.Fprintf(w, "Ref:      %s\n", dash(o.Ref))
	if o.Language != "" {
		fmt.Fprintf(w, "Language: %s\n", o.Language)
	}
	fmt.Fprintf(w, "Status:   %s\n", o.Status)
	fmt.Fprintf(w, "When:     %s (%s)\n", o.Time.Local().Format("2006-01-02 15:04:05"), humanize.Time(o.Time))
	if o.ExitCode != nil {
		fmt.Fprintf(w, "Exit:     %d\n", *o.ExitCode)
	}
	if o.ID != "" {
		fmt.Fprintf(w, "Run:      %s\n", o.ID)
	}
	if o.Truncated {
		fmt.Fprintln(w, "Output was truncated.")
	}

	if len(o.Error) > 0 {
		fmt.Fprintln(w, "\n--- error ---")
		var buf bytes.Buffer
		if err := json.Indent(&buf, o.Error, "", "  "); err == nil {
			fmt.Fprintln(w, buf.String())
		} else {
			fmt.Fprintln(w, o.ErrorText())
		}
	}
	if o.Stdout != "" {
		fmt.Fprintln(w, "\n--- stdout ---")
		fmt.Fprint(w, withNewline(o.Stdout))
	}
	if o.Stderr != "" {
		fmt.Fprintln(w, "\n--- stderr ---")
		fmt.Fprint(w, withNewline(o.Stderr))
	}
}

func outputSize(o history.Outcome) string {
	n := len(o.Stdout) + len(o.Stderr)
	if n == 0 {
		return "-"
	}
	return humanize.Bytes(uint64(n))
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func withNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
