package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/deixis/gitrun/internal/history"
	"github.com/deixis/gitrun/internal/run"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

type runFlags struct {
	ref       string
	language  string
	stdin     string
	stdinFile string
	timeout   time.Duration
	json      bool
}

func newRunCmd(a *app) *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run <owner/repo> <path>",
		Short: "Run a file from a repository and record the outcome",
		Long: `Run fetches <path> from <owner/repo> and executes it remotely.

Program stdout and stderr are written to the matching streams. Press Ctrl-C
to stop the run; it is recorded as stopped.`,
		Example: `  gitrun run octocat/hello main.py
  gitrun run octocat/hello src/app.js --ref dev --stdin "42"
  echo 42 | gitrun run octocat/hello main.py --stdin-file -`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := parseRunArgs(args, f, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return a.runOnce(cmd, req, f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.ref, "ref", "", "branch, tag or commit (default: main)")
	fl.StringVar(&f.language, "language", "", "runtime language (default: detected from the file extension)")
	fl.StringVar(&f.stdin, "stdin", "", "standard input passed to the program")
	fl.StringVar(&f.stdinFile, "stdin-file", "", `read program input from a file ("-" for standard input)`)
	fl.DurationVar(&f.timeout, "timeout", 0, "override the configured run timeout (e.g. 30s)")
	fl.BoolVar(&f.json, "json", false, "print the recorded outcome as JSON")
	cmd.MarkFlagsMutuallyExclusive("stdin", "stdin-file")
	return cmd
}

func parseRunArgs(args []string, f runFlags, in io.Reader) (run.Request, error) {
	owner, repo, ok := strings.Cut(args[0], "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return run.Request{}, fmt.Errorf("repository must be owner/repo, got %q", args[0])
	}

	stdin := f.stdin
	switch f.stdinFile {
	case "":
	case "-":
		data, err := io.ReadAll(in)
		if err != nil {
			return run.Request{}, fmt.Errorf("reading stdin: %w", err)
		}
		stdin = string(data)
	default:
		data, err := os.ReadFile(f.stdinFile)
		if err != nil {
			return run.Request{}, fmt.Errorf("reading stdin file: %w", err)
		}
		stdin = string(data)
	}

	return run.Request{
		Owner:    owner,
		Repo:     repo,
		Path:     args[1],
		Ref:      f.ref,
		Language: f.language,
		Stdin:    stdin,
	}, nil
}

// runOnce starts req, stops it on interrupt and reports the outcome.
func (a *app) runOnce(cmd *cobra.Command, req run.Request, f runFlags) error {
	mgr := a.newManager(f.timeout)

	r, err := mgr.Begin(cmd.Context(), req)
	if err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)
	go func() {
		select {
		case <-sig:
			mgr.Stop()
		case <-r.Done():
		}
	}()

	o, err := r.Wait()
	if err != nil {
		return err
	}
	snap := mgr.Snapshot()

	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	if f.json {
		if err := writeJSON(stdout, o); err != nil {
			return err
		}
	} else {
		fmt.Fprint(stdout, snap.Stdout)
		fmt.Fprint(stderr, snap.Stderr)
		if snap.Stderr != "" && !strings.HasSuffix(snap.Stderr, "\n") {
			fmt.Fprintln(stderr)
		}
		fmt.Fprintln(stderr, summary(snap, o))
	}
	return exitFor(snap)
}

// summary is the one-line status printed after a run.
func summary(s run.Snapshot, o *history.Outcome) string {
	parts := []string{s.Status.Label()}
	if s.ExitCode != nil {
		parts = append(parts, fmt.Sprintf("exit %d", *s.ExitCode))
	}
	parts = append(parts, s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond).String())
	if o.Truncated {
		parts = append(parts, "output truncated")
	}
	size := len(o.Stdout) + len(o.Stderr)
	if size > 0 {
		parts = append(parts, humanize.Bytes(uint64(size)))
	}
	return fmt.Sprintf("[%s] %s", o.Target(), strings.Join(parts, ", "))
}

// exitFor maps the terminal state to the process exit status.
func exitFor(s run.Snapshot) error {
	switch s.Status {
	case run.Done:
		if s.ExitCode != nil && *s.ExitCode != 0 {
			return &exitError{code: *s.ExitCode}
		}
		return nil
	case run.Stopped:
		return &exitError{code: 130}
	case run.Errored, run.Failed:
		return &exitError{code: 1}
	default:
		return errors.New("run ended in unexpected state " + string(s.Status))
	}
}
