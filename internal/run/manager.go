// Package run owns the lifecycle of the single in-flight remote run:
// starting it, stopping it, classifying its result and recording exactly
// one history entry per run that reaches a terminal state.
package run

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/deixis/gitrun/internal/history"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Messages shown in the stderr panel when a run is cancelled.
const (
	StoppedMessage = "Execution stopped by user."
	AbortedMessage = "Execution aborted by user."
)

// Recorder persists terminal outcomes. Implemented by history.Store.
type Recorder interface {
	Record(o history.Outcome) error
}

// Run is the handle of one started run. Its ID is the correlation token
// used to discard results that arrive after the run stopped being current.
type Run struct {
	id      string
	req     Request
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}

	// Set once by the manager before done is closed.
	outcome *history.Outcome
	err     error // classified failure, nil for ok
	waitErr error // ErrSuperseded
}

// ID returns the run's unique identifier.
func (r *Run) ID() string { return r.id }

// Request returns the normalised request.
func (r *Run) Request() Request { return r.req }

// Done is closed once the run reached a terminal state or was superseded.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run finishes. It returns the recorded outcome, or
// ErrSuperseded if a newer run replaced this one first.
func (r *Run) Wait() (*history.Outcome, error) {
	<-r.done
	return r.outcome, r.waitErr
}

// Err returns the classified failure once Done is closed: an
// *ApplicationError, a *TransportError, context.Canceled for a stopped
// run, or nil.
func (r *Run) Err() error {
	<-r.done
	return r.err
}

// Manager runs at most one request at a time. Starting a run cancels and
// discards any live one; stopping records a "stopped" outcome immediately.
//
// Lock order is recMu then mu. History listeners run while recMu is held
// and must not call Stop synchronously. Session listeners are called one at
// a time in transition order and must not call Begin or Stop synchronously.
type Manager struct {
	exec      Executor
	rec       Recorder
	logger    *zap.Logger
	timeout   time.Duration
	maxOutput int
	now       func() time.Time
	newID     func() string

	recMu sync.Mutex // serialises history writes in transition order

	mu        sync.Mutex
	current   *Run
	snap      Snapshot
	seq       uint64
	listeners []func(Snapshot)

	notifyMu  sync.Mutex
	delivered uint64 // Seq of the last snapshot handed to listeners
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithTimeout bounds each run. Zero means no bound beyond the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithMaxOutput caps stdout and stderr kept in outcomes, in bytes.
// Zero means unlimited.
func WithMaxOutput(n int) Option {
	return func(m *Manager) { m.maxOutput = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager that issues runs through exec and records
// outcomes to rec.
func NewManager(exec Executor, rec Recorder, opts ...Option) *Manager {
	m := &Manager{
		exec:   exec,
		rec:    rec,
		logger: zap.NewNop(),
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
		snap:   Snapshot{Status: Idle},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Begin validates req, supersedes any live run and issues req in the
// background. It returns as soon as the session is running.
func (m *Manager) Begin(ctx context.Context, req Request) (*Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	req = req.normalized()

	var rctx context.Context
	var cancel context.CancelFunc
	if m.timeout > 0 {
		rctx, cancel = context.WithTimeout(ctx, m.timeout)
	} else {
		rctx, cancel = context.WithCancel(ctx)
	}
	r := &Run{
		id:      m.newID(),
		req:     req,
		started: m.now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	prev := m.current
	if prev != nil {
		prev.cancel()
		prev.waitErr = ErrSuperseded
		prev.err = ErrSuperseded
	}
	m.current = r
	m.setSnapshotLocked(Snapshot{
		Status:    Running,
		RunID:     r.id,
		Request:   &r.req,
		StartedAt: r.started,
	})
	snap, listeners := m.snap, m.listeners
	m.mu.Unlock()

	if prev != nil {
		m.logger.Info("run superseded", zap.String("run_id", prev.id), zap.String("by", r.id))
		close(prev.done)
	}
	m.logger.Info("run started",
		zap.String("run_id", r.id),
		zap.String("target", fmt.Sprintf("%s/%s:%s@%s", req.Owner, req.Repo, req.Path, req.Ref)),
	)
	m.notify(listeners, snap)

	go m.execute(rctx, r)
	return r, nil
}

// Start is Begin followed by Wait.
func (m *Manager) Start(ctx context.Context, req Request) (*history.Outcome, error) {
	r, err := m.Begin(ctx, req)
	if err != nil {
		return nil, err
	}
	return r.Wait()
}

// Stop cancels the live run and records it as stopped without waiting for
// the remote call to unwind. It reports whether a run was live.
func (m *Manager) Stop() bool {
	m.recMu.Lock()
	m.mu.Lock()
	r := m.current
	if r == nil {
		m.mu.Unlock()
		m.recMu.Unlock()
		return false
	}
	r.cancel()
	m.current = nil

	o := m.outcome(r, history.StatusStopped)
	r.outcome, r.err = &o, context.Canceled
	m.setSnapshotLocked(Snapshot{
		Status:     Stopped,
		RunID:      r.id,
		Request:    &r.req,
		Stderr:     StoppedMessage,
		StartedAt:  r.started,
		FinishedAt: o.Time,
	})
	snap, listeners := m.snap, m.listeners
	m.mu.Unlock()

	m.logger.Info("run stopped", zap.String("run_id", r.id))
	m.record(o)
	m.recMu.Unlock()

	close(r.done)
	m.notify(listeners, snap)
	return true
}

// Snapshot returns the current session state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// Current returns the live run, or nil.
func (m *Manager) Current() *Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Subscribe registers fn to be called after session transitions. A
// transition that was overtaken by a newer one before its listeners ran is
// not delivered, so the last snapshot fn sees is always the current one.
func (m *Manager) Subscribe(fn func(Snapshot)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *Manager) execute(ctx context.Context, r *Run) {
	resp, err := m.exec.Execute(ctx, r.req)

	m.recMu.Lock()
	m.mu.Lock()
	if m.current != r {
		m.mu.Unlock()
		m.recMu.Unlock()
		m.logger.Debug("discarding result of inactive run", zap.String("run_id", r.id))
		return
	}
	m.current = nil
	r.cancel()

	o, snap := m.classify(ctx, r, resp, err)
	r.outcome = &o
	m.setSnapshotLocked(snap)
	snap, listeners := m.snap, m.listeners
	m.mu.Unlock()

	m.logger.Info("run finished",
		zap.String("run_id", r.id),
		zap.String("status", string(snap.Status)),
		zap.Duration("duration", snap.FinishedAt.Sub(r.started)),
	)
	m.record(o)
	m.recMu.Unlock()

	close(r.done)
	m.notify(listeners, snap)
}

// classify turns the executor's reply into an outcome and a terminal
// snapshot. It also sets r.err. Must hold mu.
func (m *Manager) classify(ctx context.Context, r *Run, resp *Response, err error) (history.Outcome, Snapshot) {
	snap := Snapshot{RunID: r.id, Request: &r.req, StartedAt: r.started}

	switch {
	case err != nil && errors.Is(err, context.Canceled):
		r.err = context.Canceled
		o := m.outcome(r, history.StatusStopped)
		snap.Status, snap.Stderr, snap.FinishedAt = Stopped, AbortedMessage, o.Time
		return o, snap

	case err != nil || resp == nil:
		if err == nil {
			err = errors.New("empty response from execution service")
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil && m.timeout > 0 {
			err = fmt.Errorf("run timed out after %s: %w", m.timeout, err)
		}
		r.err = &TransportError{Err: err}
		o := m.outcome(r, history.StatusError)
		o.Error = history.StringError(err.Error())
		snap.Status, snap.Stderr, snap.Error, snap.FinishedAt = Failed, err.Error(), o.Error, o.Time
		return o, snap

	case resp.Failed():
		r.err = &ApplicationError{Payload: resp.Error}
		o := m.outcome(r, history.StatusError)
		o.Error = resp.Error
		snap.Status, snap.Stderr, snap.Error, snap.FinishedAt = Errored, indentJSON(resp.Error), resp.Error, o.Time
		return o, snap

	default:
		o := m.outcome(r, history.StatusOK)
		var cutOut, cutErr bool
		o.Stdout, cutOut = capOutput(resp.Stdout, m.maxOutput)
		o.Stderr, cutErr = capOutput(resp.Stderr, m.maxOutput)
		o.ExitCode = resp.ExitCode
		o.Truncated = cutOut || cutErr
		snap.Status, snap.FinishedAt = Done, o.Time
		snap.Stdout, snap.Stderr, snap.ExitCode = o.Stdout, o.Stderr, o.ExitCode
		return o, snap
	}
}

func (m *Manager) outcome(r *Run, status history.Status) history.Outcome {
	return history.Outcome{
		ID:       r.id,
		Owner:    r.req.Owner,
		Repo:     r.req.Repo,
		Path:     r.req.Path,
		Ref:      r.req.Ref,
		Language: r.req.Language,
		Status:   status,
		Time:     m.now(),
	}
}

// record writes o to history. A persistence failure is logged; the
// session transition has already happened.
func (m *Manager) record(o history.Outcome) {
	if m.rec == nil {
		return
	}
	if err := m.rec.Record(o); err != nil {
		m.logger.Error("recording outcome failed", zap.String("run_id", o.ID), zap.Error(err))
	}
}

// setSnapshotLocked installs snap as the session state under a new
// sequence number. Must hold mu.
func (m *Manager) setSnapshotLocked(snap Snapshot) {
	m.seq++
	snap.Seq = m.seq
	m.snap = snap
}

func (m *Manager) notify(listeners []func(Snapshot), snap Snapshot) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	if snap.Seq <= m.delivered {
		m.logger.Debug("skipping overtaken session transition",
			zap.String("run_id", snap.RunID),
			zap.String("status", string(snap.Status)),
		)
		return
	}
	m.delivered = snap.Seq
	for _, fn := range listeners {
		fn(snap)
	}
}

// capOutput truncates s to at most limit bytes on a rune boundary.
func capOutput(s string, limit int) (string, bool) {
	if limit <= 0 || len(s) <= limit {
		return s, false
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}

func indentJSON(v json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, v, "", "  "); err != nil {
		return string(v)
	}
	return buf.String()
}
