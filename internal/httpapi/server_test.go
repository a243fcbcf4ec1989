package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/deixis/gitrun/internal/history"
	"github.com/deixis/gitrun/internal/run"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	srv     *Server
	mgr     *run.Manager
	store   *history.Store
	release chan struct{}
}

// newFixture wires a server to an executor that answers "hi\n" once
// release is closed, or returns the context error when cancelled.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{release: make(chan struct{})}
	exec := run.ExecutorFunc(func(ctx context.Context, req run.Request) (*run.Response, error) {
		select {
		case <-f.release:
			return &run.Response{Stdout: "hi\n"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	f.store = history.Open(history.NewMemorySlot(nil))
	f.mgr = run.NewManager(exec, f.store)
	f.srv = New(f.mgr, f.store, nil)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	h := decode[healthResponse](t, w)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "idle", h.Session)
	assert.Equal(t, 0, h.History)
}

func TestStartRun_ThenComplete(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/runs", `{"owner":"a","repo":"b","path":"x.py","stdin":""}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	started := decode[startResponse](t, w)
	assert.NotEmpty(t, started.RunID)
	assert.Equal(t, run.Running, started.Status)
	assert.Equal(t, "main", started.Request.Ref)

	snap := decode[run.Snapshot](t, f.do(t, http.MethodGet, "/api/session", ""))
	assert.Equal(t, run.Running, snap.Status)
	assert.Equal(t, started.RunID, snap.RunID)

	close(f.release)
	require.Eventually(t, func() bool { return f.store.Len() == 1 }, 2*time.Second, time.Millisecond)

	snap = decode[run.Snapshot](t, f.do(t, http.MethodGet, "/api/session", ""))
	assert.Equal(t, run.Done, snap.Status)
	assert.Equal(t, "hi\n", snap.Stdout)

	o := decode[history.Outcome](t, f.do(t, http.MethodGet, "/api/history/0", ""))
	assert.Equal(t, started.RunID, o.ID)
	assert.Equal(t, history.StatusOK, o.Status)
	assert.Equal(t, "hi\n", o.Stdout)
}

func TestStartRun_Validation(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/runs", `{"owner":"a","repo":"","path":""}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Missing repo/path", decode[errorResponse](t, w).Error)

	w = f.do(t, http.MethodPost, "/api/runs", `{not json`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode[errorResponse](t, w).Error, "invalid JSON body")

	assert.Equal(t, run.Idle, f.mgr.Snapshot().Status)
	assert.Equal(t, 0, f.store.Len())
}

func TestStopRun(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/runs/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[stopResponse](t, w).Stopped)

	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/runs", `{"owner":"a","repo":"b","path":"x.py"}`).Code)

	w = f.do(t, http.MethodPost, "/api/runs/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[stopResponse](t, w)
	assert.True(t, resp.Stopped)
	assert.Equal(t, run.Stopped, resp.Session.Status)
	assert.Equal(t, run.StoppedMessage, resp.Session.Stderr)

	require.Equal(t, 1, f.store.Len())
	o, _ := f.store.Get(0)
	assert.Equal(t, history.StatusStopped, o.Status)
}

func TestHistory_ListGetClear(t *testing.T) {
	f := newFixture(t)

	list := decode[historyResponse](t, f.do(t, http.MethodGet, "/api/history", ""))
	assert.Equal(t, 100, list.Capacity)
	assert.NotNil(t, list.Entries)
	assert.Empty(t, list.Entries)

	for _, p := range []string{"one.py", "two.py"} {
		require.NoError(t, f.store.Record(history.Outcome{Owner: "a", Repo: "b", Path: p, Status: history.StatusOK, Time: time.Now()}))
	}

	list = decode[historyResponse](t, f.do(t, http.MethodGet, "/api/history", ""))
	require.Len(t, list.Entries, 2)
	assert.Equal(t, "two.py", list.Entries[0].Path)

	w := f.do(t, http.MethodGet, "/api/history/2", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "no history entry at index 2", decode[errorResponse](t, w).Error)

	w = f.do(t, http.MethodGet, "/api/history/first", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodDelete, "/api/history", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 0, f.store.Len())
}

func TestMCPMount(t *testing.T) {
	store := history.Open(history.NewMemorySlot(nil))
	mgr := run.NewManager(run.ExecutorFunc(func(ctx context.Context, req run.Request) (*run.Response, error) {
		return &run.Response{}, nil
	}), store)

	var hit bool
	srv := New(mgr, store, nil, WithMCPHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
		w.WriteHeader(http.StatusTeapot)
	})))

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader("{}")))
	assert.True(t, hit)
	assert.Equal(t, http.StatusTeapot, w.Code)

	w = httptest.NewRecorder()
	New(mgr, store, nil).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/mcp", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMCPMount_Flushes(t *testing.T) {
	store := history.Open(history.NewMemorySlot(nil))
	mgr := run.NewManager(run.ExecutorFunc(func(ctx context.Context, req run.Request) (*run.Response, error) {
		return &run.Response{}, nil
	}), store)

	flushable := make(chan bool, 1)
	srv := httptest.NewServer(New(mgr, store, nil, WithMCPHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, ok := w.(http.Flusher)
		flushable <- ok
		if ok {
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			f.Flush()
		}
	}))))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/mcp")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.True(t, <-flushable, "/mcp handler must see an http.Flusher")
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
}

type sseEvent struct {
	name string
	data string
}

// readEvents parses the SSE stream in body onto the returned channel.
// Comments are skipped.
func readEvents(body io.Reader) <-chan sseEvent {
	out := make(chan sseEvent, 64)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(body)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		var ev sseEvent
		for sc.Scan() {
			line := sc.Text()
			switch {
			case line == "":
				if ev.name != "" {
					out <- ev
				}
				ev = sseEvent{}
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			}
		}
	}()
	return out
}

// waitEvent returns the first event named name for which match holds.
func waitEvent[T any](t *testing.T, events <-chan sseEvent, name string, match func(T) bool) T {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "event stream closed while waiting for %q", name)
			if ev.name != name {
				continue
			}
			var v T
			require.NoError(t, json.Unmarshal([]byte(ev.data), &v), "data: %s", ev.data)
			if match(v) {
				return v
			}
		case <-timeout:
			t.Fatalf("no matching %q event", name)
		}
	}
}

func TestEvents(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.srv)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	events := readEvents(resp.Body)

	waitEvent(t, events, eventSession, func(s run.Snapshot) bool { return s.Status == run.Idle })
	waitEvent(t, events, eventHistory, func(h historyResponse) bool { return len(h.Entries) == 0 })

	started, err := http.Post(srv.URL+"/api/runs", "application/json", strings.NewReader(`{"owner":"a","repo":"b","path":"x.py"}`))
	require.NoError(t, err)
	_ = started.Body.Close()
	require.Equal(t, http.StatusAccepted, started.StatusCode)

	running := waitEvent(t, events, eventSession, func(s run.Snapshot) bool { return s.Status == run.Running })
	close(f.release)

	done := waitEvent(t, events, eventSession, func(s run.Snapshot) bool { return s.Status == run.Done })
	assert.Equal(t, running.RunID, done.RunID)
	assert.Greater(t, done.Seq, running.Seq)
	assert.Equal(t, "hi\n", done.Stdout)

	h := waitEvent(t, events, eventHistory, func(h historyResponse) bool { return len(h.Entries) == 1 })
	assert.Equal(t, running.RunID, h.Entries[0].ID)
	assert.Equal(t, 100, h.Capacity)

	require.NoError(t, f.store.Clear())
	waitEvent(t, events, eventHistory, func(h historyResponse) bool { return len(h.Entries) == 0 })
}

func TestEventHub_CoalescesPending(t *testing.T) {
	hub := newEventHub()
	sub := hub.subscribe()

	hub.publish(eventSession)
	hub.publish(eventSession)
	hub.publish(eventHistory)

	<-sub.wake
	session, hist := sub.take()
	assert.True(t, session)
	assert.True(t, hist)
	assert.Len(t, sub.wake, 0)

	hub.unsubscribe(sub)
	hub.publish(eventSession)
	assert.Len(t, sub.wake, 0)
	session, hist = sub.take()
	assert.False(t, session)
	assert.False(t, hist)
}
