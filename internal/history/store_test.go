package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func outcome(i int) Outcome {
	return Outcome{
		ID:     fmt.Sprintf("run-%d", i),
		Owner:  "a",
		Repo:   "b",
		Path:   fmt.Sprintf("f%d.py", i),
		Status: StatusOK,
		Time:   time.Unix(int64(1700000000+i), 0).UTC(),
	}
}

func TestRecord_NewestFirst(t *testing.T) {
	s := Open(NewMemorySlot(nil))
	for i := 0; i < 3; i++ {
		if err := s.Record(outcome(i)); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	got := s.List()
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []string{"run-2", "run-1", "run-0"} {
		if got[i].ID != want {
			t.Errorf("List()[%d].ID = %q, want %q", i, got[i].ID, want)
		}
	}
}

func TestRecord_EvictsOldestAtCapacity(t *testing.T) {
	s := Open(NewMemorySlot(nil))
	for i := 0; i < DefaultCapacity; i++ {
		if err := s.Record(outcome(i)); err != nil {
			t.Fatal(err)
		}
	}
	if s.Len() != DefaultCapacity {
		t.Fatalf("Len() = %d, want %d", s.Len(), DefaultCapacity)
	}

	if err := s.Record(outcome(DefaultCapacity)); err != nil {
		t.Fatal(err)
	}
	if s.Len() != DefaultCapacity {
		t.Errorf("Len() = %d after overflow, want %d", s.Len(), DefaultCapacity)
	}
	first, _ := s.Get(0)
	if first.ID != fmt.Sprintf("run-%d", DefaultCapacity) {
		t.Errorf("Get(0).ID = %q, want newest", first.ID)
	}
	last, _ := s.Get(DefaultCapacity - 1)
	if last.ID != "run-1" {
		t.Errorf("Get(last).ID = %q, want run-1 (run-0 evicted)", last.ID)
	}
}

func TestRecord_CustomCapacity(t *testing.T) {
	s := Open(NewMemorySlot(nil), WithCapacity(2))
	for i := 0; i < 5; i++ {
		_ = s.Record(outcome(i))
	}
	if s.Len() != 2 || s.Cap() != 2 {
		t.Fatalf("Len() = %d, Cap() = %d, want 2/2", s.Len(), s.Cap())
	}
	if o, _ := s.Get(1); o.ID != "run-3" {
		t.Errorf("Get(1).ID = %q, want run-3", o.ID)
	}
	if Open(NewMemorySlot(nil), WithCapacity(0)).Cap() != 1 {
		t.Error("capacity below 1 not raised to 1")
	}
}

func TestRecord_PersistsWholeLog(t *testing.T) {
	slot := NewMemorySlot(nil)
	s := Open(slot)
	_ = s.Record(outcome(1))
	_ = s.Record(outcome(2))

	data, _ := slot.Read()
	var persisted []Outcome
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatalf("persisted log is not JSON: %v", err)
	}
	if len(persisted) != 2 || persisted[0].ID != "run-2" {
		t.Errorf("persisted = %+v", persisted)
	}

	reopened := Open(slot)
	if reopened.Len() != 2 {
		t.Errorf("reopened Len() = %d, want 2", reopened.Len())
	}
}

func TestRecord_PersistsEmptyStreams(t *testing.T) {
	slot := NewMemorySlot(nil)
	s := Open(slot)
	o := outcome(1)
	o.Stdout = "hi\n"
	_ = s.Record(o)

	data, _ := slot.Read()
	var raw []map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("persisted log is not JSON: %v", err)
	}
	if len(raw) != 1 {
		t.Fatalf("persisted %d entries, want 1", len(raw))
	}
	if got, ok := raw[0]["stderr"]; !ok || got != "" {
		t.Errorf(`persisted stderr = %v (present %v), want ""`, got, ok)
	}
	if got := raw[0]["stdout"]; got != "hi\n" {
		t.Errorf("persisted stdout = %v, want %q", got, "hi\n")
	}
}

func TestOpen_MissingOrCorrupt(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"missing", nil},
		{"empty", []byte{}},
		{"garbage", []byte("{not json")},
		{"wrong shape", []byte(`{"owner":"a"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Open(NewMemorySlot(tt.data))
			if s.Len() != 0 {
				t.Errorf("Len() = %d, want 0", s.Len())
			}
			if got := s.Load(); len(got) != 0 {
				t.Errorf("Load() = %v, want empty", got)
			}
		})
	}
}

type failingSlot struct{ readErr, writeErr error }

func (f failingSlot) Read() ([]byte, error) { return nil, f.readErr }
func (f failingSlot) Write([]byte) error    { return f.writeErr }

func TestOpen_ReadError(t *testing.T) {
	s := Open(failingSlot{readErr: errors.New("disk on fire")})
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
}

func TestRecord_WriteErrorKeepsMemory(t *testing.T) {
	s := Open(failingSlot{writeErr: errors.New("read-only")})
	err := s.Record(outcome(1))
	if err == nil {
		t.Fatal("expected error")
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestOpen_TruncatesOversizedLog(t *testing.T) {
	var entries []Outcome
	for i := 0; i < 10; i++ {
		entries = append(entries, outcome(i))
	}
	data, _ := json.Marshal(entries)
	s := Open(NewMemorySlot(data), WithCapacity(4))
	if s.Len() != 4 {
		t.Errorf("Len() = %d, want 4", s.Len())
	}
}

func TestClear(t *testing.T) {
	slot := NewMemorySlot(nil)
	s := Open(slot)
	_ = s.Record(outcome(1))

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
	data, _ := slot.Read()
	if string(data) != "[]" {
		t.Errorf("persisted = %q, want []", data)
	}
	if got := s.Load(); len(got) != 0 {
		t.Errorf("Load() after Clear = %v", got)
	}
	if Open(slot).Len() != 0 {
		t.Error("reopened store not empty after Clear")
	}
}

func TestGet_OutOfRange(t *testing.T) {
	s := Open(NewMemorySlot(nil))
	_ = s.Record(outcome(1))
	for _, idx := range []int{-1, 1, 99} {
		if _, ok := s.Get(idx); ok {
			t.Errorf("Get(%d) ok = true, want false", idx)
		}
	}
	if o, ok := s.Get(0); !ok || o.ID != "run-1" {
		t.Errorf("Get(0) = %+v, %v", o, ok)
	}
}

func TestOnChange(t *testing.T) {
	s := Open(NewMemorySlot(nil))
	var calls []int
	s.OnChange(func(log []Outcome) { calls = append(calls, len(log)) })

	_ = s.Record(outcome(1))
	_ = s.Record(outcome(2))
	_ = s.Clear()

	want := []int{1, 2, 0}
	if fmt.Sprint(calls) != fmt.Sprint(want) {
		t.Errorf("listener calls = %v, want %v", calls, want)
	}
}

func TestList_IsCopy(t *testing.T) {
	s := Open(NewMemorySlot(nil))
	_ = s.Record(outcome(1))
	l := s.List()
	l[0].ID = "mutated"
	if o, _ := s.Get(0); o.ID != "run-1" {
		t.Errorf("store mutated through List(): %q", o.ID)
	}
}

func TestFileSlot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.json")
	slot := NewFileSlot(path)

	data, err := slot.Read()
	if err != nil || data != nil {
		t.Fatalf("Read() on missing file = %q, %v", data, err)
	}

	s := Open(slot)
	_ = s.Record(outcome(7))

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("history file not written: %v", err)
	}
	var persisted []Outcome
	if err := json.Unmarshal(raw, &persisted); err != nil || len(persisted) != 1 {
		t.Fatalf("persisted = %s, err = %v", raw, err)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want only the history file", len(entries))
	}

	if Open(NewFileSlot(path)).Len() != 1 {
		t.Error("reopened file store is empty")
	}
}

func TestFileSlot_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	if err := os.WriteFile(path, []byte("[{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if Open(NewFileSlot(path)).Len() != 0 {
		t.Error("corrupt file produced entries")
	}
}

func TestSQLiteSlot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "history.db")
	slot, err := OpenSQLiteSlot(path, "")
	if err != nil {
		t.Fatalf("OpenSQLiteSlot: %v", err)
	}
	t.Cleanup(func() { _ = slot.Close() })

	data, err := slot.Read()
	if err != nil || data != nil {
		t.Fatalf("Read() on empty db = %q, %v", data, err)
	}

	s := Open(slot)
	_ = s.Record(outcome(1))
	_ = s.Record(outcome(2))
	if got := s.Load(); len(got) != 2 || got[0].ID != "run-2" {
		t.Fatalf("Load() = %+v", got)
	}

	if err := s.Clear(); err != nil {
		t.Fatal(err)
	}
	if got := s.Load(); len(got) != 0 {
		t.Errorf("Load() after Clear = %v", got)
	}
}

func TestSQLiteSlot_NamedSlotsAreIndependent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	a, err := OpenSQLiteSlot(path, "a")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if err := a.Write([]byte(`[]`)); err != nil {
		t.Fatal(err)
	}
	if err := a.Write([]byte(`[{"owner":"x"}]`)); err != nil {
		t.Fatal(err)
	}

	b, err := OpenSQLiteSlot(path, "b")
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if data, _ := b.Read(); data != nil {
		t.Errorf("slot b = %q, want nil", data)
	}
	if data, _ := a.Read(); string(data) != `[{"owner":"x"}]` {
		t.Errorf("slot a = %q", data)
	}
}

func TestOutcome_ErrorText(t *testing.T) {
	tests := []struct {
		payload json.RawMessage
		want    string
	}{
		{nil, ""},
		{StringError("dial tcp: refused"), "dial tcp: refused"},
		{json.RawMessage(`{"error":"Execution failed"}`), "Execution failed"},
		{json.RawMessage(`{"code":3}`), `{"code":3}`},
	}
	for _, tt := range tests {
		o := Outcome{Error: tt.payload}
		if got := o.ErrorText(); got != tt.want {
			t.Errorf("ErrorText(%s) = %q, want %q", tt.payload, got, tt.want)
		}
	}
}

func TestOutcome_Target(t *testing.T) {
	o := Outcome{Owner: "a", Repo: "b", Path: "src/x.py"}
	if got := o.Target(); got != "a/b:src/x.py" {
		t.Errorf("Target() = %q", got)
	}
}
