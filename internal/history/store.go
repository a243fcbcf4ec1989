package history

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// DefaultCapacity is the number of outcomes kept when none is configured.
const DefaultCapacity = 100

// Store is the bounded run log. The newest outcome is at index 0; once the
// log is full, recording evicts the oldest entry. Every mutation rewrites
// the whole log to the slot.
type Store struct {
	mu        sync.Mutex
	slot      Slot
	cap       int
	entries   []Outcome
	listeners []func([]Outcome)
	logger    *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithCapacity sets the maximum number of outcomes kept. Values below 1
// are raised to 1.
func WithCapacity(n int) Option {
	return func(s *Store) {
		if n < 1 {
			n = 1
		}
		s.cap = n
	}
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open creates a Store over slot and loads the persisted log. A missing or
// unreadable log yields an empty Store; Open never fails.
func Open(slot Slot, opts ...Option) *Store {
	s := &Store{
		slot:   slot,
		cap:    DefaultCapacity,
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	s.entries = s.load()
	return s
}

// Load re-reads the persisted log, replacing the in-memory copy, and
// returns it.
func (s *Store) Load() []Outcome {
	entries := s.load()
	s.mu.Lock()
	s.entries = entries
	out := s.snapshotLocked()
	s.mu.Unlock()
	return out
}

func (s *Store) load() []Outcome {
	data, err := s.slot.Read()
	if err != nil {
		s.logger.Warn("history unreadable, starting empty", zap.Error(err))
		return nil
	}
	if len(data) == 0 {
		return nil
	}
	var entries []Outcome
	if err := json.Unmarshal(data, &entries); err != nil {
		s.logger.Warn("history corrupt, starting empty", zap.Error(err))
		return nil
	}
	if len(entries) > s.cap {
		entries = entries[:s.cap]
	}
	return entries
}

// Record prepends o, evicts beyond capacity, persists the log and notifies
// listeners. The in-memory log is updated even when persisting fails.
func (s *Store) Record(o Outcome) error {
	s.mu.Lock()
	entries := make([]Outcome, 0, min(len(s.entries)+1, s.cap))
	entries = append(entries, o)
	entries = append(entries, s.entries...)
	if len(entries) > s.cap {
		entries = entries[:s.cap]
	}
	s.entries = entries
	err := s.persistLocked()
	snap, listeners := s.snapshotLocked(), s.listeners
	s.mu.Unlock()

	s.notify(listeners, snap)
	if err != nil {
		return fmt.Errorf("recording outcome: %w", err)
	}
	return nil
}

// Clear empties the log, persists the empty state and notifies listeners.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.entries = nil
	err := s.persistLocked()
	listeners := s.listeners
	s.mu.Unlock()

	s.notify(listeners, []Outcome{})
	if err != nil {
		return fmt.Errorf("clearing history: %w", err)
	}
	return nil
}

// Get returns the outcome at index, newest first.
func (s *Store) Get(index int) (Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.entries) {
		return Outcome{}, false
	}
	return s.entries[index], true
}

// List returns a copy of the log, newest first.
func (s *Store) List() []Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Len returns the number of outcomes in the log.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Cap returns the log capacity.
func (s *Store) Cap() int {
	return s.cap
}

// OnChange registers fn to be called with the new log after every Record
// and Clear. fn must not call back into the Store synchronously while
// holding its own locks.
func (s *Store) OnChange(fn func([]Outcome)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Store) persistLocked() error {
	entries := s.entries
	if entries == nil {
		entries = []Outcome{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshalling history: %w", err)
	}
	if err := s.slot.Write(data); err != nil {
		s.logger.Error("persisting history failed", zap.Error(err))
		return err
	}
	return nil
}

func (s *Store) snapshotLocked() []Outcome {
	out := make([]Outcome, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *Store) notify(listeners []func([]Outcome), snap []Outcome) {
	for _, fn := range listeners {
		fn(snap)
	}
}
