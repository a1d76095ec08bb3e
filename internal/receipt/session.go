package receipt

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrRunInProgress is returned when a run is started while another is normalizing or extracting
	ErrRunInProgress = errors.New("a run is already in progress")
	// ErrEntryNotFound is returned when no entry has the given id
	ErrEntryNotFound = errors.New("entry not found")
	// ErrReceiptNotFound is returned when no record has the given id
	ErrReceiptNotFound = errors.New("receipt not found")

	errStaleRun = errors.New("run was reset")
)

// State is the lifecycle stage of the session's run
type State string

const (
	StateIdle        State = "idle"
	StateNormalizing State = "normalizing"
	StateExtracting  State = "extracting"
	StateSuccess     State = "success"
	StateError       State = "error"
	StateEmpty       State = "empty"
)

// Active reports whether a run is still working
func (s State) Active() bool {
	return s == StateNormalizing || s == StateExtracting
}

// Snapshot is a point-in-time copy of the session
type Snapshot struct {
	RunID    string         `json:"runId"`
	State    State          `json:"state"`
	Status   string         `json:"status"`
	Error    string         `json:"error,omitempty"`
	Skipped  []string       `json:"skipped"`
	Receipts []Record       `json:"receipts"`
	Entries  []JournalEntry `json:"entries"`
}

// Session holds the records and entries of the current review.
// Records and entries always have the same id set.
type Session struct {
	mu         sync.RWMutex
	generation uint64
	cancel     context.CancelFunc

	runID   string
	state   State
	status  string
	errMsg  string
	skipped []string

	records   []Record
	entries   []JournalEntry
	recordIdx map[string]int
	entryIdx  map[string]int
}

// NewSession returns an idle, empty session
func NewSession() *Session {
	return &Session{
		state:     StateIdle,
		recordIdx: make(map[string]int),
		entryIdx:  make(map[string]int),
	}
}

// begin clears the previous results and moves to normalizing. It returns the run's generation.
func (s *Session) begin(runID string, cancel context.CancelFunc) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Active() {
		return 0, ErrRunInProgress
	}

	s.generation++
	s.cancel = cancel
	s.runID = runID
	s.state = StateNormalizing
	s.status = ""
	s.errMsg = ""
	s.skipped = nil
	s.clearLocked()
	return s.generation, nil
}

func (s *Session) clearLocked() {
	s.records = nil
	s.entries = nil
	s.recordIdx = make(map[string]int)
	s.entryIdx = make(map[string]int)
}

// transition sets state and status for the run of generation gen
func (s *Session) transition(gen uint64, state State, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return errStaleRun
	}
	s.state = state
	s.status = status
	return nil
}

// setStatus updates the status line without changing state
func (s *Session) setStatus(gen uint64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return errStaleRun
	}
	s.status = status
	return nil
}

func (s *Session) setSkipped(gen uint64, skipped []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return errStaleRun
	}
	s.skipped = append([]string(nil), skipped...)
	return nil
}

// fail records a terminal error. Results appended so far stay visible.
func (s *Session) fail(gen uint64, status, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return errStaleRun
	}
	s.state = StateError
	s.status = status
	s.errMsg = message
	return nil
}

// appendBatch makes one batch's records and entries visible in a single step
func (s *Session) appendBatch(gen uint64, records []Record, entries []JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation {
		return errStaleRun
	}
	return s.appendLocked(records, entries)
}

func (s *Session) appendLocked(records []Record, entries []JournalEntry) error {
	if len(records) != len(entries) {
		return fmt.Errorf("batch has %d records but %d entries", len(records), len(entries))
	}

	ids := make(map[string]bool, len(records))
	for _, r := range records {
		if ids[r.ID] {
			return fmt.Errorf("duplicate record id in batch: %s", r.ID)
		}
		if _, ok := s.recordIdx[r.ID]; ok {
			return fmt.Errorf("record id already in session: %s", r.ID)
		}
		ids[r.ID] = true
	}
	for _, e := range entries {
		if !ids[e.ID] {
			return fmt.Errorf("entry %s has no matching record", e.ID)
		}
		delete(ids, e.ID)
	}

	for _, r := range records {
		s.recordIdx[r.ID] = len(s.records)
		s.records = append(s.records, r)
	}
	for _, e := range entries {
		s.entryIdx[e.ID] = len(s.entries)
		s.entries = append(s.entries, e)
	}
	return nil
}

// hasRecord reports whether id is already used
func (s *Session) hasRecord(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.recordIdx[id]
	return ok
}

// Record returns the record with the given id
func (s *Session) Record(id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.recordIdx[id]
	if !ok {
		return Record{}, ErrReceiptNotFound
	}
	return s.records[i], nil
}

// JournalEntry returns the entry with the given id
func (s *Session) Entry(id string) (JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.entryIdx[id]
	if !ok {
		return JournalEntry{}, ErrEntryNotFound
	}
	return s.entries[i], nil
}

// replaceEntry swaps in an edited entry with a matching id
func (s *Session) replaceEntry(e JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.entryIdx[e.ID]
	if !ok {
		return ErrEntryNotFound
	}
	s.entries[i] = e
	return nil
}

// Reset discards everything, cancels a running extraction and returns to idle
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.generation++
	s.runID = ""
	s.state = StateIdle
	s.status = ""
	s.errMsg = ""
	s.skipped = nil
	s.clearLocked()
}

// cancelRun stops the running extraction without discarding the session
func (s *Session) cancelRun() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// restore loads a persisted session. A run that was active when stored is marked as failed.
// The session is left untouched when the stored records and entries do not match.
func (s *Session) restore(stored *StoredSession, interrupted string) error {
	loaded := NewSession()
	if err := loaded.appendLocked(stored.Records, stored.Entries); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation++
	s.runID = stored.Meta.RunID
	s.state = State(stored.Meta.State)
	if s.state == "" {
		s.state = StateIdle
	}
	s.status = stored.Meta.Status
	s.errMsg = stored.Meta.Error
	s.skipped = stored.Meta.Skipped
	if s.state.Active() {
		s.state = StateError
		s.errMsg = interrupted
	}
	s.records, s.recordIdx = loaded.records, loaded.recordIdx
	s.entries, s.entryIdx = loaded.entries, loaded.entryIdx
	return nil
}

// Snapshot returns a copy of the session safe to use without locking
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Snapshot{
		RunID:    s.runID,
		State:    s.state,
		Status:   s.status,
		Error:    s.errMsg,
		Skipped:  append([]string{}, s.skipped...),
		Receipts: append([]Record{}, s.records...),
		Entries:  append([]JournalEntry{}, s.entries...),
	}
}

// meta returns the run metadata for persistence, or false if gen is no longer current
func (s *Session) meta(gen uint64) (RunMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if gen != s.generation {
		return RunMeta{}, false
	}
	return RunMeta{
		RunID:   s.runID,
		State:   string(s.state),
		Status:  s.status,
		Error:   s.errMsg,
		Skipped: append([]string{}, s.skipped...),
	}, true
}
