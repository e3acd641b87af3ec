// Package batch persists multi-issue processing sessions. Batch files are
// guarded by a flock sidecar because the orchestrating session and CLI
// inspection commands may touch the same file.
package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
	StatusTimeout   Status = "timeout"
)

var (
	ErrNotFound  = errors.New("batch not found")
	ErrNotActive = errors.New("batch is not active")
	ErrBusy      = errors.New("batch file is locked by another process")
)

type CompletedIssue struct {
	IssueNumber int       `json:"issue"`
	PRNumber    int       `json:"pr"`
	StartedAt   time.Time `json:"startedAt"`
	MergedAt    time.Time `json:"mergedAt"`
}

type State struct {
	ID             string           `json:"batchId"`
	Repository     string           `json:"repository"`
	SessionID      string           `json:"sessionId"`
	Status         Status           `json:"status"`
	Total          int              `json:"totalCount"`
	CompletedCount int              `json:"completedCount"`
	Queue          []int            `json:"queue"`
	Current        int              `json:"currentIssue,omitempty"`
	CurrentPR      int              `json:"currentPr,omitempty"`
	Completed      []CompletedIssue `json:"completed"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// Remaining counts queued issues plus the in-flight one.
func (st *State) Remaining() int {
	n := len(st.Queue)
	if st.Current != 0 {
		n++
	}
	return n
}

type Store struct {
	dir    string
	now    func() time.Time
	logger *slog.Logger

	// Start timestamps are deliberately not persisted; a batch resumed by
	// another process simply loses the duration for the in-flight issue.
	mu         sync.Mutex
	startTimes map[string]time.Time
}

func New(dir string, logger *slog.Logger) *Store {
	return &Store{
		dir:        dir,
		now:        time.Now,
		logger:     logger,
		startTimes: make(map[string]time.Time),
	}
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// withLock runs fn while holding the batch's flock sidecar. The lock attempt
// is bounded so a wedged holder surfaces as ErrBusy instead of a hang.
func (s *Store) withLock(id string, fn func() error) error {
	fl := flock.New(s.path(id) + ".lock")
	for attempt := 0; ; attempt++ {
		ok, err := fl.TryLock()
		if err != nil {
			return fmt.Errorf("lock batch file: %w", err)
		}
		if ok {
			break
		}
		if attempt >= 50 {
			return ErrBusy
		}
		time.Sleep(100 * time.Millisecond)
	}
	defer fl.Unlock()
	return fn()
}

func (s *Store) load(id string) (*State, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read batch: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse batch %s: %w", id, err)
	}
	return &st, nil
}

// save enforces the accounting invariant before anything reaches disk:
// every issue in the batch is completed, queued, or in flight.
func (s *Store) save(st *State) error {
	accounted := st.CompletedCount + len(st.Queue)
	if st.Current != 0 {
		accounted++
	}
	if accounted != st.Total {
		return fmt.Errorf("batch %s accounting mismatch: %d of %d issues accounted for", st.ID, accounted, st.Total)
	}

	st.UpdatedAt = s.now()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".batch-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(st.ID)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace batch: %w", err)
	}
	return nil
}

// Create opens a new active batch over the given issue queue.
func (s *Store) Create(owner, repo, sessionID string, issues []int) (*State, error) {
	st := &State{
		ID:         uuid.NewString(),
		Repository: owner + "/" + repo,
		SessionID:  sessionID,
		Status:     StatusActive,
		Total:      len(issues),
		Queue:      append([]int(nil), issues...),
		Completed:  []CompletedIssue{},
		CreatedAt:  s.now(),
	}
	err := s.withLock(st.ID, func() error {
		return s.save(st)
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) Get(id string) (*State, error) {
	var st *State
	err := s.withLock(id, func() error {
		var loadErr error
		st, loadErr = s.load(id)
		return loadErr
	})
	return st, err
}

// StartNext pops the head of the queue into the in-flight slot and records
// its wall-clock start. Returns (nil, nil) when the queue is empty.
func (s *Store) StartNext(id string) (*State, error) {
	var st *State
	empty := false
	err := s.withLock(id, func() error {
		var loadErr error
		st, loadErr = s.load(id)
		if loadErr != nil {
			return loadErr
		}
		if st.Status != StatusActive {
			return fmt.Errorf("%w: %s", ErrNotActive, st.Status)
		}
		if st.Current != 0 {
			return fmt.Errorf("batch %s already has issue #%d in flight", id, st.Current)
		}
		if len(st.Queue) == 0 {
			empty = true
			return nil
		}
		st.Current = st.Queue[0]
		st.Queue = st.Queue[1:]
		st.CurrentPR = 0
		return s.save(st)
	})
	if err != nil {
		return nil, err
	}
	if empty {
		return nil, nil
	}
	s.mu.Lock()
	s.startTimes[id] = s.now()
	s.mu.Unlock()
	return st, nil
}

// SetPR records the PR opened for the in-flight issue.
func (s *Store) SetPR(id string, prNumber int) (*State, error) {
	var st *State
	err := s.withLock(id, func() error {
		var loadErr error
		st, loadErr = s.load(id)
		if loadErr != nil {
			return loadErr
		}
		if st.Current == 0 {
			return fmt.Errorf("batch %s has no issue in flight", id)
		}
		st.CurrentPR = prNumber
		return s.save(st)
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// CompleteCurrent moves the in-flight issue to completed. When the queue is
// also empty the batch transitions to completed.
func (s *Store) CompleteCurrent(id string) (*State, error) {
	var st *State
	err := s.withLock(id, func() error {
		var loadErr error
		st, loadErr = s.load(id)
		if loadErr != nil {
			return loadErr
		}
		if st.Current == 0 {
			return fmt.Errorf("batch %s has no issue in flight", id)
		}
		if st.CurrentPR == 0 {
			return fmt.Errorf("batch %s issue #%d has no PR recorded", id, st.Current)
		}

		now := s.now()
		s.mu.Lock()
		started := s.startTimes[id]
		delete(s.startTimes, id)
		s.mu.Unlock()

		st.Completed = append(st.Completed, CompletedIssue{
			IssueNumber: st.Current,
			PRNumber:    st.CurrentPR,
			StartedAt:   started,
			MergedAt:    now,
		})
		st.CompletedCount++
		st.Current = 0
		st.CurrentPR = 0
		if len(st.Queue) == 0 {
			st.Status = StatusCompleted
		}
		return s.save(st)
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Abandon terminates the batch. Queue and in-flight issue are left in place
// for inspection.
func (s *Store) Abandon(id string) (*State, error) {
	return s.setStatus(id, StatusAbandoned)
}

// Timeout marks the batch timed out. The in-flight issue stays current so a
// later continuation can pick up where polling stopped.
func (s *Store) Timeout(id string) (*State, error) {
	return s.setStatus(id, StatusTimeout)
}

// Resume reactivates a timed-out batch.
func (s *Store) Resume(id string) (*State, error) {
	var st *State
	err := s.withLock(id, func() error {
		var loadErr error
		st, loadErr = s.load(id)
		if loadErr != nil {
			return loadErr
		}
		if st.Status != StatusTimeout {
			return fmt.Errorf("%w: cannot resume from %s", ErrNotActive, st.Status)
		}
		st.Status = StatusActive
		return s.save(st)
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) setStatus(id string, status Status) (*State, error) {
	var st *State
	err := s.withLock(id, func() error {
		var loadErr error
		st, loadErr = s.load(id)
		if loadErr != nil {
			return loadErr
		}
		if st.Status != StatusActive {
			return fmt.Errorf("%w: %s", ErrNotActive, st.Status)
		}
		st.Status = status
		return s.save(st)
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// List scans the batch directory. Unreadable files are skipped with a
// warning so one corrupt batch does not hide the rest.
func (s *Store) List() ([]*State, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan batch dir: %w", err)
	}
	var out []*State
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		st, err := s.load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			s.logger.Warn("skipping unreadable batch file", "file", name, "err", err)
			continue
		}
		out = append(out, st)
	}
	return out, nil
}
