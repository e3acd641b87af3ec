// Package lockstore implements per-issue claim files. A claim's on-disk
// presence IS the claim: files are created with exclusive-create semantics
// so two acquirers on one host can never both succeed.
package lockstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrHeld     = errors.New("lock held by another session")
	ErrNotOwner = errors.New("lock held by a different session")
)

// Record is one claim. Mutated only by the holding session (refresh),
// destroyed on release, force-claim overwrite, or staleness displacement.
type Record struct {
	IssueNumber int       `json:"issueNumber"`
	Repository  string    `json:"repository"`
	PID         int       `json:"pid"`
	SessionID   string    `json:"sessionId"`
	AcquiredAt  time.Time `json:"acquiredAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Held is a listed claim annotated with staleness.
type Held struct {
	Record
	Stale bool `json:"stale"`
}

type Store struct {
	dir        string
	staleAfter time.Duration
	prober     ProcessProber
	pid        int
	now        func() time.Time
	logger     *slog.Logger
}

func New(dir string, staleAfter time.Duration, prober ProcessProber, logger *slog.Logger) *Store {
	return &Store{
		dir:        dir,
		staleAfter: staleAfter,
		prober:     prober,
		pid:        os.Getpid(),
		now:        time.Now,
		logger:     logger,
	}
}

func (s *Store) path(owner, repo string, number int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s_%d.lockdata", owner, repo, number))
}

// IsStale reports whether a claim may be displaced: its holder exceeded the
// staleness deadline or the holding process is gone from this host.
func (s *Store) IsStale(rec *Record) bool {
	if s.now().Sub(rec.AcquiredAt) > s.staleAfter {
		return true
	}
	return !s.prober.Alive(rec.PID)
}

func (s *Store) read(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse lock %s: %w", path, err)
	}
	return &rec, nil
}

// Acquire claims an issue for the session. A present, fresh lock fails with
// ErrHeld; a stale one is deleted first. The final create is exclusive, so
// losing the create race also yields ErrHeld.
func (s *Store) Acquire(owner, repo string, number int, sessionID string) (*Record, error) {
	path := s.path(owner, repo, number)

	if existing, err := s.read(path); err == nil {
		if !s.IsStale(existing) {
			return nil, fmt.Errorf("%w: session %s", ErrHeld, existing.SessionID)
		}
		s.logger.Warn("displacing stale lock",
			"issue", number,
			"holder_pid", existing.PID,
			"holder_session", existing.SessionID,
			"acquired_at", existing.AcquiredAt)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale lock: %w", err)
		}
	} else if !os.IsNotExist(err) {
		// Unparseable lock file: treat as stale debris.
		s.logger.Warn("removing malformed lock file", "path", path, "err", err)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove malformed lock: %w", err)
		}
	}

	now := s.now()
	rec := &Record{
		IssueNumber: number,
		Repository:  owner + "/" + repo,
		PID:         s.pid,
		SessionID:   sessionID,
		AcquiredAt:  now,
		UpdatedAt:   now,
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal lock: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrHeld
		}
		return nil, fmt.Errorf("create lock: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write lock: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("close lock: %w", err)
	}
	return rec, nil
}

// Get returns the claim for an issue, or nil when unclaimed.
func (s *Store) Get(owner, repo string, number int) (*Held, error) {
	rec, err := s.read(s.path(owner, repo, number))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &Held{Record: *rec, Stale: s.IsStale(rec)}, nil
}

// Release deletes the session's claim and returns the released record.
// Releasing an absent lock is a no-op success; releasing another session's
// lock is refused.
func (s *Store) Release(owner, repo string, number int, sessionID string) (*Record, error) {
	path := s.path(owner, repo, number)
	rec, err := s.read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if rec.SessionID != sessionID {
		return nil, fmt.Errorf("%w: held by %s", ErrNotOwner, rec.SessionID)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove lock: %w", err)
	}
	return rec, nil
}

// Refresh bumps the claim's UpdatedAt. Only the holder may refresh.
func (s *Store) Refresh(owner, repo string, number int, sessionID string) error {
	path := s.path(owner, repo, number)
	rec, err := s.read(path)
	if err != nil {
		return err
	}
	if rec.SessionID != sessionID {
		return fmt.Errorf("%w: held by %s", ErrNotOwner, rec.SessionID)
	}
	rec.UpdatedAt = s.now()
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("refresh lock: %w", err)
	}
	return nil
}

// ForceClaim overwrites any existing claim and returns the displaced record
// for audit surfacing. This is an explicit, logged takeover, not a race win.
func (s *Store) ForceClaim(owner, repo string, number int, sessionID string) (prev *Record, rec *Record, err error) {
	path := s.path(owner, repo, number)

	if existing, readErr := s.read(path); readErr == nil {
		prev = existing
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("remove lock: %w", err)
	}

	now := s.now()
	rec = &Record{
		IssueNumber: number,
		Repository:  owner + "/" + repo,
		PID:         s.pid,
		SessionID:   sessionID,
		AcquiredAt:  now,
		UpdatedAt:   now,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("marshal lock: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, nil, fmt.Errorf("write lock: %w", err)
	}
	return prev, rec, nil
}

// List scans the lock directory and reports every claim with its stale
// flag. Files that fail to parse are skipped with a warning.
func (s *Store) List() ([]Held, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan lock dir: %w", err)
	}

	var out []Held
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lockdata") {
			continue
		}
		rec, err := s.read(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			s.logger.Warn("skipping unreadable lock file", "file", entry.Name(), "err", err)
			continue
		}
		out = append(out, Held{Record: *rec, Stale: s.IsStale(rec)})
	}
	return out, nil
}

// BySession filters List down to one session's claims.
func (s *Store) BySession(sessionID string) ([]Held, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []Held
	for _, h := range all {
		if h.SessionID == sessionID {
			out = append(out, h)
		}
	}
	return out, nil
}
