// Package audit appends structured operation records to daily JSONL files.
// Audit writes never fail a tool call; errors are logged and swallowed.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

type Record struct {
	Timestamp time.Time      `json:"ts"`
	Level     string         `json:"level"`
	Tool      string         `json:"tool"`
	SessionID string         `json:"sessionId"`
	Repo      string         `json:"repo,omitempty"`
	Issue     int            `json:"issue,omitempty"`
	Phase     string         `json:"phase,omitempty"`
	Duration  int64          `json:"durationMs"`
	Outcome   string         `json:"outcome"`
	Error     string         `json:"error,omitempty"`
	Event     string         `json:"event,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type Log struct {
	dir    string
	now    func() time.Time
	logger *slog.Logger

	mu sync.Mutex
}

func New(dir string, logger *slog.Logger) *Log {
	return &Log{dir: dir, now: time.Now, logger: logger}
}

func fileName(day time.Time) string {
	return "audit-" + day.UTC().Format("2006-01-02") + ".jsonl"
}

// Write appends one record to today's file. Failures are logged, never
// returned: an unwritable audit trail must not block issue work.
func (l *Log) Write(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now()
	}
	if rec.Level == "" {
		rec.Level = "info"
	}

	data, err := json.Marshal(rec)
	if err != nil {
		l.logger.Error("marshal audit record", "err", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	path := filepath.Join(l.dir, fileName(rec.Timestamp))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		l.logger.Error("open audit file", "path", path, "err", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		l.logger.Error("append audit record", "path", path, "err", err)
	}
}

// Read returns the records for one UTC day, oldest first. Malformed lines
// are skipped with a warning so a torn write cannot hide the rest of a day.
func (l *Log) Read(day time.Time) ([]Record, error) {
	path := filepath.Join(l.dir, fileName(day))
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	defer f.Close()

	var out []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			l.logger.Warn("skipping malformed audit line", "file", fileName(day), "line", line, "err", err)
			continue
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("scan audit file: %w", err)
	}
	return out, nil
}

// Days lists the dates that have audit files, oldest first.
func (l *Log) Days() ([]time.Time, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan audit dir: %w", err)
	}
	var out []time.Time
	for _, entry := range entries {
		day, ok := parseFileDate(entry.Name())
		if !ok {
			continue
		}
		out = append(out, day)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func parseFileDate(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, "audit-") || !strings.HasSuffix(name, ".jsonl") {
		return time.Time{}, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(name, "audit-"), ".jsonl")
	day, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

// Sweep applies tiered retention. Files older than lockRetention are
// deleted unconditionally. Files between retention and lockRetention are
// deleted only when they carry no lock events, which are kept longer for
// contention forensics.
func (l *Log) Sweep(retention, lockRetention time.Duration) error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("scan audit dir: %w", err)
	}

	now := l.now().UTC()
	for _, entry := range entries {
		day, ok := parseFileDate(entry.Name())
		if !ok {
			continue
		}
		age := now.Sub(day)
		switch {
		case age > lockRetention:
			l.removeFile(entry.Name())
		case age > retention:
			has, err := l.hasLockEvents(day)
			if err != nil {
				l.logger.Warn("retention check failed, keeping file", "file", entry.Name(), "err", err)
				continue
			}
			if !has {
				l.removeFile(entry.Name())
			}
		}
	}
	return nil
}

func (l *Log) removeFile(name string) {
	if err := os.Remove(filepath.Join(l.dir, name)); err != nil && !os.IsNotExist(err) {
		l.logger.Warn("failed to remove expired audit file", "file", name, "err", err)
		return
	}
	l.logger.Info("removed expired audit file", "file", name)
}

func (l *Log) hasLockEvents(day time.Time) (bool, error) {
	recs, err := l.Read(day)
	if err != nil {
		return false, err
	}
	for _, rec := range recs {
		if strings.HasPrefix(rec.Event, "lock_") {
			return true, nil
		}
	}
	return false, nil
}
