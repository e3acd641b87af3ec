package audit

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	l := New(t.TempDir(), slog.New(slog.DiscardHandler))
	l.now = func() time.Time { return day }
	return l
}

func TestWriteAndRead(t *testing.T) {
	l := newTestLog(t)

	l.Write(Record{Tool: "select_next_issue", SessionID: "s1", Issue: 4, Outcome: "success"})
	l.Write(Record{Tool: "release_lock", SessionID: "s1", Issue: 4, Outcome: "success", Event: "lock_released"})

	recs, err := l.Read(day)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "select_next_issue", recs[0].Tool)
	assert.Equal(t, "info", recs[0].Level)
	assert.Equal(t, day, recs[0].Timestamp)
	assert.Equal(t, "lock_released", recs[1].Event)
}

func TestReadMissingDay(t *testing.T) {
	l := newTestLog(t)
	recs, err := l.Read(day)
	require.NoError(t, err)
	assert.Nil(t, recs)
}

func TestReadSkipsMalformedLines(t *testing.T) {
	l := newTestLog(t)
	l.Write(Record{Tool: "list_backlog", SessionID: "s1", Outcome: "success"})

	// Simulate a torn write at the end of the file.
	path := filepath.Join(l.dir, fileName(day))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"ts":"2026-03-10T15:`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l.Write(Record{Tool: "get_pr_status", SessionID: "s1", Outcome: "success"})

	recs, err := l.Read(day)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "list_backlog", recs[0].Tool)
	assert.Equal(t, "get_pr_status", recs[1].Tool)
}

func TestDays(t *testing.T) {
	l := newTestLog(t)
	l.Write(Record{Tool: "a", Timestamp: day.AddDate(0, 0, -2)})
	l.Write(Record{Tool: "b", Timestamp: day})

	days, err := l.Days()
	require.NoError(t, err)
	require.Len(t, days, 2)
	assert.True(t, days[0].Before(days[1]))
}

func writeOn(l *Log, when time.Time, rec Record) {
	rec.Timestamp = when
	l.Write(rec)
}

func TestSweepTiers(t *testing.T) {
	l := newTestLog(t)
	retention := 30 * 24 * time.Hour
	lockRetention := 90 * 24 * time.Hour

	// Ancient file with lock events: past even the lock tier, deleted.
	writeOn(l, day.AddDate(0, 0, -120), Record{Tool: "force_claim", Event: "lock_force_claimed"})
	// Mid-age file with a lock event: kept by the longer tier.
	writeOn(l, day.AddDate(0, 0, -45), Record{Tool: "select_next_issue", Event: "lock_acquired"})
	// Mid-age file without lock events: deleted.
	writeOn(l, day.AddDate(0, 0, -45+1), Record{Tool: "list_backlog"})
	// Fresh file: kept.
	writeOn(l, day, Record{Tool: "get_pr_status"})

	require.NoError(t, l.Sweep(retention, lockRetention))

	days, err := l.Days()
	require.NoError(t, err)
	require.Len(t, days, 2)
	assert.Equal(t, day.AddDate(0, 0, -45).Format("2006-01-02"), days[0].Format("2006-01-02"))
	assert.Equal(t, day.Format("2006-01-02"), days[1].Format("2006-01-02"))
}

func TestSweepEmptyDirIsNoOp(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "missing"), slog.New(slog.DiscardHandler))
	assert.NoError(t, l.Sweep(time.Hour, 2*time.Hour))
}
