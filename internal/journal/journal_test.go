package journal_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"codeberg.org/mutker/shadowmon/internal/errors"
	"codeberg.org/mutker/shadowmon/internal/journal"
	"codeberg.org/mutker/shadowmon/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) journal.Config {
	t.Helper()
	cfg := journal.DefaultConfig()
	cfg.Enabled = true
	cfg.DBPath = filepath.Join(t.TempDir(), "journal.db")
	cfg.BatchSize = 2
	return cfg
}

func entry(token, status string, resolved time.Time) *journal.Entry {
	return &journal.Entry{
		Token:       token,
		Thing:       "sensor-01",
		Operation:   "update",
		Status:      status,
		SubmittedAt: resolved.Add(-150 * time.Millisecond),
		ResolvedAt:  resolved,
	}
}

func TestDisabledIsNoop(t *testing.T) {
	rec, err := journal.NewService(journal.DefaultConfig(), logger.New(&bytes.Buffer{}))
	require.NoError(t, err)
	assert.NoError(t, rec.Record(context.Background(), entry("tok", "accepted", time.Now())))
	assert.NoError(t, rec.Close())
}

func TestValidate(t *testing.T) {
	cfg := journal.DefaultConfig()
	cfg.Enabled = true
	cfg.DBPath = ""
	_, err := journal.NewService(cfg, logger.New(&bytes.Buffer{}))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, journal.ErrInvalidDBPath))

	cfg = journal.DefaultConfig()
	cfg.BatchSize = 0
	assert.Error(t, cfg.Validate())
}

func TestRecordAndRecent(t *testing.T) {
	cfg := testConfig(t)
	repo, err := journal.NewRepository(cfg, logger.New(&bytes.Buffer{}))
	require.NoError(t, err)
	defer repo.Close()

	base := time.UnixMilli(1700000000000)
	require.NoError(t, repo.Store(entry("a", "accepted", base)))
	rejected := entry("b", "rejected", base.Add(time.Second))
	rejected.Code = 400
	rejected.Message = "bad request"
	require.NoError(t, repo.Store(rejected))
	require.NoError(t, repo.Store(entry("c", "timeout", base.Add(2*time.Second))))

	got, err := repo.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 3, "buffered entries are included")

	assert.Equal(t, "c", got[0].Token)
	assert.Equal(t, "timeout", got[0].Status)
	assert.Equal(t, "b", got[1].Token)
	assert.Equal(t, 400, got[1].Code)
	assert.Equal(t, "bad request", got[1].Message)
	assert.Equal(t, base.Add(time.Second), got[1].ResolvedAt)
	assert.Equal(t, base.Add(time.Second-150*time.Millisecond), got[1].SubmittedAt)

	limited, err := repo.Recent(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestCloseFlushesBuffer(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 100

	rec, err := journal.NewService(cfg, logger.New(&bytes.Buffer{}))
	require.NoError(t, err)
	require.NoError(t, rec.Record(context.Background(), entry("only", "accepted", time.Now())))
	require.NoError(t, rec.Close())

	repo, err := journal.NewRepository(cfg, logger.New(&bytes.Buffer{}))
	require.NoError(t, err)
	defer repo.Close()

	got, err := repo.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "only", got[0].Token)
}

func TestServiceLogsLastOutcome(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 100

	rec, err := journal.NewService(cfg, logger.New(&bytes.Buffer{}))
	require.NoError(t, err)
	require.NoError(t, rec.Record(context.Background(), entry("first", "accepted", time.UnixMilli(1700000000000))))
	require.NoError(t, rec.Record(context.Background(), entry("second", "rejected", time.UnixMilli(1700000005000))))
	require.NoError(t, rec.Close())

	var logs bytes.Buffer
	rec, err = journal.NewService(cfg, logger.New(&logs))
	require.NoError(t, err)
	defer rec.Close()

	var last map[string]any
	for _, line := range strings.Split(logs.String(), "\n") {
		if strings.Contains(line, "Last journaled outcome") {
			require.NoError(t, json.Unmarshal([]byte(line), &last))
		}
	}
	require.NotNil(t, last)
	assert.Equal(t, "second", last["token"])
	assert.Equal(t, "rejected", last["status"])
}

func TestFailedFlushDropsBatch(t *testing.T) {
	cfg := testConfig(t)
	var logs bytes.Buffer
	repo, err := journal.NewRepository(cfg, logger.New(&logs))
	require.NoError(t, err)
	defer repo.Close()

	db, err := sql.Open("sqlite3", cfg.DBPath)
	require.NoError(t, err)
	_, err = db.Exec("DROP TABLE outcomes")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	now := time.Now()
	for round := 0; round < 3; round++ {
		require.NoError(t, repo.Store(entry("a", "accepted", now)))
		err := repo.Store(entry("b", "accepted", now))
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, journal.ErrTransactionFailed))
	}

	dropped := 0
	for _, line := range strings.Split(logs.String(), "\n") {
		if !strings.Contains(line, "Dropped journal entries") {
			continue
		}
		var fields map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &fields))
		assert.Equal(t, float64(cfg.BatchSize), fields["records"], "each failure drops only its own batch")
		dropped++
	}
	assert.Equal(t, 3, dropped)
}

func TestRecordRejectsInvalidEntry(t *testing.T) {
	rec, err := journal.NewService(testConfig(t), logger.New(&bytes.Buffer{}))
	require.NoError(t, err)
	defer rec.Close()

	err = rec.Record(context.Background(), &journal.Entry{})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, journal.ErrInvalidEntry))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = rec.Record(ctx, entry("x", "accepted", time.Now()))
	assert.True(t, errors.HasCode(err, journal.ErrOperationTimeout))
}

func TestSchemaVersionMismatchBacksUp(t *testing.T) {
	cfg := testConfig(t)

	db, err := sql.Open("sqlite3", cfg.DBPath)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE schema_versions (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL);
		INSERT INTO schema_versions (version, applied_at) VALUES (99, datetime('now'));
		CREATE TABLE outcomes (token TEXT);`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	repo, err := journal.NewRepository(cfg, logger.New(&bytes.Buffer{}))
	require.NoError(t, err)
	defer repo.Close()

	backups, err := os.ReadDir(filepath.Join(filepath.Dir(cfg.DBPath), "backups"))
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Contains(t, backups[0].Name(), "journal_v99_")

	require.NoError(t, repo.Store(entry("after-migration", "accepted", time.Now())))
	got, err := repo.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
