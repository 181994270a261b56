// Package journal implements the write-ahead-log & checkpoint component
// (spec §4.1, component C1). Rather than hand-roll a log file format, it
// wraps SQLite's own WAL machinery: the "{name}.db-wal" and "{name}.db-shm"
// files spec.md §6 calls for are exactly what SQLite produces when opened
// with PRAGMA journal_mode=WAL, and PRAGMA wal_checkpoint(PASSIVE|RESTART|
// TRUNCATE) is a literal match for the checkpoint contract in §4.1. This
// mirrors the teacher's own storage choice (github.com/ncruces/go-sqlite3)
// while giving the spec's C1 contract (append/checkpoint/recover/
// integrityCheck) a concrete, explicit surface instead of leaving it
// implicit in driver behavior.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cenkalti/backoff/v4"

	"github.com/atlas-mcp/taskengine/internal/apperr"
	"github.com/atlas-mcp/taskengine/internal/logging"
)

// Durability selects how aggressively the journal flushes to disk.
type Durability string

const (
	DurabilityFull   Durability = "FULL"   // fsync every commit
	DurabilityNormal Durability = "NORMAL" // fdatasync-equivalent; safe under WAL
)

// DefaultPageSize is the page granularity spec.md §6 configures (4096).
const DefaultPageSize = 4096

// Record is a single mutation entry appended to the journal log table. It
// is the durable audit trail of writes distinct from the row data itself;
// recover() does not read it.
type Record struct {
	Seq       int64
	Kind      string // "CREATE" | "UPDATE" | "DELETE"
	Path      string
	Payload   []byte
	CreatedAt int64
}

// Config configures a Journal.
type Config struct {
	DBPath          string
	PageSize        int
	MaxLogBytes     int64
	Durability      Durability
	CheckpointRetry int // max retries after the first attempt, per mode of the PASSIVE->RESTART->TRUNCATE fallback
	Logger          *logging.Logger
}

// Journal owns the durable log file and checkpoint metadata for a single
// SQLite-backed store. No other component touches the WAL/SHM files
// directly (spec §3 ownership model).
type Journal struct {
	cfg   Config
	db    *sql.DB
	state *stateMachine
}

// Open attaches a Journal to an already-opened *sql.DB, configures WAL mode
// and the requested durability level, runs recover(), and transitions the
// lifecycle to READY. It fails with RECOVERY_REQUIRED if the log appears
// truncated or corrupt rather than silently discarding it.
func Open(ctx context.Context, db *sql.DB, cfg Config) (*Journal, error) {
	if cfg.PageSize == 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Durability == "" {
		cfg.Durability = DurabilityNormal
	}
	if cfg.CheckpointRetry == 0 {
		cfg.CheckpointRetry = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	j := &Journal{cfg: cfg, db: db, state: newStateMachine()}

	if err := j.state.transition(StateInitializing); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "journal.Open", "lifecycle", err, nil)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return nil, apperr.Wrap(apperr.KindStorageIO, "journal.Open", "enable WAL mode", err, nil)
	}
	sync := "NORMAL"
	if cfg.Durability == DurabilityFull {
		sync = "FULL"
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA synchronous=%s", sync)); err != nil {
		return nil, apperr.Wrap(apperr.KindStorageIO, "journal.Open", "set synchronous mode", err, nil)
	}
	if _, err := db.ExecContext(ctx, journalTableDDL); err != nil {
		return nil, apperr.Wrap(apperr.KindStorageIO, "journal.Open", "create journal log table", err, nil)
	}

	if err := j.recover(ctx); err != nil {
		return nil, err
	}
	if err := j.state.transition(StateReady); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "journal.Open", "lifecycle", err, nil)
	}
	return j, nil
}

const journalTableDDL = `
CREATE TABLE IF NOT EXISTS journal_log (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	path TEXT NOT NULL,
	payload BLOB,
	created_at INTEGER NOT NULL
);`

// Execer is satisfied by *sql.Tx and *sql.Conn; Append accepts either so
// callers can use BEGIN IMMEDIATE transactions driven directly off a
// *sql.Conn (matching the teacher's conn-based batch_ops.go transactions)
// instead of database/sql's own (incompatible) TxOptions isolation levels.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Append atomically appends a mutation record as part of the caller's
// transaction (tx). It returns once the statement executes; durability
// (fsync vs fdatasync-equivalent) is governed by the synchronous pragma
// configured at Open, applied at the SQLite commit that follows.
func (j *Journal) Append(ctx context.Context, tx Execer, rec Record) error {
	if j.state.Current() != StateReady && j.state.Current() != StateCheckpointing {
		return apperr.New(apperr.KindStorageIO, "journal.Append", "journal is not READY", map[string]any{"state": string(j.state.Current())})
	}
	if ok, err := j.withinSizeLimit(ctx); err != nil {
		return err
	} else if !ok {
		return apperr.New(apperr.KindStorageFull, "journal.Append", "log exceeds configured maximum size", nil)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO journal_log (kind, path, payload, created_at) VALUES (?, ?, ?, ?)`,
		rec.Kind, rec.Path, rec.Payload, rec.CreatedAt)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageIO, "journal.Append", "append journal record", err, map[string]any{"path": rec.Path})
	}
	return nil
}

func (j *Journal) withinSizeLimit(ctx context.Context) (bool, error) {
	if j.cfg.MaxLogBytes <= 0 {
		return true, nil
	}
	info, err := os.Stat(j.walPath())
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, apperr.Wrap(apperr.KindStorageIO, "journal.withinSizeLimit", "stat wal file", err, nil)
	}
	return info.Size() <= j.cfg.MaxLogBytes, nil
}

func (j *Journal) walPath() string {
	return j.cfg.DBPath + "-wal"
}

func (j *Journal) manifestPath() string {
	return j.cfg.DBPath + "-checkpoint.toml"
}

// IntegrityCheck verifies the database and its WAL file per spec §4.1:
// the database passes SQLite's own integrity_check, and if a non-empty WAL
// file exists it is page-aligned. The checkpoint manifest is not consulted,
// so a missing or empty WAL file passes even when entries are pending.
func (j *Journal) IntegrityCheck(ctx context.Context) error {
	var result string
	if err := j.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return apperr.Wrap(apperr.KindStorageIO, "journal.IntegrityCheck", "run integrity_check", err, nil)
	}
	if result != "ok" {
		return apperr.New(apperr.KindRecoveryRequired, "journal.IntegrityCheck", "database failed integrity_check", map[string]any{"result": result})
	}

	info, err := os.Stat(j.walPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil // no WAL file yet; nothing to check
		}
		return apperr.Wrap(apperr.KindStorageIO, "journal.IntegrityCheck", "stat wal file", err, nil)
	}
	if info.Size() == 0 {
		return nil // emptied by a TRUNCATE checkpoint; no frames to check
	}
	pageSize := int64(j.cfg.PageSize)
	// SQLite's WAL file begins with a 32-byte header followed by
	// page-sized frames each preceded by a 24-byte frame header.
	const walHeaderSize = 32
	const frameHeaderSize = 24
	payload := info.Size() - walHeaderSize
	if payload < 0 {
		return apperr.New(apperr.KindRecoveryRequired, "journal.IntegrityCheck", "wal file smaller than its own header", map[string]any{"size": info.Size()})
	}
	if payload%(pageSize+frameHeaderSize) != 0 {
		return apperr.New(apperr.KindRecoveryRequired, "journal.IntegrityCheck", "wal file is not page-aligned", map[string]any{"size": info.Size(), "pageSize": pageSize})
	}
	return nil
}

// recover runs at Open: if the log fails IntegrityCheck, recovery is
// required rather than silently discarded (spec §4.1, §7 RECOVERY_REQUIRED).
// The checkpoint manifest, when readable, is only logged; it does not
// change the outcome.
func (j *Journal) recover(ctx context.Context) error {
	if err := j.IntegrityCheck(ctx); err != nil {
		return err
	}
	manifest, err := j.readManifest()
	if err != nil {
		j.cfg.Logger.Warn("journal.recover", "no readable checkpoint manifest; assuming fresh database", map[string]any{"error": err.Error()})
		return nil
	}
	j.cfg.Logger.Info("journal.recover", "recovered prior checkpoint state", map[string]any{
		"lastMode": manifest.LastMode, "sizeAfter": manifest.SizeAfterBytes,
	})
	return nil
}

// Manifest records the outcome of the most recent checkpoint, persisted as
// a small TOML sidecar (spec.md's "checkpoint... metrics", SPEC_FULL.md
// DOMAIN STACK: BurntSushi/toml).
type Manifest struct {
	LastMode        string    `toml:"last_mode"`
	SizeBeforeBytes int64     `toml:"size_before_bytes"`
	SizeAfterBytes  int64     `toml:"size_after_bytes"`
	DurationMillis  int64     `toml:"duration_millis"`
	Attempts        int       `toml:"attempts"`
	CompletedAt     time.Time `toml:"completed_at"`
}

func (j *Journal) readManifest() (*Manifest, error) {
	var m Manifest
	if _, err := toml.DecodeFile(j.manifestPath(), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (j *Journal) writeManifest(m *Manifest) error {
	tmp := j.manifestPath() + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(m); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, j.manifestPath())
}

// Close transitions the journal to CLOSED. It does not close the
// underlying *sql.DB, which the Task Store owns.
func (j *Journal) Close() error {
	if err := j.state.transition(StateClosing); err != nil {
		return err
	}
	return j.state.transition(StateClosed)
}

// State returns the current lifecycle state.
func (j *Journal) State() State { return j.state.Current() }

// newBackoff builds the exponential-backoff policy used by checkpoint
// retries (spec §4.1 "Key algorithm": initial delay D, factor 2, cap DMAX).
func newBackoff(initial, max time.Duration, maxAttempts int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	return backoff.WithMaxRetries(b, uint64(maxAttempts))
}
