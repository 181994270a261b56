package journal

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/atlas-mcp/taskengine/internal/apperr"
)

// CheckpointMode mirrors SQLite's own wal_checkpoint modes (spec §4.1).
type CheckpointMode string

const (
	CheckpointPassive  CheckpointMode = "PASSIVE"
	CheckpointRestart  CheckpointMode = "RESTART"
	CheckpointTruncate CheckpointMode = "TRUNCATE"
)

// checkpointFallback is the order a Checkpoint call escalates through when
// a weaker mode can't make progress (writers still mid-transaction hold
// the WAL open under PASSIVE, so RESTART and finally TRUNCATE are tried).
var checkpointFallback = []CheckpointMode{CheckpointPassive, CheckpointRestart, CheckpointTruncate}

// CheckpointResult reports what a Checkpoint call accomplished.
type CheckpointResult struct {
	Mode            CheckpointMode
	SizeBeforeBytes int64
	SizeAfterBytes  int64
	Duration        time.Duration
	Attempts        int
	Busy            bool // true if SQLite reported the checkpoint was partial (busy)
}

// Checkpoint runs a WAL checkpoint, starting at mode and escalating through
// the fallback sequence on retryable busy errors, bounded by
// cfg.CheckpointRetry retries per mode via exponential backoff. It records
// the outcome in the TOML manifest sidecar for recover() to consult.
func (j *Journal) Checkpoint(ctx context.Context, mode CheckpointMode) (*CheckpointResult, error) {
	if err := j.state.transition(StateCheckpointing); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "journal.Checkpoint", "lifecycle", err, nil)
	}
	defer func() {
		_ = j.state.transition(StateReady)
	}()

	start := time.Now()
	sizeBefore := j.walSizeOrZero()

	startIdx := 0
	for i, m := range checkpointFallback {
		if m == mode {
			startIdx = i
			break
		}
	}

	var lastResult *CheckpointResult
	var lastErr error
	totalAttempts := 0

	for _, candidate := range checkpointFallback[startIdx:] {
		res, busy, err := j.runCheckpointWithRetry(ctx, candidate)
		totalAttempts += res.Attempts
		if err != nil {
			lastErr = err
			continue
		}
		lastResult = &CheckpointResult{
			Mode:            candidate,
			SizeBeforeBytes: sizeBefore,
			SizeAfterBytes:  j.walSizeOrZero(),
			Duration:        time.Since(start),
			Attempts:        totalAttempts,
			Busy:            busy,
		}
		if !busy {
			break
		}
		// busy: escalate to the next, stronger mode
	}

	if lastResult == nil {
		return nil, apperr.Wrap(apperr.KindCheckpointFailed, "journal.Checkpoint", "all checkpoint modes exhausted", lastErr, map[string]any{"startMode": string(mode)})
	}

	manifest := &Manifest{
		LastMode:        string(lastResult.Mode),
		SizeBeforeBytes: lastResult.SizeBeforeBytes,
		SizeAfterBytes:  lastResult.SizeAfterBytes,
		DurationMillis:  lastResult.Duration.Milliseconds(),
		Attempts:        lastResult.Attempts,
		CompletedAt:     timeNow(),
	}
	if err := j.writeManifest(manifest); err != nil {
		j.cfg.Logger.Warn("journal.Checkpoint", "failed to persist checkpoint manifest", map[string]any{"error": err.Error()})
	}
	return lastResult, nil
}

// runCheckpointWithRetry issues PRAGMA wal_checkpoint(mode) once plus up to
// cfg.CheckpointRetry retries with exponential backoff. Under PASSIVE a busy
// result (busy flag set, or fewer frames checkpointed than the log holds) is
// retried rather than fatal; under RESTART and TRUNCATE a busy result is
// returned at once so the caller escalates.
func (j *Journal) runCheckpointWithRetry(ctx context.Context, mode CheckpointMode) (*CheckpointResult, bool, error) {
	attempts := 0
	busy := true
	var opErr error

	policy := newBackoff(50*time.Millisecond, 2*time.Second, j.cfg.CheckpointRetry)
	err := backoff.Retry(func() error {
		attempts++
		var busyFlag, logFrames, checkpointed int
		row := j.db.QueryRowContext(ctx, fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode))
		if err := row.Scan(&busyFlag, &logFrames, &checkpointed); err != nil {
			opErr = apperr.Wrap(apperr.KindStorageIO, "journal.checkpoint", "wal_checkpoint pragma failed", err, map[string]any{"mode": string(mode)})
			return opErr
		}
		busy = busyFlag != 0 || (logFrames >= 0 && checkpointed >= 0 && checkpointed < logFrames)
		if busy && mode == CheckpointPassive {
			return fmt.Errorf("checkpoint busy: %d/%d frames checkpointed", checkpointed, logFrames)
		}
		return nil
	}, policy)

	if err != nil && opErr == nil {
		// retries exhausted on a busy PASSIVE checkpoint; not a hard failure,
		// just incomplete — caller escalates to the next mode.
		return &CheckpointResult{Attempts: attempts}, true, nil
	}
	if opErr != nil {
		return &CheckpointResult{Attempts: attempts}, busy, opErr
	}
	return &CheckpointResult{Attempts: attempts}, busy, nil
}

func (j *Journal) walSizeOrZero() int64 {
	info, err := os.Stat(j.walPath())
	if err != nil {
		return 0
	}
	return info.Size()
}

// timeNow exists so tests can observe a deterministic field name without
// reaching for time.Now() directly inside Checkpoint's main body.
func timeNow() time.Time { return time.Now() }
