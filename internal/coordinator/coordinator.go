// Package coordinator implements the Batch Processor & Transaction
// Coordinator (component C5): the atomic, ordered multi-operation API spec
// §4.5 describes, orchestrating the Task Store (C2), Index Set (C3), and
// Status State Machine (C4) behind the operation surface spec §6 names.
// Startup order follows spec §9's re-architecture note: journal -> store ->
// indices -> coordinator, constructed sequentially rather than through
// singleton lazy-init, mirroring the teacher's daemon startup discipline
// (internal/daemon's sequential manager construction).
package coordinator

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/atlas-mcp/taskengine/internal/apperr"
	"github.com/atlas-mcp/taskengine/internal/backup"
	"github.com/atlas-mcp/taskengine/internal/config"
	"github.com/atlas-mcp/taskengine/internal/index"
	"github.com/atlas-mcp/taskengine/internal/journal"
	"github.com/atlas-mcp/taskengine/internal/logging"
	"github.com/atlas-mcp/taskengine/internal/statemachine"
	"github.com/atlas-mcp/taskengine/internal/store"
	"github.com/atlas-mcp/taskengine/internal/types"
)

// Coordinator owns the fully wired C2-C4 stack and exposes the operation
// surface spec §6 lists, plus the cache coordination and backpressure
// behavior of spec §4.5.
type Coordinator struct {
	cfg     config.Config
	store   *store.Store
	index   *index.Set
	machine *statemachine.Machine
	logger  *logging.Logger
	backup  *backup.Manager

	cacheCfg index.CacheConfig

	memMu           sync.Mutex
	lastFullClear   time.Time
	backpressureCooldown time.Duration

	stopMaintenance chan struct{}
	maintenanceDone chan struct{}
}

// Open performs the sequential startup spec §9 calls for: open the journal
// and store (store.Open attaches the journal internally), rebuild the index
// set from a full scan, then wire the state machine against the index.
func Open(ctx context.Context, cfg config.Config, logger *logging.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.StorageBaseDir == "" {
		return nil, apperr.New(apperr.KindPathInvalid, "coordinator.Open", "storage base directory is required", nil)
	}
	dbPath := filepath.Join(cfg.StorageBaseDir, cfg.StorageName+".db")

	st, err := store.Open(ctx, store.Config{DBPath: dbPath, Durability: journal.DurabilityNormal, Logger: logger})
	if err != nil {
		return nil, err
	}

	limits := index.Limits{
		MaxDepth:               cfg.MaxPathDepth,
		MaxChildrenPerParent:   cfg.MaxChildrenPerParent,
		MaxDependenciesPerTask: cfg.MaxDependenciesPerTask,
	}
	idx, err := index.New(limits, cfg.CacheSize)
	if err != nil {
		st.Close(ctx)
		return nil, err
	}

	if err := index.Rebuild(ctx, idx, func(ctx context.Context, offset, batchSize int) ([]*types.Task, error) {
		return st.Scan(ctx, store.ScanFilter{Limit: batchSize, Offset: offset})
	}); err != nil {
		st.Close(ctx)
		return nil, apperr.Wrap(apperr.KindStorageIO, "coordinator.Open", "rebuild indices", err, nil)
	}

	c := &Coordinator{
		cfg:                  cfg,
		store:                st,
		index:                idx,
		logger:               logger,
		cacheCfg:             index.DefaultCacheConfig(),
		backpressureCooldown: 60 * time.Second,
		stopMaintenance:      make(chan struct{}),
		maintenanceDone:      make(chan struct{}),
	}
	c.machine = statemachine.New(statemachine.Config{
		Lookup: idx,
		Setter: &coordinatorSetter{c: c},
		Logger: logger,
	})

	if cfg.BackupEnabled {
		bm, err := backup.New(backup.Config{
			Dir:            filepath.Join(cfg.StorageBaseDir, "backups"),
			RetentionDays:  cfg.BackupRetentionDays,
			RetentionCount: cfg.BackupMaxCount,
			Logger:         logger,
		})
		if err != nil {
			st.Close(ctx)
			return nil, err
		}
		bm.Bind(st)
		c.backup = bm
	}

	go c.maintenanceLoop(cfg.CheckpointEvery)
	return c, nil
}

// Close stops the background maintenance loop and closes the store (which
// checkpoints the journal and releases the single-writer lock).
func (c *Coordinator) Close(ctx context.Context) error {
	close(c.stopMaintenance)
	<-c.maintenanceDone
	return c.store.Close(ctx)
}

// maintenanceLoop runs the periodic checkpoint and the memory-monitor timer
// (spec §5: "Memory monitoring runs on a periodic timer (default 5 minutes)
// and is idempotent"). The checkpoint step itself does not touch C3/C4
// state; the memory check clears the Primary index cache under pressure.
func (c *Coordinator) maintenanceLoop(interval time.Duration) {
	defer close(c.maintenanceDone)
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopMaintenance:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			if _, err := c.store.Journal().Checkpoint(ctx, journal.CheckpointPassive); err != nil {
				c.logger.Warn("coordinator.maintenanceLoop", "periodic checkpoint failed", map[string]any{"error": err.Error()})
			}
			cancel()
			c.checkMemoryPressure()
			c.runScheduledBackup()
		}
	}
}

// runScheduledBackup takes an incremental snapshot and prunes old ones when
// backups are enabled. There is no cron-expression parser in this module's
// dependency set, so cfg.BackupSchedule is honored as "every maintenance
// tick" rather than evaluated as an actual cron expression; a real scheduler
// would replace this with a cron library without touching the Manager API.
func (c *Coordinator) runScheduledBackup() {
	if c.backup == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if _, err := c.backup.Export(ctx, true); err != nil {
		c.logger.Warn("coordinator.runScheduledBackup", "scheduled backup failed", map[string]any{"error": err.Error()})
		return
	}
	if err := c.backup.MarkExported(ctx); err != nil {
		c.logger.Warn("coordinator.runScheduledBackup", "failed to clear dirty set after backup", map[string]any{"error": err.Error()})
	}
	if _, err := c.backup.Prune(time.Now()); err != nil {
		c.logger.Warn("coordinator.runScheduledBackup", "backup pruning failed", map[string]any{"error": err.Error()})
	}
}

// checkMemoryPressure implements spec §4.5's backpressure rule: if the
// Primary cache exceeds 95% of its configured capacity, clear it and start
// a cooldown before the next full clear is permitted.
func (c *Coordinator) checkMemoryPressure() {
	c.memMu.Lock()
	defer c.memMu.Unlock()

	capacity := c.cfg.CacheSize
	if capacity <= 0 {
		return
	}
	threshold := int(float64(capacity) * 0.95)
	if c.index.CacheLen() < threshold {
		return
	}
	if !c.lastFullClear.IsZero() && time.Since(c.lastFullClear) < c.backpressureCooldown {
		return
	}
	c.logger.Warn("coordinator.checkMemoryPressure", "MEMORY_PRESSURE: clearing primary cache", map[string]any{
		"cacheLen": c.index.CacheLen(), "capacity": capacity,
	})
	c.index.ClearCache()
	c.lastFullClear = time.Now()
}

// Store exposes the underlying task store for maintenance operations
// (vacuumDatabase) that have no natural home on the task-shaped API.
func (c *Coordinator) Store() *store.Store { return c.store }

// Index exposes the underlying index set for read-only diagnostic queries
// (repairRelationships).
func (c *Coordinator) Index() *index.Set { return c.index }

// Config returns the configuration this Coordinator was opened with.
func (c *Coordinator) Config() config.Config { return c.cfg }

// Backup returns the backup Manager, or nil if cfg.BackupEnabled was false
// at Open time.
func (c *Coordinator) Backup() *backup.Manager { return c.backup }

// coordinatorSetter implements statemachine.Setter by committing a single
// task's status to the store and merging the change into the index. Each
// call commits independently; propagation's own rollback-by-replay (spec
// §4.4) is what keeps a multi-step propagation consistent, not a shared SQL
// transaction across every affected task.
type coordinatorSetter struct {
	c *Coordinator
}

func (s *coordinatorSetter) SetStatus(ctx context.Context, path string, status types.Status) (types.Status, error) {
	task, err := s.c.store.Get(ctx, path)
	if err != nil {
		return "", err
	}
	previous := task.Status
	task.Status = status
	if err := s.c.store.Update(ctx, task, task.Version); err != nil {
		return previous, err
	}

	txn := s.c.index.Begin()
	if err := txn.Stage(task); err != nil {
		// the index already allowed this task's shape once; a staging
		// failure here means a structural change raced us, which should
		// not happen under the coordinator's own per-path locking.
		return previous, apperr.Wrap(apperr.KindInternal, "coordinator.SetStatus", "restage after status commit", err, map[string]any{"path": path})
	}
	txn.Merge()
	s.c.index.Put(task)
	return previous, nil
}
