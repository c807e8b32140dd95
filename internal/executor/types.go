package executor

import (
	"time"

	"github.com/google/uuid"

	"github.com/jfoltran/pgsync/internal/config"
	"github.com/jfoltran/pgsync/internal/sink"
)

// State is the lifecycle of one sync job.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Checkpoint captures where a job stopped so a resume produces the same
// final state as an uninterrupted run.
type Checkpoint struct {
	LastTable       string    `json:"last_table"`
	LastRowID       uuid.UUID `json:"last_row_id"`
	LastUpdatedAt   time.Time `json:"last_updated_at"`
	ProcessedTables []string  `json:"processed_tables"`
}

// CheckpointFunc receives checkpoints: every checkpointInterval processed
// rows, on pause, on timeout, and on per-table failure.
type CheckpointFunc func(Checkpoint)

// CompleteFunc fires exactly once per Execute call.
type CompleteFunc func(success bool, cp *Checkpoint)

// Options configures one job.
type Options struct {
	JobID     string
	SourceURL string
	TargetURL string
	// StoreURL points at the bookkeeping database for idempotency markers,
	// backups, metrics, and conflicts. Empty disables all durable stores and
	// the engine degrades: every row is treated as unprocessed and no
	// rollback protection exists.
	StoreURL string

	Tables    []config.TableConfig
	Direction config.Direction

	// Checkpoint resumes an interrupted job. Nil means first run, which
	// triggers a target backup.
	Checkpoint *Checkpoint

	Sync      config.SyncSettings
	RateLimit config.RateLimitSettings

	OnProgress   sink.ProgressFunc
	OnLog        sink.LogFunc
	OnCheckpoint CheckpointFunc
	OnComplete   CompleteFunc
}

// enabledTables returns the enabled table configs in input order.
func (o Options) enabledTables() []config.TableConfig {
	var out []config.TableConfig
	for _, t := range o.Tables {
		if t.Enabled {
			out = append(out, t)
		}
	}
	return out
}

// strategyFor returns the conflict strategy configured for a table.
func (o Options) strategyFor(table string) config.ConflictStrategy {
	for _, t := range o.Tables {
		if t.TableName == table {
			if t.ConflictStrategy != "" {
				return t.ConflictStrategy
			}
			break
		}
	}
	return config.ConflictLastWriteWins
}
