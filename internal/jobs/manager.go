// Package jobs tracks running and finished sync jobs in one process. Each
// job wraps an executor; the manager hands out job ids and routes cancel,
// pause, and status requests.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgsync/internal/executor"
	"github.com/jfoltran/pgsync/internal/metrics"
)

var (
	ErrNotFound   = errors.New("job not found")
	ErrNotRunning = errors.New("job is not running")
)

// Status is a point-in-time view of one job.
type Status struct {
	JobID      string
	State      executor.State
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error
	Progress   metrics.Snapshot
	Checkpoint executor.Checkpoint
}

type job struct {
	id   string
	exec *executor.Executor

	mu         sync.Mutex
	startedAt  time.Time
	finishedAt time.Time
	err        error
	progress   metrics.Snapshot
	checkpoint executor.Checkpoint
	running    bool
}

// Manager runs jobs in background goroutines. Finished jobs stay queryable
// until Forget is called, so a paused job's checkpoint survives for resume.
type Manager struct {
	logger zerolog.Logger

	mu   sync.Mutex
	jobs map[string]*job
}

func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		logger: logger.With().Str("component", "jobs").Logger(),
		jobs:   make(map[string]*job),
	}
}

// Start launches a sync job in the background and returns its id. The
// options' JobID, OnProgress, and OnCheckpoint are managed here; callbacks
// already present are chained, not replaced.
func (m *Manager) Start(ctx context.Context, opts executor.Options) (string, error) {
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
		opts.JobID = id
	}

	m.mu.Lock()
	if existing, ok := m.jobs[id]; ok {
		existing.mu.Lock()
		running := existing.running
		existing.mu.Unlock()
		if running {
			m.mu.Unlock()
			return "", fmt.Errorf("job %s is already running", id)
		}
	}
	j := &job{id: id, startedAt: time.Now(), running: true}
	m.jobs[id] = j
	m.mu.Unlock()

	userProgress := opts.OnProgress
	opts.OnProgress = func(s metrics.Snapshot) {
		j.mu.Lock()
		j.progress = s
		j.mu.Unlock()
		if userProgress != nil {
			userProgress(s)
		}
	}
	userCheckpoint := opts.OnCheckpoint
	opts.OnCheckpoint = func(cp executor.Checkpoint) {
		j.mu.Lock()
		j.checkpoint = cp
		j.mu.Unlock()
		if userCheckpoint != nil {
			userCheckpoint(cp)
		}
	}
	userComplete := opts.OnComplete
	opts.OnComplete = func(success bool, cp *executor.Checkpoint) {
		j.mu.Lock()
		if cp != nil {
			j.checkpoint = *cp
		}
		j.mu.Unlock()
		if userComplete != nil {
			userComplete(success, cp)
		}
	}

	exec := executor.New(opts, m.logger)
	j.mu.Lock()
	j.exec = exec
	j.mu.Unlock()

	go func() {
		err := exec.Execute(ctx)

		j.mu.Lock()
		j.running = false
		j.err = err
		j.finishedAt = time.Now()
		j.mu.Unlock()

		if err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Err(err).Str("job_id", id).Msg("job finished with error")
		} else {
			m.logger.Info().Str("job_id", id).Msg("job finished")
		}
	}()

	return id, nil
}

// Cancel requests a cooperative stop of a running job.
func (m *Manager) Cancel(jobID string) error {
	j, err := m.get(jobID)
	if err != nil {
		return err
	}
	j.mu.Lock()
	exec, running := j.exec, j.running
	j.mu.Unlock()
	if !running || exec == nil {
		return ErrNotRunning
	}
	exec.Cancel()
	return nil
}

// Pause requests a checkpointed pause of a running job.
func (m *Manager) Pause(jobID string) error {
	j, err := m.get(jobID)
	if err != nil {
		return err
	}
	j.mu.Lock()
	exec, running := j.exec, j.running
	j.mu.Unlock()
	if !running || exec == nil {
		return ErrNotRunning
	}
	exec.Pause()
	return nil
}

// Status returns the current view of one job.
func (m *Manager) Status(jobID string) (Status, error) {
	j, err := m.get(jobID)
	if err != nil {
		return Status{}, err
	}
	return j.status(), nil
}

// List returns a status per known job, running and finished.
func (m *Manager) List() []Status {
	m.mu.Lock()
	all := make([]*job, 0, len(m.jobs))
	for _, j := range m.jobs {
		all = append(all, j)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(all))
	for _, j := range all {
		out = append(out, j.status())
	}
	return out
}

// Forget drops a finished job from the registry. Running jobs stay.
func (m *Manager) Forget(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	j.mu.Lock()
	running := j.running
	j.mu.Unlock()
	if running {
		return fmt.Errorf("job %s is still running", jobID)
	}
	delete(m.jobs, jobID)
	return nil
}

func (m *Manager) get(jobID string) (*job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return j, nil
}

func (j *job) status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	// The executor is assigned after the job is registered; until then the
	// job is pending.
	state := executor.StatePending
	if j.exec != nil {
		state = j.exec.State()
	}
	return Status{
		JobID:      j.id,
		State:      state,
		StartedAt:  j.startedAt,
		FinishedAt: j.finishedAt,
		Err:        j.err,
		Progress:   j.progress,
		Checkpoint: j.checkpoint,
	}
}
