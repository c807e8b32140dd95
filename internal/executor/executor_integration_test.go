//go:build integration

package executor_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgsync/internal/config"
	"github.com/jfoltran/pgsync/internal/executor"
	"github.com/jfoltran/pgsync/internal/metrics"
	"github.com/jfoltran/pgsync/internal/store"
	"github.com/jfoltran/pgsync/internal/testutil"
)

func TestMain(m *testing.M) {
	rt := testutil.ContainerRuntime()
	if rt == "" {
		fmt.Fprintln(os.Stderr, "SKIP: no container runtime found (docker or podman)")
		os.Exit(0)
	}

	alreadyRunning := testutil.TryPing(testutil.SourceDSN()) && testutil.TryPing(testutil.TargetDSN())

	if !alreadyRunning {
		fmt.Fprintf(os.Stderr, "starting test containers with %s...\n", rt)
		if err := testutil.RunCompose("up", "-d", "--wait"); err != nil {
			if err2 := testutil.RunCompose("up", "-d"); err2 != nil {
				fmt.Fprintf(os.Stderr, "compose up failed: %v\n", err2)
				os.Exit(1)
			}
			if err := waitForDBs(60 * time.Second); err != nil {
				fmt.Fprintf(os.Stderr, "databases not ready: %v\n", err)
				os.Exit(1)
			}
		}
	}

	code := m.Run()

	if !alreadyRunning {
		fmt.Fprintln(os.Stderr, "stopping test containers...")
		_ = testutil.RunCompose("down", "-v")
	}

	os.Exit(code)
}

func waitForDBs(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if testutil.TryPing(testutil.SourceDSN()) && testutil.TryPing(testutil.TargetDSN()) {
			return nil
		}
		time.Sleep(2 * time.Second)
	}
	return fmt.Errorf("timed out after %s", timeout)
}

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano()%1_000_000)
}

func setupPools(t *testing.T) (*pgxpool.Pool, *pgxpool.Pool) {
	t.Helper()
	srcPool := testutil.MustConnectPool(t, testutil.SourceDSN())
	dstPool := testutil.MustConnectPool(t, testutil.TargetDSN())
	return srcPool, dstPool
}

// snapshotSpy keeps the most recent progress snapshot delivered via the
// event sink. Execute drains the sink before returning, so the value read
// after Execute is the final one.
type snapshotSpy struct {
	mu   sync.Mutex
	last metrics.Snapshot
}

func (s *snapshotSpy) record(snap metrics.Snapshot) {
	s.mu.Lock()
	s.last = snap
	s.mu.Unlock()
}

func (s *snapshotSpy) final() metrics.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func testSettings() config.SyncSettings {
	return config.SyncSettings{
		BatchSize:          7,
		BulkInsertSize:     5,
		CheckpointInterval: 10,
		MaxRetries:         2,
		RetryDelay:         50 * time.Millisecond,
		JobTimeout:         2 * time.Minute,
		BatchTimeout:       30 * time.Second,
	}
}

func baseOptions(jobID string, tables ...config.TableConfig) executor.Options {
	return executor.Options{
		JobID:     jobID,
		SourceURL: testutil.SourceDSN(),
		TargetURL: testutil.TargetDSN(),
		Tables:    tables,
		Direction: config.OneWay,
		Sync:      testSettings(),
	}
}

func rowValue(t *testing.T, pool *pgxpool.Pool, table string, id uuid.UUID) int {
	t.Helper()
	var v int
	err := pool.QueryRow(context.Background(),
		fmt.Sprintf(`SELECT value FROM %q WHERE id = $1`, table), id).Scan(&v)
	if err != nil {
		t.Fatalf("read value of %s in %s: %v", id, table, err)
	}
	return v
}

func TestExecute_FreshSync(t *testing.T) {
	srcPool, dstPool := setupPools(t)
	table := uniqueName("sync_fresh")

	ids := testutil.CreateSyncTable(t, srcPool, table, 25)
	testutil.CreateSyncTable(t, dstPool, table, 0)
	t.Cleanup(func() {
		testutil.DropTestTable(t, srcPool, table)
		testutil.DropTestTable(t, dstPool, table)
	})

	var spy snapshotSpy
	opts := baseOptions(uniqueName("job_fresh"), config.TableConfig{TableName: table, Enabled: true})
	opts.OnProgress = spy.record

	exec := executor.New(opts, zerolog.New(zerolog.NewTestWriter(t)))
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := exec.Execute(ctx); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.State() != executor.StateCompleted {
		t.Errorf("state = %s, want completed", exec.State())
	}
	if got := testutil.TableRowCount(t, dstPool, table); got != 25 {
		t.Errorf("target has %d rows, want 25", got)
	}
	if got := rowValue(t, dstPool, table, ids[0]); got != 10 {
		t.Errorf("first row value = %d, want 10", got)
	}

	snap := spy.final()
	if snap.RowsInserted != 25 || snap.ErrorCount != 0 {
		t.Errorf("snapshot: inserted=%d errors=%d, want 25 inserts and no errors",
			snap.RowsInserted, snap.ErrorCount)
	}
}

func TestExecute_IncrementalThenIdempotent(t *testing.T) {
	srcPool, dstPool := setupPools(t)
	table := uniqueName("sync_incr")

	ids := testutil.CreateSyncTable(t, srcPool, table, 20)
	testutil.CreateSyncTable(t, dstPool, table, 0)
	t.Cleanup(func() {
		testutil.DropTestTable(t, srcPool, table)
		testutil.DropTestTable(t, dstPool, table)
	})

	run := func(jobID string) metrics.Snapshot {
		t.Helper()
		var spy snapshotSpy
		opts := baseOptions(jobID, config.TableConfig{TableName: table, Enabled: true})
		opts.OnProgress = spy.record
		exec := executor.New(opts, zerolog.New(zerolog.NewTestWriter(t)))
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := exec.Execute(ctx); err != nil {
			t.Fatalf("Execute(%s): %v", jobID, err)
		}
		return spy.final()
	}

	run(uniqueName("job_seed"))

	// One source edit: the re-run moves exactly that row.
	testutil.TouchRow(t, srcPool, table, ids[3], 777)
	snap := run(uniqueName("job_incr"))
	if snap.RowsUpdated != 1 || snap.RowsInserted != 0 {
		t.Errorf("incremental run: inserted=%d updated=%d, want 0/1",
			snap.RowsInserted, snap.RowsUpdated)
	}
	if got := rowValue(t, dstPool, table, ids[3]); got != 777 {
		t.Errorf("edited row value on target = %d, want 777", got)
	}

	// A third run with nothing changed writes nothing: equal timestamps skip.
	snap = run(uniqueName("job_noop"))
	if snap.RowsInserted != 0 || snap.RowsUpdated != 0 {
		t.Errorf("no-op run wrote rows: inserted=%d updated=%d",
			snap.RowsInserted, snap.RowsUpdated)
	}
	if snap.Skipped.NoChange != 20 {
		t.Errorf("no-op run NoChange = %d, want 20", snap.Skipped.NoChange)
	}
}

func TestExecute_TwoWayConflictKeepsNewerTarget(t *testing.T) {
	srcPool, dstPool := setupPools(t)
	table := uniqueName("sync_conflict")

	ids := testutil.CreateSyncTable(t, srcPool, table, 5)
	testutil.CreateSyncTable(t, dstPool, table, 0)
	t.Cleanup(func() {
		testutil.DropTestTable(t, srcPool, table)
		testutil.DropTestTable(t, dstPool, table)
	})

	// The target already has the first row, edited later than the source.
	_, err := dstPool.Exec(context.Background(), fmt.Sprintf(
		`INSERT INTO %q (id, name, value, updated_at) VALUES ($1, 'target-edit', 999, now() + interval '1 hour')`,
		table), ids[0])
	if err != nil {
		t.Fatalf("seed target row: %v", err)
	}

	var spy snapshotSpy
	opts := baseOptions(uniqueName("job_conflict"), config.TableConfig{TableName: table, Enabled: true})
	opts.Direction = config.TwoWay
	opts.OnProgress = spy.record

	exec := executor.New(opts, zerolog.New(zerolog.NewTestWriter(t)))
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := exec.Execute(ctx); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if got := rowValue(t, dstPool, table, ids[0]); got != 999 {
		t.Errorf("newer target row overwritten: value = %d, want 999", got)
	}
	snap := spy.final()
	if snap.Skipped.Conflict != 1 {
		t.Errorf("Skipped.Conflict = %d, want 1", snap.Skipped.Conflict)
	}
	if snap.RowsInserted != 4 {
		t.Errorf("RowsInserted = %d, want 4", snap.RowsInserted)
	}
}

func TestExecute_ManualConflictRecorded(t *testing.T) {
	srcPool, dstPool := setupPools(t)
	storePool := testutil.MustConnectPool(t, testutil.StoreDSN())
	testutil.ResetBookkeeping(t, storePool)

	table := uniqueName("sync_manual")
	ids := testutil.CreateSyncTable(t, srcPool, table, 3)
	testutil.CreateSyncTable(t, dstPool, table, 0)
	t.Cleanup(func() {
		testutil.DropTestTable(t, srcPool, table)
		testutil.DropTestTable(t, dstPool, table)
	})

	_, err := dstPool.Exec(context.Background(), fmt.Sprintf(
		`INSERT INTO %q (id, name, value, updated_at) VALUES ($1, 'target-edit', 999, now() + interval '1 hour')`,
		table), ids[0])
	if err != nil {
		t.Fatalf("seed target row: %v", err)
	}

	jobID := uniqueName("job_manual")
	opts := baseOptions(jobID, config.TableConfig{
		TableName:        table,
		Enabled:          true,
		ConflictStrategy: config.ConflictManual,
	})
	opts.Direction = config.TwoWay
	opts.StoreURL = testutil.StoreDSN()

	exec := executor.New(opts, zerolog.New(zerolog.NewTestWriter(t)))
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := exec.Execute(ctx); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	st := store.NewStore(storePool)
	conflicts, err := st.ListConflicts(ctx, jobID)
	if err != nil {
		t.Fatalf("ListConflicts: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("got %d recorded conflicts, want 1", len(conflicts))
	}
	c := conflicts[0]
	if c.TableName != table || c.RowID != ids[0] || c.Winner != "target" {
		t.Errorf("conflict = %+v, want table %s row %s winner target", c, table, ids[0])
	}
	if got := rowValue(t, dstPool, table, ids[0]); got != 999 {
		t.Errorf("manual conflict overwrote the target: value = %d, want 999", got)
	}

	// The final metrics record lands in the bookkeeping store too.
	rec, ok, err := st.GetJobRecord(ctx, jobID)
	if err != nil || !ok {
		t.Fatalf("GetJobRecord: ok=%v err=%v", ok, err)
	}
	if rec.Status != "completed" {
		t.Errorf("job record status = %s, want completed", rec.Status)
	}
}

func TestExecute_ResumeSkipsProcessedTables(t *testing.T) {
	srcPool, dstPool := setupPools(t)
	done := uniqueName("resume_done")
	pending := uniqueName("resume_pending")

	testutil.CreateSyncTable(t, srcPool, done, 5)
	testutil.CreateSyncTable(t, srcPool, pending, 5)
	testutil.CreateSyncTable(t, dstPool, done, 0)
	testutil.CreateSyncTable(t, dstPool, pending, 0)
	t.Cleanup(func() {
		for _, tbl := range []string{done, pending} {
			testutil.DropTestTable(t, srcPool, tbl)
			testutil.DropTestTable(t, dstPool, tbl)
		}
	})

	opts := baseOptions(uniqueName("job_resume"),
		config.TableConfig{TableName: done, Enabled: true},
		config.TableConfig{TableName: pending, Enabled: true})
	opts.Checkpoint = &executor.Checkpoint{ProcessedTables: []string{done}}

	exec := executor.New(opts, zerolog.New(zerolog.NewTestWriter(t)))
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := exec.Execute(ctx); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if got := testutil.TableRowCount(t, dstPool, done); got != 0 {
		t.Errorf("already-processed table was re-synced: %d rows", got)
	}
	if got := testutil.TableRowCount(t, dstPool, pending); got != 5 {
		t.Errorf("pending table has %d rows, want 5", got)
	}
}

func TestExecute_PauseCheckpointResume(t *testing.T) {
	srcPool, dstPool := setupPools(t)
	table := uniqueName("sync_pause")

	testutil.CreateSyncTable(t, srcPool, table, 60)
	testutil.CreateSyncTable(t, dstPool, table, 0)
	t.Cleanup(func() {
		testutil.DropTestTable(t, srcPool, table)
		testutil.DropTestTable(t, dstPool, table)
	})

	var (
		mu     sync.Mutex
		lastCP executor.Checkpoint
		seen   int
	)
	opts := baseOptions(uniqueName("job_pause"), config.TableConfig{TableName: table, Enabled: true})

	var exec *executor.Executor
	opts.OnCheckpoint = func(cp executor.Checkpoint) {
		mu.Lock()
		lastCP = cp
		seen++
		first := seen == 1
		mu.Unlock()
		if first {
			exec.Pause()
		}
	}
	exec = executor.New(opts, zerolog.New(zerolog.NewTestWriter(t)))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := exec.Execute(ctx); err == nil {
		t.Fatal("Execute: expected a pause error")
	}
	if exec.State() != executor.StatePaused {
		t.Fatalf("state = %s, want paused", exec.State())
	}

	mu.Lock()
	cp := lastCP
	mu.Unlock()
	partial := testutil.TableRowCount(t, dstPool, table)
	if partial == 0 || partial == 60 {
		t.Fatalf("pause landed outside the table: %d rows on target", partial)
	}

	// Resume from the emitted checkpoint and finish the table.
	opts2 := baseOptions(uniqueName("job_pause_resume"), config.TableConfig{TableName: table, Enabled: true})
	opts2.Checkpoint = &cp
	exec2 := executor.New(opts2, zerolog.New(zerolog.NewTestWriter(t)))
	if err := exec2.Execute(ctx); err != nil {
		t.Fatalf("resume Execute: %v", err)
	}
	if got := testutil.TableRowCount(t, dstPool, table); got != 60 {
		t.Errorf("after resume target has %d rows, want 60", got)
	}
}

func TestExecute_TablesOrderedByForeignKeys(t *testing.T) {
	srcPool, dstPool := setupPools(t)
	parent := uniqueName("fk_parent")
	child := uniqueName("fk_child")

	createPair := func(pool *pgxpool.Pool, seed bool) {
		ctx := context.Background()
		for _, q := range []string{
			fmt.Sprintf(`DROP TABLE IF EXISTS %q CASCADE`, child),
			fmt.Sprintf(`DROP TABLE IF EXISTS %q CASCADE`, parent),
			fmt.Sprintf(`CREATE TABLE %q (
				id UUID PRIMARY KEY,
				name TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`, parent),
			fmt.Sprintf(`CREATE TABLE %q (
				id UUID PRIMARY KEY,
				parent_id UUID NOT NULL REFERENCES %q (id),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`, child, parent),
		} {
			if _, err := pool.Exec(ctx, q); err != nil {
				t.Fatalf("setup %s: %v", q, err)
			}
		}
		if !seed {
			return
		}
		for i := 0; i < 10; i++ {
			pid := uuid.New()
			if _, err := pool.Exec(ctx, fmt.Sprintf(
				`INSERT INTO %q (id, name) VALUES ($1, $2)`, parent), pid, fmt.Sprintf("p-%d", i)); err != nil {
				t.Fatalf("seed parent: %v", err)
			}
			if _, err := pool.Exec(ctx, fmt.Sprintf(
				`INSERT INTO %q (id, parent_id) VALUES ($1, $2)`, child), uuid.New(), pid); err != nil {
				t.Fatalf("seed child: %v", err)
			}
		}
	}
	createPair(srcPool, true)
	createPair(dstPool, false)
	t.Cleanup(func() {
		for _, pool := range []*pgxpool.Pool{srcPool, dstPool} {
			testutil.DropTestTable(t, pool, child)
			testutil.DropTestTable(t, pool, parent)
		}
	})

	// Enabled child-first: only the FK reordering makes the inserts pass
	// against the target's non-deferrable constraint.
	var spy snapshotSpy
	opts := baseOptions(uniqueName("job_fk"),
		config.TableConfig{TableName: child, Enabled: true},
		config.TableConfig{TableName: parent, Enabled: true})
	opts.OnProgress = spy.record

	exec := executor.New(opts, zerolog.New(zerolog.NewTestWriter(t)))
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := exec.Execute(ctx); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if got := testutil.TableRowCount(t, dstPool, parent); got != 10 {
		t.Errorf("parent rows = %d, want 10", got)
	}
	if got := testutil.TableRowCount(t, dstPool, child); got != 10 {
		t.Errorf("child rows = %d, want 10", got)
	}
	if snap := spy.final(); snap.ErrorCount != 0 {
		t.Errorf("sync reported %d errors, want 0", snap.ErrorCount)
	}
}
