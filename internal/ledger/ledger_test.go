package ledger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/forgebatch/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// newTestLedger creates a ledger with a mirror, both under a temp dir
func newTestLedger(t *testing.T) (*Ledger, *Mirror) {
	t.Helper()
	dir := t.TempDir()
	mirror, err := NewMirror(filepath.Join(dir, "mirror"))
	require.NoError(t, err)
	l, err := Open(filepath.Join(dir, "tasks.db"), mirror)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, mirror
}

// newTestTask creates a queued task
func newTestTask(id, batch string, priority int) *types.Task {
	return &types.Task{
		ID:      types.TaskID(id),
		BatchID: types.BatchID(batch),
		Payload: types.TaskPayload{
			Prompt:   "a red fox in the snow",
			Workflow: types.WorkflowTxt2Img,
		},
		Priority:    priority,
		MaxAttempts: 3,
		Status:      types.StatusQueued,
		CreatedAt:   time.Now(),
	}
}

func newTestResult(id string) *types.Result {
	return &types.Result{
		TaskID:             types.TaskID(id),
		Artifacts:          []string{"out/fox_0001.png"},
		GenerationDuration: 2 * time.Second,
		CreatedAt:          time.Now(),
	}
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestCreateAndGet(t *testing.T) {
	l, _ := newTestLedger(t)

	task := newTestTask("t1", "b1", 0)
	require.NoError(t, l.Create(task))

	got, err := l.Get("t1")
	require.NoError(t, err)
	require.Equal(t, types.StatusQueued, got.Status)
	require.Equal(t, "a red fox in the snow", got.Payload.Prompt)
	require.Equal(t, 3, got.MaxAttempts)
}

func TestCreateDuplicate(t *testing.T) {
	l, _ := newTestLedger(t)

	require.NoError(t, l.Create(newTestTask("t1", "b1", 0)))
	err := l.Create(newTestTask("t1", "b1", 0))
	require.ErrorIs(t, err, ErrDuplicateTask)
}

func TestGetNotFound(t *testing.T) {
	l, _ := newTestLedger(t)

	_, err := l.Get("missing")
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestMarkRunningIncrementsAttempt(t *testing.T) {
	l, _ := newTestLedger(t)
	require.NoError(t, l.Create(newTestTask("t1", "b1", 0)))

	task, err := l.MarkRunning("t1")
	require.NoError(t, err)
	require.Equal(t, types.StatusRunning, task.Status)
	require.Equal(t, 1, task.Attempt)
	require.NotNil(t, task.StartedAt)
}

func TestMarkRunningRejectsNonQueued(t *testing.T) {
	l, _ := newTestLedger(t)
	require.NoError(t, l.Create(newTestTask("t1", "b1", 0)))

	_, err := l.MarkRunning("t1")
	require.NoError(t, err)

	// Second claim of the same task must fail
	_, err = l.MarkRunning("t1")
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestRetryCycle(t *testing.T) {
	l, _ := newTestLedger(t)
	require.NoError(t, l.Create(newTestTask("t1", "b1", 0)))

	_, err := l.MarkRunning("t1")
	require.NoError(t, err)

	terr := &types.TaskError{Kind: types.ErrKindTimeout, Message: "poll timed out", At: time.Now()}
	task, err := l.MarkRetrying("t1", terr)
	require.NoError(t, err)
	require.Equal(t, types.StatusRetrying, task.Status)
	require.NotNil(t, task.LastError)
	require.Equal(t, types.ErrKindTimeout, task.LastError.Kind)

	task, err = l.MarkQueued("t1")
	require.NoError(t, err)
	require.Equal(t, types.StatusQueued, task.Status)
	// Failure reason survives the requeue
	require.NotNil(t, task.LastError)
}

func TestMarkFailedFromRetrying(t *testing.T) {
	l, _ := newTestLedger(t)
	require.NoError(t, l.Create(newTestTask("t1", "b1", 0)))

	_, err := l.MarkRunning("t1")
	require.NoError(t, err)
	terr := &types.TaskError{Kind: types.ErrKindTransient, Message: "service unreachable", At: time.Now()}
	_, err = l.MarkRetrying("t1", terr)
	require.NoError(t, err)

	task, err := l.MarkFailed("t1", terr)
	require.NoError(t, err)
	require.Equal(t, types.StatusFailed, task.Status)
	require.NotNil(t, task.CompletedAt)
}

func TestRecordResult(t *testing.T) {
	l, _ := newTestLedger(t)
	require.NoError(t, l.Create(newTestTask("t1", "b1", 0)))
	_, err := l.MarkRunning("t1")
	require.NoError(t, err)

	task, err := l.RecordResult("t1", newTestResult("t1"))
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, task.Status)
	require.NotNil(t, task.CompletedAt)

	results, err := l.Results("b1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, []string{"out/fox_0001.png"}, results[0].Artifacts)
}

func TestRecordResultRequiresRunning(t *testing.T) {
	l, _ := newTestLedger(t)
	require.NoError(t, l.Create(newTestTask("t1", "b1", 0)))

	// Task is still queued: recording a result must fail and
	// must not leave an orphan result row behind.
	_, err := l.RecordResult("t1", newTestResult("t1"))
	require.ErrorIs(t, err, ErrInvalidState)

	results, err := l.Results("b1")
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestQueryFilters(t *testing.T) {
	l, _ := newTestLedger(t)

	base := time.Now()
	for i, id := range []string{"t1", "t2", "t3"} {
		task := newTestTask(id, "b1", 0)
		task.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, l.Create(task))
	}
	other := newTestTask("t4", "b2", 0)
	other.CreatedAt = base
	require.NoError(t, l.Create(other))
	_, err := l.MarkRunning("t1")
	require.NoError(t, err)

	byStatus, err := l.Query(Filter{Status: types.StatusQueued})
	require.NoError(t, err)
	require.Len(t, byStatus, 3)

	byBatch, err := l.Query(Filter{BatchID: "b2"})
	require.NoError(t, err)
	require.Len(t, byBatch, 1)

	byRange, err := l.Query(Filter{
		BatchID: "b1",
		From:    base.Add(30 * time.Second),
		To:      base.Add(90 * time.Second),
	})
	require.NoError(t, err)
	require.Len(t, byRange, 1)
	require.Equal(t, types.TaskID("t2"), byRange[0].ID)
}

func TestResetOrphanRunning(t *testing.T) {
	l, _ := newTestLedger(t)
	require.NoError(t, l.Create(newTestTask("t1", "b1", 0)))
	require.NoError(t, l.Create(newTestTask("t2", "b1", 0)))
	_, err := l.MarkRunning("t1")
	require.NoError(t, err)

	// Simulates the startup pass after a crash
	reset, err := l.ResetOrphanRunning()
	require.NoError(t, err)
	require.Len(t, reset, 1)
	require.Equal(t, types.TaskID("t1"), reset[0].ID)
	require.Equal(t, types.StatusQueued, reset[0].Status)
	// The interrupted attempt is not charged against the retry budget
	require.Equal(t, 1, reset[0].Attempt)
}

func TestRequeueFailedResetsAttempt(t *testing.T) {
	l, _ := newTestLedger(t)
	task := newTestTask("t1", "b1", 0)
	task.MaxAttempts = 1
	require.NoError(t, l.Create(task))
	_, err := l.MarkRunning("t1")
	require.NoError(t, err)
	terr := &types.TaskError{Kind: types.ErrKindTransient, Message: "boom", At: time.Now()}
	_, err = l.MarkFailed("t1", terr)
	require.NoError(t, err)

	requeued, err := l.RequeueFailed("b1")
	require.NoError(t, err)
	require.Len(t, requeued, 1)
	require.Equal(t, types.StatusQueued, requeued[0].Status)
	require.Equal(t, 0, requeued[0].Attempt)
	require.Nil(t, requeued[0].CompletedAt)
}

func TestCountsByStatus(t *testing.T) {
	l, _ := newTestLedger(t)
	require.NoError(t, l.Create(newTestTask("t1", "b1", 0)))
	require.NoError(t, l.Create(newTestTask("t2", "b1", 0)))
	_, err := l.MarkRunning("t2")
	require.NoError(t, err)

	counts, err := l.CountsByStatus()
	require.NoError(t, err)
	require.Equal(t, 1, counts[types.StatusQueued])
	require.Equal(t, 1, counts[types.StatusRunning])
	require.Equal(t, 0, counts[types.StatusCompleted])
}

func TestCreateBatchAtomic(t *testing.T) {
	l, _ := newTestLedger(t)

	// Pre-existing task collides with the second batch member
	require.NoError(t, l.Create(newTestTask("b-2", "old", 0)))

	batch := &types.Batch{
		ID:        "batch-1",
		Kind:      types.BatchFromList,
		Workflow:  types.WorkflowTxt2Img,
		TaskCount: 2,
		CreatedAt: time.Now(),
	}
	tasks := []*types.Task{newTestTask("b-1", "batch-1", 0), newTestTask("b-2", "batch-1", 0)}

	err := l.CreateBatch(batch, tasks)
	require.ErrorIs(t, err, ErrDuplicateTask)

	// Whole batch rolled back: first member must not exist
	_, err = l.Get("b-1")
	require.ErrorIs(t, err, ErrTaskNotFound)
	_, err = l.GetBatch("batch-1")
	require.ErrorIs(t, err, ErrBatchNotFound)
}

func TestFinalizeBatch(t *testing.T) {
	l, _ := newTestLedger(t)

	batch := &types.Batch{
		ID:        "batch-1",
		Kind:      types.BatchFromList,
		Workflow:  types.WorkflowTxt2Img,
		TaskCount: 2,
		CreatedAt: time.Now(),
	}
	tasks := []*types.Task{newTestTask("t1", "batch-1", 0), newTestTask("t2", "batch-1", 0)}
	require.NoError(t, l.CreateBatch(batch, tasks))

	_, err := l.MarkRunning("t1")
	require.NoError(t, err)
	_, err = l.RecordResult("t1", newTestResult("t1"))
	require.NoError(t, err)
	_, err = l.MarkRunning("t2")
	require.NoError(t, err)
	terr := &types.TaskError{Kind: types.ErrKindTransient, Message: "boom", At: time.Now()}
	_, err = l.MarkFailed("t2", terr)
	require.NoError(t, err)

	final, err := l.FinalizeBatch("batch-1")
	require.NoError(t, err)
	require.Equal(t, 1, final.Completed)
	require.Equal(t, 1, final.Failed)
}

// ============================================================================
// Mirror Tests
// ============================================================================

func TestMirrorTracksTransitions(t *testing.T) {
	l, mirror := newTestLedger(t)
	require.NoError(t, l.Create(newTestTask("t1", "b1", 0)))

	got, err := mirror.ReadTask("t1")
	require.NoError(t, err)
	require.Equal(t, types.StatusQueued, got.Status)

	_, err = l.MarkRunning("t1")
	require.NoError(t, err)

	got, err = mirror.ReadTask("t1")
	require.NoError(t, err)
	require.Equal(t, types.StatusRunning, got.Status)
}

func TestReconcileRebuildsAndPrunes(t *testing.T) {
	l, mirror := newTestLedger(t)
	require.NoError(t, l.Create(newTestTask("t1", "b1", 0)))

	// Corrupt one mirror file and plant an orphan
	taskPath := filepath.Join(mirror.dir, "tasks", "t1.json")
	require.NoError(t, os.WriteFile(taskPath, []byte("{broken"), 0644))
	orphanPath := filepath.Join(mirror.dir, "tasks", "ghost.json")
	require.NoError(t, os.WriteFile(orphanPath, []byte("{}"), 0644))

	require.NoError(t, l.Reconcile())

	got, err := mirror.ReadTask("t1")
	require.NoError(t, err)
	require.Equal(t, types.StatusQueued, got.Status)

	_, err = os.Stat(orphanPath)
	require.True(t, os.IsNotExist(err))

	// Idempotent: a second pass changes nothing and does not fail
	require.NoError(t, l.Reconcile())
	_, err = mirror.ReadTask("t1")
	require.NoError(t, err)
}

func TestMirrorFailureDoesNotBlockPrimary(t *testing.T) {
	dir := t.TempDir()
	mirror, err := NewMirror(filepath.Join(dir, "mirror"))
	require.NoError(t, err)
	l, err := Open(filepath.Join(dir, "tasks.db"), mirror)
	require.NoError(t, err)
	defer l.Close()

	// Remove the mirror tree so every write fails
	require.NoError(t, os.RemoveAll(filepath.Join(dir, "mirror")))

	require.NoError(t, l.Create(newTestTask("t1", "b1", 0)))
	got, err := l.Get("t1")
	require.NoError(t, err)
	require.Equal(t, types.StatusQueued, got.Status)
}
