package queue

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/forgebatch/internal/ledger"
	"github.com/ChuLiYu/forgebatch/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "tasks.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return New(l)
}

func newTestTask(id string, priority int, createdAt time.Time) *types.Task {
	return &types.Task{
		ID:      types.TaskID(id),
		BatchID: "b1",
		Payload: types.TaskPayload{
			Prompt:   "test prompt",
			Workflow: types.WorkflowTxt2Img,
		},
		Priority:    priority,
		MaxAttempts: 3,
		Status:      types.StatusQueued,
		CreatedAt:   createdAt,
	}
}

// ============================================================================
// Ordering Tests
// ============================================================================

func TestClaimOrderPriorityThenFIFO(t *testing.T) {
	q := newTestQueue(t)
	base := time.Now()

	// Enqueued out of order on purpose
	require.NoError(t, q.Enqueue(newTestTask("low-old", 0, base)))
	require.NoError(t, q.Enqueue(newTestTask("high-new", 5, base.Add(2*time.Second))))
	require.NoError(t, q.Enqueue(newTestTask("high-old", 5, base.Add(time.Second))))
	require.NoError(t, q.Enqueue(newTestTask("low-new", 0, base.Add(3*time.Second))))

	want := []types.TaskID{"high-old", "high-new", "low-old", "low-new"}
	for _, id := range want {
		task, err := q.ClaimNext()
		require.NoError(t, err)
		require.NotNil(t, task)
		require.Equal(t, id, task.ID)
	}
}

func TestClaimEmptyReturnsNil(t *testing.T) {
	q := newTestQueue(t)

	task, err := q.ClaimNext()
	require.NoError(t, err)
	require.Nil(t, task)
}

func TestClaimMarksRunning(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Enqueue(newTestTask("t1", 0, time.Now())))

	task, err := q.ClaimNext()
	require.NoError(t, err)
	require.Equal(t, types.StatusRunning, task.Status)
	require.Equal(t, 1, task.Attempt)
	require.Equal(t, 0, q.PeekDepth())
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrentClaimAtMostOnce(t *testing.T) {
	q := newTestQueue(t)
	const n = 20
	base := time.Now()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("t%02d", i)
		require.NoError(t, q.Enqueue(newTestTask(id, 0, base.Add(time.Duration(i)*time.Millisecond))))
	}

	var mu sync.Mutex
	seen := make(map[types.TaskID]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := q.ClaimNext()
				if err != nil {
					t.Error(err)
					return
				}
				if task == nil {
					return
				}
				mu.Lock()
				seen[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, n)
	for id, count := range seen {
		require.Equalf(t, 1, count, "task %s claimed %d times", id, count)
	}
}

// ============================================================================
// Lifecycle Tests
// ============================================================================

func TestReleaseSuccess(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Enqueue(newTestTask("t1", 0, time.Now())))
	claimed, err := q.ClaimNext()
	require.NoError(t, err)

	task, err := q.Release(claimed.ID, Outcome{Result: &types.Result{
		TaskID:             claimed.ID,
		Artifacts:          []string{"out/img.png"},
		GenerationDuration: time.Second,
		CreatedAt:          time.Now(),
	}})
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, task.Status)
}

func TestReleaseRetryAndRequeue(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Enqueue(newTestTask("t1", 0, time.Now())))
	claimed, err := q.ClaimNext()
	require.NoError(t, err)

	terr := &types.TaskError{Kind: types.ErrKindTimeout, Message: "poll timed out", At: time.Now()}
	task, err := q.Release(claimed.ID, Outcome{Err: terr, Retry: true})
	require.NoError(t, err)
	require.Equal(t, types.StatusRetrying, task.Status)
	require.Equal(t, 0, q.PeekDepth())

	require.NoError(t, q.Requeue(claimed.ID))
	require.Equal(t, 1, q.PeekDepth())

	// Second claim increments the attempt again
	task, err = q.ClaimNext()
	require.NoError(t, err)
	require.Equal(t, 2, task.Attempt)
}

func TestReleaseUnclaimed(t *testing.T) {
	q := newTestQueue(t)

	_, err := q.Release("ghost", Outcome{Retry: true})
	require.ErrorIs(t, err, ErrNotClaimed)
}

func TestPauseBlocksClaims(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Enqueue(newTestTask("t1", 0, time.Now())))

	q.Pause()
	task, err := q.ClaimNext()
	require.NoError(t, err)
	require.Nil(t, task)
	require.True(t, q.Paused())

	q.Resume()
	task, err = q.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, task)
}

func TestDrainSnapshot(t *testing.T) {
	q := newTestQueue(t)
	base := time.Now()
	require.NoError(t, q.Enqueue(newTestTask("t1", 0, base)))
	require.NoError(t, q.Enqueue(newTestTask("t2", 5, base)))
	require.NoError(t, q.Enqueue(newTestTask("t3", 5, base.Add(time.Second))))

	claimed, err := q.ClaimNext()
	require.NoError(t, err)
	_, err = q.Release(claimed.ID, Outcome{Result: &types.Result{
		TaskID:    claimed.ID,
		CreatedAt: time.Now(),
	}})
	require.NoError(t, err)

	stats, err := q.DrainSnapshot()
	require.NoError(t, err)
	require.Equal(t, 2, stats.Depth)
	require.Equal(t, 0, stats.Claimed)
	require.Equal(t, map[int]int{0: 1, 5: 1}, stats.PerPriority)
	require.Equal(t, 1, stats.Counts[types.StatusCompleted])
	require.Equal(t, 1.0, stats.SuccessRate)
}
