package monitor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/forgebatch/internal/ledger"
	"github.com/ChuLiYu/forgebatch/internal/queue"
	"github.com/ChuLiYu/forgebatch/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func newTestMonitor(t *testing.T, cfg Config) (*Monitor, *queue.Queue, *ledger.Ledger) {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "tasks.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	q := queue.New(l)
	m := New(cfg, q, l, nil)
	t.Cleanup(m.Stop)
	return m, q, l
}

func enqueueN(t *testing.T, q *queue.Queue, n int) {
	t.Helper()
	base := time.Now()
	for i := 0; i < n; i++ {
		require.NoError(t, q.Enqueue(&types.Task{
			ID:          types.TaskID(string(rune('a' + i))),
			BatchID:     "b1",
			Payload:     types.TaskPayload{Prompt: "x", Workflow: types.WorkflowTxt2Img},
			MaxAttempts: 1,
			Status:      types.StatusQueued,
			CreatedAt:   base.Add(time.Duration(i) * time.Millisecond),
		}))
	}
}

func completeOne(t *testing.T, q *queue.Queue, d time.Duration) {
	t.Helper()
	task, err := q.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, task)
	_, err = q.Release(task.ID, queue.Outcome{Result: &types.Result{
		TaskID:             task.ID,
		GenerationDuration: d,
		CreatedAt:          time.Now(),
	}})
	require.NoError(t, err)
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestSampleZeroThroughputUnknownETA(t *testing.T) {
	m, q, _ := newTestMonitor(t, Config{})
	enqueueN(t, q, 3)

	m.Sample()

	snap, ok := m.Latest()
	require.True(t, ok)
	require.Equal(t, 3, snap.QueueDepth)
	require.Equal(t, 0.0, snap.Throughput)
	// Zero throughput must report unknown, not a bogus ETA
	require.False(t, snap.ETAKnown)
	require.Positive(t, snap.Goroutines)
}

func TestThroughputAndETA(t *testing.T) {
	m, q, _ := newTestMonitor(t, Config{Window: 10})
	enqueueN(t, q, 4)

	m.Sample()
	time.Sleep(20 * time.Millisecond)
	completeOne(t, q, time.Second)
	completeOne(t, q, 2*time.Second)
	m.Sample()

	snap, ok := m.Latest()
	require.True(t, ok)
	require.Positive(t, snap.Throughput)
	require.True(t, snap.ETAKnown)
	require.Positive(t, snap.ETA)
}

func TestHistoryBounded(t *testing.T) {
	m, _, _ := newTestMonitor(t, Config{HistoryCap: 5})

	for i := 0; i < 8; i++ {
		m.Sample()
	}

	history := m.History(0)
	require.Len(t, history, 5)
	// Oldest snapshots evicted: history is ordered oldest to newest
	for i := 1; i < len(history); i++ {
		require.False(t, history[i].TakenAt.Before(history[i-1].TakenAt))
	}

	limited := m.History(2)
	require.Len(t, limited, 2)
	require.Equal(t, history[len(history)-1].TakenAt, limited[1].TakenAt)
}

func TestObserverPanicIsolated(t *testing.T) {
	m, q, _ := newTestMonitor(t, Config{})
	enqueueN(t, q, 1)

	var got []types.Snapshot
	m.AddObserver(func(types.Snapshot) { panic("observer bug") })
	m.AddObserver(func(s types.Snapshot) { got = append(got, s) })

	m.Sample()

	// The panicking observer must not starve the healthy one
	require.Len(t, got, 1)
	require.Equal(t, 1, got[0].QueueDepth)
}

func TestPerformanceSummary(t *testing.T) {
	m, q, _ := newTestMonitor(t, Config{Window: 10})
	enqueueN(t, q, 3)

	m.Sample()
	time.Sleep(20 * time.Millisecond)
	completeOne(t, q, time.Second)
	completeOne(t, q, 3*time.Second)
	m.Sample()

	summary, err := m.PerformanceSummary()
	require.NoError(t, err)
	require.Equal(t, 2, summary.SampleCount)
	require.Equal(t, time.Second, summary.MinDuration)
	require.Equal(t, 3*time.Second, summary.MaxDuration)
	require.Equal(t, 2*time.Second, summary.AvgDuration)
	require.Positive(t, summary.PeakThroughput)
}

func TestCollectorRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.TasksEnqueued(3)
	c.TaskCompleted(1.5)
	c.TaskFailed()
	c.TaskRetried()
	c.ObserveSnapshot(types.Snapshot{
		Counts:     map[types.TaskStatus]int{types.StatusQueued: 2},
		QueueDepth: 2,
		Throughput: 4.5,
		HeapMB:     12,
		Goroutines: 9,
	})

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"forgebatch_tasks_enqueued_total",
		"forgebatch_tasks_completed_total",
		"forgebatch_generation_duration_seconds",
		"forgebatch_tasks",
		"forgebatch_queue_depth",
		"forgebatch_throughput_per_minute",
	} {
		require.Truef(t, names[want], "metric %s not gathered", want)
	}
}
