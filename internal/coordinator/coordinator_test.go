package coordinator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/forgebatch/internal/dispatch"
	"github.com/ChuLiYu/forgebatch/internal/genclient"
	"github.com/ChuLiYu/forgebatch/internal/ledger"
	"github.com/ChuLiYu/forgebatch/internal/monitor"
	"github.com/ChuLiYu/forgebatch/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// fakeService is a scriptable generation service.
type fakeService struct {
	reachable sync.Map // single key "r" -> bool
	submitErr error
	lock      sync.Mutex
	next      int
}

func newFakeService() *fakeService {
	f := &fakeService{}
	f.setReachable(true)
	return f
}

func (f *fakeService) setReachable(ok bool) { f.reachable.Store("r", ok) }

func (f *fakeService) isReachable() bool {
	v, _ := f.reachable.Load("r")
	ok, _ := v.(bool)
	return ok
}

func (f *fakeService) Submit(ctx context.Context, sub genclient.Submission) (genclient.JobHandle, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.next++
	return genclient.JobHandle(fmt.Sprintf("job-%d", f.next)), nil
}

func (f *fakeService) Poll(ctx context.Context, h genclient.JobHandle) (genclient.PollStatus, error) {
	return genclient.PollStatus{
		State:     genclient.StateDone,
		Artifacts: []string{"out/" + string(h) + ".png"},
	}, nil
}

func (f *fakeService) HealthCheck(ctx context.Context) (genclient.ServiceHealth, error) {
	if !f.isReachable() {
		return genclient.ServiceHealth{Reachable: false, Detail: "connection refused"}, nil
	}
	return genclient.ServiceHealth{Reachable: true}, nil
}

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		DBPath:         filepath.Join(t.TempDir(), "tasks.db"),
		HealthInterval: time.Hour, // individual tests shorten this
		Dispatch: dispatch.Config{
			Workers:       2,
			ClaimInterval: 5 * time.Millisecond,
			PollInterval:  5 * time.Millisecond,
			TaskTimeout:   2 * time.Second,
			BackoffBase:   10 * time.Millisecond,
			BackoffCap:    50 * time.Millisecond,
		},
		Monitor: monitor.Config{Interval: 10 * time.Millisecond},
	}
}

func newTestCoordinator(t *testing.T, svc genclient.Client, cfg Config) *Coordinator {
	t.Helper()
	c, err := New(cfg, svc, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Stop()
		c.Close()
	})
	return c
}

var testRequest = BatchRequest{Workflow: types.WorkflowTxt2Img}

func waitAllTerminal(t *testing.T, c *Coordinator, batchID types.BatchID, total int) {
	t.Helper()
	require.Eventually(t, func() bool {
		res, err := c.Results(batchID)
		if err != nil {
			return false
		}
		return res.Counts[types.StatusCompleted]+res.Counts[types.StatusFailed] == total
	}, 10*time.Second, 10*time.Millisecond)
}

// ============================================================================
// Batch Creation Tests
// ============================================================================

func TestCreateBatchFromSubject(t *testing.T) {
	c := newTestCoordinator(t, newFakeService(), testConfig(t))

	batch, err := c.CreateBatchFromSubject("a red fox", 5, testRequest)
	require.NoError(t, err)
	require.Equal(t, 5, batch.TaskCount)
	require.Equal(t, types.BatchFromSubject, batch.Kind)

	tasks, err := c.Ledger().Query(ledger.Filter{BatchID: batch.ID})
	require.NoError(t, err)
	require.Len(t, tasks, 5)
	for _, task := range tasks {
		require.Equal(t, types.StatusQueued, task.Status)
		require.Contains(t, task.Payload.Prompt, "a red fox")
	}
	// Prompt variants must differ from each other
	require.NotEqual(t, tasks[0].Payload.Prompt, tasks[1].Payload.Prompt)
}

func TestCreateBatchFromList(t *testing.T) {
	c := newTestCoordinator(t, newFakeService(), testConfig(t))

	batch, err := c.CreateBatchFromList([]string{"p1", "p2"}, BatchRequest{
		Workflow: types.WorkflowTxt2Img,
		Priority: 7,
	})
	require.NoError(t, err)
	require.Equal(t, 2, batch.TaskCount)

	tasks, err := c.Ledger().Query(ledger.Filter{BatchID: batch.ID})
	require.NoError(t, err)
	require.Equal(t, 7, tasks[0].Priority)
}

func TestCreateBatchValidation(t *testing.T) {
	c := newTestCoordinator(t, newFakeService(), testConfig(t))

	_, err := c.CreateBatchFromList([]string{"ok"}, BatchRequest{Workflow: "video"})
	require.True(t, types.IsValidation(err))

	_, err = c.CreateBatchFromList(nil, testRequest)
	require.True(t, types.IsValidation(err))

	_, err = c.CreateBatchFromSubject("", 3, testRequest)
	require.True(t, types.IsValidation(err))
}

func TestCreateExhaustiveBatch(t *testing.T) {
	c := newTestCoordinator(t, newFakeService(), testConfig(t))

	dims := []Dimension{
		{Name: "subject", Values: []string{"fox", "owl"}},
		{Name: "style", Values: []string{"oil painting", "watercolor", "ink sketch"}},
	}
	batch, err := c.CreateExhaustiveBatch("animals", dims, testRequest)
	require.NoError(t, err)
	require.Equal(t, 6, batch.TaskCount)

	tasks, err := c.Ledger().Query(ledger.Filter{BatchID: batch.ID})
	require.NoError(t, err)
	require.Equal(t, "fox, oil painting", tasks[0].Payload.Prompt)
	require.Equal(t, "owl, ink sketch", tasks[5].Payload.Prompt)
}

func TestCreateExhaustiveBatchLimitExceeded(t *testing.T) {
	c := newTestCoordinator(t, newFakeService(), testConfig(t))

	values := make([]string, 50)
	for i := range values {
		values[i] = fmt.Sprintf("v%d", i)
	}
	dims := []Dimension{
		{Name: "a", Values: values},
		{Name: "b", Values: values},
		{Name: "c", Values: values},
	}
	// 50^3 = 125000 > pre-truncation guard
	_, err := c.CreateExhaustiveBatch("x", dims, testRequest)
	require.ErrorIs(t, err, ErrLimitExceeded)
}

func TestExhaustiveTruncatesToBatchLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxBatchTasks = 4
	c := newTestCoordinator(t, newFakeService(), cfg)

	dims := []Dimension{
		{Name: "subject", Values: []string{"fox", "owl"}},
		{Name: "style", Values: []string{"oil", "ink", "pastel"}},
	}
	// 6 combinations is legal, but only the first 4 are kept
	batch, err := c.CreateExhaustiveBatch("x", dims, testRequest)
	require.NoError(t, err)
	require.Equal(t, 4, batch.TaskCount)
}

func TestCreateBatchOverTaskLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxBatchTasks = 3
	c := newTestCoordinator(t, newFakeService(), cfg)

	_, err := c.CreateBatchFromList([]string{"a", "b", "c", "d"}, testRequest)
	require.ErrorIs(t, err, ErrLimitExceeded)
}

// ============================================================================
// Lifecycle Tests
// ============================================================================

func TestRunBatchToCompletion(t *testing.T) {
	c := newTestCoordinator(t, newFakeService(), testConfig(t))

	batch, err := c.CreateBatchFromSubject("a lighthouse", 4, testRequest)
	require.NoError(t, err)
	require.NoError(t, c.Start(2))

	waitAllTerminal(t, c, batch.ID, 4)

	res, err := c.Results(batch.ID)
	require.NoError(t, err)
	require.Equal(t, 4, res.Counts[types.StatusCompleted])
	require.Len(t, res.Results, 4)
	require.Len(t, res.Artifacts, 4)

	// Batch summary is finalized once every task is terminal
	require.Eventually(t, func() bool {
		b, err := c.Ledger().GetBatch(batch.ID)
		return err == nil && b.Completed == 4
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStartRejectsUnreachableService(t *testing.T) {
	svc := newFakeService()
	svc.setReachable(false)
	c := newTestCoordinator(t, svc, testConfig(t))

	err := c.Start(1)
	require.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestStartTwice(t *testing.T) {
	c := newTestCoordinator(t, newFakeService(), testConfig(t))

	require.NoError(t, c.Start(1))
	require.ErrorIs(t, c.Start(1), ErrAlreadyRunning)
}

func TestPauseStopsClaims(t *testing.T) {
	c := newTestCoordinator(t, newFakeService(), testConfig(t))
	require.NoError(t, c.Start(1))
	require.NoError(t, c.Pause())

	batch, err := c.CreateBatchFromList([]string{"p1", "p2"}, testRequest)
	require.NoError(t, err)

	// Paused engine must not claim anything
	time.Sleep(100 * time.Millisecond)
	status, err := c.Status()
	require.NoError(t, err)
	require.True(t, status.Paused)
	require.Equal(t, 2, status.Queue.Counts[types.StatusQueued])

	require.NoError(t, c.Resume())
	waitAllTerminal(t, c, batch.ID, 2)
}

func TestRestartRecoversOrphans(t *testing.T) {
	cfg := testConfig(t)
	svc := newFakeService()

	// First life: create a batch and strand one task in running
	c1, err := New(cfg, svc, nil, nil)
	require.NoError(t, err)
	batch, err := c1.CreateBatchFromList([]string{"p1", "p2"}, testRequest)
	require.NoError(t, err)
	tasks, err := c1.Ledger().Query(ledger.Filter{BatchID: batch.ID})
	require.NoError(t, err)
	_, err = c1.Ledger().MarkRunning(tasks[0].ID)
	require.NoError(t, err)
	require.NoError(t, c1.Close()) // crash: no Stop

	// Second life on the same database
	c2 := newTestCoordinator(t, svc, cfg)
	require.NoError(t, c2.Start(2))
	waitAllTerminal(t, c2, batch.ID, 2)

	res, err := c2.Results(batch.ID)
	require.NoError(t, err)
	require.Equal(t, 2, res.Counts[types.StatusCompleted])

	// The interrupted attempt was not charged: the orphan ran twice total
	recovered, err := c2.Ledger().Get(tasks[0].ID)
	require.NoError(t, err)
	require.Equal(t, 2, recovered.Attempt)
}

func TestRequeueFailed(t *testing.T) {
	svc := newFakeService()
	svc.submitErr = &types.TransientError{Op: "submit", Err: fmt.Errorf("boom")}
	cfg := testConfig(t)
	c := newTestCoordinator(t, svc, cfg)

	batch, err := c.CreateBatchFromList([]string{"p1"}, BatchRequest{
		Workflow:    types.WorkflowTxt2Img,
		MaxAttempts: 1,
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(1))
	waitAllTerminal(t, c, batch.ID, 1)

	res, err := c.Results(batch.ID)
	require.NoError(t, err)
	require.Equal(t, 1, res.Counts[types.StatusFailed])

	// Service heals; failed tasks go back with a fresh attempt budget
	svc.lock.Lock()
	svc.submitErr = nil
	svc.lock.Unlock()

	n, err := c.RequeueFailed(batch.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	waitAllTerminal(t, c, batch.ID, 1)

	res, err = c.Results(batch.ID)
	require.NoError(t, err)
	require.Equal(t, 1, res.Counts[types.StatusCompleted])
}

func TestHealthLoopAutoPausesAndResumes(t *testing.T) {
	svc := newFakeService()
	cfg := testConfig(t)
	cfg.HealthInterval = 10 * time.Millisecond
	c := newTestCoordinator(t, svc, cfg)
	require.NoError(t, c.Start(1))

	svc.setReachable(false)
	require.Eventually(t, func() bool {
		st, err := c.Status()
		return err == nil && st.HealthPaused
	}, 5*time.Second, 5*time.Millisecond)

	svc.setReachable(true)
	require.Eventually(t, func() bool {
		st, err := c.Status()
		return err == nil && !st.HealthPaused
	}, 5*time.Second, 5*time.Millisecond)
}
