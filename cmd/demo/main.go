// Demo: runs the whole engine against an in-memory fake generation
// service, so the pipeline can be exercised without a real backend.
//
// Flow:
//  1. wire a coordinator over a temp store
//  2. create one subject batch and one exhaustive batch
//  3. start the engine, watch progress on the console
//  4. print per-batch results and the performance summary
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/forgebatch/internal/coordinator"
	"github.com/ChuLiYu/forgebatch/internal/dispatch"
	"github.com/ChuLiYu/forgebatch/internal/genclient"
	"github.com/ChuLiYu/forgebatch/internal/monitor"
	"github.com/ChuLiYu/forgebatch/pkg/types"
)

// fakeService simulates the generation service: every submission
// finishes after a short random delay, a few fail transiently.
type fakeService struct {
	mu   sync.Mutex
	jobs map[genclient.JobHandle]time.Time
	next int
}

func newFakeService() *fakeService {
	return &fakeService{jobs: make(map[genclient.JobHandle]time.Time)}
}

func (f *fakeService) Submit(ctx context.Context, sub genclient.Submission) (genclient.JobHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rand.Intn(10) == 0 {
		return "", &types.TransientError{Op: "submit", Err: fmt.Errorf("simulated hiccup")}
	}
	f.next++
	handle := genclient.JobHandle(fmt.Sprintf("job-%04d", f.next))
	f.jobs[handle] = time.Now().Add(time.Duration(200+rand.Intn(400)) * time.Millisecond)
	return handle, nil
}

func (f *fakeService) Poll(ctx context.Context, h genclient.JobHandle) (genclient.PollStatus, error) {
	f.mu.Lock()
	done, ok := f.jobs[h]
	f.mu.Unlock()
	if !ok {
		return genclient.PollStatus{State: genclient.StateFailed, Reason: "unknown job"}, nil
	}
	if time.Now().Before(done) {
		return genclient.PollStatus{State: genclient.StatePending}, nil
	}
	return genclient.PollStatus{
		State:     genclient.StateDone,
		Artifacts: []string{fmt.Sprintf("out/%s.png", h)},
	}, nil
}

func (f *fakeService) HealthCheck(ctx context.Context) (genclient.ServiceHealth, error) {
	return genclient.ServiceHealth{Reachable: true}, nil
}

func main() {
	dir, err := os.MkdirTemp("", "forgebatch-demo-")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	coord, err := coordinator.New(coordinator.Config{
		DBPath:    filepath.Join(dir, "tasks.db"),
		MirrorDir: filepath.Join(dir, "mirror"),
		Dispatch: dispatch.Config{
			Workers:       4,
			ClaimInterval: 20 * time.Millisecond,
			PollInterval:  50 * time.Millisecond,
			TaskTimeout:   10 * time.Second,
			BackoffBase:   100 * time.Millisecond,
			BackoffCap:    time.Second,
		},
		Monitor: monitor.Config{Interval: 500 * time.Millisecond},
	}, newFakeService(), nil, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer coord.Close()

	fmt.Println("=== ForgeBatch demo ===")

	subjectBatch, err := coord.CreateBatchFromSubject("a red fox in the snow", 6, coordinator.BatchRequest{
		Workflow: types.WorkflowTxt2Img,
		Priority: 5,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("subject batch %s: %d tasks (priority 5)\n", subjectBatch.ID, subjectBatch.TaskCount)

	gridBatch, err := coord.CreateExhaustiveBatch("animal portraits", []coordinator.Dimension{
		{Name: "subject", Values: []string{"an owl", "a lynx"}},
		{Name: "style", Values: []string{"oil painting", "ink sketch", "watercolor"}},
	}, coordinator.BatchRequest{Workflow: types.WorkflowTxt2Img})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("grid batch %s: %d tasks (priority 0)\n", gridBatch.ID, gridBatch.TaskCount)

	coord.AddProgressObserver(func(snap types.Snapshot) {
		fmt.Printf("  progress: queued=%d running=%d completed=%d failed=%d depth=%d\n",
			snap.Counts[types.StatusQueued],
			snap.Counts[types.StatusRunning],
			snap.Counts[types.StatusCompleted],
			snap.Counts[types.StatusFailed],
			snap.QueueDepth)
	})

	if err := coord.Start(4); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	total := subjectBatch.TaskCount + gridBatch.TaskCount
	deadline := time.Now().Add(2 * time.Minute)
	for time.Now().Before(deadline) {
		st, err := coord.Status()
		if err == nil {
			done := st.Queue.Counts[types.StatusCompleted] + st.Queue.Counts[types.StatusFailed]
			if done == total {
				break
			}
		}
		time.Sleep(200 * time.Millisecond)
	}

	if summary, err := coord.PerformanceSummary(); err == nil {
		fmt.Printf("throughput avg=%.1f/min peak=%.1f/min, duration avg=%s\n",
			summary.AvgThroughput, summary.PeakThroughput, summary.AvgDuration.Round(time.Millisecond))
	}

	coord.Stop()

	for _, id := range []types.BatchID{subjectBatch.ID, gridBatch.ID} {
		res, err := coord.Results(id)
		if err != nil {
			continue
		}
		fmt.Printf("batch %s: completed=%d failed=%d artifacts=%d\n",
			id, res.Counts[types.StatusCompleted], res.Counts[types.StatusFailed], len(res.Artifacts))
	}
	fmt.Println("=== demo finished ===")
}
