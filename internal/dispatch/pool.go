// ============================================================================
// ForgeBatch Dispatcher - concurrent task execution
// ============================================================================
//
// Package: internal/dispatch
// File: pool.go
// Role: runs N workers that claim tasks from the queue, drive them
// through the generation service, and release them with an outcome.
//
// Worker lifecycle per task:
//  1. ClaimNext (queue marks the task running, attempt incremented)
//  2. Build the submission (validation failure = permanent, no retry)
//  3. Submit to the generation service
//  4. Poll until done / failed / task timeout
//  5. Release with the outcome; transient failures back off and requeue
//     while the attempt budget lasts, then dead-letter as failed
//
// Shutdown:
//   Stop() closes stopCh so workers stop claiming, lets in-flight tasks
//   reach a terminal state (bounded by the task timeout), flushes the
//   pending backoff timers back into the queue, then waits on the
//   WaitGroup.
//
// ============================================================================

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/forgebatch/internal/genclient"
	"github.com/ChuLiYu/forgebatch/internal/logging"
	"github.com/ChuLiYu/forgebatch/internal/queue"
	"github.com/ChuLiYu/forgebatch/pkg/types"
)

var (
	ErrPoolStarted = errors.New("dispatcher already started")
	ErrPoolStopped = errors.New("dispatcher is stopped")
)

// Config tunes the dispatcher.
type Config struct {
	Workers       int
	ClaimInterval time.Duration // how often an idle worker re-checks the queue
	PollInterval  time.Duration // delay between polls of a submitted job
	TaskTimeout   time.Duration // submit + poll budget for one attempt
	BackoffBase   time.Duration // first retry delay, doubles per attempt
	BackoffCap    time.Duration // upper bound on the retry delay
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = 100 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 10 * time.Minute
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 2 * time.Minute
	}
	return c
}

// Pool runs the workers.
type Pool struct {
	cfg     Config
	queue   *queue.Queue
	client  genclient.Client
	builder SubmissionBuilder

	// onTerminal fires after a task reaches completed or failed.
	// Set by the coordinator before Start; nil is fine.
	onTerminal func(*types.Task)

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	stopped bool

	// pending backoff timers, flushed on Stop
	timerMu sync.Mutex
	timers  map[types.TaskID]*time.Timer
}

// NewPool wires a dispatcher; Start launches the workers.
func NewPool(cfg Config, q *queue.Queue, client genclient.Client, builder SubmissionBuilder) *Pool {
	return &Pool{
		cfg:     cfg.withDefaults(),
		queue:   q,
		client:  client,
		builder: builder,
		stopCh:  make(chan struct{}),
		timers:  make(map[types.TaskID]*time.Timer),
	}
}

// OnTerminal registers the terminal-state hook. Must be called before Start.
func (p *Pool) OnTerminal(fn func(*types.Task)) {
	p.onTerminal = fn
}

// Start launches the configured number of workers.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrPoolStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}
	p.started = true

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.runWorker(i)
	}
	logging.Info("dispatcher started", zap.Int("workers", p.cfg.Workers))
	return nil
}

// Stop drains the pool: workers finish their in-flight task, pending
// retry timers are flushed back into the queue, then all goroutines
// are joined. Safe to call more than once.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)

	// Cancel backoff timers and requeue their tasks now, so a restart
	// sees them as queued instead of stranded in retrying.
	p.timerMu.Lock()
	for id, timer := range p.timers {
		if timer.Stop() {
			if err := p.queue.Requeue(id); err != nil {
				logging.Warn("failed to requeue on shutdown",
					zap.String("task_id", string(id)), zap.Error(err))
			}
		}
		delete(p.timers, id)
	}
	p.timerMu.Unlock()

	p.wg.Wait()
	logging.Info("dispatcher stopped")
}

// runWorker is one worker's main loop: tick, claim, execute.
func (p *Pool) runWorker(id int) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			task, err := p.queue.ClaimNext()
			if err != nil {
				logging.Warn("claim failed", zap.Int("worker", id), zap.Error(err))
				continue
			}
			if task == nil {
				continue // queue empty or paused
			}
			p.executeTask(id, task)
		}
	}
}

// executeTask drives one claimed task to an outcome. It deliberately
// ignores stopCh: an in-flight generation is allowed to finish so Stop
// drains cleanly, bounded by the task timeout.
func (p *Pool) executeTask(workerID int, task *types.Task) {
	log := logging.L().With(
		zap.Int("worker", workerID),
		zap.String("task_id", string(task.ID)),
		zap.Int("attempt", task.Attempt),
	)

	sub, err := p.builder.Build(task.Payload)
	if err != nil {
		if types.IsValidation(err) {
			// Malformed payloads never become valid by retrying.
			log.Warn("payload rejected", zap.Error(err))
			p.release(task, queue.Outcome{Err: &types.TaskError{
				Kind:    types.ErrKindValidation,
				Message: err.Error(),
				At:      time.Now(),
			}})
			return
		}
		p.fail(task, &types.TaskError{
			Kind:    types.ErrKindTransient,
			Message: err.Error(),
			At:      time.Now(),
		}, log)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.TaskTimeout)
	defer cancel()

	start := time.Now()
	handle, err := p.client.Submit(ctx, sub)
	if err != nil {
		p.fail(task, classify(ctx, err), log)
		return
	}
	log.Debug("submitted", zap.String("handle", string(handle)))

	status, err := p.pollUntilDone(ctx, handle)
	if err != nil {
		p.fail(task, classify(ctx, err), log)
		return
	}
	if status.State == genclient.StateFailed {
		p.fail(task, &types.TaskError{
			Kind:    types.ErrKindTransient,
			Message: fmt.Sprintf("generation failed: %s", status.Reason),
			At:      time.Now(),
		}, log)
		return
	}

	result := &types.Result{
		TaskID:             task.ID,
		Artifacts:          status.Artifacts,
		GenerationDuration: time.Since(start),
		CreatedAt:          time.Now(),
	}
	log.Info("task completed",
		zap.Duration("duration", result.GenerationDuration),
		zap.Int("artifacts", len(result.Artifacts)))
	p.release(task, queue.Outcome{Result: result})
}

// pollUntilDone polls the job until it is terminal or ctx expires.
func (p *Pool) pollUntilDone(ctx context.Context, handle genclient.JobHandle) (genclient.PollStatus, error) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return genclient.PollStatus{}, ctx.Err()
		case <-ticker.C:
			status, err := p.client.Poll(ctx, handle)
			if err != nil {
				return genclient.PollStatus{}, err
			}
			if status.State != genclient.StatePending {
				return status, nil
			}
		}
	}
}

// fail applies the retry policy to a transient failure.
func (p *Pool) fail(task *types.Task, terr *types.TaskError, log *zap.Logger) {
	retry := task.Attempt < task.MaxAttempts
	if !retry {
		log.Warn("task dead-lettered",
			zap.String("kind", string(terr.Kind)),
			zap.String("reason", terr.Message))
		p.release(task, queue.Outcome{Err: terr})
		return
	}

	delay := p.backoff(task.Attempt)
	log.Info("task will retry",
		zap.String("reason", terr.Message),
		zap.Duration("backoff", delay))

	if _, err := p.queue.Release(task.ID, queue.Outcome{Err: terr, Retry: true}); err != nil {
		log.Error("release failed", zap.Error(err))
		return
	}
	p.scheduleRequeue(task.ID, delay)
}

// scheduleRequeue puts the task back in the queue after the backoff.
func (p *Pool) scheduleRequeue(id types.TaskID, delay time.Duration) {
	p.timerMu.Lock()
	defer p.timerMu.Unlock()

	select {
	case <-p.stopCh:
		// Shutting down: skip the wait entirely.
		if err := p.queue.Requeue(id); err != nil {
			logging.Warn("immediate requeue failed", zap.String("task_id", string(id)), zap.Error(err))
		}
		return
	default:
	}

	p.timers[id] = time.AfterFunc(delay, func() {
		p.timerMu.Lock()
		_, live := p.timers[id]
		delete(p.timers, id)
		p.timerMu.Unlock()
		if !live {
			return // Stop already flushed this task
		}
		if err := p.queue.Requeue(id); err != nil {
			logging.Warn("requeue after backoff failed",
				zap.String("task_id", string(id)), zap.Error(err))
		}
	})
}

// release applies a terminal outcome and fires the terminal hook.
func (p *Pool) release(task *types.Task, out queue.Outcome) {
	final, err := p.queue.Release(task.ID, out)
	if err != nil {
		logging.Error("release failed",
			zap.String("task_id", string(task.ID)), zap.Error(err))
		return
	}
	if p.onTerminal != nil && final.Status.Terminal() {
		p.onTerminal(final)
	}
}

// backoff computes the exponential retry delay for a finished attempt.
func (p *Pool) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.cfg.BackoffBase << uint(attempt-1)
	if delay > p.cfg.BackoffCap || delay <= 0 {
		delay = p.cfg.BackoffCap
	}
	return delay
}

// classify maps a submit/poll error to a task error, distinguishing
// the attempt timeout from other transient failures.
func classify(ctx context.Context, err error) *types.TaskError {
	kind := types.ErrKindTransient
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = types.ErrKindTimeout
	}
	return &types.TaskError{
		Kind:    kind,
		Message: err.Error(),
		At:      time.Now(),
	}
}
