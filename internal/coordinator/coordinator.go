// ============================================================================
// ForgeBatch Coordinator - 批次生成引擎的中央協調器
// ============================================================================
//
// Package: internal/coordinator
// 文件: coordinator.go
// 功能: 對外的唯一門面，持有並協調帳本、佇列、調度器、監控器與生成服務客戶端
//
// 生命週期:
//   1. New() - 開啟儲存、組裝各元件（全部以欄位持有，無全域單例）
//   2. CreateBatch* - 建立批次（啟動前後皆可）
//   3. Start(concurrency) - 健康門檻 → 啟動恢復 → 啟動調度與監控
//   4. Pause/Resume - 暫停/恢復認領，不影響已認領的任務
//   5. Stop() - 讓在途任務走到終態後停止，回填批次彙總
//   6. Close() - 關閉儲存
//
// 啟動恢復:
//   崩潰後重啟時，帳本中可能殘留 running（無主）與 retrying
//   （退避計時器丟失）的任務。Start 先將兩者重設為 queued
//   （attempt 不變），再把所有 queued 任務送入就緒集。
//
// 健康門檻:
//   Start 前探測一次生成服務，不可達則拒絕啟動。運行期間週期
//   性探測，連續失敗時自動暫停認領（而非讓任務大量死信），
//   服務恢復後自動繼續。
//
// ============================================================================

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ChuLiYu/forgebatch/internal/dispatch"
	"github.com/ChuLiYu/forgebatch/internal/genclient"
	"github.com/ChuLiYu/forgebatch/internal/ledger"
	"github.com/ChuLiYu/forgebatch/internal/logging"
	"github.com/ChuLiYu/forgebatch/internal/monitor"
	"github.com/ChuLiYu/forgebatch/internal/queue"
	"github.com/ChuLiYu/forgebatch/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrLimitExceeded      = errors.New("batch size limit exceeded")
	ErrAlreadyRunning     = errors.New("coordinator already running")
	ErrNotRunning         = errors.New("coordinator is not running")
	ErrServiceUnavailable = errors.New("generation service unavailable")
)

// Config 協調器配置
type Config struct {
	DBPath             string // sqlite 主儲存路徑
	MirrorDir          string // JSON 鏡像目錄，空字串停用
	MaxBatchTasks      int    // 單一批次任務上限，預設 500
	DefaultMaxAttempts int    // 任務預設執行額度，預設 3

	HealthInterval time.Duration // 運行期健康探測間隔，預設 10s

	Dispatch dispatch.Config
	Monitor  monitor.Config
}

func (c Config) withDefaults() Config {
	if c.MaxBatchTasks <= 0 {
		c.MaxBatchTasks = 500
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = 3
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 10 * time.Second
	}
	return c
}

// BatchRequest 批次建立請求的共用參數
type BatchRequest struct {
	Workflow       types.WorkflowKind
	Priority       int
	MaxAttempts    int // 0 使用預設值
	NegativePrompt string
	Params         map[string]any // 所有任務共用的基礎參數
}

// Status 引擎狀態彙總
type Status struct {
	Running      bool
	Paused       bool
	HealthPaused bool // 因服務不可達而自動暫停
	Queue        *queue.Stats
	Latest       *types.Snapshot // 尚未採樣時為 nil
}

// BatchResults 批次結果彙總
type BatchResults struct {
	Batch     *types.Batch
	Results   []*types.Result
	Artifacts []string
	Counts    map[types.TaskStatus]int
}

// Coordinator 批次協調器
type Coordinator struct {
	cfg       Config
	ledger    *ledger.Ledger
	queue     *queue.Queue
	client    genclient.Client
	expander  PromptExpander
	collector *monitor.Collector // 可為 nil

	mu           sync.Mutex
	pool         *dispatch.Pool
	monitor      *monitor.Monitor
	running      bool
	userPaused   bool
	healthPaused bool
	stopCh       chan struct{}
	wg           sync.WaitGroup

	observers []monitor.Observer // Start 前註冊的觀察者
}

// New 組裝協調器：開啟儲存並建立佇列，調度與監控在 Start 時啟動
func New(cfg Config, client genclient.Client, expander PromptExpander, collector *monitor.Collector) (*Coordinator, error) {
	cfg = cfg.withDefaults()

	var mirror *ledger.Mirror
	if cfg.MirrorDir != "" {
		var err error
		mirror, err = ledger.NewMirror(cfg.MirrorDir)
		if err != nil {
			return nil, err
		}
	}
	l, err := ledger.Open(cfg.DBPath, mirror)
	if err != nil {
		return nil, err
	}
	if expander == nil {
		expander = NewTemplateExpander()
	}

	return &Coordinator{
		cfg:       cfg,
		ledger:    l,
		queue:     queue.New(l),
		client:    client,
		expander:  expander,
		collector: collector,
	}, nil
}

// Ledger 供 CLI 等外部呼叫方做唯讀查詢
func (c *Coordinator) Ledger() *ledger.Ledger {
	return c.ledger
}

// AddProgressObserver 註冊進度觀察者，Start 時生效
func (c *Coordinator) AddProgressObserver(obs monitor.Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, obs)
	if c.monitor != nil {
		c.monitor.AddObserver(obs)
	}
}

// ============================================================================
// 批次建立
// ============================================================================

// CreateBatchFromSubject 由主題展開 count 個提示詞變體建立批次
func (c *Coordinator) CreateBatchFromSubject(subject string, count int, req BatchRequest) (*types.Batch, error) {
	prompts, err := c.expander.Expand(subject, count)
	if err != nil {
		return nil, err
	}
	return c.createBatch(types.BatchFromSubject, subject, prompts, req)
}

// CreateBatchFromList 由提示詞列表直接建立批次
func (c *Coordinator) CreateBatchFromList(prompts []string, req BatchRequest) (*types.Batch, error) {
	if len(prompts) == 0 {
		return nil, &types.ValidationError{Field: "prompts", Reason: "must not be empty"}
	}
	for i, p := range prompts {
		if p == "" {
			return nil, &types.ValidationError{
				Field:  "prompts",
				Reason: fmt.Sprintf("prompt %d is empty", i),
			}
		}
	}
	return c.createBatch(types.BatchFromList, "", prompts, req)
}

// CreateExhaustiveBatch 對維度列表做笛卡兒積展開建立批次
//
// 展開前乘積超過內建上限時回傳 ErrLimitExceeded；
// 合法但超過單批上限的展開會被截斷到 MaxBatchTasks。
func (c *Coordinator) CreateExhaustiveBatch(subject string, dims []Dimension, req BatchRequest) (*types.Batch, error) {
	prompts, err := expandDimensions(dims, c.cfg.MaxBatchTasks)
	if err != nil {
		return nil, err
	}
	return c.createBatch(types.BatchExhaustive, subject, prompts, req)
}

// createBatch 共用路徑：驗證 → 產生任務 → 單一交易寫入 → 送入就緒集
func (c *Coordinator) createBatch(kind types.BatchKind, subject string, prompts []string, req BatchRequest) (*types.Batch, error) {
	if !req.Workflow.Valid() {
		return nil, &types.ValidationError{
			Field:  "workflow",
			Reason: fmt.Sprintf("unknown workflow kind %q", req.Workflow),
		}
	}
	if len(prompts) > c.cfg.MaxBatchTasks {
		return nil, fmt.Errorf("%w: %d tasks, limit %d", ErrLimitExceeded, len(prompts), c.cfg.MaxBatchTasks)
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = c.cfg.DefaultMaxAttempts
	}

	now := time.Now()
	batchID := uuid.NewString()
	short := batchID[:8]

	batch := &types.Batch{
		ID:        types.BatchID(batchID),
		Kind:      kind,
		Subject:   subject,
		Workflow:  req.Workflow,
		TaskCount: len(prompts),
		CreatedAt: now,
	}
	tasks := make([]*types.Task, 0, len(prompts))
	for i, prompt := range prompts {
		tasks = append(tasks, &types.Task{
			ID:      types.TaskID(fmt.Sprintf("%s-%04d", short, i)),
			BatchID: batch.ID,
			Payload: types.TaskPayload{
				Prompt:         prompt,
				NegativePrompt: req.NegativePrompt,
				Workflow:       req.Workflow,
				Params:         req.Params,
			},
			Priority:    req.Priority,
			MaxAttempts: maxAttempts,
			Status:      types.StatusQueued,
			CreatedAt:   now,
		})
	}

	if err := c.ledger.CreateBatch(batch, tasks); err != nil {
		return nil, err
	}
	for _, t := range tasks {
		c.queue.Admit(t)
	}
	if c.collector != nil {
		c.collector.TasksEnqueued(len(tasks))
	}
	logging.Info("batch created",
		zap.String("batch_id", batchID),
		zap.String("kind", string(kind)),
		zap.Int("tasks", len(tasks)),
		zap.Int("priority", req.Priority))
	return batch, nil
}

// ============================================================================
// 生命週期
// ============================================================================

// Start 啟動引擎
//
// 參數：
//   - concurrency: worker 數量，<= 0 時使用配置值
//
// 流程：健康門檻 → 啟動恢復 → 啟動監控與調度 → 啟動健康循環
func (c *Coordinator) Start(concurrency int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	health, err := c.client.HealthCheck(ctx)
	cancel()
	if err != nil || !health.Reachable {
		return fmt.Errorf("%w: %s", ErrServiceUnavailable, health.Detail)
	}

	if err := c.recover(); err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}

	dispatchCfg := c.cfg.Dispatch
	if concurrency > 0 {
		dispatchCfg.Workers = concurrency
	}

	c.monitor = monitor.New(c.cfg.Monitor, c.queue, c.ledger, c.collector)
	for _, obs := range c.observers {
		c.monitor.AddObserver(obs)
	}
	c.monitor.Start()

	c.pool = dispatch.NewPool(dispatchCfg, c.queue, c.client, dispatch.NewStandardBuilder())
	c.pool.OnTerminal(c.handleTerminal)
	if err := c.pool.Start(); err != nil {
		c.monitor.Stop()
		return err
	}

	c.stopCh = make(chan struct{})
	c.wg.Add(1)
	go c.healthLoop(c.stopCh)

	c.running = true
	c.userPaused = false
	c.healthPaused = false
	c.queue.Resume()
	logging.Info("coordinator started", zap.Int("workers", dispatchCfg.Workers))
	return nil
}

// recover 啟動恢復：重設殘留狀態並重建就緒集
// 呼叫方必須持有 c.mu
func (c *Coordinator) recover() error {
	orphans, err := c.ledger.ResetOrphanRunning()
	if err != nil {
		return err
	}
	stranded, err := c.ledger.ResumeRetrying()
	if err != nil {
		return err
	}
	queued, err := c.ledger.Query(ledger.Filter{Status: types.StatusQueued})
	if err != nil {
		return err
	}
	for _, t := range queued {
		c.queue.Admit(t)
	}
	if len(orphans) > 0 || len(stranded) > 0 {
		logging.Info("startup recovery",
			zap.Int("orphan_running", len(orphans)),
			zap.Int("stranded_retrying", len(stranded)),
			zap.Int("requeued", len(queued)))
	}
	return nil
}

// Pause 暫停認領（在途任務繼續執行到終態）
func (c *Coordinator) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return ErrNotRunning
	}
	c.userPaused = true
	c.queue.Pause()
	logging.Info("dispatch paused")
	return nil
}

// Resume 恢復認領
func (c *Coordinator) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return ErrNotRunning
	}
	c.userPaused = false
	if !c.healthPaused {
		c.queue.Resume()
		logging.Info("dispatch resumed")
	}
	return nil
}

// Stop 停止引擎：在途任務走到終態、退避中的任務放回佇列、
// 回填所有批次彙總。可安全重複呼叫。
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	stopCh := c.stopCh
	pool := c.pool
	mon := c.monitor
	c.mu.Unlock()

	close(stopCh)
	c.wg.Wait()

	c.queue.Pause() // 停止認領，讓 pool 排空
	pool.Stop()
	mon.Stop()

	if batches, err := c.ledger.Batches(); err == nil {
		for _, b := range batches {
			if _, err := c.ledger.FinalizeBatch(b.ID); err != nil {
				logging.Warn("batch finalize failed",
					zap.String("batch_id", string(b.ID)), zap.Error(err))
			}
		}
	}
	logging.Info("coordinator stopped")
}

// Close 關閉底層儲存，Stop 之後呼叫
func (c *Coordinator) Close() error {
	return c.ledger.Close()
}

// ============================================================================
// 查詢與維運
// ============================================================================

// Status 回傳引擎狀態彙總
func (c *Coordinator) Status() (*Status, error) {
	stats, err := c.queue.DrainSnapshot()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	st := &Status{
		Running:      c.running,
		Paused:       c.userPaused,
		HealthPaused: c.healthPaused,
		Queue:        stats,
	}
	mon := c.monitor
	c.mu.Unlock()

	if mon != nil {
		if snap, ok := mon.Latest(); ok {
			st.Latest = &snap
		}
	}
	return st, nil
}

// Results 彙總批次結果：結果列表、產出檔案與各狀態計數
func (c *Coordinator) Results(batchID types.BatchID) (*BatchResults, error) {
	batch, err := c.ledger.GetBatch(batchID)
	if err != nil {
		return nil, err
	}
	results, err := c.ledger.Results(batchID)
	if err != nil {
		return nil, err
	}
	tasks, err := c.ledger.Query(ledger.Filter{BatchID: batchID})
	if err != nil {
		return nil, err
	}

	counts := make(map[types.TaskStatus]int)
	for _, t := range tasks {
		counts[t.Status]++
	}
	var artifacts []string
	for _, r := range results {
		artifacts = append(artifacts, r.Artifacts...)
	}
	return &BatchResults{
		Batch:     batch,
		Results:   results,
		Artifacts: artifacts,
		Counts:    counts,
	}, nil
}

// RequeueFailed 將批次內永久失敗的任務重新排隊（attempt 歸零）
// batchID 為空時作用於全部批次。回傳重新排隊的任務數。
func (c *Coordinator) RequeueFailed(batchID types.BatchID) (int, error) {
	tasks, err := c.ledger.RequeueFailed(batchID)
	if err != nil {
		return 0, err
	}
	for _, t := range tasks {
		c.queue.Admit(t)
	}
	if c.collector != nil && len(tasks) > 0 {
		c.collector.TasksEnqueued(len(tasks))
	}
	logging.Info("failed tasks requeued", zap.Int("count", len(tasks)))
	return len(tasks), nil
}

// PerformanceSummary 取得效能彙總，監控器未啟動時回傳 ErrNotRunning
func (c *Coordinator) PerformanceSummary() (*types.PerformanceSummary, error) {
	c.mu.Lock()
	mon := c.monitor
	c.mu.Unlock()
	if mon == nil {
		return nil, ErrNotRunning
	}
	return mon.PerformanceSummary()
}

// Reconcile 由主儲存重建 JSON 鏡像
func (c *Coordinator) Reconcile() error {
	return c.ledger.Reconcile()
}

// ============================================================================
// 內部循環
// ============================================================================

// handleTerminal 任務到達終態時的回呼：更新指標、檢查批次是否完結
func (c *Coordinator) handleTerminal(task *types.Task) {
	if c.collector != nil {
		switch task.Status {
		case types.StatusCompleted:
			d := 0.0
			if task.StartedAt != nil && task.CompletedAt != nil {
				d = task.CompletedAt.Sub(*task.StartedAt).Seconds()
			}
			c.collector.TaskCompleted(d)
		case types.StatusFailed:
			c.collector.TaskFailed()
		}
		for i := 1; i < task.Attempt; i++ {
			c.collector.TaskRetried()
		}
	}

	// 批次內所有任務到達終態時回填彙總
	tasks, err := c.ledger.Query(ledger.Filter{BatchID: task.BatchID})
	if err != nil {
		return
	}
	for _, t := range tasks {
		if !t.Status.Terminal() {
			return
		}
	}
	if batch, err := c.ledger.FinalizeBatch(task.BatchID); err == nil {
		logging.Info("batch finished",
			zap.String("batch_id", string(batch.ID)),
			zap.Int("completed", batch.Completed),
			zap.Int("failed", batch.Failed))
	}
}

// healthLoop 週期性探測生成服務，不可達時自動暫停認領
func (c *Coordinator) healthLoop(stopCh chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HealthInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			health, err := c.client.HealthCheck(ctx)
			cancel()

			reachable := err == nil && health.Reachable
			c.mu.Lock()
			if !reachable {
				failures++
				// 單次抖動不動作，連續兩次才暫停
				if failures >= 2 && !c.healthPaused {
					c.healthPaused = true
					c.queue.Pause()
					logging.Warn("generation service unreachable, dispatch auto-paused",
						zap.String("detail", health.Detail))
				}
			} else {
				failures = 0
				if c.healthPaused {
					c.healthPaused = false
					if !c.userPaused {
						c.queue.Resume()
					}
					logging.Info("generation service recovered, dispatch resumed")
				}
			}
			c.mu.Unlock()
		}
	}
}
