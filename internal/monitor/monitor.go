// Package monitor 實作進度監控：週期性採樣、快照歷史與觀察者通知
//
// ============================================================================
// 職責說明：
// 1. 以固定間隔對佇列與帳本做唯讀採樣，產生不可變的 Snapshot
// 2. 維護有界的快照歷史（超出上限時淘汰最舊者）
// 3. 以滑動窗口計算吞吐與 ETA（吞吐為零時 ETA 回報 unknown）
// 4. 逐一通知觀察者，單一觀察者 panic 不影響其他觀察者與調度
// ============================================================================
package monitor

import (
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/forgebatch/internal/ledger"
	"github.com/ChuLiYu/forgebatch/internal/logging"
	"github.com/ChuLiYu/forgebatch/internal/queue"
	"github.com/ChuLiYu/forgebatch/pkg/types"
)

// Observer 進度觀察者回呼，收到的 Snapshot 為值複本
type Observer func(types.Snapshot)

// Config 監控配置
type Config struct {
	Interval   time.Duration // 採樣間隔，預設 2s
	HistoryCap int           // 快照歷史上限，預設 300
	Window     int           // 吞吐滑動窗口的快照數，預設 15
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.HistoryCap <= 0 {
		c.HistoryCap = 300
	}
	if c.Window <= 0 {
		c.Window = 15
	}
	return c
}

// Monitor 進度監控器
type Monitor struct {
	cfg       Config
	queue     *queue.Queue
	ledger    *ledger.Ledger
	collector *Collector // 可為 nil（停用指標）

	mu        sync.Mutex
	history   []types.Snapshot
	observers []Observer

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	stopped bool
	stateMu sync.Mutex
}

// New 建立監控器
func New(cfg Config, q *queue.Queue, l *ledger.Ledger, collector *Collector) *Monitor {
	return &Monitor{
		cfg:       cfg.withDefaults(),
		queue:     q,
		ledger:    l,
		collector: collector,
		stopCh:    make(chan struct{}),
	}
}

// AddObserver 註冊觀察者，Start 前後皆可呼叫
func (m *Monitor) AddObserver(obs Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, obs)
}

// Start 啟動採樣循環
func (m *Monitor) Start() {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.started || m.stopped {
		return
	}
	m.started = true

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.Sample()
			}
		}
	}()
}

// Stop 停止採樣循環
func (m *Monitor) Stop() {
	m.stateMu.Lock()
	if !m.started || m.stopped {
		m.stateMu.Unlock()
		return
	}
	m.stopped = true
	m.stateMu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
}

// Sample 執行一次採樣：讀取統計、產生快照、通知觀察者
//
// 採樣失敗只記日誌並沿用上一筆快照的語義（本次不產生快照），
// 絕不影響調度路徑。
func (m *Monitor) Sample() {
	stats, err := m.queue.DrainSnapshot()
	if err != nil {
		logging.Warn("progress sample failed", zap.Error(err))
		return
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	snap := types.Snapshot{
		TakenAt:    time.Now(),
		Counts:     stats.Counts,
		QueueDepth: stats.Depth,
		HeapMB:     float64(ms.HeapInuse) / (1024 * 1024),
		Goroutines: runtime.NumGoroutine(),
	}

	m.mu.Lock()
	snap.Throughput = m.throughputLocked(snap)
	if snap.Throughput > 0 {
		remaining := stats.Counts[types.StatusQueued] +
			stats.Counts[types.StatusRunning] +
			stats.Counts[types.StatusRetrying]
		snap.ETA = time.Duration(float64(remaining) / snap.Throughput * float64(time.Minute))
		snap.ETAKnown = true
	}

	m.history = append(m.history, snap)
	if len(m.history) > m.cfg.HistoryCap {
		m.history = m.history[len(m.history)-m.cfg.HistoryCap:]
	}
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	if m.collector != nil {
		m.collector.ObserveSnapshot(snap)
	}
	for _, obs := range observers {
		m.notify(obs, snap)
	}
}

// notify 呼叫單一觀察者，panic 被隔離
func (m *Monitor) notify(obs Observer, snap types.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("progress observer panicked", zap.Any("panic", r))
		}
	}()
	obs(snap)
}

// throughputLocked 以滑動窗口計算每分鐘完成數
// 呼叫方必須持有 m.mu。窗口內沒有舊快照或沒有新完成時回傳 0。
func (m *Monitor) throughputLocked(current types.Snapshot) float64 {
	if len(m.history) == 0 {
		return 0
	}
	idx := len(m.history) - m.cfg.Window
	if idx < 0 {
		idx = 0
	}
	base := m.history[idx]

	delta := current.Counts[types.StatusCompleted] - base.Counts[types.StatusCompleted]
	elapsed := current.TakenAt.Sub(base.TakenAt).Minutes()
	if delta <= 0 || elapsed <= 0 {
		return 0
	}
	return float64(delta) / elapsed
}

// History 回傳最近 limit 筆快照（舊到新）的複本
// limit <= 0 時回傳全部歷史。
func (m *Monitor) History(limit int) []types.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]types.Snapshot, n)
	copy(out, m.history[len(m.history)-n:])
	return out
}

// Latest 回傳最新快照，尚未採樣時回傳零值與 false
func (m *Monitor) Latest() (types.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return types.Snapshot{}, false
	}
	return m.history[len(m.history)-1], true
}

// PerformanceSummary 計算效能彙總
//
// 吞吐統計來自快照歷史，耗時統計來自帳本最近 100 筆完成任務。
func (m *Monitor) PerformanceSummary() (*types.PerformanceSummary, error) {
	durations, err := m.ledger.RecentDurations(100)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	var sum, peak float64
	samples := 0
	for _, snap := range m.history {
		if snap.Throughput > 0 {
			sum += snap.Throughput
			samples++
			if snap.Throughput > peak {
				peak = snap.Throughput
			}
		}
	}
	m.mu.Unlock()

	out := &types.PerformanceSummary{
		PeakThroughput: peak,
		SampleCount:    len(durations),
	}
	if samples > 0 {
		out.AvgThroughput = sum / float64(samples)
	}
	if len(durations) > 0 {
		var total time.Duration
		out.MinDuration = durations[0]
		out.MaxDuration = durations[0]
		for _, d := range durations {
			total += d
			if d < out.MinDuration {
				out.MinDuration = d
			}
			if d > out.MaxDuration {
				out.MaxDuration = d
			}
		}
		out.AvgDuration = total / time.Duration(len(durations))
	}
	return out, nil
}
