// ============================================================================
// ForgeBatch Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/monitor
// 文件: metrics.go
// 功能: 收集並暴露批次引擎的運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 任務計數器 (Counter) - 累計值，只增不減：
//      - forgebatch_tasks_enqueued_total: 入隊任務總數
//      - forgebatch_tasks_completed_total: 已完成任務總數
//      - forgebatch_tasks_failed_total: 永久失敗任務總數
//      - forgebatch_tasks_retried_total: 重試次數總計
//
//   2. 性能指標 (Histogram) - 分佈統計：
//      - forgebatch_generation_duration_seconds: 單次生成耗時分佈
//
//   3. 狀態指標 (Gauge) - 瞬時值：
//      - forgebatch_tasks{status=...}: 各狀態任務數
//      - forgebatch_queue_depth: 就緒集深度
//      - forgebatch_throughput_per_minute: 滑動窗口吞吐
//      - forgebatch_heap_mb / forgebatch_goroutines: 資源觀測
//
// Prometheus 查詢示例:
//
//   # 每分鐘完成任務數
//   rate(forgebatch_tasks_completed_total[1m])
//
//   # 95 分位生成耗時
//   histogram_quantile(0.95, forgebatch_generation_duration_seconds_bucket)
//
//   # 錯誤率
//   rate(forgebatch_tasks_failed_total[5m]) / rate(forgebatch_tasks_enqueued_total[5m])
//
// ============================================================================

package monitor

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/forgebatch/pkg/types"
)

// Collector Prometheus 指標收集器
type Collector struct {
	tasksEnqueued  prometheus.Counter
	tasksCompleted prometheus.Counter
	tasksFailed    prometheus.Counter
	tasksRetried   prometheus.Counter

	generationDuration prometheus.Histogram

	tasksByStatus *prometheus.GaugeVec
	queueDepth    prometheus.Gauge
	throughput    prometheus.Gauge
	heapMB        prometheus.Gauge
	goroutines    prometheus.Gauge

	server *http.Server
}

// NewCollector 創建指標收集器並註冊到指定的 Registerer
//
// 測試時可傳入獨立的 prometheus.NewRegistry()，
// 避免全域註冊表的重複註冊衝突。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		tasksEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgebatch_tasks_enqueued_total",
			Help: "Total number of tasks enqueued",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgebatch_tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgebatch_tasks_failed_total",
			Help: "Total number of tasks permanently failed",
		}),
		tasksRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgebatch_tasks_retried_total",
			Help: "Total number of task retry attempts",
		}),
		generationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "forgebatch_generation_duration_seconds",
			Help:    "Generation duration per completed task in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}),
		tasksByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "forgebatch_tasks",
			Help: "Current number of tasks by status",
		}, []string{"status"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forgebatch_queue_depth",
			Help: "Current ready-set depth",
		}),
		throughput: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forgebatch_throughput_per_minute",
			Help: "Completed tasks per minute over the trailing window",
		}),
		heapMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forgebatch_heap_mb",
			Help: "Heap in use in megabytes",
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forgebatch_goroutines",
			Help: "Current number of goroutines",
		}),
	}

	reg.MustRegister(
		c.tasksEnqueued,
		c.tasksCompleted,
		c.tasksFailed,
		c.tasksRetried,
		c.generationDuration,
		c.tasksByStatus,
		c.queueDepth,
		c.throughput,
		c.heapMB,
		c.goroutines,
	)
	return c
}

// TasksEnqueued 記錄入隊任務數
func (c *Collector) TasksEnqueued(n int) {
	c.tasksEnqueued.Add(float64(n))
}

// TaskCompleted 記錄一次成功完成與其生成耗時
func (c *Collector) TaskCompleted(d float64) {
	c.tasksCompleted.Inc()
	c.generationDuration.Observe(d)
}

// TaskFailed 記錄一次永久失敗
func (c *Collector) TaskFailed() {
	c.tasksFailed.Inc()
}

// TaskRetried 記錄一次重試
func (c *Collector) TaskRetried() {
	c.tasksRetried.Inc()
}

// ObserveSnapshot 由 Monitor 在每次採樣後呼叫，更新瞬時指標
func (c *Collector) ObserveSnapshot(snap types.Snapshot) {
	for status, n := range snap.Counts {
		c.tasksByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
	c.queueDepth.Set(float64(snap.QueueDepth))
	c.throughput.Set(snap.Throughput)
	c.heapMB.Set(snap.HeapMB)
	c.goroutines.Set(float64(snap.Goroutines))
}

// Serve 在指定埠啟動 /metrics 端點（非阻塞）
func (c *Collector) Serve(port int, gatherer prometheus.Gatherer) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	c.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		_ = c.server.ListenAndServe()
	}()
}

// Shutdown 關閉 /metrics 端點
func (c *Collector) Shutdown() {
	if c.server != nil {
		_ = c.server.Close()
	}
}
