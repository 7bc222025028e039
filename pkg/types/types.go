// Package types 定義了 forgebatch 系統中使用的核心領域模型
package types

import (
	"errors"
	"fmt"
	"time"
)

// TaskID 任務唯一識別碼
type TaskID string

// BatchID 批次唯一識別碼
type BatchID string

// TaskStatus 任務狀態
type TaskStatus string

// 定義任務狀態常數
const (
	StatusQueued    TaskStatus = "queued"    // 待處理狀態：任務已建立並等待調度
	StatusRunning   TaskStatus = "running"   // 執行中狀態：任務已被 worker 認領並提交到生成服務
	StatusRetrying  TaskStatus = "retrying"  // 重試狀態：任務失敗但仍有重試額度，等待重新排隊
	StatusCompleted TaskStatus = "completed" // 完成狀態：任務成功並已記錄 Result
	StatusFailed    TaskStatus = "failed"    // 失敗狀態：任務永久失敗（終態）
)

// Terminal 回報狀態是否為終態（completed 或 failed）
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// WorkflowKind 工作流類型，對應生成服務支援的提交模板
type WorkflowKind string

const (
	WorkflowTxt2Img WorkflowKind = "txt2img" // 文字生成圖片
	WorkflowImg2Img WorkflowKind = "img2img" // 圖片轉換
	WorkflowUpscale WorkflowKind = "upscale" // 放大重繪
)

// Valid 檢查工作流類型是否為已知類型
func (k WorkflowKind) Valid() bool {
	switch k {
	case WorkflowTxt2Img, WorkflowImg2Img, WorkflowUpscale:
		return true
	}
	return false
}

// TaskPayload 任務載荷：提示詞 + 工作流類型標籤 + 開放參數表
// 核心只負責攜帶，驗證發生在提交映射邊界
type TaskPayload struct {
	Prompt         string         `json:"prompt"`                    // 正向提示詞
	NegativePrompt string         `json:"negative_prompt,omitempty"` // 負向提示詞
	Workflow       WorkflowKind   `json:"workflow"`                  // 工作流類型標籤
	Params         map[string]any `json:"params,omitempty"`          // 開放參數（width/height/steps/...）
}

// ErrorKind 任務錯誤分類，決定重試策略
type ErrorKind string

const (
	ErrKindValidation ErrorKind = "validation" // 載荷格式錯誤：不可重試，直接永久失敗
	ErrKindTransient  ErrorKind = "transient"  // 暫時性錯誤：服務不可達、外部任務失敗，可重試
	ErrKindTimeout    ErrorKind = "timeout"    // 輪詢超時：視為暫時性錯誤，可重試
)

// TaskError 結構化的失敗原因，記錄於 Task.LastError
type TaskError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Task 任務結構，代表一次提交到生成服務的工作單元
//
// 不變量：
//   - ID 與 CreatedAt 在生命週期內不變
//   - Attempt 只在被認領時遞增
//   - CompletedAt 只在進入終態時設置
type Task struct {
	// 識別與資料
	ID      TaskID      `json:"id"`       // 任務唯一識別碼
	BatchID BatchID     `json:"batch_id"` // 所屬批次
	Payload TaskPayload `json:"payload"`  // 任務載荷

	// 調度屬性
	Priority    int `json:"priority"`     // 優先級，數字越大越先調度
	Attempt     int `json:"attempt"`      // 已執行次數
	MaxAttempts int `json:"max_attempts"` // 執行額度上限

	// 狀態追蹤
	Status    TaskStatus `json:"status"`
	LastError *TaskError `json:"last_error,omitempty"` // 最近一次失敗原因

	// 時間管理
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Result 任務結果，與 completed 任務一對一
type Result struct {
	TaskID             TaskID        `json:"task_id"`
	Artifacts          []string      `json:"artifacts"`               // 產出檔案引用
	GenerationDuration time.Duration `json:"generation_duration_ns"`  // 生成耗時
	QualityScore       *float64      `json:"quality_score,omitempty"` // 品質分數 [0,1]，可選
	Tags               []string      `json:"tags,omitempty"`          // 自由標籤
	CreatedAt          time.Time     `json:"created_at"`
}

// BatchKind 批次建立方式
type BatchKind string

const (
	BatchFromSubject BatchKind = "subject"       // 由主題展開提示詞變體
	BatchFromList    BatchKind = "list"          // 由提示詞列表直接建立
	BatchExhaustive  BatchKind = "combinatorial" // 由維度列表做笛卡兒積展開
)

// Batch 批次：一次建立請求產生的任務分組，建立後僅更新彙總計數
type Batch struct {
	ID        BatchID      `json:"id"`
	Kind      BatchKind    `json:"kind"`
	Subject   string       `json:"subject,omitempty"` // 建立請求的主題或描述，供溯源
	Workflow  WorkflowKind `json:"workflow"`
	TaskCount int          `json:"task_count"`
	CreatedAt time.Time    `json:"created_at"`

	// 彙總計數
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Snapshot 進度快照：一次採樣產生的不可變記錄
type Snapshot struct {
	TakenAt    time.Time          `json:"taken_at"`
	Counts     map[TaskStatus]int `json:"counts"`      // 各狀態任務數
	QueueDepth int                `json:"queue_depth"` // 就緒集深度

	// 吞吐與預估
	Throughput float64       `json:"throughput_per_min"` // 滑動窗口內每分鐘完成數
	ETA        time.Duration `json:"eta_ns"`             // 預估剩餘時間，ETAKnown 為 true 時有效
	ETAKnown   bool          `json:"eta_known"`          // 吞吐為零時回報 unknown

	// 資源觀測
	HeapMB     float64 `json:"heap_mb"`
	Goroutines int     `json:"goroutines"`
}

// PerformanceSummary 效能彙總，由 Monitor 根據歷史快照與完成耗時計算
type PerformanceSummary struct {
	AvgThroughput  float64       `json:"avg_throughput_per_min"`
	PeakThroughput float64       `json:"peak_throughput_per_min"`
	AvgDuration    time.Duration `json:"avg_duration_ns"`
	MinDuration    time.Duration `json:"min_duration_ns"`
	MaxDuration    time.Duration `json:"max_duration_ns"`
	SampleCount    int           `json:"sample_count"` // 參與耗時統計的完成任務數
}

// ============================================================================
// 錯誤分類
// ============================================================================

// ValidationError 載荷格式錯誤：在提交映射邊界攔截，不可重試
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid payload: %s", e.Reason)
	}
	return fmt.Sprintf("invalid payload field %q: %s", e.Field, e.Reason)
}

// TransientError 暫時性執行錯誤：超時、服務不可達、外部任務失敗，可重試
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsValidation 檢查錯誤鏈中是否包含 ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsTransient 檢查錯誤鏈中是否包含 TransientError
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
