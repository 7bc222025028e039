package ledger

import (
	"encoding/json"
	"time"

	"github.com/ChuLiYu/forgebatch/pkg/types"
)

// TaskRecord 任務資料表模型
type TaskRecord struct {
	ID          string     `gorm:"primaryKey;size:64"`
	BatchID     string     `gorm:"size:64;index"`
	Payload     string     `gorm:"type:text;not null"` // types.TaskPayload 的 JSON
	Priority    int        `gorm:"default:0"`
	Attempt     int        `gorm:"default:0"`
	MaxAttempts int        `gorm:"default:1"`
	Status      string     `gorm:"size:16;index;not null"`
	LastError   string     `gorm:"type:text"` // types.TaskError 的 JSON，空字串表示無
	CreatedAt   time.Time  `gorm:"index"`
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// TableName 表名
func (TaskRecord) TableName() string {
	return "tasks"
}

// ResultRecord 任務結果表模型，與 completed 任務一對一
type ResultRecord struct {
	TaskID             string    `gorm:"primaryKey;size:64"`
	Artifacts          string    `gorm:"type:text"` // []string 的 JSON
	GenerationDuration int64     `gorm:"not null"`  // 奈秒
	QualityScore       *float64
	Tags               string    `gorm:"type:text"`
	CreatedAt          time.Time
}

// TableName 表名
func (ResultRecord) TableName() string {
	return "task_results"
}

// BatchRecord 批次表模型
type BatchRecord struct {
	ID        string    `gorm:"primaryKey;size:64"`
	Kind      string    `gorm:"size:16;not null"`
	Subject   string    `gorm:"size:500"`
	Workflow  string    `gorm:"size:16;not null"`
	TaskCount int       `gorm:"default:0"`
	Completed int       `gorm:"default:0"`
	Failed    int       `gorm:"default:0"`
	CreatedAt time.Time
}

// TableName 表名
func (BatchRecord) TableName() string {
	return "batches"
}

// ============================================================================
// 領域模型 <-> 資料表模型 轉換
// ============================================================================

func recordFromTask(t *types.Task) (*TaskRecord, error) {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return nil, err
	}
	lastErr := ""
	if t.LastError != nil {
		b, err := json.Marshal(t.LastError)
		if err != nil {
			return nil, err
		}
		lastErr = string(b)
	}
	return &TaskRecord{
		ID:          string(t.ID),
		BatchID:     string(t.BatchID),
		Payload:     string(payload),
		Priority:    t.Priority,
		Attempt:     t.Attempt,
		MaxAttempts: t.MaxAttempts,
		Status:      string(t.Status),
		LastError:   lastErr,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	}, nil
}

func (r *TaskRecord) toTask() (*types.Task, error) {
	var payload types.TaskPayload
	if err := json.Unmarshal([]byte(r.Payload), &payload); err != nil {
		return nil, err
	}
	var lastErr *types.TaskError
	if r.LastError != "" {
		lastErr = &types.TaskError{}
		if err := json.Unmarshal([]byte(r.LastError), lastErr); err != nil {
			return nil, err
		}
	}
	return &types.Task{
		ID:          types.TaskID(r.ID),
		BatchID:     types.BatchID(r.BatchID),
		Payload:     payload,
		Priority:    r.Priority,
		Attempt:     r.Attempt,
		MaxAttempts: r.MaxAttempts,
		Status:      types.TaskStatus(r.Status),
		LastError:   lastErr,
		CreatedAt:   r.CreatedAt,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}, nil
}

func recordFromResult(res *types.Result) (*ResultRecord, error) {
	artifacts, err := json.Marshal(res.Artifacts)
	if err != nil {
		return nil, err
	}
	tags := ""
	if len(res.Tags) > 0 {
		b, err := json.Marshal(res.Tags)
		if err != nil {
			return nil, err
		}
		tags = string(b)
	}
	return &ResultRecord{
		TaskID:             string(res.TaskID),
		Artifacts:          string(artifacts),
		GenerationDuration: int64(res.GenerationDuration),
		QualityScore:       res.QualityScore,
		Tags:               tags,
		CreatedAt:          res.CreatedAt,
	}, nil
}

func (r *ResultRecord) toResult() (*types.Result, error) {
	var artifacts []string
	if r.Artifacts != "" {
		if err := json.Unmarshal([]byte(r.Artifacts), &artifacts); err != nil {
			return nil, err
		}
	}
	var tags []string
	if r.Tags != "" {
		if err := json.Unmarshal([]byte(r.Tags), &tags); err != nil {
			return nil, err
		}
	}
	return &types.Result{
		TaskID:             types.TaskID(r.TaskID),
		Artifacts:          artifacts,
		GenerationDuration: time.Duration(r.GenerationDuration),
		QualityScore:       r.QualityScore,
		Tags:               tags,
		CreatedAt:          r.CreatedAt,
	}, nil
}

func recordFromBatch(b *types.Batch) *BatchRecord {
	return &BatchRecord{
		ID:        string(b.ID),
		Kind:      string(b.Kind),
		Subject:   b.Subject,
		Workflow:  string(b.Workflow),
		TaskCount: b.TaskCount,
		Completed: b.Completed,
		Failed:    b.Failed,
		CreatedAt: b.CreatedAt,
	}
}

func (r *BatchRecord) toBatch() *types.Batch {
	return &types.Batch{
		ID:        types.BatchID(r.ID),
		Kind:      types.BatchKind(r.Kind),
		Subject:   r.Subject,
		Workflow:  types.WorkflowKind(r.Workflow),
		TaskCount: r.TaskCount,
		Completed: r.Completed,
		Failed:    r.Failed,
		CreatedAt: r.CreatedAt,
	}
}
