// Package ledger 實作任務帳本：唯一權威的任務狀態儲存
//
// ============================================================================
// 職責說明：
// 1. 以關聯式主儲存（gorm + sqlite）記錄任務、結果與批次
// 2. 所有狀態轉移都在交易內完成，RecordResult 與 completed 轉移為同一交易
// 3. 每次提交後以 best-effort 方式更新 JSON 鏡像（見 mirror.go）
// 4. 重啟時將無主的 running 任務重設為 queued（attempt 不變）
// ============================================================================
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ChuLiYu/forgebatch/internal/logging"
	"github.com/ChuLiYu/forgebatch/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrDuplicateTask = errors.New("task already exists")
	ErrTaskNotFound  = errors.New("task not found")
	ErrBatchNotFound = errors.New("batch not found")
	ErrInvalidState  = errors.New("invalid state transition")
)

// Filter 查詢條件，零值欄位不參與過濾
type Filter struct {
	Status  types.TaskStatus
	BatchID types.BatchID
	From    time.Time // CreatedAt >= From
	To      time.Time // CreatedAt < To
}

// Ledger 任務帳本
//
// 併發安全：所有方法可被多個 goroutine 同時呼叫，
// 一致性由底層交易保證。
type Ledger struct {
	db     *gorm.DB
	mirror *Mirror // 可為 nil（停用鏡像）
}

// Open 開啟任務帳本並完成資料表遷移
//
// 參數：
//   - dbPath: sqlite 資料庫檔案路徑
//   - mirror: JSON 鏡像，nil 表示停用
func Open(dbPath string, mirror *Mirror) (*Ledger, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open task database: %w", err)
	}

	// sqlite 單寫者，避免 busy 錯誤
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&TaskRecord{}, &ResultRecord{}, &BatchRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &Ledger{db: db, mirror: mirror}, nil
}

// Close 關閉底層資料庫連線
func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ============================================================================
// 建立與查詢
// ============================================================================

// Create 建立單一任務，ID 重複時回傳 ErrDuplicateTask
func (l *Ledger) Create(task *types.Task) error {
	rec, err := recordFromTask(task)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	if err := l.db.Create(rec).Error; err != nil {
		if isDuplicateErr(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
		}
		return fmt.Errorf("failed to create task: %w", err)
	}
	l.mirrorTask(task)
	return nil
}

// CreateBatch 在單一交易內建立批次與其全部任務
//
// 任一任務 ID 重複時整個批次回滾並回傳 ErrDuplicateTask。
func (l *Ledger) CreateBatch(batch *types.Batch, tasks []*types.Task) error {
	err := l.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(recordFromBatch(batch)).Error; err != nil {
			if isDuplicateErr(err) {
				return fmt.Errorf("%w: batch %s", ErrDuplicateTask, batch.ID)
			}
			return err
		}
		for _, t := range tasks {
			rec, err := recordFromTask(t)
			if err != nil {
				return err
			}
			if err := tx.Create(rec).Error; err != nil {
				if isDuplicateErr(err) {
					return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
				}
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	l.mirrorBatch(batch)
	for _, t := range tasks {
		l.mirrorTask(t)
	}
	return nil
}

// Get 取得單一任務
func (l *Ledger) Get(id types.TaskID) (*types.Task, error) {
	var rec TaskRecord
	if err := l.db.First(&rec, "id = ?", string(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		return nil, err
	}
	return rec.toTask()
}

// GetBatch 取得單一批次
func (l *Ledger) GetBatch(id types.BatchID) (*types.Batch, error) {
	var rec BatchRecord
	if err := l.db.First(&rec, "id = ?", string(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
		}
		return nil, err
	}
	return rec.toBatch(), nil
}

// Query 依條件查詢任務，按 CreatedAt 升冪排序
func (l *Ledger) Query(f Filter) ([]*types.Task, error) {
	q := l.db.Model(&TaskRecord{})
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.BatchID != "" {
		q = q.Where("batch_id = ?", string(f.BatchID))
	}
	if !f.From.IsZero() {
		q = q.Where("created_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		q = q.Where("created_at < ?", f.To)
	}

	var recs []TaskRecord
	if err := q.Order("created_at asc").Find(&recs).Error; err != nil {
		return nil, err
	}
	tasks := make([]*types.Task, 0, len(recs))
	for i := range recs {
		t, err := recs[i].toTask()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// ============================================================================
// 狀態轉移
// ============================================================================

// MarkRunning 原子性地將 queued 任務轉為 running
//
// 效果：attempt + 1、設定 StartedAt。狀態不是 queued 時
// 回傳 ErrInvalidState，這是佇列「至多一次認領」的最後防線。
func (l *Ledger) MarkRunning(id types.TaskID) (*types.Task, error) {
	return l.transition(id, func(rec *TaskRecord) error {
		if rec.Status != string(types.StatusQueued) {
			return fmt.Errorf("%w: %s is %s, want queued", ErrInvalidState, id, rec.Status)
		}
		now := time.Now()
		rec.Status = string(types.StatusRunning)
		rec.Attempt++
		rec.StartedAt = &now
		return nil
	})
}

// MarkRetrying 將 running 任務轉為 retrying 並記錄失敗原因
func (l *Ledger) MarkRetrying(id types.TaskID, terr *types.TaskError) (*types.Task, error) {
	return l.transition(id, func(rec *TaskRecord) error {
		if rec.Status != string(types.StatusRunning) {
			return fmt.Errorf("%w: %s is %s, want running", ErrInvalidState, id, rec.Status)
		}
		rec.Status = string(types.StatusRetrying)
		return encodeLastError(rec, terr)
	})
}

// MarkQueued 將 retrying 任務放回 queued（退避結束後重新排隊）
func (l *Ledger) MarkQueued(id types.TaskID) (*types.Task, error) {
	return l.transition(id, func(rec *TaskRecord) error {
		if rec.Status != string(types.StatusRetrying) {
			return fmt.Errorf("%w: %s is %s, want retrying", ErrInvalidState, id, rec.Status)
		}
		rec.Status = string(types.StatusQueued)
		return nil
	})
}

// MarkFailed 將任務轉為永久失敗（終態），記錄失敗原因與完成時間
func (l *Ledger) MarkFailed(id types.TaskID, terr *types.TaskError) (*types.Task, error) {
	return l.transition(id, func(rec *TaskRecord) error {
		switch rec.Status {
		case string(types.StatusRunning), string(types.StatusRetrying):
		default:
			return fmt.Errorf("%w: %s is %s, want running or retrying", ErrInvalidState, id, rec.Status)
		}
		now := time.Now()
		rec.Status = string(types.StatusFailed)
		rec.CompletedAt = &now
		return encodeLastError(rec, terr)
	})
}

// RecordResult 在同一交易內寫入結果並將 running 任務轉為 completed
//
// 這是結果唯一的寫入路徑：任務不在 running 狀態時回傳
// ErrInvalidState 且不會留下孤兒結果。
func (l *Ledger) RecordResult(id types.TaskID, res *types.Result) (*types.Task, error) {
	resRec, err := recordFromResult(res)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}

	var task *types.Task
	err = l.db.Transaction(func(tx *gorm.DB) error {
		var rec TaskRecord
		if err := tx.First(&rec, "id = ?", string(id)).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
			}
			return err
		}
		if rec.Status != string(types.StatusRunning) {
			return fmt.Errorf("%w: %s is %s, want running", ErrInvalidState, id, rec.Status)
		}
		now := time.Now()
		rec.Status = string(types.StatusCompleted)
		rec.CompletedAt = &now
		if err := tx.Save(&rec).Error; err != nil {
			return err
		}
		if err := tx.Create(resRec).Error; err != nil {
			return err
		}
		task, err = rec.toTask()
		return err
	})
	if err != nil {
		return nil, err
	}
	l.mirrorTask(task)
	return task, nil
}

// transition 在交易內讀取、變更並寫回單一任務，成功後更新鏡像
func (l *Ledger) transition(id types.TaskID, mutate func(*TaskRecord) error) (*types.Task, error) {
	var task *types.Task
	err := l.db.Transaction(func(tx *gorm.DB) error {
		var rec TaskRecord
		if err := tx.First(&rec, "id = ?", string(id)).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
			}
			return err
		}
		if err := mutate(&rec); err != nil {
			return err
		}
		if err := tx.Save(&rec).Error; err != nil {
			return err
		}
		var err error
		task, err = rec.toTask()
		return err
	})
	if err != nil {
		return nil, err
	}
	l.mirrorTask(task)
	return task, nil
}

// ============================================================================
// 恢復與維運
// ============================================================================

// ResetOrphanRunning 將所有無主的 running 任務重設為 queued
//
// 只在啟動時呼叫：程式崩潰後留下的 running 列沒有存活的
// 擁有者，重設時 attempt 保持不變（崩潰不消耗重試額度）。
// 回傳被重設的任務。
func (l *Ledger) ResetOrphanRunning() ([]*types.Task, error) {
	return l.resetToQueued(types.StatusRunning, false)
}

// ResumeRetrying 將 retrying 任務放回 queued
//
// 啟動恢復用：崩潰時退避計時器全部丟失，直接重新排隊。
func (l *Ledger) ResumeRetrying() ([]*types.Task, error) {
	return l.resetToQueued(types.StatusRetrying, false)
}

// RequeueFailed 將批次內永久失敗的任務重設為 queued 並歸零 attempt
func (l *Ledger) RequeueFailed(batchID types.BatchID) ([]*types.Task, error) {
	var tasks []*types.Task
	err := l.db.Transaction(func(tx *gorm.DB) error {
		var recs []TaskRecord
		q := tx.Where("status = ?", string(types.StatusFailed))
		if batchID != "" {
			q = q.Where("batch_id = ?", string(batchID))
		}
		if err := q.Find(&recs).Error; err != nil {
			return err
		}
		for i := range recs {
			recs[i].Status = string(types.StatusQueued)
			recs[i].Attempt = 0
			recs[i].StartedAt = nil
			recs[i].CompletedAt = nil
			if err := tx.Save(&recs[i]).Error; err != nil {
				return err
			}
			t, err := recs[i].toTask()
			if err != nil {
				return err
			}
			tasks = append(tasks, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		l.mirrorTask(t)
	}
	return tasks, nil
}

func (l *Ledger) resetToQueued(from types.TaskStatus, resetAttempt bool) ([]*types.Task, error) {
	var tasks []*types.Task
	err := l.db.Transaction(func(tx *gorm.DB) error {
		var recs []TaskRecord
		if err := tx.Where("status = ?", string(from)).Find(&recs).Error; err != nil {
			return err
		}
		for i := range recs {
			recs[i].Status = string(types.StatusQueued)
			if resetAttempt {
				recs[i].Attempt = 0
			}
			if err := tx.Save(&recs[i]).Error; err != nil {
				return err
			}
			t, err := recs[i].toTask()
			if err != nil {
				return err
			}
			tasks = append(tasks, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		l.mirrorTask(t)
	}
	return tasks, nil
}

// ============================================================================
// 統計與彙總
// ============================================================================

// CountsByStatus 回傳各狀態的任務數，缺席狀態補零
func (l *Ledger) CountsByStatus() (map[types.TaskStatus]int, error) {
	type row struct {
		Status string
		N      int
	}
	var rows []row
	err := l.db.Model(&TaskRecord{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := map[types.TaskStatus]int{
		types.StatusQueued:    0,
		types.StatusRunning:   0,
		types.StatusRetrying:  0,
		types.StatusCompleted: 0,
		types.StatusFailed:    0,
	}
	for _, r := range rows {
		counts[types.TaskStatus(r.Status)] = r.N
	}
	return counts, nil
}

// Results 回傳批次內所有任務結果，按 CreatedAt 升冪排序
func (l *Ledger) Results(batchID types.BatchID) ([]*types.Result, error) {
	var recs []ResultRecord
	err := l.db.
		Joins("JOIN tasks ON tasks.id = task_results.task_id").
		Where("tasks.batch_id = ?", string(batchID)).
		Order("task_results.created_at asc").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	results := make([]*types.Result, 0, len(recs))
	for i := range recs {
		r, err := recs[i].toResult()
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, nil
}

// RecentDurations 回傳最近 n 筆完成任務的生成耗時（新到舊）
func (l *Ledger) RecentDurations(n int) ([]time.Duration, error) {
	var recs []ResultRecord
	err := l.db.Order("created_at desc").Limit(n).Find(&recs).Error
	if err != nil {
		return nil, err
	}
	durations := make([]time.Duration, 0, len(recs))
	for i := range recs {
		durations = append(durations, time.Duration(recs[i].GenerationDuration))
	}
	return durations, nil
}

// FinalizeBatch 依任務終態回填批次的彙總計數，並更新批次鏡像
func (l *Ledger) FinalizeBatch(id types.BatchID) (*types.Batch, error) {
	var batch *types.Batch
	err := l.db.Transaction(func(tx *gorm.DB) error {
		var rec BatchRecord
		if err := tx.First(&rec, "id = ?", string(id)).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrBatchNotFound, id)
			}
			return err
		}
		var completed, failed int64
		if err := tx.Model(&TaskRecord{}).
			Where("batch_id = ? AND status = ?", string(id), string(types.StatusCompleted)).
			Count(&completed).Error; err != nil {
			return err
		}
		if err := tx.Model(&TaskRecord{}).
			Where("batch_id = ? AND status = ?", string(id), string(types.StatusFailed)).
			Count(&failed).Error; err != nil {
			return err
		}
		rec.Completed = int(completed)
		rec.Failed = int(failed)
		if err := tx.Save(&rec).Error; err != nil {
			return err
		}
		batch = rec.toBatch()
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.mirrorBatch(batch)
	return batch, nil
}

// Batches 回傳所有批次，按建立時間升冪排序
func (l *Ledger) Batches() ([]*types.Batch, error) {
	var recs []BatchRecord
	if err := l.db.Order("created_at asc").Find(&recs).Error; err != nil {
		return nil, err
	}
	batches := make([]*types.Batch, 0, len(recs))
	for i := range recs {
		batches = append(batches, recs[i].toBatch())
	}
	return batches, nil
}

// ============================================================================
// 內部輔助
// ============================================================================

// mirrorTask 以 best-effort 更新任務鏡像，失敗只記日誌不影響主儲存
func (l *Ledger) mirrorTask(t *types.Task) {
	if l.mirror == nil || t == nil {
		return
	}
	if err := l.mirror.WriteTask(t); err != nil {
		logging.Warn("mirror write failed",
			zap.String("task_id", string(t.ID)),
			zap.Error(err))
	}
}

func (l *Ledger) mirrorBatch(b *types.Batch) {
	if l.mirror == nil || b == nil {
		return
	}
	if err := l.mirror.WriteBatch(b); err != nil {
		logging.Warn("mirror write failed",
			zap.String("batch_id", string(b.ID)),
			zap.Error(err))
	}
}

func encodeLastError(rec *TaskRecord, terr *types.TaskError) error {
	if terr == nil {
		rec.LastError = ""
		return nil
	}
	b, err := json.Marshal(terr)
	if err != nil {
		return err
	}
	rec.LastError = string(b)
	return nil
}

func isDuplicateErr(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
