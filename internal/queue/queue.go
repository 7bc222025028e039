// Package queue 實作記憶體就緒集：帳本中 queued 任務的調度視圖
//
// ============================================================================
// 職責說明：
// 1. 維護待認領任務的排序視圖（優先級高者先出，同級按 CreatedAt FIFO）
// 2. ClaimNext 在單一臨界區內完成「挑選 + 帳本轉移」，
//    保證同一任務至多被一個 worker 認領
// 3. 排程真相永遠在帳本：就緒集可在重啟後由 queued 任務重建
// ============================================================================
package queue

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ChuLiYu/forgebatch/internal/ledger"
	"github.com/ChuLiYu/forgebatch/pkg/types"
)

var ErrNotClaimed = errors.New("task is not claimed")

// Outcome 任務釋放時的結局
//
// 三種互斥形態：
//   - Result != nil            → 成功，寫入結果並轉 completed
//   - Result == nil && Retry   → 暫時失敗，轉 retrying（退避後 Requeue）
//   - Result == nil && !Retry  → 永久失敗，轉 failed
type Outcome struct {
	Result *types.Result
	Err    *types.TaskError
	Retry  bool
}

// entry 就緒集內的排序單元
type entry struct {
	task *types.Task
	seq  uint64 // 入列序號，CreatedAt 相同時的最終平手鍵
}

// Stats 佇列統計（DrainSnapshot 的回傳值）
type Stats struct {
	Depth       int                      // 就緒集深度
	Claimed     int                      // 已認領而未釋放的任務數
	PerPriority map[int]int              // 各優先級的就緒任務數
	Counts      map[types.TaskStatus]int // 帳本各狀態任務數
	SuccessRate float64                  // completed / (completed + failed)，無終態任務時為 0
}

// Queue 任務佇列
//
// 併發安全：所有方法都以單一互斥鎖保護。
type Queue struct {
	mu      sync.Mutex
	ready   []entry
	claimed map[types.TaskID]struct{}
	paused  bool
	nextSeq uint64

	ledger *ledger.Ledger
}

// New 建立空佇列
func New(l *ledger.Ledger) *Queue {
	return &Queue{
		claimed: make(map[types.TaskID]struct{}),
		ledger:  l,
	}
}

// Enqueue 建立新任務：先寫入帳本，成功後加入就緒集
func (q *Queue) Enqueue(task *types.Task) error {
	if err := q.ledger.Create(task); err != nil {
		return err
	}
	q.Admit(task)
	return nil
}

// Admit 將帳本中已存在的 queued 任務加入就緒集
//
// 批次建立與啟動恢復用：任務已在帳本，只需進入調度視圖。
func (q *Queue) Admit(task *types.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.insert(task)
}

// insert 按 (priority desc, createdAt asc, seq asc) 插入就緒集
// 呼叫方必須持有 q.mu
func (q *Queue) insert(task *types.Task) {
	e := entry{task: task, seq: q.nextSeq}
	q.nextSeq++

	i := sort.Search(len(q.ready), func(i int) bool {
		other := q.ready[i]
		if other.task.Priority != task.Priority {
			return other.task.Priority < task.Priority
		}
		if !other.task.CreatedAt.Equal(task.CreatedAt) {
			return other.task.CreatedAt.After(task.CreatedAt)
		}
		return other.seq > e.seq
	})
	q.ready = append(q.ready, entry{})
	copy(q.ready[i+1:], q.ready[i:])
	q.ready[i] = e
}

// ClaimNext 認領下一個任務並原子性地轉為 running
//
// 行為：
//   - 佇列為空或已暫停時回傳 (nil, nil)
//   - 挑選與帳本轉移在同一臨界區內完成；帳本轉移失敗時
//     任務放回就緒集並回傳錯誤
//
// 返回值為帳本轉移後的任務（attempt 已遞增）。
func (q *Queue) ClaimNext() (*types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused {
		return nil, nil
	}

	for len(q.ready) > 0 {
		e := q.ready[0]
		q.ready = q.ready[1:]

		task, err := q.ledger.MarkRunning(e.task.ID)
		if err != nil {
			// 過期條目（任務已不在 queued 狀態或已被移除）直接丟棄，
			// 就緒集因此能容忍重複 Admit
			if errors.Is(err, ledger.ErrInvalidState) || errors.Is(err, ledger.ErrTaskNotFound) {
				continue
			}
			q.insert(e.task)
			return nil, fmt.Errorf("failed to claim %s: %w", e.task.ID, err)
		}
		q.claimed[task.ID] = struct{}{}
		return task, nil
	}
	return nil, nil
}

// Release 釋放已認領的任務並套用結局
func (q *Queue) Release(id types.TaskID, out Outcome) (*types.Task, error) {
	q.mu.Lock()
	if _, ok := q.claimed[id]; !ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotClaimed, id)
	}
	delete(q.claimed, id)
	q.mu.Unlock()

	// 帳本轉移在鎖外進行，結局已確定，不需要臨界區
	switch {
	case out.Result != nil:
		return q.ledger.RecordResult(id, out.Result)
	case out.Retry:
		return q.ledger.MarkRetrying(id, out.Err)
	default:
		return q.ledger.MarkFailed(id, out.Err)
	}
}

// Requeue 將 retrying 任務放回佇列（退避結束後由 dispatcher 呼叫）
func (q *Queue) Requeue(id types.TaskID) error {
	task, err := q.ledger.MarkQueued(id)
	if err != nil {
		return err
	}
	q.Admit(task)
	return nil
}

// Pause 暫停認領，已認領的任務不受影響
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

// Resume 恢復認領
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
}

// Paused 回報佇列是否處於暫停狀態
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// PeekDepth 回傳就緒集深度
func (q *Queue) PeekDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// DrainSnapshot 回傳佇列與帳本的合併統計
func (q *Queue) DrainSnapshot() (*Stats, error) {
	counts, err := q.ledger.CountsByStatus()
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	perPriority := make(map[int]int)
	for _, e := range q.ready {
		perPriority[e.task.Priority]++
	}

	done := counts[types.StatusCompleted] + counts[types.StatusFailed]
	rate := 0.0
	if done > 0 {
		rate = float64(counts[types.StatusCompleted]) / float64(done)
	}

	return &Stats{
		Depth:       len(q.ready),
		Claimed:     len(q.claimed),
		PerPriority: perPriority,
		Counts:      counts,
		SuccessRate: rate,
	}, nil
}
