package ledger

// ============================================================================
// 職責說明：
// 1. 在檔案系統維護主儲存的人類可讀 JSON 鏡像
//    - <dir>/tasks/<task-id>.json    每任務一檔
//    - <dir>/batches/<batch-id>.json 批次彙總
// 2. 使用原子性寫入（temp file + rename）防止半寫損壞
// 3. 鏡像永遠可由主儲存重建（Reconcile），本身不是權威資料
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/forgebatch/pkg/types"
)

// Mirror JSON 鏡像儲存
type Mirror struct {
	dir string
	mu  sync.Mutex // 保護檔案操作
}

// NewMirror 建立鏡像儲存並確保目錄結構存在
func NewMirror(dir string) (*Mirror, error) {
	for _, sub := range []string{"tasks", "batches"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create mirror dir: %w", err)
		}
	}
	return &Mirror{dir: dir}, nil
}

// WriteTask 原子性寫入單一任務的鏡像檔
//
// 寫入流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換
func (m *Mirror) WriteTask(t *types.Task) error {
	path := filepath.Join(m.dir, "tasks", string(t.ID)+".json")
	return m.writeJSON(path, t)
}

// WriteBatch 原子性寫入批次彙總的鏡像檔
func (m *Mirror) WriteBatch(b *types.Batch) error {
	path := filepath.Join(m.dir, "batches", string(b.ID)+".json")
	return m.writeJSON(path, b)
}

func (m *Mirror) writeJSON(path string, v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// 帶縮排，方便人工閱讀與除錯
	jsonBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal mirror record: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("failed to write temp mirror file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename mirror file: %w", err)
	}
	return nil
}

// ReadTask 讀取單一任務的鏡像檔（檢查與測試用）
func (m *Mirror) ReadTask(id types.TaskID) (*types.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jsonBytes, err := os.ReadFile(filepath.Join(m.dir, "tasks", string(id)+".json"))
	if err != nil {
		return nil, err
	}
	var t types.Task
	if err := json.Unmarshal(jsonBytes, &t); err != nil {
		return nil, fmt.Errorf("corrupted mirror record %s: %w", id, err)
	}
	return &t, nil
}

// Reconcile 由主儲存重建整個鏡像樹
//
// 冪等：重複執行結果相同。會覆寫既有鏡像檔並刪除
// 主儲存中不存在的孤兒檔案。
func (l *Ledger) Reconcile() error {
	if l.mirror == nil {
		return nil
	}

	tasks, err := l.Query(Filter{})
	if err != nil {
		return fmt.Errorf("failed to load tasks for reconcile: %w", err)
	}
	batches, err := l.Batches()
	if err != nil {
		return fmt.Errorf("failed to load batches for reconcile: %w", err)
	}

	keepTasks := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if err := l.mirror.WriteTask(t); err != nil {
			return err
		}
		keepTasks[string(t.ID)+".json"] = true
	}
	keepBatches := make(map[string]bool, len(batches))
	for _, b := range batches {
		if err := l.mirror.WriteBatch(b); err != nil {
			return err
		}
		keepBatches[string(b.ID)+".json"] = true
	}

	if err := l.mirror.prune("tasks", keepTasks); err != nil {
		return err
	}
	return l.mirror.prune("batches", keepBatches)
}

// prune 刪除目錄下不在保留集內的鏡像檔
func (m *Mirror) prune(sub string, keep map[string]bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(m.dir, sub))
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || keep[e.Name()] {
			continue
		}
		if filepath.Ext(e.Name()) != ".json" {
			continue
		}
		if err := os.Remove(filepath.Join(m.dir, sub, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
