package persistence

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
)

// 日志记录类型
const (
	EntryDisruption = "DISRUPTION" // 新提交的扰动
	EntryComplete   = "COMPLETE"   // 扰动处理完成
)

// LogEntry 代表 WAL 文件中的一条日志记录
type LogEntry struct {
	Type         string            `json:"type"`                    // 日志类型: "DISRUPTION" 或 "COMPLETE"
	RunID        string            `json:"run_id,omitempty"`        // 扰动所属的排程任务
	Disruption   *types.Disruption `json:"disruption,omitempty"`    // 如果是新扰动，包含完整的扰动数据
	DisruptionID string            `json:"disruption_id,omitempty"` // 如果是处理完成，只包含扰动 ID
}

// Pending 一条已提交但未处理完成的扰动
type Pending struct {
	RunID      string
	Disruption types.Disruption
}

// WAL (Write-Ahead Log) 实现了简单的预写日志功能，用于持久化提交的扰动
type WAL struct {
	file *os.File   // 日志文件句柄
	mu   sync.Mutex // 互斥锁，保证文件写入的原子性
}

// NewWAL 创建或打开一个 WAL 文件
func NewWAL(path string) (*WAL, error) {
	// O_APPEND: 追加写入, O_CREATE: 文件不存在则创建, O_RDWR: 读写模式
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("打开 WAL 文件失败: %w", err)
	}
	return &WAL{file: file}, nil
}

func (w *WAL) write(entry LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	// 写入数据并在末尾添加换行符
	if _, err := w.file.Write(append(data, '\n')); err != nil {
		return err
	}
	// 确保数据被刷新到磁盘，防止数据丢失
	return w.file.Sync()
}

// Append 将一个新扰动写入日志
func (w *WAL) Append(runID string, d types.Disruption) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.write(LogEntry{Type: EntryDisruption, RunID: runID, Disruption: &d})
}

// Complete 在日志中标记一个扰动已处理完成
func (w *WAL) Complete(disruptionID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.write(LogEntry{Type: EntryComplete, DisruptionID: disruptionID})
}

// Recover 从日志文件中恢复未处理完成的扰动，按提交顺序返回
// 在系统启动时调用
func (w *WAL) Recover() ([]Pending, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// 将文件指针移动到开头以进行读取
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	var submitted []Pending            // 按提交顺序存储所有扰动
	completed := make(map[string]bool) // 存储所有已完成的扰动 ID

	scanner := bufio.NewScanner(w.file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			// 忽略损坏的行
			continue
		}

		switch entry.Type {
		case EntryDisruption:
			if entry.Disruption != nil {
				submitted = append(submitted, Pending{RunID: entry.RunID, Disruption: *entry.Disruption})
			}
		case EntryComplete:
			completed[entry.DisruptionID] = true
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	// 找出所有已提交但未完成的扰动
	var recovered []Pending
	for _, p := range submitted {
		if !completed[p.Disruption.ID] {
			recovered = append(recovered, p)
		}
	}

	// 恢复文件指针到末尾，以便后续追加写入
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return nil, err
	}

	return recovered, nil
}

// Close 关闭 WAL 文件
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
