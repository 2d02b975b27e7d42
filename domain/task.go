package domain

import "time"

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether the status is final (no further transitions).
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

type Task struct {
	ID        string     `json:"task_id"`
	Status    TaskStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`

	// Inputs. SchemaText 保留原始 schema 文本（含注释），执行时再解析。
	SchemaText  []byte   `json:"-"`
	Files       []string `json:"-"`
	CallbackURL string   `json:"-"`

	// worker 模式下输入文件的 OSS 对象 key（与 Files 同序）。
	InputOSSKeys []string `json:"-"`

	// Result (populated exactly once, at the processing->terminal transition)
	Result *Result `json:"-"`

	// xlsx 差异报告位置（本地或 OSS，二选一）
	ReportPath   string `json:"-"`
	ReportOSSKey string `json:"-"`

	// Diagnostics (non-sensitive)
	Error string `json:"error,omitempty"`
}
