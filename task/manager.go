package task

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"reconbackend/domain"
	"reconbackend/ossstore"
	"reconbackend/recon"
	"reconbackend/schema"
	"reconbackend/store"
	"reconbackend/streamq"
)

// Manager 负责对账任务的生命周期：登记、调度执行、结果落库、回调。
// queue 非空时走 Redis Streams（recon-worker 消费）；否则在本进程内执行，
// 受 inflight 信号量与墙钟超时约束。超时只能放弃等待并标记失败，
// 无法中断已经在跑的 goroutine。
type Manager struct {
	store    store.TaskStore
	queue    streamq.TaskQueue
	oss      *ossstore.Store
	tmpRoot  string
	inflight chan struct{}
	timeout  time.Duration
}

func NewManager(st store.TaskStore, q streamq.TaskQueue, tmpRoot string, oss *ossstore.Store) *Manager {
	maxInflight := readEnvIntDefault("RECON_MAX_INFLIGHT", 4)
	if maxInflight <= 0 {
		maxInflight = 1
	}
	return &Manager{
		store:    st,
		queue:    q,
		oss:      oss,
		tmpRoot:  tmpRoot,
		inflight: make(chan struct{}, maxInflight),
		timeout:  readEnvDurationSecondsDefault("TASK_TIMEOUT_SECONDS", time.Hour),
	}
}

// Create 登记一个 pending 任务并立即调度执行，不等待完成。
// schema 解析失败属于配置错误，在任务创建前快速失败。
func (m *Manager) Create(schemaText []byte, files []string, callbackURL string) (string, error) {
	if m == nil || m.store == nil {
		return "", errors.New("task manager 未初始化")
	}
	if len(files) == 0 {
		return "", errors.New("files 不能为空")
	}
	s, err := schema.Parse(schemaText)
	if err == nil {
		err = s.Validate()
	}
	if err != nil {
		return "", fmt.Errorf("schema 无效: %w", err)
	}

	taskID := newTaskID()
	now := time.Now()
	t := &domain.Task{
		ID:          taskID,
		Status:      domain.TaskStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		SchemaText:  schemaText,
		Files:       files,
		CallbackURL: strings.TrimSpace(callbackURL),
	}

	if m.queue != nil {
		// worker 模式：输入先上 OSS（跨 pod），再投递 taskID。
		if m.oss == nil || !m.oss.Enabled() {
			return "", errors.New("OSS 未启用：无法在 worker 模式下处理任务")
		}
		keys := make([]string, 0, len(files))
		names := make([]string, 0, len(files))
		for i, p := range files {
			name := filepath.Base(p)
			key := m.oss.ObjectKeyForInput(taskID, i, name)
			if err := m.oss.PutFileFromPath(key, p, contentTypeByName(name)); err != nil {
				return "", fmt.Errorf("上传 OSS 失败: %w", err)
			}
			keys = append(keys, key)
			names = append(names, name)
		}
		t.Files = names
		t.InputOSSKeys = keys
		if err := m.store.Create(t); err != nil {
			return "", err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.queue.Enqueue(ctx, taskID); err != nil {
			_, _, _ = m.store.Update(taskID, func(t *domain.Task) {
				t.Status = domain.TaskStatusFailed
				t.Error = "投递任务失败: " + err.Error()
			})
			return "", fmt.Errorf("投递任务失败: %w", err)
		}
		return taskID, nil
	}

	if err := m.store.Create(t); err != nil {
		return "", err
	}
	go m.runLocal(taskID)
	return taskID, nil
}

func (m *Manager) Get(taskID string) (*domain.Task, bool, error) {
	return m.store.Get(taskID)
}

func (m *Manager) GetStatus(taskID string) (domain.TaskStatus, bool, error) {
	t, ok, err := m.store.Get(taskID)
	if err != nil || !ok {
		return "", ok, err
	}
	return t.Status, true, nil
}

func (m *Manager) GetResult(taskID string) (*domain.Result, bool, error) {
	t, ok, err := m.store.Get(taskID)
	if err != nil || !ok {
		return nil, ok, err
	}
	return t.Result, true, nil
}

func (m *Manager) List() ([]*domain.Task, error) {
	return m.store.List()
}

type execOutcome struct {
	result       *domain.Result
	reportPath   string
	reportOSSKey string
	err          error
}

func (m *Manager) runLocal(taskID string) {
	m.acquireInflight()
	defer m.releaseInflight()

	t, ok, err := m.store.Get(taskID)
	if err != nil || !ok {
		return
	}
	if t.Status != domain.TaskStatusPending {
		return
	}
	_, _, _ = m.store.Update(taskID, func(t *domain.Task) {
		if t.Status.Terminal() {
			return
		}
		t.Status = domain.TaskStatusProcessing
	})

	done := make(chan execOutcome, 1)
	go func() {
		out := execOutcome{}
		out.result, out.reportPath, out.reportOSSKey, out.err = m.execute(t)
		done <- out
	}()

	select {
	case out := <-done:
		if out.err != nil {
			m.markFailed(taskID, out.err)
			if t.CallbackURL != "" {
				sendCallback(t.CallbackURL, failurePayload(taskID, out.err))
			}
			return
		}
		_, _, _ = m.store.Update(taskID, func(t *domain.Task) {
			if t.Status.Terminal() {
				return
			}
			t.Status = domain.TaskStatusCompleted
			t.Result = out.result
			t.ReportPath = out.reportPath
			t.ReportOSSKey = out.reportOSSKey
			t.Error = ""
		})
		if t.CallbackURL != "" {
			sendCallback(t.CallbackURL, successPayload(taskID, out.result))
		}
	case <-time.After(m.timeout):
		// 超时放弃等待；后台 goroutine 可能仍在跑，其写回会被 Terminal 检查拦住。
		log.Printf("任务超时 task=%s timeout=%s", taskID, m.timeout)
		m.markFailed(taskID, errors.New("任务超时"))
	}
}

// execute 跑一次完整的对账：解析 schema、匹配清洗、对账、写 xlsx 报告。
// OSS 可用时报告上传后删除本地文件，仅保留 OSS key。
func (m *Manager) execute(t *domain.Task) (*domain.Result, string, string, error) {
	s, err := schema.Parse(t.SchemaText)
	if err == nil {
		err = s.Validate()
	}
	if err != nil {
		return nil, "", "", fmt.Errorf("schema 无效: %w", err)
	}
	eng := recon.NewEngine(s)
	result, err := eng.Reconcile(t.Files)
	if err != nil {
		return nil, "", "", err
	}

	taskDir := filepath.Join(m.tmpRoot, "recon_tasks", t.ID)
	reportPath := filepath.Join(taskDir, "report.xlsx")
	if err := recon.WriteReportXLSX(result, reportPath); err != nil {
		return nil, "", "", fmt.Errorf("生成差异报告失败: %w", err)
	}
	if m.oss != nil && m.oss.Enabled() {
		key := m.oss.ObjectKeyForReport(t.ID)
		if err := m.oss.PutResultFile(key, reportPath); err != nil {
			return nil, "", "", fmt.Errorf("上传 OSS 失败: %w", err)
		}
		_ = os.Remove(reportPath)
		_ = os.RemoveAll(taskDir)
		return result, "", key, nil
	}
	return result, reportPath, "", nil
}

func (m *Manager) markFailed(taskID string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	_, _, _ = m.store.Update(taskID, func(t *domain.Task) {
		if t.Status.Terminal() {
			return
		}
		t.Status = domain.TaskStatusFailed
		t.Error = msg
	})
}

func (m *Manager) acquireInflight() {
	if m.inflight == nil {
		return
	}
	m.inflight <- struct{}{}
}

func (m *Manager) releaseInflight() {
	if m.inflight == nil {
		return
	}
	select {
	case <-m.inflight:
	default:
	}
}

func newTaskID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err == nil {
		return "task_" + hex.EncodeToString(buf)
	}
	return fmt.Sprintf("task_%d", time.Now().UnixNano())
}

func contentTypeByName(name string) string {
	ext := strings.ToLower(filepath.Ext(strings.TrimSpace(name)))
	switch ext {
	case ".csv", ".txt", ".tsv":
		return "text/csv"
	case ".xls":
		return "application/vnd.ms-excel"
	case ".xlsx", ".xlsm":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/octet-stream"
	}
}

func readEnvIntDefault(key string, defaultVal int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}

func readEnvDefault(key, defaultVal string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	return val
}

func readEnvDurationSecondsDefault(key string, defaultVal time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return time.Duration(n) * time.Second
}
