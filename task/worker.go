package task

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"reconbackend/domain"
	"reconbackend/ossstore"
	"reconbackend/recon"
	"reconbackend/redislock"
	"reconbackend/schema"
	"reconbackend/store"
	"reconbackend/streamq"
)

// Worker 消费 Redis Streams 中的 taskID，从 OSS 拉取输入，
// 执行对账并把报告回传 OSS。配合分布式锁避免多副本重复处理。
type Worker struct {
	store    store.TaskStore
	tmpRoot  string
	oss      *ossstore.Store
	lock     *redislock.Client
	lockTTL  time.Duration
	lockKick time.Duration
	inflight chan struct{}
}

func NewWorker(st store.TaskStore, tmpRoot string, oss *ossstore.Store, lock *redislock.Client) *Worker {
	maxInflight := readEnvIntDefault("RECON_MAX_INFLIGHT", 4)
	if maxInflight <= 0 {
		maxInflight = 1
	}
	lockTTL := readEnvDurationSecondsDefault("RECON_TASK_LOCK_TTL_SECONDS", 2*time.Hour)
	lockKick := readEnvDurationSecondsDefault("RECON_TASK_LOCK_REFRESH_SECONDS", 30*time.Second)
	if lockKick <= 0 {
		lockKick = 30 * time.Second
	}
	return &Worker{
		store:    st,
		tmpRoot:  tmpRoot,
		oss:      oss,
		lock:     lock,
		lockTTL:  lockTTL,
		lockKick: lockKick,
		inflight: make(chan struct{}, maxInflight),
	}
}

func (w *Worker) acquireInflight() {
	if w == nil || w.inflight == nil {
		return
	}
	w.inflight <- struct{}{}
}

func (w *Worker) releaseInflight() {
	if w == nil || w.inflight == nil {
		return
	}
	select {
	case <-w.inflight:
	default:
	}
}

func (w *Worker) Process(ctx context.Context, taskID string) error {
	w.acquireInflight()
	defer w.releaseInflight()

	if w == nil || w.store == nil {
		return errors.New("worker/store 未初始化")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	// Distributed lock: prevent duplicate processing across multiple recon-worker replicas.
	if w.lock != nil {
		token, err := redislock.Token()
		if err != nil {
			return err
		}
		lockKey := w.lock.Key(taskID)
		ok, err := w.lock.Acquire(ctx, lockKey, token, w.lockTTL)
		if err != nil {
			// transient: keep pending
			return err
		}
		if !ok {
			// Likely a duplicate enqueue; ACK and move on.
			return streamq.Terminal(fmt.Errorf("task locked: %s", lockKey))
		}
		defer func() {
			_, _ = w.lock.Release(context.Background(), lockKey, token)
		}()

		stopKick := make(chan struct{})
		defer close(stopKick)
		go func() {
			t := time.NewTicker(w.lockKick)
			defer t.Stop()
			for {
				select {
				case <-stopKick:
					return
				case <-ctx.Done():
					return
				case <-t.C:
					_, err := w.lock.Refresh(context.Background(), lockKey, token, w.lockTTL)
					if err != nil {
						// best-effort; TTL is long enough for typical tasks
						log.Printf("lock refresh failed task=%s: %v", taskID, err)
					}
				}
			}
		}()
	}

	t, ok, err := w.store.Get(taskID)
	if err != nil || !ok {
		return err
	}
	if t.Status.Terminal() {
		return streamq.Terminal(nil)
	}
	if w.oss == nil || !w.oss.Enabled() {
		return streamq.Terminal(w.fail(t, errors.New("OSS 未启用")))
	}
	if len(t.InputOSSKeys) == 0 {
		return streamq.Terminal(w.fail(t, errors.New("输入文件 OSSKey 为空")))
	}

	// Mark as processing (best-effort).
	_, _, _ = w.store.Update(taskID, func(t *domain.Task) {
		if t.Status.Terminal() {
			return
		}
		t.Status = domain.TaskStatusProcessing
		t.Error = ""
	})

	taskDir := filepath.Join(w.tmpRoot, "recon_tasks", taskID)
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return streamq.Terminal(w.fail(t, fmt.Errorf("创建 taskDir 失败: %w", err)))
	}
	defer func() { _ = os.RemoveAll(taskDir) }()

	// 按上传顺序落盘，每个文件独立子目录以保留原始文件名（通配匹配依赖它）。
	localPaths := make([]string, 0, len(t.InputOSSKeys))
	for i, key := range t.InputOSSKeys {
		name := filepath.Base(key)
		if i < len(t.Files) && t.Files[i] != "" {
			name = filepath.Base(t.Files[i])
		}
		local := filepath.Join(taskDir, "inputs", strconv.Itoa(i), name)
		if err := w.oss.GetObjectToFile(key, local); err != nil {
			return streamq.Terminal(w.fail(t, fmt.Errorf("下载输入文件失败: %w", err)))
		}
		localPaths = append(localPaths, local)
	}

	s, err := schema.Parse(t.SchemaText)
	if err == nil {
		err = s.Validate()
	}
	if err != nil {
		return streamq.Terminal(w.fail(t, fmt.Errorf("schema 无效: %w", err)))
	}
	eng := recon.NewEngine(s)
	result, err := eng.Reconcile(localPaths)
	if err != nil {
		return streamq.Terminal(w.fail(t, err))
	}

	reportPath := filepath.Join(taskDir, "report.xlsx")
	if err := recon.WriteReportXLSX(result, reportPath); err != nil {
		return streamq.Terminal(w.fail(t, fmt.Errorf("生成差异报告失败: %w", err)))
	}
	ossKey := w.oss.ObjectKeyForReport(taskID)
	if err := w.oss.PutResultFile(ossKey, reportPath); err != nil {
		return streamq.Terminal(w.fail(t, fmt.Errorf("上传 OSS 失败: %w", err)))
	}

	_, _, _ = w.store.Update(taskID, func(t *domain.Task) {
		if t.Status.Terminal() {
			return
		}
		t.Status = domain.TaskStatusCompleted
		t.Result = result
		t.ReportOSSKey = ossKey
		t.Error = ""
	})
	if t.CallbackURL != "" {
		sendCallback(t.CallbackURL, successPayload(taskID, result))
	}
	return streamq.Terminal(nil)
}

func (w *Worker) fail(t *domain.Task, err error) error {
	if t == nil || t.ID == "" {
		return err
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	_, _, _ = w.store.Update(t.ID, func(t *domain.Task) {
		if t.Status.Terminal() {
			return
		}
		t.Status = domain.TaskStatusFailed
		t.Error = msg
	})
	if t.CallbackURL != "" {
		sendCallback(t.CallbackURL, failurePayload(t.ID, err))
	}
	return err
}
