package task

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"reconbackend/domain"
	"reconbackend/store"
)

const testSchema = `{
	"version": "1.0",
	"key_field_role": "order_id",
	"data_sources": {
		"business": {
			"file_pattern": "*business*.csv",
			"field_roles": {"order_id": "order_id", "amount": "amount"}
		},
		"finance": {
			"file_pattern": "*finance*.csv",
			"field_roles": {"order_id": "order_id", "amount": "amount"}
		}
	},
	"tolerance": {"amount_diff_max": 0.0}
}`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func waitTerminal(t *testing.T, st store.TaskStore, taskID string) *domain.Task {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		tk, ok, err := st.Get(taskID)
		if err != nil {
			t.Fatal(err)
		}
		if ok && tk.Status.Terminal() {
			return tk
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("task %s 未在限期内结束", taskID)
	return nil
}

func TestCreateRejectsBadSchema(t *testing.T) {
	st := store.NewInMemoryTaskStore()
	m := NewManager(st, nil, t.TempDir(), nil)

	if _, err := m.Create([]byte(`{not json`), []string{"a.csv"}, ""); err == nil {
		t.Fatal("坏 schema 未在创建前失败")
	}
	if _, err := m.Create([]byte(testSchema), nil, ""); err == nil {
		t.Fatal("空 files 未在创建前失败")
	}
	tasks, err := st.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("创建前失败不应登记任务, got %d", len(tasks))
	}
}

func TestLocalRunCompletes(t *testing.T) {
	dir := t.TempDir()
	biz := writeFile(t, dir, "business.csv", "order_id,amount\nA1,100.00\nA2,50.00\n")
	fin := writeFile(t, dir, "finance.csv", "order_id,amount\nA1,100.00\nA2,51.00\n")

	st := store.NewInMemoryTaskStore()
	m := NewManager(st, nil, t.TempDir(), nil)

	taskID, err := m.Create([]byte(testSchema), []string{biz, fin}, "")
	if err != nil {
		t.Fatal(err)
	}
	tk := waitTerminal(t, st, taskID)
	if tk.Status != domain.TaskStatusCompleted {
		t.Fatalf("status=%s error=%s", tk.Status, tk.Error)
	}
	if tk.Result == nil {
		t.Fatal("result 未写入")
	}
	if got := len(tk.Result.Issues); got != 1 {
		t.Fatalf("issues=%d, want 1", got)
	}
	if tk.ReportPath == "" {
		t.Fatal("报告路径未写入")
	}
	if _, err := os.Stat(tk.ReportPath); err != nil {
		t.Fatalf("报告文件不存在: %v", err)
	}

	status, ok, err := m.GetStatus(taskID)
	if err != nil || !ok || status != domain.TaskStatusCompleted {
		t.Fatalf("GetStatus=%v ok=%v err=%v", status, ok, err)
	}
	res, ok, err := m.GetResult(taskID)
	if err != nil || !ok || res == nil {
		t.Fatalf("GetResult ok=%v err=%v", ok, err)
	}
}

func TestLocalRunFailsOnMissingKeyField(t *testing.T) {
	dir := t.TempDir()
	biz := writeFile(t, dir, "business.csv", "something,amount\nx,1\n")
	fin := writeFile(t, dir, "finance.csv", "order_id,amount\nA1,1\n")

	st := store.NewInMemoryTaskStore()
	m := NewManager(st, nil, t.TempDir(), nil)

	taskID, err := m.Create([]byte(testSchema), []string{biz, fin}, "")
	if err != nil {
		t.Fatal(err)
	}
	tk := waitTerminal(t, st, taskID)
	if tk.Status != domain.TaskStatusFailed {
		t.Fatalf("status=%s, want failed", tk.Status)
	}
	if tk.Error == "" {
		t.Fatal("失败任务应记录错误信息")
	}
}

func TestCallbackDeliveredOnSuccess(t *testing.T) {
	dir := t.TempDir()
	biz := writeFile(t, dir, "business.csv", "order_id,amount\nA1,100.00\n")
	fin := writeFile(t, dir, "finance.csv", "order_id,amount\nA1,100.00\n")

	got := make(chan map[string]interface{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]interface{}
		_ = json.Unmarshal(body, &payload)
		got <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := store.NewInMemoryTaskStore()
	m := NewManager(st, nil, t.TempDir(), nil)
	taskID, err := m.Create([]byte(testSchema), []string{biz, fin}, srv.URL)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case payload := <-got:
		if payload["task_id"] != taskID {
			t.Fatalf("task_id=%v", payload["task_id"])
		}
		if payload["status"] != "completed" {
			t.Fatalf("status=%v", payload["status"])
		}
		if _, ok := payload["summary"]; !ok {
			t.Fatal("回调缺少 summary")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("未收到回调")
	}
}

func TestCallbackFailureDoesNotChangeStatus(t *testing.T) {
	dir := t.TempDir()
	biz := writeFile(t, dir, "business.csv", "order_id,amount\nA1,100.00\n")
	fin := writeFile(t, dir, "finance.csv", "order_id,amount\nA1,100.00\n")

	st := store.NewInMemoryTaskStore()
	m := NewManager(st, nil, t.TempDir(), nil)
	// 不可达地址：投递失败只记日志。
	taskID, err := m.Create([]byte(testSchema), []string{biz, fin}, "http://127.0.0.1:1/callback")
	if err != nil {
		t.Fatal(err)
	}
	tk := waitTerminal(t, st, taskID)
	if tk.Status != domain.TaskStatusCompleted {
		t.Fatalf("status=%s, want completed", tk.Status)
	}
}

func TestFailureCallbackPayload(t *testing.T) {
	dir := t.TempDir()
	biz := writeFile(t, dir, "business.csv", "something,amount\nx,1\n")
	fin := writeFile(t, dir, "finance.csv", "order_id,amount\nA1,1\n")

	got := make(chan map[string]interface{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]interface{}
		_ = json.Unmarshal(body, &payload)
		got <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := store.NewInMemoryTaskStore()
	m := NewManager(st, nil, t.TempDir(), nil)
	if _, err := m.Create([]byte(testSchema), []string{biz, fin}, srv.URL); err != nil {
		t.Fatal(err)
	}

	select {
	case payload := <-got:
		if payload["status"] != "failed" {
			t.Fatalf("status=%v", payload["status"])
		}
		if payload["error"] == "" || payload["error"] == nil {
			t.Fatal("失败回调缺少 error")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("未收到失败回调")
	}
}
