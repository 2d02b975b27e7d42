package store

import (
	"testing"
	"time"

	"reconbackend/domain"
)

func TestInMemoryTaskStoreLifecycle(t *testing.T) {
	s := NewInMemoryTaskStore()
	task := &domain.Task{
		ID:        "t1",
		Status:    domain.TaskStatusPending,
		CreatedAt: time.Now(),
	}
	if err := s.Create(task); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(task); err == nil {
		t.Fatalf("重复创建应失败")
	}

	got, ok, err := s.Get("t1")
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if got.Status != domain.TaskStatusPending {
		t.Fatalf("status=%s", got.Status)
	}

	// Get returns a copy; mutating it must not touch the stored task.
	got.Status = domain.TaskStatusFailed
	again, _, _ := s.Get("t1")
	if again.Status != domain.TaskStatusPending {
		t.Fatalf("store 内部状态被外部修改")
	}

	updated, ok, err := s.Update("t1", func(task *domain.Task) {
		task.Status = domain.TaskStatusProcessing
	})
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if updated.Status != domain.TaskStatusProcessing {
		t.Fatalf("status=%s", updated.Status)
	}
	if updated.UpdatedAt.IsZero() {
		t.Fatalf("UpdatedAt 未刷新")
	}

	if _, ok, _ := s.Update("missing", func(*domain.Task) {}); ok {
		t.Fatalf("不存在的任务不应更新成功")
	}
}

func TestInMemoryTaskStoreListOrdered(t *testing.T) {
	s := NewInMemoryTaskStore()
	base := time.Now()
	for i, id := range []string{"c", "a", "b"} {
		_ = s.Create(&domain.Task{ID: id, CreatedAt: base.Add(time.Duration(i) * time.Second)})
	}
	tasks, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 3 {
		t.Fatalf("len=%d", len(tasks))
	}
	order := []string{tasks[0].ID, tasks[1].ID, tasks[2].ID}
	if order[0] != "c" || order[1] != "a" || order[2] != "b" {
		t.Fatalf("order=%v", order)
	}
}

func TestTaskRecordRoundTrip(t *testing.T) {
	task := &domain.Task{
		ID:         "t2",
		Status:     domain.TaskStatusCompleted,
		SchemaText: []byte(`{"version":"1"}`),
		Files:      []string{"/tmp/a.csv"},
		Result: &domain.Result{
			Summary: domain.Summary{MatchedRecords: 5},
		},
		ReportOSSKey: "recon/t2/report.xlsx",
	}
	rec := recordFromTask(task)
	back := taskFromRecord(rec)
	if back.ID != task.ID || back.Status != task.Status {
		t.Fatalf("back=%+v", back)
	}
	if string(back.SchemaText) != string(task.SchemaText) {
		t.Fatalf("schemaText=%s", back.SchemaText)
	}
	if back.Result == nil || back.Result.Summary.MatchedRecords != 5 {
		t.Fatalf("result=%+v", back.Result)
	}
}
