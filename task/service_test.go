package task

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"reconbackend/domain"
	"reconbackend/store"
)

func newTestService(t *testing.T) (*Service, store.TaskStore) {
	t.Helper()
	st := store.NewInMemoryTaskStore()
	m := NewManager(st, nil, t.TempDir(), nil)
	return NewService(m, t.TempDir(), nil), st
}

func multipartUpload(t *testing.T, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		fw, err := mw.CreateFormFile("files", name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func TestUploadThenCreateTask(t *testing.T) {
	svc, st := newTestService(t)
	mux := http.NewServeMux()
	svc.RegisterRoutes(mux)

	body, ctype := multipartUpload(t, map[string]string{
		"business.csv": "order_id,amount\nA1,100.00\n",
		"finance.csv":  "order_id,amount\nA1,101.00\n",
	})
	req := httptest.NewRequest(http.MethodPost, "/recon/files", body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload status=%d body=%s", rec.Code, rec.Body.String())
	}
	var uploadResp struct {
		UploadID string   `json:"uploadId"`
		Files    []string `json:"files"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &uploadResp); err != nil {
		t.Fatal(err)
	}
	if len(uploadResp.Files) != 2 {
		t.Fatalf("files=%v", uploadResp.Files)
	}

	createBody, _ := json.Marshal(map[string]interface{}{
		"schema": json.RawMessage(testSchema),
		"files":  uploadResp.Files,
	})
	req = httptest.NewRequest(http.MethodPost, "/recon/tasks", bytes.NewReader(createBody))
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("create status=%d body=%s", rec.Code, rec.Body.String())
	}
	var createResp struct {
		TaskID string `json:"taskId"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &createResp); err != nil {
		t.Fatal(err)
	}
	if createResp.TaskID == "" || createResp.Status != "pending" {
		t.Fatalf("create resp=%+v", createResp)
	}

	tk := waitTerminal(t, st, createResp.TaskID)
	if tk.Status != domain.TaskStatusCompleted {
		t.Fatalf("status=%s error=%s", tk.Status, tk.Error)
	}

	// status endpoint
	req = httptest.NewRequest(http.MethodGet, "/recon/tasks/"+createResp.TaskID, nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"completed"`) {
		t.Fatalf("get status=%d body=%s", rec.Code, rec.Body.String())
	}

	// result endpoint
	req = httptest.NewRequest(http.MethodGet, "/recon/tasks/"+createResp.TaskID+"/result", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("result status=%d", rec.Code)
	}
	var resultResp struct {
		Summary *domain.Summary `json:"summary"`
		Issues  []domain.Issue  `json:"issues"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resultResp); err != nil {
		t.Fatal(err)
	}
	if resultResp.Summary == nil || len(resultResp.Issues) != 1 {
		t.Fatalf("result body=%s", rec.Body.String())
	}

	// report download (local fallback)
	req = httptest.NewRequest(http.MethodGet, "/recon/tasks/"+createResp.TaskID+"/report", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("report status=%d body=%s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "spreadsheetml") {
		t.Fatalf("content-type=%s", got)
	}

	// report json variant
	req = httptest.NewRequest(http.MethodGet, "/recon/tasks/"+createResp.TaskID+"/report?format=json", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"filename"`) {
		t.Fatalf("report json status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestUploadRejectsUnknownExtension(t *testing.T) {
	svc, _ := newTestService(t)
	mux := http.NewServeMux()
	svc.RegisterRoutes(mux)

	body, ctype := multipartUpload(t, map[string]string{"evil.exe": "nope"})
	req := httptest.NewRequest(http.MethodPost, "/recon/files", body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", rec.Code)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	svc, _ := newTestService(t)
	mux := http.NewServeMux()
	svc.RegisterRoutes(mux)

	cases := []string{
		`{`,
		`{"files": ["/tmp/x.csv"]}`,
		`{"schema": {"version": "1"}}`,
		`{"schema": {"version": "1"}, "files": ["/no/such/file.csv"]}`,
	}
	for _, body := range cases {
		req := httptest.NewRequest(http.MethodPost, "/recon/tasks", strings.NewReader(body))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body=%s status=%d, want 400", body, rec.Code)
		}
	}
}

func TestListTasks(t *testing.T) {
	svc, st := newTestService(t)
	mux := http.NewServeMux()
	svc.RegisterRoutes(mux)

	dir := t.TempDir()
	biz := writeFile(t, dir, "business.csv", "order_id,amount\nA1,1\n")
	fin := writeFile(t, dir, "finance.csv", "order_id,amount\nA1,1\n")
	taskID, err := svc.mgr.Create([]byte(testSchema), []string{biz, fin}, "")
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, st, taskID)

	req := httptest.NewRequest(http.MethodGet, "/recon/tasks", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var listResp struct {
		Tasks []map[string]interface{} `json:"tasks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listResp); err != nil {
		t.Fatal(err)
	}
	if len(listResp.Tasks) != 1 || listResp.Tasks[0]["taskId"] != taskID {
		t.Fatalf("tasks=%v", listResp.Tasks)
	}
}

func TestGetUnknownTask(t *testing.T) {
	svc, _ := newTestService(t)
	mux := http.NewServeMux()
	svc.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/recon/tasks/task_nope", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
}

func TestReportBeforeCompletionConflicts(t *testing.T) {
	svc, st := newTestService(t)
	mux := http.NewServeMux()
	svc.RegisterRoutes(mux)

	tk := domain.Task{ID: "task_x", Status: domain.TaskStatusProcessing}
	if err := st.Create(&tk); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodGet, "/recon/tasks/task_x/report", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status=%d, want 409", rec.Code)
	}
}
