package task

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"reconbackend/domain"
	"reconbackend/ossstore"
)

type Service struct {
	mgr     *Manager
	tmpRoot string
	oss     *ossstore.Store
}

func NewService(mgr *Manager, tmpRoot string, oss *ossstore.Store) *Service {
	return &Service{mgr: mgr, tmpRoot: tmpRoot, oss: oss}
}

func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/recon/files", s.handleUploadFiles)
	mux.HandleFunc("/recon/tasks", s.handleTasks)
	mux.HandleFunc("/recon/tasks/", s.handleTaskRoutes)
}

// allowedUploadExt 限定上传类型：台账数据文件 + schema JSON。
func allowedUploadExt(name string) bool {
	switch strings.ToLower(filepath.Ext(strings.TrimSpace(name))) {
	case ".csv", ".txt", ".tsv", ".xlsx", ".xls", ".xlsm", ".json":
		return true
	}
	return false
}

func (s *Service) handleUploadFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Stream multipart to disk to reduce memory usage (avoid ParseMultipartForm buffering).
	maxUploadMB := readEnvIntDefault("RECON_MAX_UPLOAD_MB", 128)
	if maxUploadMB <= 0 {
		maxUploadMB = 128
	}
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxUploadMB)<<20)
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}

	uploadID := newUploadID()
	uploadDir := filepath.Join(s.tmpRoot, "recon_uploads", uploadID)
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		http.Error(w, "failed to create upload dir", http.StatusInternalServerError)
		return
	}

	var saved []string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			http.Error(w, "invalid multipart stream", http.StatusBadRequest)
			return
		}
		if part == nil {
			continue
		}
		fn := strings.TrimSpace(part.FileName())
		if fn == "" {
			// Drain non-file parts to keep parser healthy.
			_, _ = io.Copy(io.Discard, part)
			_ = part.Close()
			continue
		}
		fn = filepath.Base(fn)
		if !allowedUploadExt(fn) {
			_ = part.Close()
			http.Error(w, "不支持的文件类型: "+fn, http.StatusBadRequest)
			return
		}
		dst, err := saveUploadTo(uploadDir, fn, part)
		_ = part.Close()
		if err != nil {
			http.Error(w, "failed to save "+fn, http.StatusInternalServerError)
			return
		}
		saved = append(saved, dst)
	}
	if len(saved) == 0 {
		http.Error(w, "missing files", http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uploadId": uploadID,
		"files":    saved,
	})
}

type createTaskRequest struct {
	Schema      json.RawMessage `json:"schema"`
	Files       []string        `json:"files"`
	CallbackURL string          `json:"callback_url,omitempty"`
}

func (s *Service) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
	case http.MethodPost:
		s.handleCreateTask(w, r)
	case http.MethodGet:
		s.handleListTasks(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Service) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.Schema) == 0 {
		http.Error(w, "schema 不能为空", http.StatusBadRequest)
		return
	}
	if len(req.Files) == 0 {
		http.Error(w, "files 不能为空", http.StatusBadRequest)
		return
	}
	for _, p := range req.Files {
		if _, err := os.Stat(p); err != nil {
			http.Error(w, "文件不存在: "+p, http.StatusBadRequest)
			return
		}
	}

	taskID, err := s.mgr.Create([]byte(req.Schema), req.Files, req.CallbackURL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"taskId": taskID,
		"status": string(domain.TaskStatusPending),
	})
}

func (s *Service) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.mgr.List()
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	out := make([]map[string]interface{}, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskSnapshot(t))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": out})
}

func (s *Service) handleTaskRoutes(w http.ResponseWriter, r *http.Request) {
	// /recon/tasks/{taskId}
	// /recon/tasks/{taskId}/result
	// /recon/tasks/{taskId}/report
	path := strings.TrimPrefix(r.URL.Path, "/recon/tasks/")
	path = strings.Trim(path, "/")
	if path == "" {
		http.Error(w, "taskId required", http.StatusBadRequest)
		return
	}
	parts := strings.Split(path, "/")
	taskID := parts[0]
	if taskID == "" {
		http.Error(w, "taskId required", http.StatusBadRequest)
		return
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(parts) == 1 {
		s.handleGetTask(w, r, taskID)
		return
	}
	if len(parts) == 2 && parts[1] == "result" {
		s.handleGetResult(w, r, taskID)
		return
	}
	if len(parts) == 2 && parts[1] == "report" {
		s.handleDownloadReport(w, r, taskID)
		return
	}
	http.NotFound(w, r)
}

func taskSnapshot(t *domain.Task) map[string]interface{} {
	resp := map[string]interface{}{
		"taskId":    t.ID,
		"status":    string(t.Status),
		"createdAt": t.CreatedAt,
		"updatedAt": t.UpdatedAt,
	}
	if t.Status == domain.TaskStatusFailed && t.Error != "" {
		resp["error"] = t.Error
	}
	return resp
}

func (s *Service) handleGetTask(w http.ResponseWriter, r *http.Request, taskID string) {
	t, ok, err := s.mgr.Get(taskID)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, taskSnapshot(t))
}

func (s *Service) handleGetResult(w http.ResponseWriter, r *http.Request, taskID string) {
	t, ok, err := s.mgr.Get(taskID)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	resp := map[string]interface{}{
		"taskId": t.ID,
		"status": string(t.Status),
	}
	if t.Status == domain.TaskStatusFailed && t.Error != "" {
		resp["error"] = t.Error
	}
	if t.Result != nil {
		resp["summary"] = t.Result.Summary
		resp["issues"] = t.Result.Issues
		resp["metadata"] = t.Result.Metadata
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleDownloadReport(w http.ResponseWriter, r *http.Request, taskID string) {
	t, ok, err := s.mgr.Get(taskID)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	if t.Status != domain.TaskStatusCompleted || !hasReport(t) {
		http.Error(w, "任务尚未完成或报告不存在", http.StatusConflict)
		return
	}
	// Prefer OSS signed URL when available (cross-pod safe).
	if t.ReportOSSKey != "" && s.oss != nil && s.oss.Enabled() {
		signed, err := s.oss.SignDownloadURL(t.ReportOSSKey, "对账报告.xlsx")
		if err != nil {
			http.Error(w, "生成下载链接失败", http.StatusBadGateway)
			return
		}
		// 支持两种响应：
		// - format=json：返回 {url, filename} 让前端自行 fetch(预览)/跳转(下载)
		// - 默认：302 重定向到 OSS 签名链接（适合纯下载）
		if wantsJSON(r) {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"url":      signed,
				"filename": "对账报告.xlsx",
			})
			return
		}
		http.Redirect(w, r, signed, http.StatusFound)
		return
	}

	// Fallback: local filesystem
	if t.ReportPath == "" {
		http.Error(w, "报告文件不存在或已过期", http.StatusGone)
		return
	}
	if _, err := os.Stat(t.ReportPath); err != nil {
		http.Error(w, "报告文件不存在或已过期", http.StatusGone)
		return
	}
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"url":      r.URL.Path,
			"filename": "对账报告.xlsx",
		})
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	// 固定下载文件名：对账报告.xlsx（同时提供 RFC5987 filename* 以兼容 UTF-8）
	utf8Name := "对账报告.xlsx"
	escaped := url.PathEscape(utf8Name)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q; filename*=UTF-8''%s", "report.xlsx", escaped))
	http.ServeFile(w, r, t.ReportPath)
}

func hasReport(t *domain.Task) bool {
	if t == nil {
		return false
	}
	return strings.TrimSpace(t.ReportOSSKey) != "" || strings.TrimSpace(t.ReportPath) != ""
}

func wantsJSON(r *http.Request) bool {
	if r == nil {
		return false
	}
	q := r.URL.Query()
	if strings.EqualFold(strings.TrimSpace(q.Get("format")), "json") {
		return true
	}
	accept := strings.ToLower(r.Header.Get("Accept"))
	return strings.Contains(accept, "application/json")
}

func newUploadID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err == nil {
		return "upload_" + hex.EncodeToString(buf)
	}
	return fmt.Sprintf("upload_%d", time.Now().UnixNano())
}

func saveUploadTo(dir, name string, src io.Reader) (string, error) {
	if dir == "" || name == "" {
		return "", errors.New("invalid path")
	}
	dstPath := filepath.Join(dir, name)
	f, err := os.Create(dstPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, src); err != nil {
		return "", err
	}
	return dstPath, nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
