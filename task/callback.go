package task

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"reconbackend/domain"
)

// 回调只尝试一次：投递失败记日志，不重试，不影响任务状态。
var callbackClient = &http.Client{Timeout: 30 * time.Second}

func successPayload(taskID string, result *domain.Result) map[string]interface{} {
	p := map[string]interface{}{
		"task_id": taskID,
		"status":  string(domain.TaskStatusCompleted),
	}
	if result != nil {
		p["summary"] = result.Summary
		p["issues"] = result.Issues
		p["metadata"] = result.Metadata
	}
	return p
}

func failurePayload(taskID string, err error) map[string]interface{} {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return map[string]interface{}{
		"task_id": taskID,
		"status":  string(domain.TaskStatusFailed),
		"error":   msg,
	}
}

func sendCallback(callbackURL string, payload map[string]interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("回调失败: %s, 错误: %v", callbackURL, err)
		return
	}
	resp, err := callbackClient.Post(callbackURL, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Printf("回调失败: %s, 错误: %v", callbackURL, err)
		return
	}
	defer resp.Body.Close()
	log.Printf("回调成功: %s, 状态码: %d", callbackURL, resp.StatusCode)
}
