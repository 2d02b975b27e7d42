package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"reconbackend/obs"
	"reconbackend/ossstore"
	"reconbackend/store"
	"reconbackend/streamq"
	"reconbackend/task"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	shutdownObs, _ := obs.Init("recon-api")
	defer func() { _ = shutdownObs(context.Background()) }()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	tmpRoot := readEnvDefault("TMP_ROOT", "./tmp")
	redisAddr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))

	var taskStore store.TaskStore
	var rdb *redis.Client
	if redisAddr != "" {
		st, err := store.NewRedisTaskStore(redisAddr, os.Getenv("REDIS_PASSWORD"))
		if err != nil {
			log.Fatalf("init redis store failed: %v", err)
		}
		taskStore = st
		rdb = redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: strings.TrimSpace(os.Getenv("REDIS_PASSWORD")),
			DB:       readEnvIntDefault("REDIS_DB", 0),
		})
	} else {
		log.Printf("REDIS_ADDR 为空：使用内存任务注册表（单进程，重启丢失）")
		taskStore = store.NewInMemoryTaskStore()
	}

	var ossSt *ossstore.Store
	if st, enabled, err := ossstore.NewFromEnv(); err != nil {
		if enabled {
			log.Fatalf("init oss store failed: %v", err)
		}
	} else if enabled {
		ossSt = st
		log.Printf("oss store enabled bucket=%s prefix=%s", strings.TrimSpace(os.Getenv("OSS_BUCKET")), strings.TrimSpace(os.Getenv("OSS_PREFIX")))
	}

	// 队列模式需要 Redis + OSS 同时可用（输入/报告跨 pod 走对象存储）。
	var q streamq.TaskQueue
	if rdb != nil && ossSt != nil && ossSt.Enabled() {
		streamKey := readEnvDefault("RECON_STREAM_KEY", "recon:tasks:stream")
		group := readEnvDefault("RECON_STREAM_GROUP", "recon-tasks")
		maxLen := int64(readEnvIntDefault("RECON_STREAM_MAXLEN", 100000))
		q = streamq.NewRedisStreamQueue(rdb, streamKey, group, maxLen)
		log.Printf("queue mode enabled stream=%s group=%s", streamKey, group)
	} else {
		log.Printf("local executor mode: 对账任务在本进程内执行")
	}

	mgr := task.NewManager(taskStore, q, tmpRoot, ossSt)
	taskSvc := task.NewService(mgr, tmpRoot, ossSt)
	taskSvc.RegisterRoutes(mux)

	addr := ":" + readEnvDefault("PORT", "8080")
	log.Printf("recon api listening on %s", addr)
	// Wrap order: cors -> otel/metrics -> mux
	handler := corsMiddleware(obs.WrapHTTP("recon-api", mux))
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func readEnvDefault(key, defaultVal string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	return val
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

func corsMiddleware(next http.Handler) http.Handler {
	allowOrigin := readEnvDefault("CORS_ALLOW_ORIGIN", "http://localhost:5173")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
