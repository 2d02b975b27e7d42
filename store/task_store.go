package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"reconbackend/domain"
)

// TaskStore is the shared state store for reconciliation tasks.
//
// NOTE: input files live on local filesystem (or OSS in worker mode). This
// store only addresses status/result consistency across pods and restarts.
type TaskStore interface {
	Create(task *domain.Task) error
	Get(id string) (*domain.Task, bool, error)
	Update(id string, fn func(t *domain.Task)) (*domain.Task, bool, error)
	List() ([]*domain.Task, error)
}

type InMemoryTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*domain.Task
}

func NewInMemoryTaskStore() *InMemoryTaskStore {
	return &InMemoryTaskStore{tasks: make(map[string]*domain.Task)}
}

func (s *InMemoryTaskStore) Create(task *domain.Task) error {
	if task == nil || strings.TrimSpace(task.ID) == "" {
		return errors.New("task/id 为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return fmt.Errorf("任务已存在: %s", task.ID)
	}
	s.tasks[task.ID] = task
	return nil
}

func (s *InMemoryTaskStore) Get(id string) (*domain.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t == nil {
		return nil, false, nil
	}
	// Return a copy to avoid accidental mutation/data races outside the lock.
	cp := *t
	return &cp, true, nil
}

func (s *InMemoryTaskStore) Update(id string, fn func(t *domain.Task)) (*domain.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, false, nil
	}
	fn(t)
	t.UpdatedAt = time.Now()
	cp := *t
	return &cp, true, nil
}

func (s *InMemoryTaskStore) List() ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// taskRecord 是 Task 在 redis 中的序列化形态（含内部字段）。
type taskRecord struct {
	ID        string            `json:"id"`
	Status    domain.TaskStatus `json:"status"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`

	SchemaText   string   `json:"schemaText,omitempty"`
	Files        []string `json:"files,omitempty"`
	CallbackURL  string   `json:"callbackUrl,omitempty"`
	InputOSSKeys []string `json:"inputOssKeys,omitempty"`

	Result       *domain.Result `json:"result,omitempty"`
	ReportPath   string         `json:"reportPath,omitempty"`
	ReportOSSKey string         `json:"reportOssKey,omitempty"`

	Error string `json:"error,omitempty"`
}

func recordFromTask(t *domain.Task) taskRecord {
	if t == nil {
		return taskRecord{}
	}
	return taskRecord{
		ID:           t.ID,
		Status:       t.Status,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		SchemaText:   string(t.SchemaText),
		Files:        t.Files,
		CallbackURL:  t.CallbackURL,
		InputOSSKeys: t.InputOSSKeys,
		Result:       t.Result,
		ReportPath:   t.ReportPath,
		ReportOSSKey: t.ReportOSSKey,
		Error:        t.Error,
	}
}

func taskFromRecord(r taskRecord) *domain.Task {
	return &domain.Task{
		ID:           r.ID,
		Status:       r.Status,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		SchemaText:   []byte(r.SchemaText),
		Files:        r.Files,
		CallbackURL:  r.CallbackURL,
		InputOSSKeys: r.InputOSSKeys,
		Result:       r.Result,
		ReportPath:   r.ReportPath,
		ReportOSSKey: r.ReportOSSKey,
		Error:        r.Error,
	}
}

type RedisTaskStore struct {
	rdb       *redis.Client
	keyPrefix string
	indexKey  string
	ttl       time.Duration
}

func readRedisDB() int {
	raw := strings.TrimSpace(os.Getenv("REDIS_DB"))
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func readTaskTTL() time.Duration {
	raw := strings.TrimSpace(os.Getenv("RECON_TASK_TTL_SECONDS"))
	if raw == "" {
		return 7 * 24 * time.Hour
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(n) * time.Second
}

func NewRedisTaskStore(addr, password string) (*RedisTaskStore, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("REDIS_ADDR 为空")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(password),
		DB:       readRedisDB(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	log.Printf("task store: redis enabled addr=%s db=%d ttl=%s", addr, readRedisDB(), readTaskTTL())

	return &RedisTaskStore{
		rdb:       rdb,
		keyPrefix: "recon:task:",
		indexKey:  "recon:tasks",
		ttl:       readTaskTTL(),
	}, nil
}

func (s *RedisTaskStore) key(id string) string {
	return s.keyPrefix + strings.TrimSpace(id)
}

func (s *RedisTaskStore) Create(task *domain.Task) error {
	if task == nil || strings.TrimSpace(task.ID) == "" {
		return errors.New("task/id 为空")
	}
	b, err := json.Marshal(recordFromTask(task))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := s.rdb.SetNX(ctx, s.key(task.ID), b, s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("任务已存在: %s", task.ID)
	}
	// Index for List(); score = creation time so listing stays ordered.
	return s.rdb.ZAdd(ctx, s.indexKey, redis.Z{
		Score:  float64(task.CreatedAt.UnixMilli()),
		Member: task.ID,
	}).Err()
}

func (s *RedisTaskStore) Get(id string) (*domain.Task, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	val, err := s.rdb.Get(ctx, s.key(id)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var rec taskRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, false, err
	}
	return taskFromRecord(rec), true, nil
}

func (s *RedisTaskStore) Update(id string, fn func(t *domain.Task)) (*domain.Task, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, nil
	}
	if fn == nil {
		return nil, false, errors.New("update fn 为空")
	}

	key := s.key(id)

	var out *domain.Task
	var ok bool

	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()

	for i := 0; i < 8; i++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			val, err := tx.Get(ctx, key).Result()
			if err == redis.Nil {
				ok = false
				out = nil
				return nil
			}
			if err != nil {
				return err
			}
			var rec taskRecord
			if err := json.Unmarshal([]byte(val), &rec); err != nil {
				return err
			}
			t := taskFromRecord(rec)
			fn(t)
			t.UpdatedAt = time.Now()
			out = t
			ok = true

			nb, err := json.Marshal(recordFromTask(t))
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, nb, s.ttl)
				return nil
			})
			return err
		}, key)

		if err == nil {
			return out, ok, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, false, err
	}

	return nil, false, errors.New("redis update retry exceeded")
}

func (s *RedisTaskStore) List() ([]*domain.Task, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()
	ids, err := s.rdb.ZRange(ctx, s.indexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Task, 0, len(ids))
	for _, id := range ids {
		t, ok, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			// 任务记录已过期，顺带清理索引
			_ = s.rdb.ZRem(ctx, s.indexKey, id).Err()
			continue
		}
		out = append(out, t)
	}
	return out, nil
}
