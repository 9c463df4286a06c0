package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/hzrd149/pow-content-dvm/internal/domain"
)

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PendingKey   string
	CompletedKey string
}

// RedisRegistry stores both job maps as Redis hashes so pagination
// chains survive process restarts.
type RedisRegistry struct {
	client       *redis.Client
	pendingKey   string
	completedKey string
}

// takePending removes and returns a hash field in one round trip, so two
// racing poll ticks can never both observe the same pending job.
var takePending = redis.NewScript(`
local value = redis.call('HGET', KEYS[1], ARGV[1])
if value then
	redis.call('HDEL', KEYS[1], ARGV[1])
end
return value
`)

func NewRedisRegistry(ctx context.Context, cfg RedisConfig) (*RedisRegistry, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.PendingKey == "" {
		cfg.PendingKey = "dvm:jobs:pending"
	}
	if cfg.CompletedKey == "" {
		cfg.CompletedKey = "dvm:jobs:completed"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisRegistry{
		client:       client,
		pendingKey:   cfg.PendingKey,
		completedKey: cfg.CompletedKey,
	}, nil
}

func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

func (r *RedisRegistry) Has(ctx context.Context, id string) (bool, error) {
	pipe := r.client.Pipeline()
	inPending := pipe.HExists(ctx, r.pendingKey, id)
	inCompleted := pipe.HExists(ctx, r.completedKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("check job id: %w", err)
	}
	return inPending.Val() || inCompleted.Val(), nil
}

func (r *RedisRegistry) PutPending(ctx context.Context, job *domain.Job) error {
	return r.put(ctx, r.pendingKey, job)
}

func (r *RedisRegistry) TakePending(ctx context.Context, id string) (*domain.Job, bool, error) {
	value, err := takePending.Run(ctx, r.client, []string{r.pendingKey}, id).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("take pending job: %w", err)
	}

	job, err := decodeJob([]byte(value))
	if err != nil {
		return nil, false, err
	}
	return job, true, nil
}

func (r *RedisRegistry) DeletePending(ctx context.Context, id string) error {
	if err := r.client.HDel(ctx, r.pendingKey, id).Err(); err != nil {
		return fmt.Errorf("delete pending job: %w", err)
	}
	return nil
}

func (r *RedisRegistry) ListPending(ctx context.Context) ([]*domain.Job, error) {
	values, err := r.client.HVals(ctx, r.pendingKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}

	jobs := make([]*domain.Job, 0, len(values))
	for _, value := range values {
		job, err := decodeJob([]byte(value))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (r *RedisRegistry) PutCompleted(ctx context.Context, job *domain.Job) error {
	return r.put(ctx, r.completedKey, job)
}

func (r *RedisRegistry) GetCompleted(ctx context.Context, id string) (*domain.Job, error) {
	value, err := r.client.HGet(ctx, r.completedKey, id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get completed job: %w", err)
	}
	return decodeJob([]byte(value))
}

func (r *RedisRegistry) put(ctx context.Context, key string, job *domain.Job) error {
	encoded, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID(), err)
	}
	if err := r.client.HSet(ctx, key, job.ID(), encoded).Err(); err != nil {
		return fmt.Errorf("store job %s: %w", job.ID(), err)
	}
	return nil
}

func decodeJob(raw []byte) (*domain.Job, error) {
	var job domain.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode stored job: %w", err)
	}
	return &job, nil
}
