package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"photoagent/domain"
)

// jobRecord is the wire form of a job in Redis. Kept separate from
// domain.Job so the JSON surface of the store cannot leak into API
// responses.
type jobRecord struct {
	ID        string           `json:"id"`
	Status    domain.JobStatus `json:"status"`
	CreatedAt time.Time        `json:"createdAt"`

	BlockchainIdentifier    string `json:"blockchainIdentifier"`
	PaymentStatus           string `json:"paymentStatus"`
	Prompt                  string `json:"prompt"`
	IdentifierFromPurchaser string `json:"identifierFromPurchaser"`

	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func recordFromJob(j *domain.Job) jobRecord {
	if j == nil {
		return jobRecord{}
	}
	return jobRecord{
		ID:                      j.ID,
		Status:                  j.Status,
		CreatedAt:               j.CreatedAt,
		BlockchainIdentifier:    j.BlockchainIdentifier,
		PaymentStatus:           j.PaymentStatus,
		Prompt:                  j.Prompt,
		IdentifierFromPurchaser: j.IdentifierFromPurchaser,
		Result:                  j.Result,
		Error:                   j.Error,
	}
}

func jobFromRecord(r jobRecord) *domain.Job {
	return &domain.Job{
		ID:                      r.ID,
		Status:                  r.Status,
		CreatedAt:               r.CreatedAt,
		BlockchainIdentifier:    r.BlockchainIdentifier,
		PaymentStatus:           r.PaymentStatus,
		Prompt:                  r.Prompt,
		IdentifierFromPurchaser: r.IdentifierFromPurchaser,
		Result:                  r.Result,
		Error:                   r.Error,
	}
}

// RedisJobStore is a drop-in durable backend behind the JobStore contract.
// Update uses WATCH + MULTI so concurrent mutations of the same job behave
// like the per-entry lock of the in-memory store.
type RedisJobStore struct {
	rdb       *redis.Client
	keyPrefix string
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

func readJobTTL() time.Duration {
	raw := strings.TrimSpace(os.Getenv("JOB_TTL_SECONDS"))
	if raw == "" {
		return 7 * 24 * time.Hour
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(n) * time.Second
}

func NewRedisJobStore(addr, password string) (*RedisJobStore, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("REDIS_ADDR is empty")
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

	slog.Info("job store: redis enabled", "addr", addr, "db", readRedisDB(), "ttl", readJobTTL().String())

	return &RedisJobStore{
		rdb:       rdb,
		keyPrefix: "agent:job:",
		ttl:       readJobTTL(),
	}, nil
}

func (s *RedisJobStore) key(id string) string {
	return s.keyPrefix + strings.TrimSpace(id)
}

func (s *RedisJobStore) Create(job *domain.Job) error {
	if job == nil || strings.TrimSpace(job.ID) == "" {
		return errors.New("job id is empty")
	}
	b, err := json.Marshal(recordFromJob(job))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := s.rdb.SetNX(ctx, s.key(job.ID), b, s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("job id already exists: " + job.ID)
	}
	return nil
}

func (s *RedisJobStore) Get(id string) (*domain.Job, bool, error) {
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
	var rec jobRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, false, err
	}
	return jobFromRecord(rec), true, nil
}

func (s *RedisJobStore) Update(id string, fn func(j *domain.Job)) (*domain.Job, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, nil
	}
	if fn == nil {
		return nil, false, errors.New("update fn is nil")
	}

	key := s.key(id)

	var out *domain.Job
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
			var rec jobRecord
			if err := json.Unmarshal([]byte(val), &rec); err != nil {
				return err
			}
			j := jobFromRecord(rec)
			fn(j)
			out = j
			ok = true

			nb, err := json.Marshal(recordFromJob(j))
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
