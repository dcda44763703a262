package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/deepsearch/internal/state"
)

const runKeyPrefix = "run:"

// RedisStore stores each run state as one JSON document under run:<id>.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Conn opens and pings a redis connection.
func Conn(ctx context.Context, addr, password string, db int, timeout time.Duration) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: timeout,
		Password:    password,
		DB:          db,
	})

	pong, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, err
	}
	if pong != "PONG" {
		return nil, fmt.Errorf("expected PONG, got %s", pong)
	}

	return client, nil
}

func (s *RedisStore) Save(ctx context.Context, st state.RunState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, runKeyPrefix+st.RunID, data, 0).Err()
}

func (s *RedisStore) Get(ctx context.Context, runID string) (state.RunState, error) {
	val, err := s.client.Get(ctx, runKeyPrefix+runID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return state.RunState{}, ErrNotFound
		}
		return state.RunState{}, err
	}
	var st state.RunState
	if err := json.Unmarshal([]byte(val), &st); err != nil {
		return state.RunState{}, err
	}
	return st, nil
}
