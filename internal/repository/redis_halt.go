package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/fopgate/fopgate/internal/model"
	"github.com/redis/go-redis/v9"
)

// RedisHaltStore 把全局 halt 状态作为一个 JSON blob 存在固定键下。
// 所有网关实例共享该键,写入是 last-write-wins。
type RedisHaltStore struct {
	client *RedisClient
	key    string
}

func NewRedisHaltStore(client *RedisClient, key string) *RedisHaltStore {
	if key == "" {
		key = "fopgate:emergency_halt"
	}
	return &RedisHaltStore{client: client, key: key}
}

func (s *RedisHaltStore) Load(ctx context.Context) (*model.HaltState, error) {
	raw, err := s.client.Client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var state model.HaltState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *RedisHaltStore) Save(ctx context.Context, state model.HaltState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	// 不设 TTL:halt 开关必须一直存在直到被显式改写。
	return s.client.Client.Set(ctx, s.key, raw, 0).Err()
}
