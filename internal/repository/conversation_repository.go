package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Freeeeeet/gym_trial_bot/internal/model"
	"github.com/redis/go-redis/v9"
)

const conversationKeyPrefix = "conversation:"

// RedisConversationRepository хранит состояния диалогов в Redis,
// чтобы они переживали перезапуск процесса
type RedisConversationRepository struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisConversationRepository(client *redis.Client, ttl time.Duration) *RedisConversationRepository {
	return &RedisConversationRepository{client: client, ttl: ttl}
}

func conversationKey(id string) string {
	return conversationKeyPrefix + id
}

// Get получает состояние диалога, nil если его нет
func (r *RedisConversationRepository) Get(ctx context.Context, conversationID string) (*model.ConversationState, error) {
	data, err := r.client.Get(ctx, conversationKey(conversationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	var state model.ConversationState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", conversationID, err)
	}
	return &state, nil
}

// Save сохраняет состояние диалога и продлевает его TTL
func (r *RedisConversationRepository) Save(ctx context.Context, state *model.ConversationState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	if err := r.client.Set(ctx, conversationKey(state.ConversationID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

// Delete удаляет состояние диалога
func (r *RedisConversationRepository) Delete(ctx context.Context, conversationID string) error {
	if err := r.client.Del(ctx, conversationKey(conversationID)).Err(); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// List возвращает все сохранённые диалоги
func (r *RedisConversationRepository) List(ctx context.Context) ([]*model.ConversationState, error) {
	var states []*model.ConversationState

	iter := r.client.Scan(ctx, 0, conversationKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get conversation %s: %w", iter.Val(), err)
		}
		var state model.ConversationState
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, fmt.Errorf("decode conversation %s: %w", iter.Val(), err)
		}
		states = append(states, &state)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan conversations: %w", err)
	}

	return states, nil
}
