package assessment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/redis/go-redis/v9"

	"coach-funnel-go/internal/constants"
)

// RedisChatMemory 实现了 ChatMemory 接口，使用 Redis List 持久化评估对话记录。
// 每条消息序列化为JSON后RPush到申请对应的List，保证跨进程重启后的严格时序。
type RedisChatMemory struct {
	redisClient *redis.Client
	ttl         time.Duration // 可选：对话记录的过期时间，0表示不过期
}

// NewRedisChatMemory 创建一个新的 RedisChatMemory 实例。
// redisClient: 一个已连接和配置好的 go-redis 客户端实例。
// ttl: 对话记录在 Redis 中的可选过期时间。如果为0，则不过期。
func NewRedisChatMemory(redisClient *redis.Client, ttl time.Duration) (*RedisChatMemory, error) {
	if redisClient == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}

	return &RedisChatMemory{
		redisClient: redisClient,
		ttl:         ttl,
	}, nil
}

// buildKey 为给定的申请ID构建 Redis 键。
func (rcm *RedisChatMemory) buildKey(applicationID string) string {
	return fmt.Sprintf(constants.KeyAssessmentTranscript, applicationID)
}

// GetHistory 实现 ChatMemory 接口
func (rcm *RedisChatMemory) GetHistory(ctx context.Context, applicationID string) ([]*schema.Message, error) {
	key := rcm.buildKey(applicationID)

	// 获取 List 中的所有元素 (JSON 字符串)
	serializedMessages, err := rcm.redisClient.LRange(ctx, key, 0, -1).Result()
	if errors.Is(err, redis.Nil) {
		return []*schema.Message{}, nil // Key 不存在，返回空历史
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get messages from redis for application %s: %w", applicationID, err)
	}

	messages := make([]*schema.Message, 0, len(serializedMessages))
	for _, sm := range serializedMessages {
		var msg schema.Message
		if err := json.Unmarshal([]byte(sm), &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message for application %s: %w", applicationID, err)
		}
		messages = append(messages, &msg)
	}
	return messages, nil
}

// AddMessage 实现 ChatMemory 接口
func (rcm *RedisChatMemory) AddMessage(ctx context.Context, applicationID string, message *schema.Message) error {
	if message == nil {
		return fmt.Errorf("cannot add nil message to chat history for application %s", applicationID)
	}
	key := rcm.buildKey(applicationID)

	serializedMessage, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message for application %s: %w", applicationID, err)
	}

	// 使用 TxPipeline 保证 RPush 与 Expire 的原子性
	pipe := rcm.redisClient.TxPipeline()
	pipe.RPush(ctx, key, serializedMessage)
	if rcm.ttl > 0 {
		pipe.Expire(ctx, key, rcm.ttl)
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to add message to redis for application %s: %w", applicationID, err)
	}
	return nil
}

// AddMessages 实现 ChatMemory 接口
func (rcm *RedisChatMemory) AddMessages(ctx context.Context, applicationID string, messages []*schema.Message) error {
	if len(messages) == 0 {
		return nil // 没有消息要添加
	}
	key := rcm.buildKey(applicationID)

	pipe := rcm.redisClient.TxPipeline()
	for _, message := range messages {
		if message == nil {
			return fmt.Errorf("cannot add nil message in a batch to chat history for application %s", applicationID)
		}
		serializedMessage, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message in batch for application %s: %w", applicationID, err)
		}
		pipe.RPush(ctx, key, serializedMessage)
	}

	if rcm.ttl > 0 {
		pipe.Expire(ctx, key, rcm.ttl)
	}

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to add messages in batch to redis for application %s: %w", applicationID, err)
	}
	return nil
}

// ClearHistory 实现 ChatMemory 接口
func (rcm *RedisChatMemory) ClearHistory(ctx context.Context, applicationID string) error {
	key := rcm.buildKey(applicationID)

	if err := rcm.redisClient.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to clear chat history from redis for application %s: %w", applicationID, err)
	}
	return nil
}
