package assessment

import (
	"context"
	"sync"

	"github.com/cloudwego/eino/schema"
)

// ChatMemory 评估会话的对话记录存储接口
// 按申请ID维护一条有序的消息列表，追加顺序即为会话的严格时序。
type ChatMemory interface {
	// GetHistory 获取指定申请的完整对话历史，按追加顺序返回
	GetHistory(ctx context.Context, applicationID string) ([]*schema.Message, error)

	// AddMessage 向指定申请追加一条消息
	AddMessage(ctx context.Context, applicationID string, message *schema.Message) error

	// AddMessages 批量追加消息，保持切片内的先后顺序
	AddMessages(ctx context.Context, applicationID string, messages []*schema.Message) error

	// ClearHistory 清除指定申请的对话历史
	ClearHistory(ctx context.Context, applicationID string) error
}

// InMemoryChatMemory 基于内存的对话记录实现，进程重启后丢失，测试与单机场景用
type InMemoryChatMemory struct {
	mu       sync.RWMutex
	sessions map[string][]*schema.Message
}

// NewInMemoryChatMemory 创建内存对话存储
func NewInMemoryChatMemory() *InMemoryChatMemory {
	return &InMemoryChatMemory{
		sessions: make(map[string][]*schema.Message),
	}
}

func (m *InMemoryChatMemory) GetHistory(ctx context.Context, applicationID string) ([]*schema.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history, ok := m.sessions[applicationID]
	if !ok {
		return []*schema.Message{}, nil
	}

	// 返回副本，避免调用方修改内部状态
	result := make([]*schema.Message, len(history))
	copy(result, history)
	return result, nil
}

func (m *InMemoryChatMemory) AddMessage(ctx context.Context, applicationID string, message *schema.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[applicationID] = append(m.sessions[applicationID], message)
	return nil
}

func (m *InMemoryChatMemory) AddMessages(ctx context.Context, applicationID string, messages []*schema.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[applicationID] = append(m.sessions[applicationID], messages...)
	return nil
}

func (m *InMemoryChatMemory) ClearHistory(ctx context.Context, applicationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, applicationID)
	return nil
}
