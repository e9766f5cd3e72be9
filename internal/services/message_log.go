// internal/services/message_log.go
package services

import (
	"fmt"
	"sync"
	"time"

	apperrors "github.com/Corphon/TaleWeaverMCP/internal/errors"
	"github.com/Corphon/TaleWeaverMCP/internal/models"
)

// MessageLog 有序的会话消息序列，是"说过什么"的唯一权威来源
// 用户消息一经追加，后续的流式合并不会将其移除或重排
type MessageLog struct {
	mu       sync.RWMutex
	messages []*models.Message
	index    map[string]int // 消息ID -> 位置
}

// NewMessageLog 创建空的消息日志
func NewMessageLog() *MessageLog {
	return &MessageLog{
		index: make(map[string]int),
	}
}

// NewMessageLogFromMessages 从持久化记录恢复消息日志
func NewMessageLogFromMessages(messages []*models.Message) *MessageLog {
	log := NewMessageLog()
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		if _, exists := log.index[msg.ID]; exists {
			continue
		}
		log.index[msg.ID] = len(log.messages)
		log.messages = append(log.messages, msg.Clone())
	}
	return log
}

// Append 追加一条已定稿消息
// 同ID同内容的重复追加视为幂等重试，直接返回；同ID不同内容返回 DuplicateID 错误
func (l *MessageLog) Append(msg *models.Message) error {
	if msg == nil {
		return apperrors.NewValidationError("消息不能为空", nil)
	}
	if msg.ID == "" {
		return apperrors.NewValidationError("消息ID不能为空", nil)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if pos, exists := l.index[msg.ID]; exists {
		existing := l.messages[pos]
		if existing.Finalized && existing.Role == msg.Role && existing.Text == msg.Text {
			// 完全相同的重试，幂等处理
			return nil
		}
		return apperrors.NewDuplicateIDError(
			fmt.Sprintf("消息ID已存在且内容不同: %s", msg.ID))
	}

	appended := msg.Clone()
	appended.Finalized = true
	l.index[appended.ID] = len(l.messages)
	l.messages = append(l.messages, appended)
	return nil
}

// UpsertStreaming 合并一条流式生成中的助手消息
// 不存在则按该ID插入新的未定稿助手消息；存在则原位替换文本，保持位置不变
func (l *MessageLog) UpsertStreaming(id, textSoFar string) error {
	if id == "" {
		return apperrors.NewValidationError("消息ID不能为空", nil)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if pos, exists := l.index[id]; exists {
		existing := l.messages[pos]
		if existing.Finalized {
			return apperrors.NewStreamFinalizedError(
				fmt.Sprintf("流式消息已定稿，拒绝更新: %s", id))
		}
		existing.Text = textSoFar
		return nil
	}

	l.index[id] = len(l.messages)
	l.messages = append(l.messages, &models.Message{
		ID:        id,
		Role:      models.RoleAssistant,
		Text:      textSoFar,
		Timestamp: time.Now(),
	})
	return nil
}

// Finalize 将指定消息标记为不可变；重复定稿是幂等操作
func (l *MessageLog) Finalize(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, exists := l.index[id]
	if !exists {
		return apperrors.NewNotFoundError(
			fmt.Sprintf("消息不存在: %s", id), nil)
	}

	l.messages[pos].Finalized = true
	return nil
}

// Contains 检查指定ID的消息是否存在
func (l *MessageLog) Contains(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	_, exists := l.index[id]
	return exists
}

// Get 返回指定ID消息的副本
func (l *MessageLog) Get(id string) (*models.Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	pos, exists := l.index[id]
	if !exists {
		return nil, false
	}
	return l.messages[pos].Clone(), true
}

// Len 返回消息数量
func (l *MessageLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.messages)
}

// Snapshot 返回末尾最多 limit 条消息的不可变视图
// limit <= 0 表示不限制；副本可以安全地交给UI读取路径
func (l *MessageLog) Snapshot(limit int) []*models.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	start := 0
	if limit > 0 && len(l.messages) > limit {
		start = len(l.messages) - limit
	}

	snapshot := make([]*models.Message, 0, len(l.messages)-start)
	for _, msg := range l.messages[start:] {
		snapshot = append(snapshot, msg.Clone())
	}
	return snapshot
}

// Export 返回全部消息的副本，供持久化序列化使用
func (l *MessageLog) Export() []*models.Message {
	return l.Snapshot(0)
}
