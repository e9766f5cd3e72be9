// internal/models/message.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// MessageRole 表示消息发言方的角色
type MessageRole string

const (
	// RoleUser 表示用户发出的消息
	RoleUser MessageRole = "user"
	// RoleAssistant 表示助手（AI或剧情节点）发出的消息
	RoleAssistant MessageRole = "assistant"
)

// Message 表示会话中的一轮发言
// 对于流式生成中的助手消息，ID在所有片段之间保持稳定，作为合并键
type Message struct {
	ID         string                 `json:"id"`
	Role       MessageRole            `json:"role"`
	Text       string                 `json:"text"`
	Attachment string                 `json:"attachment,omitempty"` // 可选的图片引用
	Timestamp  time.Time              `json:"timestamp"`            // 创建时间，只赋值一次
	Finalized  bool                   `json:"finalized"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// NewUserMessage 创建一条用户消息（创建即定稿）
func NewUserMessage(text string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Text:      text,
		Timestamp: time.Now(),
		Finalized: true,
	}
}

// NewAssistantMessage 创建一条已定稿的助手消息
func NewAssistantMessage(text string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		Text:      text,
		Timestamp: time.Now(),
		Finalized: true,
	}
}

// Clone 返回消息的副本
func (m *Message) Clone() *Message {
	clone := *m
	if m.Metadata != nil {
		clone.Metadata = make(map[string]interface{}, len(m.Metadata))
		for k, v := range m.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}
