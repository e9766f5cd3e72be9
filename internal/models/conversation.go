// internal/models/conversation.go
package models

import "time"

// ConversationMode 表示会话的驱动模式，在会话构造时确定一次，之后不变
type ConversationMode string

const (
	// ModeFreeForm 自由对话模式：助手文本由外部生成能力产出
	ModeFreeForm ConversationMode = "free_form"
	// ModeGraphDriven 图驱动模式：助手文本来自预先创作的剧情节点
	ModeGraphDriven ConversationMode = "graph_driven"
)

// ConversationRecord 表示会话的持久化形态
// 引擎必须能从该结构恢复，并序列化回完全相同的形状
type ConversationRecord struct {
	ID            string           `json:"id"`
	Mode          ConversationMode `json:"mode"`
	PersonaID     string           `json:"persona_id,omitempty"`
	GraphID       string           `json:"graph_id,omitempty"`
	Messages      []*Message       `json:"messages"`
	ScenarioState *ScenarioState   `json:"scenario_state,omitempty"`
	LastUpdated   time.Time        `json:"last_updated"`
}
