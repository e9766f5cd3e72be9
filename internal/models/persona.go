// internal/models/persona.go
package models

import "time"

// Persona 表示自由对话模式下的预设人设
// 人设是创作内容，提供系统提示词和开场白
type Persona struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	SystemPrompt string    `json:"system_prompt"`
	Greeting     string    `json:"greeting"` // 会话激活时播种的开场消息
	SpeechStyle  string    `json:"speech_style,omitempty"`
	ImageURL     string    `json:"image_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastUpdated  time.Time `json:"last_updated"`
}
