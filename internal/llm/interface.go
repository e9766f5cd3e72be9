// internal/llm/interface.go
package llm

import (
	"context"
	"errors"
)

// 错误定义
var ErrUnknownProvider = errors.New("未知的AI提供者")

// HistoryEntry 表示生成请求中的一条历史消息
type HistoryEntry struct {
	Role    string `json:"role"` // user / assistant
	Content string `json:"content"`
}

// GenerateRequest 生成请求参数标准化
type GenerateRequest struct {
	Prompt       string         `json:"prompt"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	History      []HistoryEntry `json:"history,omitempty"`
	MaxTokens    int            `json:"max_tokens,omitempty"`
	Temperature  float32        `json:"temperature,omitempty"`
	Model        string         `json:"model,omitempty"`
}

// StreamChunk 流式响应片段
// Content 是增量文本而非累积文本；Done=true 的终止片段恰好出现一次，
// 传输失败时以 FinishReason="error" 标记
type StreamChunk struct {
	Content      string `json:"content,omitempty"`
	Done         bool   `json:"done"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Provider 定义所有生成能力提供者必须实现的接口
type Provider interface {
	// 初始化提供者，传入配置
	Initialize(config map[string]string) error

	// 获取提供者名称
	GetName() string

	// 流式文本生成：按投递顺序产出增量片段，终止片段后关闭通道
	GenerateStream(ctx context.Context, req GenerateRequest) (<-chan StreamChunk, error)
}

// ProviderFactory 提供者工厂函数类型
type ProviderFactory func() Provider

var providers = make(map[string]ProviderFactory)

// Register 注册提供者工厂
func Register(name string, factory ProviderFactory) {
	providers[name] = factory
}

// GetProvider 创建指定名称的提供者实例
func GetProvider(name string, config map[string]string) (Provider, error) {
	factory, exists := providers[name]
	if !exists {
		return nil, ErrUnknownProvider
	}

	provider := factory()
	if err := provider.Initialize(config); err != nil {
		return nil, err
	}

	return provider, nil
}

// ListProviders 返回所有已注册的提供者名称
func ListProviders() []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	return names
}
