// internal/llm/providers/openai/openai.go
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Corphon/TaleWeaverMCP/internal/llm"
)

func init() {
	llm.Register("openai", func() llm.Provider {
		return &Provider{
			baseURL: "https://api.openai.com/v1",
		}
	})
}

// Provider OpenAI兼容接口的流式生成提供者
type Provider struct {
	apiKey       string
	baseURL      string
	client       *http.Client
	defaultModel string
}

func (p *Provider) Initialize(config map[string]string) error {
	apiKey, exists := config["api_key"]
	if !exists || apiKey == "" {
		return errors.New("openai api密钥未提供")
	}

	p.apiKey = apiKey
	p.client = &http.Client{Timeout: 5 * time.Minute}

	if model, exists := config["default_model"]; exists && model != "" {
		p.defaultModel = model
	} else {
		p.defaultModel = "gpt-4o"
	}

	// 兼容自建或代理端点
	if baseURL, exists := config["base_url"]; exists && baseURL != "" {
		p.baseURL = strings.TrimSuffix(baseURL, "/")
	}

	return nil
}

func (p *Provider) GetName() string {
	return "OpenAI"
}

// GenerateStream 实现流式响应
func (p *Provider) GenerateStream(ctx context.Context, req llm.GenerateRequest) (<-chan llm.StreamChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	// 构建消息列表：系统提示 + 历史 + 当前输入
	messages := make([]map[string]string, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, map[string]string{
			"role": "system", "content": req.SystemPrompt,
		})
	}
	for _, entry := range req.History {
		messages = append(messages, map[string]string{
			"role": entry.Role, "content": entry.Content,
		})
	}
	messages = append(messages, map[string]string{
		"role": "user", "content": req.Prompt,
	})

	requestBody := map[string]interface{}{
		"model":       model,
		"messages":    messages,
		"temperature": req.Temperature,
		"stream":      true,
	}

	if req.MaxTokens > 0 {
		requestBody["max_tokens"] = req.MaxTokens
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		"POST",
		p.baseURL+"/chat/completions",
		bytes.NewBuffer(jsonData),
	)
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(httpResp.Body)
		httpResp.Body.Close()
		return nil, fmt.Errorf("OpenAI API错误(%d): %s", httpResp.StatusCode, string(body))
	}

	chunkChan := make(chan llm.StreamChunk)

	// 启动goroutine处理SSE流
	go func() {
		defer httpResp.Body.Close()
		defer close(chunkChan)

		reader := bufio.NewReader(httpResp.Body)
		var terminalSent bool

		for {
			select {
			case <-ctx.Done():
				return
			default:
				line, err := reader.ReadString('\n')
				if err != nil {
					if err != io.EOF && !terminalSent {
						chunkChan <- llm.StreamChunk{
							Done:         true,
							FinishReason: "error",
						}
					}
					return
				}

				line = strings.TrimSpace(line)

				// 空行或注释
				if line == "" || strings.HasPrefix(line, ":") {
					continue
				}

				line = strings.TrimPrefix(line, "data: ")

				// 流结束标记
				if line == "[DONE]" {
					if !terminalSent {
						chunkChan <- llm.StreamChunk{
							Done:         true,
							FinishReason: "stop",
						}
					}
					return
				}

				var event struct {
					Choices []struct {
						Delta struct {
							Content string `json:"content"`
						} `json:"delta"`
						FinishReason string `json:"finish_reason"`
					} `json:"choices"`
				}

				if err := json.Unmarshal([]byte(line), &event); err != nil {
					continue
				}

				if len(event.Choices) == 0 {
					continue
				}

				choice := event.Choices[0]
				if choice.Delta.Content != "" {
					select {
					case chunkChan <- llm.StreamChunk{Content: choice.Delta.Content}:
					case <-ctx.Done():
						return
					}
				}

				if choice.FinishReason != "" {
					terminalSent = true
					select {
					case chunkChan <- llm.StreamChunk{
						Done:         true,
						FinishReason: choice.FinishReason,
					}:
					case <-ctx.Done():
					}
					return
				}
			}
		}
	}()

	return chunkChan, nil
}
