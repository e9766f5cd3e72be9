// internal/app/app.go
package app

import (
	"fmt"
	"time"

	"github.com/Corphon/TaleWeaverMCP/internal/api"
	"github.com/Corphon/TaleWeaverMCP/internal/config"
	"github.com/Corphon/TaleWeaverMCP/internal/di"
	"github.com/Corphon/TaleWeaverMCP/internal/llm"
	_ "github.com/Corphon/TaleWeaverMCP/internal/llm/providers/openai" // 注册内置生成提供商
	"github.com/Corphon/TaleWeaverMCP/internal/logger"
	"github.com/Corphon/TaleWeaverMCP/internal/services"
	"github.com/Corphon/TaleWeaverMCP/internal/storage"
)

// InitServices 按依赖顺序初始化所有服务并注册到DI容器
// 顺序：存储 -> 内容（剧情图、人设）-> 生成提供商 -> 会话管理器 -> WebSocket
func InitServices() error {
	cfg := config.GetCurrentConfig()
	container := di.GetContainer()

	// 1. 文件存储
	fileStorage, err := storage.NewFileStorage(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("初始化文件存储失败: %w", err)
	}
	container.Register("storage", fileStorage)

	// 2. 剧情图服务（含内容热加载）
	graphService, err := services.NewGraphService(cfg.ContentDir)
	if err != nil {
		return fmt.Errorf("初始化剧情图服务失败: %w", err)
	}
	if err := graphService.Watch(); err != nil {
		logger.GetLogger().Warn("剧情图热加载不可用: " + err.Error())
	}
	container.Register("graph", graphService)

	// 3. 人设服务
	personaService, err := services.NewPersonaService(fileStorage)
	if err != nil {
		return fmt.Errorf("初始化人设服务失败: %w", err)
	}
	container.Register("persona", personaService)

	// 4. 生成提供商
	generator, err := initGenerator(cfg)
	if err != nil {
		return fmt.Errorf("初始化生成提供商失败: %w", err)
	}
	container.Register("llm", generator)

	// 5. 会话管理器
	settings := services.GenerationSettings{
		Timeout:       time.Duration(cfg.GenerationTimeout) * time.Second,
		SnapshotLimit: cfg.SnapshotLimit,
	}
	conversationManager := services.NewConversationManager(
		fileStorage, graphService, personaService, generator, settings)
	container.Register("conversation_manager", conversationManager)

	// 6. WebSocket管理器，并把推送回调接回会话管理器
	webSocketManager := api.NewWebSocketManager()
	conversationManager.SetHooksFactory(webSocketManager.HooksFor)
	container.Register("websocket", webSocketManager)

	return nil
}

// initGenerator 根据配置创建生成提供商
func initGenerator(cfg *config.AppConfig) (llm.Provider, error) {
	providerName := cfg.LLMProvider
	if providerName == "" {
		providerName = "openai"
	}
	return llm.GetProvider(providerName, cfg.LLMConfig)
}

// Cleanup 释放需要显式关闭的资源
func Cleanup() {
	container := di.GetContainer()

	if graphService, ok := container.Get("graph").(*services.GraphService); ok {
		graphService.Close()
	}

	logger.GetLogger().Sync()
	container.Clear()
}
