// internal/api/router.go
package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/TaleWeaverMCP/internal/config"
	"github.com/Corphon/TaleWeaverMCP/internal/di"
	"github.com/Corphon/TaleWeaverMCP/internal/services"
)

// SetupRouter 配置HTTP路由
func SetupRouter() (*gin.Engine, error) {
	cfg := config.GetCurrentConfig()
	if !cfg.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	container := di.GetContainer()

	// 只从容器获取服务，不在这里创建实例
	conversationManager, ok := container.Get("conversation_manager").(*services.ConversationManager)
	if !ok {
		return nil, fmt.Errorf("会话管理器未正确初始化")
	}

	graphService, ok := container.Get("graph").(*services.GraphService)
	if !ok {
		return nil, fmt.Errorf("剧情图服务未正确初始化")
	}

	personaService, ok := container.Get("persona").(*services.PersonaService)
	if !ok {
		return nil, fmt.Errorf("人设服务未正确初始化")
	}

	webSocketManager, ok := container.Get("websocket").(*WebSocketManager)
	if !ok {
		return nil, fmt.Errorf("WebSocket管理器未正确初始化")
	}

	handlers := NewHandlers(conversationManager, graphService, personaService, webSocketManager)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestIDMiddleware())
	router.Use(LoggingMiddleware())
	router.Use(CORSMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	apiGroup := router.Group("/api")
	{
		conversations := apiGroup.Group("/conversations")
		{
			conversations.POST("", handlers.CreateConversation)
			conversations.GET("", handlers.ListConversations)
			conversations.POST("/:id/input", handlers.SubmitInput)
			conversations.GET("/:id/messages", handlers.GetMessages)
			conversations.GET("/:id/scenario", handlers.GetScenarioState)
			conversations.GET("/:id/options", handlers.GetOptions)
			conversations.POST("/:id/cancel", handlers.CancelGeneration)
			conversations.DELETE("/:id", handlers.DeleteConversation)
		}

		graphs := apiGroup.Group("/graphs")
		{
			graphs.GET("", handlers.ListGraphs)
			graphs.GET("/:id", handlers.GetGraph)
		}

		personas := apiGroup.Group("/personas")
		{
			personas.GET("", handlers.ListPersonas)
			personas.POST("", handlers.SavePersona)
		}
	}

	router.GET("/ws/conversations/:id", handlers.WebSocketHandler)

	return router, nil
}
