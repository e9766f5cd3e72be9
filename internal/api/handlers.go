// internal/api/handlers.go
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/TaleWeaverMCP/internal/models"
	"github.com/Corphon/TaleWeaverMCP/internal/services"
)

// Handlers API处理器集合
type Handlers struct {
	ConversationManager *services.ConversationManager
	GraphService        *services.GraphService
	PersonaService      *services.PersonaService
	WebSocketManager    *WebSocketManager
	Response            *ResponseHelper
}

// NewHandlers 创建API处理器
func NewHandlers(
	conversationManager *services.ConversationManager,
	graphService *services.GraphService,
	personaService *services.PersonaService,
	webSocketManager *WebSocketManager) *Handlers {

	return &Handlers{
		ConversationManager: conversationManager,
		GraphService:        graphService,
		PersonaService:      personaService,
		WebSocketManager:    webSocketManager,
		Response:            NewResponseHelper(),
	}
}

// CreateConversationRequest 创建会话的请求体
type CreateConversationRequest struct {
	Mode      string `json:"mode" binding:"required"`
	PersonaID string `json:"persona_id"`
	GraphID   string `json:"graph_id"`
}

// CreateConversation 创建会话
// POST /api/conversations
func (h *Handlers) CreateConversation(c *gin.Context) {
	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.Error(c, http.StatusBadRequest, "validation_error", "无效的请求格式: "+err.Error())
		return
	}

	var conversation *services.ConversationService
	var err error

	switch models.ConversationMode(req.Mode) {
	case models.ModeFreeForm:
		conversation, err = h.ConversationManager.CreateFreeFormConversation(req.PersonaID)
	case models.ModeGraphDriven:
		if req.GraphID == "" {
			h.Response.Error(c, http.StatusBadRequest, "validation_error", "图驱动会话必须提供graph_id")
			return
		}
		conversation, err = h.ConversationManager.CreateGraphConversation(req.GraphID)
	default:
		h.Response.Error(c, http.StatusBadRequest, "validation_error", "未知的会话模式: "+req.Mode)
		return
	}

	if err != nil {
		h.Response.HandleServiceError(c, err)
		return
	}

	h.Response.Created(c, gin.H{
		"conversation_id": conversation.ID(),
		"mode":            conversation.Mode(),
		"messages":        conversation.GetLog(),
	})
}

// SubmitInput 提交一轮输入
// POST /api/conversations/:id/input
func (h *Handlers) SubmitInput(c *gin.Context) {
	conversationID := c.Param("id")

	var input services.UserInput
	if err := c.ShouldBindJSON(&input); err != nil {
		h.Response.Error(c, http.StatusBadRequest, "validation_error", "无效的请求格式: "+err.Error())
		return
	}

	result, err := h.ConversationManager.SubmitInput(conversationID, input)
	if err != nil {
		h.Response.HandleServiceError(c, err)
		return
	}

	h.Response.Success(c, result)
}

// GetMessages 获取消息日志快照
// GET /api/conversations/:id/messages
func (h *Handlers) GetMessages(c *gin.Context) {
	conversation, err := h.ConversationManager.GetConversation(c.Param("id"))
	if err != nil {
		h.Response.HandleServiceError(c, err)
		return
	}

	h.Response.Success(c, gin.H{
		"conversation_id": conversation.ID(),
		"mode":            conversation.Mode(),
		"messages":        conversation.GetLog(),
		"in_flight":       conversation.InFlight(),
	})
}

// GetScenarioState 获取剧本状态快照（仅图驱动会话）
// GET /api/conversations/:id/scenario
func (h *Handlers) GetScenarioState(c *gin.Context) {
	conversation, err := h.ConversationManager.GetConversation(c.Param("id"))
	if err != nil {
		h.Response.HandleServiceError(c, err)
		return
	}

	state, err := conversation.GetScenarioState()
	if err != nil {
		h.Response.HandleServiceError(c, err)
		return
	}

	h.Response.Success(c, state)
}

// GetOptions 获取当前节点过滤后的可选项（仅图驱动会话）
// GET /api/conversations/:id/options
func (h *Handlers) GetOptions(c *gin.Context) {
	conversation, err := h.ConversationManager.GetConversation(c.Param("id"))
	if err != nil {
		h.Response.HandleServiceError(c, err)
		return
	}

	options, err := conversation.EligibleOptions()
	if err != nil {
		h.Response.HandleServiceError(c, err)
		return
	}

	h.Response.Success(c, gin.H{"options": options})
}

// CancelGeneration 取消进行中的生成
// POST /api/conversations/:id/cancel
func (h *Handlers) CancelGeneration(c *gin.Context) {
	if err := h.ConversationManager.CancelGeneration(c.Param("id")); err != nil {
		h.Response.HandleServiceError(c, err)
		return
	}
	h.Response.Success(c, nil, "取消请求已发出")
}

// DeleteConversation 删除会话
// DELETE /api/conversations/:id
func (h *Handlers) DeleteConversation(c *gin.Context) {
	if err := h.ConversationManager.DeleteConversation(c.Param("id")); err != nil {
		h.Response.HandleServiceError(c, err)
		return
	}
	h.Response.Success(c, nil, "会话已删除")
}

// ListConversations 列举已持久化的会话
// GET /api/conversations
func (h *Handlers) ListConversations(c *gin.Context) {
	ids, err := h.ConversationManager.ListConversationIDs()
	if err != nil {
		h.Response.HandleServiceError(c, err)
		return
	}
	h.Response.Success(c, gin.H{"conversation_ids": ids})
}

// ListGraphs 列举已加载的剧情图
// GET /api/graphs
func (h *Handlers) ListGraphs(c *gin.Context) {
	h.Response.Success(c, gin.H{"graph_ids": h.GraphService.ListGraphs()})
}

// GetGraph 获取剧情图定义
// GET /api/graphs/:id
func (h *Handlers) GetGraph(c *gin.Context) {
	graph, err := h.GraphService.GetGraph(c.Param("id"))
	if err != nil {
		h.Response.HandleServiceError(c, err)
		return
	}
	h.Response.Success(c, graph)
}

// ListPersonas 列举人设
// GET /api/personas
func (h *Handlers) ListPersonas(c *gin.Context) {
	h.Response.Success(c, gin.H{"personas": h.PersonaService.ListPersonas()})
}

// SavePersona 新建或更新人设
// POST /api/personas
func (h *Handlers) SavePersona(c *gin.Context) {
	var persona models.Persona
	if err := c.ShouldBindJSON(&persona); err != nil {
		h.Response.Error(c, http.StatusBadRequest, "validation_error", "无效的请求格式: "+err.Error())
		return
	}

	if err := h.PersonaService.SavePersona(&persona); err != nil {
		h.Response.HandleServiceError(c, err)
		return
	}
	h.Response.Created(c, persona)
}

// WebSocketHandler 会话事件推送连接
// GET /ws/conversations/:id
func (h *Handlers) WebSocketHandler(c *gin.Context) {
	h.WebSocketManager.HandleConnection(c)
}
