// internal/services/conversation_manager.go
package services

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/Corphon/TaleWeaverMCP/internal/errors"
	"github.com/Corphon/TaleWeaverMCP/internal/llm"
	"github.com/Corphon/TaleWeaverMCP/internal/logger"
	"github.com/Corphon/TaleWeaverMCP/internal/models"
	"github.com/Corphon/TaleWeaverMCP/internal/storage"
)

const conversationDir = "conversations"

// HooksFactory 为指定会话构造事件回调，由API层注入用于推送
type HooksFactory func(conversationID string) TurnHooks

// ConversationManager 会话注册表
// 每个会话在进程内至多一个编排器实例，作为其状态的唯一逻辑所有者
// 请求到来时优先复用内存实例，未命中再从磁盘恢复
type ConversationManager struct {
	fileStorage    *storage.FileStorage
	graphService   *GraphService
	personaService *PersonaService
	generator      llm.Provider
	settings       GenerationSettings
	lockManager    *LockManager

	mu           sync.RWMutex
	active       map[string]*ConversationService
	hooksFactory HooksFactory

	logger *logger.Logger
}

// NewConversationManager 创建会话管理器
func NewConversationManager(
	fileStorage *storage.FileStorage,
	graphService *GraphService,
	personaService *PersonaService,
	generator llm.Provider,
	settings GenerationSettings) *ConversationManager {

	return &ConversationManager{
		fileStorage:    fileStorage,
		graphService:   graphService,
		personaService: personaService,
		generator:      generator,
		settings:       settings,
		lockManager:    NewLockManager(),
		active:         make(map[string]*ConversationService),
		logger:         logger.GetLogger().Named("conversation_manager"),
	}
}

// SetHooksFactory 注入事件回调工厂（通常由WebSocket层提供）
func (m *ConversationManager) SetHooksFactory(factory HooksFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooksFactory = factory
}

// buildHooks 组装会话回调：外部推送回调 + 定稿后落盘
func (m *ConversationManager) buildHooks(conversationID string) TurnHooks {
	m.mu.RLock()
	factory := m.hooksFactory
	m.mu.RUnlock()

	var base TurnHooks
	if factory != nil {
		base = factory(conversationID)
	}

	return TurnHooks{
		OnTurnStarted: base.OnTurnStarted,
		OnTurnUpdated: base.OnTurnUpdated,
		OnTurnFinalized: func(message *models.Message) {
			if base.OnTurnFinalized != nil {
				base.OnTurnFinalized(message)
			}
			m.persist(conversationID)
		},
		OnTurnFailed: func(requestID, reason string) {
			if base.OnTurnFailed != nil {
				base.OnTurnFailed(requestID, reason)
			}
			m.persist(conversationID)
		},
	}
}

// CreateFreeFormConversation 创建自由对话会话
func (m *ConversationManager) CreateFreeFormConversation(personaID string) (*ConversationService, error) {
	var persona *models.Persona
	if personaID != "" {
		loaded, err := m.personaService.GetPersona(personaID)
		if err != nil {
			return nil, err
		}
		persona = loaded
	}

	id := "" // 让编排器自己分配
	conversation, err := NewFreeFormConversation(id, persona, m.generator, m.settings, TurnHooks{})
	if err != nil {
		return nil, err
	}
	return m.register(conversation)
}

// CreateGraphConversation 创建图驱动会话
func (m *ConversationManager) CreateGraphConversation(graphID string) (*ConversationService, error) {
	graph, err := m.graphService.GetGraph(graphID)
	if err != nil {
		return nil, err
	}

	conversation, err := NewGraphConversation("", graph, TurnHooks{})
	if err != nil {
		return nil, err
	}
	return m.register(conversation)
}

// register 补齐回调、激活、落盘并纳入注册表
func (m *ConversationManager) register(conversation *ConversationService) (*ConversationService, error) {
	conversation.hooks = m.buildHooks(conversation.ID())

	if err := conversation.Activate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.active[conversation.ID()] = conversation
	m.mu.Unlock()

	m.persist(conversation.ID())
	m.logger.Info("会话已创建",
		zap.String("conversation_id", conversation.ID()),
		zap.String("mode", string(conversation.Mode())))
	return conversation, nil
}

// GetConversation 按ID获取会话，内存未命中时从磁盘恢复
func (m *ConversationManager) GetConversation(conversationID string) (*ConversationService, error) {
	m.mu.RLock()
	if conversation, exists := m.active[conversationID]; exists {
		m.mu.RUnlock()
		return conversation, nil
	}
	m.mu.RUnlock()

	return m.resume(conversationID)
}

// resume 从持久化记录恢复会话
func (m *ConversationManager) resume(conversationID string) (*ConversationService, error) {
	var record models.ConversationRecord
	if err := m.fileStorage.LoadJSONFile(conversationDir, conversationID+".json", &record); err != nil {
		return nil, apperrors.NewNotFoundError("会话不存在: "+conversationID, err)
	}

	var graph *models.StoryGraph
	if record.Mode == models.ModeGraphDriven {
		loaded, err := m.graphService.GetGraph(record.GraphID)
		if err != nil {
			return nil, fmt.Errorf("恢复会话时加载剧情图失败: %w", err)
		}
		graph = loaded
	}

	var persona *models.Persona
	if record.PersonaID != "" {
		loaded, err := m.personaService.GetPersona(record.PersonaID)
		if err != nil {
			// 人设被删除不阻止恢复，仅丢失系统提示
			m.logger.Warn("恢复会话时人设缺失",
				zap.String("persona_id", record.PersonaID))
		} else {
			persona = loaded
		}
	}

	conversation, err := NewConversationFromRecord(&record, graph, persona, m.generator, m.settings, TurnHooks{})
	if err != nil {
		return nil, err
	}
	conversation.hooks = m.buildHooks(conversation.ID())

	if err := conversation.Activate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	// 双重检查，另一请求可能已恢复同一会话
	if existing, exists := m.active[conversationID]; exists {
		m.mu.Unlock()
		return existing, nil
	}
	m.active[conversationID] = conversation
	m.mu.Unlock()

	m.logger.Info("会话已从磁盘恢复", zap.String("conversation_id", conversationID))
	return conversation, nil
}

// SubmitInput 向会话提交一轮输入
// 图驱动的轮次同步完成后立即落盘；自由对话由定稿回调落盘
func (m *ConversationManager) SubmitInput(conversationID string, input UserInput) (*SubmitResult, error) {
	conversation, err := m.GetConversation(conversationID)
	if err != nil {
		return nil, err
	}

	result, err := conversation.SubmitUserInput(input)
	if err != nil {
		return nil, err
	}

	if conversation.Mode() == models.ModeGraphDriven {
		m.persist(conversationID)
	}
	return result, nil
}

// CancelGeneration 取消会话进行中的生成
func (m *ConversationManager) CancelGeneration(conversationID string) error {
	conversation, err := m.GetConversation(conversationID)
	if err != nil {
		return err
	}
	conversation.CancelGeneration()
	return nil
}

// persist 将会话记录写入磁盘
func (m *ConversationManager) persist(conversationID string) {
	m.mu.RLock()
	conversation, exists := m.active[conversationID]
	m.mu.RUnlock()
	if !exists {
		return
	}

	err := m.lockManager.ExecuteWithConversationLock(conversationID, func() error {
		return m.fileStorage.SaveJSONFile(conversationDir, conversationID+".json", conversation.Record())
	})
	if err != nil {
		m.logger.Error("会话落盘失败",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// ListConversationIDs 列举已持久化的会话ID
func (m *ConversationManager) ListConversationIDs() ([]string, error) {
	files, err := m.fileStorage.ListFiles(conversationDir, ".json")
	if err != nil {
		return nil, fmt.Errorf("列举会话文件失败: %w", err)
	}

	ids := make([]string, 0, len(files))
	for _, filename := range files {
		ids = append(ids, strings.TrimSuffix(filename, ".json"))
	}
	return ids, nil
}

// DeleteConversation 删除会话（内存实例和持久化记录）
func (m *ConversationManager) DeleteConversation(conversationID string) error {
	m.mu.Lock()
	if conversation, exists := m.active[conversationID]; exists {
		conversation.CancelGeneration()
		delete(m.active, conversationID)
	}
	m.mu.Unlock()

	return m.lockManager.ExecuteWithConversationLock(conversationID, func() error {
		if !m.fileStorage.FileExists(conversationDir, conversationID+".json") {
			return apperrors.NewNotFoundError("会话不存在: "+conversationID, nil)
		}
		return m.fileStorage.DeleteFile(conversationDir, conversationID+".json")
	})
}
