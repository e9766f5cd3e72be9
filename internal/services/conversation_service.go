// internal/services/conversation_service.go
package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/Corphon/TaleWeaverMCP/internal/errors"
	"github.com/Corphon/TaleWeaverMCP/internal/llm"
	"github.com/Corphon/TaleWeaverMCP/internal/logger"
	"github.com/Corphon/TaleWeaverMCP/internal/models"
)

// LifecycleState 会话生命周期状态
type LifecycleState string

const (
	// LifecycleUninitialized 会话尚未激活
	LifecycleUninitialized LifecycleState = "uninitialized"
	// LifecycleActive 会话已激活，可以接收输入
	LifecycleActive LifecycleState = "active"
)

// GenerationSettings 自由对话模式的生成参数
type GenerationSettings struct {
	Model         string
	Temperature   float32
	MaxTokens     int
	Timeout       time.Duration
	SnapshotLimit int
}

// UserInput 用户提交的一轮输入：自由模式用 Text，图模式用 OptionID
type UserInput struct {
	Text     string `json:"text,omitempty"`
	OptionID string `json:"option_id,omitempty"`
}

// SubmitResult 一轮输入的处理结果
type SubmitResult struct {
	// 自由模式：本轮生成的请求ID，同时也是助手消息的合并键
	RequestID string `json:"request_id,omitempty"`

	// 图模式：到达的节点、过滤后的可选项、实际生效的效果
	Node           *models.StoryNode     `json:"node,omitempty"`
	Options        []models.NodeOption   `json:"options,omitempty"`
	AppliedEffects []models.OptionEffect `json:"applied_effects,omitempty"`
	Terminal       bool                  `json:"terminal,omitempty"`
}

// ConversationService 会话编排器
// 驱动模式在构造时确定一次，不在每次调用时重新推断
// 每个会话恰好一个实例，是其消息日志和剧本状态的唯一逻辑所有者
type ConversationService struct {
	id      string
	mode    models.ConversationMode
	persona *models.Persona
	graph   *models.StoryGraph // 只读共享内容
	tracker *ScenarioTracker   // 仅图模式

	messageLog *MessageLog
	reconciler *StreamReconciler
	generator  llm.Provider // 仅自由模式
	settings   GenerationSettings
	hooks      TurnHooks

	// 生命周期与进行中守卫
	mu                sync.Mutex
	lifecycle         LifecycleState
	inFlightRequestID string
	cancelGeneration  context.CancelFunc

	logger *logger.Logger
}

// NewFreeFormConversation 创建自由对话模式会话
func NewFreeFormConversation(
	id string,
	persona *models.Persona,
	generator llm.Provider,
	settings GenerationSettings,
	hooks TurnHooks) (*ConversationService, error) {

	if generator == nil {
		return nil, apperrors.NewValidationError("自由对话会话必须提供生成能力", nil)
	}
	if id == "" {
		id = uuid.NewString()
	}

	messageLog := NewMessageLog()
	applyGenerationDefaults(&settings)

	return &ConversationService{
		id:         id,
		mode:       models.ModeFreeForm,
		persona:    persona,
		messageLog: messageLog,
		reconciler: NewStreamReconciler(messageLog),
		generator:  generator,
		settings:   settings,
		hooks:      hooks,
		lifecycle:  LifecycleUninitialized,
		logger:     logger.GetLogger().Named("conversation").With(zap.String("conversation_id", id)),
	}, nil
}

// NewGraphConversation 创建图驱动模式会话
// 损坏的剧情图在这里即报错，不允许会话在其上启动
func NewGraphConversation(
	id string,
	graph *models.StoryGraph,
	hooks TurnHooks) (*ConversationService, error) {

	if err := ValidateGraph(graph); err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.NewString()
	}

	return &ConversationService{
		id:         id,
		mode:       models.ModeGraphDriven,
		graph:      graph,
		tracker:    NewScenarioTracker(graph.StartNodeID),
		messageLog: NewMessageLog(),
		settings:   GenerationSettings{SnapshotLimit: defaultSnapshotLimit},
		hooks:      hooks,
		lifecycle:  LifecycleUninitialized,
		logger:     logger.GetLogger().Named("conversation").With(zap.String("conversation_id", id)),
	}, nil
}

// NewConversationFromRecord 从持久化记录恢复会话
// 恢复的会话在激活时跳过播种，历史不会被覆盖
func NewConversationFromRecord(
	record *models.ConversationRecord,
	graph *models.StoryGraph,
	persona *models.Persona,
	generator llm.Provider,
	settings GenerationSettings,
	hooks TurnHooks) (*ConversationService, error) {

	if record == nil {
		return nil, apperrors.NewValidationError("会话记录不能为空", nil)
	}

	switch record.Mode {
	case models.ModeGraphDriven:
		if err := ValidateGraph(graph); err != nil {
			return nil, err
		}

		var tracker *ScenarioTracker
		if record.ScenarioState != nil {
			tracker = NewScenarioTrackerFromState(record.ScenarioState)
		} else {
			tracker = NewScenarioTracker(graph.StartNodeID)
		}

		return &ConversationService{
			id:         record.ID,
			mode:       models.ModeGraphDriven,
			graph:      graph,
			tracker:    tracker,
			messageLog: NewMessageLogFromMessages(record.Messages),
			settings:   GenerationSettings{SnapshotLimit: defaultSnapshotLimit},
			hooks:      hooks,
			lifecycle:  LifecycleUninitialized,
			logger:     logger.GetLogger().Named("conversation").With(zap.String("conversation_id", record.ID)),
		}, nil

	case models.ModeFreeForm:
		if generator == nil {
			return nil, apperrors.NewValidationError("自由对话会话必须提供生成能力", nil)
		}

		messageLog := NewMessageLogFromMessages(record.Messages)
		applyGenerationDefaults(&settings)

		return &ConversationService{
			id:         record.ID,
			mode:       models.ModeFreeForm,
			persona:    persona,
			messageLog: messageLog,
			reconciler: NewStreamReconciler(messageLog),
			generator:  generator,
			settings:   settings,
			hooks:      hooks,
			lifecycle:  LifecycleUninitialized,
			logger:     logger.GetLogger().Named("conversation").With(zap.String("conversation_id", record.ID)),
		}, nil

	default:
		return nil, apperrors.NewValidationError("未知的会话模式: "+string(record.Mode), nil)
	}
}

const defaultSnapshotLimit = 200

func applyGenerationDefaults(settings *GenerationSettings) {
	if settings.Temperature <= 0 {
		settings.Temperature = 0.8
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 2 * time.Minute
	}
	if settings.SnapshotLimit <= 0 {
		settings.SnapshotLimit = defaultSnapshotLimit
	}
}

// ID 返回会话ID
func (s *ConversationService) ID() string {
	return s.id
}

// Mode 返回会话驱动模式
func (s *ConversationService) Mode() models.ConversationMode {
	return s.mode
}

// Lifecycle 返回当前生命周期状态
func (s *ConversationService) Lifecycle() LifecycleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle
}

// Activate 激活会话：首次激活播种恰好一条助手开场消息
// 恢复的会话（日志非空）跳过播种直接进入激活态
func (s *ConversationService) Activate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activateLocked()
}

func (s *ConversationService) activateLocked() error {
	if s.lifecycle == LifecycleActive {
		return nil
	}

	if s.messageLog.Len() > 0 {
		s.lifecycle = LifecycleActive
		s.logger.Info("恢复会话，跳过开场播种",
			zap.Int("messages", s.messageLog.Len()))
		return nil
	}

	greeting := s.seedText()
	if greeting != "" {
		opening := models.NewAssistantMessage(greeting)
		if err := s.messageLog.Append(opening); err != nil {
			return apperrors.WrapError(err, "播种开场消息失败", apperrors.ErrorTypeError)
		}
		s.hooks.emitFinalized(opening)
	}

	s.lifecycle = LifecycleActive
	return nil
}

// seedText 返回开场消息文本：图模式用起始节点文本，自由模式用人设开场白
func (s *ConversationService) seedText() string {
	if s.mode == models.ModeGraphDriven {
		if node, ok := s.graph.NodeByID(s.graph.StartNodeID); ok {
			return node.DisplayText
		}
		return ""
	}
	if s.persona != nil {
		return s.persona.Greeting
	}
	return ""
}

// SubmitUserInput 会话的唯一输入入口
// 图模式同步完成；自由模式在注册完回调链后立即返回
func (s *ConversationService) SubmitUserInput(input UserInput) (*SubmitResult, error) {
	s.mu.Lock()

	if err := s.activateLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	if s.mode == models.ModeGraphDriven {
		defer s.mu.Unlock()
		return s.selectOptionLocked(input.OptionID)
	}

	return s.submitFreeForm(input.Text)
}

// selectOptionLocked 图驱动的一轮：校验、应用效果、迁移、追加预创作文本
// 图驱动的轮次不做任何生成调用，文本是预创作内容，确定且可复现
func (s *ConversationService) selectOptionLocked(optionID string) (*SubmitResult, error) {
	if optionID == "" {
		return nil, apperrors.NewValidationError("图驱动会话必须提供选项ID", nil)
	}

	currentNode, ok := s.graph.NodeByID(s.tracker.CurrentNodeID())
	if !ok {
		return nil, apperrors.NewProcessingError(
			"当前节点在剧情图中不存在: "+s.tracker.CurrentNodeID(), nil)
	}

	var selected *models.NodeOption
	for i := range currentNode.Options {
		if currentNode.Options[i].ID == optionID {
			selected = &currentNode.Options[i]
			break
		}
	}
	if selected == nil {
		return nil, apperrors.NewInvalidOptionError(
			"选项不属于当前节点: " + optionID)
	}

	if !s.tracker.EvaluateConditions(selected.Conditions) {
		return nil, apperrors.NewInvalidOptionError(
			"选项条件未满足: " + optionID)
	}

	// 先验证目标节点存在，再做任何改动：悬空边失败时状态保持在原节点
	targetNode, ok := s.graph.NodeByID(selected.TargetNodeID)
	if !ok {
		return nil, apperrors.NewDanglingEdgeError(
			"选项目标节点不存在: " + selected.TargetNodeID)
	}

	s.tracker.ApplyEffects(selected.Effects)

	if selected.Text != "" {
		userMessage := models.NewUserMessage(selected.Text)
		if err := s.messageLog.Append(userMessage); err != nil {
			s.logger.Error("追加选项用户消息失败", zap.Error(err))
		}
	}

	s.tracker.MoveTo(targetNode.ID)
	rolled := s.tracker.RollRandomEffects(targetNode.RandomEffects)

	assistantMessage := models.NewAssistantMessage(targetNode.DisplayText)
	if err := s.messageLog.Append(assistantMessage); err != nil {
		return nil, apperrors.WrapError(err, "追加节点文本失败", apperrors.ErrorTypeError)
	}
	s.hooks.emitFinalized(assistantMessage)

	applied := make([]models.OptionEffect, 0, len(selected.Effects)+len(rolled))
	applied = append(applied, selected.Effects...)
	applied = append(applied, rolled...)

	s.logger.Info("剧情迁移完成",
		zap.String("from", currentNode.ID),
		zap.String("to", targetNode.ID),
		zap.String("option_id", optionID),
		zap.Int("effects", len(applied)))

	return &SubmitResult{
		Node:           targetNode,
		Options:        EligibleOptions(targetNode, s.tracker),
		AppliedEffects: applied,
		Terminal:       IsTerminalNode(targetNode, s.tracker),
	}, nil
}

// submitFreeForm 自由对话的一轮：追加用户消息并接入流式生成
// 调用时持有 s.mu，返回前释放
func (s *ConversationService) submitFreeForm(text string) (*SubmitResult, error) {
	if text == "" {
		s.mu.Unlock()
		return nil, apperrors.NewValidationError("自由对话输入不能为空", nil)
	}

	// 进行中守卫：同一会话同一时刻至多一次生成，防止两轮助手回复交错
	if s.inFlightRequestID != "" {
		s.mu.Unlock()
		return nil, apperrors.NewGenerationInProgressError(
			"上一轮生成尚未完成: " + s.inFlightRequestID)
	}

	userMessage := models.NewUserMessage(text)
	requestID := uuid.NewString()
	s.inFlightRequestID = requestID
	s.mu.Unlock()

	if err := s.messageLog.Append(userMessage); err != nil {
		s.clearInFlight(requestID)
		return nil, apperrors.WrapError(err, "追加用户消息失败", apperrors.ErrorTypeError)
	}

	request := s.buildGenerateRequest(userMessage)

	ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
	chunks, err := s.generator.GenerateStream(ctx, request)
	if err != nil {
		cancel()
		// 传输失败就地恢复：以固定失败文案定稿，会话保持可用
		s.logger.Warn("生成调用失败", zap.String("request_id", requestID), zap.Error(err))
		if upsertErr := s.messageLog.UpsertStreaming(requestID, GenerationFailureText); upsertErr != nil {
			s.logger.Error("写入失败文案失败", zap.Error(upsertErr))
		}
		if finalizeErr := s.messageLog.Finalize(requestID); finalizeErr != nil {
			s.logger.Error("定稿失败消息失败", zap.Error(finalizeErr))
		}
		s.clearInFlight(requestID)
		s.hooks.emitFailed(requestID, err.Error())
		return &SubmitResult{RequestID: requestID}, nil
	}

	s.mu.Lock()
	s.cancelGeneration = cancel
	s.mu.Unlock()

	s.hooks.emitStarted(requestID)

	go func() {
		defer cancel()
		s.reconciler.Consume(ctx, requestID, userMessage, chunks, s.hooks, func() {
			s.clearInFlight(requestID)
		})
	}()

	return &SubmitResult{RequestID: requestID}, nil
}

// buildGenerateRequest 组装生成请求：系统提示 + 全部先前历史 + 新用户输入
func (s *ConversationService) buildGenerateRequest(userMessage *models.Message) llm.GenerateRequest {
	var systemPrompt string
	if s.persona != nil {
		systemPrompt = s.persona.SystemPrompt
	}

	snapshot := s.messageLog.Snapshot(s.settings.SnapshotLimit)
	history := make([]llm.HistoryEntry, 0, len(snapshot))
	for _, msg := range snapshot {
		if msg.ID == userMessage.ID {
			continue
		}
		history = append(history, llm.HistoryEntry{
			Role:    string(msg.Role),
			Content: msg.Text,
		})
	}

	return llm.GenerateRequest{
		Prompt:       userMessage.Text,
		SystemPrompt: systemPrompt,
		History:      history,
		Temperature:  s.settings.Temperature,
		MaxTokens:    s.settings.MaxTokens,
		Model:        s.settings.Model,
	}
}

// clearInFlight 解除进行中守卫
func (s *ConversationService) clearInFlight(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlightRequestID == requestID {
		s.inFlightRequestID = ""
		s.cancelGeneration = nil
	}
}

// CancelGeneration 取消进行中的生成
// 已合并进日志的部分文本保留，守卫被解除，新的一轮可以提交
func (s *ConversationService) CancelGeneration() {
	s.mu.Lock()
	cancel := s.cancelGeneration
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// InFlight 返回是否有生成进行中
func (s *ConversationService) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlightRequestID != ""
}

// GetLog 返回消息日志的只读快照
func (s *ConversationService) GetLog() []*models.Message {
	return s.messageLog.Snapshot(s.settings.SnapshotLimit)
}

// GetScenarioState 返回剧本状态的只读快照（仅图驱动会话）
func (s *ConversationService) GetScenarioState() (*models.ScenarioState, error) {
	if s.mode != models.ModeGraphDriven {
		return nil, apperrors.NewValidationError("自由对话会话没有剧本状态", nil)
	}
	return s.tracker.Snapshot(), nil
}

// EligibleOptions 返回当前节点过滤后的可选项（仅图驱动会话）
func (s *ConversationService) EligibleOptions() ([]models.NodeOption, error) {
	if s.mode != models.ModeGraphDriven {
		return nil, apperrors.NewValidationError("自由对话会话没有剧情选项", nil)
	}

	node, ok := s.graph.NodeByID(s.tracker.CurrentNodeID())
	if !ok {
		return nil, apperrors.NewProcessingError(
			"当前节点在剧情图中不存在: "+s.tracker.CurrentNodeID(), nil)
	}
	return EligibleOptions(node, s.tracker), nil
}

// Record 序列化为持久化记录，与恢复时的形状完全一致
func (s *ConversationService) Record() *models.ConversationRecord {
	record := &models.ConversationRecord{
		ID:          s.id,
		Mode:        s.mode,
		Messages:    s.messageLog.Export(),
		LastUpdated: time.Now(),
	}
	if s.persona != nil {
		record.PersonaID = s.persona.ID
	}
	if s.mode == models.ModeGraphDriven {
		record.GraphID = s.graph.ID
		record.ScenarioState = s.tracker.Export()
	}
	return record
}
