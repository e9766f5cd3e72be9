// internal/services/stream_reconciler.go
package services

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/Corphon/TaleWeaverMCP/internal/errors"
	"github.com/Corphon/TaleWeaverMCP/internal/llm"
	"github.com/Corphon/TaleWeaverMCP/internal/logger"
	"github.com/Corphon/TaleWeaverMCP/internal/models"
)

// GenerationFailureText 传输失败时写入助手消息的固定文案
// 该消息与普通助手消息结构完全一致，UI无需特殊渲染路径
const GenerationFailureText = "连接失败，请重试。"

// TurnHooks 一轮生成的生命周期回调，供UI层订阅
type TurnHooks struct {
	OnTurnStarted   func(requestID string)
	OnTurnUpdated   func(requestID string, partialText string)
	OnTurnFinalized func(message *models.Message)
	OnTurnFailed    func(requestID string, reason string)
}

func (h TurnHooks) emitStarted(requestID string) {
	if h.OnTurnStarted != nil {
		h.OnTurnStarted(requestID)
	}
}

func (h TurnHooks) emitUpdated(requestID, partialText string) {
	if h.OnTurnUpdated != nil {
		h.OnTurnUpdated(requestID, partialText)
	}
}

func (h TurnHooks) emitFinalized(message *models.Message) {
	if h.OnTurnFinalized != nil {
		h.OnTurnFinalized(message)
	}
}

func (h TurnHooks) emitFailed(requestID, reason string) {
	if h.OnTurnFailed != nil {
		h.OnTurnFailed(requestID, reason)
	}
}

// requestContext 单次生成的累积上下文
// 按 requestID 隔离，不与任何会话级可变状态共享
type requestContext struct {
	requestID   string
	userMessage *models.Message // 触发本次生成的用户消息
	accumulated strings.Builder
	healed      bool // 自愈补插是否已执行过
}

// StreamReconciler 流式合并器
// 将带有 requestID 标签的增量片段合并进消息日志，不重复、不丢失用户自己的发言
type StreamReconciler struct {
	log *MessageLog

	mu       sync.Mutex
	inFlight map[string]*requestContext

	logger *logger.Logger
}

// NewStreamReconciler 创建流式合并器
func NewStreamReconciler(messageLog *MessageLog) *StreamReconciler {
	return &StreamReconciler{
		log:      messageLog,
		inFlight: make(map[string]*requestContext),
		logger:   logger.GetLogger().Named("reconciler"),
	}
}

// Consume 在调用方goroutine中消费一次生成的全部片段，直至终止信号或通道关闭
// onComplete 在收尾完成后恰好调用一次，供编排器解除进行中守卫
func (r *StreamReconciler) Consume(
	ctx context.Context,
	requestID string,
	userMessage *models.Message,
	chunks <-chan llm.StreamChunk,
	hooks TurnHooks,
	onComplete func()) {

	reqCtx := r.begin(requestID, userMessage)
	defer r.release(requestID)
	if onComplete != nil {
		defer onComplete()
	}

	for chunk := range chunks {
		if chunk.Done {
			if chunk.FinishReason == "error" {
				r.failTurn(reqCtx, hooks, "生成服务传输失败")
			} else {
				r.finalizeTurn(reqCtx, hooks)
			}
			return
		}

		if chunk.Content == "" {
			continue
		}

		textSoFar := r.applyDelta(reqCtx, chunk.Content)
		hooks.emitUpdated(requestID, textSoFar)
	}

	// 通道在终止片段之前关闭
	if ctx.Err() == context.Canceled {
		// 主动取消：已合并的部分文本原样保留，不回滚
		if r.log.Contains(requestID) {
			r.finalizeTurn(reqCtx, hooks)
		}
		return
	}

	// 超时等同于取消加一个合成的失败片段；意外断流同样走失败收尾
	r.failTurn(reqCtx, hooks, "生成流意外中断")
}

// begin 建立一次生成的累积上下文
func (r *StreamReconciler) begin(requestID string, userMessage *models.Message) *requestContext {
	r.mu.Lock()
	defer r.mu.Unlock()

	reqCtx := &requestContext{
		requestID:   requestID,
		userMessage: userMessage,
	}
	r.inFlight[requestID] = reqCtx
	return reqCtx
}

// release 销毁累积上下文
func (r *StreamReconciler) release(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.inFlight, requestID)
}

// applyDelta 追加一个增量片段并把累积文本写入日志，返回当前全文
// 始终按累积应用，绝不用单个片段替换全文
func (r *StreamReconciler) applyDelta(reqCtx *requestContext, content string) string {
	r.healMissingUserMessage(reqCtx)

	reqCtx.accumulated.WriteString(content)
	textSoFar := reqCtx.accumulated.String()

	if err := r.log.UpsertStreaming(reqCtx.requestID, textSoFar); err != nil {
		if apperrors.IsStreamFinalizedError(err) {
			// 同一请求的重复投递，消息已定稿，跳过即可
			r.logger.Debug("忽略已定稿消息的流式更新",
				zap.String("request_id", reqCtx.requestID))
		} else {
			r.logger.Error("流式合并失败",
				zap.String("request_id", reqCtx.requestID),
				zap.Error(err))
		}
	}

	return textSoFar
}

// healMissingUserMessage 自愈：若日志中缺失触发本次生成的用户消息，先补插再继续
// 每个请求最多执行一次；记录警告但不上报给用户，因为正确性已自动恢复
func (r *StreamReconciler) healMissingUserMessage(reqCtx *requestContext) {
	if reqCtx.healed || reqCtx.userMessage == nil {
		return
	}
	reqCtx.healed = true

	if r.log.Contains(reqCtx.userMessage.ID) {
		return
	}

	r.logger.Warn("日志中缺失用户消息，自愈补插",
		zap.String("request_id", reqCtx.requestID),
		zap.String("user_message_id", reqCtx.userMessage.ID))

	if err := r.log.Append(reqCtx.userMessage); err != nil {
		r.logger.Error("自愈补插用户消息失败",
			zap.String("user_message_id", reqCtx.userMessage.ID),
			zap.Error(err))
	}
}

// finalizeTurn 正常收尾：定稿消息并通知回调
func (r *StreamReconciler) finalizeTurn(reqCtx *requestContext, hooks TurnHooks) {
	r.healMissingUserMessage(reqCtx)

	// 零内容片段直接收到终止信号时，仍然产出一条（空文本的）助手消息
	if !r.log.Contains(reqCtx.requestID) {
		if err := r.log.UpsertStreaming(reqCtx.requestID, reqCtx.accumulated.String()); err != nil {
			r.logger.Error("创建助手消息失败",
				zap.String("request_id", reqCtx.requestID), zap.Error(err))
		}
	}

	if err := r.log.Finalize(reqCtx.requestID); err != nil {
		r.logger.Error("定稿助手消息失败",
			zap.String("request_id", reqCtx.requestID), zap.Error(err))
		return
	}

	if msg, ok := r.log.Get(reqCtx.requestID); ok {
		hooks.emitFinalized(msg)
	}
}

// failTurn 失败收尾：以固定失败文案定稿，不留下永远"进行中"的幽灵消息
// 已合并的部分文本保留，失败文案接在其后
func (r *StreamReconciler) failTurn(reqCtx *requestContext, hooks TurnHooks, reason string) {
	r.healMissingUserMessage(reqCtx)

	text := reqCtx.accumulated.String()
	if text == "" {
		text = GenerationFailureText
	} else {
		text = text + "\n\n" + GenerationFailureText
	}

	if err := r.log.UpsertStreaming(reqCtx.requestID, text); err != nil && !apperrors.IsStreamFinalizedError(err) {
		r.logger.Error("写入失败文案失败",
			zap.String("request_id", reqCtx.requestID), zap.Error(err))
	}

	if err := r.log.Finalize(reqCtx.requestID); err != nil {
		r.logger.Error("定稿失败消息失败",
			zap.String("request_id", reqCtx.requestID), zap.Error(err))
	}

	r.logger.Warn("生成失败，已定稿失败文案",
		zap.String("request_id", reqCtx.requestID),
		zap.String("reason", reason))

	hooks.emitFailed(reqCtx.requestID, reason)
}
