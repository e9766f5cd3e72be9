// internal/services/stream_reconciler_test.go
package services

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/TaleWeaverMCP/internal/llm"
	"github.com/Corphon/TaleWeaverMCP/internal/models"
)

// feedChunks 构造已填充并关闭的片段通道
func feedChunks(chunks ...llm.StreamChunk) <-chan llm.StreamChunk {
	ch := make(chan llm.StreamChunk, len(chunks))
	for _, chunk := range chunks {
		ch <- chunk
	}
	close(ch)
	return ch
}

func TestStreamReconciler_AccumulatesFragments(t *testing.T) {
	log := NewMessageLog()
	reconciler := NewStreamReconciler(log)

	user := models.NewUserMessage("讲个故事")
	require.NoError(t, log.Append(user))

	var updates []string
	hooks := TurnHooks{
		OnTurnUpdated: func(_, partialText string) {
			updates = append(updates, partialText)
		},
	}

	reconciler.Consume(context.Background(), "req-1", user, feedChunks(
		llm.StreamChunk{Content: "从前"},
		llm.StreamChunk{Content: "有座山"},
		llm.StreamChunk{Content: "，山里有座庙。"},
		llm.StreamChunk{Done: true, FinishReason: "stop"},
	), hooks, nil)

	// 片段按累积合并，不是替换
	assert.Equal(t, []string{"从前", "从前有座山", "从前有座山，山里有座庙。"}, updates)

	msg, ok := log.Get("req-1")
	require.True(t, ok)
	assert.Equal(t, "从前有座山，山里有座庙。", msg.Text)
	assert.True(t, msg.Finalized)
	assert.Equal(t, 2, log.Len())
}

func TestStreamReconciler_FinalizedCallbackCarriesMessage(t *testing.T) {
	log := NewMessageLog()
	reconciler := NewStreamReconciler(log)

	user := models.NewUserMessage("你好")
	require.NoError(t, log.Append(user))

	var finalized *models.Message
	hooks := TurnHooks{
		OnTurnFinalized: func(message *models.Message) { finalized = message },
	}

	reconciler.Consume(context.Background(), "req-1", user, feedChunks(
		llm.StreamChunk{Content: "你好呀"},
		llm.StreamChunk{Done: true, FinishReason: "stop"},
	), hooks, nil)

	require.NotNil(t, finalized)
	assert.Equal(t, "req-1", finalized.ID)
	assert.Equal(t, "你好呀", finalized.Text)
	assert.True(t, finalized.Finalized)
}

func TestStreamReconciler_DuplicateDeliveryAfterFinalize(t *testing.T) {
	log := NewMessageLog()
	reconciler := NewStreamReconciler(log)

	user := models.NewUserMessage("提问")
	require.NoError(t, log.Append(user))

	reconciler.Consume(context.Background(), "req-1", user, feedChunks(
		llm.StreamChunk{Content: "完整回复"},
		llm.StreamChunk{Done: true, FinishReason: "stop"},
	), TurnHooks{}, nil)

	// 同一请求的重复投递：消息已定稿，迟到片段被静默忽略
	reconciler.Consume(context.Background(), "req-1", user, feedChunks(
		llm.StreamChunk{Content: "重复投递的片段"},
		llm.StreamChunk{Done: true, FinishReason: "stop"},
	), TurnHooks{}, nil)

	msg, _ := log.Get("req-1")
	assert.Equal(t, "完整回复", msg.Text)
	assert.Equal(t, 2, log.Len())
}

func TestStreamReconciler_HealsMissingUserMessage(t *testing.T) {
	log := NewMessageLog()
	reconciler := NewStreamReconciler(log)

	// 用户消息从未进入日志，首个片段到达时应自动补插
	user := models.NewUserMessage("丢失的提问")

	reconciler.Consume(context.Background(), "req-1", user, feedChunks(
		llm.StreamChunk{Content: "回复"},
		llm.StreamChunk{Done: true, FinishReason: "stop"},
	), TurnHooks{}, nil)

	snapshot := log.Snapshot(0)
	require.Len(t, snapshot, 2)
	// 用户消息补插在助手回复之前
	assert.Equal(t, user.ID, snapshot[0].ID)
	assert.Equal(t, models.RoleUser, snapshot[0].Role)
	assert.Equal(t, "req-1", snapshot[1].ID)
}

func TestStreamReconciler_HealRunsOncePerRequest(t *testing.T) {
	log := NewMessageLog()
	reconciler := NewStreamReconciler(log)

	user := models.NewUserMessage("提问")

	reconciler.Consume(context.Background(), "req-1", user, feedChunks(
		llm.StreamChunk{Content: "一"},
		llm.StreamChunk{Content: "二"},
		llm.StreamChunk{Content: "三"},
		llm.StreamChunk{Done: true, FinishReason: "stop"},
	), TurnHooks{}, nil)

	assert.Equal(t, 2, log.Len())
}

func TestStreamReconciler_TransportFailureFinalizesWithFixedText(t *testing.T) {
	log := NewMessageLog()
	reconciler := NewStreamReconciler(log)

	user := models.NewUserMessage("提问")
	require.NoError(t, log.Append(user))

	var failedRequestID string
	hooks := TurnHooks{
		OnTurnFailed: func(requestID, _ string) { failedRequestID = requestID },
	}

	reconciler.Consume(context.Background(), "req-1", user, feedChunks(
		llm.StreamChunk{Done: true, FinishReason: "error"},
	), hooks, nil)

	assert.Equal(t, "req-1", failedRequestID)

	// 失败以普通助手消息定稿，不留进行中的幽灵消息
	msg, ok := log.Get("req-1")
	require.True(t, ok)
	assert.True(t, msg.Finalized)
	assert.Equal(t, GenerationFailureText, msg.Text)
}

func TestStreamReconciler_FailureKeepsPartialText(t *testing.T) {
	log := NewMessageLog()
	reconciler := NewStreamReconciler(log)

	user := models.NewUserMessage("提问")
	require.NoError(t, log.Append(user))

	reconciler.Consume(context.Background(), "req-1", user, feedChunks(
		llm.StreamChunk{Content: "说到一半"},
		llm.StreamChunk{Done: true, FinishReason: "error"},
	), TurnHooks{}, nil)

	msg, _ := log.Get("req-1")
	assert.True(t, msg.Finalized)
	assert.True(t, strings.HasPrefix(msg.Text, "说到一半"))
	assert.True(t, strings.HasSuffix(msg.Text, GenerationFailureText))
}

func TestStreamReconciler_UnexpectedChannelCloseFails(t *testing.T) {
	log := NewMessageLog()
	reconciler := NewStreamReconciler(log)

	user := models.NewUserMessage("提问")
	require.NoError(t, log.Append(user))

	var failed bool
	hooks := TurnHooks{
		OnTurnFailed: func(_, _ string) { failed = true },
	}

	// 通道在终止片段之前关闭，且上下文未取消
	reconciler.Consume(context.Background(), "req-1", user, feedChunks(
		llm.StreamChunk{Content: "断流前的内容"},
	), hooks, nil)

	assert.True(t, failed)
	msg, _ := log.Get("req-1")
	assert.True(t, msg.Finalized)
	assert.Contains(t, msg.Text, GenerationFailureText)
}

func TestStreamReconciler_CancelKeepsPartialAsIs(t *testing.T) {
	log := NewMessageLog()
	reconciler := NewStreamReconciler(log)

	user := models.NewUserMessage("提问")
	require.NoError(t, log.Append(user))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reconciler.Consume(ctx, "req-1", user, feedChunks(
		llm.StreamChunk{Content: "取消前已合并的部分"},
	), TurnHooks{}, nil)

	// 主动取消：部分文本原样定稿，不追加失败文案
	msg, ok := log.Get("req-1")
	require.True(t, ok)
	assert.True(t, msg.Finalized)
	assert.Equal(t, "取消前已合并的部分", msg.Text)
}

func TestStreamReconciler_CancelBeforeAnyFragment(t *testing.T) {
	log := NewMessageLog()
	reconciler := NewStreamReconciler(log)

	user := models.NewUserMessage("提问")
	require.NoError(t, log.Append(user))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reconciler.Consume(ctx, "req-1", user, feedChunks(), TurnHooks{}, nil)

	// 一个片段都没到就取消，不产生助手消息
	assert.False(t, log.Contains("req-1"))
	assert.Equal(t, 1, log.Len())
}

func TestStreamReconciler_OnCompleteAlwaysCalled(t *testing.T) {
	log := NewMessageLog()
	reconciler := NewStreamReconciler(log)

	user := models.NewUserMessage("提问")
	require.NoError(t, log.Append(user))

	var calls int
	onComplete := func() { calls++ }

	reconciler.Consume(context.Background(), "req-1", user, feedChunks(
		llm.StreamChunk{Done: true, FinishReason: "stop"},
	), TurnHooks{}, onComplete)

	reconciler.Consume(context.Background(), "req-2", user, feedChunks(
		llm.StreamChunk{Done: true, FinishReason: "error"},
	), TurnHooks{}, onComplete)

	assert.Equal(t, 2, calls)
}
