// internal/services/conversation_service_test.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Corphon/TaleWeaverMCP/internal/errors"
	"github.com/Corphon/TaleWeaverMCP/internal/llm"
	"github.com/Corphon/TaleWeaverMCP/internal/models"
)

// ---------------------------------------------------------
// 测试用生成提供商
// ---------------------------------------------------------

// scriptedProvider 按脚本吐片段后关闭通道
type scriptedProvider struct {
	chunks []llm.StreamChunk
}

func (p *scriptedProvider) Initialize(map[string]string) error { return nil }
func (p *scriptedProvider) GetName() string                    { return "scripted" }

func (p *scriptedProvider) GenerateStream(ctx context.Context, _ llm.GenerateRequest) (<-chan llm.StreamChunk, error) {
	out := make(chan llm.StreamChunk, len(p.chunks))
	for _, chunk := range p.chunks {
		out <- chunk
	}
	close(out)
	return out, nil
}

// blockingProvider 吐出一个片段后挂起，直到收到释放信号或上下文结束
type blockingProvider struct {
	release chan struct{}
}

func newBlockingProvider() *blockingProvider {
	return &blockingProvider{release: make(chan struct{})}
}

func (p *blockingProvider) Initialize(map[string]string) error { return nil }
func (p *blockingProvider) GetName() string                    { return "blocking" }

func (p *blockingProvider) GenerateStream(ctx context.Context, _ llm.GenerateRequest) (<-chan llm.StreamChunk, error) {
	out := make(chan llm.StreamChunk, 2)
	go func() {
		defer close(out)
		out <- llm.StreamChunk{Content: "说到一半"}
		select {
		case <-ctx.Done():
		case <-p.release:
			out <- llm.StreamChunk{Done: true, FinishReason: "stop"}
		}
	}()
	return out, nil
}

// failingProvider 连流都建立不起来
type failingProvider struct{}

func (p *failingProvider) Initialize(map[string]string) error { return nil }
func (p *failingProvider) GetName() string                    { return "failing" }

func (p *failingProvider) GenerateStream(context.Context, llm.GenerateRequest) (<-chan llm.StreamChunk, error) {
	return nil, errors.New("拨号失败")
}

// ---------------------------------------------------------
// 测试剧情图
// ---------------------------------------------------------

func storyGraphFixture() *models.StoryGraph {
	return &models.StoryGraph{
		ID:          "teahouse_test",
		Title:       "茶馆",
		StartNodeID: "start",
		Nodes: []models.StoryNode{
			{
				ID:          "start",
				DisplayText: "你站在茶馆门口。",
				Options: []models.NodeOption{
					{
						ID:           "greet",
						Text:         "上前打招呼",
						TargetNodeID: "counter",
						Effects: []models.OptionEffect{
							{Type: models.EffectFavorability, Target: "lin", Value: 10},
						},
					},
					{
						ID:           "sneak",
						Text:         "从后门溜进去",
						TargetNodeID: "counter",
						Conditions: []models.OptionCondition{
							{Type: models.ConditionItem, Target: "back_key"},
						},
					},
					{
						ID:           "ghost_door",
						Text:         "推开不存在的门",
						TargetNodeID: "nowhere",
						Effects: []models.OptionEffect{
							{Type: models.EffectFavorability, Target: "lin", Value: 99},
						},
					},
				},
			},
			{
				ID:          "counter",
				DisplayText: "林姑娘在柜台后朝你微笑。",
				RandomEffects: []models.RandomEffect{
					{
						Probability: 0.5,
						Effect:      models.OptionEffect{Type: models.EffectItem, Target: "tea"},
					},
				},
				Options: []models.NodeOption{
					{ID: "leave", Text: "告辞", TargetNodeID: "end"},
				},
			},
			{ID: "end", DisplayText: "你走出了茶馆。"},
		},
	}
}

func freeFormFixture(t *testing.T, provider llm.Provider, hooks TurnHooks) *ConversationService {
	t.Helper()
	conversation, err := NewFreeFormConversation("", &models.Persona{
		ID:           "lin",
		Name:         "林姑娘",
		SystemPrompt: "你是茶馆掌柜林姑娘",
		Greeting:     "客官里边请。",
	}, provider, GenerationSettings{Timeout: 5 * time.Second}, hooks)
	require.NoError(t, err)
	return conversation
}

func waitIdle(t *testing.T, conversation *ConversationService) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !conversation.InFlight()
	}, 2*time.Second, 5*time.Millisecond)
}

// ---------------------------------------------------------
// 生命周期
// ---------------------------------------------------------

func TestConversation_ActivateSeedsExactlyOnce(t *testing.T) {
	conversation, err := NewGraphConversation("", storyGraphFixture(), TurnHooks{})
	require.NoError(t, err)
	assert.Equal(t, LifecycleUninitialized, conversation.Lifecycle())

	require.NoError(t, conversation.Activate())
	require.NoError(t, conversation.Activate())

	messages := conversation.GetLog()
	require.Len(t, messages, 1)
	assert.Equal(t, models.RoleAssistant, messages[0].Role)
	assert.Equal(t, "你站在茶馆门口。", messages[0].Text)
	assert.Equal(t, LifecycleActive, conversation.Lifecycle())
}

func TestConversation_FreeFormSeedsPersonaGreeting(t *testing.T) {
	conversation := freeFormFixture(t, &scriptedProvider{}, TurnHooks{})
	require.NoError(t, conversation.Activate())

	messages := conversation.GetLog()
	require.Len(t, messages, 1)
	assert.Equal(t, "客官里边请。", messages[0].Text)
}

func TestConversation_ResumeSkipsSeeding(t *testing.T) {
	original, err := NewGraphConversation("", storyGraphFixture(), TurnHooks{})
	require.NoError(t, err)
	require.NoError(t, original.Activate())

	restored, err := NewConversationFromRecord(
		original.Record(), storyGraphFixture(), nil, nil, GenerationSettings{}, TurnHooks{})
	require.NoError(t, err)
	require.NoError(t, restored.Activate())

	// 恢复后激活不会重复播种开场消息
	assert.Len(t, restored.GetLog(), 1)
}

func TestConversation_GraphInvalidAtInit(t *testing.T) {
	broken := storyGraphFixture()
	broken.StartNodeID = "ghost"

	_, err := NewGraphConversation("", broken, TurnHooks{})
	require.Error(t, err)
	assert.True(t, apperrors.IsGraphInvalidError(err))
}

// ---------------------------------------------------------
// 图驱动轮次
// ---------------------------------------------------------

func TestConversation_GraphWalk(t *testing.T) {
	conversation, err := NewGraphConversation("", storyGraphFixture(), TurnHooks{})
	require.NoError(t, err)
	conversation.tracker.SetRandSource(func() float64 { return 0.9 }) // 不触发随机效果

	result, err := conversation.SubmitUserInput(UserInput{OptionID: "greet"})
	require.NoError(t, err)
	assert.Equal(t, "counter", result.Node.ID)
	assert.False(t, result.Terminal)

	// 选项文本作为用户消息、节点文本作为助手消息，按序入日志
	messages := conversation.GetLog()
	require.Len(t, messages, 3)
	assert.Equal(t, "你站在茶馆门口。", messages[0].Text)
	assert.Equal(t, models.RoleUser, messages[1].Role)
	assert.Equal(t, "上前打招呼", messages[1].Text)
	assert.Equal(t, models.RoleAssistant, messages[2].Role)
	assert.Equal(t, "林姑娘在柜台后朝你微笑。", messages[2].Text)
	assert.True(t, messages[2].Finalized)

	state, err := conversation.GetScenarioState()
	require.NoError(t, err)
	assert.Equal(t, "counter", state.CurrentNodeID)
	assert.Equal(t, 10, state.Favorability["lin"])
}

func TestConversation_GraphWalkToTerminal(t *testing.T) {
	conversation, err := NewGraphConversation("", storyGraphFixture(), TurnHooks{})
	require.NoError(t, err)
	conversation.tracker.SetRandSource(func() float64 { return 0.9 })

	_, err = conversation.SubmitUserInput(UserInput{OptionID: "greet"})
	require.NoError(t, err)

	result, err := conversation.SubmitUserInput(UserInput{OptionID: "leave"})
	require.NoError(t, err)
	assert.True(t, result.Terminal)
	assert.Empty(t, result.Options)
}

func TestConversation_InvalidOptionRejected(t *testing.T) {
	conversation, err := NewGraphConversation("", storyGraphFixture(), TurnHooks{})
	require.NoError(t, err)
	require.NoError(t, conversation.Activate())
	before := len(conversation.GetLog())

	// 不属于当前节点的选项
	_, err = conversation.SubmitUserInput(UserInput{OptionID: "leave"})
	require.Error(t, err)
	assert.True(t, apperrors.IsInvalidOptionError(err))

	// 条件未满足的选项同样拒绝
	_, err = conversation.SubmitUserInput(UserInput{OptionID: "sneak"})
	require.Error(t, err)
	assert.True(t, apperrors.IsInvalidOptionError(err))

	// 拒绝不在日志和状态上留下痕迹
	assert.Len(t, conversation.GetLog(), before)
	state, _ := conversation.GetScenarioState()
	assert.Equal(t, "start", state.CurrentNodeID)
}

func TestConversation_DanglingEdgeLeavesStateUntouched(t *testing.T) {
	conversation, err := NewGraphConversation("", storyGraphFixture(), TurnHooks{})
	require.NoError(t, err)
	require.NoError(t, conversation.Activate())
	before := len(conversation.GetLog())

	_, err = conversation.SubmitUserInput(UserInput{OptionID: "ghost_door"})
	require.Error(t, err)
	assert.True(t, apperrors.IsDanglingEdgeError(err))

	// 失败轮次不得部分迁移：节点、效果、日志全部保持原样
	state, _ := conversation.GetScenarioState()
	assert.Equal(t, "start", state.CurrentNodeID)
	assert.Equal(t, 0, state.Favorability["lin"])
	assert.Len(t, conversation.GetLog(), before)
}

func TestConversation_RandomEffectRollsOnArrival(t *testing.T) {
	conversation, err := NewGraphConversation("", storyGraphFixture(), TurnHooks{})
	require.NoError(t, err)
	conversation.tracker.SetRandSource(func() float64 { return 0.1 }) // 命中 0.5

	result, err := conversation.SubmitUserInput(UserInput{OptionID: "greet"})
	require.NoError(t, err)

	state, _ := conversation.GetScenarioState()
	assert.True(t, state.OwnedItems["tea"])

	// 生效的随机效果出现在结果里
	var gotTea bool
	for _, effect := range result.AppliedEffects {
		if effect.Type == models.EffectItem && effect.Target == "tea" {
			gotTea = true
		}
	}
	assert.True(t, gotTea)
}

func TestConversation_EligibleOptionsFiltered(t *testing.T) {
	conversation, err := NewGraphConversation("", storyGraphFixture(), TurnHooks{})
	require.NoError(t, err)
	require.NoError(t, conversation.Activate())

	options, err := conversation.EligibleOptions()
	require.NoError(t, err)

	ids := make([]string, 0, len(options))
	for _, option := range options {
		ids = append(ids, option.ID)
	}
	// 条件未满足的 sneak 被过滤；悬空目标的选项仍然展示，选择时才失败
	assert.Contains(t, ids, "greet")
	assert.Contains(t, ids, "ghost_door")
	assert.NotContains(t, ids, "sneak")
}

// ---------------------------------------------------------
// 自由对话轮次
// ---------------------------------------------------------

func TestConversation_FreeFormTurn(t *testing.T) {
	finalized := make(chan *models.Message, 1)
	conversation := freeFormFixture(t, &scriptedProvider{chunks: []llm.StreamChunk{
		{Content: "今天"},
		{Content: "天气不错。"},
		{Done: true, FinishReason: "stop"},
	}}, TurnHooks{
		OnTurnFinalized: func(message *models.Message) { finalized <- message },
	})

	result, err := conversation.SubmitUserInput(UserInput{Text: "你好"})
	require.NoError(t, err)
	require.NotEmpty(t, result.RequestID)

	select {
	case message := <-finalized:
		assert.Equal(t, result.RequestID, message.ID)
		assert.Equal(t, "今天天气不错。", message.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("等待定稿回调超时")
	}
	waitIdle(t, conversation)

	// 用户消息先于助手回复入日志
	messages := conversation.GetLog()
	require.Len(t, messages, 3) // 开场白 + 用户 + 助手
	assert.Equal(t, models.RoleUser, messages[1].Role)
	assert.Equal(t, "你好", messages[1].Text)
	assert.Equal(t, result.RequestID, messages[2].ID)
	assert.True(t, messages[2].Finalized)
}

func TestConversation_SecondSubmitGuarded(t *testing.T) {
	provider := newBlockingProvider()
	updated := make(chan struct{}, 4)
	conversation := freeFormFixture(t, provider, TurnHooks{
		OnTurnUpdated: func(string, string) {
			select {
			case updated <- struct{}{}:
			default:
			}
		},
	})

	_, err := conversation.SubmitUserInput(UserInput{Text: "第一轮"})
	require.NoError(t, err)
	<-updated

	before := len(conversation.GetLog())

	// 第一轮生成完成之前的提交被拒绝，日志保持不变
	_, err = conversation.SubmitUserInput(UserInput{Text: "第二轮"})
	require.Error(t, err)
	assert.True(t, apperrors.IsGenerationInProgressError(err))
	assert.Len(t, conversation.GetLog(), before)

	// 释放第一轮后可以继续提交
	close(provider.release)
	waitIdle(t, conversation)

	assert.False(t, conversation.InFlight())
}

func TestConversation_CancelKeepsPartial(t *testing.T) {
	provider := newBlockingProvider()
	updated := make(chan struct{}, 1)
	conversation := freeFormFixture(t, provider, TurnHooks{
		OnTurnUpdated: func(string, string) {
			select {
			case updated <- struct{}{}:
			default:
			}
		},
	})

	result, err := conversation.SubmitUserInput(UserInput{Text: "讲个长故事"})
	require.NoError(t, err)
	<-updated

	conversation.CancelGeneration()
	waitIdle(t, conversation)

	// 已合并的部分文本原样定稿，不追加失败文案
	message, ok := conversation.messageLog.Get(result.RequestID)
	require.True(t, ok)
	assert.True(t, message.Finalized)
	assert.Equal(t, "说到一半", message.Text)
}

func TestConversation_TimeoutFinalizesAsFailure(t *testing.T) {
	provider := newBlockingProvider()
	failed := make(chan struct{})
	conversation, err := NewFreeFormConversation("", nil, provider,
		GenerationSettings{Timeout: 50 * time.Millisecond},
		TurnHooks{OnTurnFailed: func(string, string) { close(failed) }})
	require.NoError(t, err)

	result, err := conversation.SubmitUserInput(UserInput{Text: "你好"})
	require.NoError(t, err)

	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("等待失败回调超时")
	}
	waitIdle(t, conversation)

	message, ok := conversation.messageLog.Get(result.RequestID)
	require.True(t, ok)
	assert.True(t, message.Finalized)
	assert.Contains(t, message.Text, GenerationFailureText)
}

func TestConversation_DialFailureRecoveredLocally(t *testing.T) {
	conversation, err := NewFreeFormConversation("", nil, &failingProvider{},
		GenerationSettings{}, TurnHooks{})
	require.NoError(t, err)

	result, err := conversation.SubmitUserInput(UserInput{Text: "你好"})
	require.NoError(t, err)
	assert.False(t, conversation.InFlight())

	// 失败以普通助手消息定稿，会话保持可用
	message, ok := conversation.messageLog.Get(result.RequestID)
	require.True(t, ok)
	assert.True(t, message.Finalized)
	assert.Equal(t, GenerationFailureText, message.Text)

	// 下一轮可以正常提交
	_, err = conversation.SubmitUserInput(UserInput{Text: "再试一次"})
	assert.NoError(t, err)
}

func TestConversation_EmptyInputRejected(t *testing.T) {
	conversation := freeFormFixture(t, &scriptedProvider{}, TurnHooks{})
	_, err := conversation.SubmitUserInput(UserInput{})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidationError(err))

	graphConversation, err := NewGraphConversation("", storyGraphFixture(), TurnHooks{})
	require.NoError(t, err)
	_, err = graphConversation.SubmitUserInput(UserInput{})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidationError(err))
}

func TestConversation_ScenarioStateOnlyForGraphMode(t *testing.T) {
	conversation := freeFormFixture(t, &scriptedProvider{}, TurnHooks{})

	_, err := conversation.GetScenarioState()
	assert.True(t, apperrors.IsValidationError(err))
	_, err = conversation.EligibleOptions()
	assert.True(t, apperrors.IsValidationError(err))
}

// 图遍历写状态的同时，HTTP查询和持久化钩子会并发读快照
// 在 -race 下验证追踪器内部锁覆盖了这两条路径
func TestConversation_ConcurrentStateReadsDuringGraphWalk(t *testing.T) {
	pingPong := &models.StoryGraph{
		ID:          "ping_pong",
		Title:       "回廊",
		StartNodeID: "east_hall",
		Nodes: []models.StoryNode{
			{
				ID:          "east_hall",
				DisplayText: "东廊。",
				Options: []models.NodeOption{
					{
						ID:           "go_west",
						Text:         "走向西廊",
						TargetNodeID: "west_hall",
						Effects: []models.OptionEffect{
							{Type: models.EffectFavorability, Target: "lin", Value: 1},
						},
					},
				},
			},
			{
				ID:          "west_hall",
				DisplayText: "西廊。",
				Options: []models.NodeOption{
					{
						ID:           "go_east",
						Text:         "走回东廊",
						TargetNodeID: "east_hall",
						Effects: []models.OptionEffect{
							{Type: models.EffectFavorability, Target: "lin", Value: -1},
						},
					},
				},
			},
		},
	}

	conversation, err := NewGraphConversation("", pingPong, TurnHooks{})
	require.NoError(t, err)
	require.NoError(t, conversation.Activate())

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			if _, err := conversation.GetScenarioState(); err != nil {
				return
			}
			if _, err := conversation.EligibleOptions(); err != nil {
				return
			}
			conversation.Record()
		}
	}()

	for i := 0; i < 500; i++ {
		optionID := "go_west"
		if i%2 == 1 {
			optionID = "go_east"
		}
		_, err := conversation.SubmitUserInput(UserInput{OptionID: optionID})
		require.NoError(t, err)
	}
	close(done)
	wg.Wait()

	state, err := conversation.GetScenarioState()
	require.NoError(t, err)
	assert.Equal(t, "east_hall", state.CurrentNodeID)
	assert.Equal(t, 0, state.Favorability["lin"])
}

// ---------------------------------------------------------
// 持久化往返
// ---------------------------------------------------------

func TestConversation_RecordRoundTrip(t *testing.T) {
	conversation, err := NewGraphConversation("round-trip", storyGraphFixture(), TurnHooks{})
	require.NoError(t, err)
	conversation.tracker.SetRandSource(func() float64 { return 0.1 })

	_, err = conversation.SubmitUserInput(UserInput{OptionID: "greet"})
	require.NoError(t, err)

	// 经过完整的JSON序列化往返
	data, err := json.Marshal(conversation.Record())
	require.NoError(t, err)
	var record models.ConversationRecord
	require.NoError(t, json.Unmarshal(data, &record))

	restored, err := NewConversationFromRecord(
		&record, storyGraphFixture(), nil, nil, GenerationSettings{}, TurnHooks{})
	require.NoError(t, err)
	require.NoError(t, restored.Activate())

	// 日志逐条一致
	original := conversation.GetLog()
	recovered := restored.GetLog()
	require.Equal(t, len(original), len(recovered))
	for i := range original {
		assert.Equal(t, original[i].ID, recovered[i].ID)
		assert.Equal(t, original[i].Role, recovered[i].Role)
		assert.Equal(t, original[i].Text, recovered[i].Text)
		assert.Equal(t, original[i].Finalized, recovered[i].Finalized)
	}

	// 剧本状态一致
	originalState, _ := conversation.GetScenarioState()
	recoveredState, _ := restored.GetScenarioState()
	assert.Equal(t, originalState.CurrentNodeID, recoveredState.CurrentNodeID)
	assert.Equal(t, originalState.Favorability, recoveredState.Favorability)
	assert.Equal(t, originalState.OwnedItems, recoveredState.OwnedItems)
	assert.Equal(t, originalState.UnlockedEvents, recoveredState.UnlockedEvents)

	// 恢复的会话可以继续走图
	result, err := restored.SubmitUserInput(UserInput{OptionID: "leave"})
	require.NoError(t, err)
	assert.True(t, result.Terminal)
}
