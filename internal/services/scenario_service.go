// internal/services/scenario_service.go
package services

import (
	"math/rand"
	"sync"

	"go.uber.org/zap"

	"github.com/Corphon/TaleWeaverMCP/internal/logger"
	"github.com/Corphon/TaleWeaverMCP/internal/models"
)

// 好感度取值范围
const (
	favorabilityMin = 0
	favorabilityMax = 100
)

// ScenarioTracker 剧本状态追踪器
// 被剧情图读取以过滤选项，被节点/选项效果写入
// 图遍历写入与快照读取可能来自不同请求，状态映射由内部读写锁保护
type ScenarioTracker struct {
	mu    sync.RWMutex
	state *models.ScenarioState

	// 随机源可注入，默认使用 rand.Float64；声明的随机效果之外不存在任何隐藏随机性
	randFn func() float64

	logger *logger.Logger
}

// NewScenarioTracker 以起始节点创建剧本状态追踪器
func NewScenarioTracker(startNodeID string) *ScenarioTracker {
	return newScenarioTracker(models.NewScenarioState(startNodeID))
}

// NewScenarioTrackerFromState 从持久化状态恢复追踪器
func NewScenarioTrackerFromState(state *models.ScenarioState) *ScenarioTracker {
	state.Normalize()
	return newScenarioTracker(state)
}

func newScenarioTracker(state *models.ScenarioState) *ScenarioTracker {
	return &ScenarioTracker{
		state:  state,
		randFn: rand.Float64,
		logger: logger.GetLogger().Named("scenario"),
	}
}

// SetRandSource 注入自定义随机源（测试用）
func (t *ScenarioTracker) SetRandSource(randFn func() float64) {
	if randFn != nil {
		t.mu.Lock()
		t.randFn = randFn
		t.mu.Unlock()
	}
}

// CurrentNodeID 返回当前节点ID
func (t *ScenarioTracker) CurrentNodeID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.CurrentNodeID
}

// MoveTo 将当前节点指针移动到目标节点并记录访问历史
func (t *ScenarioTracker) MoveTo(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.CurrentNodeID = nodeID
	t.state.VisitedNodes[nodeID] = true
}

// ApplyEffects 将一组效果应用到剧本状态
// 好感度增量夹取到 [0,100]；事件/物品是幂等的集合插入
func (t *ScenarioTracker) ApplyEffects(effects []models.OptionEffect) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.applyEffectsLocked(effects)
}

// applyEffectsLocked 应用效果，调用方持有写锁
func (t *ScenarioTracker) applyEffectsLocked(effects []models.OptionEffect) {
	for _, effect := range effects {
		switch effect.Type {
		case models.EffectFavorability:
			current := t.state.Favorability[effect.Target]
			t.state.Favorability[effect.Target] = clampFavorability(current + effect.Value)
		case models.EffectEvent:
			t.state.UnlockedEvents[effect.Target] = true
		case models.EffectItem:
			t.state.OwnedItems[effect.Target] = true
		default:
			t.logger.Warn("忽略未知效果类型",
				zap.String("type", string(effect.Type)),
				zap.String("target", effect.Target))
		}
	}
}

// EvaluateConditions 判断一组条件是否全部成立（仅有合取语义，没有析取形式）
func (t *ScenarioTracker) EvaluateConditions(conditions []models.OptionCondition) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, condition := range conditions {
		if !t.evaluateCondition(condition) {
			return false
		}
	}
	return true
}

// evaluateCondition 判断单个条件
func (t *ScenarioTracker) evaluateCondition(condition models.OptionCondition) bool {
	switch condition.Type {
	case models.ConditionFavorability:
		current := t.state.Favorability[condition.Target]
		return compareFavorability(current, condition.Operator, condition.Threshold)
	case models.ConditionEvent:
		return t.state.UnlockedEvents[condition.Target]
	case models.ConditionItem:
		return t.state.OwnedItems[condition.Target]
	default:
		t.logger.Warn("未知条件类型按不成立处理",
			zap.String("type", string(condition.Type)))
		return false
	}
}

// RollRandomEffects 对每个概率性副作用独立掷骰
// 掷骰值低于概率则应用对应效果；多个条目可以在同一次访问中同时触发
// 返回实际生效的效果列表
func (t *ScenarioTracker) RollRandomEffects(randomEffects []models.RandomEffect) []models.OptionEffect {
	t.mu.Lock()
	defer t.mu.Unlock()

	var applied []models.OptionEffect
	for _, entry := range randomEffects {
		if entry.Probability <= 0 {
			continue
		}
		if entry.Probability >= 1 || t.randFn() < entry.Probability {
			t.applyEffectsLocked([]models.OptionEffect{entry.Effect})
			applied = append(applied, entry.Effect)
		}
	}
	return applied
}

// Snapshot 返回剧本状态的只读快照
func (t *ScenarioTracker) Snapshot() *models.ScenarioState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.Clone()
}

// Export 返回内部状态，供持久化序列化使用
func (t *ScenarioTracker) Export() *models.ScenarioState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.Clone()
}

// clampFavorability 将好感度夹取到合法区间
func clampFavorability(value int) int {
	if value < favorabilityMin {
		return favorabilityMin
	}
	if value > favorabilityMax {
		return favorabilityMax
	}
	return value
}

// compareFavorability 按运算符比较好感度与阈值，默认 gte
func compareFavorability(current int, operator string, threshold int) bool {
	switch operator {
	case "", "gte", ">=":
		return current >= threshold
	case "gt", ">":
		return current > threshold
	case "lte", "<=":
		return current <= threshold
	case "lt", "<":
		return current < threshold
	case "eq", "==":
		return current == threshold
	default:
		return false
	}
}
