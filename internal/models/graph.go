// internal/models/graph.go
package models

// ConditionType 表示选项条件的类型
type ConditionType string

const (
	// ConditionFavorability 好感度条件
	ConditionFavorability ConditionType = "favorability"
	// ConditionEvent 事件解锁条件
	ConditionEvent ConditionType = "event"
	// ConditionItem 物品持有条件
	ConditionItem ConditionType = "item"
)

// EffectType 表示效果的类型
type EffectType string

const (
	// EffectFavorability 好感度增减效果
	EffectFavorability EffectType = "favorability"
	// EffectEvent 事件解锁效果
	EffectEvent EffectType = "event"
	// EffectItem 物品获得效果
	EffectItem EffectType = "item"
)

// OptionCondition 表示选项的一个准入条件
// favorability 类型使用 Operator + Threshold，event/item 类型只看 Target 是否存在
type OptionCondition struct {
	Type      ConditionType `json:"type"`
	Target    string        `json:"target"`              // 角色ID / 事件名 / 物品名
	Operator  string        `json:"operator,omitempty"`  // gte, gt, lte, lt, eq
	Threshold int           `json:"threshold,omitempty"` // 好感度阈值
}

// OptionEffect 表示应用到剧本状态的一个效果
type OptionEffect struct {
	Type   EffectType `json:"type"`
	Target string     `json:"target"`
	Value  int        `json:"value,omitempty"` // 好感度增量，可为负
}

// RandomEffect 表示节点上的一个概率性副作用
// 每个条目独立掷骰，多个条目可以在同一次访问中同时触发
type RandomEffect struct {
	Probability float64      `json:"probability"` // [0,1]
	Effect      OptionEffect `json:"effect"`
}

// NodeOption 表示剧情节点中的一条带守卫的出边
type NodeOption struct {
	ID           string            `json:"id"`
	Text         string            `json:"text"`
	TargetNodeID string            `json:"target_node_id"`
	Conditions   []OptionCondition `json:"conditions,omitempty"`
	Effects      []OptionEffect    `json:"effects,omitempty"`
}

// StoryNode 表示剧情图中的一个节点
type StoryNode struct {
	ID            string         `json:"id"`
	Title         string         `json:"title,omitempty"`
	DisplayText   string         `json:"display_text"` // 预先创作的节点文本，原样展示
	Options       []NodeOption   `json:"options,omitempty"`
	RandomEffects []RandomEffect `json:"random_effects,omitempty"`
}

// StoryGraph 表示一部完整的分支剧情
// 图是从外部内容源加载的不可变创作内容，引擎只遍历，从不修改
type StoryGraph struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	StartNodeID string      `json:"start_node_id"`
	Nodes       []StoryNode `json:"nodes"`
}

// NodeByID 按ID查找节点
func (g *StoryGraph) NodeByID(nodeID string) (*StoryNode, bool) {
	for i := range g.Nodes {
		if g.Nodes[i].ID == nodeID {
			return &g.Nodes[i], true
		}
	}
	return nil, false
}
