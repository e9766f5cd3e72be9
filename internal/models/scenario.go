// internal/models/scenario.go
package models

// ScenarioState 表示一次图驱动会话的可变累积状态
// 在会话开始时以剧情图的起始节点初始化，只通过节点/选项效果修改，
// 会话中途从不重置，会话结束时丢弃
type ScenarioState struct {
	CurrentNodeID  string          `json:"current_node_id"`
	Favorability   map[string]int  `json:"favorability"` // 角色ID -> [0,100]
	UnlockedEvents map[string]bool `json:"unlocked_events"`
	OwnedItems     map[string]bool `json:"owned_items"`
	VisitedNodes   map[string]bool `json:"visited_nodes"`
}

// NewScenarioState 创建初始剧本状态
func NewScenarioState(startNodeID string) *ScenarioState {
	return &ScenarioState{
		CurrentNodeID:  startNodeID,
		Favorability:   make(map[string]int),
		UnlockedEvents: make(map[string]bool),
		OwnedItems:     make(map[string]bool),
		VisitedNodes:   map[string]bool{startNodeID: true},
	}
}

// Clone 返回剧本状态的深拷贝，供只读快照使用
func (s *ScenarioState) Clone() *ScenarioState {
	clone := &ScenarioState{
		CurrentNodeID:  s.CurrentNodeID,
		Favorability:   make(map[string]int, len(s.Favorability)),
		UnlockedEvents: make(map[string]bool, len(s.UnlockedEvents)),
		OwnedItems:     make(map[string]bool, len(s.OwnedItems)),
		VisitedNodes:   make(map[string]bool, len(s.VisitedNodes)),
	}
	for k, v := range s.Favorability {
		clone.Favorability[k] = v
	}
	for k, v := range s.UnlockedEvents {
		clone.UnlockedEvents[k] = v
	}
	for k, v := range s.OwnedItems {
		clone.OwnedItems[k] = v
	}
	for k, v := range s.VisitedNodes {
		clone.VisitedNodes[k] = v
	}
	return clone
}

// Normalize 补齐反序列化后可能缺失的map
func (s *ScenarioState) Normalize() {
	if s.Favorability == nil {
		s.Favorability = make(map[string]int)
	}
	if s.UnlockedEvents == nil {
		s.UnlockedEvents = make(map[string]bool)
	}
	if s.OwnedItems == nil {
		s.OwnedItems = make(map[string]bool)
	}
	if s.VisitedNodes == nil {
		s.VisitedNodes = make(map[string]bool)
	}
}
