// internal/services/graph_service.go
package services

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	apperrors "github.com/Corphon/TaleWeaverMCP/internal/errors"
	"github.com/Corphon/TaleWeaverMCP/internal/logger"
	"github.com/Corphon/TaleWeaverMCP/internal/models"
)

// GraphService 剧情图内容服务
// 剧情图是从内容目录加载的不可变创作内容，加载时校验，运行期只读共享
type GraphService struct {
	graphDir string

	mu     sync.RWMutex
	graphs map[string]*models.StoryGraph

	watcher *fsnotify.Watcher
	done    chan struct{}

	logger *logger.Logger
}

// NewGraphService 创建剧情图服务并加载内容目录下的全部图
func NewGraphService(contentDir string) (*GraphService, error) {
	graphDir := filepath.Join(contentDir, "graphs")
	if err := os.MkdirAll(graphDir, 0755); err != nil {
		return nil, fmt.Errorf("创建剧情图目录失败: %w", err)
	}

	s := &GraphService{
		graphDir: graphDir,
		graphs:   make(map[string]*models.StoryGraph),
		done:     make(chan struct{}),
		logger:   logger.GetLogger().Named("graph"),
	}

	if err := s.loadAll(); err != nil {
		return nil, err
	}

	return s, nil
}

// loadAll 加载目录下所有剧情图文件
func (s *GraphService) loadAll() error {
	entries, err := os.ReadDir(s.graphDir)
	if err != nil {
		return fmt.Errorf("读取剧情图目录失败: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if err := s.loadFile(filepath.Join(s.graphDir, entry.Name())); err != nil {
			// 单个文件损坏不阻止其余图加载，但会话初始化时引用它会失败
			s.logger.Error("加载剧情图文件失败",
				zap.String("file", entry.Name()), zap.Error(err))
		}
	}

	return nil
}

// loadFile 加载并校验单个剧情图文件
func (s *GraphService) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("读取剧情图失败: %w", err)
	}

	var graph models.StoryGraph
	if err := json.Unmarshal(data, &graph); err != nil {
		return apperrors.NewGraphInvalidError("剧情图JSON解析失败", err)
	}

	if err := ValidateGraph(&graph); err != nil {
		return err
	}

	s.mu.Lock()
	s.graphs[graph.ID] = &graph
	s.mu.Unlock()

	s.logger.Info("剧情图已加载",
		zap.String("graph_id", graph.ID),
		zap.Int("nodes", len(graph.Nodes)))
	return nil
}

// RegisterGraph 直接注册一个内存中的剧情图（测试和演示用）
func (s *GraphService) RegisterGraph(graph *models.StoryGraph) error {
	if err := ValidateGraph(graph); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.graphs[graph.ID] = graph
	return nil
}

// GetGraph 按ID获取剧情图
func (s *GraphService) GetGraph(graphID string) (*models.StoryGraph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	graph, exists := s.graphs[graphID]
	if !exists {
		return nil, apperrors.NewNotFoundError(
			fmt.Sprintf("剧情图不存在: %s", graphID), nil)
	}
	return graph, nil
}

// ListGraphs 返回所有已加载剧情图的ID
func (s *GraphService) ListGraphs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.graphs))
	for id := range s.graphs {
		ids = append(ids, id)
	}
	return ids
}

// Watch 监听内容目录，文件变化时重新加载对应剧情图
func (s *GraphService) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建文件监听器失败: %w", err)
	}

	if err := watcher.Add(s.graphDir); err != nil {
		watcher.Close()
		return fmt.Errorf("监听剧情图目录失败: %w", err)
	}

	s.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(event.Name, ".json") {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := s.loadFile(event.Name); err != nil {
					// 热更新失败时保留上一份通过校验的图
					s.logger.Error("剧情图热更新失败",
						zap.String("file", event.Name), zap.Error(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Error("文件监听错误", zap.Error(err))
			case <-s.done:
				return
			}
		}
	}()

	s.logger.Info("剧情图目录监听已启动", zap.String("dir", s.graphDir))
	return nil
}

// Close 停止监听
func (s *GraphService) Close() {
	close(s.done)
	if s.watcher != nil {
		s.watcher.Close()
	}
}

// ValidateGraph 校验剧情图的结构合法性
// 会话不允许在损坏的图上启动，所以校验失败在初始化时即报错
func ValidateGraph(graph *models.StoryGraph) error {
	if graph == nil {
		return apperrors.NewGraphInvalidError("剧情图为空", nil)
	}
	if graph.ID == "" {
		return apperrors.NewGraphInvalidError("剧情图缺少ID", nil)
	}
	if len(graph.Nodes) == 0 {
		return apperrors.NewGraphInvalidError(
			fmt.Sprintf("剧情图没有任何节点: %s", graph.ID), nil)
	}

	seen := make(map[string]bool, len(graph.Nodes))
	for _, node := range graph.Nodes {
		if node.ID == "" {
			return apperrors.NewGraphInvalidError(
				fmt.Sprintf("剧情图含有空ID节点: %s", graph.ID), nil)
		}
		if seen[node.ID] {
			return apperrors.NewGraphInvalidError(
				fmt.Sprintf("剧情图节点ID重复: %s/%s", graph.ID, node.ID), nil)
		}
		seen[node.ID] = true

		optionSeen := make(map[string]bool, len(node.Options))
		for _, option := range node.Options {
			if option.ID == "" {
				return apperrors.NewGraphInvalidError(
					fmt.Sprintf("节点含有空ID选项: %s/%s", graph.ID, node.ID), nil)
			}
			if optionSeen[option.ID] {
				return apperrors.NewGraphInvalidError(
					fmt.Sprintf("节点选项ID重复: %s/%s/%s", graph.ID, node.ID, option.ID), nil)
			}
			optionSeen[option.ID] = true
		}
	}

	if graph.StartNodeID == "" {
		return apperrors.NewGraphInvalidError(
			fmt.Sprintf("剧情图缺少起始节点声明: %s", graph.ID), nil)
	}
	if !seen[graph.StartNodeID] {
		return apperrors.NewGraphInvalidError(
			fmt.Sprintf("剧情图起始节点不存在: %s/%s", graph.ID, graph.StartNodeID), nil)
	}

	// 悬空的选项目标不算加载期致命错误，由遍历逻辑在选择时拒绝，这里只提示
	for _, node := range graph.Nodes {
		for _, option := range node.Options {
			if option.TargetNodeID != "" && !seen[option.TargetNodeID] {
				logger.GetLogger().Named("graph").Warn("剧情图存在悬空选项目标",
					zap.String("graph_id", graph.ID),
					zap.String("node_id", node.ID),
					zap.String("option_id", option.ID),
					zap.String("target", option.TargetNodeID))
			}
		}
	}

	return nil
}

// EligibleOptions 按剧本状态过滤节点选项，返回当前可选的选项
func EligibleOptions(node *models.StoryNode, tracker *ScenarioTracker) []models.NodeOption {
	eligible := make([]models.NodeOption, 0, len(node.Options))
	for _, option := range node.Options {
		if tracker.EvaluateConditions(option.Conditions) {
			eligible = append(eligible, option)
		}
	}
	return eligible
}

// IsTerminalNode 判断节点是否为终局：条件过滤后没有任何可选项
// 有选项但全部被未满足的条件滤掉的节点同样按终局处理，不做生成兜底
func IsTerminalNode(node *models.StoryNode, tracker *ScenarioTracker) bool {
	return len(EligibleOptions(node, tracker)) == 0
}
