// internal/services/persona_service.go
package services

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/Corphon/TaleWeaverMCP/internal/errors"
	"github.com/Corphon/TaleWeaverMCP/internal/logger"
	"github.com/Corphon/TaleWeaverMCP/internal/models"
	"github.com/Corphon/TaleWeaverMCP/internal/storage"
)

const personaDir = "personas"

// PersonaService 人设管理服务
// 人设文件放在数据目录的 personas/ 下，一个JSON文件一个人设
type PersonaService struct {
	fileStorage *storage.FileStorage

	mu       sync.RWMutex
	personas map[string]*models.Persona

	logger *logger.Logger
}

// NewPersonaService 创建人设服务并加载全部人设
func NewPersonaService(fileStorage *storage.FileStorage) (*PersonaService, error) {
	ps := &PersonaService{
		fileStorage: fileStorage,
		personas:    make(map[string]*models.Persona),
		logger:      logger.GetLogger().Named("persona"),
	}

	if err := ps.loadAll(); err != nil {
		return nil, err
	}
	return ps, nil
}

// loadAll 加载目录下的所有人设文件
// 单个文件损坏记录错误并跳过，不拖垮整个服务
func (ps *PersonaService) loadAll() error {
	files, err := ps.fileStorage.ListFiles(personaDir, ".json")
	if err != nil {
		return fmt.Errorf("列举人设文件失败: %w", err)
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	for _, filename := range files {
		var persona models.Persona
		if err := ps.fileStorage.LoadJSONFile(personaDir, filename, &persona); err != nil {
			ps.logger.Error("加载人设文件失败",
				zap.String("file", filename), zap.Error(err))
			continue
		}

		if persona.ID == "" {
			persona.ID = strings.TrimSuffix(filename, ".json")
		}
		ps.personas[persona.ID] = &persona
	}

	ps.logger.Info("人设加载完成", zap.Int("count", len(ps.personas)))
	return nil
}

// GetPersona 按ID获取人设
func (ps *PersonaService) GetPersona(personaID string) (*models.Persona, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	persona, exists := ps.personas[personaID]
	if !exists {
		return nil, apperrors.NewNotFoundError("人设不存在: "+personaID, nil)
	}
	return persona, nil
}

// ListPersonas 返回全部人设
func (ps *PersonaService) ListPersonas() []*models.Persona {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	result := make([]*models.Persona, 0, len(ps.personas))
	for _, persona := range ps.personas {
		result = append(result, persona)
	}
	return result
}

// SavePersona 新建或覆盖人设并落盘
func (ps *PersonaService) SavePersona(persona *models.Persona) error {
	if persona == nil || persona.Name == "" {
		return apperrors.NewValidationError("人设名称不能为空", nil)
	}

	if persona.ID == "" {
		persona.ID = fmt.Sprintf("persona_%d", time.Now().UnixNano())
	}
	if persona.CreatedAt.IsZero() {
		persona.CreatedAt = time.Now()
	}
	persona.LastUpdated = time.Now()

	if err := ps.fileStorage.SaveJSONFile(personaDir, persona.ID+".json", persona); err != nil {
		return fmt.Errorf("保存人设失败: %w", err)
	}

	ps.mu.Lock()
	ps.personas[persona.ID] = persona
	ps.mu.Unlock()

	return nil
}

// DeletePersona 删除人设
func (ps *PersonaService) DeletePersona(personaID string) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if _, exists := ps.personas[personaID]; !exists {
		return apperrors.NewNotFoundError("人设不存在: "+personaID, nil)
	}

	if err := ps.fileStorage.DeleteFile(personaDir, personaID+".json"); err != nil {
		return fmt.Errorf("删除人设文件失败: %w", err)
	}

	delete(ps.personas, personaID)
	return nil
}
