// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/joho/godotenv"
)

// 当前配置的单例实例
var (
	currentConfig *AppConfig
	configMutex   sync.RWMutex
	configFile    string
)

// AppConfig 包含应用程序的所有配置
type AppConfig struct {
	// 基础配置
	Port       string `json:"port"`
	DataDir    string `json:"data_dir"`    // 会话持久化目录
	ContentDir string `json:"content_dir"` // 创作内容目录（剧情图、人设）
	LogDir     string `json:"log_dir"`
	DebugMode  bool   `json:"debug_mode"`

	// 会话引擎配置
	SnapshotLimit     int `json:"snapshot_limit"`     // 日志快照返回的最大消息数
	GenerationTimeout int `json:"generation_timeout"` // 单次生成的超时（秒）

	// LLM相关配置
	LLMProvider string            `json:"llm_provider"`
	LLMConfig   map[string]string `json:"llm_config"`
}

// Config 存储从环境变量加载的基础配置
type Config struct {
	Port       string
	DataDir    string
	ContentDir string
	LogDir     string
	DebugMode  bool
	APIKey     string
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	// 尝试加载.env文件（可选）
	godotenv.Load()

	config := &Config{
		Port:       getEnv("PORT", "8080"),
		DataDir:    getEnvPath("DATA_DIR", "data"),
		ContentDir: getEnvPath("CONTENT_DIR", "content"),
		LogDir:     getEnvPath("LOG_DIR", "logs"),
		DebugMode:  getEnvBool("DEBUG_MODE", true),
		APIKey:     getEnv("LLM_API_KEY", ""),
	}

	if config.APIKey == "" {
		// 只记录警告，不返回错误：图驱动会话不需要生成能力
		log.Println("警告: 未设置LLM API密钥，自由对话模式在配置前不可用")
	}

	return config, nil
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvPath 获取环境变量表示的路径，如果不存在则返回默认值
func getEnvPath(key, defaultValue string) string {
	path := getEnv(key, defaultValue)

	// 确保目录存在
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0755); err != nil {
			fmt.Printf("警告: 创建目录失败 %s: %v\n", path, err)
		}
	}

	return path
}

// getEnvBool 获取布尔类型环境变量
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	return value == "true" || value == "1" || value == "yes"
}

// InitConfig 初始化配置管理器
func InitConfig(dataDir string) error {
	configFile = filepath.Join(dataDir, "config.json")

	baseConfig, err := Load()
	if err != nil {
		return err
	}

	configMutex.Lock()
	defer configMutex.Unlock()

	currentConfig = &AppConfig{
		Port:              baseConfig.Port,
		DataDir:           baseConfig.DataDir,
		ContentDir:        baseConfig.ContentDir,
		LogDir:            baseConfig.LogDir,
		DebugMode:         baseConfig.DebugMode,
		SnapshotLimit:     200,
		GenerationTimeout: 120,
		LLMProvider:       "openai",
		LLMConfig: map[string]string{
			"api_key": baseConfig.APIKey,
		},
	}

	// 尝试从文件加载已保存的配置
	if _, err := os.Stat(configFile); !os.IsNotExist(err) {
		data, err := os.ReadFile(configFile)
		if err == nil {
			var savedConfig AppConfig
			if json.Unmarshal(data, &savedConfig) == nil {
				// 合并配置：保留文件中的LLM和引擎设置，使用最新的基础配置
				savedConfig.Port = baseConfig.Port
				savedConfig.DataDir = baseConfig.DataDir
				savedConfig.ContentDir = baseConfig.ContentDir
				savedConfig.LogDir = baseConfig.LogDir
				savedConfig.DebugMode = baseConfig.DebugMode

				if savedConfig.SnapshotLimit <= 0 {
					savedConfig.SnapshotLimit = 200
				}
				if savedConfig.GenerationTimeout <= 0 {
					savedConfig.GenerationTimeout = 120
				}

				// 如果文件中没有API密钥，使用环境变量的密钥
				if savedConfig.LLMConfig != nil && savedConfig.LLMConfig["api_key"] == "" {
					savedConfig.LLMConfig["api_key"] = baseConfig.APIKey
				}

				currentConfig = &savedConfig
			}
		}
	}

	return SaveConfig()
}

// GetCurrentConfig 返回当前配置的副本
func GetCurrentConfig() *AppConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if currentConfig == nil {
		// 紧急情况，返回一个基本配置
		baseConfig, _ := Load()
		return &AppConfig{
			Port:              baseConfig.Port,
			DataDir:           baseConfig.DataDir,
			ContentDir:        baseConfig.ContentDir,
			LogDir:            baseConfig.LogDir,
			DebugMode:         baseConfig.DebugMode,
			SnapshotLimit:     200,
			GenerationTimeout: 120,
			LLMProvider:       "openai",
			LLMConfig: map[string]string{
				"api_key": baseConfig.APIKey,
			},
		}
	}

	configCopy := *currentConfig
	return &configCopy
}

// UpdateLLMConfig 更新LLM配置
func UpdateLLMConfig(provider string, config map[string]string) error {
	configMutex.Lock()
	defer configMutex.Unlock()

	if currentConfig == nil {
		return fmt.Errorf("配置系统未初始化")
	}

	currentConfig.LLMProvider = provider
	currentConfig.LLMConfig = config

	return SaveConfig()
}

// SaveConfig 保存当前配置到文件
func SaveConfig() error {
	if currentConfig == nil {
		return fmt.Errorf("没有配置可保存")
	}

	dir := filepath.Dir(configFile)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("创建配置目录失败: %w", err)
		}
	}

	data, err := json.MarshalIndent(currentConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	return os.WriteFile(configFile, data, 0644)
}
