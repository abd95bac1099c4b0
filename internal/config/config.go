// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
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
	Port      string `json:"port"`
	DataDir   string `json:"data_dir"`
	LogDir    string `json:"log_dir"`
	DebugMode bool   `json:"debug_mode"`

	// 工作流相关配置
	AutosaveDebounceMS int `json:"autosave_debounce_ms"` // 自动保存静默窗口
	TaskRetentionHours int `json:"task_retention_hours"` // 终态任务的保留时长

	// LLM相关配置
	LLMProvider string            `json:"llm_provider"`
	LLMConfig   map[string]string `json:"llm_config"`
}

// Load 从环境变量加载配置
func Load() (*AppConfig, error) {
	// 尝试加载.env文件（可选）
	godotenv.Load()

	config := &AppConfig{
		Port:               getEnv("PORT", "8080"),
		DataDir:            getEnvPath("DATA_DIR", "data"),
		LogDir:             getEnvPath("LOG_DIR", "logs"),
		DebugMode:          getEnvBool("DEBUG_MODE", true),
		AutosaveDebounceMS: getEnvInt("AUTOSAVE_DEBOUNCE_MS", 2000),
		TaskRetentionHours: getEnvInt("TASK_RETENTION_HOURS", 24),
		LLMProvider:        getEnv("LLM_PROVIDER", "openai"),
		LLMConfig: map[string]string{
			"api_key":       getEnv("LLM_API_KEY", ""),
			"default_model": getEnv("LLM_DEFAULT_MODEL", ""),
		},
	}

	if config.LLMConfig["api_key"] == "" {
		// 只记录警告，不返回错误：未配置密钥时AI操作网关保持待命状态
		log.Println("警告: 未设置LLM API密钥，AI编辑操作在配置密钥前不可用")
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

// getEnvInt 获取整数类型环境变量
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

// InitConfig 初始化配置管理器：环境变量为基准，合并已保存的LLM设置
func InitConfig(dataDir string) error {
	configFile = filepath.Join(dataDir, "config.json")

	baseConfig, err := Load()
	if err != nil {
		return err
	}

	configMutex.Lock()
	defer configMutex.Unlock()

	currentConfig = baseConfig

	// 尝试从文件加载已保存的配置
	if _, err := os.Stat(configFile); !os.IsNotExist(err) {
		data, err := os.ReadFile(configFile)
		if err == nil {
			var savedConfig AppConfig
			if json.Unmarshal(data, &savedConfig) == nil {
				// 基础配置以环境变量为准，LLM设置以文件为准
				savedConfig.Port = baseConfig.Port
				savedConfig.DataDir = baseConfig.DataDir
				savedConfig.LogDir = baseConfig.LogDir
				savedConfig.DebugMode = baseConfig.DebugMode
				if savedConfig.AutosaveDebounceMS <= 0 {
					savedConfig.AutosaveDebounceMS = baseConfig.AutosaveDebounceMS
				}
				if savedConfig.TaskRetentionHours <= 0 {
					savedConfig.TaskRetentionHours = baseConfig.TaskRetentionHours
				}

				if savedConfig.LLMConfig != nil && savedConfig.LLMConfig["api_key"] == "" {
					savedConfig.LLMConfig["api_key"] = baseConfig.LLMConfig["api_key"]
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
		baseConfig, _ := Load()
		return baseConfig
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

// SaveConfig 保存当前配置到文件。调用方需持有configMutex
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
