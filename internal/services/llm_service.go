// internal/services/llm_service.go
package services

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/Corphon/ScriptFlowMCP/internal/config"
	"github.com/Corphon/ScriptFlowMCP/internal/llm"
	"github.com/Corphon/ScriptFlowMCP/internal/utils"
)

var ErrLLMNotReady = errors.New("llm service not ready")

var providerDefaultModels = map[string]string{
	"openai": "gpt-4.1-mini",
	"google": "gemini-2.5-flash",
}

// LLMService 提供统一的大语言模型调用接口。
// AI操作网关只通过CreateStructuredCompletion消费该服务：
// 传入提示词与输出结构，得到已解析的结构化结果或错误。
type LLMService struct {
	providerMutex      sync.RWMutex
	provider           llm.Provider
	providerName       string
	cache              *LLMCache
	isReady            bool
	readyState         string
	activeDefaultModel string
}

// LLMCache 响应缓存：同样的提示词在过期前直接复用
type LLMCache struct {
	cache      map[string]*llmCacheEntry
	mutex      sync.RWMutex
	expiration time.Duration
}

type llmCacheEntry struct {
	Text      string
	CreatedAt time.Time
}

// NewLLMService 从当前配置创建LLM服务
func NewLLMService() (*LLMService, error) {
	service := createBaseLLMService()

	cfg := config.GetCurrentConfig()
	if cfg == nil {
		service.readyState = "无法获取配置"
		return service, nil
	}

	if cfg.LLMProvider == "" || cfg.LLMConfig == nil || cfg.LLMConfig["api_key"] == "" {
		service.readyState = "API密钥未配置"
		return service, nil
	}

	provider, err := llm.GetProvider(cfg.LLMProvider, cfg.LLMConfig)
	if err != nil {
		service.readyState = fmt.Sprintf("初始化失败: %v", err)
		return service, nil // 返回未就绪服务而不是错误
	}

	service.provider = provider
	service.providerName = cfg.LLMProvider
	service.activeDefaultModel = cfg.LLMConfig["default_model"]
	service.isReady = true
	service.readyState = "Ready"

	return service, nil
}

// NewLLMServiceWithProvider 使用给定提供者创建服务（测试与演示场景）
func NewLLMServiceWithProvider(provider llm.Provider, name string) *LLMService {
	service := createBaseLLMService()
	service.provider = provider
	service.providerName = name
	service.isReady = true
	service.readyState = "Ready"
	return service
}

// NewEmptyLLMService 创建一个空的LLM服务实例作为后备方案
func NewEmptyLLMService() *LLMService {
	service := createBaseLLMService()
	service.providerName = "empty"
	service.readyState = "待命模式 – 请先配置API密钥"
	return service
}

func createBaseLLMService() *LLMService {
	return &LLMService{
		readyState: "Uninitialized",
		cache: &LLMCache{
			cache:      make(map[string]*llmCacheEntry),
			expiration: 30 * time.Minute,
		},
	}
}

// Reconfigure 按当前配置重建提供者。
// 配置更新接口调用该方法热切换提供者，持有本服务引用的组件无需感知。
func (s *LLMService) Reconfigure() error {
	cfg := config.GetCurrentConfig()
	if cfg == nil || cfg.LLMProvider == "" || cfg.LLMConfig == nil || cfg.LLMConfig["api_key"] == "" {
		s.providerMutex.Lock()
		defer s.providerMutex.Unlock()
		s.provider = nil
		s.isReady = false
		s.readyState = "API密钥未配置"
		return nil
	}

	provider, err := llm.GetProvider(cfg.LLMProvider, cfg.LLMConfig)
	if err != nil {
		s.providerMutex.Lock()
		defer s.providerMutex.Unlock()
		s.isReady = false
		s.readyState = fmt.Sprintf("初始化失败: %v", err)
		return err
	}

	s.providerMutex.Lock()
	defer s.providerMutex.Unlock()
	s.provider = provider
	s.providerName = cfg.LLMProvider
	s.activeDefaultModel = cfg.LLMConfig["default_model"]
	s.isReady = true
	s.readyState = "Ready"
	return nil
}

// IsReady 返回服务是否已就绪
func (s *LLMService) IsReady() bool {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.provider != nil && s.isReady
}

// GetReadyState 返回服务就绪状态描述
func (s *LLMService) GetReadyState() string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.readyState
}

// GetProviderName 返回当前提供者名称
func (s *LLMService) GetProviderName() string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.providerName
}

// resolveModel 确定本次调用使用的模型
func (s *LLMService) resolveModel(requested string) string {
	if requested != "" {
		return requested
	}
	if s.activeDefaultModel != "" {
		return s.activeDefaultModel
	}
	if m, ok := providerDefaultModels[s.providerName]; ok {
		return m
	}
	return ""
}

// CreateStructuredCompletion 结构化输出调用：
// AI必须按outputSchema的形状返回JSON，否则视为错误。
// 调用方负责对解析结果做领域校验，这里只保证形状可解析。
func (s *LLMService) CreateStructuredCompletion(ctx context.Context, prompt string, systemPrompt string, outputSchema interface{}) error {
	s.providerMutex.RLock()
	if !s.isReady || s.provider == nil {
		state := s.readyState
		s.providerMutex.RUnlock()
		return fmt.Errorf("%w: %s", ErrLLMNotReady, state)
	}
	provider := s.provider
	s.providerMutex.RUnlock()

	model := s.resolveModel("")
	cacheKey := s.generateCacheKey(prompt, systemPrompt, model)

	// 检查缓存
	if text, ok := s.cache.get(cacheKey); ok {
		if err := json.Unmarshal([]byte(text), outputSchema); err == nil {
			return nil
		}
		// 缓存内容解析失败则废弃，继续真实调用
	}

	// 修改系统提示以请求特定格式
	structuredSystemPrompt := systemPrompt
	if structuredSystemPrompt != "" {
		structuredSystemPrompt += "\n\n"
	}
	structuredSystemPrompt += "Return your response in valid JSON format, following the provided output schema, without adding explanations or preambles."

	req := llm.CompletionRequest{
		Prompt:       prompt,
		SystemPrompt: structuredSystemPrompt,
		Temperature:  0.3,
		Model:        model,
		JSONMode:     true,
	}

	start := time.Now()
	resp, err := provider.CompleteText(ctx, req)
	if err != nil {
		return err
	}
	utils.NewAPIMetrics().RecordLLMRequest(s.providerName, model, resp.TokensUsed, time.Since(start))

	text := cleanJSONString(resp.Text)

	if err := json.Unmarshal([]byte(text), outputSchema); err != nil {
		return fmt.Errorf("failed to parse AI response into structured data: %w\nAI return: %s", err, text)
	}

	s.cache.set(cacheKey, text)
	utils.GetLogger().Debug("LLM结构化调用完成", map[string]interface{}{
		"provider": s.providerName,
		"model":    model,
		"tokens":   resp.TokensUsed,
	})

	return nil
}

// generateCacheKey 生成缓存键
func (s *LLMService) generateCacheKey(prompt, systemPrompt, model string) string {
	sum := md5.Sum([]byte(prompt + "\x00" + systemPrompt + "\x00" + model))
	return fmt.Sprintf("%x", sum)
}

func (c *LLMCache) get(key string) (string, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	entry, exists := c.cache[key]
	if !exists || time.Since(entry.CreatedAt) > c.expiration {
		return "", false
	}
	return entry.Text, true
}

func (c *LLMCache) set(key, text string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.cache[key] = &llmCacheEntry{Text: text, CreatedAt: time.Now()}
}

// 清理JSON字符串，去除前后非JSON内容
var jsonNoiseReplacer = strings.NewReplacer(
	"```json", "",
	"```", "",
	"\ufeff", "",
	"\u00a0", " ",
	"\u2028", "\n",
	"\u2029", "\n",
)

func cleanJSONString(s string) string {
	if s == "" {
		return s
	}

	// 统一去掉Markdown围栏等常见噪声
	s = jsonNoiseReplacer.Replace(s)
	s = strings.TrimSpace(s)

	// 移除零宽字符及除换行/制表符外的控制字符
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\u2060', '\ufeff':
			return -1
		}
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	// 查找第一个 { 或 [，将其之前的内容全部丢弃
	start := strings.IndexAny(s, "[{")
	if start == -1 {
		return s
	}

	s = strings.TrimSpace(s[start:])
	if s == "" {
		return s
	}

	isArray := s[0] == '['

	// 简单的括号计数匹配，截取第一个完整JSON值
	balance := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		char := s[i]

		if escaped {
			escaped = false
			continue
		}
		if char == '\\' {
			escaped = true
			continue
		}
		if char == '"' {
			inString = !inString
			continue
		}

		if !inString {
			if isArray {
				if char == '[' {
					balance++
				} else if char == ']' {
					balance--
				}
			} else {
				if char == '{' {
					balance++
				} else if char == '}' {
					balance--
				}
			}

			if balance == 0 {
				return strings.TrimSpace(s[:i+1])
			}
		}
	}

	// 没找到匹配的结束符时，回退到找最后一个
	end := strings.LastIndex(s, "}")
	if isArray {
		end = strings.LastIndex(s, "]")
	}
	if end != -1 {
		return strings.TrimSpace(s[:end+1])
	}

	return strings.TrimSpace(s)
}

// CleanLLMJSONResponse 提供给外部调用的JSON清洗助手
func CleanLLMJSONResponse(raw string) string {
	return cleanJSONString(raw)
}
