// internal/llm/providers/openai/openai.go
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/Corphon/ScriptFlowMCP/internal/llm"
)

func init() {
	llm.Register("openai", func() llm.Provider {
		return &Provider{
			models: []string{
				"gpt-4.1",
				"gpt-4.1-mini",
				"gpt-4o",
			},
			baseURL: "https://api.openai.com/v1",
		}
	})
}

type Provider struct {
	apiKey       string
	baseURL      string
	client       *http.Client
	defaultModel string
	models       []string
}

func (p *Provider) Initialize(config map[string]string) error {
	apiKey, exists := config["api_key"]
	if !exists || apiKey == "" {
		return errors.New("openai_api密钥未提供")
	}

	p.apiKey = apiKey
	p.client = &http.Client{}

	if model, exists := config["default_model"]; exists && model != "" {
		p.defaultModel = model
	} else {
		p.defaultModel = "gpt-4.1-mini"
	}

	if baseURL, exists := config["base_url"]; exists && baseURL != "" {
		p.baseURL = baseURL
	}

	return nil
}

func (p *Provider) GetName() string {
	return "openai"
}

func (p *Provider) GetSupportedModels() []string {
	return p.models
}

func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages := []map[string]string{}
	if req.SystemPrompt != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.SystemPrompt})
	}
	messages = append(messages, map[string]string{"role": "user", "content": req.Prompt})

	requestBody := map[string]interface{}{
		"model":    model,
		"messages": messages,
	}

	if req.Temperature > 0 {
		requestBody["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		requestBody["max_tokens"] = req.MaxTokens
	}
	if len(req.StopWords) > 0 {
		requestBody["stop"] = req.StopWords
	}
	if req.JSONMode {
		// 结构化输出：强制返回合法JSON对象
		requestBody["response_format"] = map[string]string{"type": "json_object"}
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		"POST",
		p.baseURL+"/chat/completions",
		bytes.NewBuffer(jsonData),
	)
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai API错误 (状态码 %d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
		Model string `json:"model"`
	}

	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("解析openai响应失败: %w", err)
	}

	if len(result.Choices) == 0 {
		return nil, errors.New("openai响应中没有choices")
	}

	return &llm.CompletionResponse{
		Text:         result.Choices[0].Message.Content,
		FinishReason: result.Choices[0].FinishReason,
		TokensUsed:   result.Usage.TotalTokens,
		PromptTokens: result.Usage.PromptTokens,
		OutputTokens: result.Usage.CompletionTokens,
		ModelName:    result.Model,
		ProviderName: "openai",
	}, nil
}
