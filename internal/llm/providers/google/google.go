// internal/llm/providers/google/google.go
package google

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
	llm.Register("google", func() llm.Provider {
		return &Provider{
			models: []string{
				"gemini-2.5-pro",
				"gemini-2.5-flash",
			},
			baseURL: "https://generativelanguage.googleapis.com/v1beta",
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
		return errors.New("google_api密钥未提供")
	}

	p.apiKey = apiKey
	p.client = &http.Client{}

	if model, exists := config["default_model"]; exists && model != "" {
		p.defaultModel = model
	} else {
		p.defaultModel = "gemini-2.5-flash"
	}

	if baseURL, exists := config["base_url"]; exists && baseURL != "" {
		p.baseURL = baseURL
	}

	return nil
}

func (p *Provider) GetName() string {
	return "google gemini"
}

func (p *Provider) GetSupportedModels() []string {
	return p.models
}

func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	generationConfig := map[string]interface{}{
		"temperature": req.Temperature,
	}
	if req.MaxTokens > 0 {
		generationConfig["maxOutputTokens"] = req.MaxTokens
	}
	if len(req.StopWords) > 0 {
		generationConfig["stopSequences"] = req.StopWords
	}
	if req.JSONMode {
		// 结构化输出：要求Gemini直接返回JSON
		generationConfig["responseMimeType"] = "application/json"
	}

	requestBody := map[string]interface{}{
		"contents": []map[string]interface{}{
			{"role": "user", "parts": []map[string]string{{"text": req.Prompt}}},
		},
		"generationConfig": generationConfig,
	}

	if req.SystemPrompt != "" {
		requestBody["systemInstruction"] = map[string]interface{}{
			"parts": []map[string]string{{"text": req.SystemPrompt}},
		}
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, err
	}

	apiURL := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, model, p.apiKey)

	httpReq, err := http.NewRequestWithContext(ctx, "POST", apiURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

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
		return nil, fmt.Errorf("gemini API错误 (状态码 %d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
		UsageMetadata struct {
			PromptTokenCount     int `json:"promptTokenCount"`
			CandidatesTokenCount int `json:"candidatesTokenCount"`
			TotalTokenCount      int `json:"totalTokenCount"`
		} `json:"usageMetadata"`
	}

	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("解析gemini响应失败: %w", err)
	}

	if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
		return nil, errors.New("gemini响应中没有候选内容")
	}

	var text string
	for _, part := range result.Candidates[0].Content.Parts {
		text += part.Text
	}

	return &llm.CompletionResponse{
		Text:         text,
		FinishReason: result.Candidates[0].FinishReason,
		TokensUsed:   result.UsageMetadata.TotalTokenCount,
		PromptTokens: result.UsageMetadata.PromptTokenCount,
		OutputTokens: result.UsageMetadata.CandidatesTokenCount,
		ModelName:    model,
		ProviderName: "google gemini",
	}, nil
}
