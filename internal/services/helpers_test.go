// internal/services/helpers_test.go
package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Corphon/ScriptFlowMCP/internal/llm"
	"github.com/Corphon/ScriptFlowMCP/internal/models"
	"github.com/Corphon/ScriptFlowMCP/internal/storage"
)

// scriptedProvider 按注入的应答函数返回内容，并记录收到的提示词
type scriptedProvider struct {
	mu      sync.Mutex
	respond func(req llm.CompletionRequest) (string, error)
	prompts []string
}

func (p *scriptedProvider) Initialize(config map[string]string) error { return nil }
func (p *scriptedProvider) GetName() string                           { return "scripted" }
func (p *scriptedProvider) GetSupportedModels() []string              { return []string{"scripted-1"} }

func (p *scriptedProvider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.prompts = append(p.prompts, req.Prompt)
	respond := p.respond
	p.mu.Unlock()

	text, err := respond(req)
	if err != nil {
		return nil, err
	}
	return &llm.CompletionResponse{Text: text, FinishReason: "stop"}, nil
}

func (p *scriptedProvider) setRespond(fn func(req llm.CompletionRequest) (string, error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.respond = fn
}

func (p *scriptedProvider) lastPrompt() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.prompts) == 0 {
		return ""
	}
	return p.prompts[len(p.prompts)-1]
}

// testEnv 一套完整的服务栈，落盘到测试临时目录
type testEnv struct {
	provider   *scriptedProvider
	storage    *storage.FileStorage
	locks      *LockManager
	blueprints *BlueprintService
	llm        *LLMService
	registry   *OperationRegistry
	tasks      *TaskService
	workflow   *WorkflowService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	fs, err := storage.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("初始化测试存储失败: %v", err)
	}

	provider := &scriptedProvider{
		respond: func(req llm.CompletionRequest) (string, error) {
			return "", errors.New("测试未注入应答函数")
		},
	}

	locks := NewLockManager()
	blueprints := NewBlueprintService(fs, locks)
	llmService := NewLLMServiceWithProvider(provider, "scripted")
	registry := NewOperationRegistry(llmService)
	tasks := NewTaskService(registry, blueprints)
	tasks.SetTimeout(5 * time.Second)

	return &testEnv{
		provider:   provider,
		storage:    fs,
		locks:      locks,
		blueprints: blueprints,
		llm:        llmService,
		registry:   registry,
		tasks:      tasks,
		workflow:   NewWorkflowService(blueprints, tasks),
	}
}

// seedVideo 建立带双地点素材库的视频与初始蓝图
func (env *testEnv) seedVideo(t *testing.T, videoID string) *models.Blueprint {
	t.Helper()

	err := env.blueprints.SaveVideo(&models.Video{
		ID:    videoID,
		Title: "测试视频",
		Inventory: models.FootageInventory{
			"Tower":  {OnCamera: true, Drone: true},
			"Market": {OnCamera: true, BRoll: true},
		},
	})
	if err != nil {
		t.Fatalf("保存测试视频失败: %v", err)
	}

	bp, err := env.blueprints.EnsureBlueprint(videoID)
	if err != nil {
		t.Fatalf("初始化测试蓝图失败: %v", err)
	}
	return bp
}

// waitTask 等待任务进入终态
func (env *testEnv) waitTask(t *testing.T, taskID string) *models.Task {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := env.tasks.Status(taskID)
		if err != nil {
			t.Fatalf("查询任务失败: %v", err)
		}
		if task.Status.IsTerminal() {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("等待任务超时: %s", taskID)
	return nil
}

// approvedProposal 构造一份已批准形态的叙事提案
func approvedProposal() *models.NarrativeProposal {
	return &models.NarrativeProposal{
		ID:        "proposal_test",
		CoreAngle: "从高塔到市场",
		NarrativeArc: []models.ArcStep{
			{Step: 1, Description: "高塔开场", LocationsFeatured: []string{"Tower"}},
			{Step: 2, Description: "市场收尾", LocationsFeatured: []string{"Market"}},
		},
	}
}
