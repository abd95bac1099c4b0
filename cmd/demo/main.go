// cmd/demo/main.go
// 演示程序：使用固定应答的演示提供者，离线走完整条编辑流水线。
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/Corphon/ScriptFlowMCP/internal/llm"
	"github.com/Corphon/ScriptFlowMCP/internal/models"
	"github.com/Corphon/ScriptFlowMCP/internal/services"
	"github.com/Corphon/ScriptFlowMCP/internal/storage"
)

// demoProvider 按提示词内容返回固定JSON的演示提供者
type demoProvider struct{}

func (p *demoProvider) Initialize(config map[string]string) error { return nil }
func (p *demoProvider) GetName() string                           { return "demo" }
func (p *demoProvider) GetSupportedModels() []string              { return []string{"demo-1"} }

func (p *demoProvider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var text string
	switch {
	case strings.Contains(req.Prompt, "dialogue chunks"):
		text = `[
			{"dialogueChunk": "这里就是全城最高的观景台，风有点大。", "locationTag": "Tower"},
			{"dialogueChunk": "下面这个市场据说凌晨四点就开张了。", "locationTag": "Market"}
		]`
	case strings.Contains(req.Prompt, "propose ONE narrative"),
		strings.Contains(req.Prompt, "Produce one new proposal"):
		text = `{
			"coreAngle": "从城市最高点到最早醒来的角落",
			"narrativeArc": [
				{"step": 1, "description": "在高塔俯瞰全城，抛出悬念", "locations_featured": ["Tower"]},
				{"step": 2, "description": "潜入凌晨的市场，揭示城市的另一面", "locations_featured": ["Market"]}
			],
			"valueAddResearch": [
				{"location": "Tower", "topics": ["建造年代"]},
				{"location": "Market", "topics": ["历史沿革"]}
			]
		}`
	case strings.Contains(req.Prompt, "research notes"):
		text = `{
			"Tower": [{"fact": "塔高368米，建成于1994年。", "approved": false}],
			"Market": [{"story": "最早的摊主一家已经在这里经营了三代。", "approved": false}]
		}`
	case strings.Contains(req.Prompt, "Draft voiceover"):
		text = `{
			"Tower": "站在368米的高空，整座城市在脚下铺开。",
			"Market": "而城市真正醒来的地方，是这个凌晨四点的市场。"
		}`
	case strings.Contains(req.Prompt, "editing sequence"):
		text = `[
			{
				"name": "开场悬念",
				"type": "hook",
				"voiceover_script": "站在368米的高空，整座城市在脚下铺开。",
				"on_camera_dialogue": "这里就是全城最高的观景台，风有点大。",
				"locations": [{"name": "Tower", "footage_types": ["onCamera", "drone"]}]
			},
			{
				"name": "市场段落",
				"type": "content",
				"voiceover_script": "而城市真正醒来的地方，是这个凌晨四点的市场。",
				"on_camera_dialogue": "下面这个市场据说凌晨四点就开张了。",
				"locations": [{"name": "Market", "footage_types": ["onCamera", "bRoll"]}]
			}
		]`
	default:
		return nil, fmt.Errorf("演示提供者无法识别的提示词")
	}

	return &llm.CompletionResponse{
		Text:         text,
		FinishReason: "stop",
		ModelName:    "demo-1",
		ProviderName: "demo",
	}, nil
}

func main() {
	log.Println("🚀 ScriptFlowMCP 流水线演示")

	dataDir, err := os.MkdirTemp("", "scriptflow-demo-*")
	if err != nil {
		log.Fatalf("❌ 创建临时目录失败: %v", err)
	}
	defer os.RemoveAll(dataDir)

	fileStorage, err := storage.NewFileStorage(dataDir)
	if err != nil {
		log.Fatalf("❌ 初始化存储失败: %v", err)
	}

	locks := services.NewLockManager()
	blueprints := services.NewBlueprintService(fileStorage, locks)
	llmService := services.NewLLMServiceWithProvider(&demoProvider{}, "demo")
	registry := services.NewOperationRegistry(llmService)
	tasks := services.NewTaskService(registry, blueprints)
	workflow := services.NewWorkflowService(blueprints, tasks)

	const videoID = "demo-video"

	// 1. 建档：视频与素材库
	must(blueprints.SaveVideo(&models.Video{
		ID:    videoID,
		Title: "城市二十四小时",
		Inventory: models.FootageInventory{
			"Tower":  {OnCamera: true, Drone: true},
			"Market": {OnCamera: true, BRoll: true},
		},
	}))
	_, err = blueprints.EnsureBlueprint(videoID)
	must(err)

	// 2. 录入转录并做对白映射
	_, _, err = workflow.SetTranscript(videoID,
		"这里就是全城最高的观景台，风有点大。下面这个市场据说凌晨四点就开张了。")
	must(err)

	task, err := workflow.SubmitMapDialogue(videoID)
	must(err)
	waitForTask(tasks, task.ID)
	log.Println("✅ 对白映射完成")

	// 3. 确认全部对白归属
	bp, err := workflow.GetBlueprint(videoID)
	must(err)
	for i := range bp.DialogueMap {
		_, err = workflow.ConfirmDialogueEntry(videoID, i)
		must(err)
	}

	// 4. 叙事提案与批准（批准自动触发研究任务）
	task, err = workflow.SubmitProposeNarrative(videoID)
	must(err)
	waitForTask(tasks, task.ID)
	log.Println("✅ 叙事提案完成")

	task, err = workflow.ApproveNarrative(videoID)
	must(err)
	waitForTask(tasks, task.ID)
	log.Println("✅ 研究素材收集完成")

	// 5. 批准全部研究素材并起草旁白
	bp, err = workflow.GetBlueprint(videoID)
	must(err)
	for location, notes := range bp.ResearchNotes {
		for i := range notes {
			_, err = workflow.SetResearchNoteApproval(videoID, location, i, true)
			must(err)
		}
	}

	task, err = workflow.ApproveResearch(videoID)
	must(err)
	waitForTask(tasks, task.ID)
	log.Println("✅ 旁白草稿完成")

	// 6. 装配成稿并推进到旁白录制
	task, err = workflow.SubmitAssembleScript(videoID)
	must(err)
	waitForTask(tasks, task.ID)

	_, err = workflow.AdvanceToVoiceoverRecording(videoID)
	must(err)
	log.Println("✅ 成稿装配完成，进入旁白录制")

	// 7. 生成剪辑清单并定稿
	task, err = workflow.SubmitGenerateShotList(videoID)
	must(err)
	waitForTask(tasks, task.ID)

	bp, err = workflow.MarkFinal(videoID)
	must(err)
	log.Println("✅ 已定稿")

	// 输出最终蓝图
	data, _ := json.MarshalIndent(bp, "", "  ")
	fmt.Println(string(data))
}

// waitForTask 轮询任务直到终态
func waitForTask(tasks *services.TaskService, taskID string) {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		task, err := tasks.Status(taskID)
		must(err)
		if task.Status == models.TaskComplete {
			return
		}
		if task.Status == models.TaskFailed {
			log.Fatalf("❌ 任务失败: %s", task.Error)
		}
		time.Sleep(20 * time.Millisecond)
	}
	log.Fatalf("❌ 等待任务超时: %s", taskID)
}

func must(err error) {
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
}
