// internal/services/operations_test.go
package services

import (
	"context"
	"strings"
	"testing"

	apperrors "github.com/Corphon/ScriptFlowMCP/internal/errors"
	"github.com/Corphon/ScriptFlowMCP/internal/llm"
	"github.com/Corphon/ScriptFlowMCP/internal/models"
)

func TestMapDialogue_ForcesNeedsReview(t *testing.T) {
	env := newTestEnv(t)
	env.provider.setRespond(func(req llm.CompletionRequest) (string, error) {
		return `[
			{"dialogueChunk": "塔上的话", "locationTag": "Tower"},
			{"dialogueChunk": "不知道在哪说的", "locationTag": ""}
		]`, nil
	})

	op, _ := env.registry.Get(models.TaskMapDialogue)
	result, err := op.Run(context.Background(), models.TaskInput{
		Transcript: "测试转录",
		Locations:  []string{"Tower", "Market"},
	})
	if err != nil {
		t.Fatalf("对白映射执行失败: %v", err)
	}

	entries := result.([]models.DialogueEntry)
	if len(entries) != 2 {
		t.Fatalf("分段数不符: %d", len(entries))
	}
	for i, entry := range entries {
		// AI产出的分段一律待审核
		if entry.Status != models.DialogueNeedsReview {
			t.Errorf("第%d条分段状态应为needs_review, 实际 %q", i, entry.Status)
		}
	}
	if entries[1].LocationTag != models.LocationUnassigned {
		t.Errorf("空标签应回退为Unassigned, 实际 %q", entries[1].LocationTag)
	}
}

func TestMapDialogue_RejectsUnknownLocation(t *testing.T) {
	env := newTestEnv(t)
	env.provider.setRespond(func(req llm.CompletionRequest) (string, error) {
		return `[{"dialogueChunk": "某句话", "locationTag": "Beach"}]`, nil
	})

	op, _ := env.registry.Get(models.TaskMapDialogue)
	_, err := op.Run(context.Background(), models.TaskInput{
		Transcript: "测试转录",
		Locations:  []string{"Tower", "Market"},
	})
	if !apperrors.IsValidationError(err) {
		t.Fatalf("未知地点应产生校验错误, 实际 %v", err)
	}
	if !strings.Contains(err.Error(), "InvalidAIResponse") {
		t.Errorf("错误消息应标记为InvalidAIResponse: %v", err)
	}
}

func TestConductResearch_ForcesUnapprovedAndValidatesLocations(t *testing.T) {
	env := newTestEnv(t)
	env.provider.setRespond(func(req llm.CompletionRequest) (string, error) {
		return `{
			"Tower": [{"fact": "塔高368米", "approved": true}],
			"Market": [{"story": "三代人的摊位"}]
		}`, nil
	})

	op, _ := env.registry.Get(models.TaskConductResearch)
	result, err := op.Run(context.Background(), models.TaskInput{
		ApprovedNarrative: approvedProposal(),
	})
	if err != nil {
		t.Fatalf("研究执行失败: %v", err)
	}

	notes := result.(map[string][]models.ResearchNote)
	for location, locationNotes := range notes {
		for i, note := range locationNotes {
			// 候选素材一律从未批准开始，无视AI的声明
			if note.Approved {
				t.Errorf("地点 %q 第%d条素材不应是已批准状态", location, i)
			}
		}
	}

	// 叙事未引用的地点必须被拒绝
	env.provider.setRespond(func(req llm.CompletionRequest) (string, error) {
		return `{"Beach": [{"fact": "不相关的地点"}]}`, nil
	})
	narrative := approvedProposal()
	narrative.ID = "proposal_other"
	_, err = op.Run(context.Background(), models.TaskInput{ApprovedNarrative: narrative})
	if !apperrors.IsValidationError(err) {
		t.Fatalf("未引用地点应产生校验错误, 实际 %v", err)
	}
}

func TestDraftVoiceover_UnapprovedNotesNeverReachPrompt(t *testing.T) {
	env := newTestEnv(t)
	env.provider.setRespond(func(req llm.CompletionRequest) (string, error) {
		return `{"Tower": "塔的旁白", "Market": "市场的旁白"}`, nil
	})

	op, _ := env.registry.Get(models.TaskDraftVoiceover)
	_, err := op.Run(context.Background(), models.TaskInput{
		ApprovedNarrative: approvedProposal(),
		ResearchNotes: map[string][]models.ResearchNote{
			"Tower": {
				{Fact: "塔高368米", Approved: true},
				{Fact: "未批准的都市传说", Approved: false},
			},
		},
	})
	if err != nil {
		t.Fatalf("旁白起草失败: %v", err)
	}

	prompt := env.provider.lastPrompt()
	if !strings.Contains(prompt, "塔高368米") {
		t.Errorf("已批准素材应出现在提示词中")
	}
	if strings.Contains(prompt, "未批准的都市传说") {
		t.Errorf("未批准素材绝不能进入提示词")
	}
}

func TestDraftVoiceover_RejectsUnrequestedLocation(t *testing.T) {
	env := newTestEnv(t)
	env.provider.setRespond(func(req llm.CompletionRequest) (string, error) {
		return `{"Tower": "塔的旁白", "Beach": "多余的旁白"}`, nil
	})

	op, _ := env.registry.Get(models.TaskDraftVoiceover)
	_, err := op.Run(context.Background(), models.TaskInput{
		ApprovedNarrative: approvedProposal(),
	})
	if !apperrors.IsValidationError(err) {
		t.Fatalf("未请求地点应产生校验错误, 实际 %v", err)
	}
}

func TestProposalApply_AppendOnly(t *testing.T) {
	env := newTestEnv(t)

	bp := &models.Blueprint{
		VideoID: "v1",
		NarrativeProposals: []models.NarrativeProposal{
			{ID: "proposal_1", CoreAngle: "初版角度"},
		},
	}

	op, _ := env.registry.Get(models.TaskRefineNarrative)
	newProposal := &models.NarrativeProposal{ID: "proposal_2", CoreAngle: "细化后的角度"}
	if err := op.Apply(bp, newProposal); err != nil {
		t.Fatalf("合并提案失败: %v", err)
	}

	if len(bp.NarrativeProposals) != 2 {
		t.Fatalf("提案历史应追加而非替换: %d", len(bp.NarrativeProposals))
	}
	if bp.NarrativeProposals[0].CoreAngle != "初版角度" {
		t.Errorf("历史提案被改写: %q", bp.NarrativeProposals[0].CoreAngle)
	}
	if bp.CurrentProposal().ID != "proposal_2" {
		t.Errorf("当前提案应是最新一版: %q", bp.CurrentProposal().ID)
	}
}

func TestGenerateShotList_RejectsUnavailableFootage(t *testing.T) {
	env := newTestEnv(t)
	// Market没有drone素材
	env.provider.setRespond(func(req llm.CompletionRequest) (string, error) {
		return `[
			{
				"name": "违规序列",
				"type": "hook",
				"voiceover_script": "v",
				"on_camera_dialogue": "d",
				"locations": [{"name": "Market", "footage_types": ["drone"]}]
			}
		]`, nil
	})

	inventory := models.FootageInventory{
		"Tower":  {OnCamera: true, Drone: true},
		"Market": {OnCamera: true, BRoll: true},
	}

	op, _ := env.registry.Get(models.TaskGenerateShotList)
	_, err := op.Run(context.Background(), models.TaskInput{
		FinalScript:       []models.ScriptBlock{{Type: models.BlockVoiceover, Location: "Tower", Text: "v"}},
		ApprovedNarrative: approvedProposal(),
		Inventory:         inventory,
	})
	if !apperrors.IsValidationError(err) {
		t.Fatalf("库存外素材类型应产生校验错误, 实际 %v", err)
	}
}

func TestGenerateShotList_RejectsInvalidSequenceType(t *testing.T) {
	env := newTestEnv(t)
	env.provider.setRespond(func(req llm.CompletionRequest) (string, error) {
		return `[
			{
				"name": "类型非法",
				"type": "outro",
				"voiceover_script": "v",
				"on_camera_dialogue": "d",
				"locations": [{"name": "Tower", "footage_types": ["onCamera"]}]
			}
		]`, nil
	})

	op, _ := env.registry.Get(models.TaskGenerateShotList)
	_, err := op.Run(context.Background(), models.TaskInput{
		FinalScript:       []models.ScriptBlock{{Type: models.BlockVoiceover, Location: "Tower", Text: "v"}},
		ApprovedNarrative: approvedProposal(),
		Inventory:         models.FootageInventory{"Tower": {OnCamera: true}},
	})
	if !apperrors.IsValidationError(err) {
		t.Fatalf("非法序列类型应产生校验错误, 实际 %v", err)
	}
}

func TestAssembleScriptOperation_LocalAndDeterministic(t *testing.T) {
	env := newTestEnv(t)
	// 不注入应答函数：装配是本地操作，不应触发AI调用

	op, _ := env.registry.Get(models.TaskAssembleScript)
	result, err := op.Run(context.Background(), models.TaskInput{
		ApprovedNarrative: approvedProposal(),
		DialogueMap: []models.DialogueEntry{
			{DialogueChunk: "塔的对白", LocationTag: "Tower", Status: models.DialogueConfirmed},
		},
		DraftScript: map[string]string{"Tower": "塔的旁白", "Market": "市场的旁白"},
	})
	if err != nil {
		t.Fatalf("装配执行失败: %v", err)
	}

	assembled := result.(*AssembleResult)
	if len(assembled.FinalScript) == 0 {
		t.Fatalf("装配结果为空")
	}
	if len(env.provider.prompts) != 0 {
		t.Errorf("装配不应调用AI提供者, 实际调用 %d 次", len(env.provider.prompts))
	}
}

func TestRefineScript_RewritesRequestedViewOnly(t *testing.T) {
	env := newTestEnv(t)
	env.provider.setRespond(func(req llm.CompletionRequest) (string, error) {
		return `{"recordableVoiceover": "润色后的整段旁白"}`, nil
	})

	op, _ := env.registry.Get(models.TaskRefineScript)
	result, err := op.Run(context.Background(), models.TaskInput{
		View:      ViewRecordableVoiceover,
		Voiceover: "原始旁白",
		Feedback:  "语气更轻快一点",
	})
	if err != nil {
		t.Fatalf("全局润色失败: %v", err)
	}

	refined := result.(*refineScriptResult)
	if refined.RecordableVoiceover != "润色后的整段旁白" {
		t.Errorf("润色结果不符: %q", refined.RecordableVoiceover)
	}
	if refined.FinalScript != nil {
		t.Errorf("未请求的视图不应被改写")
	}

	bp := &models.Blueprint{
		VideoID:             "v1",
		FinalScript:         []models.ScriptBlock{{Type: models.BlockVoiceover, Location: "Tower", Text: "旧文本"}},
		RecordableVoiceover: "原始旁白",
	}
	if err := op.Apply(bp, refined); err != nil {
		t.Fatalf("合并润色结果失败: %v", err)
	}
	if bp.RecordableVoiceover != "润色后的整段旁白" {
		t.Errorf("可录旁白未更新: %q", bp.RecordableVoiceover)
	}
	if bp.FinalScript[0].Text != "旧文本" {
		t.Errorf("成稿视图不应被改动: %q", bp.FinalScript[0].Text)
	}
}

func TestGenerateBlueprint_ValidatesShotsAgainstInventory(t *testing.T) {
	env := newTestEnv(t)
	env.provider.setRespond(func(req llm.CompletionRequest) (string, error) {
		return `[
			{
				"location": "Tower",
				"shot_type": "bRoll",
				"shot_description": "塔的空镜",
				"estimated_time_seconds": 10
			}
		]`, nil
	})

	op, _ := env.registry.Get(models.TaskGenerateBlueprint)
	_, err := op.Run(context.Background(), models.TaskInput{
		Transcript: "测试转录",
		Inventory:  models.FootageInventory{"Tower": {OnCamera: true, Drone: true}},
	})
	// Tower没有bRoll素材
	if !apperrors.IsValidationError(err) {
		t.Fatalf("库存外分镜类型应产生校验错误, 实际 %v", err)
	}
}
