// internal/services/operations.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/Corphon/ScriptFlowMCP/internal/errors"
	"github.com/Corphon/ScriptFlowMCP/internal/models"
)

// Operation 一个已注册的编辑操作：
// Run 执行AI调用（或本地算法）并返回已通过形状校验的结果；
// Apply 把成功结果合并进蓝图并推进工作流状态，由编排器在蓝图锁内调用。
type Operation struct {
	Type  models.TaskType
	Stage models.WorkflowStatus // 操作所属的工作流阶段，用于错误归属
	Run   func(ctx context.Context, input models.TaskInput) (interface{}, error)
	Apply func(bp *models.Blueprint, result interface{}) error
}

// OperationRegistry 显式的操作注册表：启动时构建一次，
// 以引用传给编排器，不依赖任何包级可变状态。
type OperationRegistry struct {
	ops map[models.TaskType]*Operation
}

// Get 按操作名查找
func (r *OperationRegistry) Get(t models.TaskType) (*Operation, bool) {
	op, ok := r.ops[t]
	return op, ok
}

// Types 返回所有已注册的操作名
func (r *OperationRegistry) Types() []models.TaskType {
	types := make([]models.TaskType, 0, len(r.ops))
	for t := range r.ops {
		types = append(types, t)
	}
	return types
}

// NewOperationRegistry 构建全部编辑操作
func NewOperationRegistry(llmSvc *LLMService) *OperationRegistry {
	r := &OperationRegistry{ops: make(map[models.TaskType]*Operation)}

	register := func(op *Operation) {
		r.ops[op.Type] = op
	}

	register(&Operation{
		Type:  models.TaskMapDialogue,
		Stage: models.StatusTranscriptInput,
		Run:   mapDialogueRun(llmSvc),
		Apply: applyTyped(func(bp *models.Blueprint, entries []models.DialogueEntry) error {
			bp.DialogueMap = entries
			bp.WorkflowStatus = models.StatusDialogueMapping
			return nil
		}),
	})

	register(&Operation{
		Type:  models.TaskProposeNarrative,
		Stage: models.StatusDialogueMapping,
		Run:   proposeNarrativeRun(llmSvc),
		Apply: applyTyped(func(bp *models.Blueprint, proposal *models.NarrativeProposal) error {
			// 提案历史只追加
			bp.NarrativeProposals = append(bp.NarrativeProposals, *proposal)
			bp.WorkflowStatus = models.StatusNarrativeRefinement
			return nil
		}),
	})

	register(&Operation{
		Type:  models.TaskRefineNarrative,
		Stage: models.StatusNarrativeRefinement,
		Run:   refineNarrativeRun(llmSvc),
		Apply: applyTyped(func(bp *models.Blueprint, proposal *models.NarrativeProposal) error {
			bp.NarrativeProposals = append(bp.NarrativeProposals, *proposal)
			bp.WorkflowStatus = models.StatusNarrativeRefinement
			return nil
		}),
	})

	register(&Operation{
		Type:  models.TaskConductResearch,
		Stage: models.StatusNarrativeRefinement,
		Run:   conductResearchRun(llmSvc),
		Apply: applyTyped(func(bp *models.Blueprint, notes map[string][]models.ResearchNote) error {
			bp.ResearchNotes = notes
			bp.WorkflowStatus = models.StatusResearchApproval
			return nil
		}),
	})

	register(&Operation{
		Type:  models.TaskDraftVoiceover,
		Stage: models.StatusResearchApproval,
		Run:   draftVoiceoverRun(llmSvc),
		Apply: applyTyped(func(bp *models.Blueprint, draft map[string]string) error {
			bp.DraftScript = draft
			bp.WorkflowStatus = models.StatusDraftReview
			return nil
		}),
	})

	register(&Operation{
		Type:  models.TaskAssembleScript,
		Stage: models.StatusDraftReview,
		Run:   assembleScriptRun(),
		Apply: applyTyped(func(bp *models.Blueprint, result *AssembleResult) error {
			bp.FinalScript = result.FinalScript
			bp.RecordableVoiceover = result.RecordableVoiceover
			return nil
		}),
	})

	register(&Operation{
		Type:  models.TaskRefineScript,
		Stage: models.StatusDraftReview,
		Run:   refineScriptRun(llmSvc),
		Apply: applyTyped(func(bp *models.Blueprint, result *refineScriptResult) error {
			if len(result.FinalScript) > 0 {
				bp.FinalScript = result.FinalScript
			}
			if result.RecordableVoiceover != "" {
				bp.RecordableVoiceover = result.RecordableVoiceover
			}
			return nil
		}),
	})

	register(&Operation{
		Type:  models.TaskGenerateShotList,
		Stage: models.StatusVoiceoverRecording,
		Run:   generateShotListRun(llmSvc),
		Apply: applyTyped(func(bp *models.Blueprint, sequences []models.EditingSequence) error {
			bp.EditingShotList = sequences
			return nil
		}),
	})

	register(&Operation{
		Type:  models.TaskGenerateBlueprint,
		Stage: models.StatusTranscriptInput,
		Run:   generateBlueprintRun(llmSvc),
		Apply: applyTyped(func(bp *models.Blueprint, shots []models.Shot) error {
			bp.Shots = shots
			return nil
		}),
	})

	return r
}

// applyTyped 把带类型的合并函数适配为Operation.Apply
func applyTyped[T any](fn func(bp *models.Blueprint, result T) error) func(*models.Blueprint, interface{}) error {
	return func(bp *models.Blueprint, result interface{}) error {
		typed, ok := result.(T)
		if !ok {
			return apperrors.NewProcessingError(
				fmt.Sprintf("任务结果类型不匹配: %T", result), nil)
		}
		return fn(bp, typed)
	}
}

// ---------------------------------------------------------------
// 各操作的执行逻辑
// ---------------------------------------------------------------

// mapDialogueRun 对白-地点映射：把转录文本切分为对白分段并猜测归属地点
func mapDialogueRun(llmSvc *LLMService) func(context.Context, models.TaskInput) (interface{}, error) {
	return func(ctx context.Context, input models.TaskInput) (interface{}, error) {
		if strings.TrimSpace(input.Transcript) == "" {
			return nil, apperrors.NewPreconditionError("转录文本为空", nil).
				WithStage(string(models.StatusTranscriptInput))
		}

		systemPrompt := `You are a video production assistant. You split a raw creator transcript into dialogue chunks and assign each chunk to the filming location it was most likely spoken at.`

		prompt := fmt.Sprintf(`Split the following transcript into ordered dialogue chunks and assign each chunk a location tag.

Transcript:
%s

Known locations (use EXACTLY these names): %s

If no location fits a chunk, use the literal tag "Unassigned".

Output schema:
[
  {"dialogueChunk": "...", "locationTag": "..."}
]`, input.Transcript, strings.Join(input.Locations, ", "))

		var raw []struct {
			DialogueChunk string `json:"dialogueChunk"`
			LocationTag   string `json:"locationTag"`
		}
		if err := llmSvc.CreateStructuredCompletion(ctx, prompt, systemPrompt, &raw); err != nil {
			return nil, invalidAIResponse(models.StatusTranscriptInput, err)
		}

		if len(raw) == 0 {
			return nil, invalidAIResponse(models.StatusTranscriptInput,
				fmt.Errorf("对白映射结果不是非空数组"))
		}

		allowed := locationSet(input.Locations)
		entries := make([]models.DialogueEntry, 0, len(raw))
		for i, item := range raw {
			if strings.TrimSpace(item.DialogueChunk) == "" {
				return nil, invalidAIResponse(models.StatusTranscriptInput,
					fmt.Errorf("第%d个对白分段缺少dialogueChunk", i+1))
			}
			tag := strings.TrimSpace(item.LocationTag)
			if tag == "" {
				tag = models.LocationUnassigned
			}
			if tag != models.LocationUnassigned && !allowed[tag] {
				return nil, invalidAIResponse(models.StatusTranscriptInput,
					fmt.Errorf("第%d个对白分段的locationTag %q 不在已知地点集内", i+1, tag))
			}
			// 所有AI产出的分段一律标记为待审核
			entries = append(entries, models.DialogueEntry{
				DialogueChunk: item.DialogueChunk,
				LocationTag:   tag,
				Status:        models.DialogueNeedsReview,
			})
		}

		return entries, nil
	}
}

// proposeNarrativeRun 基于已确认的对白映射生成首版叙事提案
func proposeNarrativeRun(llmSvc *LLMService) func(context.Context, models.TaskInput) (interface{}, error) {
	return func(ctx context.Context, input models.TaskInput) (interface{}, error) {
		if len(input.DialogueMap) == 0 {
			return nil, apperrors.NewPreconditionError("对白映射为空", nil).
				WithStage(string(models.StatusDialogueMapping))
		}

		systemPrompt := `You are a story editor for travel and documentary videos. You design narrative structures that weave on-camera dialogue from multiple locations into one compelling story.`

		dialogueJSON, _ := json.MarshalIndent(input.DialogueMap, "", "  ")
		prompt := fmt.Sprintf(`Based on the confirmed dialogue map below, propose ONE narrative for this video.

Dialogue map:
%s

Known locations: %s

Output schema:
{
  "coreAngle": "the central creative angle of the video",
  "narrativeArc": [
    {"step": 1, "description": "...", "locations_featured": ["..."]}
  ],
  "valueAddResearch": [
    {"location": "...", "topics": ["..."]}
  ]
}`, string(dialogueJSON), strings.Join(input.Locations, ", "))

		return runProposal(ctx, llmSvc, prompt, systemPrompt, input.Locations, models.StatusDialogueMapping)
	}
}

// refineNarrativeRun 结合完整提案历史与新反馈生成新提案（追加，不改写历史）
func refineNarrativeRun(llmSvc *LLMService) func(context.Context, models.TaskInput) (interface{}, error) {
	return func(ctx context.Context, input models.TaskInput) (interface{}, error) {
		if len(input.Proposals) == 0 {
			return nil, apperrors.NewPreconditionError("没有可细化的叙事提案", nil).
				WithStage(string(models.StatusNarrativeRefinement))
		}
		if strings.TrimSpace(input.Feedback) == "" {
			return nil, apperrors.NewPreconditionError("细化反馈为空", nil).
				WithStage(string(models.StatusNarrativeRefinement))
		}

		systemPrompt := `You are a story editor iterating on narrative proposals with a video creator. Produce a NEW full proposal that addresses the feedback; never edit previous proposals.`

		historyJSON, _ := json.MarshalIndent(input.Proposals, "", "  ")
		prompt := fmt.Sprintf(`Proposal history (oldest first, the last one is current):
%s

Creator feedback on the current proposal:
%s

Known locations: %s

Produce one new proposal using the same output schema as before:
{
  "coreAngle": "...",
  "narrativeArc": [{"step": 1, "description": "...", "locations_featured": ["..."]}],
  "valueAddResearch": [{"location": "...", "topics": ["..."]}]
}`, string(historyJSON), input.Feedback, strings.Join(input.Locations, ", "))

		return runProposal(ctx, llmSvc, prompt, systemPrompt, input.Locations, models.StatusNarrativeRefinement)
	}
}

// runProposal 提案生成的公共路径：调用、校验、补充ID
func runProposal(ctx context.Context, llmSvc *LLMService, prompt, systemPrompt string, locations []string, stage models.WorkflowStatus) (interface{}, error) {
	proposal := &models.NarrativeProposal{}
	if err := llmSvc.CreateStructuredCompletion(ctx, prompt, systemPrompt, proposal); err != nil {
		return nil, invalidAIResponse(stage, err)
	}

	if err := validateProposal(proposal, locations); err != nil {
		return nil, invalidAIResponse(stage, err)
	}

	proposal.ID = "proposal_" + uuid.NewString()[:8]
	proposal.CreatedAt = time.Now()
	return proposal, nil
}

// conductResearchRun 针对已批准叙事中出现的地点收集候选研究素材。
// 响应形状依赖输入数据（地点集合是运行期才知道的），因此采用结构化校验：
// 只要求"地点名 → 素材数组"的映射，不枚举具体键。
func conductResearchRun(llmSvc *LLMService) func(context.Context, models.TaskInput) (interface{}, error) {
	return func(ctx context.Context, input models.TaskInput) (interface{}, error) {
		if input.ApprovedNarrative == nil {
			return nil, apperrors.NewPreconditionError("缺少已批准的叙事提案", nil).
				WithStage(string(models.StatusNarrativeRefinement))
		}

		referenced := referencedLocations(input.ApprovedNarrative)
		if len(referenced) == 0 {
			return nil, apperrors.NewPreconditionError("已批准的叙事没有引用任何地点", nil).
				WithStage(string(models.StatusNarrativeRefinement))
		}

		systemPrompt := `You are a research assistant for a video creator. For each location you provide short, verifiable facts or local stories worth mentioning in a voiceover.`

		narrativeJSON, _ := json.MarshalIndent(input.ApprovedNarrative, "", "  ")
		prompt := fmt.Sprintf(`Collect candidate research notes for each location referenced by the approved narrative.

Approved narrative:
%s

Locations to research (use EXACTLY these as object keys): %s

Output schema (object keyed by location name, every note has either "fact" or "story"):
{
  "LOCATION": [
    {"fact": "...", "approved": false},
    {"story": "...", "approved": false}
  ]
}`, string(narrativeJSON), strings.Join(referenced, ", "))

		notes := map[string][]models.ResearchNote{}
		if err := llmSvc.CreateStructuredCompletion(ctx, prompt, systemPrompt, &notes); err != nil {
			return nil, invalidAIResponse(models.StatusNarrativeRefinement, err)
		}

		allowed := locationSet(referenced)
		for location, locationNotes := range notes {
			if !allowed[location] {
				return nil, invalidAIResponse(models.StatusNarrativeRefinement,
					fmt.Errorf("研究结果包含叙事未引用的地点 %q", location))
			}
			for i, note := range locationNotes {
				if strings.TrimSpace(note.Text()) == "" {
					return nil, invalidAIResponse(models.StatusNarrativeRefinement,
						fmt.Errorf("地点 %q 的第%d条素材既无fact也无story", location, i+1))
				}
				// 候选素材一律从未批准开始
				locationNotes[i].Approved = false
			}
		}

		return notes, nil
	}
}

// draftVoiceoverRun 旁白起草：严格只依据已批准的素材与叙事
func draftVoiceoverRun(llmSvc *LLMService) func(context.Context, models.TaskInput) (interface{}, error) {
	return func(ctx context.Context, input models.TaskInput) (interface{}, error) {
		if input.ApprovedNarrative == nil {
			return nil, apperrors.NewPreconditionError("缺少已批准的叙事提案", nil).
				WithStage(string(models.StatusResearchApproval))
		}

		// 防御性过滤：无论调用方传入什么，未批准的素材绝不进入提示词
		approvedOnly := FilterApprovedNotes(input.ResearchNotes)
		referenced := referencedLocations(input.ApprovedNarrative)

		systemPrompt := `You are a scriptwriter drafting voiceover text for a video. Use ONLY the approved research notes and the approved narrative; do not invent facts.`

		narrativeJSON, _ := json.MarshalIndent(input.ApprovedNarrative, "", "  ")
		notesJSON, _ := json.MarshalIndent(approvedOnly, "", "  ")
		prompt := fmt.Sprintf(`Draft voiceover text per location.

Approved narrative:
%s

Approved research notes (locations with no notes get a voiceover built from the narrative alone, or an empty string):
%s

Locations (use EXACTLY these as object keys): %s

Output schema:
{"LOCATION": "voiceover text"}`, string(narrativeJSON), string(notesJSON), strings.Join(referenced, ", "))

		draft := map[string]string{}
		if err := llmSvc.CreateStructuredCompletion(ctx, prompt, systemPrompt, &draft); err != nil {
			return nil, invalidAIResponse(models.StatusResearchApproval, err)
		}

		allowed := locationSet(referenced)
		for location := range draft {
			if !allowed[location] {
				return nil, invalidAIResponse(models.StatusResearchApproval,
					fmt.Errorf("旁白草稿包含未请求的地点 %q", location))
			}
		}

		return draft, nil
	}
}

// assembleScriptRun 成稿装配：本地确定性算法，不经过AI。
// 交织顺序由已批准叙事弧决定，对白分段不丢失不重复。
func assembleScriptRun() func(context.Context, models.TaskInput) (interface{}, error) {
	return func(_ context.Context, input models.TaskInput) (interface{}, error) {
		if input.ApprovedNarrative == nil {
			return nil, apperrors.NewPreconditionError("缺少已批准的叙事提案", nil).
				WithStage(string(models.StatusDraftReview))
		}
		if len(input.DialogueMap) == 0 && len(input.DraftScript) == 0 {
			return nil, apperrors.NewPreconditionError("既无对白映射也无旁白草稿，无法装配成稿", nil).
				WithStage(string(models.StatusDraftReview))
		}

		result := AssembleScript(input.ApprovedNarrative.NarrativeArc, input.DialogueMap, input.DraftScript)
		if len(result.FinalScript) == 0 {
			return nil, apperrors.NewValidationError("装配结果为空成稿", nil).
				WithStage(string(models.StatusDraftReview))
		}
		return &result, nil
	}
}

// refineScriptResult 全局润色的结果：二选一视图
type refineScriptResult struct {
	FinalScript         []models.ScriptBlock `json:"finalScript,omitempty"`
	RecordableVoiceover string               `json:"recordableVoiceover,omitempty"`
}

// 全局润色的目标视图
const (
	ViewFinalScript         = "final_script"
	ViewRecordableVoiceover = "recordable_voiceover"
)

// refineScriptRun 全局润色：按自由文本反馈整体改写某个成稿视图，不重置阶段
func refineScriptRun(llmSvc *LLMService) func(context.Context, models.TaskInput) (interface{}, error) {
	return func(ctx context.Context, input models.TaskInput) (interface{}, error) {
		if strings.TrimSpace(input.Feedback) == "" {
			return nil, apperrors.NewPreconditionError("润色反馈为空", nil).
				WithStage(string(models.StatusDraftReview))
		}

		switch input.View {
		case ViewFinalScript:
			if len(input.FinalScript) == 0 {
				return nil, apperrors.NewPreconditionError("成稿为空，无法润色", nil).
					WithStage(string(models.StatusDraftReview))
			}

			systemPrompt := `You rewrite a full video script as a whole in response to style feedback. Keep the block structure (type/location) intact; only rewrite text.`
			scriptJSON, _ := json.MarshalIndent(input.FinalScript, "", "  ")
			prompt := fmt.Sprintf(`Rewrite the script below according to the feedback.

Script:
%s

Feedback: %s

Output schema:
{"finalScript": [{"type": "voiceover|on_camera", "location": "...", "text": "..."}]}`, string(scriptJSON), input.Feedback)

			result := &refineScriptResult{}
			if err := llmSvc.CreateStructuredCompletion(ctx, prompt, systemPrompt, result); err != nil {
				return nil, invalidAIResponse(models.StatusDraftReview, err)
			}
			if len(result.FinalScript) == 0 {
				return nil, invalidAIResponse(models.StatusDraftReview,
					fmt.Errorf("润色结果缺少finalScript"))
			}
			result.RecordableVoiceover = ""
			return result, nil

		case ViewRecordableVoiceover:
			if strings.TrimSpace(input.Voiceover) == "" {
				return nil, apperrors.NewPreconditionError("可录旁白为空，无法润色", nil).
					WithStage(string(models.StatusDraftReview))
			}

			systemPrompt := `You rewrite a recordable voiceover transcript as a whole in response to style feedback.`
			prompt := fmt.Sprintf(`Rewrite the voiceover transcript below according to the feedback.

Voiceover:
%s

Feedback: %s

Output schema:
{"recordableVoiceover": "..."}`, input.Voiceover, input.Feedback)

			result := &refineScriptResult{}
			if err := llmSvc.CreateStructuredCompletion(ctx, prompt, systemPrompt, result); err != nil {
				return nil, invalidAIResponse(models.StatusDraftReview, err)
			}
			if strings.TrimSpace(result.RecordableVoiceover) == "" {
				return nil, invalidAIResponse(models.StatusDraftReview,
					fmt.Errorf("润色结果缺少recordableVoiceover"))
			}
			result.FinalScript = nil
			return result, nil

		default:
			return nil, apperrors.NewPreconditionError(
				fmt.Sprintf("未知的润色视图: %q", input.View), nil).
				WithStage(string(models.StatusDraftReview))
		}
	}
}

// generateShotListRun 剪辑序列清单：素材类型只能来自各地点的真实库存
func generateShotListRun(llmSvc *LLMService) func(context.Context, models.TaskInput) (interface{}, error) {
	return func(ctx context.Context, input models.TaskInput) (interface{}, error) {
		if len(input.FinalScript) == 0 {
			return nil, apperrors.NewPreconditionError("成稿为空，无法生成剪辑清单", nil).
				WithStage(string(models.StatusVoiceoverRecording))
		}
		if len(input.Inventory) == 0 {
			return nil, apperrors.NewPreconditionError("素材库为空", nil).
				WithStage(string(models.StatusVoiceoverRecording))
		}

		systemPrompt := `You are an edit planner. You turn a finished script into an ordered list of edit-ready sequences. You may ONLY request footage types a location actually has in inventory; never invent footage.`

		inventoryDesc := describeInventory(input.Inventory)
		narrativeJSON, _ := json.MarshalIndent(input.ApprovedNarrative, "", "  ")
		scriptJSON, _ := json.MarshalIndent(input.FinalScript, "", "  ")
		prompt := fmt.Sprintf(`Produce the editing sequence list for this video.

Narrative:
%s

Final script:
%s

Footage inventory (location: available types):
%s

Output schema:
[
  {
    "name": "...",
    "type": "hook|intro|content|conclusion",
    "voiceover_script": "...",
    "on_camera_dialogue": "...",
    "locations": [{"name": "...", "footage_types": ["onCamera","bRoll","drone"]}]
  }
]`, string(narrativeJSON), string(scriptJSON), inventoryDesc)

		var sequences []models.EditingSequence
		if err := llmSvc.CreateStructuredCompletion(ctx, prompt, systemPrompt, &sequences); err != nil {
			return nil, invalidAIResponse(models.StatusVoiceoverRecording, err)
		}

		if err := validateShotList(sequences, input.Inventory); err != nil {
			return nil, invalidAIResponse(models.StatusVoiceoverRecording, err)
		}

		return sequences, nil
	}
}

// generateBlueprintRun 初始蓝图变体：从转录直接生成分镜列表
func generateBlueprintRun(llmSvc *LLMService) func(context.Context, models.TaskInput) (interface{}, error) {
	return func(ctx context.Context, input models.TaskInput) (interface{}, error) {
		if strings.TrimSpace(input.Transcript) == "" {
			return nil, apperrors.NewPreconditionError("转录文本为空", nil).
				WithStage(string(models.StatusTranscriptInput))
		}
		if len(input.Inventory) == 0 {
			return nil, apperrors.NewPreconditionError("素材库为空", nil).
				WithStage(string(models.StatusTranscriptInput))
		}

		systemPrompt := `You are a video pre-production assistant. You turn a raw transcript into an ordered shot list. Shot types must exist in the location's footage inventory; never invent footage types.`

		inventoryDesc := describeInventory(input.Inventory)
		prompt := fmt.Sprintf(`Generate an ordered shot list from the transcript.

Transcript:
%s

Footage inventory (location: available types):
%s

Output schema:
[
  {
    "location": "...",
    "shot_type": "onCamera|bRoll|drone",
    "shot_description": "...",
    "on_camera_dialogue": "...",
    "voiceover_script": "...",
    "ai_research_notes": ["..."],
    "estimated_time_seconds": 15
  }
]`, input.Transcript, inventoryDesc)

		var shots []models.Shot
		if err := llmSvc.CreateStructuredCompletion(ctx, prompt, systemPrompt, &shots); err != nil {
			return nil, invalidAIResponse(models.StatusTranscriptInput, err)
		}

		if len(shots) == 0 {
			return nil, invalidAIResponse(models.StatusTranscriptInput,
				fmt.Errorf("分镜列表为空"))
		}

		for i := range shots {
			shot := &shots[i]
			if !input.Inventory.HasLocation(shot.Location) {
				return nil, invalidAIResponse(models.StatusTranscriptInput,
					fmt.Errorf("第%d个分镜的地点 %q 不在素材库中", i+1, shot.Location))
			}
			if !input.Inventory.HasFootageType(shot.Location, shot.ShotType) {
				return nil, invalidAIResponse(models.StatusTranscriptInput,
					fmt.Errorf("第%d个分镜要求地点 %q 不存在的素材类型 %q", i+1, shot.Location, shot.ShotType))
			}
			// 分镜ID由网关生成，保证快速重复提交时的唯一性
			shot.ShotID = fmt.Sprintf("shot_%d_%s", time.Now().UnixNano(), uuid.NewString()[:8])
			shot.SceneID = fmt.Sprintf("scene_%d", i+1)
		}

		return shots, nil
	}
}

// ---------------------------------------------------------------
// 校验辅助
// ---------------------------------------------------------------

// invalidAIResponse 统一把AI形状问题归类为校验错误并标注阶段
func invalidAIResponse(stage models.WorkflowStatus, err error) error {
	return apperrors.NewValidationError("InvalidAIResponse", err).WithStage(string(stage))
}

func locationSet(locations []string) map[string]bool {
	set := make(map[string]bool, len(locations))
	for _, l := range locations {
		set[l] = true
	}
	return set
}

// referencedLocations 收集叙事弧引用的全部地点（保持首次出现顺序）
func referencedLocations(proposal *models.NarrativeProposal) []string {
	seen := make(map[string]bool)
	var locations []string
	for _, step := range proposal.NarrativeArc {
		for _, l := range step.LocationsFeatured {
			if !seen[l] {
				seen[l] = true
				locations = append(locations, l)
			}
		}
	}
	return locations
}

// validateProposal 校验叙事提案的必备形状
func validateProposal(p *models.NarrativeProposal, locations []string) error {
	if strings.TrimSpace(p.CoreAngle) == "" {
		return fmt.Errorf("提案缺少coreAngle")
	}
	if len(p.NarrativeArc) == 0 {
		return fmt.Errorf("提案缺少narrativeArc")
	}

	allowed := locationSet(locations)
	for i, step := range p.NarrativeArc {
		if strings.TrimSpace(step.Description) == "" {
			return fmt.Errorf("叙事弧第%d步缺少description", i+1)
		}
		for _, l := range step.LocationsFeatured {
			if !allowed[l] {
				return fmt.Errorf("叙事弧第%d步引用了未知地点 %q", i+1, l)
			}
		}
	}
	return nil
}

// validateShotList 校验剪辑序列：类型合法、素材类型不超出库存
func validateShotList(sequences []models.EditingSequence, inventory models.FootageInventory) error {
	if len(sequences) == 0 {
		return fmt.Errorf("剪辑序列清单为空")
	}

	validTypes := map[string]bool{
		models.SequenceHook:       true,
		models.SequenceIntro:      true,
		models.SequenceContent:    true,
		models.SequenceConclusion: true,
	}

	for i, seq := range sequences {
		if !validTypes[seq.Type] {
			return fmt.Errorf("第%d个序列的类型 %q 不合法", i+1, seq.Type)
		}
		for _, loc := range seq.Locations {
			if !inventory.HasLocation(loc.Name) {
				return fmt.Errorf("第%d个序列引用了素材库之外的地点 %q", i+1, loc.Name)
			}
			for _, ft := range loc.FootageTypes {
				if !inventory.HasFootageType(loc.Name, ft) {
					return fmt.Errorf("第%d个序列要求地点 %q 不存在的素材类型 %q", i+1, loc.Name, ft)
				}
			}
		}
	}
	return nil
}

// FilterApprovedNotes 只保留approved==true的研究素材
func FilterApprovedNotes(notes map[string][]models.ResearchNote) map[string][]models.ResearchNote {
	filtered := make(map[string][]models.ResearchNote, len(notes))
	for location, locationNotes := range notes {
		var approved []models.ResearchNote
		for _, note := range locationNotes {
			if note.Approved {
				approved = append(approved, note)
			}
		}
		if len(approved) > 0 {
			filtered[location] = approved
		}
	}
	return filtered
}

// describeInventory 把素材库渲染为提示词友好的文本
func describeInventory(inventory models.FootageInventory) string {
	var b strings.Builder
	for _, location := range inventory.Locations() {
		b.WriteString(fmt.Sprintf("- %s: %s\n", location, strings.Join(inventory.TypesFor(location), ", ")))
	}
	return b.String()
}
