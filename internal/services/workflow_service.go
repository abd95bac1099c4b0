// internal/services/workflow_service.go
package services

import (
	"fmt"
	"strings"

	apperrors "github.com/Corphon/ScriptFlowMCP/internal/errors"
	"github.com/Corphon/ScriptFlowMCP/internal/models"
	"github.com/Corphon/ScriptFlowMCP/internal/utils"
)

// stageOrder 工作流阶段的线性顺序（legacy_view在顺序之外）
var stageOrder = []models.WorkflowStatus{
	models.StatusTranscriptInput,
	models.StatusDialogueMapping,
	models.StatusNarrativeRefinement,
	models.StatusResearchApproval,
	models.StatusDraftReview,
	models.StatusVoiceoverRecording,
	models.StatusFinal,
}

// stageIndex 返回阶段在线性顺序中的位置，legacy_view与未知状态返回-1
func stageIndex(status models.WorkflowStatus) int {
	for i, s := range stageOrder {
		if s == status {
			return i
		}
	}
	return -1
}

// ResolveStatus 规范化蓝图的工作流状态：
// 缺失或无法识别的状态，存在成稿内容时归入legacy_view兜底视图，
// 否则视为全新蓝图从头开始。
func ResolveStatus(bp *models.Blueprint) models.WorkflowStatus {
	if stageIndex(bp.WorkflowStatus) >= 0 {
		return bp.WorkflowStatus
	}
	if bp.HasTerminalContent() {
		return models.StatusLegacyView
	}
	return models.StatusTranscriptInput
}

// WorkflowService 工作流状态机：
// 负责阶段推进的前置条件校验、用户编辑的合并、
// 以及把"批准"这类复合动作翻译为状态变更加任务提交。
type WorkflowService struct {
	blueprints *BlueprintService
	tasks      *TaskService
}

// NewWorkflowService 创建工作流服务
func NewWorkflowService(blueprints *BlueprintService, tasks *TaskService) *WorkflowService {
	return &WorkflowService{
		blueprints: blueprints,
		tasks:      tasks,
	}
}

// GetBlueprint 读取蓝图并规范化其工作流状态
func (s *WorkflowService) GetBlueprint(videoID string) (*models.Blueprint, error) {
	bp, err := s.blueprints.GetBlueprint(videoID)
	if err != nil {
		return nil, err
	}
	bp.WorkflowStatus = ResolveStatus(bp)
	return bp, nil
}

// locations 读取视频素材库中的地点集合
func (s *WorkflowService) locations(videoID string) ([]string, error) {
	inventory, err := s.blueprints.GetInventory(videoID)
	if err != nil {
		return nil, err
	}
	return inventory.Locations(), nil
}

// ---------------------------------------------------------------
// 阶段一：转录录入
// ---------------------------------------------------------------

// SetTranscript 保存原始转录文本。
// 在更晚的阶段重新录入转录会使一切下游产物失效：
// 依赖数据被清空，工作流回到起点，由调用方告知用户。
func (s *WorkflowService) SetTranscript(videoID string, transcript string) (*models.Blueprint, bool, error) {
	if strings.TrimSpace(transcript) == "" {
		return nil, false, apperrors.NewPreconditionError("转录文本不能为空", nil).
			WithStage(string(models.StatusTranscriptInput))
	}

	cleared := false
	bp, err := s.blueprints.Mutate(videoID, func(bp *models.Blueprint) error {
		bp.RawTranscript = transcript
		cleared = clearStagesAfter(bp, models.StatusTranscriptInput)
		bp.WorkflowStatus = models.StatusTranscriptInput
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if cleared {
		utils.GetLogger().Info("重新录入转录，已清空下游阶段数据", utils.BlueprintFields(videoID, nil))
	}
	return bp, cleared, nil
}

// SubmitMapDialogue 提交对白-地点映射任务
func (s *WorkflowService) SubmitMapDialogue(videoID string) (*models.Task, error) {
	bp, err := s.GetBlueprint(videoID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(bp.RawTranscript) == "" {
		return nil, apperrors.NewPreconditionError("尚未录入转录文本", nil).
			WithStage(string(models.StatusTranscriptInput))
	}

	locations, err := s.locations(videoID)
	if err != nil {
		return nil, err
	}

	return s.tasks.Submit(videoID, models.TaskMapDialogue, models.TaskInput{
		Transcript: bp.RawTranscript,
		Locations:  locations,
	})
}

// SubmitGenerateBlueprint 提交初始蓝图变体任务：从转录直接生成分镜列表
func (s *WorkflowService) SubmitGenerateBlueprint(videoID string) (*models.Task, error) {
	bp, err := s.GetBlueprint(videoID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(bp.RawTranscript) == "" {
		return nil, apperrors.NewPreconditionError("尚未录入转录文本", nil).
			WithStage(string(models.StatusTranscriptInput))
	}

	inventory, err := s.blueprints.GetInventory(videoID)
	if err != nil {
		return nil, err
	}

	return s.tasks.Submit(videoID, models.TaskGenerateBlueprint, models.TaskInput{
		Transcript: bp.RawTranscript,
		Inventory:  inventory,
	})
}

// ---------------------------------------------------------------
// 阶段二：对白映射审核
// ---------------------------------------------------------------

// UpdateDialogueTag 修改某条对白分段的地点归属并标记为已确认
func (s *WorkflowService) UpdateDialogueTag(videoID string, index int, tag string) (*models.Blueprint, error) {
	locations, err := s.locations(videoID)
	if err != nil {
		return nil, err
	}

	allowed := locationSet(locations)
	if tag != models.LocationUnassigned && !allowed[tag] {
		return nil, apperrors.NewValidationError(
			fmt.Sprintf("地点标签 %q 不在已知地点集内", tag), nil).
			WithStage(string(models.StatusDialogueMapping))
	}

	return s.blueprints.Mutate(videoID, func(bp *models.Blueprint) error {
		if index < 0 || index >= len(bp.DialogueMap) {
			return apperrors.NewValidationError(
				fmt.Sprintf("对白分段下标越界: %d", index), nil).
				WithStage(string(models.StatusDialogueMapping))
		}
		bp.DialogueMap[index].LocationTag = tag
		bp.DialogueMap[index].Status = models.DialogueConfirmed
		return nil
	})
}

// ConfirmDialogueEntry 确认某条对白分段的当前归属
func (s *WorkflowService) ConfirmDialogueEntry(videoID string, index int) (*models.Blueprint, error) {
	return s.blueprints.Mutate(videoID, func(bp *models.Blueprint) error {
		if index < 0 || index >= len(bp.DialogueMap) {
			return apperrors.NewValidationError(
				fmt.Sprintf("对白分段下标越界: %d", index), nil).
				WithStage(string(models.StatusDialogueMapping))
		}
		bp.DialogueMap[index].Status = models.DialogueConfirmed
		return nil
	})
}

// SubmitProposeNarrative 提交首版叙事提案任务。
// 前置条件：所有对白分段都已确认归属。
func (s *WorkflowService) SubmitProposeNarrative(videoID string) (*models.Task, error) {
	bp, err := s.GetBlueprint(videoID)
	if err != nil {
		return nil, err
	}
	if len(bp.DialogueMap) == 0 {
		return nil, apperrors.NewPreconditionError("对白映射为空", nil).
			WithStage(string(models.StatusDialogueMapping))
	}
	for i, entry := range bp.DialogueMap {
		if entry.Status != models.DialogueConfirmed {
			return nil, apperrors.NewPreconditionError(
				fmt.Sprintf("第%d条对白分段尚未确认归属", i+1), nil).
				WithStage(string(models.StatusDialogueMapping))
		}
		// 确认状态还不够：归属必须落在具体地点上
		if strings.TrimSpace(entry.LocationTag) == "" || entry.LocationTag == models.LocationUnassigned {
			return nil, apperrors.NewPreconditionError(
				fmt.Sprintf("第%d条对白分段尚未归属到具体地点", i+1), nil).
				WithStage(string(models.StatusDialogueMapping))
		}
	}

	locations, err := s.locations(videoID)
	if err != nil {
		return nil, err
	}

	return s.tasks.Submit(videoID, models.TaskProposeNarrative, models.TaskInput{
		DialogueMap: bp.DialogueMap,
		Locations:   locations,
	})
}

// ---------------------------------------------------------------
// 阶段三：叙事细化
// ---------------------------------------------------------------

// SubmitRefineNarrative 提交叙事细化任务：完整提案历史加新反馈
func (s *WorkflowService) SubmitRefineNarrative(videoID string, feedback string) (*models.Task, error) {
	bp, err := s.GetBlueprint(videoID)
	if err != nil {
		return nil, err
	}
	if len(bp.NarrativeProposals) == 0 {
		return nil, apperrors.NewPreconditionError("没有可细化的叙事提案", nil).
			WithStage(string(models.StatusNarrativeRefinement))
	}

	locations, err := s.locations(videoID)
	if err != nil {
		return nil, err
	}

	return s.tasks.Submit(videoID, models.TaskRefineNarrative, models.TaskInput{
		Proposals: bp.NarrativeProposals,
		Feedback:  feedback,
		Locations: locations,
	})
}

// ApproveNarrative 批准当前（最新）叙事提案：
// 将其固化为ApprovedNarrative，并自动提交研究任务。
func (s *WorkflowService) ApproveNarrative(videoID string) (*models.Task, error) {
	// 先确认没有任务占用蓝图，再固化提案：否则批准会落盘而研究任务提交失败
	if s.tasks.HasActiveTask(videoID) {
		return nil, apperrors.NewTaskActiveError(
			fmt.Sprintf("蓝图 %s 已有进行中的任务，暂不能批准提案", videoID), nil).
			WithStage(string(models.StatusNarrativeRefinement))
	}

	bp, err := s.blueprints.Mutate(videoID, func(bp *models.Blueprint) error {
		current := bp.CurrentProposal()
		if current == nil {
			return apperrors.NewPreconditionError("没有可批准的叙事提案", nil).
				WithStage(string(models.StatusNarrativeRefinement))
		}
		approved := *current
		bp.ApprovedNarrative = &approved
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.tasks.Submit(videoID, models.TaskConductResearch, models.TaskInput{
		ApprovedNarrative: bp.ApprovedNarrative,
	})
}

// ---------------------------------------------------------------
// 阶段四：研究审批
// ---------------------------------------------------------------

// SetResearchNoteApproval 切换某条研究素材的批准状态
func (s *WorkflowService) SetResearchNoteApproval(videoID string, location string, index int, approved bool) (*models.Blueprint, error) {
	return s.blueprints.Mutate(videoID, func(bp *models.Blueprint) error {
		notes, ok := bp.ResearchNotes[location]
		if !ok {
			return apperrors.NewNotFoundError(
				fmt.Sprintf("地点 %q 没有研究素材", location), nil).
				WithStage(string(models.StatusResearchApproval))
		}
		if index < 0 || index >= len(notes) {
			return apperrors.NewValidationError(
				fmt.Sprintf("研究素材下标越界: %d", index), nil).
				WithStage(string(models.StatusResearchApproval))
		}
		notes[index].Approved = approved
		return nil
	})
}

// ApproveResearch 结束研究审批并自动提交旁白起草任务。
// 允许某些地点一条素材都未批准：这些地点只依据叙事本身起草。
func (s *WorkflowService) ApproveResearch(videoID string) (*models.Task, error) {
	bp, err := s.GetBlueprint(videoID)
	if err != nil {
		return nil, err
	}
	if bp.ApprovedNarrative == nil {
		return nil, apperrors.NewPreconditionError("缺少已批准的叙事提案", nil).
			WithStage(string(models.StatusResearchApproval))
	}

	return s.tasks.Submit(videoID, models.TaskDraftVoiceover, models.TaskInput{
		ApprovedNarrative: bp.ApprovedNarrative,
		ResearchNotes:     bp.ResearchNotes,
	})
}

// ---------------------------------------------------------------
// 阶段五：草稿审阅与成稿
// ---------------------------------------------------------------

// UpdateDraftScript 保存用户对某地点旁白草稿的手工修改
func (s *WorkflowService) UpdateDraftScript(videoID string, location string, text string) (*models.Blueprint, error) {
	return s.blueprints.Mutate(videoID, func(bp *models.Blueprint) error {
		if bp.DraftScript == nil {
			return apperrors.NewPreconditionError("旁白草稿尚未生成", nil).
				WithStage(string(models.StatusDraftReview))
		}
		if _, ok := bp.DraftScript[location]; !ok {
			return apperrors.NewNotFoundError(
				fmt.Sprintf("地点 %q 没有旁白草稿", location), nil).
				WithStage(string(models.StatusDraftReview))
		}
		bp.DraftScript[location] = text
		return nil
	})
}

// SubmitAssembleScript 提交成稿装配任务（本地确定性操作）
func (s *WorkflowService) SubmitAssembleScript(videoID string) (*models.Task, error) {
	bp, err := s.GetBlueprint(videoID)
	if err != nil {
		return nil, err
	}
	if bp.ApprovedNarrative == nil {
		return nil, apperrors.NewPreconditionError("缺少已批准的叙事提案", nil).
			WithStage(string(models.StatusDraftReview))
	}

	return s.tasks.Submit(videoID, models.TaskAssembleScript, models.TaskInput{
		ApprovedNarrative: bp.ApprovedNarrative,
		DialogueMap:       bp.DialogueMap,
		DraftScript:       bp.DraftScript,
	})
}

// SubmitRefineScript 提交全局润色任务：按反馈整体改写某个成稿视图
func (s *WorkflowService) SubmitRefineScript(videoID string, view string, feedback string) (*models.Task, error) {
	bp, err := s.GetBlueprint(videoID)
	if err != nil {
		return nil, err
	}

	input := models.TaskInput{View: view, Feedback: feedback}
	switch view {
	case ViewFinalScript:
		input.FinalScript = bp.FinalScript
	case ViewRecordableVoiceover:
		input.Voiceover = bp.RecordableVoiceover
	default:
		return nil, apperrors.NewPreconditionError(
			fmt.Sprintf("未知的润色视图: %q", view), nil).
			WithStage(string(models.StatusDraftReview))
	}

	return s.tasks.Submit(videoID, models.TaskRefineScript, input)
}

// AdvanceToVoiceoverRecording 从草稿审阅推进到旁白录制阶段。
// 前置条件：成稿与可录旁白都已装配完成。
func (s *WorkflowService) AdvanceToVoiceoverRecording(videoID string) (*models.Blueprint, error) {
	return s.blueprints.Mutate(videoID, func(bp *models.Blueprint) error {
		if ResolveStatus(bp) != models.StatusDraftReview {
			return apperrors.NewPreconditionError(
				fmt.Sprintf("当前阶段 %q 不能推进到旁白录制", bp.WorkflowStatus), nil).
				WithStage(string(bp.WorkflowStatus))
		}
		if len(bp.FinalScript) == 0 || strings.TrimSpace(bp.RecordableVoiceover) == "" {
			return apperrors.NewPreconditionError("成稿或可录旁白尚未装配完成", nil).
				WithStage(string(models.StatusDraftReview))
		}
		bp.WorkflowStatus = models.StatusVoiceoverRecording
		return nil
	})
}

// ---------------------------------------------------------------
// 阶段六：剪辑清单与定稿
// ---------------------------------------------------------------

// SubmitGenerateShotList 提交剪辑序列清单任务
func (s *WorkflowService) SubmitGenerateShotList(videoID string) (*models.Task, error) {
	bp, err := s.GetBlueprint(videoID)
	if err != nil {
		return nil, err
	}
	if ResolveStatus(bp) != models.StatusVoiceoverRecording {
		return nil, apperrors.NewPreconditionError(
			fmt.Sprintf("当前阶段 %q 不能生成剪辑清单", bp.WorkflowStatus), nil).
			WithStage(string(bp.WorkflowStatus))
	}

	inventory, err := s.blueprints.GetInventory(videoID)
	if err != nil {
		return nil, err
	}

	return s.tasks.Submit(videoID, models.TaskGenerateShotList, models.TaskInput{
		FinalScript:       bp.FinalScript,
		ApprovedNarrative: bp.ApprovedNarrative,
		Inventory:         inventory,
	})
}

// MarkFinal 定稿：剪辑清单审阅完毕后进入终态
func (s *WorkflowService) MarkFinal(videoID string) (*models.Blueprint, error) {
	return s.blueprints.Mutate(videoID, func(bp *models.Blueprint) error {
		if ResolveStatus(bp) != models.StatusVoiceoverRecording {
			return apperrors.NewPreconditionError(
				fmt.Sprintf("当前阶段 %q 不能定稿", bp.WorkflowStatus), nil).
				WithStage(string(bp.WorkflowStatus))
		}
		if len(bp.EditingShotList) == 0 {
			return apperrors.NewPreconditionError("剪辑序列清单尚未生成", nil).
				WithStage(string(models.StatusVoiceoverRecording))
		}
		bp.WorkflowStatus = models.StatusFinal
		return nil
	})
}

// ---------------------------------------------------------------
// 导航与重置
// ---------------------------------------------------------------

// NavigateBack 回退到较早的阶段查看或修改，不清除任何数据。
// 之后在早期阶段重新完成操作时才会触发下游清理。
func (s *WorkflowService) NavigateBack(videoID string, target models.WorkflowStatus) (*models.Blueprint, error) {
	targetIdx := stageIndex(target)
	if targetIdx < 0 {
		return nil, apperrors.NewValidationError(
			fmt.Sprintf("未知的目标阶段: %q", target), nil)
	}

	return s.blueprints.Mutate(videoID, func(bp *models.Blueprint) error {
		currentIdx := stageIndex(ResolveStatus(bp))
		if currentIdx < 0 {
			return apperrors.NewPreconditionError("旧数据蓝图只能通过重置进入工作流", nil).
				WithStage(string(models.StatusLegacyView))
		}
		if targetIdx >= currentIdx {
			return apperrors.NewPreconditionError(
				fmt.Sprintf("只能回退到更早的阶段（当前 %q，目标 %q）", bp.WorkflowStatus, target), nil).
				WithStage(string(bp.WorkflowStatus))
		}
		bp.WorkflowStatus = target
		return nil
	})
}

// Reset 把蓝图重置为全新状态：清空所有阶段数据（包括旧版脚本字段），
// 回到转录录入阶段。legacy_view蓝图经由该操作进入工作流。
func (s *WorkflowService) Reset(videoID string) (*models.Blueprint, error) {
	bp, err := s.blueprints.Mutate(videoID, func(bp *models.Blueprint) error {
		bp.RawTranscript = ""
		clearStagesAfter(bp, models.StatusTranscriptInput)
		bp.LegacyScript = ""
		bp.Shots = nil
		bp.WorkflowStatus = models.StatusTranscriptInput
		return nil
	})
	if err != nil {
		return nil, err
	}

	utils.GetLogger().Info("蓝图已重置", utils.BlueprintFields(videoID, nil))
	return bp, nil
}

// ---------------------------------------------------------------
// 下游清理
// ---------------------------------------------------------------

// clearStageData 清除某个阶段自身持有的产物，返回是否确实清除了内容
func clearStageData(bp *models.Blueprint, stage models.WorkflowStatus) bool {
	cleared := false
	switch stage {
	case models.StatusDialogueMapping:
		if len(bp.DialogueMap) > 0 {
			bp.DialogueMap = nil
			cleared = true
		}
	case models.StatusNarrativeRefinement:
		if len(bp.NarrativeProposals) > 0 || bp.ApprovedNarrative != nil {
			bp.NarrativeProposals = nil
			bp.ApprovedNarrative = nil
			cleared = true
		}
	case models.StatusResearchApproval:
		if len(bp.ResearchNotes) > 0 {
			bp.ResearchNotes = nil
			cleared = true
		}
	case models.StatusDraftReview:
		if len(bp.DraftScript) > 0 || len(bp.FinalScript) > 0 || bp.RecordableVoiceover != "" {
			bp.DraftScript = nil
			bp.FinalScript = nil
			bp.RecordableVoiceover = ""
			cleared = true
		}
	case models.StatusVoiceoverRecording:
		if len(bp.EditingShotList) > 0 {
			bp.EditingShotList = nil
			cleared = true
		}
	}
	return cleared
}

// clearStagesAfter 清除给定阶段之后所有阶段的产物
func clearStagesAfter(bp *models.Blueprint, stage models.WorkflowStatus) bool {
	idx := stageIndex(stage)
	if idx < 0 {
		return false
	}
	cleared := false
	for _, later := range stageOrder[idx+1:] {
		if clearStageData(bp, later) {
			cleared = true
		}
	}
	return cleared
}

// InvalidateDependents 在任务重新产出较早阶段的数据后，
// 清除依赖该产物的一切下游数据。返回是否确实清除了内容，
// 编排器据此在任务更新里提醒调用方。
func InvalidateDependents(bp *models.Blueprint, taskType models.TaskType) bool {
	switch taskType {
	case models.TaskMapDialogue:
		return clearStagesAfter(bp, models.StatusDialogueMapping)
	case models.TaskProposeNarrative, models.TaskRefineNarrative:
		// 新提案使既有批准失效，连同其下游一并清除
		cleared := false
		if bp.ApprovedNarrative != nil {
			bp.ApprovedNarrative = nil
			cleared = true
		}
		if clearStagesAfter(bp, models.StatusNarrativeRefinement) {
			cleared = true
		}
		return cleared
	case models.TaskConductResearch:
		return clearStagesAfter(bp, models.StatusResearchApproval)
	case models.TaskDraftVoiceover:
		// 草稿变化使同阶段的装配结果与下游清单失效
		cleared := false
		if len(bp.FinalScript) > 0 || bp.RecordableVoiceover != "" {
			bp.FinalScript = nil
			bp.RecordableVoiceover = ""
			cleared = true
		}
		if clearStagesAfter(bp, models.StatusDraftReview) {
			cleared = true
		}
		return cleared
	default:
		return false
	}
}
