// internal/models/task.go
package models

import (
	"time"
)

// TaskType 已注册的AI编辑操作标识
type TaskType string

const (
	TaskMapDialogue       TaskType = "map-dialogue"
	TaskProposeNarrative  TaskType = "propose-narrative"
	TaskRefineNarrative   TaskType = "refine-narrative"
	TaskConductResearch   TaskType = "conduct-research"
	TaskDraftVoiceover    TaskType = "draft-voiceover"
	TaskAssembleScript    TaskType = "assemble-script"
	TaskRefineScript      TaskType = "refine-script"
	TaskGenerateShotList  TaskType = "generate-shot-list"
	TaskGenerateBlueprint TaskType = "generate-blueprint"
)

// TaskStatus 任务生命周期状态
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskInProgress TaskStatus = "in-progress"
	TaskComplete   TaskStatus = "complete"
	TaskFailed     TaskStatus = "failed"
)

// IsTerminal 判断状态是否为终态
func (s TaskStatus) IsTerminal() bool {
	return s == TaskComplete || s == TaskFailed
}

// TaskInput 任务提交时捕获的请求载荷。
// 重试时原样重放该载荷，而不是从蓝图重新取材。
// 字段按操作类型选用，未用到的保持零值。
type TaskInput struct {
	Transcript        string                    `json:"transcript,omitempty"`
	Locations         []string                  `json:"locations,omitempty"`
	DialogueMap       []DialogueEntry           `json:"dialogue_map,omitempty"`
	Proposals         []NarrativeProposal       `json:"proposals,omitempty"`
	ApprovedNarrative *NarrativeProposal        `json:"approved_narrative,omitempty"`
	ResearchNotes     map[string][]ResearchNote `json:"research_notes,omitempty"`
	DraftScript       map[string]string         `json:"draft_script,omitempty"`
	FinalScript       []ScriptBlock             `json:"final_script,omitempty"`
	Voiceover         string                    `json:"voiceover,omitempty"`
	Feedback          string                    `json:"feedback,omitempty"`
	// View 全局润色的目标视图：final_script 或 recordable_voiceover
	View      string           `json:"view,omitempty"`
	Inventory FootageInventory `json:"inventory,omitempty"`
}

// Task 一次AI操作调用。由编排器独占修改，自身不持久化，
// 只有其成功结果对蓝图的影响会被保存。
type Task struct {
	ID          string      `json:"id"`
	BlueprintID string      `json:"blueprint_id"`
	Type        TaskType    `json:"type"`
	Status      TaskStatus  `json:"status"`
	Input       TaskInput   `json:"input"`
	Result      interface{} `json:"result,omitempty"` // 仅 complete 时存在
	Error       string      `json:"error,omitempty"`  // 仅 failed 时存在
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// TaskUpdate 推送给订阅者的任务状态更新
type TaskUpdate struct {
	TaskID      string     `json:"task_id"`
	BlueprintID string     `json:"blueprint_id"`
	Type        TaskType   `json:"type"`
	Status      TaskStatus `json:"status"`
	Message     string     `json:"message,omitempty"`
	Error       string     `json:"error,omitempty"`
}
