// internal/models/blueprint.go
package models

import (
	"encoding/json"
	"time"
)

// WorkflowStatus 蓝图所处的工作流阶段标识
type WorkflowStatus string

const (
	StatusTranscriptInput     WorkflowStatus = "transcript_input"
	StatusDialogueMapping     WorkflowStatus = "dialogue_mapping"
	StatusNarrativeRefinement WorkflowStatus = "narrative_refinement"
	StatusResearchApproval    WorkflowStatus = "research_approval"
	StatusDraftReview         WorkflowStatus = "draft_review"
	StatusVoiceoverRecording  WorkflowStatus = "voiceover_recording"
	StatusFinal               WorkflowStatus = "final"

	// StatusLegacyView 旧数据兜底状态：存在成稿内容但缺少可识别的工作流状态
	StatusLegacyView WorkflowStatus = "legacy_view"
)

// 对白条目的审核状态
const (
	DialogueNeedsReview = "needs_review"
	DialogueConfirmed   = "confirmed"
)

// LocationUnassigned 未能归属到任何拍摄地点的对白使用的哨兵标签
const LocationUnassigned = "Unassigned"

// DialogueEntry 对白分段条目：一段转录文本及其归属的拍摄地点
type DialogueEntry struct {
	DialogueChunk string `json:"dialogueChunk"`
	LocationTag   string `json:"locationTag"`
	Status        string `json:"status"` // needs_review / confirmed
}

// ArcStep 叙事弧中的一个步骤
type ArcStep struct {
	Step              int      `json:"step"`
	Description       string   `json:"description"`
	LocationsFeatured []string `json:"locations_featured"`
}

// ResearchSuggestion 按地点建议的研究主题
type ResearchSuggestion struct {
	Location string   `json:"location"`
	Topics   []string `json:"topics"`
}

// NarrativeProposal 一版叙事提案。提案历史只追加、不修改
type NarrativeProposal struct {
	ID               string               `json:"id"`
	CoreAngle        string               `json:"coreAngle"`
	NarrativeArc     []ArcStep            `json:"narrativeArc"`
	ValueAddResearch []ResearchSuggestion `json:"valueAddResearch,omitempty"`
	CreatedAt        time.Time            `json:"created_at,omitempty"`
}

// ResearchNote 某个地点的一条候选研究素材（事实或故事，二者取其一）
type ResearchNote struct {
	Fact     string `json:"fact,omitempty"`
	Story    string `json:"story,omitempty"`
	Approved bool   `json:"approved"`
}

// Text 返回素材正文（fact 优先）
func (n ResearchNote) Text() string {
	if n.Fact != "" {
		return n.Fact
	}
	return n.Story
}

// 成稿脚本块类型
const (
	BlockVoiceover = "voiceover"
	BlockOnCamera  = "on_camera"
)

// ScriptBlock 成稿中的一个内容块：出镜对白或旁白
type ScriptBlock struct {
	Type     string `json:"type"` // voiceover / on_camera
	Location string `json:"location"`
	Text     string `json:"text"`
}

// SequenceLocation 剪辑序列中某地点需要的素材类型
type SequenceLocation struct {
	Name         string   `json:"name"`
	FootageTypes []string `json:"footage_types"`
}

// 剪辑序列类型
const (
	SequenceHook       = "hook"
	SequenceIntro      = "intro"
	SequenceContent    = "content"
	SequenceConclusion = "conclusion"
)

// EditingSequence 面向剪辑的序列条目
type EditingSequence struct {
	Name             string             `json:"name"`
	Type             string             `json:"type"` // hook / intro / content / conclusion
	VoiceoverScript  string             `json:"voiceover_script"`
	OnCameraDialogue string             `json:"on_camera_dialogue"`
	Locations        []SequenceLocation `json:"locations"`
}

// Shot 初始蓝图变体使用的分镜条目
type Shot struct {
	ShotID               string   `json:"shot_id"`
	SceneID              string   `json:"scene_id"`
	Location             string   `json:"location"`
	ShotType             string   `json:"shot_type"`
	ShotDescription      string   `json:"shot_description"`
	OnCameraDialogue     string   `json:"on_camera_dialogue,omitempty"`
	VoiceoverScript      string   `json:"voiceover_script,omitempty"`
	AIResearchNotes      []string `json:"ai_research_notes,omitempty"`
	EstimatedTimeSeconds int      `json:"estimated_time_seconds"`
}

// Blueprint 单个视频的创作蓝图，是持久化与并发控制的最小单元。
// 各阶段字段均为可选，由工作流状态机决定哪些字段处于活跃状态。
type Blueprint struct {
	VideoID        string         `json:"video_id"`
	WorkflowStatus WorkflowStatus `json:"workflowStatus,omitempty"`

	RawTranscript      string                    `json:"rawTranscript,omitempty"`
	DialogueMap        []DialogueEntry           `json:"dialogueMap,omitempty"`
	NarrativeProposals []NarrativeProposal       `json:"narrativeProposals,omitempty"`
	ApprovedNarrative  *NarrativeProposal        `json:"approvedNarrative,omitempty"`
	ResearchNotes      map[string][]ResearchNote `json:"researchNotes,omitempty"`

	// DraftScript 按地点组织的旁白草稿
	DraftScript         map[string]string `json:"draftScript,omitempty"`
	FinalScript         []ScriptBlock     `json:"finalScript,omitempty"`
	RecordableVoiceover string            `json:"recordableVoiceover,omitempty"`
	EditingShotList     []EditingSequence `json:"editingShotList,omitempty"`

	// Shots 初始蓝图变体：直接生成的分镜列表
	Shots []Shot `json:"shots,omitempty"`

	// LegacyScript 旧版单体脚本字段，仅用于识别历史数据
	LegacyScript string `json:"script,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// CurrentProposal 返回最新的叙事提案（历史中的最后一项）
func (b *Blueprint) CurrentProposal() *NarrativeProposal {
	if len(b.NarrativeProposals) == 0 {
		return nil
	}
	return &b.NarrativeProposals[len(b.NarrativeProposals)-1]
}

// HasTerminalContent 判断蓝图是否已有成稿内容（用于旧数据识别）
func (b *Blueprint) HasTerminalContent() bool {
	return len(b.FinalScript) > 0 || b.LegacyScript != ""
}

// Clone 深拷贝蓝图。自动保存与任务结果合并都依赖快照隔离，
// 这里通过JSON往返实现，避免手工维护逐字段拷贝。
func (b *Blueprint) Clone() *Blueprint {
	if b == nil {
		return nil
	}
	data, err := json.Marshal(b)
	if err != nil {
		copied := *b
		return &copied
	}
	clone := &Blueprint{}
	if err := json.Unmarshal(data, clone); err != nil {
		copied := *b
		return &copied
	}
	return clone
}

// Snapshot 返回蓝图的规范化JSON表示，用于自动保存的变更对比
func (b *Blueprint) Snapshot() string {
	data, err := json.Marshal(b)
	if err != nil {
		return ""
	}
	return string(data)
}
