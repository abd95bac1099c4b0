// internal/services/assembler_test.go
package services

import (
	"strings"
	"testing"

	"github.com/Corphon/ScriptFlowMCP/internal/models"
)

func TestAssembleScript_InterleavesByNarrativeArc(t *testing.T) {
	arc := []models.ArcStep{
		{Step: 1, Description: "高塔开场", LocationsFeatured: []string{"Tower"}},
		{Step: 2, Description: "市场收尾", LocationsFeatured: []string{"Market"}},
	}
	dialogueMap := []models.DialogueEntry{
		{DialogueChunk: "塔上的第一句", LocationTag: "Tower", Status: models.DialogueConfirmed},
		{DialogueChunk: "市场的第一句", LocationTag: "Market", Status: models.DialogueConfirmed},
		{DialogueChunk: "塔上的第二句", LocationTag: "Tower", Status: models.DialogueConfirmed},
	}
	draft := map[string]string{
		"Tower":  "塔的旁白",
		"Market": "市场的旁白",
	}

	result := AssembleScript(arc, dialogueMap, draft)

	// 每个步骤先旁白后对白，同地点对白保持映射原始顺序
	wantTexts := []string{"塔的旁白", "塔上的第一句", "塔上的第二句", "市场的旁白", "市场的第一句"}
	if len(result.FinalScript) != len(wantTexts) {
		t.Fatalf("成稿块数不符: 期望 %d, 实际 %d", len(wantTexts), len(result.FinalScript))
	}
	for i, want := range wantTexts {
		if result.FinalScript[i].Text != want {
			t.Errorf("第%d块文本不符: 期望 %q, 实际 %q", i, want, result.FinalScript[i].Text)
		}
	}

	if result.FinalScript[0].Type != models.BlockVoiceover {
		t.Errorf("第0块应为旁白, 实际 %q", result.FinalScript[0].Type)
	}
	if result.FinalScript[1].Type != models.BlockOnCamera {
		t.Errorf("第1块应为出镜对白, 实际 %q", result.FinalScript[1].Type)
	}

	if result.RecordableVoiceover != "塔的旁白\n\n市场的旁白" {
		t.Errorf("可录旁白不符: %q", result.RecordableVoiceover)
	}
}

func TestAssembleScript_NoLossNoDuplication(t *testing.T) {
	// 叙事弧只覆盖一个地点，其余分段也必须恰好出现一次
	arc := []models.ArcStep{
		{Step: 1, Description: "只讲塔", LocationsFeatured: []string{"Tower"}},
	}
	dialogueMap := []models.DialogueEntry{
		{DialogueChunk: "塔的对白", LocationTag: "Tower"},
		{DialogueChunk: "市场的对白", LocationTag: "Market"},
		{DialogueChunk: "无归属的对白", LocationTag: models.LocationUnassigned},
	}

	result := AssembleScript(arc, dialogueMap, map[string]string{"Tower": "塔的旁白"})

	counts := make(map[string]int)
	for _, block := range result.FinalScript {
		if block.Type == models.BlockOnCamera {
			counts[block.Text]++
		}
	}

	for _, entry := range dialogueMap {
		if counts[entry.DialogueChunk] != 1 {
			t.Errorf("对白 %q 出现 %d 次, 期望恰好1次", entry.DialogueChunk, counts[entry.DialogueChunk])
		}
	}
}

func TestAssembleScript_LeftoverVoiceoverSortedByLocation(t *testing.T) {
	// 叙事弧未覆盖的旁白按地点名排序，结果必须确定
	draft := map[string]string{
		"Zoo":    "动物园旁白",
		"Bridge": "大桥旁白",
	}

	result := AssembleScript(nil, nil, draft)

	if len(result.FinalScript) != 2 {
		t.Fatalf("成稿块数不符: %d", len(result.FinalScript))
	}
	if result.FinalScript[0].Location != "Bridge" || result.FinalScript[1].Location != "Zoo" {
		t.Errorf("剩余旁白应按地点名排序: %q, %q",
			result.FinalScript[0].Location, result.FinalScript[1].Location)
	}
}

func TestAssembleScript_EmptyDraftProducesNoBlock(t *testing.T) {
	arc := []models.ArcStep{
		{Step: 1, Description: "空旁白地点", LocationsFeatured: []string{"Tower"}},
	}
	dialogueMap := []models.DialogueEntry{
		{DialogueChunk: "塔的对白", LocationTag: "Tower"},
	}

	// 零条批准素材的地点允许空旁白
	result := AssembleScript(arc, dialogueMap, map[string]string{"Tower": ""})

	for _, block := range result.FinalScript {
		if block.Type == models.BlockVoiceover {
			t.Errorf("空旁白不应产出内容块: %+v", block)
		}
	}
	if strings.Contains(result.RecordableVoiceover, "Tower") || result.RecordableVoiceover != "" {
		t.Errorf("可录旁白应为空: %q", result.RecordableVoiceover)
	}
}
