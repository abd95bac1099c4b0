// internal/services/assembler.go
package services

import (
	"sort"
	"strings"

	"github.com/Corphon/ScriptFlowMCP/internal/models"
)

// AssembleResult 成稿装配结果
type AssembleResult struct {
	FinalScript         []models.ScriptBlock `json:"final_script"`
	RecordableVoiceover string               `json:"recordable_voiceover"`
}

// AssembleScript 把两条独立产生的内容流（出镜对白、合成旁白）
// 按第三个排序依据（已批准叙事弧的步骤顺序）交织为完整成稿。
//
// 约束：
//   - 每条对白分段恰好出现一次，既不丢失也不重复；
//   - 同一地点的对白保持其在对白映射中的相对顺序；
//   - 叙事弧未覆盖的地点内容追加在弧内容之后（旁白按地点名排序，
//     对白按映射原始顺序），保证结果确定。
func AssembleScript(arc []models.ArcStep, dialogueMap []models.DialogueEntry, draft map[string]string) AssembleResult {
	usedChunk := make([]bool, len(dialogueMap))
	usedVoiceover := make(map[string]bool, len(draft))

	var blocks []models.ScriptBlock
	var voiceoverParts []string

	emitVoiceover := func(location string) {
		text, ok := draft[location]
		if !ok || usedVoiceover[location] {
			return
		}
		usedVoiceover[location] = true
		if strings.TrimSpace(text) == "" {
			// 零条批准素材的地点允许空旁白，不产出内容块
			return
		}
		blocks = append(blocks, models.ScriptBlock{
			Type:     models.BlockVoiceover,
			Location: location,
			Text:     text,
		})
		voiceoverParts = append(voiceoverParts, text)
	}

	emitDialogue := func(location string) {
		for i, entry := range dialogueMap {
			if usedChunk[i] || entry.LocationTag != location {
				continue
			}
			usedChunk[i] = true
			blocks = append(blocks, models.ScriptBlock{
				Type:     models.BlockOnCamera,
				Location: entry.LocationTag,
				Text:     entry.DialogueChunk,
			})
		}
	}

	// 按叙事弧步骤顺序走位：每个步骤先旁白后对白
	for _, step := range arc {
		for _, location := range step.LocationsFeatured {
			emitVoiceover(location)
			emitDialogue(location)
		}
	}

	// 叙事弧未覆盖的旁白（按地点名排序保证确定性）
	var leftoverLocations []string
	for location := range draft {
		if !usedVoiceover[location] {
			leftoverLocations = append(leftoverLocations, location)
		}
	}
	sort.Strings(leftoverLocations)
	for _, location := range leftoverLocations {
		emitVoiceover(location)
	}

	// 叙事弧未覆盖的对白，保持映射原始顺序
	for i, entry := range dialogueMap {
		if usedChunk[i] {
			continue
		}
		usedChunk[i] = true
		blocks = append(blocks, models.ScriptBlock{
			Type:     models.BlockOnCamera,
			Location: entry.LocationTag,
			Text:     entry.DialogueChunk,
		})
	}

	return AssembleResult{
		FinalScript:         blocks,
		RecordableVoiceover: strings.Join(voiceoverParts, "\n\n"),
	}
}
