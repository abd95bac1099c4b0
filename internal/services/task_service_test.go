// internal/services/task_service_test.go
package services

import (
	"errors"
	"strings"
	"testing"
	"time"

	apperrors "github.com/Corphon/ScriptFlowMCP/internal/errors"
	"github.com/Corphon/ScriptFlowMCP/internal/llm"
	"github.com/Corphon/ScriptFlowMCP/internal/models"
)

func TestSubmit_GeneratesTaskHandleAndCompletes(t *testing.T) {
	env := newTestEnv(t)
	env.seedVideo(t, "v1")
	env.provider.setRespond(func(req llm.CompletionRequest) (string, error) {
		return `[{"dialogueChunk": "塔上的话", "locationTag": "Tower"}]`, nil
	})

	task, err := env.tasks.Submit("v1", models.TaskMapDialogue, models.TaskInput{
		Transcript: "塔上的话",
		Locations:  []string{"Tower", "Market"},
	})
	if err != nil {
		t.Fatalf("提交任务失败: %v", err)
	}
	if !strings.HasPrefix(task.ID, "task_") {
		t.Errorf("任务ID格式不符: %q", task.ID)
	}

	done := env.waitTask(t, task.ID)
	if done.Status != models.TaskComplete {
		t.Fatalf("任务应完成, 实际 %s: %s", done.Status, done.Error)
	}

	// 成功结果已整体合并进蓝图
	bp, err := env.workflow.GetBlueprint("v1")
	if err != nil {
		t.Fatalf("读取蓝图失败: %v", err)
	}
	if len(bp.DialogueMap) != 1 {
		t.Fatalf("对白映射未合并: %d", len(bp.DialogueMap))
	}
	if bp.WorkflowStatus != models.StatusDialogueMapping {
		t.Errorf("工作流状态应推进到dialogue_mapping, 实际 %q", bp.WorkflowStatus)
	}
}

func TestSubmit_RejectsConcurrentTaskForSameBlueprint(t *testing.T) {
	env := newTestEnv(t)
	env.seedVideo(t, "v1")

	block := make(chan struct{})
	env.provider.setRespond(func(req llm.CompletionRequest) (string, error) {
		<-block
		return `[{"dialogueChunk": "塔上的话", "locationTag": "Tower"}]`, nil
	})

	input := models.TaskInput{Transcript: "塔上的话", Locations: []string{"Tower"}}
	first, err := env.tasks.Submit("v1", models.TaskMapDialogue, input)
	if err != nil {
		t.Fatalf("首个任务提交失败: %v", err)
	}

	// 首个任务未结束前，同一蓝图的第二次提交必须被拒绝
	_, err = env.tasks.Submit("v1", models.TaskMapDialogue, input)
	if !apperrors.IsTaskActiveError(err) {
		t.Fatalf("并发提交应返回任务互斥错误, 实际 %v", err)
	}

	// 其他蓝图不受影响
	env.seedVideo(t, "v2")
	if !env.tasks.HasActiveTask("v1") {
		t.Errorf("v1应有进行中的任务")
	}
	if env.tasks.HasActiveTask("v2") {
		t.Errorf("v2不应有进行中的任务")
	}

	close(block)
	env.waitTask(t, first.ID)

	// 任务结束后可以再次提交
	third, err := env.tasks.Submit("v1", models.TaskMapDialogue, input)
	if err != nil {
		t.Fatalf("任务结束后提交仍被拒绝: %v", err)
	}
	env.waitTask(t, third.ID)
}

func TestTaskFailure_BlueprintUntouchedAndRetryReplaysInput(t *testing.T) {
	env := newTestEnv(t)
	env.seedVideo(t, "v1")

	env.provider.setRespond(func(req llm.CompletionRequest) (string, error) {
		return "", errors.New("模拟提供者故障")
	})

	input := models.TaskInput{Transcript: "塔上的话", Locations: []string{"Tower"}}
	task, err := env.tasks.Submit("v1", models.TaskMapDialogue, input)
	if err != nil {
		t.Fatalf("提交任务失败: %v", err)
	}

	failed := env.waitTask(t, task.ID)
	if failed.Status != models.TaskFailed {
		t.Fatalf("任务应失败, 实际 %s", failed.Status)
	}
	if failed.Error == "" {
		t.Errorf("失败任务应携带错误描述")
	}

	// 失败任务对蓝图零影响
	bp, _ := env.workflow.GetBlueprint("v1")
	if len(bp.DialogueMap) != 0 || bp.WorkflowStatus != models.StatusTranscriptInput {
		t.Fatalf("失败任务不应改动蓝图: %+v", bp)
	}

	// 重试原样重放载荷
	env.provider.setRespond(func(req llm.CompletionRequest) (string, error) {
		if !strings.Contains(req.Prompt, "塔上的话") {
			t.Errorf("重试应重放原始载荷, 提示词: %s", req.Prompt)
		}
		return `[{"dialogueChunk": "塔上的话", "locationTag": "Tower"}]`, nil
	})

	retried, err := env.tasks.Retry(task.ID)
	if err != nil {
		t.Fatalf("重试失败: %v", err)
	}
	if retried.ID != task.ID {
		t.Errorf("重试应复用同一任务句柄: %q vs %q", retried.ID, task.ID)
	}

	done := env.waitTask(t, task.ID)
	if done.Status != models.TaskComplete {
		t.Fatalf("重试后任务应完成, 实际 %s: %s", done.Status, done.Error)
	}
}

func TestRetry_OnlyFromFailedState(t *testing.T) {
	env := newTestEnv(t)
	env.seedVideo(t, "v1")
	env.provider.setRespond(func(req llm.CompletionRequest) (string, error) {
		return `[{"dialogueChunk": "塔上的话", "locationTag": "Tower"}]`, nil
	})

	task, err := env.tasks.Submit("v1", models.TaskMapDialogue, models.TaskInput{
		Transcript: "塔上的话",
		Locations:  []string{"Tower"},
	})
	if err != nil {
		t.Fatalf("提交任务失败: %v", err)
	}
	env.waitTask(t, task.ID)

	if _, err := env.tasks.Retry(task.ID); !apperrors.IsPreconditionError(err) {
		t.Fatalf("已完成任务的重试应被拒绝, 实际 %v", err)
	}

	if _, err := env.tasks.Retry("task_unknown"); !apperrors.IsNotFoundError(err) {
		t.Fatalf("未知任务的重试应返回未找到, 实际 %v", err)
	}
}

func TestSubscribe_ReceivesLifecycleUpdates(t *testing.T) {
	env := newTestEnv(t)
	env.seedVideo(t, "v1")
	env.provider.setRespond(func(req llm.CompletionRequest) (string, error) {
		return `[{"dialogueChunk": "塔上的话", "locationTag": "Tower"}]`, nil
	})

	ch := env.tasks.Subscribe("v1")
	defer env.tasks.Unsubscribe("v1", ch)

	task, err := env.tasks.Submit("v1", models.TaskMapDialogue, models.TaskInput{
		Transcript: "塔上的话",
		Locations:  []string{"Tower"},
	})
	if err != nil {
		t.Fatalf("提交任务失败: %v", err)
	}

	seen := make(map[models.TaskStatus]bool)
	deadline := time.After(5 * time.Second)
	for !seen[models.TaskComplete] {
		select {
		case update := <-ch:
			if update.TaskID != task.ID {
				t.Errorf("更新归属错误的任务: %q", update.TaskID)
			}
			seen[update.Status] = true
		case <-deadline:
			t.Fatalf("等待任务更新超时, 已收到: %v", seen)
		}
	}

	for _, status := range []models.TaskStatus{models.TaskQueued, models.TaskInProgress, models.TaskComplete} {
		if !seen[status] {
			t.Errorf("缺少 %s 状态更新", status)
		}
	}
}

func TestCleanupCompletedTasks_RemovesOnlyExpiredTerminal(t *testing.T) {
	env := newTestEnv(t)
	env.seedVideo(t, "v1")
	env.provider.setRespond(func(req llm.CompletionRequest) (string, error) {
		return `[{"dialogueChunk": "塔上的话", "locationTag": "Tower"}]`, nil
	})

	task, err := env.tasks.Submit("v1", models.TaskMapDialogue, models.TaskInput{
		Transcript: "塔上的话",
		Locations:  []string{"Tower"},
	})
	if err != nil {
		t.Fatalf("提交任务失败: %v", err)
	}
	env.waitTask(t, task.ID)

	// 保留期内不清理
	if removed := env.tasks.CleanupCompletedTasks(time.Hour); removed != 0 {
		t.Errorf("保留期内不应清理, 实际清理 %d", removed)
	}

	time.Sleep(10 * time.Millisecond)
	if removed := env.tasks.CleanupCompletedTasks(time.Millisecond); removed != 1 {
		t.Errorf("过期终态任务应被清理, 实际清理 %d", removed)
	}

	if _, err := env.tasks.Status(task.ID); !apperrors.IsNotFoundError(err) {
		t.Errorf("清理后的任务查询应返回未找到, 实际 %v", err)
	}
}
