// internal/services/autosave_service_test.go
package services

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Corphon/ScriptFlowMCP/internal/llm"
	"github.com/Corphon/ScriptFlowMCP/internal/models"
)

// fakeClock 手动推进的时间源，驱动防抖窗口
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newAutosaveEnv(t *testing.T, debounce time.Duration) (*testEnv, *AutosaveService, *fakeClock) {
	t.Helper()
	env := newTestEnv(t)
	clock := newFakeClock()
	autosave := NewAutosaveService(env.blueprints, env.locks, env.tasks, debounce, clock)
	return env, autosave, clock
}

func TestAutosave_FlushesOnlyAfterDebounceWindow(t *testing.T) {
	env, autosave, clock := newAutosaveEnv(t, time.Second)
	env.seedVideo(t, "v1")

	bp, _ := env.blueprints.GetBlueprint("v1")
	bp.RawTranscript = "编辑中的转录"
	autosave.Observe(bp)

	// 窗口未静默，不落盘
	if flushed := autosave.FlushDue(); flushed != 0 {
		t.Errorf("防抖窗口内不应落盘, 实际落盘 %d", flushed)
	}
	saved, _ := env.blueprints.GetBlueprint("v1")
	if saved.RawTranscript != "" {
		t.Errorf("窗口内不应出现落盘内容: %q", saved.RawTranscript)
	}

	// 窗口静默后落盘
	clock.Advance(2 * time.Second)
	if flushed := autosave.FlushDue(); flushed != 1 {
		t.Errorf("窗口静默后应落盘1份, 实际 %d", flushed)
	}
	saved, _ = env.blueprints.GetBlueprint("v1")
	if saved.RawTranscript != "编辑中的转录" {
		t.Errorf("落盘内容不符: %q", saved.RawTranscript)
	}

	// 已落盘的副本不会重复写入
	if flushed := autosave.FlushDue(); flushed != 0 {
		t.Errorf("无待保存副本时不应落盘, 实际 %d", flushed)
	}
}

func TestAutosave_ObserveResetsDebounceWindow(t *testing.T) {
	env, autosave, clock := newAutosaveEnv(t, time.Second)
	env.seedVideo(t, "v1")

	bp, _ := env.blueprints.GetBlueprint("v1")
	bp.RawTranscript = "第一版"
	autosave.Observe(bp)

	// 连续编辑不断重置窗口
	clock.Advance(800 * time.Millisecond)
	bp.RawTranscript = "第二版"
	autosave.Observe(bp)

	clock.Advance(800 * time.Millisecond)
	if flushed := autosave.FlushDue(); flushed != 0 {
		t.Errorf("窗口被重置后不应落盘, 实际 %d", flushed)
	}

	clock.Advance(time.Second)
	if flushed := autosave.FlushDue(); flushed != 1 {
		t.Errorf("静默后应落盘, 实际 %d", flushed)
	}

	// 落盘的是最后一次观察到的副本
	saved, _ := env.blueprints.GetBlueprint("v1")
	if saved.RawTranscript != "第二版" {
		t.Errorf("应落盘最新副本, 实际 %q", saved.RawTranscript)
	}
}

func TestAutosave_MarkPersistedSkipsUnchangedContent(t *testing.T) {
	env, autosave, clock := newAutosaveEnv(t, time.Second)
	env.seedVideo(t, "v1")

	bp, err := env.blueprints.Mutate("v1", func(bp *models.Blueprint) error {
		bp.RawTranscript = "已显式保存的转录"
		return nil
	})
	if err != nil {
		t.Fatalf("准备蓝图失败: %v", err)
	}

	// 显式保存路径已落盘同样的内容
	autosave.MarkPersisted(bp)
	autosave.Observe(bp)

	clock.Advance(2 * time.Second)
	if flushed := autosave.FlushDue(); flushed != 0 {
		t.Errorf("内容未变时不应重复落盘, 实际 %d", flushed)
	}

	// 内容变了就照常落盘
	bp.RawTranscript = "又改了一版"
	autosave.Observe(bp)
	clock.Advance(2 * time.Second)
	if flushed := autosave.FlushDue(); flushed != 1 {
		t.Errorf("内容变化后应落盘, 实际 %d", flushed)
	}
}

func TestAutosave_SuspendedWhileTaskActive(t *testing.T) {
	env, autosave, clock := newAutosaveEnv(t, time.Second)
	env.seedVideo(t, "v1")

	block := make(chan struct{})
	env.provider.setRespond(func(req llm.CompletionRequest) (string, error) {
		<-block
		return `[{"dialogueChunk": "塔上的话", "locationTag": "Tower"}]`, nil
	})

	task, err := env.tasks.Submit("v1", models.TaskMapDialogue, models.TaskInput{
		Transcript: "塔上的话",
		Locations:  []string{"Tower"},
	})
	if err != nil {
		t.Fatalf("提交任务失败: %v", err)
	}

	bp, _ := env.blueprints.GetBlueprint("v1")
	bp.RawTranscript = "任务进行中的编辑"
	autosave.Observe(bp)

	// 任务进行期间挂起，即使窗口已静默
	clock.Advance(2 * time.Second)
	if flushed := autosave.FlushDue(); flushed != 0 {
		t.Errorf("任务进行中不应落盘, 实际 %d", flushed)
	}
	saved, _ := env.blueprints.GetBlueprint("v1")
	if saved.RawTranscript == "任务进行中的编辑" {
		t.Errorf("挂起期间不应出现落盘内容")
	}

	close(block)
	env.waitTask(t, task.ID)
}

func TestAutosave_TaskMergeInvalidatesStaleWorkingCopy(t *testing.T) {
	env, autosave, clock := newAutosaveEnv(t, time.Second)
	env.seedVideo(t, "v1")

	// 注册在自动保存之后：收到通知时自动保存的监听已处理完该任务
	merged := make(chan struct{})
	env.tasks.AddLifecycleListener(func(update models.TaskUpdate) {
		if update.Status == models.TaskComplete {
			close(merged)
		}
	})

	block := make(chan struct{})
	env.provider.setRespond(func(req llm.CompletionRequest) (string, error) {
		<-block
		return `[{"dialogueChunk": "塔上的话", "locationTag": "Tower"}]`, nil
	})

	task, err := env.tasks.Submit("v1", models.TaskMapDialogue, models.TaskInput{
		Transcript: "塔上的话",
		Locations:  []string{"Tower"},
	})
	if err != nil {
		t.Fatalf("提交任务失败: %v", err)
	}

	// 任务期间的编辑基于合并前的工作副本
	bp, _ := env.blueprints.GetBlueprint("v1")
	bp.RawTranscript = "任务期间的编辑"
	autosave.Observe(bp)
	clock.Advance(2 * time.Second)

	close(block)
	env.waitTask(t, task.ID)
	<-merged

	// 旧副本已作废，不会再落盘
	if flushed := autosave.FlushDue(); flushed != 0 {
		t.Errorf("过期副本不应落盘, 实际 %d", flushed)
	}

	saved, _ := env.blueprints.GetBlueprint("v1")
	if len(saved.DialogueMap) != 1 {
		t.Fatalf("任务合并的对白映射被覆盖: %d 条", len(saved.DialogueMap))
	}
	if saved.WorkflowStatus != models.StatusDialogueMapping {
		t.Errorf("任务合并后的阶段被回退: %q", saved.WorkflowStatus)
	}
	if saved.RawTranscript == "任务期间的编辑" {
		t.Errorf("过期副本覆盖了任务结果")
	}

	// 任务结束后的新编辑照常保存
	bp, _ = env.blueprints.GetBlueprint("v1")
	bp.RawTranscript = "任务结束后的编辑"
	autosave.Observe(bp)
	clock.Advance(2 * time.Second)
	if flushed := autosave.FlushDue(); flushed != 1 {
		t.Fatalf("新世代副本应照常落盘, 实际 %d", flushed)
	}
	saved, _ = env.blueprints.GetBlueprint("v1")
	if saved.RawTranscript != "任务结束后的编辑" {
		t.Errorf("新编辑未落盘: %q", saved.RawTranscript)
	}
	if len(saved.DialogueMap) != 1 {
		t.Errorf("新编辑落盘不应丢失任务结果: %d 条", len(saved.DialogueMap))
	}
}

func TestAutosave_ResumesAfterTaskFailure(t *testing.T) {
	env, autosave, clock := newAutosaveEnv(t, time.Second)
	env.seedVideo(t, "v1")

	failed := make(chan struct{})
	env.tasks.AddLifecycleListener(func(update models.TaskUpdate) {
		if update.Status == models.TaskFailed {
			close(failed)
		}
	})

	block := make(chan struct{})
	env.provider.setRespond(func(req llm.CompletionRequest) (string, error) {
		<-block
		return "", errors.New("提供者暂时不可用")
	})

	_, err := env.tasks.Submit("v1", models.TaskMapDialogue, models.TaskInput{
		Transcript: "塔上的话",
		Locations:  []string{"Tower"},
	})
	if err != nil {
		t.Fatalf("提交任务失败: %v", err)
	}

	bp, _ := env.blueprints.GetBlueprint("v1")
	bp.RawTranscript = "任务期间的编辑"
	autosave.Observe(bp)
	clock.Advance(2 * time.Second)

	// 任务失败没有合并结果，挂起的副本由生命周期监听恢复落盘
	close(block)
	<-failed

	saved, _ := env.blueprints.GetBlueprint("v1")
	if saved.RawTranscript != "任务期间的编辑" {
		t.Errorf("任务失败后挂起的副本应恢复落盘: %q", saved.RawTranscript)
	}
}

func TestAutosave_FlushAllIgnoresDebounceWindow(t *testing.T) {
	env, autosave, _ := newAutosaveEnv(t, time.Hour)
	env.seedVideo(t, "v1")
	env.seedVideo(t, "v2")

	bp1, _ := env.blueprints.GetBlueprint("v1")
	bp1.RawTranscript = "关闭前的编辑一"
	autosave.Observe(bp1)

	bp2, _ := env.blueprints.GetBlueprint("v2")
	bp2.RawTranscript = "关闭前的编辑二"
	autosave.Observe(bp2)

	// 进程关闭路径无视防抖窗口
	if flushed := autosave.FlushAll(); flushed != 2 {
		t.Errorf("应落盘全部待保存副本, 实际 %d", flushed)
	}

	for _, id := range []string{"v1", "v2"} {
		saved, _ := env.blueprints.GetBlueprint(id)
		if saved.RawTranscript == "" {
			t.Errorf("蓝图 %s 未落盘", id)
		}
	}
}

func TestAutosave_ObserveIgnoresInvalidBlueprint(t *testing.T) {
	_, autosave, clock := newAutosaveEnv(t, time.Second)

	autosave.Observe(nil)
	autosave.Observe(&models.Blueprint{})

	clock.Advance(2 * time.Second)
	if flushed := autosave.FlushDue(); flushed != 0 {
		t.Errorf("无效副本不应进入保存队列, 实际 %d", flushed)
	}
}
