// internal/services/task_service.go
package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/Corphon/ScriptFlowMCP/internal/errors"
	"github.com/Corphon/ScriptFlowMCP/internal/models"
	"github.com/Corphon/ScriptFlowMCP/internal/utils"
)

// defaultTaskTimeout 单次AI操作的执行上限
const defaultTaskTimeout = 2 * time.Minute

// TaskService 任务编排层：
// 接收操作请求，生成任务句柄，异步执行已注册的操作，
// 并把成功结果在蓝图锁内整体合并。同一蓝图最多一个进行中的任务。
type TaskService struct {
	registry   *OperationRegistry
	blueprints *BlueprintService
	timeout    time.Duration

	mutex             sync.RWMutex
	tasks             map[string]*models.Task
	activeByBlueprint map[string]string

	subMutex    sync.RWMutex
	subscribers map[string]map[chan models.TaskUpdate]bool // 按蓝图ID分组
	listeners   []func(models.TaskUpdate)
}

// NewTaskService 创建任务编排服务
func NewTaskService(registry *OperationRegistry, blueprints *BlueprintService) *TaskService {
	return &TaskService{
		registry:          registry,
		blueprints:        blueprints,
		timeout:           defaultTaskTimeout,
		tasks:             make(map[string]*models.Task),
		activeByBlueprint: make(map[string]string),
		subscribers:       make(map[string]map[chan models.TaskUpdate]bool),
	}
}

// SetTimeout 调整任务执行上限（测试场景）
func (s *TaskService) SetTimeout(d time.Duration) {
	s.timeout = d
}

// Submit 提交一次操作调用：生成任务句柄并异步执行。
// 同一蓝图已有未结束的任务时拒绝提交。
func (s *TaskService) Submit(blueprintID string, taskType models.TaskType, input models.TaskInput) (*models.Task, error) {
	op, ok := s.registry.Get(taskType)
	if !ok {
		return nil, apperrors.NewProcessingError(
			fmt.Sprintf("未注册的操作: %q", taskType), nil)
	}

	s.mutex.Lock()
	if activeID, exists := s.activeByBlueprint[blueprintID]; exists {
		if active, ok := s.tasks[activeID]; ok && !active.Status.IsTerminal() {
			s.mutex.Unlock()
			return nil, apperrors.NewTaskActiveError(
				fmt.Sprintf("蓝图 %s 已有进行中的任务 %s（%s）", blueprintID, activeID, active.Type), nil)
		}
	}

	now := time.Now()
	task := &models.Task{
		ID:          fmt.Sprintf("task_%d_%s", now.UnixNano(), uuid.NewString()[:8]),
		BlueprintID: blueprintID,
		Type:        taskType,
		Status:      models.TaskQueued,
		Input:       input,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.tasks[task.ID] = task
	s.activeByBlueprint[blueprintID] = task.ID
	s.mutex.Unlock()

	s.broadcast(models.TaskUpdate{
		TaskID:      task.ID,
		BlueprintID: blueprintID,
		Type:        taskType,
		Status:      models.TaskQueued,
	})

	go s.run(task.ID, op)

	return s.snapshot(task.ID), nil
}

// Retry 重试失败的任务：原样重放提交时捕获的载荷
func (s *TaskService) Retry(taskID string) (*models.Task, error) {
	s.mutex.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mutex.Unlock()
		return nil, apperrors.NewNotFoundError("任务不存在: "+taskID, nil)
	}
	if task.Status != models.TaskFailed {
		s.mutex.Unlock()
		return nil, apperrors.NewPreconditionError(
			fmt.Sprintf("只有失败的任务可以重试，当前状态: %s", task.Status), nil)
	}

	if activeID, exists := s.activeByBlueprint[task.BlueprintID]; exists && activeID != taskID {
		if active, ok := s.tasks[activeID]; ok && !active.Status.IsTerminal() {
			s.mutex.Unlock()
			return nil, apperrors.NewTaskActiveError(
				fmt.Sprintf("蓝图 %s 已有进行中的任务 %s", task.BlueprintID, activeID), nil)
		}
	}

	op, ok := s.registry.Get(task.Type)
	if !ok {
		s.mutex.Unlock()
		return nil, apperrors.NewProcessingError(
			fmt.Sprintf("未注册的操作: %q", task.Type), nil)
	}

	task.Status = models.TaskQueued
	task.Error = ""
	task.Result = nil
	task.UpdatedAt = time.Now()
	s.activeByBlueprint[task.BlueprintID] = task.ID
	s.mutex.Unlock()

	s.broadcast(models.TaskUpdate{
		TaskID:      task.ID,
		BlueprintID: task.BlueprintID,
		Type:        task.Type,
		Status:      models.TaskQueued,
		Message:     "重试",
	})

	go s.run(task.ID, op)

	return s.snapshot(taskID), nil
}

// run 执行任务：调用操作、校验结果、在蓝图锁内合并
func (s *TaskService) run(taskID string, op *Operation) {
	task := s.transition(taskID, models.TaskInProgress, "", "")
	if task == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	result, err := op.Run(ctx, task.Input)
	if err != nil {
		s.fail(taskID, err)
		return
	}

	// 成功结果在蓝图锁内全有或全无地合并
	cleared := false
	_, err = s.blueprints.Mutate(task.BlueprintID, func(bp *models.Blueprint) error {
		if err := op.Apply(bp, result); err != nil {
			return err
		}
		cleared = InvalidateDependents(bp, task.Type)
		return nil
	})
	if err != nil {
		s.fail(taskID, err)
		return
	}

	message := ""
	if cleared {
		message = "较早阶段已重新完成，依赖其产物的下游数据已清空"
	}

	s.mutex.Lock()
	if t, ok := s.tasks[taskID]; ok {
		t.Status = models.TaskComplete
		t.Result = result
		t.UpdatedAt = time.Now()
	}
	delete(s.activeByBlueprint, task.BlueprintID)
	s.mutex.Unlock()

	utils.NewAPIMetrics().RecordTaskOutcome(string(task.Type), true, time.Since(task.CreatedAt))

	s.broadcast(models.TaskUpdate{
		TaskID:      taskID,
		BlueprintID: task.BlueprintID,
		Type:        task.Type,
		Status:      models.TaskComplete,
		Message:     message,
	})

	utils.GetLogger().Info("任务完成", utils.BlueprintFields(task.BlueprintID, map[string]interface{}{
		"task_id": taskID,
		"type":    string(task.Type),
	}))
}

// fail 把任务置为失败终态。失败任务对蓝图零影响。
func (s *TaskService) fail(taskID string, cause error) {
	s.mutex.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mutex.Unlock()
		return
	}
	task.Status = models.TaskFailed
	task.Error = cause.Error()
	task.UpdatedAt = time.Now()
	delete(s.activeByBlueprint, task.BlueprintID)
	blueprintID, taskType := task.BlueprintID, task.Type
	createdAt := task.CreatedAt
	s.mutex.Unlock()

	utils.NewAPIMetrics().RecordTaskOutcome(string(taskType), false, time.Since(createdAt))

	s.broadcast(models.TaskUpdate{
		TaskID:      taskID,
		BlueprintID: blueprintID,
		Type:        taskType,
		Status:      models.TaskFailed,
		Error:       cause.Error(),
	})

	utils.GetLogger().Error("任务失败", utils.BlueprintFields(blueprintID, map[string]interface{}{
		"task_id": taskID,
		"type":    string(taskType),
		"error":   cause.Error(),
	}))
}

// transition 推进任务状态并广播，返回任务快照
func (s *TaskService) transition(taskID string, status models.TaskStatus, message, errMsg string) *models.Task {
	s.mutex.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mutex.Unlock()
		return nil
	}
	task.Status = status
	task.UpdatedAt = time.Now()
	copied := *task
	s.mutex.Unlock()

	s.broadcast(models.TaskUpdate{
		TaskID:      taskID,
		BlueprintID: copied.BlueprintID,
		Type:        copied.Type,
		Status:      status,
		Message:     message,
		Error:       errMsg,
	})
	return &copied
}

// Status 查询任务状态（返回副本）
func (s *TaskService) Status(taskID string) (*models.Task, error) {
	task := s.snapshot(taskID)
	if task == nil {
		return nil, apperrors.NewNotFoundError("任务不存在: "+taskID, nil)
	}
	return task, nil
}

// snapshot 返回任务的浅拷贝
func (s *TaskService) snapshot(taskID string) *models.Task {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil
	}
	copied := *task
	return &copied
}

// HasActiveTask 判断蓝图当前是否有未结束的任务
func (s *TaskService) HasActiveTask(blueprintID string) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	activeID, exists := s.activeByBlueprint[blueprintID]
	if !exists {
		return false
	}
	task, ok := s.tasks[activeID]
	return ok && !task.Status.IsTerminal()
}

// ListTasks 列出某蓝图的全部任务（按创建时间排序）
func (s *TaskService) ListTasks(blueprintID string) []*models.Task {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var result []*models.Task
	for _, task := range s.tasks {
		if task.BlueprintID == blueprintID {
			copied := *task
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// CleanupCompletedTasks 清理超过保留期的终态任务，返回清理数量。
// 由维护调度器周期性调用。
func (s *TaskService) CleanupCompletedTasks(maxAge time.Duration) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, task := range s.tasks {
		if task.Status.IsTerminal() && task.UpdatedAt.Before(cutoff) {
			delete(s.tasks, id)
			removed++
		}
	}
	return removed
}

// ---------------------------------------------------------------
// 订阅与生命周期通知
// ---------------------------------------------------------------

// Subscribe 订阅某蓝图的任务状态更新
func (s *TaskService) Subscribe(blueprintID string) chan models.TaskUpdate {
	s.subMutex.Lock()
	defer s.subMutex.Unlock()

	ch := make(chan models.TaskUpdate, 16)
	if s.subscribers[blueprintID] == nil {
		s.subscribers[blueprintID] = make(map[chan models.TaskUpdate]bool)
	}
	s.subscribers[blueprintID][ch] = true
	return ch
}

// Unsubscribe 取消订阅
func (s *TaskService) Unsubscribe(blueprintID string, ch chan models.TaskUpdate) {
	s.subMutex.Lock()
	defer s.subMutex.Unlock()

	if subs, ok := s.subscribers[blueprintID]; ok {
		if subs[ch] {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(s.subscribers, blueprintID)
		}
	}
}

// AddLifecycleListener 注册任务生命周期监听器（自动保存控制器使用）。
// 监听器在广播协程内同步调用，必须快速返回。
func (s *TaskService) AddLifecycleListener(fn func(models.TaskUpdate)) {
	s.subMutex.Lock()
	defer s.subMutex.Unlock()
	s.listeners = append(s.listeners, fn)
}

// broadcast 推送任务更新：订阅者非阻塞，监听器同步
func (s *TaskService) broadcast(update models.TaskUpdate) {
	s.subMutex.RLock()
	listeners := make([]func(models.TaskUpdate), len(s.listeners))
	copy(listeners, s.listeners)

	for ch := range s.subscribers[update.BlueprintID] {
		select {
		case ch <- update:
		default:
			// 队列满则丢弃，客户端可随时轮询任务状态补齐
		}
	}
	s.subMutex.RUnlock()

	for _, fn := range listeners {
		fn(update)
	}
}
