// internal/scheduler/scheduler.go
package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Corphon/ScriptFlowMCP/internal/services"
	"github.com/Corphon/ScriptFlowMCP/internal/storage"
	"github.com/Corphon/ScriptFlowMCP/internal/utils"
)

// Scheduler 后台维护调度器：
// 周期性清理终态任务、过期的存储读缓存和长期未使用的蓝图锁。
type Scheduler struct {
	cron          *cron.Cron
	tasks         *services.TaskService
	storage       *storage.FileStorage
	locks         *services.LockManager
	taskRetention time.Duration
}

// New 创建维护调度器
func New(tasks *services.TaskService, fs *storage.FileStorage, locks *services.LockManager, taskRetention time.Duration) *Scheduler {
	return &Scheduler{
		cron:          cron.New(),
		tasks:         tasks,
		storage:       fs,
		locks:         locks,
		taskRetention: taskRetention,
	}
}

// Start 注册维护作业并启动调度
func (s *Scheduler) Start() error {
	// 终态任务清理
	if _, err := s.cron.AddFunc("@every 10m", s.cleanupTasks); err != nil {
		return err
	}

	// 存储读缓存清扫
	if _, err := s.cron.AddFunc("@every 2m", s.sweepStorageCache); err != nil {
		return err
	}

	// 蓝图锁回收
	if _, err := s.cron.AddFunc("@every 30m", s.cleanupLocks); err != nil {
		return err
	}

	s.cron.Start()
	utils.GetLogger().Info("维护调度器已启动", map[string]interface{}{
		"task_retention": s.taskRetention.String(),
	})
	return nil
}

// Stop 停止调度，等待正在执行的作业结束
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) cleanupTasks() {
	removed := s.tasks.CleanupCompletedTasks(s.taskRetention)
	if removed > 0 {
		utils.GetLogger().Info("已清理终态任务", map[string]interface{}{
			"removed": removed,
		})
	}
}

func (s *Scheduler) sweepStorageCache() {
	evicted := s.storage.SweepCache()
	if evicted > 0 {
		utils.GetLogger().Debug("已清扫过期的存储缓存", map[string]interface{}{
			"evicted": evicted,
		})
	}
}

func (s *Scheduler) cleanupLocks() {
	s.locks.CleanupUnusedLocks(1000, time.Hour)
}
