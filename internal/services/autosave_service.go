// internal/services/autosave_service.go
package services

import (
	"sync"
	"time"

	"github.com/Corphon/ScriptFlowMCP/internal/models"
	"github.com/Corphon/ScriptFlowMCP/internal/utils"
)

// Clock 时间源抽象，便于在测试里用假时钟驱动防抖窗口
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock 真实时间源
func SystemClock() Clock { return systemClock{} }

// pendingSave 一份等待落盘的工作副本。
// generation 记录观察时所在的蓝图世代，任务结果合并会推进世代，
// 旧世代的副本视为过期，不再落盘。
type pendingSave struct {
	working    *models.Blueprint
	lastChange time.Time
	generation uint64
}

// AutosaveService 自动保存控制器。
// 观察蓝图工作副本的变更，在防抖窗口内合并连续编辑，
// 窗口静默后整体落盘。任务进行期间挂起；任务成功后挂起期间
// 观察到的旧副本作废（任务结果优先），任务失败后恢复落盘。
type AutosaveService struct {
	blueprints *BlueprintService
	locks      *LockManager
	tasks      *TaskService
	clock      Clock
	debounce   time.Duration

	mutex         sync.Mutex
	pending       map[string]*pendingSave
	lastPersisted map[string]string // 蓝图ID → 最近一次落盘的快照
	generations   map[string]uint64 // 蓝图ID → 当前世代，任务合并时递增

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewAutosaveService 创建自动保存控制器。clock为nil时使用系统时钟。
func NewAutosaveService(blueprints *BlueprintService, locks *LockManager, tasks *TaskService, debounce time.Duration, clock Clock) *AutosaveService {
	if clock == nil {
		clock = SystemClock()
	}
	s := &AutosaveService{
		blueprints:    blueprints,
		locks:         locks,
		tasks:         tasks,
		clock:         clock,
		debounce:      debounce,
		pending:       make(map[string]*pendingSave),
		lastPersisted: make(map[string]string),
		generations:   make(map[string]uint64),
	}

	// 任务结束后尽快恢复被挂起的保存。
	// 任务成功时其结果已整体落盘，挂起期间观察到的工作副本
	// 基于合并前的旧状态，直接落盘会覆盖任务结果，必须作废。
	if tasks != nil {
		tasks.AddLifecycleListener(func(update models.TaskUpdate) {
			if !update.Status.IsTerminal() {
				return
			}
			if update.Status == models.TaskComplete {
				s.discardStale(update.BlueprintID)
			}
			s.FlushDue()
		})
	}

	return s
}

// Observe 记录一次工作副本变更，重置该蓝图的防抖窗口
func (s *AutosaveService) Observe(bp *models.Blueprint) {
	if bp == nil || bp.VideoID == "" {
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.pending[bp.VideoID] = &pendingSave{
		working:    bp.Clone(),
		lastChange: s.clock.Now(),
		generation: s.generations[bp.VideoID],
	}
}

// discardStale 推进蓝图世代并丢弃旧世代的待保存副本。
// 任务结果合并落盘后调用：之前观察到的工作副本基于合并前的状态。
func (s *AutosaveService) discardStale(id string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.generations[id]++
	if p, ok := s.pending[id]; ok && p.generation < s.generations[id] {
		delete(s.pending, id)
		utils.GetLogger().Debug("丢弃过期的自动保存副本", utils.BlueprintFields(id, nil))
	}
	// 旧快照已不能代表盘上内容
	delete(s.lastPersisted, id)
}

// MarkPersisted 外部写路径（用户显式保存、任务结果合并）完成后调用，
// 避免自动保存对同一内容重复落盘。
func (s *AutosaveService) MarkPersisted(bp *models.Blueprint) {
	if bp == nil || bp.VideoID == "" {
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	snapshot := bp.Snapshot()
	s.lastPersisted[bp.VideoID] = snapshot
	if p, ok := s.pending[bp.VideoID]; ok && p.working.Snapshot() == snapshot {
		delete(s.pending, bp.VideoID)
	}
}

// FlushDue 落盘所有防抖窗口已静默且未被任务挂起的工作副本，
// 返回实际落盘的数量。由后台循环周期性调用，测试可直接驱动。
func (s *AutosaveService) FlushDue() int {
	now := s.clock.Now()

	s.mutex.Lock()
	var due []string
	for id, p := range s.pending {
		if now.Sub(p.lastChange) >= s.debounce {
			due = append(due, id)
		}
	}
	s.mutex.Unlock()

	flushed := 0
	for _, id := range due {
		if s.flush(id) {
			flushed++
		}
	}
	return flushed
}

// FlushAll 无视防抖窗口，立即落盘全部待保存副本（进程关闭前调用）
func (s *AutosaveService) FlushAll() int {
	s.mutex.Lock()
	var ids []string
	for id := range s.pending {
		ids = append(ids, id)
	}
	s.mutex.Unlock()

	flushed := 0
	for _, id := range ids {
		if s.flush(id) {
			flushed++
		}
	}
	return flushed
}

// flush 落盘单个蓝图的工作副本，返回是否真正写入。
// 失败不致命：副本留在队列里，下个周期重试。
func (s *AutosaveService) flush(id string) bool {
	// 任务进行中挂起：任务结果即将整体落盘，避免交叉写入
	if s.tasks != nil && s.tasks.HasActiveTask(id) {
		return false
	}

	s.mutex.Lock()
	p, ok := s.pending[id]
	if !ok {
		s.mutex.Unlock()
		return false
	}
	if p.generation < s.generations[id] {
		// 任务合并后遗留的旧世代副本
		delete(s.pending, id)
		s.mutex.Unlock()
		return false
	}

	snapshot := p.working.Snapshot()
	if snapshot == s.lastPersisted[id] {
		// 内容未变，无需写入
		delete(s.pending, id)
		s.mutex.Unlock()
		return false
	}
	working := p.working.Clone()
	s.mutex.Unlock()

	err := s.locks.ExecuteWithBlueprintLock(id, func() error {
		return s.blueprints.SaveBlueprint(working)
	})
	if err != nil {
		utils.GetLogger().Warn("自动保存失败，将在下个周期重试", utils.BlueprintFields(id, map[string]interface{}{
			"error": err.Error(),
		}))
		return false
	}

	s.mutex.Lock()
	s.lastPersisted[id] = snapshot
	// 落盘期间没有新的变更才出队
	if current, ok := s.pending[id]; ok && current.lastChange.Equal(p.lastChange) {
		delete(s.pending, id)
	}
	s.mutex.Unlock()

	utils.GetLogger().Debug("自动保存完成", utils.BlueprintFields(id, nil))
	return true
}

// Start 启动后台保存循环
func (s *AutosaveService) Start(interval time.Duration) {
	s.mutex.Lock()
	if s.stopCh != nil {
		s.mutex.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mutex.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.FlushDue()
			case <-stopCh:
				return
			}
		}
	}()
}

// Stop 停止后台循环并把剩余副本全部落盘
func (s *AutosaveService) Stop() {
	s.mutex.Lock()
	if s.stopCh == nil {
		s.mutex.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	s.mutex.Unlock()

	s.wg.Wait()
	s.FlushAll()
}
