// internal/services/lock_manager.go
package services

import (
	"sync"
	"time"
)

// LockManager 蓝图级别的锁管理器。
// 蓝图文档是唯一的共享可变资源，所有写路径（用户编辑合并、
// 任务结果合并、自动保存落盘）都必须在对应蓝图锁内执行。
type LockManager struct {
	blueprintLocks map[string]*LockInfo
	globalLock     sync.RWMutex
}

// LockInfo 包装锁和相关信息
type LockInfo struct {
	Mutex    *sync.RWMutex
	LastUsed time.Time
}

// NewLockManager 创建锁管理器
func NewLockManager() *LockManager {
	return &LockManager{
		blueprintLocks: make(map[string]*LockInfo),
	}
}

// GetBlueprintLock 获取蓝图锁（线程安全，不存在则创建）
func (lm *LockManager) GetBlueprintLock(blueprintID string) *sync.RWMutex {
	lm.globalLock.RLock()
	if lockInfo, exists := lm.blueprintLocks[blueprintID]; exists {
		lm.globalLock.RUnlock()
		lockInfo.LastUsed = time.Now()
		return lockInfo.Mutex
	}
	lm.globalLock.RUnlock()

	// 升级为写锁
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	// 双重检查（在写锁保护下是安全的）
	if lockInfo, exists := lm.blueprintLocks[blueprintID]; exists {
		lockInfo.LastUsed = time.Now()
		return lockInfo.Mutex
	}

	lock := &sync.RWMutex{}
	lm.blueprintLocks[blueprintID] = &LockInfo{
		Mutex:    lock,
		LastUsed: time.Now(),
	}
	return lock
}

// ExecuteWithBlueprintLock 在蓝图写锁保护下执行操作
func (lm *LockManager) ExecuteWithBlueprintLock(blueprintID string, fn func() error) error {
	lock := lm.GetBlueprintLock(blueprintID)
	lock.Lock()
	defer lock.Unlock()
	return fn()
}

// ExecuteWithBlueprintReadLock 在蓝图读锁保护下执行操作
func (lm *LockManager) ExecuteWithBlueprintReadLock(blueprintID string, fn func() error) error {
	lock := lm.GetBlueprintLock(blueprintID)
	lock.RLock()
	defer lock.RUnlock()
	return fn()
}

// CleanupUnusedLocks 清理长时间未使用的锁，由维护调度器调用
func (lm *LockManager) CleanupUnusedLocks(maxLocks int, lockTimeout time.Duration) {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	// 只有在锁数量过多时才清理
	if len(lm.blueprintLocks) <= maxLocks {
		return
	}

	now := time.Now()
	for id, lockInfo := range lm.blueprintLocks {
		if now.Sub(lockInfo.LastUsed) > lockTimeout {
			delete(lm.blueprintLocks, id)
		}
	}
}
