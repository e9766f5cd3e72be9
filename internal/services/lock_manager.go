// internal/services/lock_manager.go
package services

import (
	"sync"
	"sync/atomic"
	"time"
)

// LockManager 统一的会话锁管理器
// 持久化和广播路径跨协程访问同一会话时，用它保证串行
type LockManager struct {
	conversationLocks map[string]*LockInfo
	globalLock        sync.RWMutex
	cleanupTicker     *time.Ticker
}

// LockInfo 包装锁和最近使用时间
// 最近使用时间在全局读锁下也会被刷新，用原子量存储
type LockInfo struct {
	Mutex    *sync.RWMutex
	lastUsed atomic.Int64 // UnixNano
}

func (li *LockInfo) touch() {
	li.lastUsed.Store(time.Now().UnixNano())
}

// NewLockManager 创建锁管理器
func NewLockManager() *LockManager {
	lm := &LockManager{
		conversationLocks: make(map[string]*LockInfo),
	}

	// 启动清理器
	lm.startCleanup()
	return lm
}

// GetConversationLock 获取会话锁（线程安全）
func (lm *LockManager) GetConversationLock(conversationID string) *sync.RWMutex {
	lm.globalLock.RLock()
	if lockInfo, exists := lm.conversationLocks[conversationID]; exists {
		lm.globalLock.RUnlock()
		lockInfo.touch()
		return lockInfo.Mutex
	}
	lm.globalLock.RUnlock()

	// 升级为写锁
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	// 双重检查（在写锁保护下是安全的）
	if lockInfo, exists := lm.conversationLocks[conversationID]; exists {
		lockInfo.touch()
		return lockInfo.Mutex
	}

	lockInfo := &LockInfo{Mutex: &sync.RWMutex{}}
	lockInfo.touch()
	lm.conversationLocks[conversationID] = lockInfo
	return lockInfo.Mutex
}

// ExecuteWithConversationLock 在会话写锁保护下执行操作
func (lm *LockManager) ExecuteWithConversationLock(conversationID string, fn func() error) error {
	lock := lm.GetConversationLock(conversationID)
	lock.Lock()
	defer lock.Unlock()
	return fn()
}

// ExecuteWithConversationReadLock 在会话读锁保护下执行操作
func (lm *LockManager) ExecuteWithConversationReadLock(conversationID string, fn func() error) error {
	lock := lm.GetConversationLock(conversationID)
	lock.RLock()
	defer lock.RUnlock()
	return fn()
}

// 定期清理未使用的锁
func (lm *LockManager) startCleanup() {
	lm.cleanupTicker = time.NewTicker(5 * time.Minute)
	go func() {
		for range lm.cleanupTicker.C {
			lm.cleanupUnusedLocks()
		}
	}()
}

func (lm *LockManager) cleanupUnusedLocks() {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	const maxLocks = 200
	const lockTimeout = 30 * time.Minute

	// 只有在锁数量过多时才清理，且只清理长时间未使用的
	if len(lm.conversationLocks) > maxLocks {
		now := time.Now().UnixNano()
		for conversationID, lockInfo := range lm.conversationLocks {
			if now-lockInfo.lastUsed.Load() > int64(lockTimeout) {
				delete(lm.conversationLocks, conversationID)
			}
		}
	}
}
