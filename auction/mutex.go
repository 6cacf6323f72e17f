package auction

import (
	"context"
	"sync"
)

// localMutexSet 保存單機模式下每個 key 的鎖，沒有人使用時會被移除
type localMutexSet struct {
	mu    sync.Mutex
	locks map[string]*localLock
}

type localLock struct {
	ch   chan struct{}
	refs int
}

// NewLocalMutexFactory 建立只在單一程序內有效的拍賣鎖，沒有 Redis 時使用
func NewLocalMutexFactory() MutexFactory {
	set := &localMutexSet{locks: make(map[string]*localLock)}
	return func(key string) Mutex {
		return &localMutex{set: set, key: key}
	}
}

func (s *localMutexSet) acquire(key string) *localLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &localLock{ch: make(chan struct{}, 1)}
		s.locks[key] = l
	}
	l.refs++
	return l
}

func (s *localMutexSet) release(key string, l *localLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, key)
	}
}

type localMutex struct {
	set    *localMutexSet
	key    string
	lock   *localLock
	cancel context.CancelFunc
	mu     sync.Mutex
}

func (m *localMutex) Lock(ctx context.Context) (context.Context, error) {
	l := m.set.acquire(m.key)
	select {
	case <-ctx.Done():
		m.set.release(m.key, l)
		return nil, ctx.Err()
	case l.ch <- struct{}{}:
	}
	lockCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.lock = l
	m.cancel = cancel
	m.mu.Unlock()
	return lockCtx, nil
}

func (m *localMutex) Unlock() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lock == nil {
		return false, nil
	}
	m.cancel()
	<-m.lock.ch
	m.set.release(m.key, m.lock)
	m.lock = nil
	return true, nil
}

func (m *localMutex) Valid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lock != nil
}
