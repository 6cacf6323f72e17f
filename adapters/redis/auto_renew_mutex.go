package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// AutoRenewMutex 在持有期間定期延長 redsync 鎖的期限
// Lock 回傳的 context 會在續期失敗或 Unlock 時被取消，持有者應以它執行受保護的工作
type AutoRenewMutex struct {
	mutex    *redsync.Mutex
	cancel   context.CancelFunc
	renewing bool
	held     bool
	mu       sync.Mutex
	wg       sync.WaitGroup
	options  autoRenewMutexOptions
}

type autoRenewMutexOptions struct {
	renewInterval time.Duration
	retryDelay    time.Duration
	expiry        time.Duration
	skipLockError bool
}

type AutoRenewMutexOption func(*autoRenewMutexOptions)

// WithAutoRenewMutexRenewInterval 設置自動續期間隔
func WithAutoRenewMutexRenewInterval(d time.Duration) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.renewInterval = d
	}
}

// WithAutoRenewMutexRetryDelay 設置鎖被佔用時的重試間隔
func WithAutoRenewMutexRetryDelay(d time.Duration) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.retryDelay = d
	}
}

// WithAutoRenewMutexExpiry 設置鎖過期時間
func WithAutoRenewMutexExpiry(d time.Duration) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.expiry = d
	}
}

// WithAutoRenewMutexSkipLockError 設置 Redis 通訊錯誤時是否繼續重試
func WithAutoRenewMutexSkipLockError(skip bool) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.skipLockError = skip
	}
}

// NewAutoRenewMutex 創建一個帶自動續期功能的互斥鎖
func NewAutoRenewMutex(client *redis.Client, key string, opts ...AutoRenewMutexOption) *AutoRenewMutex {
	return newMutexFactory(redsync.New(goredis.NewPool(client)), opts...)(key)
}

// NewMutexFactory 回傳共用同一個 redsync 實例的鎖產生器
func NewMutexFactory(client *redis.Client, opts ...AutoRenewMutexOption) func(key string) *AutoRenewMutex {
	return newMutexFactory(redsync.New(goredis.NewPool(client)), opts...)
}

func newMutexFactory(rs *redsync.Redsync, opts ...AutoRenewMutexOption) func(key string) *AutoRenewMutex {
	// 默認選項
	options := autoRenewMutexOptions{
		expiry:     8 * time.Second,
		retryDelay: 500 * time.Millisecond,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	// 未設置續期間隔時使用過期時間的 1/3
	if options.renewInterval <= 0 {
		options.renewInterval = options.expiry / 3
	}

	return func(key string) *AutoRenewMutex {
		return &AutoRenewMutex{
			mutex: rs.NewMutex(
				key,
				redsync.WithExpiry(options.expiry),
				redsync.WithTries(1),
			),
			options: options,
		}
	}
}

// Lock 獲取鎖並啟動自動續期，鎖被佔用時每隔 retryDelay 重試直到 ctx 結束
func (m *AutoRenewMutex) Lock(ctx context.Context) (context.Context, error) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			err := m.mutex.LockContext(ctx)
			if err == nil {
				lockCtx, cancel := context.WithCancel(ctx)
				m.mu.Lock()
				m.cancel = cancel
				m.held = true
				m.mu.Unlock()
				m.startAutoRenew(lockCtx)
				return lockCtx, nil
			}
			var redisErr *redsync.RedisError
			if !m.options.skipLockError && errors.As(err, &redisErr) {
				return nil, fmt.Errorf("failed to acquire lock: %w", err)
			}
			timer.Reset(m.options.retryDelay)
		}
	}
}

// Unlock 停止自動續期並釋放鎖，未持有鎖時回傳 false
func (m *AutoRenewMutex) Unlock() (bool, error) {
	m.stopAutoRenew()
	m.wg.Wait()

	m.mu.Lock()
	held := m.held
	m.held = false
	m.mu.Unlock()
	if !held {
		return false, nil
	}
	return m.mutex.Unlock()
}

// Valid 檢查鎖是否仍在續期中且尚未過期
func (m *AutoRenewMutex) Valid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.renewing && time.Now().Before(m.mutex.Until())
}

func (m *AutoRenewMutex) startAutoRenew(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.renewing {
		return
	}

	m.renewing = true
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.options.renewInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := m.mutex.ExtendContext(ctx)
				if err != nil || !ok {
					m.stopAutoRenew()
					return
				}
			}
		}
	}()
}

func (m *AutoRenewMutex) stopAutoRenew() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.renewing {
		return
	}

	m.renewing = false
	if m.cancel != nil {
		m.cancel()
	}
}
