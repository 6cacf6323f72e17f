package sse

import (
	"context"
	"log/slog"
	"sync"
)

type options[T any] struct {
	logger     *slog.Logger
	subscriber ISubscriber[T]
	bufferSize int
}

type Option[T any] func(*options[T])

// WithLogger 設置日誌記錄器
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(o *options[T]) {
		o.logger = logger
	}
}

// WithSubscriber 設置跨實例的訊息來源，收到的訊息會廣播到對應頻道
func WithSubscriber[T any](subscriber ISubscriber[T]) Option[T] {
	return func(o *options[T]) {
		o.subscriber = subscriber
	}
}

// WithBufferSize 設置每個連線的緩衝大小
func WithBufferSize[T any](size int) Option[T] {
	return func(o *options[T]) {
		o.bufferSize = size
	}
}

// connectionManager 管理多個 SSE 頻道的訂閱與發布。
// 透過 Redis Stream 實現跨節點的訊息廣播，讓多個服務實例能夠協同運作。
type connectionManager[T any] struct {
	logger *slog.Logger

	mu      sync.RWMutex   // 保護 active 和 channels 的讀寫
	wg      sync.WaitGroup // 用於等待所有 goroutine 完成
	active  bool           // 標記 manager 是否正在運作中
	started bool

	subscriber ISubscriber[T]
	bufferSize int
	channels   map[string]*Channel[T] // 儲存所有活躍的頻道
}

// NewConnectionManager 建立一個新的連線管理器。
// 沒有設置 subscriber 時只能透過 Broadcast 在本實例內廣播。
func NewConnectionManager[T any](opts ...Option[T]) (IConnectionManager[T], error) {
	// 默認選項
	o := options[T]{
		logger:     slog.Default(),
		bufferSize: 16,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&o)
	}

	return &connectionManager[T]{
		logger:     o.logger.With(slog.String("caller", "ConnectionManager")),
		channels:   make(map[string]*Channel[T]),
		subscriber: o.subscriber,
		bufferSize: o.bufferSize,
		active:     true,
	}, nil
}

// Start 啟動連線管理器，開始處理訊息的接收與廣播。
// 應在呼叫其他方法前先呼叫此方法。
func (cm *connectionManager[T]) Start() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if !cm.active || cm.started || cm.subscriber == nil {
		return
	}
	cm.started = true
	cm.subscriber.Start()

	// 啟動訊息處理的 goroutine
	ch := cm.subscriber.Subscribe()
	cm.wg.Add(1)
	go func() {
		defer cm.wg.Done()
		defer cm.logger.Info("Broadcast goroutine stopped")
		for msg := range ch {
			cm.Broadcast(msg.Channel, msg.Message)
		}
	}()
}

// Done 停止連線管理器的運作。
func (cm *connectionManager[T]) Done() {
	cm.mu.Lock()
	if !cm.active {
		cm.mu.Unlock()
		return
	}
	cm.active = false
	cm.mu.Unlock()

	// subscriber 關閉後下游 channel 會被關閉，廣播 goroutine 隨之結束
	if cm.started {
		cm.subscriber.Close()
	}
	cm.wg.Wait()

	cm.mu.Lock()
	defer cm.mu.Unlock()
	for _, channel := range cm.channels {
		channel.UnsubscribeAll()
	}
	clear(cm.channels)
}

// Subscribe 訂閱指定的頻道。
// channelName: 要訂閱的頻道名稱
// 返回: 用於接收訊息的唯讀通道，以及可能的錯誤
func (cm *connectionManager[T]) Subscribe(channelName string) (<-chan T, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.active {
		return nil, context.Canceled
	}

	c, ok := cm.channels[channelName]
	if !ok {
		c = NewChannel[T](cm.bufferSize)
		cm.channels[channelName] = c
	}
	return c.Subscribe(), nil
}

// Broadcast 把訊息推送給本實例上訂閱該頻道的連線。
func (cm *connectionManager[T]) Broadcast(channelName string, data T) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.active {
		return
	}
	channel, ok := cm.channels[channelName]
	if !ok {
		return
	}
	if dropped := channel.Broadcast(data); dropped > 0 {
		cm.logger.Warn("Drop message for slow subscribers", slog.String("channel", channelName), slog.Int("dropped", dropped))
	}
}

// Unsubscribe 取消訂閱指定的頻道。
func (cm *connectionManager[T]) Unsubscribe(channelName string, ch <-chan T) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	c, ok := cm.channels[channelName]
	if !ok {
		return
	}

	c.Unsubscribe(ch)
	if c.IsIdle() {
		delete(cm.channels, channelName)
	}
}

func (cm *connectionManager[T]) Count(channelName string) int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	c, ok := cm.channels[channelName]
	if !ok {
		return 0
	}
	return c.Len()
}
