package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/smallnest/chanx"
)

var (
	ErrPublisherClosed = errors.New("publisher is closed")
)

type publisherOptions[T any] struct {
	logger       *slog.Logger
	bufferSize   int
	maxLen       int64
	flushTimeout time.Duration
	encodeFunc   func(T) (map[string]any, error)
}

type PublisherOption[T any] func(*publisherOptions[T])

// WithPublisherLogger 設置日誌記錄器
func WithPublisherLogger[T any](logger *slog.Logger) PublisherOption[T] {
	return func(o *publisherOptions[T]) {
		o.logger = logger
	}
}

// WithPublisherBufferSize 設置緩衝大小
func WithPublisherBufferSize[T any](size int) PublisherOption[T] {
	return func(o *publisherOptions[T]) {
		o.bufferSize = size
	}
}

// WithPublisherMaxLen 設置 stream 保留的訊息數量上限(近似裁切)，0 表示不裁切
func WithPublisherMaxLen[T any](n int64) PublisherOption[T] {
	return func(o *publisherOptions[T]) {
		o.maxLen = n
	}
}

// WithPublisherFlushTimeout 設置關閉時等待緩衝訊息寫出的時間
func WithPublisherFlushTimeout[T any](d time.Duration) PublisherOption[T] {
	return func(o *publisherOptions[T]) {
		o.flushTimeout = d
	}
}

// WithPublisherEncodeFunc 設置訊息序列化函數
func WithPublisherEncodeFunc[T any](fn func(T) (map[string]any, error)) PublisherOption[T] {
	return func(o *publisherOptions[T]) {
		o.encodeFunc = fn
	}
}

// Publisher 把資料放進無上限的緩衝區，再由背景 goroutine 依序寫入 stream
// Publish 不會因為 Redis 變慢而阻塞呼叫端
type Publisher[T any] struct {
	client     *redis.Client
	stream     string
	upstream   *chanx.UnboundedChan[map[string]any]
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.RWMutex
	closed     bool
	logger     *slog.Logger
	options    publisherOptions[T]
}

func NewPublisher[T any](client *redis.Client, stream string, opts ...PublisherOption[T]) (*Publisher[T], error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if stream == "" {
		return nil, errors.New("stream cannot be empty")
	}

	// 默認選項
	options := publisherOptions[T]{
		logger:       slog.Default(),
		bufferSize:   100,
		flushTimeout: 3 * time.Second,
		encodeFunc:   EncodeMessage[T],
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &Publisher[T]{
		client:  client,
		stream:  stream,
		closed:  true,
		logger:  options.logger.With(slog.String("caller", "Publisher"), slog.String("stream", stream)),
		options: options,
	}, nil
}

func (p *Publisher[T]) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.upstream = chanx.NewUnboundedChan[map[string]any](ctx, p.options.bufferSize)
	p.cancelFunc = cancel
	p.closed = false
	p.logger.Info("Start stream publisher")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.logger.Info("Publisher goroutine stopped")

		for {
			select {
			case <-ctx.Done():
				return
			case message, ok := <-p.upstream.Out:
				if !ok {
					return
				}
				p.write(ctx, message)
			}
		}
	}()
}

func (p *Publisher[T]) write(ctx context.Context, message map[string]any) {
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: message,
	}
	if p.options.maxLen > 0 {
		args.MaxLen = p.options.maxLen
		args.Approx = true
	}
	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.logger.Error("Fail to publish message", slog.Any("error", err))
		}
		return
	}
	p.logger.Debug("Message published", slog.String("messageId", id))
}

// Publish 將資料排入發送佇列
func (p *Publisher[T]) Publish(ctx context.Context, data T) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}
	message, err := p.options.encodeFunc(data)
	if err != nil {
		return fmt.Errorf("encode message error: %w", err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.upstream.In <- message:
		return nil
	}
}

// Close 停止接收新資料，並在 flushTimeout 內盡量寫出緩衝中的訊息
func (p *Publisher[T]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.logger.Info("Close stream publisher", slog.Int("buffered", p.upstream.Len()))
	p.closed = true
	close(p.upstream.In)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.options.flushTimeout):
		p.logger.Warn("Flush timeout, drop buffered messages", slog.Int("buffered", p.upstream.Len()))
	}
	p.cancelFunc()
	<-done
	p.logger.Info("Stream publisher closed")
}
