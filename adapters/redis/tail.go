package redis

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type tailOptions[T any] struct {
	logger       *slog.Logger
	bufferSize   int
	blockTimeout time.Duration
	errorBackoff time.Duration
	startID      string
	decodeFunc   func(map[string]any) (T, error)
}

type TailOption[T any] func(*tailOptions[T])

// WithTailLogger 設置日誌記錄器
func WithTailLogger[T any](logger *slog.Logger) TailOption[T] {
	return func(o *tailOptions[T]) {
		o.logger = logger
	}
}

// WithTailBufferSize 設置下游 channel 的緩衝大小
func WithTailBufferSize[T any](size int) TailOption[T] {
	return func(o *tailOptions[T]) {
		o.bufferSize = size
	}
}

// WithTailBlockTimeout 設置阻塞讀取超時時間
func WithTailBlockTimeout[T any](d time.Duration) TailOption[T] {
	return func(o *tailOptions[T]) {
		o.blockTimeout = d
	}
}

// WithTailErrorBackoff 設置 Redis 連線錯誤後的等待時間
func WithTailErrorBackoff[T any](d time.Duration) TailOption[T] {
	return func(o *tailOptions[T]) {
		o.errorBackoff = d
	}
}

// WithTailStartID 設置開始讀取的位置，預設 "$" 只讀取啟動後的新訊息
func WithTailStartID[T any](id string) TailOption[T] {
	return func(o *tailOptions[T]) {
		o.startID = id
	}
}

// WithTailDecodeFunc 設置自定義解析函數
func WithTailDecodeFunc[T any](fn func(map[string]any) (T, error)) TailOption[T] {
	return func(o *tailOptions[T]) {
		o.decodeFunc = fn
	}
}

// Tail 以 XREAD 追蹤 stream 的新訊息並轉送到下游 channel
type Tail[T any] struct {
	client     *redis.Client
	stream     string
	lastID     string
	downStream chan T
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	closed     bool
	logger     *slog.Logger
	options    tailOptions[T]
}

func NewTail[T any](client *redis.Client, stream string, opts ...TailOption[T]) (*Tail[T], error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if stream == "" {
		return nil, errors.New("stream cannot be empty")
	}

	// 默認選項
	options := tailOptions[T]{
		logger:       slog.Default(),
		bufferSize:   100,
		blockTimeout: time.Second,
		errorBackoff: time.Second,
		startID:      "$",
		decodeFunc:   DecodeMessage[T],
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &Tail[T]{
		client:     client,
		stream:     stream,
		lastID:     options.startID,
		downStream: make(chan T, options.bufferSize),
		closed:     true,
		logger:     options.logger.With(slog.String("caller", "Tail"), slog.String("stream", stream)),
		options:    options,
	}, nil
}

func (s *Tail[T]) Start() {
	if !s.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.closed = false
	s.cancelFunc = cancel
	s.resolveStartID(ctx)
	s.logger.Info("Start stream tail", slog.String("startId", s.lastID))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.logger.Info("Tail goroutine stopped")
		defer close(s.downStream)

		for ctx.Err() == nil {
			messages, err := s.fetch(ctx)
			if err != nil {
				if errors.Is(err, redis.Nil) || ctx.Err() != nil {
					continue
				}
				s.logger.Error("Fail to read stream", slog.Any("error", err))
				select {
				case <-ctx.Done():
				case <-time.After(s.options.errorBackoff):
				}
				continue
			}
			for _, message := range messages {
				s.lastID = message.ID
				data, err := s.options.decodeFunc(message.Values)
				if err != nil {
					s.logger.Error("Fail to decode message", slog.String("messageId", message.ID), slog.Any("error", err))
					continue
				}
				select {
				case <-ctx.Done():
					return
				case s.downStream <- data:
				}
			}
		}
	}()
}

// resolveStartID 把 "$" 換成啟動當下最後一則訊息的 ID
// 否則每次 XREAD 逾時後重新以 "$" 讀取，兩次讀取之間寫入的訊息會遺失
func (s *Tail[T]) resolveStartID(ctx context.Context) {
	if s.lastID != "$" {
		return
	}
	messages, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", 1).Result()
	if err != nil {
		s.logger.Warn("Fail to resolve start id, fallback to $", slog.Any("error", err))
		return
	}
	if len(messages) == 0 {
		s.lastID = "0-0"
		return
	}
	s.lastID = messages[0].ID
}

func (s *Tail[T]) fetch(ctx context.Context) ([]redis.XMessage, error) {
	streams, err := s.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{s.stream, s.lastID},
		Count:   int64(s.options.bufferSize),
		Block:   s.options.blockTimeout,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, redis.Nil
	}
	return streams[0].Messages, nil
}

// Subscribe 回傳下游 channel，Close 後會被關閉
func (s *Tail[T]) Subscribe() <-chan T {
	return s.downStream
}

func (s *Tail[T]) Close() {
	if s.closed {
		return
	}
	s.logger.Info("Close stream tail")
	s.closed = true
	s.cancelFunc()
	s.wg.Wait()
	s.logger.Info("Stream tail closed")
}
