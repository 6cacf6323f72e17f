//go:generate mockgen -package=redis -destination=mock.go -source=interfaces.go -exclude_interfaces=IPublisher,ITail,IGroupReader

package redis

import (
	"context"
)

// IPublisher 非同步地把資料寫入 stream
type IPublisher[T any] interface {
	Start()
	Publish(ctx context.Context, data T) error
	Close()
}

// ITail 從 stream 尾端讀取新訊息，每個實例都會收到全部訊息
type ITail[T any] interface {
	Start()
	Subscribe() <-chan T
	Close()
}

// IGroupReader 以 consumer group 讀取 stream，每則訊息只會交給一個實例處理
type IGroupReader[T any] interface {
	Start() error
	Deliveries() <-chan *Delivery[T]
	Close() error
}

// IAutoRenewMutex 是會自動續期的分散式鎖
type IAutoRenewMutex interface {
	Lock(ctx context.Context) (context.Context, error)
	Unlock() (bool, error)
	Valid() bool
}
