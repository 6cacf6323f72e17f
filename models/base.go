package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base 提供所有資料表共用的主鍵與時間戳記
// 主鍵在應用層以 UUIDv7 產生，讓 postgres 與測試用的 sqlite 行為一致
type Base struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey;<-:create"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate 在寫入前補上主鍵
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID != uuid.Nil {
		return nil
	}
	id, err := uuid.NewV7()
	if err != nil {
		return err
	}
	b.ID = id
	return nil
}

// All 回傳所有需要遷移的資料表模型
func All() []any {
	return []any{&Auction{}, &AuctionBidRequest{}, &AuctionOrder{}}
}
