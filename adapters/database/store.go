package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stockat/auction"
	"stockat/models"
)

// Store 以 gorm 實作 auction.Store
type Store struct {
	db *gorm.DB
}

var _ auction.Store = (*Store)(nil)

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// translate 把 gorm 的錯誤轉換成核心使用的錯誤種類
func translate(err error, what string, id any) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return auction.NotFound("%s %v not found", what, id)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("duplicated %s, err=%w", what, errors.Join(auction.ErrConflict, err))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("storage error on %s, err=%w", what, errors.Join(auction.ErrTransientStorage, err))
	}
}

func (s *Store) Transaction(ctx context.Context, fn func(tx auction.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

func (s *Store) CreateAuction(ctx context.Context, a *models.Auction) error {
	result := s.db.WithContext(ctx).Omit(clause.Associations).Create(a)
	return translate(result.Error, "auction", a.ID)
}

func (s *Store) GetAuction(ctx context.Context, id uuid.UUID) (*models.Auction, error) {
	var a models.Auction
	if result := s.db.WithContext(ctx).Where("id = ?", id).Take(&a); result.Error != nil {
		return nil, translate(result.Error, "auction", id)
	}
	return &a, nil
}

func (s *Store) GetAuctionForUpdate(ctx context.Context, id uuid.UUID) (*models.Auction, error) {
	var a models.Auction
	result := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).
		Where("id = ?", id).
		Take(&a)
	if result.Error != nil {
		return nil, translate(result.Error, "auction", id)
	}
	return &a, nil
}

func (s *Store) SaveAuction(ctx context.Context, a *models.Auction) error {
	result := s.db.WithContext(ctx).Omit(clause.Associations).Save(a)
	return translate(result.Error, "auction", a.ID)
}

func (s *Store) UpdateAuctionBid(ctx context.Context, a *models.Auction, expectedBidCount int) error {
	result := s.db.WithContext(ctx).
		Model(&models.Auction{}).
		Where("id = ? AND bid_count = ?", a.ID, expectedBidCount).
		Updates(map[string]any{
			"current_bid": a.CurrentBid,
			"bid_count":   a.BidCount,
			"updated_at":  time.Now(),
		})
	if result.Error != nil {
		return translate(result.Error, "auction", a.ID)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("auction %s bid count is no longer %d, err=%w", a.ID, expectedBidCount, auction.ErrConflict)
	}
	return nil
}

func (s *Store) ListDueAuctions(ctx context.Context, now time.Time, limit int) ([]models.Auction, error) {
	var auctions []models.Auction
	result := s.db.WithContext(ctx).
		Where("is_closed = ? AND is_deleted = ? AND end_time <= ?", false, false, now).
		Order("end_time").
		Limit(limit).
		Find(&auctions)
	if result.Error != nil {
		return nil, translate(result.Error, "due auctions", now)
	}
	return auctions, nil
}

func (s *Store) AddBid(ctx context.Context, bid *models.AuctionBidRequest) error {
	result := s.db.WithContext(ctx).Create(bid)
	return translate(result.Error, "bid", bid.ID)
}

func (s *Store) GetBid(ctx context.Context, id uuid.UUID) (*models.AuctionBidRequest, error) {
	var bid models.AuctionBidRequest
	if result := s.db.WithContext(ctx).Where("id = ?", id).Take(&bid); result.Error != nil {
		return nil, translate(result.Error, "bid", id)
	}
	return &bid, nil
}

func (s *Store) GetBidsForAuction(ctx context.Context, auctionID uuid.UUID) ([]models.AuctionBidRequest, error) {
	var bids []models.AuctionBidRequest
	result := s.db.WithContext(ctx).Where("auction_id = ?", auctionID).Order("seq").Find(&bids)
	if result.Error != nil {
		return nil, translate(result.Error, "bids", auctionID)
	}
	return bids, nil
}

func (s *Store) GetHighestBid(ctx context.Context, auctionID uuid.UUID) (*models.AuctionBidRequest, error) {
	var bid models.AuctionBidRequest
	result := s.db.WithContext(ctx).
		Where("auction_id = ?", auctionID).
		Order("bid_amount DESC, seq ASC").
		Take(&bid)
	if result.Error != nil {
		return nil, translate(result.Error, "highest bid of auction", auctionID)
	}
	return &bid, nil
}

func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*models.AuctionOrder, error) {
	var order models.AuctionOrder
	if result := s.db.WithContext(ctx).Where("id = ?", id).Take(&order); result.Error != nil {
		return nil, translate(result.Error, "order", id)
	}
	return &order, nil
}

func (s *Store) GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*models.AuctionOrder, error) {
	var order models.AuctionOrder
	result := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).
		Where("id = ?", id).
		Take(&order)
	if result.Error != nil {
		return nil, translate(result.Error, "order", id)
	}
	return &order, nil
}

func (s *Store) GetOrderByAuctionID(ctx context.Context, auctionID uuid.UUID) (*models.AuctionOrder, error) {
	var order models.AuctionOrder
	if result := s.db.WithContext(ctx).Where("auction_id = ?", auctionID).Take(&order); result.Error != nil {
		return nil, translate(result.Error, "order of auction", auctionID)
	}
	return &order, nil
}

func (s *Store) CreateOrder(ctx context.Context, order *models.AuctionOrder) error {
	result := s.db.WithContext(ctx).Omit(clause.Associations).Create(order)
	return translate(result.Error, "order", order.AuctionID)
}

func (s *Store) SaveOrder(ctx context.Context, order *models.AuctionOrder) error {
	result := s.db.WithContext(ctx).Omit(clause.Associations).Save(order)
	return translate(result.Error, "order", order.ID)
}
