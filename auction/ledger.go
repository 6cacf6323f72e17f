package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"stockat/models"
)

// CreateAuction 建立一場新的拍賣，CurrentBid 從起標價開始
func (s *Service) CreateAuction(ctx context.Context, params NewAuction) (*models.Auction, error) {
	const op = "CreateAuction"
	if err := params.validate(s.now()); err != nil {
		return nil, err
	}
	auction := &models.Auction{
		ProductID:     params.ProductID,
		SellerID:      params.SellerID,
		StockID:       params.StockID,
		StartingPrice: params.StartingPrice,
		CurrentBid:    params.StartingPrice,
		IncrementUnit: params.IncrementUnit,
		StartTime:     params.StartTime,
		EndTime:       params.EndTime,
		Quantity:      params.Quantity,
	}
	if err := s.store.CreateAuction(ctx, auction); err != nil {
		return nil, fmt.Errorf("[%s] Fail to create auction, err=%w", op, err)
	}
	s.logger.Info("Auction created", slog.String("auctionID", auction.ID.String()), slog.String("sellerID", auction.SellerID.String()))
	return auction, nil
}

// GetAuction 取得拍賣，已軟刪除的拍賣視為不存在
func (s *Service) GetAuction(ctx context.Context, auctionID uuid.UUID) (*models.Auction, error) {
	const op = "GetAuction"
	auction, err := s.store.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to find auction, err=%w", op, err)
	}
	if auction.IsDeleted {
		return nil, NotFound("auction %s not found", auctionID)
	}
	return auction, nil
}

// PlaceBid 對拍賣出價
// 同一場拍賣的出價會先經過拍賣鎖排隊，再於交易中以 bid_count 做樂觀鎖檢查
func (s *Service) PlaceBid(ctx context.Context, auctionID, bidderID uuid.UUID, amount decimal.Decimal) (*models.AuctionBidRequest, error) {
	const op = "PlaceBid"
	var bid *models.AuctionBidRequest
	err := s.withAuctionLock(ctx, auctionID, func(lockCtx context.Context) error {
		return s.retryOnConflict(lockCtx, func() error {
			var err error
			bid, err = s.placeBidOnce(lockCtx, auctionID, bidderID, amount)
			return err
		})
	})
	if errors.Is(err, ErrConflict) {
		return nil, BusinessRule("bid no longer valid, auction state changed")
	}
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to place bid, err=%w", op, err)
	}
	s.logger.Info("Higher bid occurs",
		slog.String("auctionID", auctionID.String()),
		slog.String("bidderID", bidderID.String()),
		slog.String("amount", amount.StringFixed(2)))

	if s.options.publisher != nil {
		event := BidEvent{
			AuctionID: bid.AuctionID,
			BidID:     bid.ID,
			BidderID:  bid.BidderID,
			Amount:    bid.BidAmount,
			Seq:       bid.Seq,
			Time:      bid.CreatedAt,
		}
		if err := s.options.publisher.PublishBid(ctx, event); err != nil {
			s.logger.Warn("Fail to publish bid event", slog.String("bidID", bid.ID.String()), slog.Any("error", err))
		}
	}
	return bid, nil
}

func (s *Service) placeBidOnce(ctx context.Context, auctionID, bidderID uuid.UUID, amount decimal.Decimal) (*models.AuctionBidRequest, error) {
	var bid *models.AuctionBidRequest
	err := s.store.Transaction(ctx, func(tx Store) error {
		auction, err := tx.GetAuctionForUpdate(ctx, auctionID)
		if err != nil {
			return err
		}
		if err := s.reconcileCurrentBid(ctx, tx, auction); err != nil {
			return err
		}
		if err := checkBidAdmission(auction, bidderID, amount, s.now()); err != nil {
			return err
		}
		expected := auction.BidCount
		bid = &models.AuctionBidRequest{
			AuctionID: auction.ID,
			BidderID:  bidderID,
			BidAmount: amount,
			Seq:       expected + 1,
		}
		if err := tx.AddBid(ctx, bid); err != nil {
			return err
		}
		auction.CurrentBid = amount
		auction.BidCount = expected + 1
		return tx.UpdateAuctionBid(ctx, auction, expected)
	})
	if err != nil {
		return nil, err
	}
	return bid, nil
}

// reconcileCurrentBid 以出價紀錄校正拍賣上的冗餘最高價
func (s *Service) reconcileCurrentBid(ctx context.Context, tx Store, auction *models.Auction) error {
	highest, err := tx.GetHighestBid(ctx, auction.ID)
	if errors.Is(err, ErrNotFound) {
		if auction.CurrentBid.LessThan(auction.StartingPrice) {
			auction.CurrentBid = auction.StartingPrice
		}
		return nil
	}
	if err != nil {
		return err
	}
	if !highest.BidAmount.Equal(auction.CurrentBid) {
		s.logger.Warn("Current bid out of sync with ledger",
			slog.String("auctionID", auction.ID.String()),
			slog.String("stored", auction.CurrentBid.StringFixed(2)),
			slog.String("ledger", highest.BidAmount.StringFixed(2)))
		auction.CurrentBid = decimal.Max(auction.CurrentBid, highest.BidAmount)
	}
	return nil
}

// GetHighestBid 回傳目前最高的出價，沒有任何出價時回傳 nil
func (s *Service) GetHighestBid(ctx context.Context, auctionID uuid.UUID) (*models.AuctionBidRequest, error) {
	const op = "GetHighestBid"
	if _, err := s.GetAuction(ctx, auctionID); err != nil {
		return nil, err
	}
	bid, err := s.store.GetHighestBid(ctx, auctionID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to find highest bid, err=%w", op, err)
	}
	return bid, nil
}

// GetBid 取得單筆出價
func (s *Service) GetBid(ctx context.Context, bidID uuid.UUID) (*models.AuctionBidRequest, error) {
	const op = "GetBid"
	bid, err := s.store.GetBid(ctx, bidID)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to find bid, err=%w", op, err)
	}
	return bid, nil
}

// ListBids 依出價順序列出拍賣的所有出價
func (s *Service) ListBids(ctx context.Context, auctionID uuid.UUID) ([]models.AuctionBidRequest, error) {
	const op = "ListBids"
	if _, err := s.GetAuction(ctx, auctionID); err != nil {
		return nil, err
	}
	bids, err := s.store.GetBidsForAuction(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to list bids, err=%w", op, err)
	}
	return bids, nil
}

// HighestBid 從出價紀錄中選出最高價，同價時以較早的出價為準
func HighestBid(bids []models.AuctionBidRequest) *models.AuctionBidRequest {
	var best *models.AuctionBidRequest
	for i := range bids {
		bid := &bids[i]
		if best == nil ||
			bid.BidAmount.GreaterThan(best.BidAmount) ||
			bid.BidAmount.Equal(best.BidAmount) && bid.Seq < best.Seq {
			best = bid
		}
	}
	return best
}
