package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"stockat/models"
)

// CloseResult 是關閉拍賣後的結果
type CloseResult struct {
	Auction    *models.Auction
	WinningBid *models.AuctionBidRequest
	Order      *models.AuctionOrder
	// AlreadyClosed 表示拍賣在這次呼叫前就已經關閉，結果與第一次關閉相同
	AlreadyClosed bool
}

// CloseAuction 關閉拍賣並決定得標者，同時建立得標訂單
// 重複呼叫不會改變得標者也不會建立第二張訂單
func (s *Service) CloseAuction(ctx context.Context, auctionID uuid.UUID, actor Actor) (*CloseResult, error) {
	const op = "CloseAuction"
	var result *CloseResult
	err := s.withAuctionLock(ctx, auctionID, func(lockCtx context.Context) error {
		return s.retryOnConflict(lockCtx, func() error {
			var err error
			result, err = s.closeOnce(lockCtx, auctionID, actor)
			return err
		})
	})
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to close auction, err=%w", op, err)
	}
	if result.AlreadyClosed {
		return result, nil
	}

	logger := s.logger.With(slog.String("auctionID", auctionID.String()))
	if result.WinningBid == nil {
		logger.Info("Auction closed without bids")
		s.notify(ctx, result.Auction.SellerID, "Your auction has ended",
			fmt.Sprintf("Auction %s ended without any bids.", auctionID))
		return result, nil
	}
	logger.Info("Auction closed",
		slog.String("winnerID", result.WinningBid.BidderID.String()),
		slog.String("amount", result.WinningBid.BidAmount.StringFixed(2)),
		slog.String("orderID", result.Order.ID.String()))
	s.notify(ctx, result.WinningBid.BidderID, "You won the auction",
		fmt.Sprintf("Your bid of %s won auction %s. Order %s is waiting for payment.",
			result.WinningBid.BidAmount.StringFixed(2), auctionID, result.Order.ID))
	s.notify(ctx, result.Auction.SellerID, "Your auction has ended",
		fmt.Sprintf("Auction %s was won with a bid of %s.", auctionID, result.WinningBid.BidAmount.StringFixed(2)))
	return result, nil
}

func (s *Service) closeOnce(ctx context.Context, auctionID uuid.UUID, actor Actor) (*CloseResult, error) {
	result := &CloseResult{}
	err := s.store.Transaction(ctx, func(tx Store) error {
		auction, err := tx.GetAuctionForUpdate(ctx, auctionID)
		if err != nil {
			return err
		}
		if auction.IsDeleted {
			return NotFound("auction %s not found", auctionID)
		}
		if !actor.Is(auction.SellerID) {
			return Unauthorized("only the seller or an admin can close this auction")
		}
		now := s.now()
		if actor.System && now.Before(auction.EndTime) && !auction.IsClosed {
			return BusinessRule("auction has not ended yet")
		}
		result.Auction = auction

		if auction.IsClosed {
			result.AlreadyClosed = true
			if !auction.HasWinner() {
				return nil
			}
			if result.WinningBid, err = tx.GetBid(ctx, *auction.WinningBidID); err != nil {
				return err
			}
			result.Order, _, err = s.materialize(ctx, tx, auction)
			return err
		}

		bids, err := tx.GetBidsForAuction(ctx, auctionID)
		if err != nil {
			return err
		}
		winner := HighestBid(bids)
		auction.IsClosed = true
		auction.ClosedAt = &now
		if winner != nil {
			auction.BuyerID = &winner.BidderID
			auction.WinningBidID = &winner.ID
			auction.CurrentBid = winner.BidAmount
		}
		if err := tx.SaveAuction(ctx, auction); err != nil {
			return err
		}
		if winner == nil {
			return nil
		}
		result.WinningBid = winner
		result.Order, _, err = s.materialize(ctx, tx, auction)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

type sweepRetry struct {
	failures int
	after    time.Time
}

// Sweep 關閉所有已過結束時間但尚未關閉的拍賣
// 每場拍賣各自在獨立的交易中處理，單一拍賣失敗不影響其他拍賣
// 失敗的拍賣會暫停一段時間再重試，避免持續失敗的拍賣佔滿每一輪的名額
func (s *Service) Sweep(ctx context.Context) (int, error) {
	const op = "Sweep"
	now := s.now()
	waiting := s.waitingRetries(now)
	limit := s.options.sweepBatch + len(waiting)
	due, err := s.store.ListDueAuctions(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("[%s] Fail to list due auctions, err=%w", op, err)
	}
	if len(due) < limit {
		s.pruneRetries(due)
	}

	closed, attempted := 0, 0
	for _, auction := range due {
		if ctx.Err() != nil {
			return closed, ctx.Err()
		}
		if _, ok := waiting[auction.ID]; ok {
			continue
		}
		if attempted >= s.options.sweepBatch {
			break
		}
		attempted++
		if _, err := s.CloseAuction(ctx, auction.ID, SystemActor); err != nil {
			retry := s.recordFailure(auction.ID, now)
			s.logger.Error("Fail to close due auction",
				slog.String("auctionID", auction.ID.String()),
				slog.Int("failures", retry.failures),
				slog.Time("retryAfter", retry.after),
				slog.Any("error", err))
			continue
		}
		s.clearFailure(auction.ID)
		closed++
	}
	if attempted > 0 || len(waiting) > 0 {
		s.logger.Info("Sweep finished",
			slog.Int("due", attempted),
			slog.Int("closed", closed),
			slog.Int("waiting", len(waiting)))
	}
	return closed, nil
}

// waitingRetries 回傳還在暫停中的拍賣
func (s *Service) waitingRetries(now time.Time) map[uuid.UUID]struct{} {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	waiting := make(map[uuid.UUID]struct{})
	for id, retry := range s.retries {
		if now.Before(retry.after) {
			waiting[id] = struct{}{}
		}
	}
	return waiting
}

// pruneRetries 移除已經不在到期清單中的拍賣，due 必須是完整的到期清單
func (s *Service) pruneRetries(due []models.Auction) {
	ids := make(map[uuid.UUID]struct{}, len(due))
	for _, auction := range due {
		ids[auction.ID] = struct{}{}
	}
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	for id := range s.retries {
		if _, ok := ids[id]; !ok {
			delete(s.retries, id)
		}
	}
}

func (s *Service) recordFailure(auctionID uuid.UUID, now time.Time) sweepRetry {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	retry := s.retries[auctionID]
	retry.failures++
	delay := s.options.sweepBackoff
	for i := 1; i < retry.failures && delay < s.options.sweepMaxDelay; i++ {
		delay *= 2
	}
	delay = min(delay, s.options.sweepMaxDelay)
	retry.after = now.Add(delay)
	s.retries[auctionID] = retry
	return retry
}

func (s *Service) clearFailure(auctionID uuid.UUID) {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	delete(s.retries, auctionID)
}

// RunCloser 每隔 interval 執行一次 Sweep，直到 ctx 被取消
func (s *Service) RunCloser(ctx context.Context, interval time.Duration) {
	logger := s.logger.With(slog.String("worker", "AuctionCloser"))
	logger.Info("Start auction closer", slog.Duration("interval", interval))
	defer logger.Info("Auction closer stopped")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Sweep failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
