package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type placeBidRequest struct {
	AuctionID uuid.UUID       `json:"auctionId" binding:"required"`
	BidAmount decimal.Decimal `json:"bidAmount" binding:"positive_money"`
}

// Place a bid
// (POST /auction-bids)
func (impl *ServerImpl) PostBid(c *gin.Context) {
	const op = "PostBid"
	var request placeBidRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid request body"})
		return
	}
	bid, err := impl.service.PlaceBid(c.Request.Context(), request.AuctionID, actorFrom(c).UserID, request.BidAmount)
	if err != nil {
		abortWithError(c, op, err)
		return
	}
	c.Header("Location", "/auction-bids/"+bid.ID.String())
	c.JSON(http.StatusCreated, newBidView(bid))
}

// Get a bid
// (GET /auction-bids/:id)
func (impl *ServerImpl) GetBid(c *gin.Context) {
	const op = "GetBid"
	bidID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	bid, err := impl.service.GetBid(c.Request.Context(), bidID)
	if err != nil {
		abortWithError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, newBidView(bid))
}

// List bids of an auction in bidding order
// (GET /auction-bids/auction/:auctionId)
func (impl *ServerImpl) GetAuctionBids(c *gin.Context) {
	const op = "GetAuctionBids"
	auctionID, ok := uuidParam(c, "auctionId")
	if !ok {
		return
	}
	bids, err := impl.service.ListBids(c.Request.Context(), auctionID)
	if err != nil {
		abortWithError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, newBidViews(bids))
}

// Get the highest bid, 204 when nobody has bid yet
// (GET /auction-bids/auction/:auctionId/highest)
func (impl *ServerImpl) GetHighestBid(c *gin.Context) {
	const op = "GetHighestBid"
	auctionID, ok := uuidParam(c, "auctionId")
	if !ok {
		return
	}
	bid, err := impl.service.GetHighestBid(c.Request.Context(), auctionID)
	if err != nil {
		abortWithError(c, op, err)
		return
	}
	if bid == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, newBidView(bid))
}

// Stream accepted bids of an auction
// (GET /auction-bids/auction/:auctionId/events)
func (impl *ServerImpl) GetAuctionBidEvents(c *gin.Context) {
	const op = "GetAuctionBidEvents"
	auctionID, ok := uuidParam(c, "auctionId")
	if !ok {
		return
	}
	// 檢查拍賣是否存在且尚未關閉
	found, err := impl.service.GetAuction(c.Request.Context(), auctionID)
	if err != nil {
		abortWithError(c, op, err)
		return
	}
	if found.IsClosed {
		c.JSON(http.StatusGone, gin.H{"message": "auction has closed"})
		return
	}
	ch, err := impl.sseManager.Subscribe(auctionID.String())
	if err != nil {
		abortWithError(c, op, fmt.Errorf("[%s] Fail to subscribe to auction events, err=%w", op, err))
		return
	}
	defer impl.sseManager.Unsubscribe(auctionID.String(), ch)

	// SSE請求合法，開始初始化串流
	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	heartbeat := time.NewTicker(impl.config.SSEHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case event, ok := <-ch:
			// 管理器關閉時 channel 也會被關閉
			if !ok {
				return
			}
			c.SSEvent("bid", newBidEventView(event))
			w.Flush()
		// 一段時間沒有事件就發送註解行，確保瀏覽器和Cloudflare不會斷開連線
		case <-heartbeat.C:
			if _, err := w.WriteString(": heartbeat\n\n"); err != nil {
				slog.Debug("Stop streaming to closed connection", slog.String("op", op), slog.Any("error", err))
				return
			}
			w.Flush()
		}
	}
}
