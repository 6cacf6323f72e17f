package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"stockat/auction"
)

type createAuctionRequest struct {
	ProductID     uuid.UUID       `json:"productId" binding:"required"`
	StockID       uuid.UUID       `json:"stockId" binding:"required"`
	StartingPrice decimal.Decimal `json:"startingPrice" binding:"money"`
	IncrementUnit decimal.Decimal `json:"incrementUnit" binding:"positive_money"`
	Quantity      int             `json:"quantity" binding:"required,gt=0"`
	StartTime     *time.Time      `json:"startTime"`
	EndTime       time.Time       `json:"endTime" binding:"required"`
}

// Create auction
// (POST /auctions)
func (impl *ServerImpl) PostAuction(c *gin.Context) {
	const op = "PostAuction"
	var request createAuctionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid request body"})
		return
	}
	// 未提供開始時間時立即開始
	startTime := impl.now()
	if request.StartTime != nil {
		startTime = *request.StartTime
	}
	created, err := impl.service.CreateAuction(c.Request.Context(), auction.NewAuction{
		ProductID:     request.ProductID,
		StockID:       request.StockID,
		SellerID:      actorFrom(c).UserID,
		StartingPrice: request.StartingPrice,
		IncrementUnit: request.IncrementUnit,
		Quantity:      request.Quantity,
		StartTime:     startTime,
		EndTime:       request.EndTime,
	})
	if err != nil {
		abortWithError(c, op, err)
		return
	}
	c.Header("Location", "/auctions/"+created.ID.String())
	c.JSON(http.StatusCreated, newAuctionView(created, impl.now()))
}

// Get auction details
// (GET /auctions/:id)
func (impl *ServerImpl) GetAuction(c *gin.Context) {
	const op = "GetAuction"
	auctionID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	found, err := impl.service.GetAuction(c.Request.Context(), auctionID)
	if err != nil {
		abortWithError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, newAuctionView(found, impl.now()))
}

type closeAuctionResponse struct {
	Auction       AuctionView `json:"auction"`
	WinningBid    *BidView    `json:"winningBid,omitempty"`
	Order         *OrderView  `json:"order,omitempty"`
	AlreadyClosed bool        `json:"alreadyClosed"`
}

// Close auction, only the seller or an admin can close before the end time
// (POST /auctions/:id/close)
func (impl *ServerImpl) PostAuctionClose(c *gin.Context) {
	const op = "PostAuctionClose"
	auctionID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	result, err := impl.service.CloseAuction(c.Request.Context(), auctionID, actorFrom(c))
	if err != nil {
		abortWithError(c, op, err)
		return
	}
	response := closeAuctionResponse{
		Auction:       newAuctionView(result.Auction, impl.now()),
		AlreadyClosed: result.AlreadyClosed,
	}
	if result.WinningBid != nil {
		view := newBidView(result.WinningBid)
		response.WinningBid = &view
	}
	if result.Order != nil {
		view := newOrderView(result.Order)
		response.Order = &view
	}
	c.JSON(http.StatusOK, response)
}

// uuidParam 解析路徑參數，格式錯誤時直接回傳 400
func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}
