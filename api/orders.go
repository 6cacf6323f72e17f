package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"stockat/auction"
	"stockat/models"
)

// Create the order of the winning bid, returns the existing order when it already exists
// (POST /auction-orders/auction/:auctionId)
func (impl *ServerImpl) PostAuctionOrder(c *gin.Context) {
	const op = "PostAuctionOrder"
	auctionID, ok := uuidParam(c, "auctionId")
	if !ok {
		return
	}
	a, err := impl.service.GetAuction(c.Request.Context(), auctionID)
	if err != nil {
		abortWithError(c, op, err)
		return
	}
	// 先確認權限再建立訂單，只有得標者、賣家或管理員可以操作
	actor := actorFrom(c)
	if !actor.Is(a.SellerID) && (a.BuyerID == nil || !actor.Is(*a.BuyerID)) {
		abortWithError(c, op, auction.Unauthorized("order of auction %s is not visible to this user", auctionID))
		return
	}
	order, created, err := impl.service.CreateOrderForWinningBid(c.Request.Context(), auctionID)
	if err != nil {
		abortWithError(c, op, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, newOrderView(order))
}

// Get an order
// (GET /auction-orders/:id)
func (impl *ServerImpl) GetAuctionOrder(c *gin.Context) {
	const op = "GetAuctionOrder"
	orderID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	order, err := impl.service.GetOrder(c.Request.Context(), orderID, actorFrom(c))
	if err != nil {
		abortWithError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, newOrderView(order))
}

type updateOrderStatusRequest struct {
	Status models.OrderStatus `json:"status" binding:"required"`
}

// Update the fulfilment status of an order
// (PUT /auction-orders/:id/status)
func (impl *ServerImpl) PutAuctionOrderStatus(c *gin.Context) {
	const op = "PutAuctionOrderStatus"
	orderID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var request updateOrderStatusRequest
	if err := c.ShouldBindJSON(&request); err != nil || !request.Status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid order status"})
		return
	}
	order, err := impl.service.UpdateOrderStatus(c.Request.Context(), orderID, actorFrom(c), request.Status)
	if err != nil {
		abortWithError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, newOrderView(order))
}

type updateShippingRequest struct {
	ShippingAddress string `json:"shippingAddress" binding:"required,max=1000"`
	RecipientName   string `json:"recipientName" binding:"required,max=255"`
	PhoneNumber     string `json:"phoneNumber" binding:"required,max=64"`
	Notes           string `json:"notes" binding:"max=2000"`
}

// Update the shipping details of an order
// (PUT /auction-orders/:id/shipping)
func (impl *ServerImpl) PutAuctionOrderShipping(c *gin.Context) {
	const op = "PutAuctionOrderShipping"
	orderID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var request updateShippingRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid shipping details"})
		return
	}
	// 收件資訊不允許任何 HTML
	order, err := impl.service.UpdateShipping(c.Request.Context(), orderID, actorFrom(c), auction.ShippingDetails{
		ShippingAddress: impl.htmlChecker.Sanitize(request.ShippingAddress),
		RecipientName:   impl.htmlChecker.Sanitize(request.RecipientName),
		PhoneNumber:     impl.htmlChecker.Sanitize(request.PhoneNumber),
		Notes:           impl.htmlChecker.Sanitize(request.Notes),
	})
	if err != nil {
		abortWithError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, newOrderView(order))
}

type checkoutResponse struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

// Create a payment page for the winning bidder
// (POST /auction-orders/:id/checkout)
func (impl *ServerImpl) PostAuctionOrderCheckout(c *gin.Context) {
	const op = "PostAuctionOrderCheckout"
	orderID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	ref, err := impl.service.CreateCheckoutSession(c.Request.Context(), orderID, actorFrom(c).UserID)
	if err != nil {
		abortWithError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, checkoutResponse{SessionID: ref.ID, URL: ref.URL})
}
