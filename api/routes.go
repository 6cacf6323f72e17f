package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Handler 建立 HTTP 路由
func (impl *ServerImpl) Handler() http.Handler {
	registerValidators()

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	if len(impl.config.CORS.AllowOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     impl.config.CORS.AllowOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
			ExposeHeaders:    []string{"Location"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", impl.GetHealthz)
	// webhook 由金流閘道呼叫，以簽章驗證取代 access token
	router.POST("/payment/webhook/confirm", impl.PostPaymentWebhook)

	authorized := router.Group("/", impl.requireActor())
	{
		authorized.POST("/auctions", impl.PostAuction)
		authorized.GET("/auctions/:id", impl.GetAuction)
		authorized.POST("/auctions/:id/close", impl.PostAuctionClose)

		authorized.POST("/auction-bids", impl.PostBid)
		authorized.GET("/auction-bids/:id", impl.GetBid)
		authorized.GET("/auction-bids/auction/:auctionId", impl.GetAuctionBids)
		authorized.GET("/auction-bids/auction/:auctionId/highest", impl.GetHighestBid)
		authorized.GET("/auction-bids/auction/:auctionId/events", impl.GetAuctionBidEvents)

		authorized.POST("/auction-orders/auction/:auctionId", impl.PostAuctionOrder)
		authorized.GET("/auction-orders/:id", impl.GetAuctionOrder)
		authorized.PUT("/auction-orders/:id/status", impl.PutAuctionOrderStatus)
		authorized.PUT("/auction-orders/:id/shipping", impl.PutAuctionOrderShipping)
		authorized.POST("/auction-orders/:id/checkout", impl.PostAuctionOrderCheckout)
	}
	return router
}

// Health check of database and redis
// (GET /healthz)
func (impl *ServerImpl) GetHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := gin.H{"database": "ok", "redis": "ok"}
	healthy := true
	if sqlDB, err := impl.db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		status["database"] = "unavailable"
		healthy = false
	}
	if err := impl.redisClient.Ping(ctx).Err(); err != nil {
		status["redis"] = "unavailable"
		healthy = false
	}
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, status)
		return
	}
	c.JSON(http.StatusOK, status)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("Request handled",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)))
	}
}
