package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// webhook 原始內容的大小上限
const maxWebhookBodySize = 64 << 10

// Receive payment gateway events
// (POST /payment/webhook/confirm)
func (impl *ServerImpl) PostPaymentWebhook(c *gin.Context) {
	const op = "PostPaymentWebhook"
	// 驗證簽章需要原始內容，必須在解析前完整讀取
	payload, err := readLimitedBody(c.Request.Body, maxWebhookBodySize)
	if err != nil {
		var tooLarge *BodyTooLargeError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"message": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"message": "fail to read request body"})
		return
	}
	signature := c.GetHeader("Stripe-Signature")
	if signature == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "missing signature"})
		return
	}
	if err := impl.processor.HandleWebhook(c.Request.Context(), payload, signature); err != nil {
		abortWithError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
