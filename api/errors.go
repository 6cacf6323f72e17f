package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"stockat/auction"
)

// errorStatus 把核心的錯誤種類轉換成 HTTP 狀態碼與回傳訊息
func errorStatus(err error) (int, string) {
	reason := auction.Reason(err)
	switch {
	case errors.Is(err, auction.ErrNotFound):
		return http.StatusNotFound, fallback(reason, "resource not found")
	case errors.Is(err, auction.ErrBusinessRule):
		return http.StatusBadRequest, fallback(reason, "request violates business rule")
	case errors.Is(err, auction.ErrUnauthorized):
		return http.StatusForbidden, fallback(reason, "forbidden")
	case errors.Is(err, auction.ErrGatewayVerification):
		return http.StatusBadRequest, "webhook verification failed"
	case errors.Is(err, auction.ErrConflict):
		return http.StatusBadRequest, "resource was modified concurrently, please retry"
	case errors.Is(err, auction.ErrTransientStorage):
		return http.StatusServiceUnavailable, "service temporarily unavailable, please retry"
	case errors.Is(err, auction.ErrPaymentGateway):
		return http.StatusBadGateway, "payment gateway unavailable"
	}
	return http.StatusInternalServerError, "internal server error"
}

func fallback(reason, def string) string {
	if reason == "" {
		return def
	}
	return reason
}

// abortWithError 回傳錯誤，非預期的錯誤會記錄下來
func abortWithError(c *gin.Context, op string, err error) {
	status, message := errorStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed",
			slog.String("op", op),
			slog.String("path", c.FullPath()),
			slog.Any("error", err))
	}
	c.AbortWithStatusJSON(status, gin.H{"message": message})
}
