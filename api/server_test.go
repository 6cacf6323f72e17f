package api

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"stockat/auction"
	"stockat/models"
)

func TestAuth(t *testing.T) {
	env := setupTest(t)
	userID := uuid.New()
	_, otherKey, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"MissingToken", "", http.StatusUnauthorized},
		{"Garbage", "not-a-jwt", http.StatusUnauthorized},
		{"WrongKey", signToken(t, otherKey, JWT{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{testAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}), http.StatusUnauthorized},
		{"Expired", signToken(t, env.key, JWT{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{testAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		}}), http.StatusUnauthorized},
		{"WrongAudience", signToken(t, env.key, JWT{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{"someone-else"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}), http.StatusUnauthorized},
		{"SubjectNotUUID", signToken(t, env.key, JWT{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{testAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}), http.StatusUnauthorized},
		{"Valid", env.token(t, userID, false), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodGet, "/auctions/"+uuid.New().String(), tt.token, nil)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}

	t.Run("Cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/auctions/"+uuid.New().String(), nil)
		req.AddCookie(&http.Cookie{Name: accessTokenCookie, Value: env.token(t, userID, false)})
		w := httptest.NewRecorder()
		env.handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestAuctionLifecycle(t *testing.T) {
	env := setupTest(t)
	sellerID, bidderA, bidderB, stranger := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	seller := env.token(t, sellerID, false)
	tokenA := env.token(t, bidderA, false)
	tokenB := env.token(t, bidderB, false)
	strangerToken := env.token(t, stranger, false)

	created := env.createAuction(t, seller)
	assert.Equal(t, sellerID, created.SellerID)
	assert.Equal(t, "100.00", created.CurrentBid)
	assert.Equal(t, "110.00", created.MinimumNextBid)
	assert.Equal(t, auction.StateActive, created.State)
	auctionPath := created.ID.String()

	// 沒有出價時回傳 204
	w := env.do(t, http.MethodGet, "/auction-bids/auction/"+auctionPath+"/highest", tokenA, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	// 賣家不能對自己的拍賣出價
	w = env.placeBid(t, seller, created.ID, "120")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// 第一筆出價也必須加上增額
	w = env.placeBid(t, tokenA, created.ID, "105")
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, message(t, w), "at least 110.00")

	w = env.placeBid(t, tokenA, created.ID, "110")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	first := decode[BidView](t, w)
	assert.Equal(t, "110.00", first.BidAmount)
	assert.Equal(t, 1, first.Seq)

	w = env.placeBid(t, tokenB, created.ID, "135.50")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	second := decode[BidView](t, w)

	w = env.do(t, http.MethodGet, "/auction-bids/"+first.ID.String(), tokenB, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, bidderA, decode[BidView](t, w).BidderID)

	w = env.do(t, http.MethodGet, "/auction-bids/auction/"+auctionPath, tokenA, nil)
	require.Equal(t, http.StatusOK, w.Code)
	bids := decode[[]BidView](t, w)
	require.Len(t, bids, 2)
	assert.Equal(t, first.ID, bids[0].ID)
	assert.Equal(t, second.ID, bids[1].ID)

	w = env.do(t, http.MethodGet, "/auction-bids/auction/"+auctionPath+"/highest", tokenA, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "135.50", decode[BidView](t, w).BidAmount)

	// 結標前還沒有得標者，也沒有訂單
	w = env.do(t, http.MethodPost, "/auction-orders/auction/"+auctionPath, tokenB, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = env.do(t, http.MethodPost, "/auction-orders/auction/"+auctionPath, seller, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// 只有賣家或管理員可以提前結標
	w = env.do(t, http.MethodPost, "/auctions/"+auctionPath+"/close", strangerToken, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, "/auctions/"+auctionPath+"/close", seller, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	closed := decode[closeAuctionResponse](t, w)
	assert.False(t, closed.AlreadyClosed)
	assert.Equal(t, auction.StateClosed, closed.Auction.State)
	require.NotNil(t, closed.WinningBid)
	assert.Equal(t, second.ID, closed.WinningBid.ID)
	require.NotNil(t, closed.Order)
	assert.Equal(t, "135.50", closed.Order.Amount)
	assert.Equal(t, models.OrderStatusPending, closed.Order.Status)
	orderPath := closed.Order.ID.String()

	// 重複結標回傳相同結果
	w = env.do(t, http.MethodPost, "/auctions/"+auctionPath+"/close", seller, nil)
	require.Equal(t, http.StatusOK, w.Code)
	again := decode[closeAuctionResponse](t, w)
	assert.True(t, again.AlreadyClosed)
	assert.Equal(t, closed.WinningBid.ID, again.WinningBid.ID)

	// 結標後不能再出價
	w = env.placeBid(t, tokenA, created.ID, "200")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// 訂單已存在時回傳 200
	w = env.do(t, http.MethodPost, "/auction-orders/auction/"+auctionPath, tokenB, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, closed.Order.ID, decode[OrderView](t, w).ID)

	w = env.do(t, http.MethodPost, "/auction-orders/auction/"+auctionPath, strangerToken, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = env.do(t, http.MethodGet, "/auction-orders/"+orderPath, strangerToken, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = env.do(t, http.MethodGet, "/auction-orders/"+orderPath, env.token(t, uuid.New(), true), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// 收件資訊會移除 HTML
	w = env.do(t, http.MethodPut, "/auction-orders/"+orderPath+"/shipping", tokenB, map[string]string{
		"shippingAddress": "<b>1 Harbour Road</b>",
		"recipientName":   "<script>alert(1)</script>Bob",
		"phoneNumber":     "0912345678",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	shipped := decode[OrderView](t, w)
	assert.Equal(t, "1 Harbour Road", shipped.ShippingAddress)
	assert.Equal(t, "Bob", shipped.RecipientName)

	// 只有得標者可以付款
	w = env.do(t, http.MethodPost, "/auction-orders/"+orderPath+"/checkout", tokenA, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	env.gateway.EXPECT().
		CreateCheckoutSession(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, req auction.CheckoutRequest) (auction.SessionRef, error) {
			assert.Equal(t, closed.Order.ID, req.OrderID)
			assert.Equal(t, bidderB, req.BuyerID)
			assert.Equal(t, "135.50", req.Amount.StringFixed(2))
			assert.Equal(t, auction.DomainAuctionOrder, req.Metadata[auction.MetadataType])
			assert.Equal(t, orderPath, req.Metadata[auction.MetadataOrderID])
			return auction.SessionRef{ID: "cs_api_1", URL: "https://checkout.test/cs_api_1"}, nil
		})
	w = env.do(t, http.MethodPost, "/auction-orders/"+orderPath+"/checkout", tokenB, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	checkout := decode[checkoutResponse](t, w)
	assert.Equal(t, "cs_api_1", checkout.SessionID)
	assert.Equal(t, "https://checkout.test/cs_api_1", checkout.URL)

	// 付款完成前賣家不能推進履約狀態
	w = env.do(t, http.MethodPut, "/auction-orders/"+orderPath+"/status", seller, map[string]string{"status": "Ready"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	payload := webhookPayload("evt_api_paid", "checkout.session.completed", "cs_api_1", closed.Order.ID)
	w = env.postWebhook(t, payload, sign(payload))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	// 重送同一事件不會改變結果
	w = env.postWebhook(t, payload, sign(payload))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/auction-orders/"+orderPath, tokenB, nil)
	require.Equal(t, http.StatusOK, w.Code)
	paid := decode[OrderView](t, w)
	assert.Equal(t, models.PaymentStatusPaid, paid.PaymentStatus)
	assert.Equal(t, models.OrderStatusProcessing, paid.Status)
	assert.Equal(t, "pi_api_1", paid.PaymentTransactionID)
	assert.Equal(t, "cs_api_1", paid.StripeSessionID)
	assert.NotNil(t, paid.PaidAt)

	// 已付款的訂單不能取消
	w = env.do(t, http.MethodPut, "/auction-orders/"+orderPath+"/status", tokenB, map[string]string{"status": "Cancelled"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPut, "/auction-orders/"+orderPath+"/status", tokenB, map[string]string{"status": "Ready"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = env.do(t, http.MethodPut, "/auction-orders/"+orderPath+"/status", seller, map[string]string{"status": "Ready"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.OrderStatusReady, decode[OrderView](t, w).Status)

	w = env.do(t, http.MethodPut, "/auction-orders/"+orderPath+"/status", seller, map[string]string{"status": "Teleported"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPostAuctionOrder_Authorization(t *testing.T) {
	env := setupTest(t)
	sellerID, bidderID := uuid.New(), uuid.New()
	seller := env.token(t, sellerID, false)
	bidder := env.token(t, bidderID, false)
	stranger := env.token(t, uuid.New(), false)

	created := env.createAuction(t, seller)
	w := env.placeBid(t, bidder, created.ID, "110")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = env.do(t, http.MethodPost, "/auctions/"+created.ID.String()+"/close", seller, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// 模擬結標時訂單沒有建立成功，之後由 API 補建
	result := env.db.Where("auction_id = ?", created.ID).Delete(&models.AuctionOrder{})
	require.NoError(t, result.Error)
	require.EqualValues(t, 1, result.RowsAffected)

	path := "/auction-orders/auction/" + created.ID.String()
	w = env.do(t, http.MethodPost, path, stranger, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	var count int64
	require.NoError(t, env.db.Model(&models.AuctionOrder{}).Where("auction_id = ?", created.ID).Count(&count).Error)
	assert.Zero(t, count)

	w = env.do(t, http.MethodPost, path, bidder, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	order := decode[OrderView](t, w)
	assert.Equal(t, bidderID, order.BuyerID)
	assert.Equal(t, sellerID, order.SellerID)

	w = env.do(t, http.MethodPost, path, seller, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, order.ID, decode[OrderView](t, w).ID)

	w = env.do(t, http.MethodPost, "/auction-orders/auction/"+uuid.NewString(), bidder, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRequestValidation(t *testing.T) {
	env := setupTest(t)
	seller := env.token(t, uuid.New(), false)
	bidder := env.token(t, uuid.New(), false)
	created := env.createAuction(t, seller)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"BidWithThreeDecimals", http.MethodPost, "/auction-bids", map[string]any{"auctionId": created.ID, "bidAmount": "110.005"}},
		{"BidNegative", http.MethodPost, "/auction-bids", map[string]any{"auctionId": created.ID, "bidAmount": "-1"}},
		{"BidWithoutAuction", http.MethodPost, "/auction-bids", map[string]any{"bidAmount": "110"}},
		{"BidNotJSON", http.MethodPost, "/auction-bids", []byte("amount=110")},
		{"AuctionWithoutIncrement", http.MethodPost, "/auctions", map[string]any{
			"productId": uuid.New(), "stockId": uuid.New(), "startingPrice": "1", "quantity": 1,
			"endTime": time.Now().Add(time.Hour),
		}},
		{"AuctionEndsBeforeStart", http.MethodPost, "/auctions", map[string]any{
			"productId": uuid.New(), "stockId": uuid.New(), "startingPrice": "1", "incrementUnit": "1", "quantity": 1,
			"startTime": time.Now().Add(2 * time.Hour), "endTime": time.Now().Add(time.Hour),
		}},
		{"InvalidAuctionID", http.MethodGet, "/auctions/not-a-uuid", nil},
		{"InvalidBidID", http.MethodGet, "/auction-bids/not-a-uuid", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.method, tt.path, bidder, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.NotEmpty(t, message(t, w))
		})
	}

	t.Run("UnknownAuction", func(t *testing.T) {
		w := env.placeBid(t, bidder, uuid.New(), "110")
		assert.Equal(t, http.StatusNotFound, w.Code)
		w = env.do(t, http.MethodGet, "/auction-bids/auction/"+uuid.New().String()+"/highest", bidder, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestPaymentWebhook(t *testing.T) {
	env := setupTest(t)
	payload := webhookPayload("evt_api_1", "checkout.session.completed", "cs_1", uuid.New())

	t.Run("MissingSignature", func(t *testing.T) {
		w := env.postWebhook(t, payload, "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("BadSignature", func(t *testing.T) {
		w := env.postWebhook(t, payload, "t=1,v1=deadbeef")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "webhook verification failed", message(t, w))
	})

	t.Run("TooLarge", func(t *testing.T) {
		large := []byte(`{"id":"evt_large","pad":"` + strings.Repeat("x", maxWebhookBodySize) + `"}`)
		w := env.postWebhook(t, large, sign(large))
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})

	t.Run("InvalidMetadata", func(t *testing.T) {
		bad := []byte(`{"id":"evt_bad","type":"checkout.session.completed","data":{"object":{"id":"cs_1","metadata":{"type":"auction_order","orderId":"nope"}}}}`)
		w := env.postWebhook(t, bad, sign(bad))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("UnknownOrder", func(t *testing.T) {
		w := env.postWebhook(t, payload, sign(payload))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestBidEvents(t *testing.T) {
	env := setupTest(t)
	seller := env.token(t, uuid.New(), false)
	bidder := env.token(t, uuid.New(), false)
	created := env.createAuction(t, seller)

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/auction-bids/auction/"+created.ID.String()+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+bidder)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 16)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	w := env.placeBid(t, bidder, created.ID, "110")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	timeout := time.After(5 * time.Second)
	gotEvent := false
	for {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream closed before bid event")
			if line == "event:bid" {
				gotEvent = true
				continue
			}
			if gotEvent && strings.HasPrefix(line, "data:") {
				assert.Contains(t, line, `"amount":"110.00"`)
				assert.Contains(t, line, created.ID.String())
				return
			}
		case <-timeout:
			t.Fatal("bid event not received")
		}
	}
}

func TestBidEvents_ClosedAuction(t *testing.T) {
	env := setupTest(t)
	seller := env.token(t, uuid.New(), false)
	created := env.createAuction(t, seller)

	w := env.do(t, http.MethodPost, "/auctions/"+created.ID.String()+"/close", seller, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, http.MethodGet, "/auction-bids/auction/"+created.ID.String()+"/events", seller, nil)
	assert.Equal(t, http.StatusGone, w.Code)
}

func TestHealthz(t *testing.T) {
	env := setupTest(t)
	w := env.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, w)["redis"])
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{auction.NotFound("auction missing"), http.StatusNotFound},
		{auction.BusinessRule("too low"), http.StatusBadRequest},
		{auction.Unauthorized("not yours"), http.StatusForbidden},
		{auction.ErrGatewayVerification, http.StatusBadRequest},
		{auction.ErrConflict, http.StatusBadRequest},
		{auction.ErrTransientStorage, http.StatusServiceUnavailable},
		{auction.ErrPaymentGateway, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			status, message := errorStatus(tt.err)
			assert.Equal(t, tt.status, status)
			assert.NotEmpty(t, message)
		})
	}
	_, reason := errorStatus(auction.BusinessRule("bid amount too low"))
	assert.Equal(t, "bid amount too low", reason)
}
