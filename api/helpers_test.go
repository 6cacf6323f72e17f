package api

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"gorm.io/gorm"

	"stockat/adapters/database"
	"stockat/adapters/stripe"
	"stockat/auction"
)

const (
	testWebhookSecret = "whsec_api_test"
	testIssuer        = "stockat-test"
	testAudience      = "stockat"
)

type testEnv struct {
	server  *ServerImpl
	handler http.Handler
	gateway *auction.MockPaymentGateway
	mr      *miniredis.Miniredis
	db      *gorm.DB
	key     ed25519.PrivateKey
}

func init() {
	gin.SetMode(gin.TestMode)
}

func setupTest(t *testing.T) *testEnv {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.OpenSQLite(database.MemoryDSN("api_" + name))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	publicKey, privateKey, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	ctrl := gomock.NewController(t)
	gateway := auction.NewMockPaymentGateway(ctrl)

	config := ServerConfig{
		ID: "api-test",
		Redis: RedisConfig{
			KeyPrefix:     "test:",
			ConsumerGroup: "stockat",
			StreamKeys: RedisStreamKeys{
				BidStream:  "test:bids",
				MailStream: "test:mails",
			},
			StreamMaxLen: 1000,
		},
		Auth: AuthConfig{
			PublicKey: publicKey,
			Issuer:    testIssuer,
			Audience:  testAudience,
		},
		Stripe: StripeConfig{
			WebhookSecret: testWebhookSecret,
		},
		Closer:       CloserConfig{Interval: time.Hour},
		SSEHeartbeat: time.Second,
	}
	server, err := New(config, Dependencies{
		DB:          db,
		RedisClient: client,
		Gateway:     gateway,
	})
	require.NoError(t, err)
	require.NoError(t, server.Start())
	t.Cleanup(server.Close)

	return &testEnv{
		server:  server,
		handler: server.Handler(),
		gateway: gateway,
		mr:      mr,
		db:      db,
		key:     privateKey,
	}
}

func (env *testEnv) token(t *testing.T, userID uuid.UUID, admin bool) string {
	t.Helper()
	return signToken(t, env.key, JWT{
		Username: "tester",
		Admin:    admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{testAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
}

func signToken(t *testing.T, key ed25519.PrivateKey, claims JWT) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func (env *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(v)
	default:
		data, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func message(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]any](t, w)["message"].(string)
}

// createAuction 以起標 100、增額 10 建立一場進行中的拍賣
func (env *testEnv) createAuction(t *testing.T, sellerToken string) AuctionView {
	t.Helper()
	w := env.do(t, http.MethodPost, "/auctions", sellerToken, map[string]any{
		"productId":     uuid.New(),
		"stockId":       uuid.New(),
		"startingPrice": "100.00",
		"incrementUnit": "10",
		"quantity":      5,
		"endTime":       time.Now().Add(time.Hour),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[AuctionView](t, w)
}

func (env *testEnv) placeBid(t *testing.T, token string, auctionID uuid.UUID, amount string) *httptest.ResponseRecorder {
	t.Helper()
	return env.do(t, http.MethodPost, "/auction-bids", token, map[string]any{
		"auctionId": auctionID,
		"bidAmount": amount,
	})
}

func webhookPayload(eventID, eventType, sessionID string, orderID uuid.UUID) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": %q,
		"data": {"object": {"id": %q, "payment_intent": "pi_api_1", "metadata": {"type": "auction_order", "orderId": %q}}}
	}`, eventID, eventType, sessionID, orderID.String()))
}

func (env *testEnv) postWebhook(t *testing.T, payload []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/payment/webhook/confirm", bytes.NewReader(payload))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	return w
}

func sign(payload []byte) string {
	return stripe.Sign(testWebhookSecret, time.Now(), payload)
}
