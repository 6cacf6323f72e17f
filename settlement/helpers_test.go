package settlement_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"stockat/adapters/database"
	redisAdapter "stockat/adapters/redis"
	"stockat/adapters/stripe"
	"stockat/auction"
	"stockat/models"
	"stockat/settlement"
)

const webhookSecret = "whsec_test"

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sentEmail struct {
	To, Subject string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentEmail
}

func (n *fakeNotifier) SendEmail(ctx context.Context, to, subject, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentEmail{To: to, Subject: subject})
}

func (n *fakeNotifier) Sent() []sentEmail {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentEmail(nil), n.sent...)
}

type fakeArchiver struct {
	mu       sync.Mutex
	archived []string
}

func (a *fakeArchiver) ArchiveWebhook(ctx context.Context, eventID string, receivedAt time.Time, payload []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archived = append(a.archived, eventID)
	return "s3://archive/" + eventID + ".json", nil
}

type fakeGateway struct{}

func (fakeGateway) CreateCheckoutSession(ctx context.Context, req auction.CheckoutRequest) (auction.SessionRef, error) {
	return auction.SessionRef{ID: "cs_" + req.OrderID.String()}, nil
}

type testEnv struct {
	store       *database.Store
	service     *auction.Service
	notifier    *fakeNotifier
	archiver    *fakeArchiver
	mr          *miniredis.Miniredis
	idempotency *redisAdapter.IdempotencyStore
	processor   *settlement.Processor
}

func setupTest(t *testing.T) *testEnv {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.OpenSQLite(database.MemoryDSN("settlement_" + name))
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

	env := &testEnv{
		store:       database.NewStore(db),
		notifier:    &fakeNotifier{},
		archiver:    &fakeArchiver{},
		mr:          mr,
		idempotency: redisAdapter.NewIdempotencyStore(client, redisAdapter.WithIdempotencyPrefix("test:")),
	}
	clock := func() time.Time { return testNow }
	env.service, err = auction.NewService(env.store,
		auction.WithLogger(discardLogger()),
		auction.WithClock(clock),
		auction.WithPaymentGateway(fakeGateway{}),
	)
	require.NoError(t, err)

	env.processor = env.newProcessor(t, settlement.WithIdempotencyStore(env.idempotency))
	return env
}

func (env *testEnv) newProcessor(t *testing.T, opts ...settlement.ProcessorOption) *settlement.Processor {
	t.Helper()
	verifier, err := stripe.NewVerifier(webhookSecret, stripe.WithVerifierClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	handler := settlement.NewAuctionOrderHandler(env.store,
		settlement.WithHandlerLogger(discardLogger()),
		settlement.WithHandlerNotifier(env.notifier),
		settlement.WithHandlerClock(func() time.Time { return testNow }),
	)
	opts = append([]settlement.ProcessorOption{
		settlement.WithLogger(discardLogger()),
		settlement.WithHandler(auction.DomainAuctionOrder, handler),
		settlement.WithArchiver(env.archiver),
		settlement.WithClock(func() time.Time { return testNow }),
	}, opts...)
	processor, err := settlement.NewProcessor(verifier, opts...)
	require.NoError(t, err)
	return processor
}

// createOrder 依照起標 100、增額 10，出價 110 與 130 後結標並建立訂單
func (env *testEnv) createOrder(t *testing.T) *models.AuctionOrder {
	t.Helper()
	ctx := context.Background()
	seller := uuid.New()
	a, err := env.service.CreateAuction(ctx, auction.NewAuction{
		ProductID:     uuid.New(),
		StockID:       uuid.New(),
		SellerID:      seller,
		StartingPrice: decimal.NewFromInt(100),
		IncrementUnit: decimal.NewFromInt(10),
		Quantity:      1,
		StartTime:     testNow.Add(-time.Hour),
		EndTime:       testNow.Add(time.Hour),
	})
	require.NoError(t, err)
	_, err = env.service.PlaceBid(ctx, a.ID, uuid.New(), decimal.NewFromInt(110))
	require.NoError(t, err)
	_, err = env.service.PlaceBid(ctx, a.ID, uuid.New(), decimal.NewFromInt(130))
	require.NoError(t, err)

	result, err := env.service.CloseAuction(ctx, a.ID, auction.Actor{UserID: seller})
	require.NoError(t, err)
	require.NotNil(t, result.Order)
	return result.Order
}

func (env *testEnv) reload(t *testing.T, id uuid.UUID) *models.AuctionOrder {
	t.Helper()
	order, err := env.store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return order
}

func eventPayload(eventID, eventType string, metadata string) []byte {
	return sessionEventPayload(eventID, eventType, "cs_test_1", "pi_1", metadata)
}

func sessionEventPayload(eventID, eventType, sessionID, intentID, metadata string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": %q,
		"data": {"object": {"id": %q, "payment_intent": %q, "metadata": %s}}
	}`, eventID, eventType, sessionID, intentID, metadata))
}

func orderMetadata(orderID uuid.UUID) string {
	return fmt.Sprintf(`{"type": "auction_order", "orderId": %q}`, orderID.String())
}

func sign(payload []byte) string {
	return stripe.Sign(webhookSecret, testNow, payload)
}
