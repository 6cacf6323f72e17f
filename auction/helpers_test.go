package auction_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"stockat/adapters/database"
	"stockat/auction"
	"stockat/models"
)

// testClock 是可以手動前進的時鐘
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sentEmail struct {
	To, Subject, Body string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentEmail
}

func (n *fakeNotifier) SendEmail(ctx context.Context, to, subject, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentEmail{To: to, Subject: subject, Body: body})
}

func (n *fakeNotifier) Sent() []sentEmail {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentEmail(nil), n.sent...)
}

type fakeGateway struct {
	mu       sync.Mutex
	requests []auction.CheckoutRequest
	err      error
}

func (g *fakeGateway) CreateCheckoutSession(ctx context.Context, req auction.CheckoutRequest) (auction.SessionRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return auction.SessionRef{}, g.err
	}
	g.requests = append(g.requests, req)
	id := "cs_test_" + req.OrderID.String()
	return auction.SessionRef{ID: id, URL: "https://checkout.example.com/" + id}, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []auction.BidEvent
}

func (p *fakePublisher) PublishBid(ctx context.Context, event auction.BidEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

type testEnv struct {
	store     *database.Store
	service   *auction.Service
	clock     *testClock
	notifier  *fakeNotifier
	gateway   *fakeGateway
	publisher *fakePublisher
}

func setupTest(t *testing.T, opts ...auction.Option) *testEnv {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.OpenSQLite(database.MemoryDSN(name))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	env := &testEnv{
		store:     database.NewStore(db),
		clock:     newTestClock(),
		notifier:  &fakeNotifier{},
		gateway:   &fakeGateway{},
		publisher: &fakePublisher{},
	}
	opts = append([]auction.Option{
		auction.WithClock(env.clock.Now),
		auction.WithNotifier(env.notifier),
		auction.WithPaymentGateway(env.gateway),
		auction.WithBidPublisher(env.publisher),
		auction.WithConflictRetries(3, time.Millisecond),
	}, opts...)
	env.service, err = auction.NewService(env.store, opts...)
	require.NoError(t, err)
	return env
}

// createActiveAuction 建立起標價 100、增額 10、一小時後結束的拍賣
func (env *testEnv) createActiveAuction(t *testing.T) *models.Auction {
	t.Helper()
	now := env.clock.Now()
	a, err := env.service.CreateAuction(context.Background(), auction.NewAuction{
		ProductID:     uuid.New(),
		StockID:       uuid.New(),
		SellerID:      uuid.New(),
		StartingPrice: decimal.NewFromInt(100),
		IncrementUnit: decimal.NewFromInt(10),
		Quantity:      2,
		StartTime:     now.Add(-time.Minute),
		EndTime:       now.Add(time.Hour),
	})
	require.NoError(t, err)
	return a
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
