package database

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"stockat/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := OpenSQLite(MemoryDSN(name))
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func newTestAuction(t *testing.T, s *Store, end time.Time) *models.Auction {
	t.Helper()
	a := &models.Auction{
		ProductID:     uuid.New(),
		SellerID:      uuid.New(),
		StockID:       uuid.New(),
		StartingPrice: decimal.NewFromInt(100),
		CurrentBid:    decimal.NewFromInt(100),
		IncrementUnit: decimal.NewFromInt(10),
		StartTime:     end.Add(-time.Hour),
		EndTime:       end,
		Quantity:      1,
	}
	require.NoError(t, s.CreateAuction(context.Background(), a))
	return a
}
