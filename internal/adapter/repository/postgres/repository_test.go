package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	pgdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tiltvault/tiltvault-cloud/internal/adapter/repository/postgres"
	"github.com/tiltvault/tiltvault-cloud/internal/domain/position"
	"github.com/tiltvault/tiltvault-cloud/pkg/kv"
	"github.com/tiltvault/tiltvault-cloud/pkg/snowflake"
	"github.com/tiltvault/tiltvault-cloud/pkg/testhelper"
)

const repoWallet = "0x1234567890abcdef1234567890abcdef12345678"

func TestRepository_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	pg, err := testhelper.SetupPostgres(ctx)
	require.NoError(t, err)
	defer func() {
		if err := pg.Teardown(ctx); err != nil {
			t.Logf("failed to teardown container: %v", err)
		}
	}()

	db, err := gorm.Open(pgdriver.Open(pg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&postgres.PositionModel{}))

	store := kv.NewMemory()
	node, err := snowflake.NewNode()
	require.NoError(t, err)

	repo := postgres.NewRepository(db, store, node, zap.NewNop())

	t.Run("SaveAssignsIDAndHash", func(t *testing.T) {
		pos := position.New("pay_1", "ord_1", repoWallet, "jo@example.com", position.StrategyConservative, 25000)
		require.NoError(t, repo.Save(ctx, pos))
		assert.NotZero(t, pos.ID)
		assert.NotEmpty(t, pos.IntegrityHash)

		found, err := repo.FindByPaymentID(ctx, "pay_1")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, pos.ID, found.ID)
		assert.Equal(t, position.StrategyConservative, found.StrategyType)
		assert.Equal(t, int64(25000), found.USDCCents)
		assert.True(t, found.VerifyIntegrity())
	})

	t.Run("FindMissingReturnsNil", func(t *testing.T) {
		found, err := repo.FindByPaymentID(ctx, "pay_missing")
		require.NoError(t, err)
		assert.Nil(t, found)

		found, err = repo.FindByID(ctx, 999999999)
		require.NoError(t, err)
		assert.Nil(t, found)
	})

	t.Run("SaveUpdatesInPlace", func(t *testing.T) {
		pos, err := repo.FindByPaymentID(ctx, "pay_1")
		require.NoError(t, err)
		require.NoError(t, pos.MarkExecuting())
		pos.MarkActive()
		pos.AaveSupplyCents = 25000
		pos.AaveSupplyTxHash = "0xsupply"
		require.NoError(t, repo.Save(ctx, pos))

		found, err := repo.FindByPaymentID(ctx, "pay_1")
		require.NoError(t, err)
		assert.Equal(t, position.StatusActive, found.Status)
		assert.Equal(t, "0xsupply", found.AaveSupplyTxHash)
		assert.NotNil(t, found.ExecutedAt)
	})

	t.Run("DuplicatePaymentRejected", func(t *testing.T) {
		dup := position.New("pay_1", "ord_dup", repoWallet, "", position.StrategyAggressive, 1)
		assert.Error(t, repo.Save(ctx, dup))
	})

	t.Run("ListByEmailAndWallet", func(t *testing.T) {
		other := position.New("pay_2", "ord_2", repoWallet, "jo@example.com", position.StrategySplit, 5000)
		require.NoError(t, repo.Save(ctx, other))

		byEmail, err := repo.ListByEmail(ctx, "jo@example.com", 10)
		require.NoError(t, err)
		assert.Len(t, byEmail, 2)

		byWallet, err := repo.ListByWallet(ctx, repoWallet, 1)
		require.NoError(t, err)
		assert.Len(t, byWallet, 1, "limit respected")

		none, err := repo.ListByEmail(ctx, "nobody@example.com", 10)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("ListStale", func(t *testing.T) {
		stale := position.New("pay_stale", "ord_s", repoWallet, "", position.StrategyConservative, 100)
		stale.MarkProtocolFailed(position.ErrNetwork, "timeout")
		require.NoError(t, repo.Save(ctx, stale))

		// Backdate the row past the cutoff.
		old := time.Now().UTC().Add(-2 * time.Hour)
		require.NoError(t, db.Model(&postgres.PositionModel{}).
			Where("payment_id = ?", "pay_stale").
			Update("updated_at", old).Error)

		got, err := repo.ListStale(ctx,
			[]position.Status{position.StatusSupplyFailed, position.StatusGasSentCapFailed},
			time.Now().UTC().Add(-time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "pay_stale", got[0].PaymentID)

		// Fresh failures stay out of the stale scan.
		fresh := position.New("pay_fresh", "ord_f", repoWallet, "", position.StrategyConservative, 100)
		fresh.MarkProtocolFailed(position.ErrNetwork, "timeout")
		require.NoError(t, repo.Save(ctx, fresh))

		got, err = repo.ListStale(ctx,
			[]position.Status{position.StatusSupplyFailed, position.StatusGasSentCapFailed},
			time.Now().UTC().Add(-time.Hour), 10)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("ListByStatus", func(t *testing.T) {
		active, err := repo.ListByStatus(ctx, []position.Status{position.StatusActive}, 10)
		require.NoError(t, err)
		require.NotEmpty(t, active)
		for _, p := range active {
			assert.Equal(t, position.StatusActive, p.Status)
		}
	})

	t.Run("RecencyIndexMaintained", func(t *testing.T) {
		recent, err := store.ZRangeByScore(ctx, "positions:recent", 0, float64(time.Now().UnixMilli()+1000), 0)
		require.NoError(t, err)
		assert.NotEmpty(t, recent)
	})

	t.Run("KVOutageDoesNotFailSave", func(t *testing.T) {
		store.Fail = true
		defer func() { store.Fail = false }()

		pos := position.New("pay_kv_down", "ord_kv", repoWallet, "", position.StrategyConservative, 100)
		require.NoError(t, repo.Save(ctx, pos), "postgres is the source of truth")

		found, err := repo.FindByPaymentID(ctx, "pay_kv_down")
		require.NoError(t, err)
		assert.NotNil(t, found)
	})
}
