package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/aperturehq/aperture/internal/clock"
	walletdomain "github.com/aperturehq/aperture/internal/wallet/domain"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&walletdomain.CreditBalance{}, &walletdomain.WalletEntry{}))
	return db
}

func newTestService(t *testing.T, db *gorm.DB) (*Service, *clock.FakeClock) {
	t.Helper()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))

	svc := NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
	})
	return svc.(*Service), fake
}

func TestTopUp_UniversalFansOutToAllPools(t *testing.T) {
	db := setupTestDB(t)
	svc, _ := newTestService(t, db)
	ctx := context.Background()

	node, _ := snowflake.NewNode(2)
	userID := node.Generate()

	balances, err := svc.TopUp(ctx, walletdomain.TopUpRequest{
		UserID: userID,
		Kind:   walletdomain.CreditUniversal,
		Amount: 500,
		Source: "admin_topup",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(500), balances.TokenCredits)
	assert.Equal(t, int64(500), balances.ImageCredits)
	assert.Equal(t, int64(500), balances.VideoCredits)

	var entries []walletdomain.WalletEntry
	require.NoError(t, db.Where("user_id = ?", userID).Find(&entries).Error)
	require.Len(t, entries, 1)
	assert.Equal(t, walletdomain.CreditUniversal, entries[0].Kind)
	assert.Equal(t, int64(500), entries[0].Amount)
}

func TestTopUp_SinglePool(t *testing.T) {
	db := setupTestDB(t)
	svc, _ := newTestService(t, db)
	ctx := context.Background()

	node, _ := snowflake.NewNode(2)
	userID := node.Generate()

	_, err := svc.TopUp(ctx, walletdomain.TopUpRequest{
		UserID: userID,
		Kind:   walletdomain.CreditImage,
		Amount: 25,
		Source: "purchase",
	})
	require.NoError(t, err)

	balances, err := svc.Balances(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balances.TokenCredits)
	assert.Equal(t, int64(25), balances.ImageCredits)
	assert.Equal(t, int64(0), balances.VideoCredits)
}

func TestTopUp_Validation(t *testing.T) {
	db := setupTestDB(t)
	svc, _ := newTestService(t, db)
	ctx := context.Background()

	node, _ := snowflake.NewNode(2)
	userID := node.Generate()

	_, err := svc.TopUp(ctx, walletdomain.TopUpRequest{UserID: 0, Kind: walletdomain.CreditToken, Amount: 10})
	assert.ErrorIs(t, err, walletdomain.ErrInvalidUser)

	_, err = svc.TopUp(ctx, walletdomain.TopUpRequest{UserID: userID, Kind: walletdomain.CreditToken, Amount: 0})
	assert.ErrorIs(t, err, walletdomain.ErrInvalidAmount)

	_, err = svc.TopUp(ctx, walletdomain.TopUpRequest{UserID: userID, Kind: "points", Amount: 10})
	assert.ErrorIs(t, err, walletdomain.ErrInvalidKind)
}

func TestBalances_MissingRowReadsAsZero(t *testing.T) {
	db := setupTestDB(t)
	svc, _ := newTestService(t, db)

	node, _ := snowflake.NewNode(2)
	balances, err := svc.Balances(context.Background(), node.Generate())
	require.NoError(t, err)
	assert.Equal(t, walletdomain.Balances{}, *balances)
}

func TestDeduct_ClampsAtZeroAndReportsShortfall(t *testing.T) {
	db := setupTestDB(t)
	svc, _ := newTestService(t, db)
	ctx := context.Background()

	node, _ := snowflake.NewNode(2)
	userID := node.Generate()

	_, err := svc.TopUp(ctx, walletdomain.TopUpRequest{
		UserID: userID,
		Kind:   walletdomain.CreditToken,
		Amount: 100,
		Source: "purchase",
	})
	require.NoError(t, err)

	var result *walletdomain.DeductionResult
	err = db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		result, txErr = svc.Deduct(ctx, tx, userID, walletdomain.Deduction{
			TokenCredits: 150,
			ImageCredits: 10,
		})
		return txErr
	})
	require.NoError(t, err)

	assert.Equal(t, int64(50), result.Shortfall.TokenCredits)
	assert.Equal(t, int64(10), result.Shortfall.ImageCredits)
	assert.Equal(t, int64(0), result.Shortfall.VideoCredits)

	balances, err := svc.Balances(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balances.TokenCredits)
	assert.Equal(t, int64(0), balances.ImageCredits)
}

func TestDeduct_FullCoverLeavesRemainder(t *testing.T) {
	db := setupTestDB(t)
	svc, _ := newTestService(t, db)
	ctx := context.Background()

	node, _ := snowflake.NewNode(2)
	userID := node.Generate()

	_, err := svc.TopUp(ctx, walletdomain.TopUpRequest{
		UserID: userID,
		Kind:   walletdomain.CreditVideo,
		Amount: 8,
		Source: "purchase",
	})
	require.NoError(t, err)

	err = db.Transaction(func(tx *gorm.DB) error {
		result, txErr := svc.Deduct(ctx, tx, userID, walletdomain.Deduction{VideoCredits: 3})
		if txErr != nil {
			return txErr
		}
		assert.Equal(t, walletdomain.Deduction{}, result.Shortfall)
		return nil
	})
	require.NoError(t, err)

	balances, err := svc.Balances(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), balances.VideoCredits)
}

func TestDeduct_ZeroDeductionIsNoOp(t *testing.T) {
	db := setupTestDB(t)
	svc, _ := newTestService(t, db)
	ctx := context.Background()

	node, _ := snowflake.NewNode(2)
	userID := node.Generate()

	err := db.Transaction(func(tx *gorm.DB) error {
		result, txErr := svc.Deduct(ctx, tx, userID, walletdomain.Deduction{})
		if txErr != nil {
			return txErr
		}
		assert.Equal(t, walletdomain.Deduction{}, result.Shortfall)
		return nil
	})
	require.NoError(t, err)

	var count int64
	require.NoError(t, db.Model(&walletdomain.CreditBalance{}).Where("user_id = ?", userID).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}
