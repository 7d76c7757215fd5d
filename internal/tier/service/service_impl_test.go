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
	tierdomain "github.com/aperturehq/aperture/internal/tier/domain"
)

func setupService(t *testing.T) tierdomain.Service {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&tierdomain.Tier{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)),
	})
}

func TestCreate_SlugifiesCode(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, tierdomain.CreateRequest{
		Code:            "Pro Plus",
		Name:            "Pro Plus",
		TokenInputQuota: 20_000_000,
		ImageQuota:      1000,
	})
	require.NoError(t, err)
	assert.Equal(t, "pro-plus", created.Code)

	got, err := svc.GetByCode(ctx, "pro-plus")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, int64(20_000_000), got.TokenInputQuota)
}

func TestCreate_Validation(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, tierdomain.CreateRequest{Code: "", Name: "x"})
	assert.ErrorIs(t, err, tierdomain.ErrInvalidCode)

	_, err = svc.Create(ctx, tierdomain.CreateRequest{Code: "x", Name: "  "})
	assert.ErrorIs(t, err, tierdomain.ErrInvalidName)
}

func TestCreate_DuplicateCode(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, tierdomain.CreateRequest{Code: "starter", Name: "Starter"})
	require.NoError(t, err)

	_, err = svc.Create(ctx, tierdomain.CreateRequest{Code: "starter", Name: "Starter Again"})
	assert.ErrorIs(t, err, tierdomain.ErrDuplicate)
}

func TestGet(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, tierdomain.CreateRequest{
		Code:                 "trial",
		Name:                 "Trial",
		TrialDays:            14,
		TrialDailyTokenInput: 10_000,
	})
	require.NoError(t, err)

	got, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 14, got.TrialDays)
	assert.Equal(t, int64(10_000), got.TrialDailyTokenInput)

	_, err = svc.Get(ctx, "not-a-snowflake")
	assert.ErrorIs(t, err, tierdomain.ErrInvalidID)

	node, _ := snowflake.NewNode(2)
	_, err = svc.Get(ctx, node.Generate().String())
	assert.ErrorIs(t, err, tierdomain.ErrNotFound)
}

func TestDefault(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	_, err := svc.Default(ctx)
	assert.ErrorIs(t, err, tierdomain.ErrNotFound)

	_, err = svc.Create(ctx, tierdomain.CreateRequest{Code: "starter", Name: "Starter"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, tierdomain.CreateRequest{Code: "trial", Name: "Trial", IsDefault: true})
	require.NoError(t, err)

	def, err := svc.Default(ctx)
	require.NoError(t, err)
	assert.Equal(t, "trial", def.Code)

	all, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
