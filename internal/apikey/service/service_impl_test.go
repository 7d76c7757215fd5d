package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	apikeydomain "github.com/aperturehq/aperture/internal/apikey/domain"
	"github.com/aperturehq/aperture/internal/clock"
)

func setupService(t *testing.T) (apikeydomain.Service, *clock.FakeClock, *snowflake.Node) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&apikeydomain.APIKey{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))

	svc := New(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
	})
	return svc, fake, node
}

func createKey(t *testing.T, svc apikeydomain.Service, node *snowflake.Node, scopes []string) (*apikeydomain.SecretResponse, snowflake.ID) {
	t.Helper()

	workspaceID := node.Generate()
	secret, err := svc.Create(context.Background(), apikeydomain.CreateRequest{
		WorkspaceID: workspaceID,
		UserID:      node.Generate(),
		Name:        "ci",
		Scopes:      scopes,
	})
	require.NoError(t, err)
	return secret, workspaceID
}

func TestCreate_DefaultScopeAndAuthenticate(t *testing.T) {
	svc, _, node := setupService(t)
	ctx := context.Background()

	secret, workspaceID := createKey(t, svc, node, nil)
	assert.True(t, strings.HasPrefix(secret.APIKey, "ap_live_key_"))
	assert.True(t, strings.HasPrefix(secret.KeyID, "key_"))

	key, err := svc.Authenticate(ctx, secret.APIKey)
	require.NoError(t, err)
	assert.Equal(t, secret.KeyID, key.KeyID)
	assert.Equal(t, []string{apikeydomain.ScopeRequestsWrite}, []string(key.Scopes))

	keys, err := svc.List(ctx, workspaceID)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.True(t, keys[0].IsActive)
}

func TestAuthenticate_RejectsGarbage(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()

	_, err := svc.Authenticate(ctx, "")
	assert.ErrorIs(t, err, apikeydomain.ErrUnauthenticated)

	_, err = svc.Authenticate(ctx, "sk-something-else")
	assert.ErrorIs(t, err, apikeydomain.ErrUnauthenticated)

	_, err = svc.Authenticate(ctx, "ap_live_key_unknown_deadbeef")
	assert.ErrorIs(t, err, apikeydomain.ErrUnauthenticated)
}

func TestRevoke(t *testing.T) {
	svc, _, node := setupService(t)
	ctx := context.Background()

	secret, workspaceID := createKey(t, svc, node, []string{"queue:work"})
	require.NoError(t, svc.Revoke(ctx, workspaceID, secret.KeyID))

	_, err := svc.Authenticate(ctx, secret.APIKey)
	assert.ErrorIs(t, err, apikeydomain.ErrUnauthenticated)

	assert.ErrorIs(t, svc.Revoke(ctx, workspaceID, "key_unknown"), apikeydomain.ErrNotFound)
}

func TestRotate_GracePeriod(t *testing.T) {
	svc, fake, node := setupService(t)
	ctx := context.Background()

	oldSecret, workspaceID := createKey(t, svc, node, []string{"requests:write", "usage:write"})

	rotated, err := svc.Rotate(ctx, workspaceID, oldSecret.KeyID)
	require.NoError(t, err)
	assert.NotEqual(t, oldSecret.KeyID, rotated.KeyID)

	// Both keys authenticate during the grace window.
	newKey, err := svc.Authenticate(ctx, rotated.APIKey)
	require.NoError(t, err)
	require.NotNil(t, newKey.RotatedFromKeyID)
	assert.Equal(t, oldSecret.KeyID, *newKey.RotatedFromKeyID)
	assert.Equal(t, []string{"requests:write", "usage:write"}, []string(newKey.Scopes))

	_, err = svc.Authenticate(ctx, oldSecret.APIKey)
	require.NoError(t, err)

	// After the grace period only the new key survives.
	fake.Advance(25 * time.Hour)
	_, err = svc.Authenticate(ctx, oldSecret.APIKey)
	assert.ErrorIs(t, err, apikeydomain.ErrUnauthenticated)
	_, err = svc.Authenticate(ctx, rotated.APIKey)
	require.NoError(t, err)

	// An expired key cannot be rotated again.
	_, err = svc.Rotate(ctx, workspaceID, oldSecret.KeyID)
	assert.ErrorIs(t, err, apikeydomain.ErrNotFound)
}
