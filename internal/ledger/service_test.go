package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"computehub/internal/license"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc := NewService(newTestStore(t), testLogger())
	svc.clock = func() time.Time { return storeNow }
	return svc
}

func TestServiceMintBindVerifyUnbind(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	rec, err := svc.MintKey(ctx, license.TierPro, "customer 42")
	require.NoError(t, err)
	assert.True(t, license.ValidKey(rec.Key))
	assert.Equal(t, license.TierPro, rec.Tier)

	outcome, err := svc.Bind(ctx, rec.Key, installX, "alpha (linux/amd64)", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, BindOK, outcome.Status)
	assert.Equal(t, license.TierPro, outcome.Tier)

	result, err := svc.Verify(ctx, rec.Key, installX)
	require.NoError(t, err)
	assert.Equal(t, VerifyBoundToThis, result)

	released, err := svc.Unbind(ctx, rec.Key, installX, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, released)

	result, err = svc.Verify(ctx, rec.Key, installX)
	require.NoError(t, err)
	assert.Equal(t, VerifyNotBound, result)
}

func TestServiceConflictCarriesHolderHint(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	rec, err := svc.MintKey(ctx, license.TierPro, "")
	require.NoError(t, err)

	_, err = svc.Bind(ctx, rec.Key, installX, "office-desktop (windows/amd64)", "10.0.0.1")
	require.NoError(t, err)

	outcome, err := svc.Bind(ctx, rec.Key, installY, "laptop (darwin/arm64)", "10.0.0.2")
	require.NoError(t, err)
	assert.Equal(t, BindConflict, outcome.Status)
	assert.Equal(t, "office-desktop (windows/amd64)", outcome.HolderHint)
}

func TestServiceRevokeDeniesHolder(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	rec, err := svc.MintKey(ctx, license.TierEnterprise, "")
	require.NoError(t, err)

	_, err = svc.Bind(ctx, rec.Key, installX, "alpha", "10.0.0.1")
	require.NoError(t, err)

	require.NoError(t, svc.RevokeKey(ctx, rec.Key))

	result, err := svc.Verify(ctx, rec.Key, installX)
	require.NoError(t, err)
	assert.Equal(t, VerifyNotBound, result)

	// A revoked key also rejects fresh binds.
	outcome, err := svc.Bind(ctx, rec.Key, installY, "bravo", "10.0.0.2")
	require.NoError(t, err)
	assert.Equal(t, BindInvalid, outcome.Status)
}

func TestServiceRevokeRejectsMalformedKey(t *testing.T) {
	svc := newTestService(t)

	err := svc.RevokeKey(context.Background(), "not-a-key")
	assert.ErrorIs(t, err, license.ErrInvalidKeyFormat)
}

func TestServiceListings(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, err := svc.MintKey(ctx, license.TierPro, "")
	require.NoError(t, err)
	_, err = svc.MintKey(ctx, license.TierStandard, "")
	require.NoError(t, err)

	keys, err := svc.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	_, err = svc.Bind(ctx, first.Key, installX, "alpha", "10.0.0.1")
	require.NoError(t, err)

	bindings, err := svc.Bindings(ctx)
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.Equal(t, first.Key, bindings[0].LicenseKey)

	events, err := svc.Events(ctx, 10)
	require.NoError(t, err)
	// Two mints plus one bind.
	assert.Len(t, events, 3)
	assert.Equal(t, EventBind, events[0].Event)
}
