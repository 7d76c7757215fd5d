package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/aperturehq/aperture/internal/clock"
	"github.com/aperturehq/aperture/internal/identity"
	ledgerdomain "github.com/aperturehq/aperture/internal/ledger/domain"
	quotadomain "github.com/aperturehq/aperture/internal/quota/domain"
	subscriptiondomain "github.com/aperturehq/aperture/internal/subscription/domain"
	tierdomain "github.com/aperturehq/aperture/internal/tier/domain"
	walletdomain "github.com/aperturehq/aperture/internal/wallet/domain"
)

// -- Mocks --

type subscriptionMock struct {
	mock.Mock
}

func (m *subscriptionMock) ActiveForUser(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	args := m.Called(ctx, userID)
	sub := args.Get(0)
	if sub == nil {
		return nil, args.Error(1)
	}
	return sub.(*subscriptiondomain.Subscription), args.Error(1)
}

func (m *subscriptionMock) Start(context.Context, subscriptiondomain.StartRequest) (*subscriptiondomain.Subscription, error) {
	return nil, nil
}
func (m *subscriptionMock) Cancel(context.Context, snowflake.ID) error { return nil }
func (m *subscriptionMock) ExpireDueTrials(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type tierMock struct {
	mock.Mock
}

func (m *tierMock) Get(ctx context.Context, id string) (*tierdomain.Response, error) {
	args := m.Called(ctx, id)
	res := args.Get(0)
	if res == nil {
		return nil, args.Error(1)
	}
	return res.(*tierdomain.Response), args.Error(1)
}

func (m *tierMock) Create(context.Context, tierdomain.CreateRequest) (*tierdomain.Response, error) {
	return nil, nil
}
func (m *tierMock) GetByCode(context.Context, string) (*tierdomain.Response, error) {
	return nil, nil
}
func (m *tierMock) List(context.Context) ([]tierdomain.Response, error) { return nil, nil }
func (m *tierMock) Default(context.Context) (*tierdomain.Response, error) {
	return nil, nil
}

type ledgerMock struct {
	mock.Mock
}

func (m *ledgerMock) CurrentUsage(ctx context.Context, userID snowflake.ID) (*ledgerdomain.Usage, error) {
	args := m.Called(ctx, userID)
	usage := args.Get(0)
	if usage == nil {
		return nil, args.Error(1)
	}
	return usage.(*ledgerdomain.Usage), args.Error(1)
}

func (m *ledgerMock) EnsureRecord(ctx context.Context, userID snowflake.ID, snap ledgerdomain.QuotaSnapshot) (*ledgerdomain.UsageRecord, error) {
	args := m.Called(ctx, userID, snap)
	rec := args.Get(0)
	if rec == nil {
		return nil, args.Error(1)
	}
	return rec.(*ledgerdomain.UsageRecord), args.Error(1)
}

func (m *ledgerMock) CompareAndReserve(ctx context.Context, recordID snowflake.ID, version int64, amounts ledgerdomain.Amounts) (bool, error) {
	args := m.Called(ctx, recordID, version, amounts)
	return args.Bool(0), args.Error(1)
}

func (m *ledgerMock) Record(context.Context, ledgerdomain.RecordRequest) (*ledgerdomain.RecordResult, error) {
	return nil, nil
}
func (m *ledgerMock) Release(context.Context, snowflake.ID, ledgerdomain.Amounts) error {
	return nil
}
func (m *ledgerMock) Events(context.Context, snowflake.ID, time.Time, int) ([]*ledgerdomain.UsageEvent, error) {
	return nil, nil
}

type walletMock struct {
	mock.Mock
}

func (m *walletMock) Balances(ctx context.Context, userID snowflake.ID) (*walletdomain.Balances, error) {
	args := m.Called(ctx, userID)
	balances := args.Get(0)
	if balances == nil {
		return nil, args.Error(1)
	}
	return balances.(*walletdomain.Balances), args.Error(1)
}

func (m *walletMock) TopUp(context.Context, walletdomain.TopUpRequest) (*walletdomain.Balances, error) {
	return nil, nil
}
func (m *walletMock) Deduct(context.Context, *gorm.DB, snowflake.ID, walletdomain.Deduction) (*walletdomain.DeductionResult, error) {
	return nil, nil
}

// -- Fixtures --

type fixture struct {
	svc    quotadomain.Service
	subs   *subscriptionMock
	tiers  *tierMock
	ledger *ledgerMock
	wallet *walletMock
	clock  *clock.FakeClock
	userID snowflake.ID
	tierID snowflake.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	f := &fixture{
		subs:   &subscriptionMock{},
		tiers:  &tierMock{},
		ledger: &ledgerMock{},
		wallet: &walletMock{},
		clock:  clock.NewFakeClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)),
		userID: node.Generate(),
		tierID: node.Generate(),
	}
	f.svc = NewService(ServiceParam{
		Log:       zap.NewNop(),
		Clock:     f.clock,
		Subsvc:    f.subs,
		Tiersvc:   f.tiers,
		Ledgersvc: f.ledger,
		Walletsvc: f.wallet,
	})
	return f
}

func (f *fixture) trialTier() *tierdomain.Response {
	return &tierdomain.Response{
		ID:   f.tierID.String(),
		Code: "trial",

		TokenInputQuota:  200_000,
		TokenOutputQuota: 100_000,
		ImageQuota:       20,
		VideoQuota:       2,
		DocumentQuota:    20,

		TrialDailyTokenInput:  10_000,
		TrialDailyTokenOutput: 5_000,
		TrialDailyImages:      3,
		TrialDailyVideos:      1,
	}
}

func (f *fixture) starterTier() *tierdomain.Response {
	return &tierdomain.Response{
		ID:   f.tierID.String(),
		Code: "starter",

		TokenInputQuota:  2_000_000,
		TokenOutputQuota: 1_000_000,
		ImageQuota:       50,
		VideoQuota:       10,
		DocumentQuota:    200,
	}
}

func (f *fixture) givenSubscription(isTrial bool) {
	f.subs.On("ActiveForUser", mock.Anything, f.userID).Return(&subscriptiondomain.Subscription{
		UserID:  f.userID,
		TierID:  f.tierID,
		Status:  subscriptiondomain.StatusActive,
		IsTrial: isTrial,
	}, nil)
}

func (f *fixture) givenUsage(usage *ledgerdomain.Usage) {
	f.ledger.On("CurrentUsage", mock.Anything, f.userID).Return(usage, nil)
}

func (f *fixture) givenBalances(balances walletdomain.Balances) {
	f.wallet.On("Balances", mock.Anything, f.userID).Return(&balances, nil)
}

// -- Tests --

func TestEvaluate_ElevatedBypassesEverything(t *testing.T) {
	f := newFixture(t)

	decision, err := f.svc.Evaluate(context.Background(),
		identity.AuthorizationContext{Elevated: true},
		quotadomain.CheckRequest{Action: quotadomain.ActionTextGeneration})
	require.NoError(t, err)

	assert.True(t, decision.Allowed)
	assert.True(t, decision.Unlimited)
	f.subs.AssertNotCalled(t, "ActiveForUser", mock.Anything, mock.Anything)
}

func TestEvaluate_InvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Evaluate(ctx, identity.AuthorizationContext{},
		quotadomain.CheckRequest{Action: quotadomain.ActionTextGeneration})
	assert.ErrorIs(t, err, quotadomain.ErrInvalidUser)

	_, err = f.svc.Evaluate(ctx, identity.AuthorizationContext{},
		quotadomain.CheckRequest{UserID: f.userID, Action: "music_generation"})
	assert.ErrorIs(t, err, quotadomain.ErrInvalidAction)
}

func TestEvaluate_NoSubscriptionDenied(t *testing.T) {
	f := newFixture(t)
	f.subs.On("ActiveForUser", mock.Anything, f.userID).
		Return(nil, subscriptiondomain.ErrNoActiveSubscription)

	decision, err := f.svc.Evaluate(context.Background(), identity.AuthorizationContext{},
		quotadomain.CheckRequest{UserID: f.userID, Action: quotadomain.ActionTextGeneration, TokensIn: 100})
	require.NoError(t, err)

	assert.False(t, decision.Allowed)
	assert.Equal(t, quotadomain.ReasonNoSubscription, decision.Reason)
	assert.NotEmpty(t, decision.UpgradeHint)
}

func TestEvaluate_ExpiredTrialDenied(t *testing.T) {
	f := newFixture(t)
	f.subs.On("ActiveForUser", mock.Anything, f.userID).
		Return(nil, subscriptiondomain.ErrTrialExpired)

	decision, err := f.svc.Evaluate(context.Background(), identity.AuthorizationContext{},
		quotadomain.CheckRequest{UserID: f.userID, Action: quotadomain.ActionTextGeneration, TokensIn: 100})
	require.NoError(t, err)

	assert.False(t, decision.Allowed)
	assert.Equal(t, quotadomain.ReasonTrialExpired, decision.Reason)
}

func TestEvaluate_TrialDailyInputCap(t *testing.T) {
	f := newFixture(t)
	f.givenSubscription(true)
	f.tiers.On("Get", mock.Anything, f.tierID.String()).Return(f.trialTier(), nil)
	f.givenUsage(&ledgerdomain.Usage{})
	f.givenBalances(walletdomain.Balances{})

	decision, err := f.svc.Evaluate(context.Background(), identity.AuthorizationContext{},
		quotadomain.CheckRequest{
			UserID:   f.userID,
			Action:   quotadomain.ActionTextGeneration,
			TokensIn: 12_000,
		})
	require.NoError(t, err)

	assert.False(t, decision.Allowed)
	assert.Equal(t, quotadomain.ReasonDailyInputExceeded, decision.Reason)
	require.NotNil(t, decision.Usage)
	assert.True(t, decision.Usage.IsTrial)
}

func TestEvaluate_ImageQuotaExhaustedWithoutCredits(t *testing.T) {
	f := newFixture(t)
	f.givenSubscription(false)
	f.tiers.On("Get", mock.Anything, f.tierID.String()).Return(f.starterTier(), nil)
	f.givenUsage(&ledgerdomain.Usage{
		Record: ledgerdomain.UsageRecord{
			QuotaImages: 50,
			UsedImages:  50,
		},
		Exists: true,
	})
	f.givenBalances(walletdomain.Balances{})

	decision, err := f.svc.Evaluate(context.Background(), identity.AuthorizationContext{},
		quotadomain.CheckRequest{UserID: f.userID, Action: quotadomain.ActionImageGeneration, Units: 1})
	require.NoError(t, err)

	assert.False(t, decision.Allowed)
	assert.Equal(t, quotadomain.ReasonImageQuotaExceeded, decision.Reason)
}

func TestEvaluate_ImageCreditsCoverOverflow(t *testing.T) {
	f := newFixture(t)
	f.givenSubscription(false)
	f.tiers.On("Get", mock.Anything, f.tierID.String()).Return(f.starterTier(), nil)
	f.givenUsage(&ledgerdomain.Usage{
		Record: ledgerdomain.UsageRecord{
			QuotaImages: 50,
			UsedImages:  50,
		},
		Exists: true,
	})
	f.givenBalances(walletdomain.Balances{ImageCredits: 3})

	decision, err := f.svc.Evaluate(context.Background(), identity.AuthorizationContext{},
		quotadomain.CheckRequest{UserID: f.userID, Action: quotadomain.ActionImageGeneration, Units: 1})
	require.NoError(t, err)

	assert.True(t, decision.Allowed)
	require.NotNil(t, decision.Usage)
	assert.Equal(t, int64(3), decision.Usage.ImageCredits)
}

func TestEvaluate_TrialTokenOverflowCoveredByCredits(t *testing.T) {
	f := newFixture(t)
	f.givenSubscription(true)
	f.tiers.On("Get", mock.Anything, f.tierID.String()).Return(f.trialTier(), nil)
	f.givenUsage(&ledgerdomain.Usage{
		Record: ledgerdomain.UsageRecord{
			QuotaTokenInput:      200_000,
			QuotaTokenOutput:     100_000,
			UsedTokenInput:       200_000,
			TrialDailyTokenInput: 10_000,
		},
		Exists: true,
	})
	f.givenBalances(walletdomain.Balances{TokenCredits: 1_000_000})

	decision, err := f.svc.Evaluate(context.Background(), identity.AuthorizationContext{},
		quotadomain.CheckRequest{
			UserID:   f.userID,
			Action:   quotadomain.ActionTextGeneration,
			TokensIn: 500,
		})
	require.NoError(t, err)

	assert.True(t, decision.Allowed)
}

func TestEvaluate_TrialImageOverflowCoveredByCredits(t *testing.T) {
	f := newFixture(t)
	f.givenSubscription(true)
	f.tiers.On("Get", mock.Anything, f.tierID.String()).Return(f.trialTier(), nil)
	f.givenUsage(&ledgerdomain.Usage{
		Record: ledgerdomain.UsageRecord{
			QuotaImages:      20,
			UsedImages:       20,
			TrialDailyImages: 3,
		},
		Exists: true,
	})
	f.givenBalances(walletdomain.Balances{ImageCredits: 5})

	decision, err := f.svc.Evaluate(context.Background(), identity.AuthorizationContext{},
		quotadomain.CheckRequest{UserID: f.userID, Action: quotadomain.ActionImageGeneration, Units: 1})
	require.NoError(t, err)

	assert.True(t, decision.Allowed)
	require.NotNil(t, decision.Usage)
	assert.Equal(t, int64(5), decision.Usage.ImageCredits)
}

func TestEvaluate_CreditsNeverBypassTrialDailyCaps(t *testing.T) {
	f := newFixture(t)
	f.givenSubscription(true)
	f.tiers.On("Get", mock.Anything, f.tierID.String()).Return(f.trialTier(), nil)
	f.givenUsage(&ledgerdomain.Usage{})
	f.givenBalances(walletdomain.Balances{TokenCredits: 1_000_000})

	decision, err := f.svc.Evaluate(context.Background(), identity.AuthorizationContext{},
		quotadomain.CheckRequest{
			UserID:   f.userID,
			Action:   quotadomain.ActionTextGeneration,
			TokensIn: 12_000,
		})
	require.NoError(t, err)

	assert.False(t, decision.Allowed)
	assert.Equal(t, quotadomain.ReasonDailyInputExceeded, decision.Reason)
}

func TestEvaluate_SummaryReportsTrialEnd(t *testing.T) {
	f := newFixture(t)
	trialEnd := f.clock.Now().Add(5 * 24 * time.Hour)
	f.subs.On("ActiveForUser", mock.Anything, f.userID).Return(&subscriptiondomain.Subscription{
		UserID:      f.userID,
		TierID:      f.tierID,
		Status:      subscriptiondomain.StatusActive,
		IsTrial:     true,
		TrialEndsAt: &trialEnd,
	}, nil)
	f.tiers.On("Get", mock.Anything, f.tierID.String()).Return(f.trialTier(), nil)
	f.givenUsage(&ledgerdomain.Usage{})
	f.givenBalances(walletdomain.Balances{})

	decision, err := f.svc.Evaluate(context.Background(), identity.AuthorizationContext{},
		quotadomain.CheckRequest{UserID: f.userID, Action: quotadomain.ActionTextGeneration, TokensIn: 100})
	require.NoError(t, err)

	assert.True(t, decision.Allowed)
	require.NotNil(t, decision.Usage)
	assert.True(t, decision.Usage.IsTrial)
	require.NotNil(t, decision.Usage.TrialEndsAt)
	assert.True(t, decision.Usage.TrialEndsAt.Equal(trialEnd))
}

func TestEvaluate_ReservedCountsAgainstQuota(t *testing.T) {
	f := newFixture(t)
	f.givenSubscription(false)
	f.tiers.On("Get", mock.Anything, f.tierID.String()).Return(f.starterTier(), nil)
	f.givenUsage(&ledgerdomain.Usage{
		Record: ledgerdomain.UsageRecord{
			QuotaVideos:    10,
			UsedVideos:     6,
			ReservedVideos: 4,
		},
		Exists: true,
	})
	f.givenBalances(walletdomain.Balances{})

	decision, err := f.svc.Evaluate(context.Background(), identity.AuthorizationContext{},
		quotadomain.CheckRequest{UserID: f.userID, Action: quotadomain.ActionVideoGeneration, Units: 1})
	require.NoError(t, err)

	assert.False(t, decision.Allowed)
	assert.Equal(t, quotadomain.ReasonVideoQuotaExceeded, decision.Reason)
}

func TestEvaluate_DocumentQuotaHasNoCreditFallback(t *testing.T) {
	f := newFixture(t)
	f.givenSubscription(false)
	f.tiers.On("Get", mock.Anything, f.tierID.String()).Return(f.starterTier(), nil)
	f.givenUsage(&ledgerdomain.Usage{
		Record: ledgerdomain.UsageRecord{
			QuotaDocuments: 200,
			UsedDocuments:  200,
		},
		Exists: true,
	})
	f.givenBalances(walletdomain.Balances{TokenCredits: 10_000, ImageCredits: 100, VideoCredits: 100})

	decision, err := f.svc.Evaluate(context.Background(), identity.AuthorizationContext{},
		quotadomain.CheckRequest{UserID: f.userID, Action: quotadomain.ActionDocumentParsing})
	require.NoError(t, err)

	assert.False(t, decision.Allowed)
	assert.Equal(t, quotadomain.ReasonDocumentQuotaExceeded, decision.Reason)
}

func TestReserve_HoldsReservationOnSuccess(t *testing.T) {
	f := newFixture(t)
	f.givenSubscription(false)
	f.tiers.On("Get", mock.Anything, f.tierID.String()).Return(f.starterTier(), nil)
	f.givenUsage(&ledgerdomain.Usage{})
	f.givenBalances(walletdomain.Balances{})

	node, _ := snowflake.NewNode(2)
	rec := &ledgerdomain.UsageRecord{
		ID:               node.Generate(),
		UserID:           f.userID,
		QuotaTokenInput:  2_000_000,
		QuotaTokenOutput: 1_000_000,
		Version:          3,
	}
	f.ledger.On("EnsureRecord", mock.Anything, f.userID, mock.Anything).Return(rec, nil)
	f.ledger.On("CompareAndReserve", mock.Anything, rec.ID, int64(3),
		ledgerdomain.Amounts{TokenInput: 1000, TokenOutput: 400}).Return(true, nil)

	decision, reservation, err := f.svc.Reserve(context.Background(), identity.AuthorizationContext{},
		quotadomain.CheckRequest{
			UserID:    f.userID,
			Action:    quotadomain.ActionTextGeneration,
			TokensIn:  1000,
			TokensOut: 400,
		})
	require.NoError(t, err)

	assert.True(t, decision.Allowed)
	require.NotNil(t, reservation)
	assert.True(t, reservation.Reserved)
	assert.Equal(t, rec.ID, reservation.RecordID)
	assert.Equal(t, int64(1000), reservation.Amounts.TokenInput)
}

func TestReserve_RetriesOnVersionConflict(t *testing.T) {
	f := newFixture(t)
	f.givenSubscription(false)
	f.tiers.On("Get", mock.Anything, f.tierID.String()).Return(f.starterTier(), nil)
	f.givenUsage(&ledgerdomain.Usage{})
	f.givenBalances(walletdomain.Balances{})

	node, _ := snowflake.NewNode(2)
	rec := &ledgerdomain.UsageRecord{
		ID:              node.Generate(),
		UserID:          f.userID,
		QuotaTokenInput: 2_000_000,
		Version:         1,
	}
	f.ledger.On("EnsureRecord", mock.Anything, f.userID, mock.Anything).Return(rec, nil)
	f.ledger.On("CompareAndReserve", mock.Anything, rec.ID, int64(1), mock.Anything).
		Return(false, nil).Once()
	f.ledger.On("CompareAndReserve", mock.Anything, rec.ID, int64(1), mock.Anything).
		Return(true, nil).Once()

	_, reservation, err := f.svc.Reserve(context.Background(), identity.AuthorizationContext{},
		quotadomain.CheckRequest{UserID: f.userID, Action: quotadomain.ActionTextGeneration, TokensIn: 10})
	require.NoError(t, err)

	assert.True(t, reservation.Reserved)
	f.ledger.AssertNumberOfCalls(t, "CompareAndReserve", 2)
}

func TestReserve_GivesUpAfterRepeatedConflicts(t *testing.T) {
	f := newFixture(t)
	f.givenSubscription(false)
	f.tiers.On("Get", mock.Anything, f.tierID.String()).Return(f.starterTier(), nil)
	f.givenUsage(&ledgerdomain.Usage{})
	f.givenBalances(walletdomain.Balances{})

	node, _ := snowflake.NewNode(2)
	rec := &ledgerdomain.UsageRecord{
		ID:              node.Generate(),
		UserID:          f.userID,
		QuotaTokenInput: 2_000_000,
	}
	f.ledger.On("EnsureRecord", mock.Anything, f.userID, mock.Anything).Return(rec, nil)
	f.ledger.On("CompareAndReserve", mock.Anything, rec.ID, int64(0), mock.Anything).
		Return(false, nil)

	_, _, err := f.svc.Reserve(context.Background(), identity.AuthorizationContext{},
		quotadomain.CheckRequest{UserID: f.userID, Action: quotadomain.ActionTextGeneration, TokensIn: 10})
	assert.ErrorIs(t, err, ledgerdomain.ErrConcurrencyBusy)
}

func TestReserve_ElevatedReservesNothing(t *testing.T) {
	f := newFixture(t)

	decision, reservation, err := f.svc.Reserve(context.Background(),
		identity.AuthorizationContext{Elevated: true},
		quotadomain.CheckRequest{Action: quotadomain.ActionImageGeneration})
	require.NoError(t, err)

	assert.True(t, decision.Allowed)
	assert.True(t, decision.Unlimited)
	assert.False(t, reservation.Reserved)
	f.ledger.AssertNotCalled(t, "EnsureRecord", mock.Anything, mock.Anything, mock.Anything)
}

func TestReserve_DeniedWithoutReserving(t *testing.T) {
	f := newFixture(t)
	f.givenSubscription(true)
	f.tiers.On("Get", mock.Anything, f.tierID.String()).Return(f.trialTier(), nil)
	f.givenUsage(&ledgerdomain.Usage{})
	f.givenBalances(walletdomain.Balances{})

	node, _ := snowflake.NewNode(2)
	rec := &ledgerdomain.UsageRecord{
		ID:                   node.Generate(),
		UserID:               f.userID,
		QuotaTokenInput:      200_000,
		QuotaTokenOutput:     100_000,
		TrialDailyTokenInput: 10_000,
	}
	f.ledger.On("EnsureRecord", mock.Anything, f.userID, mock.Anything).Return(rec, nil)

	decision, reservation, err := f.svc.Reserve(context.Background(), identity.AuthorizationContext{},
		quotadomain.CheckRequest{
			UserID:   f.userID,
			Action:   quotadomain.ActionTextGeneration,
			TokensIn: 50_000,
		})
	require.NoError(t, err)

	assert.False(t, decision.Allowed)
	assert.Equal(t, quotadomain.ReasonDailyInputExceeded, decision.Reason)
	assert.Nil(t, reservation)
	f.ledger.AssertNotCalled(t, "CompareAndReserve", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
