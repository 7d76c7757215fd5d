package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/aperturehq/aperture/internal/clock"
	"github.com/aperturehq/aperture/internal/config"
	"github.com/aperturehq/aperture/internal/identity"
	ledgerdomain "github.com/aperturehq/aperture/internal/ledger/domain"
	queuedomain "github.com/aperturehq/aperture/internal/queue/domain"
	quotadomain "github.com/aperturehq/aperture/internal/quota/domain"
	workspacedomain "github.com/aperturehq/aperture/internal/workspace/domain"
)

// -- Mocks --

type workspaceMock struct {
	mock.Mock
}

func (m *workspaceMock) CheckAccess(ctx context.Context, workspaceID, userID snowflake.ID) error {
	args := m.Called(ctx, workspaceID, userID)
	return args.Error(0)
}

func (m *workspaceMock) Get(context.Context, snowflake.ID) (*workspacedomain.Workspace, error) {
	return nil, nil
}
func (m *workspaceMock) GetUser(context.Context, snowflake.ID) (*workspacedomain.User, error) {
	return nil, nil
}
func (m *workspaceMock) Create(context.Context, workspacedomain.CreateRequest) (*workspacedomain.Workspace, error) {
	return nil, nil
}
func (m *workspaceMock) Suspend(context.Context, snowflake.ID) error { return nil }
func (m *workspaceMock) Resume(context.Context, snowflake.ID) error  { return nil }

type quotaMock struct {
	mock.Mock
}

func (m *quotaMock) Evaluate(ctx context.Context, authz identity.AuthorizationContext, req quotadomain.CheckRequest) (*quotadomain.Decision, error) {
	return nil, nil
}

func (m *quotaMock) Reserve(ctx context.Context, authz identity.AuthorizationContext, req quotadomain.CheckRequest) (*quotadomain.Decision, *quotadomain.Reservation, error) {
	args := m.Called(ctx, authz, req)
	var decision *quotadomain.Decision
	if d := args.Get(0); d != nil {
		decision = d.(*quotadomain.Decision)
	}
	var reservation *quotadomain.Reservation
	if r := args.Get(1); r != nil {
		reservation = r.(*quotadomain.Reservation)
	}
	return decision, reservation, args.Error(2)
}

type ledgerMock struct {
	mock.Mock
}

func (m *ledgerMock) Release(ctx context.Context, userID snowflake.ID, amounts ledgerdomain.Amounts) error {
	args := m.Called(ctx, userID, amounts)
	return args.Error(0)
}

func (m *ledgerMock) Record(ctx context.Context, req ledgerdomain.RecordRequest) (*ledgerdomain.RecordResult, error) {
	args := m.Called(ctx, req)
	return &ledgerdomain.RecordResult{}, args.Error(0)
}

func (m *ledgerMock) CurrentUsage(context.Context, snowflake.ID) (*ledgerdomain.Usage, error) {
	return nil, nil
}
func (m *ledgerMock) EnsureRecord(context.Context, snowflake.ID, ledgerdomain.QuotaSnapshot) (*ledgerdomain.UsageRecord, error) {
	return nil, nil
}
func (m *ledgerMock) CompareAndReserve(context.Context, snowflake.ID, int64, ledgerdomain.Amounts) (bool, error) {
	return false, nil
}
func (m *ledgerMock) Events(context.Context, snowflake.ID, time.Time, int) ([]*ledgerdomain.UsageEvent, error) {
	return nil, nil
}

// -- Fixtures --

type fixture struct {
	svc       queuedomain.Service
	clock     *clock.FakeClock
	workspace *workspaceMock
	quota     *quotaMock
	ledger    *ledgerMock
	authz     identity.AuthorizationContext
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&queuedomain.QueueItem{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	f := &fixture{
		clock:     clock.NewFakeClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)),
		workspace: &workspaceMock{},
		quota:     &quotaMock{},
		ledger:    &ledgerMock{},
		authz: identity.AuthorizationContext{
			UserID:      node.Generate(),
			WorkspaceID: node.Generate(),
		},
	}
	f.svc = NewService(ServiceParam{
		DB:           db,
		Log:          zap.NewNop(),
		GenID:        node,
		Clock:        f.clock,
		Cfg:          config.NewStaticAdmissionConfigHolder(config.DefaultAdmissionConfig()),
		Workspacesvc: f.workspace,
		Quotasvc:     f.quota,
		Ledgersvc:    f.ledger,
	})
	return f
}

func (f *fixture) allowAccess() {
	f.workspace.On("CheckAccess", mock.Anything, f.authz.WorkspaceID, f.authz.UserID).Return(nil)
}

func (f *fixture) allowQuota(amounts ledgerdomain.Amounts) {
	f.quota.On("Reserve", mock.Anything, mock.Anything, mock.Anything).
		Return(&quotadomain.Decision{Allowed: true},
			&quotadomain.Reservation{Reserved: true, Amounts: amounts}, nil)
}

func textRequest() queuedomain.EnqueueRequest {
	return queuedomain.EnqueueRequest{
		RequestType: quotadomain.ActionTextGeneration,
		TokensIn:    1000,
		TokensOut:   400,
		Payload:     map[string]any{"prompt": "hello"},
	}
}

// -- Tests --

func TestEnqueue_AdmitsAndHoldsReservation(t *testing.T) {
	f := newFixture(t)
	f.allowAccess()
	f.allowQuota(ledgerdomain.Amounts{TokenInput: 1000, TokenOutput: 400})
	ctx := context.Background()

	result, err := f.svc.Enqueue(ctx, f.authz, textRequest())
	require.NoError(t, err)
	require.NotNil(t, result.Item)

	item := result.Item
	assert.Equal(t, queuedomain.StatusPending, item.Status)
	assert.Equal(t, queuedomain.PriorityNormal, item.Priority)
	assert.Equal(t, 50, item.PriorityScore)
	assert.Equal(t, int64(1000), item.ReservedTokenInput)
	assert.Equal(t, int64(400), item.ReservedTokenOutput)
	assert.True(t, item.ExpiresAt.Equal(f.clock.Now().Add(24*time.Hour)))
	assert.False(t, result.Idempotent)
}

func TestEnqueue_QuotaDenialCarriesDecision(t *testing.T) {
	f := newFixture(t)
	f.allowAccess()
	f.quota.On("Reserve", mock.Anything, mock.Anything, mock.Anything).
		Return(&quotadomain.Decision{
			Allowed: false,
			Reason:  quotadomain.ReasonTokenQuotaExceeded,
		}, nil, nil)

	result, err := f.svc.Enqueue(context.Background(), f.authz, textRequest())
	assert.ErrorIs(t, err, queuedomain.ErrQuotaDenied)
	require.NotNil(t, result)
	require.NotNil(t, result.Decision)
	assert.Equal(t, quotadomain.ReasonTokenQuotaExceeded, result.Decision.Reason)
	assert.Nil(t, result.Item)
}

func TestEnqueue_FailsClosedWhenEvaluatorIsDown(t *testing.T) {
	f := newFixture(t)
	f.allowAccess()
	f.quota.On("Reserve", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, nil, errors.New("ledger timeout"))

	_, err := f.svc.Enqueue(context.Background(), f.authz, textRequest())
	assert.ErrorIs(t, err, queuedomain.ErrQuotaServiceUnavailable)
}

func TestEnqueue_SuspendedWorkspaceRefusedBeforeQuota(t *testing.T) {
	f := newFixture(t)
	f.workspace.On("CheckAccess", mock.Anything, f.authz.WorkspaceID, f.authz.UserID).
		Return(workspacedomain.ErrSuspended)

	_, err := f.svc.Enqueue(context.Background(), f.authz, textRequest())
	assert.ErrorIs(t, err, workspacedomain.ErrSuspended)
	f.quota.AssertNotCalled(t, "Reserve", mock.Anything, mock.Anything, mock.Anything)
}

func TestEnqueue_RejectsUnknownRequestType(t *testing.T) {
	f := newFixture(t)

	req := textRequest()
	req.RequestType = "music_generation"
	_, err := f.svc.Enqueue(context.Background(), f.authz, req)
	assert.ErrorIs(t, err, queuedomain.ErrInvalidRequest)
}

func TestEnqueue_DefaultsRequestTypeToText(t *testing.T) {
	f := newFixture(t)
	f.allowAccess()
	f.quota.On("Reserve", mock.Anything, mock.Anything, mock.MatchedBy(func(req quotadomain.CheckRequest) bool {
		return req.Action == quotadomain.ActionTextGeneration
	})).Return(&quotadomain.Decision{Allowed: true},
		&quotadomain.Reservation{Reserved: true, Amounts: ledgerdomain.Amounts{TokenInput: 1000, TokenOutput: 400}}, nil)

	req := textRequest()
	req.RequestType = ""
	result, err := f.svc.Enqueue(context.Background(), f.authz, req)
	require.NoError(t, err)
	assert.Equal(t, string(quotadomain.ActionTextGeneration), result.Item.RequestType)
}

func TestEnqueue_IdempotencyReplayReleasesNewReservation(t *testing.T) {
	f := newFixture(t)
	f.allowAccess()
	amounts := ledgerdomain.Amounts{TokenInput: 1000, TokenOutput: 400}
	f.allowQuota(amounts)
	f.ledger.On("Release", mock.Anything, f.authz.UserID, amounts).Return(nil)
	ctx := context.Background()

	req := textRequest()
	req.IdempotencyKey = "client-key-1"

	first, err := f.svc.Enqueue(ctx, f.authz, req)
	require.NoError(t, err)

	second, err := f.svc.Enqueue(ctx, f.authz, req)
	require.NoError(t, err)

	assert.True(t, second.Idempotent)
	assert.Equal(t, first.Item.ID, second.Item.ID)
	f.ledger.AssertCalled(t, "Release", mock.Anything, f.authz.UserID, amounts)
}

func TestDequeue_PriorityThenFIFO(t *testing.T) {
	f := newFixture(t)
	f.allowAccess()
	f.allowQuota(ledgerdomain.Amounts{TokenInput: 10})
	ctx := context.Background()

	enqueue := func(priority string) snowflake.ID {
		req := textRequest()
		req.Priority = priority
		result, err := f.svc.Enqueue(ctx, f.authz, req)
		require.NoError(t, err)
		f.clock.Advance(time.Second)
		return result.Item.ID
	}

	lowID := enqueue("low")
	firstNormalID := enqueue("normal")
	criticalID := enqueue("critical")
	secondNormalID := enqueue("normal")

	expect := []snowflake.ID{criticalID, firstNormalID, secondNormalID, lowID}
	for _, want := range expect {
		item, err := f.svc.Dequeue(ctx, "worker-1")
		require.NoError(t, err)
		require.NotNil(t, item)
		assert.Equal(t, want, item.ID)
		assert.Equal(t, queuedomain.StatusProcessing, item.Status)
		assert.Equal(t, "worker-1", item.WorkerID)
	}

	item, err := f.svc.Dequeue(ctx, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestComplete_SettlesReservationAndRecordsActuals(t *testing.T) {
	f := newFixture(t)
	f.allowAccess()
	reserved := ledgerdomain.Amounts{TokenInput: 1000, TokenOutput: 400}
	f.allowQuota(reserved)
	f.ledger.On("Release", mock.Anything, f.authz.UserID, reserved).Return(nil)

	actuals := ledgerdomain.Amounts{TokenInput: 900, TokenOutput: 310}
	f.ledger.On("Record", mock.Anything, mock.MatchedBy(func(req ledgerdomain.RecordRequest) bool {
		return req.UserID == f.authz.UserID && req.Amounts == actuals
	})).Return(nil)

	ctx := context.Background()
	result, err := f.svc.Enqueue(ctx, f.authz, textRequest())
	require.NoError(t, err)

	_, err = f.svc.Dequeue(ctx, "worker-1")
	require.NoError(t, err)

	item, err := f.svc.Complete(ctx, result.Item.ID, map[string]any{"output": "done"}, actuals)
	require.NoError(t, err)

	assert.Equal(t, queuedomain.StatusCompleted, item.Status)
	require.NotNil(t, item.FinishedAt)
	f.ledger.AssertExpectations(t)
}

func TestComplete_RequiresProcessingState(t *testing.T) {
	f := newFixture(t)
	f.allowAccess()
	f.allowQuota(ledgerdomain.Amounts{TokenInput: 10})
	ctx := context.Background()

	result, err := f.svc.Enqueue(ctx, f.authz, textRequest())
	require.NoError(t, err)

	_, err = f.svc.Complete(ctx, result.Item.ID, nil, ledgerdomain.Amounts{})
	assert.ErrorIs(t, err, queuedomain.ErrInvalidTransition)
}

func TestFail_KeepsReservationWhileRetriesRemain(t *testing.T) {
	f := newFixture(t)
	f.allowAccess()
	reserved := ledgerdomain.Amounts{TokenInput: 10}
	f.allowQuota(reserved)
	ctx := context.Background()

	result, err := f.svc.Enqueue(ctx, f.authz, textRequest())
	require.NoError(t, err)
	_, err = f.svc.Dequeue(ctx, "worker-1")
	require.NoError(t, err)

	item, err := f.svc.Fail(ctx, result.Item.ID, "model overloaded")
	require.NoError(t, err)

	assert.Equal(t, queuedomain.StatusFailed, item.Status)
	assert.Equal(t, "model overloaded", item.FailureReason)
	f.ledger.AssertNotCalled(t, "Release", mock.Anything, mock.Anything, mock.Anything)
}

func TestFail_ReleasesReservationWhenBudgetExhausted(t *testing.T) {
	f := newFixture(t)
	f.allowAccess()
	reserved := ledgerdomain.Amounts{TokenInput: 10}
	f.allowQuota(reserved)
	f.ledger.On("Release", mock.Anything, f.authz.UserID, reserved).Return(nil)
	ctx := context.Background()

	result, err := f.svc.Enqueue(ctx, f.authz, textRequest())
	require.NoError(t, err)
	id := result.Item.ID

	// Burn the whole retry budget.
	for i := 0; i < 3; i++ {
		_, err = f.svc.Dequeue(ctx, "worker-1")
		require.NoError(t, err)
		_, err = f.svc.Fail(ctx, id, "model overloaded")
		require.NoError(t, err)

		item, err := f.svc.Retry(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, i+1, item.RetryCount)
	}

	_, err = f.svc.Dequeue(ctx, "worker-1")
	require.NoError(t, err)
	_, err = f.svc.Fail(ctx, id, "model overloaded")
	require.NoError(t, err)

	_, err = f.svc.Retry(ctx, id)
	assert.ErrorIs(t, err, queuedomain.ErrRetriesExhausted)
	f.ledger.AssertCalled(t, "Release", mock.Anything, f.authz.UserID, reserved)
}

func TestCancel_PendingReleasesReservation(t *testing.T) {
	f := newFixture(t)
	f.allowAccess()
	reserved := ledgerdomain.Amounts{Images: 2}
	f.allowQuota(reserved)
	f.ledger.On("Release", mock.Anything, f.authz.UserID, reserved).Return(nil)
	ctx := context.Background()

	req := queuedomain.EnqueueRequest{
		RequestType: quotadomain.ActionImageGeneration,
		Units:       2,
	}
	result, err := f.svc.Enqueue(ctx, f.authz, req)
	require.NoError(t, err)

	item, err := f.svc.Cancel(ctx, result.Item.ID)
	require.NoError(t, err)
	assert.Equal(t, queuedomain.StatusCancelled, item.Status)
	f.ledger.AssertCalled(t, "Release", mock.Anything, f.authz.UserID, reserved)

	_, err = f.svc.Cancel(ctx, result.Item.ID)
	assert.ErrorIs(t, err, queuedomain.ErrInvalidTransition)
}

func TestReprioritize_OnlyWhilePending(t *testing.T) {
	f := newFixture(t)
	f.allowAccess()
	f.allowQuota(ledgerdomain.Amounts{TokenInput: 10})
	ctx := context.Background()

	result, err := f.svc.Enqueue(ctx, f.authz, textRequest())
	require.NoError(t, err)

	item, err := f.svc.Reprioritize(ctx, result.Item.ID, queuedomain.PriorityCritical)
	require.NoError(t, err)
	assert.Equal(t, queuedomain.PriorityCritical, item.Priority)
	assert.Equal(t, 100, item.PriorityScore)

	_, err = f.svc.Dequeue(ctx, "worker-1")
	require.NoError(t, err)

	_, err = f.svc.Reprioritize(ctx, result.Item.ID, queuedomain.PriorityLow)
	assert.ErrorIs(t, err, queuedomain.ErrInvalidTransition)
}

func TestGet_UnknownID(t *testing.T) {
	f := newFixture(t)

	node, _ := snowflake.NewNode(2)
	_, err := f.svc.Get(context.Background(), node.Generate())
	assert.ErrorIs(t, err, queuedomain.ErrNotFound)
}

func TestSweepExpired_ClearsKeysAndReleases(t *testing.T) {
	f := newFixture(t)
	f.allowAccess()
	reserved := ledgerdomain.Amounts{TokenInput: 10}
	f.allowQuota(reserved)
	f.ledger.On("Release", mock.Anything, f.authz.UserID, reserved).Return(nil)
	ctx := context.Background()

	req := textRequest()
	req.IdempotencyKey = "client-key-1"
	first, err := f.svc.Enqueue(ctx, f.authz, req)
	require.NoError(t, err)

	f.clock.Advance(25 * time.Hour)
	swept, err := f.svc.SweepExpired(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)

	item, err := f.svc.Get(ctx, first.Item.ID)
	require.NoError(t, err)
	assert.Equal(t, queuedomain.StatusExpired, item.Status)
	assert.Nil(t, item.IdempotencyKey)
	f.ledger.AssertCalled(t, "Release", mock.Anything, f.authz.UserID, reserved)

	// The key is free again: a replayed request becomes a fresh item.
	second, err := f.svc.Enqueue(ctx, f.authz, req)
	require.NoError(t, err)
	assert.False(t, second.Idempotent)
	assert.NotEqual(t, first.Item.ID, second.Item.ID)

	// Nothing pending is left to sweep.
	swept, err = f.svc.SweepExpired(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), swept)
}

func TestSweepExpired_ReapsAbandonedFailedItems(t *testing.T) {
	f := newFixture(t)
	f.allowAccess()
	reserved := ledgerdomain.Amounts{TokenInput: 10}
	f.allowQuota(reserved)
	f.ledger.On("Release", mock.Anything, f.authz.UserID, reserved).Return(nil)
	ctx := context.Background()

	result, err := f.svc.Enqueue(ctx, f.authz, textRequest())
	require.NoError(t, err)
	_, err = f.svc.Dequeue(ctx, "worker-1")
	require.NoError(t, err)

	// Retries remain, so the failure keeps the reservation held.
	_, err = f.svc.Fail(ctx, result.Item.ID, "model overloaded")
	require.NoError(t, err)
	f.ledger.AssertNotCalled(t, "Release", mock.Anything, mock.Anything, mock.Anything)

	f.clock.Advance(25 * time.Hour)
	swept, err := f.svc.SweepExpired(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)

	item, err := f.svc.Get(ctx, result.Item.ID)
	require.NoError(t, err)
	assert.Equal(t, queuedomain.StatusExpired, item.Status)
	f.ledger.AssertNumberOfCalls(t, "Release", 1)
}

func TestSweepExpired_ExhaustedFailureReleasesOnlyOnce(t *testing.T) {
	f := newFixture(t)
	f.allowAccess()
	reserved := ledgerdomain.Amounts{TokenInput: 10}
	f.allowQuota(reserved)
	f.ledger.On("Release", mock.Anything, f.authz.UserID, reserved).Return(nil)
	ctx := context.Background()

	result, err := f.svc.Enqueue(ctx, f.authz, textRequest())
	require.NoError(t, err)
	id := result.Item.ID

	for i := 0; i < 3; i++ {
		_, err = f.svc.Dequeue(ctx, "worker-1")
		require.NoError(t, err)
		_, err = f.svc.Fail(ctx, id, "model overloaded")
		require.NoError(t, err)
		_, err = f.svc.Retry(ctx, id)
		require.NoError(t, err)
	}

	_, err = f.svc.Dequeue(ctx, "worker-1")
	require.NoError(t, err)
	_, err = f.svc.Fail(ctx, id, "model overloaded")
	require.NoError(t, err)
	f.ledger.AssertNumberOfCalls(t, "Release", 1)

	// The sweep terminalizes the item without touching the ledger again.
	f.clock.Advance(25 * time.Hour)
	swept, err := f.svc.SweepExpired(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)

	item, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queuedomain.StatusExpired, item.Status)
	f.ledger.AssertNumberOfCalls(t, "Release", 1)
}
