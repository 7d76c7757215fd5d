package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/aperturehq/aperture/internal/clock"
	"github.com/aperturehq/aperture/internal/config"
	"github.com/aperturehq/aperture/internal/identity"
	ledgerdomain "github.com/aperturehq/aperture/internal/ledger/domain"
	"github.com/aperturehq/aperture/internal/observability/metrics"
	queuedomain "github.com/aperturehq/aperture/internal/queue/domain"
	quotadomain "github.com/aperturehq/aperture/internal/quota/domain"
	workspacedomain "github.com/aperturehq/aperture/internal/workspace/domain"
	"github.com/aperturehq/aperture/pkg/db"
	"github.com/aperturehq/aperture/pkg/db/option"
	"github.com/aperturehq/aperture/pkg/repository"
)

const maxClaimAttempts = 5

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID   *snowflake.Node
	clock   clock.Clock
	metrics *metrics.Metrics
	cfg     *config.AdmissionConfigHolder

	repo repository.Repository[queuedomain.QueueItem]

	workspacesvc workspacedomain.Service
	quotasvc     quotadomain.Service
	ledgersvc    ledgerdomain.Service
}

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Metrics *metrics.Metrics `optional:"true"`
	Cfg     *config.AdmissionConfigHolder

	Workspacesvc workspacedomain.Service
	Quotasvc     quotadomain.Service
	Ledgersvc    ledgerdomain.Service
}

func NewService(p ServiceParam) queuedomain.Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("queue.service"),
		genID:        p.GenID,
		clock:        p.Clock,
		metrics:      p.Metrics,
		cfg:          p.Cfg,
		repo:         repository.ProvideStore[queuedomain.QueueItem](p.DB),
		workspacesvc: p.Workspacesvc,
		quotasvc:     p.Quotasvc,
		ledgersvc:    p.Ledgersvc,
	}
}

func (s *Service) Enqueue(ctx context.Context, authz identity.AuthorizationContext, req queuedomain.EnqueueRequest) (*queuedomain.EnqueueResult, error) {
	if authz.UserID == 0 {
		return nil, queuedomain.ErrInvalidRequest
	}
	if req.RequestType == "" {
		req.RequestType = quotadomain.ActionTextGeneration
	}
	if !req.RequestType.Valid() {
		return nil, queuedomain.ErrInvalidRequest
	}
	if req.WorkspaceID == 0 {
		req.WorkspaceID = authz.WorkspaceID
	}

	if err := s.workspacesvc.CheckAccess(ctx, req.WorkspaceID, authz.UserID); err != nil {
		return nil, err
	}

	check := quotadomain.CheckRequest{
		UserID:    authz.UserID,
		Action:    req.RequestType,
		TokensIn:  req.TokensIn,
		TokensOut: req.TokensOut,
		Units:     req.Units,
	}
	decision, reservation, err := s.quotasvc.Reserve(ctx, authz, check)
	if err != nil {
		// Fail closed: an evaluator failure admits nothing.
		s.log.Error("quota reservation unavailable", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", queuedomain.ErrQuotaServiceUnavailable, err)
	}
	if !decision.Allowed {
		return &queuedomain.EnqueueResult{Decision: decision}, queuedomain.ErrQuotaDenied
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	now := s.clock.Now()
	if key != "" {
		existing, err := s.findLiveByKey(ctx, authz.UserID, key)
		if err != nil {
			s.releaseReservation(ctx, authz.UserID, reservation)
			return nil, err
		}
		if existing != nil {
			s.releaseReservation(ctx, authz.UserID, reservation)
			return &queuedomain.EnqueueResult{Item: existing, Idempotent: true, Decision: decision}, nil
		}
	}

	cfg := s.cfg.Get().Queue
	priority := queuedomain.NormalizePriority(req.Priority)
	item := &queuedomain.QueueItem{
		ID:          s.genID.Generate(),
		UserID:      authz.UserID,
		WorkspaceID: req.WorkspaceID,

		RequestType: string(req.RequestType),
		Payload:     datatypes.JSONMap(req.Payload),

		Priority:      priority,
		PriorityScore: priority.Score(),
		Status:        queuedomain.StatusPending,

		RetryCount: 0,
		MaxRetries: cfg.MaxRetries,

		ReservedTokenInput:  reservation.Amounts.TokenInput,
		ReservedTokenOutput: reservation.Amounts.TokenOutput,
		ReservedImages:      reservation.Amounts.Images,
		ReservedVideos:      reservation.Amounts.Videos,
		ReservedDocuments:   reservation.Amounts.Documents,

		CallbackURL: strings.TrimSpace(req.CallbackURL),

		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(cfg.ItemTTL),
	}
	if key != "" {
		item.IdempotencyKey = &key
	}

	if err := s.repo.Create(ctx, item); err != nil {
		if key != "" && db.IsDuplicateKeyErr(err) {
			// Lost the insert race to a concurrent duplicate.
			existing, findErr := s.findLiveByKey(ctx, authz.UserID, key)
			if findErr == nil && existing != nil {
				s.releaseReservation(ctx, authz.UserID, reservation)
				return &queuedomain.EnqueueResult{Item: existing, Idempotent: true, Decision: decision}, nil
			}
		}
		s.releaseReservation(ctx, authz.UserID, reservation)
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordQueueTransition(ctx, string(queuedomain.StatusPending))
	}
	return &queuedomain.EnqueueResult{Item: item, Decision: decision}, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*queuedomain.QueueItem, error) {
	item, err := s.repo.FindOne(ctx, &queuedomain.QueueItem{ID: id})
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, queuedomain.ErrNotFound
	}
	return item, nil
}

func (s *Service) Dequeue(ctx context.Context, workerID string) (*queuedomain.QueueItem, error) {
	now := s.clock.Now()

	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		var candidate queuedomain.QueueItem
		err := s.db.WithContext(ctx).
			Where("status = ? AND expires_at > ?", queuedomain.StatusPending, now).
			Order("priority_score DESC, created_at ASC").
			Limit(1).
			Find(&candidate).Error
		if err != nil {
			return nil, err
		}
		if candidate.ID == 0 {
			return nil, nil
		}

		result := s.db.WithContext(ctx).
			Model(&queuedomain.QueueItem{}).
			Where("id = ? AND status = ?", candidate.ID, queuedomain.StatusPending).
			Updates(map[string]any{
				"status":     queuedomain.StatusProcessing,
				"worker_id":  strings.TrimSpace(workerID),
				"started_at": now,
				"updated_at": now,
			})
		if result.Error != nil {
			return nil, result.Error
		}
		if result.RowsAffected == 0 {
			continue
		}

		if s.metrics != nil {
			s.metrics.RecordQueueTransition(ctx, string(queuedomain.StatusProcessing))
		}
		return s.Get(ctx, candidate.ID)
	}

	return nil, nil
}

func (s *Service) Complete(ctx context.Context, id snowflake.ID, result map[string]any, actuals ledgerdomain.Amounts) (*queuedomain.QueueItem, error) {
	item, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	updates := map[string]any{
		"status":      queuedomain.StatusCompleted,
		"result":      datatypes.JSONMap(result),
		"finished_at": now,
		"updated_at":  now,
	}
	if err := s.transition(ctx, id, []queuedomain.Status{queuedomain.StatusProcessing}, updates); err != nil {
		return nil, err
	}

	// Settle the ledger: release what was reserved, record what actually
	// happened. Elevated admissions hold no reservation and settle only
	// the recording side.
	reserved := item.ReservedAmounts()
	if !reserved.IsZero() {
		if err := s.ledgersvc.Release(ctx, item.UserID, reserved); err != nil {
			s.log.Error("release reservation on complete", zap.Error(err),
				zap.String("item_id", id.String()))
		}
	}
	if actuals.IsZero() {
		actuals = reserved
	}
	if !actuals.IsZero() {
		_, err = s.ledgersvc.Record(ctx, ledgerdomain.RecordRequest{
			UserID:     item.UserID,
			ActionType: item.RequestType,
			Amounts:    actuals,
			RequestID:  id.String(),
		})
		if err != nil {
			s.log.Error("record settled usage", zap.Error(err),
				zap.String("item_id", id.String()))
		}
	}

	if s.metrics != nil {
		s.metrics.RecordQueueTransition(ctx, string(queuedomain.StatusCompleted))
	}
	return s.Get(ctx, id)
}

func (s *Service) Fail(ctx context.Context, id snowflake.ID, reason string) (*queuedomain.QueueItem, error) {
	item, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	updates := map[string]any{
		"status":         queuedomain.StatusFailed,
		"failure_reason": strings.TrimSpace(reason),
		"finished_at":    now,
		"updated_at":     now,
	}
	if err := s.transition(ctx, id, []queuedomain.Status{queuedomain.StatusProcessing}, updates); err != nil {
		return nil, err
	}

	// The reservation survives while a retry is still possible.
	if item.RetryCount >= item.MaxRetries {
		s.releaseItemReservation(ctx, item)
	}

	if s.metrics != nil {
		s.metrics.RecordQueueTransition(ctx, string(queuedomain.StatusFailed))
	}
	return s.Get(ctx, id)
}

func (s *Service) Retry(ctx context.Context, id snowflake.ID) (*queuedomain.QueueItem, error) {
	item, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.RetryCount >= item.MaxRetries {
		return nil, queuedomain.ErrRetriesExhausted
	}

	now := s.clock.Now()
	updates := map[string]any{
		"status":      queuedomain.StatusPending,
		"retry_count": item.RetryCount + 1,
		"worker_id":   "",
		"started_at":  nil,
		"finished_at": nil,
		"updated_at":  now,
	}
	if err := s.transition(ctx, id, []queuedomain.Status{queuedomain.StatusFailed}, updates); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordQueueTransition(ctx, string(queuedomain.StatusPending))
	}
	return s.Get(ctx, id)
}

func (s *Service) Cancel(ctx context.Context, id snowflake.ID) (*queuedomain.QueueItem, error) {
	item, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	updates := map[string]any{
		"status":      queuedomain.StatusCancelled,
		"finished_at": now,
		"updated_at":  now,
	}
	allowed := []queuedomain.Status{queuedomain.StatusPending, queuedomain.StatusProcessing}
	if err := s.transition(ctx, id, allowed, updates); err != nil {
		return nil, err
	}

	s.releaseItemReservation(ctx, item)

	if s.metrics != nil {
		s.metrics.RecordQueueTransition(ctx, string(queuedomain.StatusCancelled))
	}
	return s.Get(ctx, id)
}

func (s *Service) Reprioritize(ctx context.Context, id snowflake.ID, priority queuedomain.Priority) (*queuedomain.QueueItem, error) {
	priority = queuedomain.NormalizePriority(string(priority))
	updates := map[string]any{
		"priority":       priority,
		"priority_score": priority.Score(),
		"updated_at":     s.clock.Now(),
	}
	if err := s.transition(ctx, id, []queuedomain.Status{queuedomain.StatusPending}, updates); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *Service) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	// Failed items past their TTL are swept too: ones with retries left
	// still hold a reservation that nobody else will release.
	sweepable := []queuedomain.Status{queuedomain.StatusPending, queuedomain.StatusFailed}
	items, err := s.repo.Find(ctx, &queuedomain.QueueItem{},
		option.WithWhere("status IN ? AND expires_at <= ?", sweepable, now),
	)
	if err != nil {
		return 0, err
	}

	var swept int64
	for _, item := range items {
		result := s.db.WithContext(ctx).
			Model(&queuedomain.QueueItem{}).
			Where("id = ? AND status = ?", item.ID, item.Status).
			Updates(map[string]any{
				"status":          queuedomain.StatusExpired,
				"idempotency_key": nil,
				"finished_at":     now,
				"updated_at":      now,
			})
		if result.Error != nil {
			return swept, result.Error
		}
		if result.RowsAffected == 0 {
			continue
		}

		// A failed item with its retry budget exhausted released on Fail.
		if item.Status == queuedomain.StatusPending || item.RetryCount < item.MaxRetries {
			s.releaseItemReservation(ctx, item)
		}
		swept++

		if s.metrics != nil {
			s.metrics.RecordQueueTransition(ctx, string(queuedomain.StatusExpired))
		}
	}

	if swept > 0 {
		s.log.Info("swept expired queue items", zap.Int64("count", swept))
	}
	return swept, nil
}

func (s *Service) transition(ctx context.Context, id snowflake.ID, from []queuedomain.Status, updates map[string]any) error {
	result := s.db.WithContext(ctx).
		Model(&queuedomain.QueueItem{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// Distinguish a missing item from an illegal transition.
		existing, err := s.repo.FindOne(ctx, &queuedomain.QueueItem{ID: id})
		if err != nil {
			return err
		}
		if existing == nil {
			return queuedomain.ErrNotFound
		}
		return queuedomain.ErrInvalidTransition
	}
	return nil
}

func (s *Service) findLiveByKey(ctx context.Context, userID snowflake.ID, key string) (*queuedomain.QueueItem, error) {
	item, err := s.repo.FindOne(ctx, &queuedomain.QueueItem{UserID: userID},
		option.WithWhere("idempotency_key = ? AND status <> ?", key, queuedomain.StatusExpired),
	)
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (s *Service) releaseReservation(ctx context.Context, userID snowflake.ID, reservation *quotadomain.Reservation) {
	if reservation == nil || !reservation.Reserved || reservation.Amounts.IsZero() {
		return
	}
	if err := s.ledgersvc.Release(ctx, userID, reservation.Amounts); err != nil {
		s.log.Error("release reservation", zap.Error(err), zap.String("user_id", userID.String()))
	}
}

func (s *Service) releaseItemReservation(ctx context.Context, item *queuedomain.QueueItem) {
	reserved := item.ReservedAmounts()
	if reserved.IsZero() {
		return
	}
	if err := s.ledgersvc.Release(ctx, item.UserID, reserved); err != nil {
		s.log.Error("release reservation", zap.Error(err), zap.String("item_id", item.ID.String()))
	}
}
