package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/aperturehq/aperture/internal/clock"
	"github.com/aperturehq/aperture/internal/identity"
	ledgerdomain "github.com/aperturehq/aperture/internal/ledger/domain"
	"github.com/aperturehq/aperture/internal/observability/metrics"
	quotadomain "github.com/aperturehq/aperture/internal/quota/domain"
	subscriptiondomain "github.com/aperturehq/aperture/internal/subscription/domain"
	tierdomain "github.com/aperturehq/aperture/internal/tier/domain"
	walletdomain "github.com/aperturehq/aperture/internal/wallet/domain"
)

const maxReserveAttempts = 5

const upgradeHint = "Upgrade your tier or purchase additional credits to continue."

type Service struct {
	log     *zap.Logger
	clock   clock.Clock
	metrics *metrics.Metrics

	subsvc    subscriptiondomain.Service
	tiersvc   tierdomain.Service
	ledgersvc ledgerdomain.Service
	walletsvc walletdomain.Service

	rules map[quotadomain.ActionType]ruleFunc
}

type ServiceParam struct {
	fx.In

	Log     *zap.Logger
	Clock   clock.Clock
	Metrics *metrics.Metrics `optional:"true"`

	Subsvc    subscriptiondomain.Service
	Tiersvc   tierdomain.Service
	Ledgersvc ledgerdomain.Service
	Walletsvc walletdomain.Service
}

func NewService(p ServiceParam) quotadomain.Service {
	s := &Service{
		log:       p.Log.Named("quota.service"),
		clock:     p.Clock,
		metrics:   p.Metrics,
		subsvc:    p.Subsvc,
		tiersvc:   p.Tiersvc,
		ledgersvc: p.Ledgersvc,
		walletsvc: p.Walletsvc,
	}
	s.rules = map[quotadomain.ActionType]ruleFunc{
		quotadomain.ActionTextGeneration:  ruleTextGeneration,
		quotadomain.ActionImageGeneration: ruleImageGeneration,
		quotadomain.ActionVideoGeneration: ruleVideoGeneration,
		quotadomain.ActionDocumentParsing: ruleDocumentParsing,
	}
	return s
}

// evalState is everything a rule needs to decide.
type evalState struct {
	req      quotadomain.CheckRequest
	snap     ledgerdomain.QuotaSnapshot
	used     ledgerdomain.Amounts // monthly used + reserved
	daily    ledgerdomain.DailyCounters
	balances walletdomain.Balances
	isTrial  bool
	trialEnd *time.Time
}

type ruleFunc func(evalState) string

func (s *Service) Evaluate(ctx context.Context, authz identity.AuthorizationContext, req quotadomain.CheckRequest) (*quotadomain.Decision, error) {
	if authz.Elevated {
		return &quotadomain.Decision{Allowed: true, Unlimited: true}, nil
	}
	if req.UserID == 0 {
		return nil, quotadomain.ErrInvalidUser
	}
	if !req.Action.Valid() {
		return nil, quotadomain.ErrInvalidAction
	}

	state, tier, denial, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if denial != "" {
		return s.deny(ctx, req, denial, nil), nil
	}

	if reason := s.rules[req.Action](*state); reason != "" {
		return s.deny(ctx, req, reason, s.summary(*state, tier)), nil
	}

	if s.metrics != nil {
		s.metrics.RecordAdmissionAllowed(ctx, string(req.Action))
	}
	return &quotadomain.Decision{Allowed: true, Usage: s.summary(*state, tier)}, nil
}

func (s *Service) Reserve(ctx context.Context, authz identity.AuthorizationContext, req quotadomain.CheckRequest) (*quotadomain.Decision, *quotadomain.Reservation, error) {
	if authz.Elevated {
		return &quotadomain.Decision{Allowed: true, Unlimited: true}, &quotadomain.Reservation{}, nil
	}
	if req.UserID == 0 {
		return nil, nil, quotadomain.ErrInvalidUser
	}
	if !req.Action.Valid() {
		return nil, nil, quotadomain.ErrInvalidAction
	}

	for attempt := 0; attempt < maxReserveAttempts; attempt++ {
		state, tier, denial, err := s.prepare(ctx, req)
		if err != nil {
			return nil, nil, err
		}
		if denial != "" {
			return s.deny(ctx, req, denial, nil), nil, nil
		}

		rec, err := s.ledgersvc.EnsureRecord(ctx, req.UserID, state.snap)
		if err != nil {
			return nil, nil, err
		}

		// Re-derive counters from the record the reservation will land
		// on, so the version check below covers exactly what was read.
		now := s.clock.Now()
		state.snap = rec.Snapshot()
		state.used = usedPlusReserved(rec)
		state.daily = rec.EffectiveDaily(now)

		if reason := s.rules[req.Action](*state); reason != "" {
			return s.deny(ctx, req, reason, s.summary(*state, tier)), nil, nil
		}

		amounts := req.Amounts()
		ok, err := s.ledgersvc.CompareAndReserve(ctx, rec.ID, rec.Version, amounts)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			continue
		}

		if s.metrics != nil {
			s.metrics.RecordAdmissionAllowed(ctx, string(req.Action))
		}
		return &quotadomain.Decision{Allowed: true, Usage: s.summary(*state, tier)},
			&quotadomain.Reservation{Reserved: true, RecordID: rec.ID, Amounts: amounts},
			nil
	}

	return nil, nil, ledgerdomain.ErrConcurrencyBusy
}

// prepare resolves subscription, tier, usage and credits. The returned
// denial string is set for subscription-level refusals.
func (s *Service) prepare(ctx context.Context, req quotadomain.CheckRequest) (*evalState, *tierdomain.Response, string, error) {
	sub, err := s.subsvc.ActiveForUser(ctx, req.UserID)
	if err != nil {
		switch {
		case errors.Is(err, subscriptiondomain.ErrNoActiveSubscription):
			return nil, nil, quotadomain.ReasonNoSubscription, nil
		case errors.Is(err, subscriptiondomain.ErrTrialExpired):
			return nil, nil, quotadomain.ReasonTrialExpired, nil
		default:
			return nil, nil, "", err
		}
	}

	tier, err := s.tiersvc.Get(ctx, sub.TierID.String())
	if err != nil {
		return nil, nil, "", err
	}

	usage, err := s.ledgersvc.CurrentUsage(ctx, req.UserID)
	if err != nil {
		return nil, nil, "", err
	}

	balances, err := s.walletsvc.Balances(ctx, req.UserID)
	if err != nil {
		return nil, nil, "", err
	}

	snap := snapshotFromTier(tier)
	if usage.Exists {
		snap = usage.Record.Snapshot()
	}

	return &evalState{
		req:      req,
		snap:     snap,
		used:     usedPlusReserved(&usage.Record),
		daily:    usage.Daily,
		balances: *balances,
		isTrial:  sub.IsTrial,
		trialEnd: sub.TrialEndsAt,
	}, tier, "", nil
}

func (s *Service) deny(ctx context.Context, req quotadomain.CheckRequest, reason string, summary *quotadomain.UsageSummary) *quotadomain.Decision {
	if s.metrics != nil {
		s.metrics.RecordAdmissionDenied(ctx, string(req.Action), reason)
	}
	return &quotadomain.Decision{
		Allowed:     false,
		Reason:      reason,
		UpgradeHint: upgradeHint,
		Usage:       summary,
	}
}

func (s *Service) summary(state evalState, tier *tierdomain.Response) *quotadomain.UsageSummary {
	summary := &quotadomain.UsageSummary{
		TokenInputUsed:  state.used.TokenInput,
		TokenOutputUsed: state.used.TokenOutput,
		ImagesUsed:      state.used.Images,
		VideosUsed:      state.used.Videos,
		DocumentsUsed:   state.used.Documents,

		TokenInputQuota:  state.snap.TokenInputQuota,
		TokenOutputQuota: state.snap.TokenOutputQuota,
		ImageQuota:       state.snap.ImageQuota,
		VideoQuota:       state.snap.VideoQuota,
		DocumentQuota:    state.snap.DocumentQuota,

		DailyTokenInput:  state.daily.TokenInput,
		DailyTokenOutput: state.daily.TokenOutput,
		DailyImages:      state.daily.Images,
		DailyVideos:      state.daily.Videos,

		TokenCredits: state.balances.TokenCredits,
		ImageCredits: state.balances.ImageCredits,
		VideoCredits: state.balances.VideoCredits,

		IsTrial:     state.isTrial,
		TrialEndsAt: state.trialEnd,
	}
	if tier != nil {
		summary.Tier = tier.Code
	}
	return summary
}

func ruleTextGeneration(state evalState) string {
	if state.isTrial {
		if state.daily.TokenInput+state.req.TokensIn > state.snap.TrialDailyTokenInput {
			return quotadomain.ReasonDailyInputExceeded
		}
		if state.daily.TokenOutput+state.req.TokensOut > state.snap.TrialDailyTokenOutput {
			return quotadomain.ReasonDailyOutputExceeded
		}
	}

	overIn := state.used.TokenInput+state.req.TokensIn > state.snap.TokenInputQuota
	overOut := state.used.TokenOutput+state.req.TokensOut > state.snap.TokenOutputQuota
	if overIn || overOut {
		if state.balances.TokenCredits < state.req.TokensIn+state.req.TokensOut {
			return quotadomain.ReasonTokenQuotaExceeded
		}
	}
	return ""
}

func ruleImageGeneration(state evalState) string {
	units := unitCount(state.req)
	if state.isTrial && state.daily.Images+units > state.snap.TrialDailyImages {
		return quotadomain.ReasonDailyImagesExceeded
	}
	if state.used.Images+units > state.snap.ImageQuota && state.balances.ImageCredits < units {
		return quotadomain.ReasonImageQuotaExceeded
	}
	return ""
}

func ruleVideoGeneration(state evalState) string {
	units := unitCount(state.req)
	if state.isTrial && state.daily.Videos+units > state.snap.TrialDailyVideos {
		return quotadomain.ReasonDailyVideosExceeded
	}
	if state.used.Videos+units > state.snap.VideoQuota && state.balances.VideoCredits < units {
		return quotadomain.ReasonVideoQuotaExceeded
	}
	return ""
}

func ruleDocumentParsing(state evalState) string {
	if state.used.Documents+unitCount(state.req) > state.snap.DocumentQuota {
		return quotadomain.ReasonDocumentQuotaExceeded
	}
	return ""
}

func unitCount(req quotadomain.CheckRequest) int64 {
	if req.Units <= 0 {
		return 1
	}
	return req.Units
}

func usedPlusReserved(rec *ledgerdomain.UsageRecord) ledgerdomain.Amounts {
	return ledgerdomain.Amounts{
		TokenInput:  rec.UsedTokenInput + rec.ReservedTokenInput,
		TokenOutput: rec.UsedTokenOutput + rec.ReservedTokenOutput,
		Images:      rec.UsedImages + rec.ReservedImages,
		Videos:      rec.UsedVideos + rec.ReservedVideos,
		Documents:   rec.UsedDocuments + rec.ReservedDocuments,
	}
}

func snapshotFromTier(tier *tierdomain.Response) ledgerdomain.QuotaSnapshot {
	return ledgerdomain.QuotaSnapshot{
		TokenInputQuota:  tier.TokenInputQuota,
		TokenOutputQuota: tier.TokenOutputQuota,
		ImageQuota:       tier.ImageQuota,
		VideoQuota:       tier.VideoQuota,
		DocumentQuota:    tier.DocumentQuota,

		TrialDailyTokenInput:  tier.TrialDailyTokenInput,
		TrialDailyTokenOutput: tier.TrialDailyTokenOutput,
		TrialDailyImages:      tier.TrialDailyImages,
		TrialDailyVideos:      tier.TrialDailyVideos,
	}
}
