package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/aperturehq/aperture/internal/clock"
	"github.com/aperturehq/aperture/internal/config"
	obscontext "github.com/aperturehq/aperture/internal/observability/context"
	queuedomain "github.com/aperturehq/aperture/internal/queue/domain"
	"github.com/aperturehq/aperture/internal/ratelimit"
	subscriptiondomain "github.com/aperturehq/aperture/internal/subscription/domain"
)

const leaderLockKey = "aperture:scheduler:leader"

var ErrInvalidConfig = errors.New("scheduler: invalid configuration")

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	QueueSvc        queuedomain.Service
	SubscriptionSvc subscriptiondomain.Service
	Holder          *config.AdmissionConfigHolder
	Locker          *ratelimit.Locker `optional:"true"`
	Clock           clock.Clock
	Config          Config `optional:"true"`
}

// Scheduler runs the periodic maintenance jobs: expiring stale queue
// items and closing out lapsed trials. With a redis locker present only
// one replica runs a given tick.
type Scheduler struct {
	db              *gorm.DB
	log             *zap.Logger
	cfg             Config
	clock           clock.Clock
	queueSvc        queuedomain.Service
	subscriptionSvc subscriptiondomain.Service
	holder          *config.AdmissionConfigHolder
	locker          *ratelimit.Locker

	lastSweep time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.QueueSvc == nil || p.SubscriptionSvc == nil || p.Holder == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	return &Scheduler{
		db:              p.DB,
		log:             p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:             cfg,
		clock:           p.Clock,
		queueSvc:        p.QueueSvc,
		subscriptionSvc: p.SubscriptionSvc,
		holder:          p.Holder,
		locker:          p.Locker,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	ctx = obscontext.WithActor(ctx, "system", "scheduler")
	log := s.log.With(zap.String("job", name))

	err := fn(ctx)
	log.Debug("job finished", zap.Duration("duration", time.Since(start)))
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		log.Warn("job timed out",
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	if !s.acquireLeader(parent) {
		return nil
	}

	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{"queue_sweep", s.QueueSweepJob},
		{"trial_expiry", s.TrialExpiryJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, job.Run))
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// QueueSweepJob expires pending queue items older than the configured
// TTL. Sweep cadence follows the live admission config, not the run
// loop interval.
func (s *Scheduler) QueueSweepJob(ctx context.Context) error {
	interval := s.holder.Get().Queue.SweepInterval
	now := s.clock.Now()
	if !s.lastSweep.IsZero() && now.Sub(s.lastSweep) < interval {
		return nil
	}

	swept, err := s.queueSvc.SweepExpired(ctx, now)
	if err != nil {
		return err
	}
	s.lastSweep = now
	if swept > 0 {
		s.log.Info("expired stale queue items", zap.Int64("count", swept))
	}
	return nil
}

// TrialExpiryJob moves lapsed trial subscriptions to trial_expired so
// admission checks stop depending on the lazy per-request path.
func (s *Scheduler) TrialExpiryJob(ctx context.Context) error {
	expired, err := s.subscriptionSvc.ExpireDueTrials(ctx, s.clock.Now())
	if err != nil {
		return err
	}
	if expired > 0 {
		s.log.Info("expired lapsed trials", zap.Int64("count", expired))
	}
	return nil
}

func (s *Scheduler) acquireLeader(ctx context.Context) bool {
	if s.locker == nil {
		return true
	}
	token, ok, err := s.locker.TryLock(ctx, leaderLockKey, s.cfg.LeaderTTL)
	if err != nil {
		// Lock service down. Run anyway; every job is idempotent.
		s.log.Warn("leader lock unavailable", zap.Error(err))
		return true
	}
	if !ok {
		return false
	}
	// Hold the lock for the full TTL so a slow follower does not double
	// run within one tick. Released lazily by expiry.
	_ = token
	return true
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}
