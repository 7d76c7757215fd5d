package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/aperturehq/aperture/internal/apikey"
	apikeydomain "github.com/aperturehq/aperture/internal/apikey/domain"
	"github.com/aperturehq/aperture/internal/authorization"
	"github.com/aperturehq/aperture/internal/clock"
	"github.com/aperturehq/aperture/internal/config"
	"github.com/aperturehq/aperture/internal/ledger"
	ledgerdomain "github.com/aperturehq/aperture/internal/ledger/domain"
	"github.com/aperturehq/aperture/internal/observability"
	obslogger "github.com/aperturehq/aperture/internal/observability/logger"
	obsmetrics "github.com/aperturehq/aperture/internal/observability/metrics"
	obstracing "github.com/aperturehq/aperture/internal/observability/tracing"
	"github.com/aperturehq/aperture/internal/queue"
	queuedomain "github.com/aperturehq/aperture/internal/queue/domain"
	"github.com/aperturehq/aperture/internal/quota"
	quotadomain "github.com/aperturehq/aperture/internal/quota/domain"
	"github.com/aperturehq/aperture/internal/ratelimit"
	"github.com/aperturehq/aperture/internal/subscription"
	subscriptiondomain "github.com/aperturehq/aperture/internal/subscription/domain"
	"github.com/aperturehq/aperture/internal/tier"
	tierdomain "github.com/aperturehq/aperture/internal/tier/domain"
	"github.com/aperturehq/aperture/internal/wallet"
	walletdomain "github.com/aperturehq/aperture/internal/wallet/domain"
	"github.com/aperturehq/aperture/internal/workspace"
	workspacedomain "github.com/aperturehq/aperture/internal/workspace/domain"
)

var Module = fx.Module("http.server",
	config.Module,
	authorization.Module,
	apikey.Module,
	tier.Module,
	subscription.Module,
	wallet.Module,
	ledger.Module,
	quota.Module,
	workspace.Module,
	queue.Module,
	ratelimit.Module,
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine *gin.Engine
	cfg    config.Config
	db     *gorm.DB
	log    *zap.Logger
	clock  clock.Clock

	queueSvc        queuedomain.Service
	quotaSvc        quotadomain.Service
	ledgerSvc       ledgerdomain.Service
	walletSvc       walletdomain.Service
	workspaceSvc    workspacedomain.Service
	tierSvc         tierdomain.Service
	subscriptionSvc subscriptiondomain.Service
	apiKeySvc       apikeydomain.Service
	authzSvc        authorization.Service

	limiter *ratelimit.EnqueueLimiter
	metrics *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Engine *gin.Engine
	Config config.Config
	DB     *gorm.DB
	Log    *zap.Logger
	Clock  clock.Clock

	QueueSvc        queuedomain.Service
	QuotaSvc        quotadomain.Service
	LedgerSvc       ledgerdomain.Service
	WalletSvc       walletdomain.Service
	WorkspaceSvc    workspacedomain.Service
	TierSvc         tierdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	APIKeySvc       apikeydomain.Service
	AuthzSvc        authorization.Service

	Limiter *ratelimit.EnqueueLimiter
	Metrics *obsmetrics.Metrics
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:          p.Engine,
		cfg:             p.Config,
		db:              p.DB,
		log:             p.Log.Named("server"),
		clock:           p.Clock,
		queueSvc:        p.QueueSvc,
		quotaSvc:        p.QuotaSvc,
		ledgerSvc:       p.LedgerSvc,
		walletSvc:       p.WalletSvc,
		workspaceSvc:    p.WorkspaceSvc,
		tierSvc:         p.TierSvc,
		subscriptionSvc: p.SubscriptionSvc,
		apiKeySvc:       p.APIKeySvc,
		authzSvc:        p.AuthzSvc,
		limiter:         p.Limiter,
		metrics:         p.Metrics,
	}

	s.registerAPIRoutes()
	s.registerWorkerRoutes()
	s.registerAdminRoutes()

	return s
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	enqueueLimit := ratelimit.GinEnqueueMiddleware(s.limiter, s.metrics, s.log)

	// -------- Requests --------
	api.POST("/requests", s.APIKeyRequired(), s.RequireScope(apikeydomain.ScopeRequestsWrite), enqueueLimit, s.EnqueueRequest)
	api.GET("/requests/:id", s.APIKeyRequired(), s.GetRequest)
	api.POST("/requests/:id/cancel", s.APIKeyRequired(), s.RequireScope(apikeydomain.ScopeRequestsWrite), s.CancelRequest)
	api.POST("/requests/:id/reprioritize", s.APIKeyRequired(), s.RequireScope(apikeydomain.ScopeRequestsWrite), s.ReprioritizeRequest)

	// -------- Quota --------
	api.POST("/quota/check", s.APIKeyRequired(), s.CheckQuota)
	api.GET("/usage/summary", s.APIKeyRequired(), s.UsageSummary)
	api.GET("/usage/events", s.APIKeyRequired(), s.UsageEvents)

	// -------- Tiers --------
	api.GET("/tiers", s.APIKeyRequired(), s.ListTiers)

	// -------- API keys --------
	api.GET("/api_keys", s.APIKeyRequired(), s.ListAPIKeys)
	api.POST("/api_keys", s.APIKeyRequired(), s.CreateAPIKey)
	api.POST("/api_keys/:key_id/rotate", s.APIKeyRequired(), s.RotateAPIKey)
	api.DELETE("/api_keys/:key_id", s.APIKeyRequired(), s.RevokeAPIKey)
}

func (s *Server) registerWorkerRoutes() {
	worker := s.engine.Group("/internal")
	worker.Use(s.APIKeyRequired(), s.RequireScope(apikeydomain.ScopeQueueWork))

	worker.POST("/queue/dequeue", s.DequeueRequest)
	worker.POST("/queue/:id/complete", s.CompleteRequest)
	worker.POST("/queue/:id/fail", s.FailRequest)
	worker.POST("/queue/:id/retry", s.RetryRequest)
	worker.POST("/usage", s.RecordUsage)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin")
	admin.Use(s.APIKeyRequired(), s.RequireScope(apikeydomain.ScopeAdmin))

	admin.GET("/tiers", s.ListTiers)
	admin.POST("/tiers", s.authorizePlatformAction(authorization.ObjectTier, authorization.ActionManage), s.CreateTier)
	admin.POST("/credits/topup", s.authorizePlatformAction(authorization.ObjectCredit, authorization.ActionManage), s.TopUpCredits)
	admin.POST("/subscriptions", s.authorizePlatformAction(authorization.ObjectWorkspace, authorization.ActionManage), s.StartSubscription)
	admin.POST("/workspaces", s.authorizePlatformAction(authorization.ObjectWorkspace, authorization.ActionManage), s.CreateWorkspace)
	admin.POST("/workspaces/:id/suspend", s.authorizePlatformAction(authorization.ObjectWorkspace, authorization.ActionManage), s.SuspendWorkspace)
	admin.POST("/workspaces/:id/resume", s.authorizePlatformAction(authorization.ObjectWorkspace, authorization.ActionManage), s.ResumeWorkspace)
}
