package authorization

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/aperturehq/aperture/internal/identity"
)

//go:embed model.conf
var modelText string

const platformDomain = "platform"

const (
	ObjectQueueItem = "queue_item"
	ObjectTier      = "tier"
	ObjectCredit    = "credit"
	ObjectUsage     = "usage"
	ObjectAPIKey    = "api_key"
	ObjectWorkspace = "workspace"
)

const (
	ActionView   = "view"
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionManage = "manage"
)

type Service interface {
	// Authorize checks the caller's platform role against the policy
	// table. Returns ErrForbidden when the role lacks the permission.
	Authorize(ctx context.Context, authz identity.AuthorizationContext, object, action string) error

	// Elevated reports whether a platform role bypasses quota
	// enforcement entirely.
	Elevated(role identity.PlatformRole) bool
}

var (
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
	ErrForbidden     = errors.New("forbidden")
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	db       *gorm.DB
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		{"role:admin", platformDomain, "*", "*"},

		{"role:support", platformDomain, ObjectQueueItem, ActionView},
		{"role:support", platformDomain, ObjectQueueItem, ActionUpdate},
		{"role:support", platformDomain, ObjectUsage, ActionView},
		{"role:support", platformDomain, ObjectTier, ActionView},
		{"role:support", platformDomain, ObjectCredit, ActionView},

		{"role:standard", platformDomain, ObjectQueueItem, ActionView},
		{"role:standard", platformDomain, ObjectQueueItem, ActionCreate},
		{"role:standard", platformDomain, ObjectQueueItem, ActionUpdate},
		{"role:standard", platformDomain, ObjectUsage, ActionView},
		{"role:standard", platformDomain, ObjectAPIKey, ActionView},
		{"role:standard", platformDomain, ObjectAPIKey, ActionCreate},
	}
	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy[0], policy[1], policy[2], policy[3]); err != nil {
			return err
		}
	}
	return nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		db:       p.DB,
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, authz identity.AuthorizationContext, object, action string) error {
	_ = ctx
	if authz.UserID == 0 {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	subject := fmt.Sprintf("user:%s", authz.UserID.String())
	roleName := fmt.Sprintf("role:%s", strings.ToLower(string(authz.Role)))
	if has, _ := s.enforcer.HasRoleForUser(subject, roleName, platformDomain); !has {
		if _, err := s.enforcer.AddRoleForUserInDomain(subject, roleName, platformDomain); err != nil {
			return err
		}
	}

	allowed, err := s.enforcer.Enforce(subject, platformDomain, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Debug("authorization denied",
			zap.String("subject", subject),
			zap.String("object", object),
			zap.String("action", action),
		)
		return ErrForbidden
	}
	return nil
}

func (s *ServiceImpl) Elevated(role identity.PlatformRole) bool {
	switch role {
	case identity.RoleSupport, identity.RoleAdmin:
		return true
	default:
		return false
	}
}

var Module = fx.Module("authorization",
	fx.Provide(
		NewEnforcer,
		NewService,
	),
)
