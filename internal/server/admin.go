package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	subscriptiondomain "github.com/aperturehq/aperture/internal/subscription/domain"
	tierdomain "github.com/aperturehq/aperture/internal/tier/domain"
	walletdomain "github.com/aperturehq/aperture/internal/wallet/domain"
	workspacedomain "github.com/aperturehq/aperture/internal/workspace/domain"
)

func (s *Server) ListTiers(c *gin.Context) {
	resp, err := s.tierSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CreateTier(c *gin.Context) {
	var req tierdomain.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.tierSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) TopUpCredits(c *gin.Context) {
	var body struct {
		UserID string `json:"user_id"`
		Kind   string `json:"kind"`
		Amount int64  `json:"amount"`
		Source string `json:"source"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	userID, err := snowflake.ParseString(strings.TrimSpace(body.UserID))
	if err != nil {
		AbortWithError(c, newValidationError("user_id", "invalid_user", "invalid value"))
		return
	}

	source := strings.TrimSpace(body.Source)
	if source == "" {
		source = "admin_topup"
	}

	balances, err := s.walletSvc.TopUp(c.Request.Context(), walletdomain.TopUpRequest{
		UserID: userID,
		Kind:   walletdomain.CreditKind(strings.TrimSpace(body.Kind)),
		Amount: body.Amount,
		Source: source,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": balances})
}

func (s *Server) StartSubscription(c *gin.Context) {
	var body struct {
		UserID    string `json:"user_id"`
		TierID    string `json:"tier_id"`
		IsTrial   bool   `json:"is_trial"`
		TrialDays int    `json:"trial_days"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	userID, err := snowflake.ParseString(strings.TrimSpace(body.UserID))
	if err != nil {
		AbortWithError(c, newValidationError("user_id", "invalid_user", "invalid value"))
		return
	}
	tierID, err := snowflake.ParseString(strings.TrimSpace(body.TierID))
	if err != nil {
		AbortWithError(c, newValidationError("tier_id", "invalid_tier", "invalid value"))
		return
	}

	sub, err := s.subscriptionSvc.Start(c.Request.Context(), subscriptiondomain.StartRequest{
		UserID:    userID,
		TierID:    tierID,
		IsTrial:   body.IsTrial,
		TrialDays: body.TrialDays,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": sub})
}

func (s *Server) CreateWorkspace(c *gin.Context) {
	var body struct {
		Name      string `json:"name"`
		OwnerName string `json:"owner_name"`
		OwnerMail string `json:"owner_email"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	workspace, err := s.workspaceSvc.Create(c.Request.Context(), workspacedomain.CreateRequest{
		Name:      strings.TrimSpace(body.Name),
		OwnerName: strings.TrimSpace(body.OwnerName),
		OwnerMail: strings.TrimSpace(body.OwnerMail),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": workspace})
}

func (s *Server) SuspendWorkspace(c *gin.Context) {
	s.setWorkspaceStatus(c, s.workspaceSvc.Suspend)
}

func (s *Server) ResumeWorkspace(c *gin.Context) {
	s.setWorkspaceStatus(c, s.workspaceSvc.Resume)
}

func (s *Server) setWorkspaceStatus(c *gin.Context, apply func(ctx context.Context, id snowflake.ID) error) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, workspacedomain.ErrNotFound)
		return
	}

	if err := apply(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
