package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	quotadomain "github.com/aperturehq/aperture/internal/quota/domain"
	subscriptiondomain "github.com/aperturehq/aperture/internal/subscription/domain"
)

type quotaCheckBody struct {
	ActionType   string `json:"action_type"`
	TokensInput  int64  `json:"tokens_input"`
	TokensOutput int64  `json:"tokens_output"`
	Units        int64  `json:"units"`
}

// CheckQuota is the read-only admission preview: same rules as enqueue,
// no reservation, and a denial is a 200 with allowed=false.
func (s *Server) CheckQuota(c *gin.Context) {
	authz, ok := callerFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var body quotaCheckBody
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	action := quotadomain.ActionType(strings.TrimSpace(body.ActionType))
	if !action.Valid() {
		AbortWithError(c, newValidationError("action_type", "invalid_action_type", "invalid value"))
		return
	}
	c.Set("action_type", string(action))

	decision, err := s.quotaSvc.Evaluate(c.Request.Context(), authz, quotadomain.CheckRequest{
		UserID:    authz.UserID,
		Action:    action,
		TokensIn:  body.TokensInput,
		TokensOut: body.TokensOutput,
		Units:     body.Units,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, decision)
}

func (s *Server) UsageSummary(c *gin.Context) {
	authz, ok := callerFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	ctx := c.Request.Context()

	summary := quotadomain.UsageSummary{}

	sub, err := s.subscriptionSvc.ActiveForUser(ctx, authz.UserID)
	switch {
	case err == nil:
		summary.IsTrial = sub.IsTrial
		summary.TrialEndsAt = sub.TrialEndsAt
		if tierResp, tierErr := s.tierSvc.Get(ctx, sub.TierID.String()); tierErr == nil {
			summary.Tier = tierResp.Code
		}
	case errors.Is(err, subscriptiondomain.ErrNoActiveSubscription),
		errors.Is(err, subscriptiondomain.ErrTrialExpired):
		// No entitlement; usage and credits still report.
	default:
		AbortWithError(c, err)
		return
	}

	usage, err := s.ledgerSvc.CurrentUsage(ctx, authz.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if usage.Exists {
		record := usage.Record
		summary.PeriodStart = record.PeriodStart.Format(time.RFC3339)

		summary.TokenInputUsed = record.UsedTokenInput
		summary.TokenOutputUsed = record.UsedTokenOutput
		summary.ImagesUsed = record.UsedImages
		summary.VideosUsed = record.UsedVideos
		summary.DocumentsUsed = record.UsedDocuments

		summary.TokenInputQuota = record.QuotaTokenInput
		summary.TokenOutputQuota = record.QuotaTokenOutput
		summary.ImageQuota = record.QuotaImages
		summary.VideoQuota = record.QuotaVideos
		summary.DocumentQuota = record.QuotaDocuments

		summary.DailyTokenInput = usage.Daily.TokenInput
		summary.DailyTokenOutput = usage.Daily.TokenOutput
		summary.DailyImages = usage.Daily.Images
		summary.DailyVideos = usage.Daily.Videos
	}

	balances, err := s.walletSvc.Balances(ctx, authz.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	summary.TokenCredits = balances.TokenCredits
	summary.ImageCredits = balances.ImageCredits
	summary.VideoCredits = balances.VideoCredits

	c.JSON(http.StatusOK, gin.H{"data": summary})
}

func (s *Server) UsageEvents(c *gin.Context) {
	authz, ok := callerFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	since := time.Time{}
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			AbortWithError(c, newValidationError("since", "invalid_since", "invalid value"))
			return
		}
		since = parsed
	}

	limit := 50
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid value"))
			return
		}
		limit = parsed
	}

	events, err := s.ledgerSvc.Events(c.Request.Context(), authz.UserID, since, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": events})
}
