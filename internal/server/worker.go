package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	ledgerdomain "github.com/aperturehq/aperture/internal/ledger/domain"
	queuedomain "github.com/aperturehq/aperture/internal/queue/domain"
	subscriptiondomain "github.com/aperturehq/aperture/internal/subscription/domain"
)

type amountsBody struct {
	TokenInput  int64 `json:"token_input"`
	TokenOutput int64 `json:"token_output"`
	Images      int64 `json:"images"`
	Videos      int64 `json:"videos"`
	Documents   int64 `json:"documents"`
}

func (b amountsBody) toAmounts() ledgerdomain.Amounts {
	return ledgerdomain.Amounts{
		TokenInput:  b.TokenInput,
		TokenOutput: b.TokenOutput,
		Images:      b.Images,
		Videos:      b.Videos,
		Documents:   b.Documents,
	}
}

func (s *Server) DequeueRequest(c *gin.Context) {
	var body struct {
		WorkerID string `json:"worker_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	workerID := strings.TrimSpace(body.WorkerID)
	if workerID == "" {
		AbortWithError(c, newValidationError("worker_id", "invalid_worker_id", "invalid value"))
		return
	}

	item, err := s.queueSvc.Dequeue(c.Request.Context(), workerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if item == nil {
		c.JSON(http.StatusOK, gin.H{"data": nil})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": toQueueItemResponse(item)})
}

func (s *Server) CompleteRequest(c *gin.Context) {
	id, err := pathItemID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var body struct {
		Result  map[string]any `json:"result"`
		Actuals *amountsBody   `json:"actuals"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	actuals := ledgerdomain.Amounts{}
	if body.Actuals != nil {
		actuals = body.Actuals.toAmounts()
	}

	item, err := s.queueSvc.Complete(c.Request.Context(), id, body.Result, actuals)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": toQueueItemResponse(item)})
}

func (s *Server) FailRequest(c *gin.Context) {
	id, err := pathItemID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	item, err := s.queueSvc.Fail(c.Request.Context(), id, strings.TrimSpace(body.Reason))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": toQueueItemResponse(item)})
}

func (s *Server) RetryRequest(c *gin.Context) {
	id, err := pathItemID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	item, err := s.queueSvc.Retry(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": toQueueItemResponse(item)})
}

// RecordUsage meters consumption that bypassed the queue, for example
// synchronous calls. Requires the usage:write scope.
func (s *Server) RecordUsage(c *gin.Context) {
	authz, ok := callerFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	if !authz.HasScope("usage:write") {
		AbortWithError(c, ErrForbidden)
		return
	}

	var body struct {
		UserID     string      `json:"user_id"`
		ActionType string      `json:"action_type"`
		Amounts    amountsBody `json:"amounts"`
		RequestID  string      `json:"request_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	userID := authz.UserID
	if raw := strings.TrimSpace(body.UserID); raw != "" {
		parsed, err := snowflake.ParseString(raw)
		if err != nil {
			AbortWithError(c, newValidationError("user_id", "invalid_user", "invalid value"))
			return
		}
		if parsed != authz.UserID && !authz.Elevated {
			AbortWithError(c, ErrForbidden)
			return
		}
		userID = parsed
	}

	snap, err := s.snapshotForUser(c, userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.ledgerSvc.Record(c.Request.Context(), ledgerdomain.RecordRequest{
		UserID:     userID,
		ActionType: strings.TrimSpace(body.ActionType),
		Amounts:    body.Amounts.toAmounts(),
		Snapshot:   snap,
		RequestID:  strings.TrimSpace(body.RequestID),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

// snapshotForUser derives the quota snapshot used if this write creates
// the period record. Users without an entitlement get a zero snapshot,
// which makes all recorded usage overflow.
func (s *Server) snapshotForUser(c *gin.Context, userID snowflake.ID) (ledgerdomain.QuotaSnapshot, error) {
	ctx := c.Request.Context()

	sub, err := s.subscriptionSvc.ActiveForUser(ctx, userID)
	if err != nil {
		if errors.Is(err, subscriptiondomain.ErrNoActiveSubscription) || errors.Is(err, subscriptiondomain.ErrTrialExpired) {
			return ledgerdomain.QuotaSnapshot{}, nil
		}
		return ledgerdomain.QuotaSnapshot{}, err
	}

	tierResp, err := s.tierSvc.Get(ctx, sub.TierID.String())
	if err != nil {
		return ledgerdomain.QuotaSnapshot{}, err
	}

	return ledgerdomain.QuotaSnapshot{
		TokenInputQuota:  tierResp.TokenInputQuota,
		TokenOutputQuota: tierResp.TokenOutputQuota,
		ImageQuota:       tierResp.ImageQuota,
		VideoQuota:       tierResp.VideoQuota,
		DocumentQuota:    tierResp.DocumentQuota,

		TrialDailyTokenInput:  tierResp.TrialDailyTokenInput,
		TrialDailyTokenOutput: tierResp.TrialDailyTokenOutput,
		TrialDailyImages:      tierResp.TrialDailyImages,
		TrialDailyVideos:      tierResp.TrialDailyVideos,
	}, nil
}

func pathItemID(c *gin.Context) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		return 0, queuedomain.ErrNotFound
	}
	return id, nil
}
