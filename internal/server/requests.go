package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	identitydomain "github.com/aperturehq/aperture/internal/identity"
	queuedomain "github.com/aperturehq/aperture/internal/queue/domain"
	quotadomain "github.com/aperturehq/aperture/internal/quota/domain"
)

type enqueueRequestBody struct {
	RequestType    string         `json:"request_type"`
	TokensInput    int64          `json:"tokens_input"`
	TokensOutput   int64          `json:"tokens_output"`
	Units          int64          `json:"units"`
	Payload        map[string]any `json:"payload"`
	Priority       string         `json:"priority"`
	IdempotencyKey string         `json:"idempotency_key"`
	CallbackURL    string         `json:"callback_url"`
}

type queueItemResponse struct {
	ID            string         `json:"id"`
	RequestType   string         `json:"request_type"`
	Status        string         `json:"status"`
	Priority      string         `json:"priority"`
	PriorityScore int            `json:"priority_score"`
	RetryCount    int            `json:"retry_count"`
	MaxRetries    int            `json:"max_retries"`
	Payload       map[string]any `json:"payload,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
	ExpiresAt     time.Time      `json:"expires_at"`
}

func toQueueItemResponse(item *queuedomain.QueueItem) queueItemResponse {
	return queueItemResponse{
		ID:            item.ID.String(),
		RequestType:   item.RequestType,
		Status:        string(item.Status),
		Priority:      string(item.Priority),
		PriorityScore: item.PriorityScore,
		RetryCount:    item.RetryCount,
		MaxRetries:    item.MaxRetries,
		Payload:       item.Payload,
		Result:        item.Result,
		FailureReason: item.FailureReason,
		CreatedAt:     item.CreatedAt,
		StartedAt:     item.StartedAt,
		FinishedAt:    item.FinishedAt,
		ExpiresAt:     item.ExpiresAt,
	}
}

func (s *Server) EnqueueRequest(c *gin.Context) {
	authz, ok := callerFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var body enqueueRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	// request_type is optional and defaults to text generation.
	action := quotadomain.ActionType(strings.TrimSpace(body.RequestType))
	if action == "" {
		action = quotadomain.ActionTextGeneration
	}
	if !action.Valid() {
		AbortWithError(c, newValidationError("request_type", "invalid_action_type", "invalid value"))
		return
	}
	c.Set("action_type", string(action))

	result, err := s.queueSvc.Enqueue(c.Request.Context(), authz, queuedomain.EnqueueRequest{
		WorkspaceID:    authz.WorkspaceID,
		RequestType:    action,
		TokensIn:       body.TokensInput,
		TokensOut:      body.TokensOutput,
		Units:          body.Units,
		Payload:        body.Payload,
		Priority:       body.Priority,
		IdempotencyKey: strings.TrimSpace(body.IdempotencyKey),
		CallbackURL:    strings.TrimSpace(body.CallbackURL),
	})
	if err != nil {
		if errors.Is(err, queuedomain.ErrQuotaDenied) && result != nil && result.Decision != nil {
			s.writeQuotaDenial(c, result.Decision)
			return
		}
		AbortWithError(c, err)
		return
	}

	status := http.StatusAccepted
	if result.Idempotent {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"data":       toQueueItemResponse(result.Item),
		"idempotent": result.Idempotent,
	})
}

// writeQuotaDenial renders the structured payment-required refusal: the
// reason plus enough usage/credit context to show remaining headroom and
// an upgrade path.
func (s *Server) writeQuotaDenial(c *gin.Context, decision *quotadomain.Decision) {
	c.JSON(http.StatusPaymentRequired, gin.H{
		"error": gin.H{
			"type":    "quota_exceeded",
			"message": decision.Reason,
		},
		"decision": decision,
	})
}

func (s *Server) GetRequest(c *gin.Context) {
	item, _, err := s.ownedQueueItem(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": toQueueItemResponse(item)})
}

func (s *Server) CancelRequest(c *gin.Context) {
	item, _, err := s.ownedQueueItem(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	cancelled, err := s.queueSvc.Cancel(c.Request.Context(), item.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": toQueueItemResponse(cancelled)})
}

func (s *Server) ReprioritizeRequest(c *gin.Context) {
	item, _, err := s.ownedQueueItem(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var body struct {
		Priority string `json:"priority"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	updated, err := s.queueSvc.Reprioritize(c.Request.Context(), item.ID, queuedomain.NormalizePriority(body.Priority))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": toQueueItemResponse(updated)})
}

// ownedQueueItem loads the path item and checks the caller may touch it.
// Non-owners get not-found, not forbidden, so item ids do not leak.
func (s *Server) ownedQueueItem(c *gin.Context) (*queuedomain.QueueItem, identitydomain.AuthorizationContext, error) {
	authz, ok := callerFromContext(c)
	if !ok {
		return nil, authz, ErrUnauthorized
	}

	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		return nil, authz, queuedomain.ErrNotFound
	}

	item, err := s.queueSvc.Get(c.Request.Context(), id)
	if err != nil {
		return nil, authz, err
	}
	if item.UserID != authz.UserID && !authz.Elevated {
		return nil, authz, queuedomain.ErrNotFound
	}
	return item, authz, nil
}
