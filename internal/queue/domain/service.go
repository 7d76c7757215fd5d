package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/aperturehq/aperture/internal/identity"
	ledgerdomain "github.com/aperturehq/aperture/internal/ledger/domain"
	quotadomain "github.com/aperturehq/aperture/internal/quota/domain"
)

type EnqueueRequest struct {
	WorkspaceID snowflake.ID
	RequestType quotadomain.ActionType

	TokensIn  int64
	TokensOut int64
	Units     int64

	Payload        map[string]any
	Priority       string
	IdempotencyKey string
	CallbackURL    string
}

type EnqueueResult struct {
	Item       *QueueItem
	Idempotent bool
	// Decision carries the evaluator verdict; set on denial so the
	// transport can build the structured refusal payload.
	Decision *quotadomain.Decision
}

type Service interface {
	// Enqueue runs the admission pipeline: workspace access, fail-closed
	// quota reservation, idempotency replay, then insert.
	Enqueue(ctx context.Context, authz identity.AuthorizationContext, req EnqueueRequest) (*EnqueueResult, error)

	Get(ctx context.Context, id snowflake.ID) (*QueueItem, error)

	// Dequeue atomically claims the highest-priority pending item, FIFO
	// within equal priority. Returns nil when the queue is empty.
	Dequeue(ctx context.Context, workerID string) (*QueueItem, error)

	Complete(ctx context.Context, id snowflake.ID, result map[string]any, actuals ledgerdomain.Amounts) (*QueueItem, error)
	Fail(ctx context.Context, id snowflake.ID, reason string) (*QueueItem, error)
	Retry(ctx context.Context, id snowflake.ID) (*QueueItem, error)
	Cancel(ctx context.Context, id snowflake.ID) (*QueueItem, error)
	Reprioritize(ctx context.Context, id snowflake.ID, priority Priority) (*QueueItem, error)

	// SweepExpired expires pending items past their deadline, clears
	// their idempotency keys and releases their reservations.
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}

var (
	ErrQuotaDenied = errors.New("request denied by quota policy")
	// ErrQuotaServiceUnavailable is the fail-closed refusal: the
	// evaluator could not run, so nothing is admitted.
	ErrQuotaServiceUnavailable = errors.New("quota service unavailable")

	ErrNotFound          = errors.New("queue_item_not_found")
	ErrInvalidRequest    = errors.New("invalid_queue_request")
	ErrInvalidTransition = errors.New("invalid queue item state transition")
	ErrRetriesExhausted  = errors.New("retry budget exhausted")
)
