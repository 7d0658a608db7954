package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"wasteless-ledger/pkg/errutil"
	"wasteless-ledger/pkg/task"
	"wasteless-ledger/services/wallet"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Service migrates a client's pre-authentication local history into the
// authoritative ledger. Every record goes through the Transaction
// Coordinator like any other request: ad-watch amounts are re-priced by the
// limiter and never trusted from the upload.
type Service struct {
	wallet   *wallet.Service
	enqueuer task.Enqueuer
	node     *snowflake.Node
}

type ServiceParams struct {
	fx.In
	Wallet   *wallet.Service
	Enqueuer task.Enqueuer
	Node     *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		wallet:   p.Wallet,
		enqueuer: p.Enqueuer,
		node:     p.Node,
	}
}

type reconcileRequest struct {
	Records []QueuedRecord `json:"records"`
}

func (s *Service) handleReconcile(c *gin.Context) {
	accountID := c.Param("account_id")

	var req reconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest(wallet.ReasonInvalidArgument, errutil.WithErr(err)))
		return
	}

	if len(req.Records) == 0 {
		_ = c.Error(errutil.BadRequest(wallet.ReasonInvalidArgument, errutil.WithDetails(errutil.Detail{
			Field: "records", Message: "required",
		})))
		return
	}

	for i, r := range req.Records {
		if r.LocalID == "" {
			_ = c.Error(errutil.BadRequest(wallet.ReasonInvalidArgument, errutil.WithDetails(errutil.Detail{
				Field: fmt.Sprintf("records[%d].local_id", i), Message: "required",
			})))
			return
		}
	}

	payload := ReconcilePayload{
		BatchID:   s.node.Generate().String(),
		AccountID: accountID,
		Records:   req.Records,
	}

	t, err := NewReconcileTask(payload)
	if err != nil {
		_ = c.Error(err)
		return
	}

	if _, err := s.enqueuer.Enqueue(c.Request.Context(), t); err != nil {
		zap.L().Error("failed to enqueue reconcile batch",
			zap.String("account_id", accountID),
			zap.String("batch_id", payload.BatchID),
			zap.Error(err),
		)
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"batch_id": payload.BatchID,
		"records":  len(payload.Records),
	})
}

// HandleReconcileTask replays one uploaded batch through the coordinator.
// Policy rejections (caps, cooldown, malformed records) are deterministic,
// so they are logged and skipped; anything else fails the task and asynq
// retries it, which idempotency keys make safe.
func (s *Service) HandleReconcileTask(ctx context.Context, t *asynq.Task) error {
	var payload ReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal reconcile payload: %w", err)
	}

	log := zap.L().With(
		zap.String("account_id", payload.AccountID),
		zap.String("batch_id", payload.BatchID),
	)

	applied, skipped := 0, 0
	for _, record := range payload.Records {
		result, err := s.wallet.Award(ctx, wallet.AwardParams{
			AccountID:      payload.AccountID,
			Amount:         record.Amount,
			Description:    record.Description,
			ActivityID:     record.ActivityID,
			ImpactChange:   record.ImpactChange,
			Source:         wallet.SourceSystem,
			IdempotencyKey: "offline:" + record.LocalID,
			ActionType:     wallet.ActionType(record.ActionType),
			Metadata: map[string]string{
				"reconcile_batch": payload.BatchID,
				"occurred_at":     record.OccurredAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
			},
		})

		var be errutil.BaseError
		switch {
		case err == nil:
			if result.Duplicate {
				skipped++
			} else {
				applied++
			}
		case errors.As(err, &be):
			log.Warn("reconcile record rejected",
				zap.String("local_id", record.LocalID),
				zap.String("code", string(be.Status())),
			)
			skipped++
		default:
			return fmt.Errorf("reconcile record %s: %w", record.LocalID, err)
		}
	}

	log.Info("reconcile batch processed",
		zap.Int("applied", applied),
		zap.Int("skipped", skipped),
	)

	return nil
}
