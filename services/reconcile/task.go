package reconcile

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const TypeWalletReconcile = "wallet:reconcile"

// QueuedRecord is one credit event a client accumulated before it had an
// authenticated identity. LocalID is the client-generated id of the record
// and derives the per-record idempotency key, so replaying the same batch
// never double-applies a record.
type QueuedRecord struct {
	LocalID      string    `json:"local_id"`
	Amount       int64     `json:"amount"`
	Description  string    `json:"description"`
	ActionType   string    `json:"action_type"`
	ActivityID   string    `json:"activity_id,omitempty"`
	ImpactChange float64   `json:"impact_change,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

type ReconcilePayload struct {
	BatchID   string         `json:"batch_id"`
	AccountID string         `json:"account_id"`
	Records   []QueuedRecord `json:"records"`
}

func NewReconcileTask(p ReconcilePayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}

	return asynq.NewTask(TypeWalletReconcile, payload,
		asynq.Queue("low"),
		asynq.MaxRetry(5),
	), nil
}
