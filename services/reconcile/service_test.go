package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wasteless-ledger/pkg/config"
	"wasteless-ledger/pkg/middleware"
	"wasteless-ledger/services/testutil"
	"wasteless-ledger/services/wallet"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

type seqStub struct {
	n int
}

func (s *seqStub) NextTransactionCode(ctx context.Context) (string, error) {
	s.n++
	return fmt.Sprintf("TXN-TEST-%03d", s.n), nil
}

type enqueuerStub struct {
	tasks []*asynq.Task
	err   error
}

func (e *enqueuerStub) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.tasks = append(e.tasks, task)
	return &asynq.TaskInfo{ID: fmt.Sprintf("task-%d", len(e.tasks))}, nil
}

func newTestService(t *testing.T) (*Service, *enqueuerStub) {
	t.Helper()

	db := testutil.NewTestDB(t, &wallet.Wallet{}, &wallet.LedgerEntry{}, &wallet.AdDailyStats{})

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Platform.Timezone = "UTC"

	walletSvc := wallet.NewService(wallet.ServiceParams{
		DB:       db,
		Node:     node,
		Sequence: &seqStub{},
		Config:   cfg,
	})

	enqueuer := &enqueuerStub{}
	svc := &Service{wallet: walletSvc, enqueuer: enqueuer, node: node}
	return svc, enqueuer
}

func TestHandleReconcileTask(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	occurred := time.Date(2026, 3, 6, 18, 30, 0, 0, time.UTC)
	payload := ReconcilePayload{
		BatchID:   "batch-1",
		AccountID: "acct-1",
		Records: []QueuedRecord{
			{LocalID: "r1", Amount: 50, Description: "recycling scan", ActionType: "scan", OccurredAt: occurred},
			// Ad amounts from the upload are never trusted.
			{LocalID: "r2", Amount: 999, Description: "sponsor ad", ActionType: "ad_watch", OccurredAt: occurred},
			// Policy rejection: zero amount on a generic record is skipped.
			{LocalID: "r3", Description: "empty record", OccurredAt: occurred},
		},
	}

	task, err := NewReconcileTask(payload)
	require.NoError(t, err)

	require.NoError(t, svc.HandleReconcileTask(ctx, task))

	w, err := svc.wallet.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, int64(60), w.Credits)

	entries, _, err := svc.wallet.ListTransactions(ctx, "acct-1", 0, "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		require.Equal(t, string(wallet.SourceSystem), e.Source)
		require.Equal(t, "batch-1", mustMeta(t, e)["reconcile_batch"])
	}
}

func TestHandleReconcileTaskRerunIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	payload := ReconcilePayload{
		BatchID:   "batch-1",
		AccountID: "acct-1",
		Records: []QueuedRecord{
			{LocalID: "r1", Amount: 50, Description: "recycling scan", ActionType: "scan", OccurredAt: time.Now()},
		},
	}

	task, err := NewReconcileTask(payload)
	require.NoError(t, err)

	require.NoError(t, svc.HandleReconcileTask(ctx, task))
	require.NoError(t, svc.HandleReconcileTask(ctx, task))

	w, err := svc.wallet.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, int64(50), w.Credits)

	entries, _, err := svc.wallet.ListTransactions(ctx, "acct-1", 0, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestHandleReconcileTaskBadPayload(t *testing.T) {
	svc, _ := newTestService(t)

	task := asynq.NewTask(TypeWalletReconcile, []byte("{not json"))
	require.Error(t, svc.HandleReconcileTask(context.Background(), task))
}

func newTestRouter(svc *Service) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Error())
	r.POST("/v1/wallets/:account_id/reconcile", svc.handleReconcile)
	return r
}

func TestHandleReconcileEnqueuesBatch(t *testing.T) {
	svc, enqueuer := newTestService(t)
	router := newTestRouter(svc)

	body, err := json.Marshal(reconcileRequest{
		Records: []QueuedRecord{
			{LocalID: "r1", Amount: 50, Description: "recycling scan", ActionType: "scan", OccurredAt: time.Now()},
		},
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/wallets/acct-1/reconcile", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, enqueuer.tasks, 1)
	require.Equal(t, TypeWalletReconcile, enqueuer.tasks[0].Type())

	var queued ReconcilePayload
	require.NoError(t, json.Unmarshal(enqueuer.tasks[0].Payload(), &queued))
	require.Equal(t, "acct-1", queued.AccountID)
	require.NotEmpty(t, queued.BatchID)
	require.Len(t, queued.Records, 1)
}

func TestHandleReconcileRejectsEmptyBatch(t *testing.T) {
	svc, enqueuer := newTestService(t)
	router := newTestRouter(svc)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/wallets/acct-1/reconcile", bytes.NewReader([]byte(`{"records":[]}`)))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, enqueuer.tasks)
}

func mustMeta(t *testing.T, e *wallet.LedgerEntry) map[string]string {
	t.Helper()

	meta := make(map[string]string)
	require.NoError(t, json.Unmarshal(e.Metadata, &meta))
	return meta
}
