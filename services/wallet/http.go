package wallet

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"wasteless-ledger/pkg/errutil"
	"wasteless-ledger/pkg/period"

	"github.com/gin-gonic/gin"
)

type awardRequest struct {
	Amount         int64             `json:"amount"`
	Description    string            `json:"description"`
	ActivityID     string            `json:"activity_id,omitempty"`
	ActivityPeriod string            `json:"activity_period,omitempty"`
	ImpactChange   float64           `json:"impact_change,omitempty"`
	Source         string            `json:"source"`
	IdempotencyKey string            `json:"idempotency_key"`
	ActionType     string            `json:"action_type,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type redeemRequest struct {
	Amount         int64             `json:"amount"`
	Description    string            `json:"description"`
	Source         string            `json:"source,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type walletResponse struct {
	AccountID           string   `json:"account_id"`
	Credits             int64    `json:"credits"`
	Impact              float64  `json:"impact"`
	CompletedActivities []string `json:"completed_activities"`
	UpdatedAt           string   `json:"updated_at,omitempty"`
}

type transactionResponse struct {
	ID              string            `json:"id"`
	Amount          int64             `json:"amount"`
	Type            string            `json:"type"`
	Description     string            `json:"description"`
	ActivityID      string            `json:"activity_id,omitempty"`
	ImpactChange    float64           `json:"impact_change,omitempty"`
	Source          string            `json:"source"`
	ActionType      string            `json:"action_type"`
	TransactionCode string            `json:"transaction_code"`
	CreatedAt       string            `json:"created_at"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

type mutationResponse struct {
	OK          bool                 `json:"ok"`
	Duplicate   bool                 `json:"duplicate"`
	Reason      string               `json:"reason,omitempty"`
	Wallet      *walletResponse      `json:"wallet"`
	Transaction *transactionResponse `json:"transaction,omitempty"`
}

func toWalletResponse(w *Wallet) *walletResponse {
	resp := &walletResponse{
		AccountID: w.AccountID,
		Credits:   w.Credits,
		Impact:    w.Impact,
	}

	set := w.CompletedSet()
	resp.CompletedActivities = make([]string, 0, len(set))
	for id := range set {
		resp.CompletedActivities = append(resp.CompletedActivities, id)
	}

	if !w.UpdatedAt.IsZero() {
		resp.UpdatedAt = w.UpdatedAt.UTC().Format(time.RFC3339)
	}

	return resp
}

func toTransactionResponse(e *LedgerEntry) *transactionResponse {
	if e == nil {
		return nil
	}

	resp := &transactionResponse{
		ID:              e.ID,
		Amount:          e.Amount,
		Type:            e.Type,
		Description:     e.Description,
		ActivityID:      e.ActivityID,
		ImpactChange:    e.ImpactChange,
		Source:          e.Source,
		ActionType:      e.ActionType,
		TransactionCode: e.TransactionCode,
		CreatedAt:       e.CreatedAt.UTC().Format(time.RFC3339),
	}

	if len(e.Metadata) > 0 {
		meta := make(map[string]string)
		if err := json.Unmarshal(e.Metadata, &meta); err == nil {
			resp.Metadata = meta
		}
	}

	return resp
}

func toMutationResponse(r *MutationResult) *mutationResponse {
	return &mutationResponse{
		OK:          true,
		Duplicate:   r.Duplicate,
		Reason:      r.Reason,
		Wallet:      toWalletResponse(r.Wallet),
		Transaction: toTransactionResponse(r.Entry),
	}
}

func (s *Service) handleAward(c *gin.Context) {
	var req awardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest(ReasonInvalidArgument, errutil.WithErr(err)))
		return
	}

	result, err := s.Award(c.Request.Context(), AwardParams{
		AccountID:      c.Param("account_id"),
		Amount:         req.Amount,
		Description:    req.Description,
		ActivityID:     req.ActivityID,
		ActivityPeriod: period.Period(req.ActivityPeriod),
		ImpactChange:   req.ImpactChange,
		Source:         Source(req.Source),
		IdempotencyKey: req.IdempotencyKey,
		ActionType:     ActionType(req.ActionType),
		Metadata:       req.Metadata,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, toMutationResponse(result))
}

func (s *Service) handleRedeem(c *gin.Context) {
	var req redeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest(ReasonInvalidArgument, errutil.WithErr(err)))
		return
	}

	result, err := s.Redeem(c.Request.Context(), RedeemParams{
		AccountID:      c.Param("account_id"),
		Amount:         req.Amount,
		Description:    req.Description,
		Source:         Source(req.Source),
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, toMutationResponse(result))
}

func (s *Service) handleGetBalance(c *gin.Context) {
	w, err := s.GetBalance(c.Request.Context(), c.Param("account_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, toWalletResponse(w))
}

func (s *Service) handleListTransactions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	entries, pageInfo, err := s.ListTransactions(c.Request.Context(), c.Param("account_id"), limit, c.Query("cursor"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	data := make([]*transactionResponse, 0, len(entries))
	for _, e := range entries {
		data = append(data, toTransactionResponse(e))
	}

	c.JSON(http.StatusOK, gin.H{"data": data, "page_info": pageInfo})
}

func (s *Service) handleVerifyChain(c *gin.Context) {
	valid, err := s.VerifyChain(c.Request.Context(), c.Param("account_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"valid": valid})
}
