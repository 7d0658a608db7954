package wallet

import (
	"context"
	"encoding/json"
	"time"

	"wasteless-ledger/pkg/config"
	"wasteless-ledger/pkg/db/option"
	"wasteless-ledger/pkg/db/pagination"
	"wasteless-ledger/pkg/errutil"
	"wasteless-ledger/pkg/period"
	"wasteless-ledger/pkg/repository"
	"wasteless-ledger/pkg/sequence"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 250
)

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	sequence sequence.Generator
	loc      *time.Location
	now      func() time.Time

	wallets repository.Repository[Wallet]
	ledger  repository.Repository[LedgerEntry]
	adStats repository.Repository[AdDailyStats]
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Sequence sequence.Generator
	Config   *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		sequence: p.Sequence,
		loc:      p.Config.ReferenceLocation(),
		now:      time.Now,

		wallets: repository.ProvideStore[Wallet](p.DB),
		ledger:  repository.ProvideStore[LedgerEntry](p.DB),
		adStats: repository.ProvideStore[AdDailyStats](p.DB),
	}
}

// AwardParams carries one credit mutation request. IdempotencyKey is
// mandatory: retries with the same key have at most one effect.
type AwardParams struct {
	AccountID      string
	Amount         int64
	Description    string
	ActivityID     string
	ActivityPeriod period.Period
	ImpactChange   float64
	Source         Source
	IdempotencyKey string
	ActionType     ActionType
	Metadata       map[string]string
}

type RedeemParams struct {
	AccountID      string
	Amount         int64
	Description    string
	Source         Source
	IdempotencyKey string
	Metadata       map[string]string
}

// MutationResult is the outcome of an award or redeem. Duplicate outcomes
// are successful no-ops carrying the original wallet snapshot.
type MutationResult struct {
	Duplicate bool
	Reason    string
	Wallet    *Wallet
	Entry     *LedgerEntry
}

func traceFields(ctx context.Context) []zap.Field {
	span := trace.SpanFromContext(ctx)
	return []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	}
}

// Award credits an account. For ad-watch actions the amount is computed by
// the daily limiter and the caller-supplied amount is ignored. The ledger
// entry, wallet update and limiter update commit together or not at all.
func (s *Service) Award(ctx context.Context, p AwardParams) (*MutationResult, error) {
	opts := traceFields(ctx)

	if err := s.validateAward(&p); err != nil {
		return nil, err
	}

	now := s.now().In(s.loc)
	activityID := p.ActivityID
	if activityID != "" {
		activityID = period.Compose(p.ActivityID, p.ActivityPeriod, now)
	}

	entryID := EntryID(p.AccountID, p.IdempotencyKey)

	// Cheap replay short-circuit before any work. The in-transaction
	// re-check below closes the race this pre-check leaves open.
	if existing, err := s.ledger.FindOne(ctx, &LedgerEntry{ID: entryID}); err != nil {
		zap.L().With(opts...).Error("failed to query ledger entry", zap.Error(err))
		return nil, err
	} else if existing != nil {
		return s.duplicateResult(ctx, p.AccountID, existing, ReasonDuplicateRequest)
	}

	code, err := s.sequence.NextTransactionCode(ctx)
	if err != nil {
		zap.L().With(opts...).Error("failed to generate transaction code", zap.Error(err))
		return nil, err
	}

	var result *MutationResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tx = tx.Scopes(option.LockingUpdate)

		w, err := s.lockWallet(ctx, tx, p.AccountID, now)
		if err != nil {
			return err
		}

		// Replay re-check under the wallet row lock: same-account
		// writers are serialized here, so at most one request per
		// (account, key) ever reaches the create below.
		if existing, err := s.ledger.WithTrx(tx).FindOne(ctx, &LedgerEntry{ID: entryID}); err != nil {
			return err
		} else if existing != nil {
			result = &MutationResult{Duplicate: true, Reason: ReasonDuplicateRequest, Wallet: w, Entry: existing}
			return nil
		}

		if activityID != "" && w.HasCompleted(activityID) {
			result = &MutationResult{Duplicate: true, Reason: ReasonActivityCompleted, Wallet: w}
			return nil
		}

		amount := p.Amount
		if p.ActionType == ActionAdWatch {
			amount, err = s.grantAdReward(ctx, tx, p.AccountID, now)
			if err != nil {
				return err
			}
		}

		if amount == 0 {
			return errutil.BadRequest(ReasonInvalidArgument, errutil.WithDetails(errutil.Detail{
				Field: "amount", Message: "must be non-zero",
			}))
		}

		if w.Credits+amount < 0 {
			return errutil.UnprocessableEntity(ReasonInsufficientBalance)
		}

		entry, err := s.appendEntry(ctx, tx, w, entryParams{
			ID:             entryID,
			Amount:         amount,
			Description:    p.Description,
			ActivityID:     activityID,
			ImpactChange:   p.ImpactChange,
			Source:         p.Source,
			ActionType:     p.ActionType,
			Code:           code,
			IdempotencyKey: p.IdempotencyKey,
			Metadata:       p.Metadata,
		}, now)
		if err != nil {
			return err
		}

		result = &MutationResult{Wallet: w, Entry: entry}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Duplicate {
		zap.L().With(opts...).Info("duplicate mutation replayed",
			zap.String("account_id", p.AccountID),
			zap.String("reason", result.Reason),
		)
	}

	return result, nil
}

// Redeem debits an account. Amount must be negative; the resulting balance
// may never go below zero.
func (s *Service) Redeem(ctx context.Context, p RedeemParams) (*MutationResult, error) {
	if p.Amount >= 0 {
		return nil, errutil.BadRequest(ReasonInvalidArgument, errutil.WithDetails(errutil.Detail{
			Field: "amount", Message: "must be negative",
		}))
	}

	source := p.Source
	if source == "" {
		source = SourceClient
	}

	return s.Award(ctx, AwardParams{
		AccountID:      p.AccountID,
		Amount:         p.Amount,
		Description:    p.Description,
		Source:         source,
		IdempotencyKey: p.IdempotencyKey,
		ActionType:     ActionRedeem,
		Metadata:       p.Metadata,
	})
}

func (s *Service) validateAward(p *AwardParams) error {
	details := make([]errutil.Detail, 0)

	if p.AccountID == "" {
		details = append(details, errutil.Detail{Field: "account_id", Message: "required"})
	}
	if p.Description == "" {
		details = append(details, errutil.Detail{Field: "description", Message: "required"})
	}
	if p.IdempotencyKey == "" {
		details = append(details, errutil.Detail{Field: "idempotency_key", Message: "required"})
	}
	if !p.Source.Valid() {
		details = append(details, errutil.Detail{Field: "source", Message: "unrecognized source"})
	}

	if p.ActionType == "" {
		p.ActionType = ActionGeneric
	}
	if !p.ActionType.Valid() {
		details = append(details, errutil.Detail{Field: "action_type", Message: "unrecognized action type"})
	}

	if p.ActionType != ActionAdWatch && p.Amount == 0 {
		details = append(details, errutil.Detail{Field: "amount", Message: "must be non-zero"})
	}

	if len(details) > 0 {
		return errutil.BadRequest(ReasonInvalidArgument, errutil.WithDetails(details...))
	}

	return nil
}

// lockWallet loads the account wallet under a row lock, creating it lazily
// on first mutation. The lock serializes same-account mutations.
func (s *Service) lockWallet(ctx context.Context, tx *gorm.DB, accountID string, now time.Time) (*Wallet, error) {
	walletTx := s.wallets.WithTrx(tx)

	w, err := walletTx.FindOne(ctx, &Wallet{AccountID: accountID}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}

	if w == nil {
		w = &Wallet{
			ID:                  s.node.Generate().String(),
			AccountID:           accountID,
			CompletedActivities: datatypes.JSON([]byte("[]")),
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if err := walletTx.Create(ctx, w); err != nil {
			return nil, err
		}
	}

	return w, nil
}

// grantAdReward runs the limiter state machine for one ad inside the
// caller's transaction and returns the computed reward.
func (s *Service) grantAdReward(ctx context.Context, tx *gorm.DB, accountID string, now time.Time) (int64, error) {
	statsTx := s.adStats.WithTrx(tx)
	day := now.Format("2006-01-02")

	stats, err := statsTx.FindOne(ctx, &AdDailyStats{AccountID: accountID, Date: day}, option.WithLockingUpdate())
	if err != nil {
		return 0, err
	}

	created := false
	if stats == nil {
		// First ad request of the day: fresh counters. Prior days keep
		// their own rows, which is the whole rollover story.
		stats = &AdDailyStats{
			ID:        s.node.Generate().String(),
			AccountID: accountID,
			Date:      day,
			CreatedAt: now,
		}
		created = true
	}

	reward, err := nextAdReward(stats, now)
	if err != nil {
		return 0, err
	}

	applyAdReward(stats, reward, now)
	stats.UpdatedAt = now

	if created {
		if err := statsTx.Create(ctx, stats); err != nil {
			return 0, err
		}
	} else {
		updates := map[string]any{
			"total_ads_watched":     stats.TotalAdsWatched,
			"current_session_ads":   stats.CurrentSessionAds,
			"sessions_completed":    stats.SessionsCompleted,
			"last_session_end_time": stats.LastSessionEndTime,
			"points_earned":         stats.PointsEarned,
			"updated_at":            now,
		}
		if err := statsTx.Update(ctx, stats.ID, updates); err != nil {
			return 0, err
		}
	}

	return int64(reward), nil
}

type entryParams struct {
	ID             string
	Amount         int64
	Description    string
	ActivityID     string
	ImpactChange   float64
	Source         Source
	ActionType     ActionType
	Code           string
	IdempotencyKey string
	Metadata       map[string]string
}

// appendEntry writes the immutable ledger row and folds its effects into the
// wallet, chaining the entry hash onto the account's previous entry.
func (s *Service) appendEntry(ctx context.Context, tx *gorm.DB, w *Wallet, p entryParams, now time.Time) (*LedgerEntry, error) {
	ledgerTx := s.ledger.WithTrx(tx)
	walletTx := s.wallets.WithTrx(tx)

	last, err := ledgerTx.FindOne(ctx, &LedgerEntry{AccountID: w.AccountID}, option.WithSortBy(option.QuerySortBy{
		SortBy:  "created_at",
		OrderBy: "desc",
		Allow:   map[string]bool{"created_at": true},
	}), option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}

	var metaBytes []byte
	if len(p.Metadata) > 0 {
		metaBytes, _ = json.Marshal(p.Metadata)
	}

	entry := &LedgerEntry{
		ID:              p.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
		AccountID:       w.AccountID,
		Amount:          p.Amount,
		Type:            EntryType(p.Amount),
		Description:     p.Description,
		ActivityID:      p.ActivityID,
		ImpactChange:    p.ImpactChange,
		Source:          string(p.Source),
		ActionType:      string(p.ActionType),
		TransactionCode: p.Code,
		IdempotencyKey:  p.IdempotencyKey,
		Metadata:        datatypes.JSON(metaBytes),
	}

	if last != nil {
		entry.PreviousHash = last.Hash
	}
	entry.Hash = entry.GenerateHash()

	if err := ledgerTx.Create(ctx, entry); err != nil {
		return nil, err
	}

	w.Credits += p.Amount
	w.Impact += p.ImpactChange
	w.UpdatedAt = now
	if p.ActivityID != "" {
		if err := w.addCompleted(p.ActivityID); err != nil {
			return nil, err
		}
	}

	updates := map[string]any{
		"credits":              w.Credits,
		"impact":               w.Impact,
		"completed_activities": w.CompletedActivities,
		"updated_at":           now,
	}
	if err := walletTx.Update(ctx, w.ID, updates); err != nil {
		return nil, err
	}

	return entry, nil
}

// duplicateResult assembles the replay response for an already-committed
// entry: the current wallet snapshot plus the original transaction.
func (s *Service) duplicateResult(ctx context.Context, accountID string, entry *LedgerEntry, reason string) (*MutationResult, error) {
	w, err := s.GetBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}

	return &MutationResult{Duplicate: true, Reason: reason, Wallet: w, Entry: entry}, nil
}

// GetBalance returns the wallet snapshot for an account. Accounts that never
// earned anything read as an empty wallet; no row is created.
func (s *Service) GetBalance(ctx context.Context, accountID string) (*Wallet, error) {
	if accountID == "" {
		return nil, errutil.BadRequest(ReasonInvalidArgument, errutil.WithDetails(errutil.Detail{
			Field: "account_id", Message: "required",
		}))
	}

	w, err := s.wallets.FindOne(ctx, &Wallet{AccountID: accountID})
	if err != nil {
		zap.L().With(traceFields(ctx)...).Error("failed to query wallet", zap.Error(err))
		return nil, err
	}

	if w == nil {
		return &Wallet{
			AccountID:           accountID,
			CompletedActivities: datatypes.JSON([]byte("[]")),
		}, nil
	}

	return w, nil
}

// ListTransactions returns the account's ledger entries, newest first. The
// returned cursor resumes the listing where the previous page stopped.
func (s *Service) ListTransactions(ctx context.Context, accountID string, limit int, cursor string) ([]*LedgerEntry, *pagination.PageInfo, error) {
	if accountID == "" {
		return nil, nil, errutil.BadRequest(ReasonInvalidArgument, errutil.WithDetails(errutil.Detail{
			Field: "account_id", Message: "required",
		}))
	}

	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	opts := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "desc",
			Allow:   map[string]bool{"created_at": true},
		}),
		option.WithLimit(limit + 1),
	}

	if cursor != "" {
		decoded, err := pagination.DecodeCursor(cursor)
		if err != nil {
			return nil, nil, errutil.BadRequest(ReasonInvalidArgument, errutil.WithDetails(errutil.Detail{
				Field: "cursor", Message: "malformed cursor",
			}))
		}

		before, err := time.Parse(time.RFC3339Nano, decoded.CreatedAt)
		if err != nil {
			return nil, nil, errutil.BadRequest(ReasonInvalidArgument, errutil.WithDetails(errutil.Detail{
				Field: "cursor", Message: "malformed cursor",
			}))
		}

		opts = append(opts, option.ApplyOperator(option.Condition{
			Field:    "created_at",
			Operator: option.LT,
			Value:    before,
		}))
	}

	entries, err := s.ledger.Find(ctx, &LedgerEntry{AccountID: accountID}, opts...)
	if err != nil {
		zap.L().With(traceFields(ctx)...).Error("failed to query ledger entries", zap.Error(err))
		return nil, nil, err
	}

	return pagination.Trim(entries, limit, func(e *LedgerEntry) pagination.Cursor {
		return pagination.Cursor{
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
			ID:        e.ID,
		}
	})
}

// VerifyChain walks the account's entries oldest first and checks every
// stored hash against its recomputed value and predecessor.
func (s *Service) VerifyChain(ctx context.Context, accountID string) (bool, error) {
	entries, err := s.ledger.Find(ctx, &LedgerEntry{AccountID: accountID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "asc",
			Allow:   map[string]bool{"created_at": true},
		}),
	)
	if err != nil {
		zap.L().With(traceFields(ctx)...).Error("failed to query ledger entries", zap.Error(err))
		return false, err
	}

	var lastHash string
	for _, entry := range entries {
		if entry.Hash != entry.GenerateHash() || entry.PreviousHash != lastHash {
			return false, nil
		}
		lastHash = entry.Hash
	}

	return true, nil
}
