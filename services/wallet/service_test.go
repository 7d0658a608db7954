package wallet

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wasteless-ledger/pkg/errutil"
	"wasteless-ledger/pkg/period"
	"wasteless-ledger/pkg/repository"
	"wasteless-ledger/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type seqStub struct {
	n atomic.Int64
}

func (s *seqStub) NextTransactionCode(ctx context.Context) (string, error) {
	return fmt.Sprintf("TXN-TEST-%03d", s.n.Add(1)), nil
}

type testClock struct {
	now time.Time
}

func (c *testClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestService(t *testing.T) (*Service, *testClock) {
	t.Helper()

	db := testutil.NewTestDB(t, &Wallet{}, &LedgerEntry{}, &AdDailyStats{})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clock := &testClock{now: time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)}

	svc := &Service{
		db:       db,
		node:     node,
		sequence: &seqStub{},
		loc:      time.UTC,
		now:      func() time.Time { return clock.now },

		wallets: repository.ProvideStore[Wallet](db),
		ledger:  repository.ProvideStore[LedgerEntry](db),
		adStats: repository.ProvideStore[AdDailyStats](db),
	}

	return svc, clock
}

func award(t *testing.T, svc *Service, clock *testClock, p AwardParams) *MutationResult {
	t.Helper()

	result, err := svc.Award(context.Background(), p)
	require.NoError(t, err)
	clock.advance(time.Second)
	return result
}

func TestAwardCreatesWalletAndEntry(t *testing.T) {
	svc, clock := newTestService(t)

	result := award(t, svc, clock, AwardParams{
		AccountID:      "acct-1",
		Amount:         500,
		Description:    "welcome bonus",
		ImpactChange:   1.5,
		Source:         SourceAdmin,
		IdempotencyKey: "k1",
	})

	require.False(t, result.Duplicate)
	require.Equal(t, int64(500), result.Wallet.Credits)
	require.Equal(t, 1.5, result.Wallet.Impact)
	require.Equal(t, EntryTypeEarn, result.Entry.Type)
	require.Equal(t, "TXN-TEST-001", result.Entry.TransactionCode)
}

func TestAwardReplayIsNoOp(t *testing.T) {
	svc, clock := newTestService(t)

	p := AwardParams{
		AccountID:      "acct-1",
		Amount:         500,
		Description:    "welcome bonus",
		Source:         SourceAdmin,
		IdempotencyKey: "k1",
	}

	first := award(t, svc, clock, p)
	require.False(t, first.Duplicate)

	second := award(t, svc, clock, p)
	require.True(t, second.Duplicate)
	require.Equal(t, ReasonDuplicateRequest, second.Reason)
	require.Equal(t, int64(500), second.Wallet.Credits)
	require.Equal(t, first.Entry.ID, second.Entry.ID)

	count, err := svc.ledger.Count(context.Background(), &LedgerEntry{AccountID: "acct-1"})
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestRedeemInsufficientBalanceLeavesNoState(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Redeem(context.Background(), RedeemParams{
		AccountID:      "acct-1",
		Amount:         -500,
		Description:    "reusable bottle",
		IdempotencyKey: "k1",
	})
	requireReason(t, err, errutil.StatusUnprocessableEntity, ReasonInsufficientBalance)

	// The lazily-created wallet row must roll back with the rest.
	count, err := svc.wallets.Count(context.Background(), &Wallet{AccountID: "acct-1"})
	require.NoError(t, err)
	require.Equal(t, int64(0), count)

	count, err = svc.ledger.Count(context.Background(), &LedgerEntry{AccountID: "acct-1"})
	require.NoError(t, err)
	require.Equal(t, int64(0), count)
}

func TestRedeemRejectsNonNegativeAmount(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Redeem(context.Background(), RedeemParams{
		AccountID:      "acct-1",
		Amount:         100,
		Description:    "reusable bottle",
		IdempotencyKey: "k1",
	})
	requireReason(t, err, errutil.StatusBadRequest, ReasonInvalidArgument)
}

func TestAwardValidation(t *testing.T) {
	svc, _ := newTestService(t)

	cases := []struct {
		name string
		p    AwardParams
	}{
		{"missing account", AwardParams{Amount: 10, Description: "d", Source: SourceClient, IdempotencyKey: "k"}},
		{"missing description", AwardParams{AccountID: "a", Amount: 10, Source: SourceClient, IdempotencyKey: "k"}},
		{"missing idempotency key", AwardParams{AccountID: "a", Amount: 10, Description: "d", Source: SourceClient}},
		{"bad source", AwardParams{AccountID: "a", Amount: 10, Description: "d", Source: "webhook", IdempotencyKey: "k"}},
		{"bad action type", AwardParams{AccountID: "a", Amount: 10, Description: "d", Source: SourceClient, IdempotencyKey: "k", ActionType: "bonus"}},
		{"zero amount", AwardParams{AccountID: "a", Description: "d", Source: SourceClient, IdempotencyKey: "k"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Award(context.Background(), tc.p)
			requireReason(t, err, errutil.StatusBadRequest, ReasonInvalidArgument)
		})
	}
}

func TestEndToEndScenario(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()

	_, err := svc.Redeem(ctx, RedeemParams{
		AccountID: "acct-1", Amount: -500, Description: "tote bag", IdempotencyKey: "k0",
	})
	requireReason(t, err, errutil.StatusUnprocessableEntity, ReasonInsufficientBalance)

	result := award(t, svc, clock, AwardParams{
		AccountID: "acct-1", Amount: 500, Description: "cleanup event", Source: SourceAdmin, IdempotencyKey: "k1",
	})
	require.Equal(t, int64(500), result.Wallet.Credits)

	replay := award(t, svc, clock, AwardParams{
		AccountID: "acct-1", Amount: 500, Description: "cleanup event", Source: SourceAdmin, IdempotencyKey: "k1",
	})
	require.True(t, replay.Duplicate)
	require.Equal(t, int64(500), replay.Wallet.Credits)

	redeemed, err := svc.Redeem(ctx, RedeemParams{
		AccountID: "acct-1", Amount: -500, Description: "tote bag", IdempotencyKey: "k2",
	})
	require.NoError(t, err)
	require.Equal(t, int64(0), redeemed.Wallet.Credits)
	require.Equal(t, EntryTypeRedeem, redeemed.Entry.Type)
}

func TestAdSessionFlow(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()

	expected := []int64{10, 9, 8, 7, 6, 5, 4, 3, 2, 1}
	for i, want := range expected {
		result := award(t, svc, clock, AwardParams{
			AccountID:      "acct-1",
			Amount:         999, // ignored for ad_watch
			Description:    "sponsor ad",
			Source:         SourceClient,
			IdempotencyKey: fmt.Sprintf("ad-%d", i+1),
			ActionType:     ActionAdWatch,
		})
		require.Equal(t, want, result.Entry.Amount)
	}

	stats, err := svc.adStats.FindOne(ctx, &AdDailyStats{AccountID: "acct-1", Date: "2026-01-15"})
	require.NoError(t, err)
	require.NotNil(t, stats)
	require.Equal(t, 10, stats.TotalAdsWatched)
	require.Equal(t, 55, stats.PointsEarned)
	require.Equal(t, 0, stats.CurrentSessionAds)
	require.Equal(t, 1, stats.SessionsCompleted)

	w, err := svc.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, int64(55), w.Credits)

	// 11th ad right after the session ends waits out the cooldown.
	_, err = svc.Award(ctx, AwardParams{
		AccountID:      "acct-1",
		Description:    "sponsor ad",
		Source:         SourceClient,
		IdempotencyKey: "ad-11",
		ActionType:     ActionAdWatch,
	})
	requireReason(t, err, errutil.StatusTooManyRequests, ReasonSessionCooldown)

	clock.advance(AdSessionCooldown)

	result := award(t, svc, clock, AwardParams{
		AccountID:      "acct-1",
		Description:    "sponsor ad",
		Source:         SourceClient,
		IdempotencyKey: "ad-11",
		ActionType:     ActionAdWatch,
	})
	require.Equal(t, int64(1), result.Entry.Amount)
}

func TestAdRewardDayRollover(t *testing.T) {
	svc, clock := newTestService(t)

	result := award(t, svc, clock, AwardParams{
		AccountID:      "acct-1",
		Description:    "sponsor ad",
		Source:         SourceClient,
		IdempotencyKey: "d1-ad1",
		ActionType:     ActionAdWatch,
	})
	require.Equal(t, int64(10), result.Entry.Amount)

	// Next calendar day: the schedule restarts from the top.
	clock.advance(24 * time.Hour)

	result = award(t, svc, clock, AwardParams{
		AccountID:      "acct-1",
		Description:    "sponsor ad",
		Source:         SourceClient,
		IdempotencyKey: "d2-ad1",
		ActionType:     ActionAdWatch,
	})
	require.Equal(t, int64(10), result.Entry.Amount)
}

func TestActivityCompletedOncePerPeriod(t *testing.T) {
	svc, clock := newTestService(t)

	first := award(t, svc, clock, AwardParams{
		AccountID:      "acct-1",
		Amount:         50,
		Description:    "monthly study module",
		ActivityID:     "study_composting",
		ActivityPeriod: period.Monthly,
		Source:         SourceSystem,
		IdempotencyKey: "m1",
	})
	require.False(t, first.Duplicate)
	require.Equal(t, "study_composting_2026-01", first.Entry.ActivityID)

	// Same activity, same month, fresh idempotency key: no-op.
	repeat := award(t, svc, clock, AwardParams{
		AccountID:      "acct-1",
		Amount:         50,
		Description:    "monthly study module",
		ActivityID:     "study_composting",
		ActivityPeriod: period.Monthly,
		Source:         SourceSystem,
		IdempotencyKey: "m2",
	})
	require.True(t, repeat.Duplicate)
	require.Equal(t, ReasonActivityCompleted, repeat.Reason)
	require.Equal(t, int64(50), repeat.Wallet.Credits)

	// February: the composite id changes and the reward is earnable again.
	clock.now = time.Date(2026, 2, 10, 10, 0, 0, 0, time.UTC)

	next := award(t, svc, clock, AwardParams{
		AccountID:      "acct-1",
		Amount:         50,
		Description:    "monthly study module",
		ActivityID:     "study_composting",
		ActivityPeriod: period.Monthly,
		Source:         SourceSystem,
		IdempotencyKey: "m3",
	})
	require.False(t, next.Duplicate)
	require.Equal(t, "study_composting_2026-02", next.Entry.ActivityID)
	require.Equal(t, int64(100), next.Wallet.Credits)
}

func TestGetBalanceFreshAccount(t *testing.T) {
	svc, _ := newTestService(t)

	w, err := svc.GetBalance(context.Background(), "acct-unknown")
	require.NoError(t, err)
	require.Equal(t, int64(0), w.Credits)
	require.Empty(t, w.CompletedSet())

	// Reading must not create a wallet row.
	count, err := svc.wallets.Count(context.Background(), &Wallet{AccountID: "acct-unknown"})
	require.NoError(t, err)
	require.Equal(t, int64(0), count)
}

func TestListTransactionsNewestFirst(t *testing.T) {
	svc, clock := newTestService(t)

	for i := 1; i <= 3; i++ {
		award(t, svc, clock, AwardParams{
			AccountID:      "acct-1",
			Amount:         int64(i * 10),
			Description:    fmt.Sprintf("reward %d", i),
			Source:         SourceAdmin,
			IdempotencyKey: fmt.Sprintf("k%d", i),
		})
	}

	entries, pageInfo, err := svc.ListTransactions(context.Background(), "acct-1", 2, "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, int64(30), entries[0].Amount)
	require.Equal(t, int64(20), entries[1].Amount)
	require.True(t, pageInfo.HasMore)
	require.NotEmpty(t, pageInfo.NextCursor)

	rest, pageInfo, err := svc.ListTransactions(context.Background(), "acct-1", 2, pageInfo.NextCursor)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, int64(10), rest[0].Amount)
	require.False(t, pageInfo.HasMore)
}

func TestVerifyChain(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		award(t, svc, clock, AwardParams{
			AccountID:      "acct-1",
			Amount:         int64(i * 10),
			Description:    fmt.Sprintf("reward %d", i),
			Source:         SourceAdmin,
			IdempotencyKey: fmt.Sprintf("k%d", i),
		})
	}

	valid, err := svc.VerifyChain(ctx, "acct-1")
	require.NoError(t, err)
	require.True(t, valid)

	// Tamper with a committed amount.
	require.NoError(t, svc.db.Model(&LedgerEntry{}).
		Where("account_id = ? AND amount = ?", "acct-1", int64(20)).
		Update("amount", int64(2000)).Error)

	valid, err = svc.VerifyChain(ctx, "acct-1")
	require.NoError(t, err)
	require.False(t, valid)
}

func TestConcurrentAwardsSameKey(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	const workers = 8
	results := make(chan *MutationResult, workers)
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		go func() {
			result, err := svc.Award(ctx, AwardParams{
				AccountID:      "acct-1",
				Amount:         100,
				Description:    "race",
				Source:         SourceSystem,
				IdempotencyKey: "shared",
			})
			if err != nil {
				errs <- err
				return
			}
			results <- result
		}()
	}

	applied := 0
	for i := 0; i < workers; i++ {
		select {
		case result := <-results:
			if !result.Duplicate {
				applied++
			}
		case err := <-errs:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	require.Equal(t, 1, applied)

	w, err := svc.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, int64(100), w.Credits)
}
