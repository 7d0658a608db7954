package wallet

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Source identifies the trusted channel a mutation arrived through.
type Source string

const (
	SourceClient Source = "client"
	SourceBot    Source = "bot"
	SourceAdmin  Source = "admin"
	SourceSystem Source = "system"
)

func (s Source) Valid() bool {
	switch s {
	case SourceClient, SourceBot, SourceAdmin, SourceSystem:
		return true
	default:
		return false
	}
}

// ActionType classifies what earned (or spent) the credits. Ad-watch amounts
// are always computed server-side; the caller-supplied amount is ignored.
type ActionType string

const (
	ActionGeneric ActionType = "generic"
	ActionAdWatch ActionType = "ad_watch"
	ActionScan    ActionType = "scan"
	ActionMission ActionType = "mission"
	ActionQuiz    ActionType = "quiz"
	ActionRedeem  ActionType = "redeem"
)

func (a ActionType) Valid() bool {
	switch a {
	case ActionGeneric, ActionAdWatch, ActionScan, ActionMission, ActionQuiz, ActionRedeem:
		return true
	default:
		return false
	}
}

const (
	EntryTypeEarn   = "earn"
	EntryTypeRedeem = "redeem"
)

type Wallet struct {
	ID                  string         `gorm:"column:id;primaryKey"`
	AccountID           string         `gorm:"column:account_id;uniqueIndex;not null"`
	Credits             int64          `gorm:"column:credits;not null;default:0"`
	Impact              float64        `gorm:"column:impact;not null;default:0"`
	CompletedActivities datatypes.JSON `gorm:"column:completed_activities"`
	CreatedAt           time.Time      `gorm:"column:created_at"`
	UpdatedAt           time.Time      `gorm:"column:updated_at"`
}

// CompletedSet decodes the completed-activity ids into a lookup set.
func (w *Wallet) CompletedSet() map[string]struct{} {
	set := make(map[string]struct{})
	if len(w.CompletedActivities) == 0 {
		return set
	}

	var ids []string
	if err := json.Unmarshal(w.CompletedActivities, &ids); err != nil {
		return set
	}

	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func (w *Wallet) HasCompleted(activityID string) bool {
	_, ok := w.CompletedSet()[activityID]
	return ok
}

func (w *Wallet) addCompleted(activityID string) error {
	set := w.CompletedSet()
	set[activityID] = struct{}{}

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	b, err := json.Marshal(ids)
	if err != nil {
		return err
	}

	w.CompletedActivities = datatypes.JSON(b)
	return nil
}

// LedgerEntry is one committed balance change. Rows are append-only: the
// primary key is derived from (account_id, idempotency_key), so a retry of
// the same logical request addresses the same row instead of creating a
// second one.
type LedgerEntry struct {
	ID              string         `gorm:"column:id;primaryKey"`
	CreatedAt       time.Time      `gorm:"column:created_at"`
	UpdatedAt       time.Time      `gorm:"column:updated_at"`
	AccountID       string         `gorm:"column:account_id;index;not null"`
	Amount          int64          `gorm:"column:amount;not null"`
	Type            string         `gorm:"column:type;type:varchar(10);not null"`
	Description     string         `gorm:"column:description;type:text"`
	ActivityID      string         `gorm:"column:activity_id;index"`
	ImpactChange    float64        `gorm:"column:impact_change"`
	Source          string         `gorm:"column:source;type:varchar(10);not null"`
	ActionType      string         `gorm:"column:action_type;type:varchar(10);not null"`
	TransactionCode string         `gorm:"column:transaction_code"`
	IdempotencyKey  string         `gorm:"column:idempotency_key;not null"`
	PreviousHash    string         `gorm:"column:previous_hash"`
	Hash            string         `gorm:"column:hash"`
	Metadata        datatypes.JSON `gorm:"column:metadata"`
}

// EntryID maps a caller-supplied idempotency token to the stable ledger row
// id. One-way and collision-resistant; same inputs always name the same row.
func EntryID(accountID, idempotencyKey string) string {
	sum := sha256.Sum256([]byte(accountID + "|" + idempotencyKey))
	return hex.EncodeToString(sum[:])
}

// EntryType derives the ledger entry type from the sign of the amount.
func EntryType(amount int64) string {
	if amount < 0 {
		return EntryTypeRedeem
	}
	return EntryTypeEarn
}

func (m *LedgerEntry) HashFields() map[string]string {
	return map[string]string{
		"id":            m.ID,
		"account_id":    m.AccountID,
		"type":          m.Type,
		"amount":        fmt.Sprintf("%d", m.Amount),
		"activity_id":   m.ActivityID,
		"action_type":   m.ActionType,
		"source":        m.Source,
		"description":   m.Description,
		"created_at":    m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash": m.PreviousHash,
	}
}

func (m *LedgerEntry) GenerateHash() string {
	fields := m.HashFields()
	var keys []string
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	joined := strings.Join(parts, "|")
	hash := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(hash[:])
}

// AdDailyStats is the per-account, per-day counter record behind the ad
// reward limiter. The (account_id, date) key gives lazy day rollover: the
// first ad request of a new day simply addresses a fresh row.
type AdDailyStats struct {
	ID                 string     `gorm:"column:id;primaryKey"`
	AccountID          string     `gorm:"column:account_id;uniqueIndex:ux_ad_stats_account_date,priority:1;not null"`
	Date               string     `gorm:"column:date;uniqueIndex:ux_ad_stats_account_date,priority:2;not null"`
	TotalAdsWatched    int        `gorm:"column:total_ads_watched;not null;default:0"`
	CurrentSessionAds  int        `gorm:"column:current_session_ads;not null;default:0"`
	SessionsCompleted  int        `gorm:"column:sessions_completed;not null;default:0"`
	LastSessionEndTime *time.Time `gorm:"column:last_session_end_time"`
	PointsEarned       int        `gorm:"column:points_earned;not null;default:0"`
	CreatedAt          time.Time  `gorm:"column:created_at"`
	UpdatedAt          time.Time  `gorm:"column:updated_at"`
}
