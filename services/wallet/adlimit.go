package wallet

import (
	"fmt"
	"time"

	"wasteless-ledger/pkg/errutil"
)

// Ad reward policy. Rewards diminish over the day: 10,9,...,1 for the first
// session, then 1 point per ad, capped at 145 points and 100 ads per day.
// A session is 10 ads; a 5 minute cooldown separates sessions but never
// applies within one.
const (
	AdSessionSize     = 10
	AdSessionCooldown = 5 * time.Minute
	DailyAdCap        = 100
	DailyAdPointCap   = 145
)

// Stable machine-readable reasons surfaced to callers. The presentation
// layer maps these to human-readable messages.
const (
	ReasonInvalidArgument     = "invalid_argument"
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonDailyAdCap          = "daily_ad_cap_reached"
	ReasonDailyPointCap       = "daily_point_cap_reached"
	ReasonSessionCooldown     = "session_cooldown_active"
	ReasonDuplicateRequest    = "duplicate_request"
	ReasonActivityCompleted   = "activity_completed"
)

// adRewardAt is the scheduled reward for the n-th ad of the day (1-based).
func adRewardAt(n int) int {
	if n <= AdSessionSize {
		return AdSessionSize + 1 - n
	}
	return 1
}

// nextAdReward validates the limiter state and returns the reward the next
// ad would grant. It does not mutate stats.
func nextAdReward(stats *AdDailyStats, now time.Time) (int, error) {
	if stats.TotalAdsWatched >= DailyAdCap {
		return 0, errutil.TooManyRequest(ReasonDailyAdCap)
	}
	if stats.PointsEarned >= DailyAdPointCap {
		return 0, errutil.TooManyRequest(ReasonDailyPointCap)
	}

	// Cooldown only gates the first ad of a new session.
	if stats.CurrentSessionAds == 0 && stats.LastSessionEndTime != nil {
		elapsed := now.Sub(*stats.LastSessionEndTime)
		if elapsed < AdSessionCooldown {
			remaining := AdSessionCooldown - elapsed
			return 0, errutil.TooManyRequest(ReasonSessionCooldown, errutil.WithDetails(errutil.Detail{
				Field:   "retry_after_seconds",
				Message: fmt.Sprintf("%d", int(remaining.Seconds())+1),
			}))
		}
	}

	reward := adRewardAt(stats.TotalAdsWatched + 1)
	if room := DailyAdPointCap - stats.PointsEarned; reward > room {
		reward = room
	}
	if reward <= 0 {
		return 0, errutil.TooManyRequest(ReasonDailyPointCap)
	}

	return reward, nil
}

// applyAdReward commits one granted ad to the limiter counters. Completing
// the 10th ad of a session closes it and starts the next cooldown window.
func applyAdReward(stats *AdDailyStats, reward int, now time.Time) {
	stats.TotalAdsWatched++
	stats.PointsEarned += reward
	stats.CurrentSessionAds++

	if stats.CurrentSessionAds >= AdSessionSize {
		stats.CurrentSessionAds = 0
		stats.SessionsCompleted++
		end := now
		stats.LastSessionEndTime = &end
	}
}
