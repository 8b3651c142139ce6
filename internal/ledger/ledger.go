// Package ledger holds the account eligibility rules. The same rules
// are mirrored in SQL by the storage layer for claim queries; this
// package is the reference version used for validation and tests.
package ledger

import (
	"time"

	"github.com/tgblast/tgblast/internal/models"
)

// Eligible reports whether an account may be handed more work at the
// given instant. Counters past their reset deadline count as zero,
// so an exhausted window becomes eligible again without any writer
// touching the row.
func Eligible(a *models.Account, now time.Time) bool {
	if a == nil || !a.IsActive {
		return false
	}
	if a.Status == models.AccountError || a.Status == models.AccountInactive {
		return false
	}
	if a.CooldownUntil != nil && now.Before(*a.CooldownUntil) {
		return false
	}
	if a.HourlyLimit > 0 && EffectiveCount(a.HourlySent, a.HourlyResetAt, now) >= a.HourlyLimit {
		return false
	}
	if a.DailyLimit > 0 && EffectiveCount(a.DailySent, a.DailyResetAt, now) >= a.DailyLimit {
		return false
	}
	return true
}

// EffectiveCount is the counter value after lazy reset.
func EffectiveCount(sent int, resetAt, now time.Time) int {
	if !resetAt.After(now) {
		return 0
	}
	return sent
}

func NextHourlyReset(now time.Time) time.Time {
	return now.Add(time.Hour)
}

func NextDailyReset(now time.Time) time.Time {
	return now.Add(24 * time.Hour)
}
