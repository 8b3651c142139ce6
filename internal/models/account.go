package models

import "time"

type AccountStatus string

const (
	AccountIdle     AccountStatus = "idle"
	AccountSending  AccountStatus = "sending"
	AccountCooldown AccountStatus = "cooldown"
	AccountError    AccountStatus = "error"
	AccountInactive AccountStatus = "inactive"
)

// Account is a sending identity with rolling rate-limit windows.
// A limit of 0 means unlimited. Counters are reset lazily: a counter
// whose reset deadline has passed is treated as zero by readers.
type Account struct {
	ID            string        `json:"id"`
	Label         string        `json:"label"`
	SessionKey    string        `json:"session_key,omitempty"`
	Status        AccountStatus `json:"status"`
	IsActive      bool          `json:"is_active"`
	HourlySent    int           `json:"hourly_sent"`
	HourlyLimit   int           `json:"hourly_limit"`
	HourlyResetAt time.Time     `json:"hourly_reset_at"`
	DailySent     int           `json:"daily_sent"`
	DailyLimit    int           `json:"daily_limit"`
	DailyResetAt  time.Time     `json:"daily_reset_at"`
	CooldownUntil *time.Time    `json:"cooldown_until,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	LastActiveAt  *time.Time    `json:"last_active_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}
