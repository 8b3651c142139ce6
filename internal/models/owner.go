package models

import "time"

// Owner is an API tenant. Templates, destinations and campaigns are
// scoped to the owner that created them.
type Owner struct {
	ID         string    `json:"id"`
	TelegramID string    `json:"telegram_id"`
	Name       string    `json:"name"`
	APIToken   string    `json:"api_token,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
