package models

import "time"

type Template struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type DestinationKind string

const (
	DestinationGroup   DestinationKind = "group"
	DestinationChannel DestinationKind = "channel"
	DestinationUser    DestinationKind = "user"
)

type Destination struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"owner_id"`
	ChatID    int64           `json:"chat_id"`
	Title     string          `json:"title"`
	Kind      DestinationKind `json:"kind"`
	CanSend   bool            `json:"can_send"`
	CreatedAt time.Time       `json:"created_at"`
}
