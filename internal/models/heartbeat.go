package models

import "time"

// WorkerHeartbeat is the last known state of a worker process, keyed
// by worker_id. Repeated heartbeats overwrite the previous row.
type WorkerHeartbeat struct {
	WorkerID        string           `json:"worker_id"`
	Hostname        string           `json:"hostname"`
	Version         string           `json:"version"`
	Status          string           `json:"status"`
	ActiveAccounts  []string         `json:"active_accounts"`
	Stats           map[string]int64 `json:"stats"`
	LastHeartbeatAt time.Time        `json:"last_heartbeat_at"`
}
