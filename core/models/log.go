// Package models defines persisted records for stevedore.
package models

import "time"

// ActionLog records one mutation issued through the facade.
type ActionLog struct {
	ID           int64     `json:"id"`
	Action       string    `json:"action"`        // start, stop, restart, remove, create, pull, build, prune, connect, disconnect
	ResourceType string    `json:"resource_type"` // container, image, volume, network
	ResourceID   string    `json:"resource_id"`
	ResourceName string    `json:"resource_name,omitempty"`
	Success      bool      `json:"success"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ExecutedAt   time.Time `json:"executed_at"`
}

// ActionLogFilter narrows a listing of action logs. Empty fields match all.
type ActionLogFilter struct {
	ResourceType string
	ResourceID   string
	Limit        int
}
