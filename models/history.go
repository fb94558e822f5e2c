package models

import "time"

const (
	OperationPending = "pending"
	OperationSuccess = "success"
	OperationFailed  = "failed"
)

// Operation is one mutating command as recorded in the history database.
type Operation struct {
	ID         string     `json:"id"`
	Command    string     `json:"command"`
	AppID      string     `json:"app_id"`
	Status     string     `json:"status"` // pending, success, failed
	Message    string     `json:"message,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Events     []Event    `json:"events,omitempty"`
}

// Event is one step of an operation, e.g. clone or unit.
type Event struct {
	Step      string    `json:"step"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details,omitempty"`
}
