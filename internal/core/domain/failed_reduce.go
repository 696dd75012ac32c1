package domain

import "time"

// FailedReduce is an entity whose incremental reduce failed and is queued
// for a full reduce retry.
type FailedReduce struct {
	ID          string      `json:"id"`
	Family      Family      `json:"family"`
	EntityID    string      `json:"entity_id"`
	FailureType FailureType `json:"failure_type"`
	Error       string      `json:"error_msg"`
	RetryCount  int         `json:"retry_count"`
	LastAttempt time.Time   `json:"last_attempt"`
	CreatedAt   time.Time   `json:"created_at"`
}

type FailureType string

const (
	FailureTypeOrdering  FailureType = "ordering"
	FailureTypeConflict  FailureType = "conflict"
	FailureTypeStorage   FailureType = "storage"
	FailureTypeOversized FailureType = "oversized"
	FailureTypePermanent FailureType = "permanent"
)
