// bgsync - Continuous Glucose Monitoring Data Synchronization
// Copyright 2026 Glucolab Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/glucolab/bgsync

package models

import "time"

// SyncStatus is the lifecycle state of a sync job.
// Jobs move pending -> processing -> {completed, failed} and are immutable
// once terminal.
type SyncStatus string

const (
	SyncPending    SyncStatus = "pending"
	SyncProcessing SyncStatus = "processing"
	SyncCompleted  SyncStatus = "completed"
	SyncFailed     SyncStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s SyncStatus) Terminal() bool {
	return s == SyncCompleted || s == SyncFailed
}

// TriggerSource records which trigger path created a sync job. Trigger
// sources differ in lock-contention policy: manual triggers are rejected
// when another job holds the user's lock, scheduled triggers wait.
type TriggerSource string

const (
	TriggerScheduled TriggerSource = "scheduled"
	TriggerWebhook   TriggerSource = "webhook"
	TriggerManual    TriggerSource = "manual"
)

// SyncResult aggregates per-item outcomes for one job. Validation and
// system errors are per-item and never fail the job; they are surfaced
// here so degraded completions are observable.
type SyncResult struct {
	Total            int `json:"total"`
	Stored           int `json:"stored"`
	Duplicates       int `json:"duplicates"`
	ValidationErrors int `json:"validation_errors"`
	SystemErrors     int `json:"system_errors"`
}

// SyncJob tracks one synchronization run for one user. Only the orchestrator
// goroutine that owns the job mutates it after creation.
type SyncJob struct {
	JobID          string        `json:"job_id"`
	UserID         string        `json:"user_id"`
	Status         SyncStatus    `json:"status"`
	Trigger        TriggerSource `json:"trigger"`
	StartDate      time.Time     `json:"start_date"`
	EndDate        time.Time     `json:"end_date"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	Result         SyncResult    `json:"result"`
	Error          string        `json:"error,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
}
