package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// JobKind identifies the work a job runs.
type JobKind string

const (
	JobSettlement     JobKind = "settlement"
	JobLoanSettlement JobKind = "loan_settlement"
	JobLoanRevert     JobKind = "loan_revert"
	JobAdjustment     JobKind = "adjustment"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Job is one run of the engine as tracked by the job manager.
type Job struct {
	ID              string          `json:"id"`
	Kind            JobKind         `json:"kind"`
	Status          JobStatus       `json:"status"`
	CancelRequested bool            `json:"cancel_requested"`
	SettledOrders   int             `json:"settled_orders"`
	NetAmount       decimal.Decimal `json:"net_amount"`
	Failures        []OrderError    `json:"failures,omitempty"`
	Filter          *Filter         `json:"filter,omitempty"`
	Error           string          `json:"error,omitempty"`
	Result          any             `json:"result,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
}
