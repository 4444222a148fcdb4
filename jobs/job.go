/*
Package jobs implements the durable background job queue.

PURPOSE:
  Work that must survive a request (bulk charge generation, notifications,
  reminders) is written as a Job row in the same transaction as the change
  that caused it, and processed later by polling workers.

JOB ENVELOPE:
  One generic envelope for every kind of work:
    {id, job_type, payload (JSON), status, error_detail,
     created_at, started_at, completed_at}

  The payload is a tagged variant: job_type selects the Go type the payload
  is decoded into at dequeue time (see Decode). Decoding can fail, and that
  failure is reported as a *DecodeError, distinct from handler failures.

STATUS LIFECYCLE:
  queued -> running -> completed
                    -> failed
  A job left in running past a threshold is "stuck" (see Queue.Stuck).
  Nothing re-drives stuck jobs automatically.

SEE ALSO:
  - worker.go: Claim/dispatch loop
  - ticker.go: Fixed-interval loop shared by workers and schedulers
  - store/sqlstore/jobs.go: Claiming SQL (SKIP LOCKED on PostgreSQL)
*/
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/dues-engine/generic"
)

// =============================================================================
// ENVELOPE
// =============================================================================

type Type string

const (
	TypeBulkAccrual      Type = "bulk_accrual"
	TypePaymentRecorded  Type = "payment_recorded"
	TypePaymentCancelled Type = "payment_cancelled"
	TypeDueReminder      Type = "due_reminder"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is the persisted envelope.
type Job struct {
	ID          string          `json:"id"`
	Type        Type            `json:"job_type"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	ErrorDetail string          `json:"error_detail,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Queue is the persistence contract for jobs. Implementations must make
// Claim safe under concurrent claimants: a job is returned to at most one.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Claim flips up to limit queued jobs of jobType to running, oldest first.
	Claim(ctx context.Context, jobType Type, limit int, at time.Time) ([]Job, error)
	// ClaimByID flips one queued job to running; false when it is not queued.
	ClaimByID(ctx context.Context, id string, at time.Time) (Job, bool, error)
	// Complete and Fail are guarded on status running; false means no row changed.
	Complete(ctx context.Context, id string, at time.Time) (bool, error)
	Fail(ctx context.Context, id string, detail string, at time.Time) (bool, error)
	// Stuck lists running jobs started before the given instant.
	Stuck(ctx context.Context, startedBefore time.Time) ([]Job, error)
}

// =============================================================================
// PAYLOADS - Tagged variant keyed by Type
// =============================================================================

// Payload is implemented by every typed job payload.
type Payload interface {
	JobType() Type
	// Organization is the tenant the job belongs to.
	Organization() string
}

// BulkAccrual asks the accrual worker to generate charges for a period.
type BulkAccrual struct {
	PeriodID          string   `json:"period_id"`
	OrgID             string   `json:"org_id"`
	DueTypeIDs        []string `json:"due_type_ids"`
	IncludeEmptyUnits bool     `json:"include_empty_units"`
	CreatedBy         string   `json:"created_by"`
}

func (BulkAccrual) JobType() Type { return TypeBulkAccrual }
func (p BulkAccrual) Organization() string { return p.OrgID }

type PaymentRecorded struct {
	OrgID         string          `json:"org_id"`
	ChargeID      string          `json:"charge_id"`
	PaymentID     string          `json:"payment_id"`
	ReceiptNumber string          `json:"receipt_number"`
	Amount        decimal.Decimal `json:"amount"`
}

func (PaymentRecorded) JobType() Type { return TypePaymentRecorded }
func (p PaymentRecorded) Organization() string { return p.OrgID }

type PaymentCancelled struct {
	OrgID     string `json:"org_id"`
	ChargeID  string `json:"charge_id"`
	PaymentID string `json:"payment_id"`
}

func (PaymentCancelled) JobType() Type { return TypePaymentCancelled }
func (p PaymentCancelled) Organization() string { return p.OrgID }

type DueReminder struct {
	OrgID    string `json:"org_id"`
	PeriodID string `json:"period_id"`
}

func (DueReminder) JobType() Type { return TypeDueReminder }
func (p DueReminder) Organization() string { return p.OrgID }

// New wraps a payload in a queued envelope.
func New(p Payload, now time.Time) (Job, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return Job{}, fmt.Errorf("failed to encode %s payload: %w", p.JobType(), err)
	}
	return Job{
		ID:        generic.NewID(),
		Type:      p.JobType(),
		Payload:   raw,
		Status:    StatusQueued,
		CreatedAt: now.UTC(),
	}, nil
}

// =============================================================================
// DECODING
// =============================================================================

// ErrMalformedPayload marks a job whose payload cannot be decoded.
// Retrying such a job can never succeed.
var ErrMalformedPayload = errors.New("malformed job payload")

// DecodeError carries the job that failed to decode.
type DecodeError struct {
	JobID string
	Type  Type
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("job %s (%s): %v", e.JobID, e.Type, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrMalformedPayload, e.Err}
}

// Decode returns the typed payload for job.
func Decode(job Job) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch job.Type {
	case TypeBulkAccrual:
		var v BulkAccrual
		if err = json.Unmarshal(job.Payload, &v); err == nil {
			err = v.validate()
		}
		p = v
	case TypePaymentRecorded:
		var v PaymentRecorded
		if err = json.Unmarshal(job.Payload, &v); err == nil && (v.ChargeID == "" || v.PaymentID == "") {
			err = errors.New("charge_id and payment_id are required")
		}
		p = v
	case TypePaymentCancelled:
		var v PaymentCancelled
		if err = json.Unmarshal(job.Payload, &v); err == nil && (v.ChargeID == "" || v.PaymentID == "") {
			err = errors.New("charge_id and payment_id are required")
		}
		p = v
	case TypeDueReminder:
		var v DueReminder
		if err = json.Unmarshal(job.Payload, &v); err == nil && v.PeriodID == "" {
			err = errors.New("period_id is required")
		}
		p = v
	default:
		err = fmt.Errorf("unknown job type %q", job.Type)
	}
	if err != nil {
		return nil, &DecodeError{JobID: job.ID, Type: job.Type, Err: err}
	}
	return p, nil
}

func (b BulkAccrual) validate() error {
	if b.PeriodID == "" || b.OrgID == "" {
		return errors.New("period_id and org_id are required")
	}
	if len(b.DueTypeIDs) == 0 {
		return errors.New("due_type_ids must not be empty")
	}
	return nil
}
