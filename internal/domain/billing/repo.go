package billing

import (
	"context"
	"time"
)

type ClaimRepository interface {
	Create(ctx context.Context, c *Claim) error
	Get(ctx context.Context, id int64) (*Claim, error)
	List(ctx context.Context, filter ClaimFilter, limit, offset int) ([]Claim, int, error)
	// UpdateStatus moves the claim only if it is still in from. It returns
	// apperr.ErrConflict when another writer changed the status first.
	UpdateStatus(ctx context.Context, id int64, from, to string) (*Claim, error)
	AddHistory(ctx context.Context, h *StatusChange) error
	History(ctx context.Context, claimID int64) ([]StatusChange, error)
	AddComment(ctx context.Context, c *Comment) error
	Comments(ctx context.Context, claimID int64) ([]Comment, error)
}

type PaymentRepository interface {
	Create(ctx context.Context, p *Payment) error
	ListByPatient(ctx context.Context, patientID int64, limit, offset int) ([]Payment, int, error)
	SumInWindow(ctx context.Context, patientID int64, start, next time.Time) (float64, error)
}

type StatementRepository interface {
	Create(ctx context.Context, s *Statement) error
	Get(ctx context.Context, id int64) (*Statement, error)
	ListByPatient(ctx context.Context, patientID int64, limit, offset int) ([]Statement, int, error)
	ChargeLines(ctx context.Context, patientID int64, start, next time.Time) ([]ChargeLine, error)
	MarkProcessing(ctx context.Context, id int64) error
	Complete(ctx context.Context, id int64, key, url string) error
	Fail(ctx context.Context, id int64, reason string) error
	MarkSent(ctx context.Context, id int64) (*Statement, error)
}

// PatientDirectory resolves patient identity for billing records.
type PatientDirectory interface {
	Patient(ctx context.Context, patientID int64) (*PatientInfo, error)
}
