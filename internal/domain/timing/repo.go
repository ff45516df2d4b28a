package timing

import (
	"context"
	"time"
)

// Repository reads the rows the aggregator needs. Every windowed method
// selects start <= ts < next.
type Repository interface {
	BillableEntries(ctx context.Context, patientID int64, start, next time.Time) (notes, tasks []Entry, err error)
	CPTLines(ctx context.Context, patientID int64, start, next time.Time) ([]CPTLine, error)
	Profile(ctx context.Context, patientID int64) (*Profile, error)
	Notes(ctx context.Context, patientID int64, start, next time.Time) ([]Note, error)
	Tasks(ctx context.Context, patientID int64, start, next time.Time) ([]Task, error)
	Diagnoses(ctx context.Context, patientID int64, start, next time.Time) ([]Diagnosis, error)
	Medications(ctx context.Context, patientID int64, start, next time.Time) ([]Medication, error)
	Vitals(ctx context.Context, patientID int64, start, next time.Time) ([]Vital, error)
}
