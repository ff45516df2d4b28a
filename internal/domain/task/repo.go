package task

import "context"

type Repository interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id int64) (*Task, error)
	Update(ctx context.Context, t *Task) error
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]Task, int, error)
	PatientExists(ctx context.Context, patientID int64) (bool, error)
}
