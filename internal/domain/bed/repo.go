package bed

import "context"

type Repository interface {
	Get(ctx context.Context, id int64) (*Bed, error)
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]Bed, int, error)
	// Occupy marks an available bed occupied. It reports false when the bed
	// was not available.
	Occupy(ctx context.Context, id, patientID int64) (*Bed, bool, error)
	// Vacate frees an occupied bed. It reports false when the bed was not
	// occupied.
	Vacate(ctx context.Context, id int64) (*Bed, bool, error)
	BedOfPatient(ctx context.Context, patientID int64) (*Bed, error)
	OpenAssignment(ctx context.Context, a *Assignment) error
	CloseAssignment(ctx context.Context, bedID int64) (*Assignment, error)
	Assignments(ctx context.Context, bedID int64, limit int) ([]Assignment, error)
	PatientExists(ctx context.Context, patientID int64) (bool, error)
}
