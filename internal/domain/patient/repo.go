package patient

import (
	"context"
	"time"
)

type Repository interface {
	// CreatePatient inserts the users and user_profiles rows and sets
	// p.PatientID.
	CreatePatient(ctx context.Context, p *Profile) error
	GetProfile(ctx context.Context, patientID int64) (*Profile, error)
	UpdateProfile(ctx context.Context, p *Profile) error
	Exists(ctx context.Context, patientID int64) (bool, error)

	SetProviders(ctx context.Context, patientID int64, providerIDs []int64) error
	Providers(ctx context.Context, patientID int64) ([]int64, error)

	AddAllergy(ctx context.Context, a *Allergy) error
	AddInsurance(ctx context.Context, i *Insurance) error
	AddMedication(ctx context.Context, m *Medication) error
	AddDiagnosis(ctx context.Context, d *Diagnosis) error
	AddVital(ctx context.Context, v *Vital) error
	AddNote(ctx context.Context, n *Note) error
	// AddCPTBilling resolves c.Code against cpt_codes. Unknown codes are a
	// validation error.
	AddCPTBilling(ctx context.Context, c *CPTBilling) error

	Allergies(ctx context.Context, patientID int64) ([]Allergy, error)
	Insurances(ctx context.Context, patientID int64) ([]Insurance, error)
	Medications(ctx context.Context, patientID int64) ([]Medication, error)
	Diagnoses(ctx context.Context, patientID int64) ([]Diagnosis, error)
	Vitals(ctx context.Context, patientID int64, limit int) ([]Vital, error)
	Notes(ctx context.Context, patientID int64, limit, offset int) ([]Note, int, error)

	List(ctx context.Context, filter ListFilter, limit, offset int) ([]ListItem, int, error)
	Search(ctx context.Context, q SearchQuery, limit int) ([]ListItem, error)

	// LatestVitalAt is the newest recorded_at for source, or zero.
	LatestVitalAt(ctx context.Context, patientID int64, source string) (time.Time, error)
	// UpsertVitals inserts readings, updating rows whose external_id already
	// exists. It returns the number of rows written.
	UpsertVitals(ctx context.Context, vitals []Vital) (int, error)
}
