package patient

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/rcm/internal/platform/apperr"
	"github.com/ehr/rcm/internal/platform/auth"
	"github.com/ehr/rcm/internal/platform/db"
	"github.com/ehr/rcm/internal/platform/mio"
	"github.com/ehr/rcm/pkg/pagination"
)

const (
	recordVitalsLimit = 50
	recordNotesLimit  = 20
	searchLimit       = 20
)

// VitalsSource fetches remote device readings. *mio.Client satisfies it.
type VitalsSource interface {
	Readings(ctx context.Context, patientRef string, since time.Time) ([]mio.Reading, error)
}

// BlindIndexer computes the SSN lookup key. *hipaa.EncryptionService
// satisfies it.
type BlindIndexer interface {
	BlindIndex(value string) string
}

type Service struct {
	repo    Repository
	tx      db.TxRunner
	index   BlindIndexer
	devices VitalsSource
	logger  zerolog.Logger
}

func NewService(repo Repository, tx db.TxRunner, index BlindIndexer, devices VitalsSource, logger zerolog.Logger) *Service {
	return &Service{
		repo:    repo,
		tx:      tx,
		index:   index,
		devices: devices,
		logger:  logger.With().Str("component", "patient").Logger(),
	}
}

// actorID is the numeric id of the authenticated user, when it has one.
func actorID(ctx context.Context) *int64 {
	id, err := strconv.ParseInt(auth.UserIDFromContext(ctx), 10, 64)
	if err != nil || id <= 0 {
		return nil
	}
	return &id
}

func masked(p *Profile) *Profile {
	out := *p
	out.SSN = MaskSSN(p.SSN)
	return &out
}

func (s *Service) ensurePatient(ctx context.Context, patientID int64) error {
	if patientID <= 0 {
		return apperr.Validation("patientId is required")
	}
	ok, err := s.repo.Exists(ctx, patientID)
	if err != nil {
		return fmt.Errorf("check patient: %w", err)
	}
	if !ok {
		return apperr.NotFound("patient %d not found", patientID)
	}
	return nil
}

// AddPatient creates the patient and every nested record in one transaction.
func (s *Service) AddPatient(ctx context.Context, req *AddPatientRequest) (*Record, error) {
	p, err := req.profile()
	if err != nil {
		return nil, apperr.Validation("%s", err.Error())
	}
	if err := validateChildren(req); err != nil {
		return nil, apperr.Validation("%s", err.Error())
	}
	actor := actorID(ctx)

	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.repo.CreatePatient(ctx, p); err != nil {
			return err
		}
		if err := s.repo.SetProviders(ctx, p.PatientID, req.ProviderIDs); err != nil {
			return err
		}
		for i := range req.Allergies {
			req.Allergies[i].PatientID = p.PatientID
			if err := s.repo.AddAllergy(ctx, &req.Allergies[i]); err != nil {
				return err
			}
		}
		for i := range req.Insurances {
			req.Insurances[i].PatientID = p.PatientID
			if err := s.repo.AddInsurance(ctx, &req.Insurances[i]); err != nil {
				return err
			}
		}
		for i := range req.Medications {
			req.Medications[i].PatientID = p.PatientID
			if err := s.repo.AddMedication(ctx, &req.Medications[i]); err != nil {
				return err
			}
		}
		for i := range req.Diagnoses {
			req.Diagnoses[i].PatientID = p.PatientID
			if err := s.repo.AddDiagnosis(ctx, &req.Diagnoses[i]); err != nil {
				return err
			}
		}
		for i := range req.Notes {
			req.Notes[i].PatientID = p.PatientID
			req.Notes[i].CreatedBy = actor
			if err := s.repo.AddNote(ctx, &req.Notes[i]); err != nil {
				return err
			}
		}
		for i := range req.CPTBilling {
			req.CPTBilling[i].PatientID = p.PatientID
			req.CPTBilling[i].CreatedBy = actor
			if err := s.repo.AddCPTBilling(ctx, &req.CPTBilling[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Int64("patient_id", p.PatientID).Msg("patient created")
	return &Record{
		Profile:     masked(p),
		ProviderIDs: nonNil(req.ProviderIDs),
		Allergies:   nonNil(req.Allergies),
		Insurances:  nonNil(req.Insurances),
		Medications: nonNil(req.Medications),
		Diagnoses:   nonNil(req.Diagnoses),
		Vitals:      []Vital{},
		Notes:       nonNil(req.Notes),
	}, nil
}

func validateChildren(req *AddPatientRequest) error {
	for i := range req.Allergies {
		if err := req.Allergies[i].validate(); err != nil {
			return err
		}
	}
	for i := range req.Insurances {
		if err := req.Insurances[i].validate(); err != nil {
			return err
		}
	}
	for i := range req.Medications {
		if err := req.Medications[i].validate(); err != nil {
			return err
		}
	}
	for i := range req.Diagnoses {
		if err := req.Diagnoses[i].validate(); err != nil {
			return err
		}
	}
	for i := range req.Notes {
		if err := req.Notes[i].validate(); err != nil {
			return err
		}
	}
	for i := range req.CPTBilling {
		if err := req.CPTBilling[i].validate(); err != nil {
			return err
		}
	}
	return nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// Get returns the composite record. Every list has a fixed ordering so
// repeated reads of unchanged data are identical.
func (s *Service) Get(ctx context.Context, patientID int64) (*Record, error) {
	if patientID <= 0 {
		return nil, apperr.Validation("patientId is required")
	}
	p, err := s.repo.GetProfile(ctx, patientID)
	if err != nil {
		return nil, err
	}
	rec := &Record{Profile: masked(p)}
	if rec.ProviderIDs, err = s.repo.Providers(ctx, patientID); err != nil {
		return nil, fmt.Errorf("load providers: %w", err)
	}
	if rec.Allergies, err = s.repo.Allergies(ctx, patientID); err != nil {
		return nil, fmt.Errorf("load allergies: %w", err)
	}
	if rec.Insurances, err = s.repo.Insurances(ctx, patientID); err != nil {
		return nil, fmt.Errorf("load insurances: %w", err)
	}
	if rec.Medications, err = s.repo.Medications(ctx, patientID); err != nil {
		return nil, fmt.Errorf("load medications: %w", err)
	}
	if rec.Diagnoses, err = s.repo.Diagnoses(ctx, patientID); err != nil {
		return nil, fmt.Errorf("load diagnoses: %w", err)
	}
	if rec.Vitals, err = s.repo.Vitals(ctx, patientID, recordVitalsLimit); err != nil {
		return nil, fmt.Errorf("load vitals: %w", err)
	}
	if rec.Notes, _, err = s.repo.Notes(ctx, patientID, recordNotesLimit, 0); err != nil {
		return nil, fmt.Errorf("load notes: %w", err)
	}

	rec.ProviderIDs = nonNil(rec.ProviderIDs)
	rec.Allergies = nonNil(rec.Allergies)
	rec.Insurances = nonNil(rec.Insurances)
	rec.Medications = nonNil(rec.Medications)
	rec.Diagnoses = nonNil(rec.Diagnoses)
	rec.Vitals = nonNil(rec.Vitals)
	rec.Notes = nonNil(rec.Notes)
	return rec, nil
}

func (s *Service) List(ctx context.Context, filter ListFilter, p pagination.Params) (*pagination.Page[ListItem], error) {
	if filter.ServiceType != 0 {
		if err := validServiceTypes([]int{filter.ServiceType}); err != nil {
			return nil, apperr.Validation("%s", err.Error())
		}
	}
	filter.Search = strings.TrimSpace(filter.Search)
	items, total, err := s.repo.List(ctx, filter, p.Limit, p.Offset)
	if err != nil {
		return nil, err
	}
	return pagination.NewPage(items, total, p), nil
}

// ParseSearch decides how free text is matched: a nine digit SSN goes
// through the blind index, a bare number is a patient id, anything else is
// a name prefix.
func (s *Service) ParseSearch(raw string) (SearchQuery, error) {
	q := strings.TrimSpace(raw)
	if q == "" {
		return SearchQuery{}, apperr.Validation("q is required")
	}
	if ssn, ok := NormalizeSSN(q); ok {
		return SearchQuery{SSNIndex: s.index.BlindIndex(ssn)}, nil
	}
	if id, err := strconv.ParseInt(q, 10, 64); err == nil && id > 0 {
		return SearchQuery{PatientID: id}, nil
	}
	if len([]rune(q)) < 2 {
		return SearchQuery{}, apperr.Validation("search text must be at least 2 characters")
	}
	return SearchQuery{Name: q}, nil
}

func (s *Service) Search(ctx context.Context, raw string) ([]ListItem, error) {
	q, err := s.ParseSearch(raw)
	if err != nil {
		return nil, err
	}
	items, err := s.repo.Search(ctx, q, searchLimit)
	if err != nil {
		return nil, err
	}
	return nonNil(items), nil
}

// UpdateProfile applies a partial update. PHI fields are re-encrypted by the
// repository on write.
func (s *Service) UpdateProfile(ctx context.Context, patientID int64, req *UpdateProfileRequest) (*Profile, error) {
	if patientID <= 0 {
		return nil, apperr.Validation("patientId is required")
	}
	var out *Profile
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		p, err := s.repo.GetProfile(ctx, patientID)
		if err != nil {
			return err
		}
		if err := req.apply(p); err != nil {
			return apperr.Validation("%s", err.Error())
		}
		if err := s.repo.UpdateProfile(ctx, p); err != nil {
			return err
		}
		if req.ProviderIDs != nil {
			if err := s.repo.SetProviders(ctx, patientID, *req.ProviderIDs); err != nil {
				return err
			}
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("patient_id", patientID).Msg("patient profile updated")
	return masked(out), nil
}

func (s *Service) AddAllergy(ctx context.Context, patientID int64, a *Allergy) error {
	if err := a.validate(); err != nil {
		return apperr.Validation("%s", err.Error())
	}
	if err := s.ensurePatient(ctx, patientID); err != nil {
		return err
	}
	a.PatientID = patientID
	return s.repo.AddAllergy(ctx, a)
}

func (s *Service) AddInsurance(ctx context.Context, patientID int64, i *Insurance) error {
	if err := i.validate(); err != nil {
		return apperr.Validation("%s", err.Error())
	}
	if err := s.ensurePatient(ctx, patientID); err != nil {
		return err
	}
	i.PatientID = patientID
	return s.repo.AddInsurance(ctx, i)
}

func (s *Service) AddMedication(ctx context.Context, patientID int64, m *Medication) error {
	if err := m.validate(); err != nil {
		return apperr.Validation("%s", err.Error())
	}
	if err := s.ensurePatient(ctx, patientID); err != nil {
		return err
	}
	m.PatientID = patientID
	return s.repo.AddMedication(ctx, m)
}

func (s *Service) AddDiagnosis(ctx context.Context, patientID int64, d *Diagnosis) error {
	if err := d.validate(); err != nil {
		return apperr.Validation("%s", err.Error())
	}
	if err := s.ensurePatient(ctx, patientID); err != nil {
		return err
	}
	d.PatientID = patientID
	return s.repo.AddDiagnosis(ctx, d)
}

func (s *Service) AddVital(ctx context.Context, patientID int64, v *Vital) error {
	if err := v.validate(); err != nil {
		return apperr.Validation("%s", err.Error())
	}
	if err := s.ensurePatient(ctx, patientID); err != nil {
		return err
	}
	v.PatientID = patientID
	v.Source = VitalSourceManual
	v.ExternalID = nil
	return s.repo.AddVital(ctx, v)
}

func (s *Service) AddNote(ctx context.Context, patientID int64, n *Note) error {
	if err := n.validate(); err != nil {
		return apperr.Validation("%s", err.Error())
	}
	if err := s.ensurePatient(ctx, patientID); err != nil {
		return err
	}
	n.PatientID = patientID
	n.CreatedBy = actorID(ctx)
	return s.repo.AddNote(ctx, n)
}

func (s *Service) AddCPTBilling(ctx context.Context, patientID int64, c *CPTBilling) error {
	if err := c.validate(); err != nil {
		return apperr.Validation("%s", err.Error())
	}
	if err := s.ensurePatient(ctx, patientID); err != nil {
		return err
	}
	c.PatientID = patientID
	c.CreatedBy = actorID(ctx)
	return s.repo.AddCPTBilling(ctx, c)
}

func (s *Service) Notes(ctx context.Context, patientID int64, p pagination.Params) (*pagination.Page[Note], error) {
	if err := s.ensurePatient(ctx, patientID); err != nil {
		return nil, err
	}
	notes, total, err := s.repo.Notes(ctx, patientID, p.Limit, p.Offset)
	if err != nil {
		return nil, err
	}
	return pagination.NewPage(notes, total, p), nil
}

// SyncVitals pulls device readings recorded since the last synced one and
// upserts them by external id, so repeated syncs do not duplicate rows.
func (s *Service) SyncVitals(ctx context.Context, patientID int64) (*SyncResult, error) {
	if err := s.ensurePatient(ctx, patientID); err != nil {
		return nil, err
	}
	since, err := s.repo.LatestVitalAt(ctx, patientID, VitalSourceMIO)
	if err != nil {
		return nil, fmt.Errorf("latest vital: %w", err)
	}

	readings, err := s.devices.Readings(ctx, strconv.FormatInt(patientID, 10), since)
	if err != nil {
		return nil, fmt.Errorf("fetch device readings: %w", err)
	}

	vitals := make([]Vital, 0, len(readings))
	for _, rd := range readings {
		if rd.ExternalID == "" || rd.Type == "" {
			continue
		}
		ext := rd.ExternalID
		vitals = append(vitals, Vital{
			PatientID:  patientID,
			Type:       rd.Type,
			Value:      rd.Value,
			Unit:       rd.Unit,
			Source:     VitalSourceMIO,
			ExternalID: &ext,
			RecordedAt: rd.RecordedAt,
		})
	}

	var n int
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		n, err = s.repo.UpsertVitals(ctx, vitals)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Int64("patient_id", patientID).Int("fetched", len(readings)).Int("upserted", n).Msg("device vitals synced")
	return &SyncResult{Fetched: len(readings), Upserted: n, Since: since}, nil
}
