package bed

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/rcm/internal/platform/apperr"
	"github.com/ehr/rcm/internal/platform/auth"
	"github.com/ehr/rcm/internal/platform/db"
	"github.com/ehr/rcm/pkg/pagination"
)

const historyLimit = 50

type Service struct {
	repo   Repository
	tx     db.TxRunner
	logger zerolog.Logger
}

func NewService(repo Repository, tx db.TxRunner, logger zerolog.Logger) *Service {
	return &Service{repo: repo, tx: tx, logger: logger.With().Str("component", "bed").Logger()}
}

func (s *Service) List(ctx context.Context, f ListFilter, p pagination.Params) (*pagination.Page[Bed], error) {
	if err := f.normalize(); err != nil {
		return nil, apperr.Validation("%s", err.Error())
	}
	beds, total, err := s.repo.List(ctx, f, p.Limit, p.Offset)
	if err != nil {
		return nil, err
	}
	return pagination.NewPage(beds, total, p), nil
}

// Assign puts the patient in the bed. The bed must be available and the
// patient must not already occupy another bed.
func (s *Service) Assign(ctx context.Context, bedID int64, req *AssignRequest) (*AssignResult, error) {
	if req.PatientID <= 0 {
		return nil, apperr.Validation("patient_id is required")
	}
	ok, err := s.repo.PatientExists(ctx, req.PatientID)
	if err != nil {
		return nil, fmt.Errorf("check patient: %w", err)
	}
	if !ok {
		return nil, apperr.NotFound("patient %d not found", req.PatientID)
	}

	var res AssignResult
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		current, err := s.repo.BedOfPatient(ctx, req.PatientID)
		if err != nil {
			return fmt.Errorf("lookup patient bed: %w", err)
		}
		if current != nil {
			return apperr.Conflict("patient %d already occupies bed %d", req.PatientID, current.ID)
		}
		bed, occupied, err := s.repo.Occupy(ctx, bedID, req.PatientID)
		if err != nil {
			return err
		}
		if !occupied {
			existing, err := s.repo.Get(ctx, bedID)
			if err != nil {
				return err
			}
			return apperr.Conflict("bed %d is %s", bedID, existing.Status)
		}
		a := &Assignment{BedID: bedID, PatientID: req.PatientID, AssignedBy: auth.UserIDFromContext(ctx)}
		if err := s.repo.OpenAssignment(ctx, a); err != nil {
			return fmt.Errorf("open bed assignment: %w", err)
		}
		res = AssignResult{Bed: bed, Assignment: a}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("bed_id", bedID).Int64("patient_id", req.PatientID).Msg("bed assigned")
	return &res, nil
}

// Release frees an occupied bed and closes the open stay.
func (s *Service) Release(ctx context.Context, bedID int64) (*Bed, error) {
	var bed *Bed
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		b, vacated, err := s.repo.Vacate(ctx, bedID)
		if err != nil {
			return err
		}
		if !vacated {
			existing, err := s.repo.Get(ctx, bedID)
			if err != nil {
				return err
			}
			return apperr.Conflict("bed %d is %s", bedID, existing.Status)
		}
		if _, err := s.repo.CloseAssignment(ctx, bedID); err != nil {
			return err
		}
		bed = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("bed_id", bedID).Msg("bed released")
	return bed, nil
}

func (s *Service) History(ctx context.Context, bedID int64) ([]Assignment, error) {
	if _, err := s.repo.Get(ctx, bedID); err != nil {
		return nil, err
	}
	out, err := s.repo.Assignments(ctx, bedID, historyLimit)
	if out == nil {
		out = []Assignment{}
	}
	return out, err
}
