package task

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ehr/rcm/internal/domain/timing"
	"github.com/ehr/rcm/internal/platform/apperr"
	"github.com/ehr/rcm/internal/platform/auth"
	"github.com/ehr/rcm/pkg/pagination"
)

type Service struct {
	repo Repository
	loc  *time.Location
}

// NewService builds the task service. loc is the billing timezone used for
// the month filter of List.
func NewService(repo Repository, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{repo: repo, loc: loc}
}

func actorID(ctx context.Context) *int64 {
	id, err := strconv.ParseInt(auth.UserIDFromContext(ctx), 10, 64)
	if err != nil || id <= 0 {
		return nil
	}
	return &id
}

func (s *Service) requirePatient(ctx context.Context, patientID int64) error {
	ok, err := s.repo.PatientExists(ctx, patientID)
	if err != nil {
		return fmt.Errorf("check patient: %w", err)
	}
	if !ok {
		return apperr.NotFound("patient %d not found", patientID)
	}
	return nil
}

func (s *Service) Add(ctx context.Context, req *AddRequest) (*Task, error) {
	t, err := req.task()
	if err != nil {
		return nil, apperr.Validation("%s", err.Error())
	}
	if err := s.requirePatient(ctx, t.PatientID); err != nil {
		return nil, err
	}
	t.CreatedBy = actorID(ctx)
	if err := s.repo.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return t, nil
}

func (s *Service) Edit(ctx context.Context, req *EditRequest) (*Task, error) {
	if req.ID <= 0 {
		return nil, apperr.Validation("id is required")
	}
	t, err := s.repo.Get(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if err := req.apply(t); err != nil {
		return nil, apperr.Validation("%s", err.Error())
	}
	if err := s.repo.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// List returns a patient's tasks, newest first. A non-empty date limits the
// result to tasks created in that calendar month.
func (s *Service) List(ctx context.Context, patientID int64, status, date string, p pagination.Params) (*pagination.Page[Task], error) {
	if status != "" && !validStatuses[status] {
		return nil, apperr.Validation("invalid status: %s", status)
	}
	f := ListFilter{PatientID: patientID, Status: status}
	if date != "" {
		d, err := timing.ParseDate(date, s.loc)
		if err != nil {
			return nil, apperr.Validation("%s", err.Error())
		}
		start, next := timing.Window(d, s.loc)
		f.Start, f.Next = &start, &next
	}
	tasks, total, err := s.repo.List(ctx, f, p.Limit, p.Offset)
	if err != nil {
		return nil, err
	}
	return pagination.NewPage(tasks, total, p), nil
}
