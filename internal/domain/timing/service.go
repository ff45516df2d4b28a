package timing

import (
	"context"
	"fmt"
	"time"

	"github.com/ehr/rcm/internal/platform/apperr"
)

// SummaryObserver counts served summaries. *metrics.Metrics satisfies it.
type SummaryObserver interface {
	TimingSummary(endpoint string)
}

type Service struct {
	repo     Repository
	policy   OverlapPolicy
	loc      *time.Location
	now      func() time.Time
	observer SummaryObserver
}

func NewService(repo Repository, policy OverlapPolicy, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	if policy == "" {
		policy = PolicyIndependent
	}
	return &Service{repo: repo, policy: policy, loc: loc, now: time.Now}
}

func (s *Service) SetObserver(o SummaryObserver) { s.observer = o }

func (s *Service) Policy() OverlapPolicy { return s.policy }

func (s *Service) ParseDate(raw string) (time.Time, error) {
	t, err := ParseDate(raw, s.loc)
	if err != nil {
		return time.Time{}, apperr.Validation("%s", err.Error())
	}
	return t, nil
}

func (s *Service) window(date time.Time) (time.Time, time.Time) {
	if date.IsZero() {
		date = s.now()
	}
	return Window(date, s.loc)
}

func (s *Service) observe(endpoint string) {
	if s.observer != nil {
		s.observer.TimingSummary(endpoint)
	}
}

// Timings computes minute and CPT totals for the month containing date.
// A zero date means the current month.
func (s *Service) Timings(ctx context.Context, patientID int64, date time.Time) (*Timings, error) {
	if patientID <= 0 {
		return nil, apperr.Validation("patientId is required")
	}
	if _, err := s.repo.Profile(ctx, patientID); err != nil {
		return nil, err
	}
	start, next := s.window(date)

	notes, tasks, err := s.repo.BillableEntries(ctx, patientID, start, next)
	if err != nil {
		return nil, fmt.Errorf("load billable entries: %w", err)
	}
	lines, err := s.repo.CPTLines(ctx, patientID, start, next)
	if err != nil {
		return nil, fmt.Errorf("load cpt lines: %w", err)
	}

	minutes := AggregateMinutes(notes, tasks, s.policy)
	s.observe("timings")
	return NewTimings(patientID, minutes, CPTAmount(lines), start, next), nil
}

// Summary builds the month composite. When program is set, notes, tasks and
// buckets are limited to that program.
func (s *Service) Summary(ctx context.Context, patientID int64, date time.Time, program *Program) (*Summary, error) {
	if patientID <= 0 {
		return nil, apperr.Validation("patientId is required")
	}
	start, next := s.window(date)

	profile, err := s.repo.Profile(ctx, patientID)
	if err != nil {
		return nil, err
	}
	notes, err := s.repo.Notes(ctx, patientID, start, next)
	if err != nil {
		return nil, err
	}
	tasks, err := s.repo.Tasks(ctx, patientID, start, next)
	if err != nil {
		return nil, err
	}
	diagnoses, err := s.repo.Diagnoses(ctx, patientID, start, next)
	if err != nil {
		return nil, err
	}
	medications, err := s.repo.Medications(ctx, patientID, start, next)
	if err != nil {
		return nil, err
	}
	vitals, err := s.repo.Vitals(ctx, patientID, start, next)
	if err != nil {
		return nil, err
	}
	lines, err := s.repo.CPTLines(ctx, patientID, start, next)
	if err != nil {
		return nil, err
	}

	programs := Programs
	if program != nil {
		notes = filterNotes(notes, *program, s.policy)
		tasks = filterTasks(tasks, *program, s.policy)
		programs = []Program{*program}
	}

	all := AggregateMinutes(entriesFromNotes(notes), entriesFromTasks(tasks), s.policy)
	minutes := MinutesByProgram{}
	buckets := make([]Bucket, 0, len(programs))
	for _, p := range programs {
		minutes[p] = all[p]
		buckets = append(buckets, NewBucket(p, all[p], profile.Enrolled(p)))
	}

	endpoint := "summary"
	if program != nil {
		endpoint = "summary_" + string(*program)
	}
	s.observe(endpoint)

	return &Summary{
		Profile:     profile,
		Program:     program,
		Tasks:       nonNil(tasks),
		Notes:       nonNil(notes),
		Diagnoses:   nonNil(diagnoses),
		Medications: nonNil(medications),
		Vitals:      nonNil(vitals),
		CPTLines:    nonNil(lines),
		Timings:     NewTimings(patientID, minutes, CPTAmount(lines), start, next),
		Buckets:     buckets,
	}, nil
}

func hasProgram(typ string, p Program, policy OverlapPolicy) bool {
	for _, got := range ProgramsOf(typ, policy) {
		if got == p {
			return true
		}
	}
	return false
}

func filterNotes(notes []Note, p Program, policy OverlapPolicy) []Note {
	var out []Note
	for _, n := range notes {
		if hasProgram(n.Type, p, policy) {
			out = append(out, n)
		}
	}
	return out
}

func filterTasks(tasks []Task, p Program, policy OverlapPolicy) []Task {
	var out []Task
	for _, t := range tasks {
		if hasProgram(t.Type, p, policy) {
			out = append(out, t)
		}
	}
	return out
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
