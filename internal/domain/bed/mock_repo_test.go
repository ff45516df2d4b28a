package bed

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ehr/rcm/internal/platform/apperr"
)

type mockRepo struct {
	mu          sync.Mutex
	beds        map[int64]*Bed
	assignments []Assignment
	patients    map[int64]bool
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		beds: map[int64]*Bed{
			1: {ID: 1, Ward: "ICU", Room: "101", BedNumber: "A", Status: StatusAvailable},
			2: {ID: 2, Ward: "ICU", Room: "101", BedNumber: "B", Status: StatusAvailable},
			3: {ID: 3, Ward: "MED", Room: "201", BedNumber: "A", Status: StatusMaintenance},
		},
		patients: map[int64]bool{10: true, 11: true},
	}
}

func (m *mockRepo) Get(_ context.Context, id int64) (*Bed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.beds[id]
	if !ok {
		return nil, apperr.NotFound("bed %d not found", id)
	}
	cp := *b
	return &cp, nil
}

func (m *mockRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]Bed, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Bed
	for _, b := range m.beds {
		if (f.Ward == "" || b.Ward == f.Ward) && (f.Status == "" || b.Status == f.Status) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, len(out), nil
}

func (m *mockRepo) Occupy(_ context.Context, id, patientID int64) (*Bed, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.beds[id]
	if !ok || b.Status != StatusAvailable {
		return nil, false, nil
	}
	b.Status = StatusOccupied
	b.PatientID = &patientID
	b.Updated = time.Now()
	cp := *b
	return &cp, true, nil
}

func (m *mockRepo) Vacate(_ context.Context, id int64) (*Bed, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.beds[id]
	if !ok || b.Status != StatusOccupied {
		return nil, false, nil
	}
	b.Status = StatusAvailable
	b.PatientID = nil
	cp := *b
	return &cp, true, nil
}

func (m *mockRepo) BedOfPatient(_ context.Context, patientID int64) (*Bed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.beds {
		if b.PatientID != nil && *b.PatientID == patientID && b.Status == StatusOccupied {
			cp := *b
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockRepo) OpenAssignment(_ context.Context, a *Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = int64(len(m.assignments) + 1)
	a.AssignedAt = time.Now()
	m.assignments = append(m.assignments, *a)
	return nil
}

func (m *mockRepo) CloseAssignment(_ context.Context, bedID int64) (*Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.assignments {
		a := &m.assignments[i]
		if a.BedID == bedID && a.ReleasedAt == nil {
			now := time.Now()
			a.ReleasedAt = &now
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockRepo) Assignments(_ context.Context, bedID int64, limit int) ([]Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Assignment
	for i := len(m.assignments) - 1; i >= 0 && len(out) < limit; i-- {
		if m.assignments[i].BedID == bedID {
			out = append(out, m.assignments[i])
		}
	}
	return out, nil
}

func (m *mockRepo) PatientExists(_ context.Context, patientID int64) (bool, error) {
	return m.patients[patientID], nil
}
