package task

import (
	"context"
	"sort"
	"time"

	"github.com/ehr/rcm/internal/platform/apperr"
)

type mockRepo struct {
	tasks    map[int64]*Task
	patients map[int64]bool
	nextID   int64
	now      time.Time
	lastList ListFilter
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		tasks:    make(map[int64]*Task),
		patients: map[int64]bool{1: true, 2: true},
		nextID:   1,
		now:      time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC),
	}
}

func (m *mockRepo) Create(_ context.Context, t *Task) error {
	t.ID = m.nextID
	m.nextID++
	if t.Created.IsZero() {
		t.Created = m.now
	}
	t.Updated = t.Created
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *mockRepo) Get(_ context.Context, id int64) (*Task, error) {
	t, ok := m.tasks[id]
	if !ok {
		return nil, apperr.NotFound("task %d not found", id)
	}
	cp := *t
	return &cp, nil
}

func (m *mockRepo) Update(_ context.Context, t *Task) error {
	if _, ok := m.tasks[t.ID]; !ok {
		return apperr.NotFound("task %d not found", t.ID)
	}
	t.Updated = m.now
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *mockRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]Task, int, error) {
	m.lastList = f
	var out []Task
	for _, t := range m.tasks {
		if t.PatientID != f.PatientID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Start != nil && t.Created.Before(*f.Start) {
			continue
		}
		if f.Next != nil && !t.Created.Before(*f.Next) {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (m *mockRepo) PatientExists(_ context.Context, patientID int64) (bool, error) {
	return m.patients[patientID], nil
}
