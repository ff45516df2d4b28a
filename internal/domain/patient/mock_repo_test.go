package patient

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ehr/rcm/internal/platform/apperr"
	"github.com/ehr/rcm/internal/platform/hipaa"
)

var testCipher = hipaa.Disabled()

type mockState struct {
	profiles    map[int64]Profile
	providers   map[int64][]int64
	allergies   []Allergy
	insurances  []Insurance
	medications []Medication
	diagnoses   []Diagnosis
	vitals      []Vital
	notes       []Note
	billing     []CPTBilling
	nextID      int64
}

func (s mockState) clone() mockState {
	out := s
	out.profiles = make(map[int64]Profile, len(s.profiles))
	for k, v := range s.profiles {
		out.profiles[k] = v
	}
	out.providers = make(map[int64][]int64, len(s.providers))
	for k, v := range s.providers {
		out.providers[k] = append([]int64(nil), v...)
	}
	out.allergies = append([]Allergy(nil), s.allergies...)
	out.insurances = append([]Insurance(nil), s.insurances...)
	out.medications = append([]Medication(nil), s.medications...)
	out.diagnoses = append([]Diagnosis(nil), s.diagnoses...)
	out.vitals = append([]Vital(nil), s.vitals...)
	out.notes = append([]Note(nil), s.notes...)
	out.billing = append([]CPTBilling(nil), s.billing...)
	return out
}

type mockRepo struct {
	mu       sync.Mutex
	state    mockState
	cptCodes map[string]int64
	clock    time.Time
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		state:    mockState{profiles: map[int64]Profile{}, providers: map[int64][]int64{}},
		cptCodes: map[string]int64{"99457": 1, "99490": 2},
		clock:    time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC),
	}
}

// txRunner restores the repository snapshot when fn fails.
type txRunner struct{ repo *mockRepo }

func (t txRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	t.repo.mu.Lock()
	snap := t.repo.state.clone()
	t.repo.mu.Unlock()
	if err := fn(ctx); err != nil {
		t.repo.mu.Lock()
		t.repo.state = snap
		t.repo.mu.Unlock()
		return err
	}
	return nil
}

func (m *mockRepo) id() int64 {
	m.state.nextID++
	return m.state.nextID
}

func (m *mockRepo) tick() time.Time {
	m.clock = m.clock.Add(time.Minute)
	return m.clock
}

func (m *mockRepo) CreatePatient(_ context.Context, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.PatientID = m.id()
	p.Created = m.tick()
	p.Updated = p.Created
	m.state.profiles[p.PatientID] = *p
	return nil
}

func (m *mockRepo) GetProfile(_ context.Context, id int64) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.state.profiles[id]
	if !ok {
		return nil, apperr.NotFound("patient %d not found", id)
	}
	p.ServiceType = append([]int(nil), p.ServiceType...)
	return &p, nil
}

func (m *mockRepo) UpdateProfile(_ context.Context, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.profiles[p.PatientID]; !ok {
		return apperr.NotFound("patient %d not found", p.PatientID)
	}
	p.Updated = m.tick()
	m.state.profiles[p.PatientID] = *p
	return nil
}

func (m *mockRepo) Exists(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.state.profiles[id]
	return ok, nil
}

func (m *mockRepo) SetProviders(_ context.Context, id int64, providers []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.providers[id] = append([]int64(nil), providers...)
	return nil
}

func (m *mockRepo) Providers(_ context.Context, id int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]int64(nil), m.state.providers[id]...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *mockRepo) AddAllergy(_ context.Context, a *Allergy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID, a.Created = m.id(), m.tick()
	m.state.allergies = append(m.state.allergies, *a)
	return nil
}

func (m *mockRepo) AddInsurance(_ context.Context, i *Insurance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i.ID, i.Created = m.id(), m.tick()
	m.state.insurances = append(m.state.insurances, *i)
	return nil
}

func (m *mockRepo) AddMedication(_ context.Context, med *Medication) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	med.ID, med.Created = m.id(), m.tick()
	m.state.medications = append(m.state.medications, *med)
	return nil
}

func (m *mockRepo) AddDiagnosis(_ context.Context, d *Diagnosis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.ID, d.Created = m.id(), m.tick()
	m.state.diagnoses = append(m.state.diagnoses, *d)
	return nil
}

func (m *mockRepo) AddVital(_ context.Context, v *Vital) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v.ID = m.id()
	m.state.vitals = append(m.state.vitals, *v)
	return nil
}

func (m *mockRepo) AddNote(_ context.Context, n *Note) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n.ID, n.Created = m.id(), m.tick()
	m.state.notes = append(m.state.notes, *n)
	return nil
}

func (m *mockRepo) AddCPTBilling(_ context.Context, c *CPTBilling) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	codeID, ok := m.cptCodes[c.Code]
	if !ok {
		return apperr.Validation("unknown cpt code %q", c.Code)
	}
	c.CPTCodeID = codeID
	c.ID, c.Created = m.id(), m.tick()
	m.state.billing = append(m.state.billing, *c)
	return nil
}

// newestFirst returns the items of patient id ordered like the SQL queries.
func newestFirst[T any](items []T, match func(T) bool, created func(T) time.Time) []T {
	var out []T
	for _, it := range items {
		if match(it) {
			out = append(out, it)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return created(out[i]).After(created(out[j])) })
	return out
}

func (m *mockRepo) Allergies(_ context.Context, id int64) ([]Allergy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return newestFirst(m.state.allergies, func(a Allergy) bool { return a.PatientID == id },
		func(a Allergy) time.Time { return a.Created }), nil
}

func (m *mockRepo) Insurances(_ context.Context, id int64) ([]Insurance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return newestFirst(m.state.insurances, func(i Insurance) bool { return i.PatientID == id },
		func(i Insurance) time.Time { return i.Created }), nil
}

func (m *mockRepo) Medications(_ context.Context, id int64) ([]Medication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return newestFirst(m.state.medications, func(x Medication) bool { return x.PatientID == id },
		func(x Medication) time.Time { return x.Created }), nil
}

func (m *mockRepo) Diagnoses(_ context.Context, id int64) ([]Diagnosis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return newestFirst(m.state.diagnoses, func(d Diagnosis) bool { return d.PatientID == id },
		func(d Diagnosis) time.Time { return d.Created }), nil
}

func (m *mockRepo) Vitals(_ context.Context, id int64, limit int) ([]Vital, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := newestFirst(m.state.vitals, func(v Vital) bool { return v.PatientID == id },
		func(v Vital) time.Time { return v.RecordedAt })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockRepo) Notes(_ context.Context, id int64, limit, offset int) ([]Note, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := newestFirst(m.state.notes, func(n Note) bool { return n.PatientID == id },
		func(n Note) time.Time { return n.Created })
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockRepo) listItem(p Profile) ListItem {
	return ListItem{PatientID: p.PatientID, FirstName: p.FirstName, LastName: p.LastName,
		DOB: p.DOB, Gender: p.Gender, ServiceType: p.ServiceType, Created: p.Created}
}

func (m *mockRepo) sortedProfiles() []Profile {
	var out []Profile
	for _, p := range m.state.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PatientID < out[j].PatientID })
	return out
}

func (m *mockRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]ListItem, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []ListItem
	for _, p := range m.sortedProfiles() {
		name := strings.ToLower(p.FirstName + " " + p.LastName)
		if f.Search != "" && !strings.Contains(name, strings.ToLower(f.Search)) {
			continue
		}
		if f.ServiceType != 0 && !containsInt(p.ServiceType, f.ServiceType) {
			continue
		}
		all = append(all, m.listItem(p))
	}
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func (m *mockRepo) Search(_ context.Context, q SearchQuery, limit int) ([]ListItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ListItem
	for _, p := range m.sortedProfiles() {
		switch {
		case q.SSNIndex != "":
			if p.SSN == "" || testCipher.BlindIndex(p.SSN) != q.SSNIndex {
				continue
			}
		case q.PatientID > 0:
			if p.PatientID != q.PatientID {
				continue
			}
		default:
			if !strings.Contains(strings.ToLower(p.FirstName+" "+p.LastName), strings.ToLower(q.Name)) {
				continue
			}
		}
		out = append(out, m.listItem(p))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockRepo) LatestVitalAt(_ context.Context, id int64, source string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest time.Time
	for _, v := range m.state.vitals {
		if v.PatientID == id && v.Source == source && v.RecordedAt.After(latest) {
			latest = v.RecordedAt
		}
	}
	return latest, nil
}

func (m *mockRepo) UpsertVitals(_ context.Context, vitals []Vital) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, v := range vitals {
		replaced := false
		for i, existing := range m.state.vitals {
			if existing.ExternalID != nil && v.ExternalID != nil && *existing.ExternalID == *v.ExternalID {
				v.ID = existing.ID
				m.state.vitals[i] = v
				replaced = true
				break
			}
		}
		if !replaced {
			v.ID = m.id()
			m.state.vitals = append(m.state.vitals, v)
		}
		n++
	}
	return n, nil
}
