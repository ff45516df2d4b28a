package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ehr/rcm/internal/platform/apperr"
)

var testNow = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

// -- Claim Repository --

type mockClaimRepo struct {
	mu       sync.Mutex
	claims   map[int64]*Claim
	history  []StatusChange
	comments []Comment
	nextID   int64
	// staleOnce makes the next UpdateStatus lose a race.
	staleOnce bool
}

func newMockClaimRepo() *mockClaimRepo {
	return &mockClaimRepo{claims: make(map[int64]*Claim), nextID: 1}
}

func (m *mockClaimRepo) Create(_ context.Context, c *Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = m.nextID
	m.nextID++
	c.Created, c.Updated = testNow, testNow
	cp := *c
	m.claims[c.ID] = &cp
	return nil
}

func (m *mockClaimRepo) Get(_ context.Context, id int64) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	if !ok {
		return nil, apperr.NotFound("claim %d not found", id)
	}
	cp := *c
	return &cp, nil
}

func (m *mockClaimRepo) List(_ context.Context, f ClaimFilter, limit, offset int) ([]Claim, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Claim
	for _, c := range m.claims {
		if f.PatientID != 0 && c.PatientID != f.PatientID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	total := len(out)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (m *mockClaimRepo) UpdateStatus(_ context.Context, id int64, from, to string) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	if !ok {
		return nil, apperr.NotFound("claim %d not found", id)
	}
	if m.staleOnce {
		m.staleOnce = false
		return nil, apperr.Conflict("claim %d is no longer %s", id, from)
	}
	if c.Status != from {
		return nil, apperr.Conflict("claim %d is no longer %s", id, from)
	}
	c.Status = to
	if to == ClaimSubmitted {
		at := testNow
		c.SubmittedAt = &at
	}
	cp := *c
	return &cp, nil
}

func (m *mockClaimRepo) AddHistory(_ context.Context, h *StatusChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h.ID = int64(len(m.history) + 1)
	h.ChangedAt = testNow
	m.history = append(m.history, *h)
	return nil
}

func (m *mockClaimRepo) History(_ context.Context, claimID int64) ([]StatusChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []StatusChange
	for _, h := range m.history {
		if h.ClaimID == claimID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *mockClaimRepo) AddComment(_ context.Context, c *Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = int64(len(m.comments) + 1)
	c.Created = testNow
	m.comments = append(m.comments, *c)
	return nil
}

func (m *mockClaimRepo) Comments(_ context.Context, claimID int64) ([]Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Comment
	for _, c := range m.comments {
		if c.ClaimID == claimID {
			out = append(out, c)
		}
	}
	return out, nil
}

// -- Payment Repository --

type mockPaymentRepo struct {
	payments []Payment
}

func (m *mockPaymentRepo) Create(_ context.Context, p *Payment) error {
	p.ID = int64(len(m.payments) + 1)
	p.Created = testNow
	m.payments = append(m.payments, *p)
	return nil
}

func (m *mockPaymentRepo) ListByPatient(_ context.Context, patientID int64, limit, offset int) ([]Payment, int, error) {
	var out []Payment
	for _, p := range m.payments {
		if p.PatientID == patientID {
			out = append(out, p)
		}
	}
	total := len(out)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (m *mockPaymentRepo) SumInWindow(_ context.Context, patientID int64, start, next time.Time) (float64, error) {
	var sum float64
	for _, p := range m.payments {
		if p.PatientID == patientID && !p.PaidAt.Before(start) && p.PaidAt.Before(next) {
			sum += p.Amount
		}
	}
	return sum, nil
}

// -- Statement Repository --

type mockStatementRepo struct {
	statements map[int64]*Statement
	lines      []ChargeLine
	lineArgs   []time.Time
	nextID     int64
	// completeErr is returned by Complete while set.
	completeErr error
}

func newMockStatementRepo() *mockStatementRepo {
	return &mockStatementRepo{statements: make(map[int64]*Statement), nextID: 1}
}

func (m *mockStatementRepo) Create(_ context.Context, s *Statement) error {
	s.ID = m.nextID
	m.nextID++
	s.Created = testNow
	cp := *s
	m.statements[s.ID] = &cp
	return nil
}

func (m *mockStatementRepo) Get(_ context.Context, id int64) (*Statement, error) {
	s, ok := m.statements[id]
	if !ok {
		return nil, apperr.NotFound("statement %d not found", id)
	}
	cp := *s
	return &cp, nil
}

func (m *mockStatementRepo) ListByPatient(_ context.Context, patientID int64, limit, offset int) ([]Statement, int, error) {
	var out []Statement
	for _, s := range m.statements {
		if s.PatientID == patientID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, len(out), nil
}

func (m *mockStatementRepo) ChargeLines(_ context.Context, _ int64, start, next time.Time) ([]ChargeLine, error) {
	m.lineArgs = []time.Time{start, next}
	var out []ChargeLine
	for _, l := range m.lines {
		if !l.BillingDate.Before(start) && l.BillingDate.Before(next) {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *mockStatementRepo) MarkProcessing(_ context.Context, id int64) error {
	m.statements[id].Status = StatementProcessing
	return nil
}

func (m *mockStatementRepo) Complete(_ context.Context, id int64, key, url string) error {
	if m.completeErr != nil {
		return m.completeErr
	}
	s := m.statements[id]
	s.Status = StatementCompleted
	s.PDFKey, s.PDFURL = &key, &url
	return nil
}

func (m *mockStatementRepo) Fail(_ context.Context, id int64, reason string) error {
	s := m.statements[id]
	s.Status = StatementFailed
	s.Error = &reason
	return nil
}

func (m *mockStatementRepo) MarkSent(_ context.Context, id int64) (*Statement, error) {
	s, ok := m.statements[id]
	if !ok {
		return nil, apperr.NotFound("statement %d not found", id)
	}
	s.SentCount++
	at := testNow
	s.LastSentAt = &at
	cp := *s
	return &cp, nil
}

// -- Patient Directory --

type mockPatients map[int64]*PatientInfo

func (m mockPatients) Patient(_ context.Context, id int64) (*PatientInfo, error) {
	p, ok := m[id]
	if !ok {
		return nil, apperr.NotFound("patient %d not found", id)
	}
	return p, nil
}

func testPatients() mockPatients {
	email := "jane@example.com"
	return mockPatients{
		1: {PatientID: 1, FirstName: "Jane", LastName: "Doe", PracticeName: "Lakeside Clinic", EmailEnc: &email},
		2: {PatientID: 2, FirstName: "John", LastName: "Roe"},
	}
}
