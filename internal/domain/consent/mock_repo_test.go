package consent

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/rcm/internal/platform/apperr"
)

type mockPatient struct {
	first, last string
	email       *string
	providerID  *int64
}

// mockRepo keeps tokens and submissions in memory and enforces the same
// status transitions as the SQL implementation.
type mockRepo struct {
	mu          sync.Mutex
	patients    map[int64]mockPatient
	tokens      []*Token
	submissions []*Submission
	consents    []*Consent
	nextID      int64
	clock       func() time.Time
}

func newMockRepo(clock func() time.Time) *mockRepo {
	email := "jane@example.com"
	provider := int64(2)
	return &mockRepo{
		patients: map[int64]mockPatient{
			7: {first: "Jane", last: "Doe", email: &email, providerID: &provider},
			8: {first: "No", last: "Email"},
		},
		clock: clock,
	}
}

func (m *mockRepo) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *mockRepo) Recipient(_ context.Context, patientID int64) (*Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[patientID]
	if !ok {
		return nil, apperr.NotFound("patient %d not found", patientID)
	}
	return &Recipient{
		PatientID:    patientID,
		FirstName:    p.first,
		LastName:     p.last,
		EmailEnc:     p.email,
		ProviderID:   p.providerID,
		ProviderName: "Dr. Smith",
		PracticeName: "Main Street Clinic",
	}, nil
}

func (m *mockRepo) CreateToken(_ context.Context, t *Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = m.id()
	t.CreatedAt = m.clock()
	cp := *t
	m.tokens = append(m.tokens, &cp)
	return nil
}

func (m *mockRepo) findToken(match func(*Token) bool) *Token {
	for _, t := range m.tokens {
		if match(t) {
			return t
		}
	}
	return nil
}

func (m *mockRepo) GetToken(_ context.Context, token uuid.UUID) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.findToken(func(t *Token) bool { return t.Token == token })
	if t == nil {
		return nil, apperr.NotFound("consent link expired or invalid")
	}
	cp := *t
	return &cp, nil
}

func (m *mockRepo) GetTokenByID(_ context.Context, id int64) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.findToken(func(t *Token) bool { return t.ID == id })
	if t == nil {
		return nil, apperr.NotFound("consent link expired or invalid")
	}
	cp := *t
	return &cp, nil
}

func (m *mockRepo) PendingDetails(_ context.Context, token uuid.UUID) (*Details, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.findToken(func(t *Token) bool { return t.Token == token && t.Status == TokenPending })
	if t == nil {
		return nil, apperr.NotFound("consent link expired or invalid")
	}
	p := m.patients[t.PatientID]
	return &Details{
		Token:        t.Token,
		PatientID:    t.PatientID,
		FirstName:    p.first,
		LastName:     p.last,
		ProviderID:   t.ProviderID,
		ProviderName: "Dr. Smith",
		PracticeName: "Main Street Clinic",
		ServiceType:  []int{1, 2},
		CreatedAt:    t.CreatedAt,
	}, nil
}

func (m *mockRepo) ClaimToken(_ context.Context, token uuid.UUID) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.findToken(func(t *Token) bool { return t.Token == token && t.Status == TokenPending })
	if t == nil {
		return nil, apperr.Conflict("consent form has already been submitted")
	}
	t.Status = TokenProcessing
	cp := *t
	return &cp, nil
}

func (m *mockRepo) setTokenStatus(id int64, from []int, to int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.findToken(func(t *Token) bool { return t.ID == id }); t != nil {
		for _, f := range from {
			if t.Status == f {
				t.Status = to
				return
			}
		}
	}
}

func (m *mockRepo) ReleaseToken(_ context.Context, tokenID int64) error {
	m.setTokenStatus(tokenID, []int{TokenProcessing}, TokenPending)
	return nil
}

func (m *mockRepo) MarkTokenSigned(_ context.Context, tokenID int64) error {
	m.setTokenStatus(tokenID, []int{TokenPending, TokenProcessing}, TokenSigned)
	return nil
}

func (m *mockRepo) tokenStatus(id int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findToken(func(t *Token) bool { return t.ID == id }).Status
}

func (m *mockRepo) CreateSubmission(_ context.Context, s *Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = m.id()
	s.CreatedAt = m.clock()
	cp := *s
	m.submissions = append(m.submissions, &cp)
	return nil
}

func (m *mockRepo) findSubmission(id int64) *Submission {
	for _, s := range m.submissions {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func (m *mockRepo) GetSubmission(_ context.Context, id int64) (*Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.findSubmission(id)
	if s == nil {
		return nil, apperr.NotFound("consent submission not found")
	}
	cp := *s
	return &cp, nil
}

func (m *mockRepo) LatestSubmission(_ context.Context, tokenID int64) (*Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.submissions) - 1; i >= 0; i-- {
		if m.submissions[i].TokenID == tokenID {
			cp := *m.submissions[i]
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("consent submission not found")
}

func (m *mockRepo) update(id int64, fn func(*Submission)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.findSubmission(id)
	if s == nil {
		return apperr.NotFound("consent submission not found")
	}
	fn(s)
	return nil
}

func (m *mockRepo) MarkSubmissionProcessing(_ context.Context, id int64) error {
	return m.update(id, func(s *Submission) { s.Status = SubmissionProcessing })
}

func (m *mockRepo) CompleteSubmission(_ context.Context, id int64, pdfKey, pdfURL string) error {
	now := m.clock()
	return m.update(id, func(s *Submission) {
		s.Status = SubmissionCompleted
		s.PDFKey, s.PDFURL = &pdfKey, &pdfURL
		s.CompletedAt = &now
	})
}

func (m *mockRepo) FailSubmission(_ context.Context, id int64, reason string) error {
	now := m.clock()
	return m.update(id, func(s *Submission) {
		s.Status = SubmissionFailed
		s.Error = &reason
		s.CompletedAt = &now
	})
}

func (m *mockRepo) InsertConsent(_ context.Context, c *Consent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = m.id()
	c.SignedAt = m.clock()
	m.consents = append(m.consents, c)
	return nil
}

func (m *mockRepo) List(_ context.Context, filter ListFilter, limit, offset int) ([]ListItem, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []ListItem
	for _, t := range m.tokens {
		if want, ok := listStatusToken[filter.Status]; ok && t.Status != want {
			continue
		}
		p := m.patients[t.PatientID]
		name := p.first + " " + p.last
		if filter.Search != "" && !strings.Contains(strings.ToLower(name), strings.ToLower(filter.Search)) {
			continue
		}
		all = append(all, ListItem{
			TokenID:     t.ID,
			PatientID:   t.PatientID,
			PatientName: name,
			Status:      tokenStatusName(t.Status),
			CreatedAt:   t.CreatedAt,
		})
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
