package consent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/rcm/internal/platform/apperr"
	"github.com/ehr/rcm/internal/platform/db"
	"github.com/ehr/rcm/internal/platform/events"
	"github.com/ehr/rcm/internal/platform/hipaa"
	"github.com/ehr/rcm/internal/platform/jobs"
	"github.com/ehr/rcm/internal/platform/notification"
	"github.com/ehr/rcm/pkg/pagination"
)

var issuedAt = time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	svc    *Service
	repo   *mockRepo
	queue  *jobs.MemoryQueue
	sender *notification.MockEmailSender
	pub    *events.MemoryPublisher
	now    time.Time
}

func newTestEnv() *testEnv {
	env := &testEnv{now: issuedAt}
	clock := func() time.Time { return env.now }
	env.repo = newMockRepo(clock)
	env.queue = jobs.NewMemoryQueue(10)
	env.sender = &notification.MockEmailSender{}
	env.pub = &events.MemoryPublisher{}
	env.svc = NewService(env.repo, db.NopTxRunner{}, env.queue,
		notification.NewNotifier(env.sender, notification.NewTemplateEngine()),
		hipaa.Disabled(), env.pub,
		Config{TokenTTL: 48 * time.Hour, AppBaseURL: "https://app.example.com/"},
		zerolog.Nop())
	env.svc.now = clock
	return env
}

func (env *testEnv) send(t *testing.T) *SendResult {
	t.Helper()
	ctx := db.WithTenant(context.Background(), "acme")
	res, err := env.svc.Send(ctx, 7)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	return res
}

func TestSend_IssuesTokenAndEmailsLink(t *testing.T) {
	env := newTestEnv()
	res := env.send(t)

	if !strings.HasPrefix(res.Link, "https://app.example.com/consent-form?") {
		t.Errorf("unexpected link %q", res.Link)
	}
	if !strings.Contains(res.Link, "token="+res.Token.String()) || !strings.Contains(res.Link, "tenant_id=acme") {
		t.Errorf("link should carry token and tenant, got %q", res.Link)
	}
	if !res.ExpiresAt.Equal(issuedAt.Add(48 * time.Hour)) {
		t.Errorf("expected expiry 48h after issue, got %s", res.ExpiresAt)
	}

	calls := env.sender.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 email, got %d", len(calls))
	}
	if calls[0].To != "jane@example.com" {
		t.Errorf("expected email to jane@example.com, got %s", calls[0].To)
	}
	for _, want := range []string{"Jane Doe", "Dr. Smith", "Main Street Clinic", res.Link, "48 hours"} {
		if !strings.Contains(calls[0].Body, want) {
			t.Errorf("email body missing %q", want)
		}
	}
	if got := env.pub.Types(); len(got) != 1 || got[0] != events.TypeConsentRequested {
		t.Errorf("expected consent.requested event, got %v", got)
	}
	if env.repo.tokens[0].Status != TokenPending {
		t.Errorf("new token should be pending, got %d", env.repo.tokens[0].Status)
	}
}

func TestSend_Errors(t *testing.T) {
	env := newTestEnv()
	tests := []struct {
		name      string
		patientID int64
		want      error
	}{
		{"missing id", 0, apperr.ErrValidation},
		{"unknown patient", 99, apperr.ErrNotFound},
		{"no email", 8, apperr.ErrValidation},
	}
	for _, tt := range tests {
		_, err := env.svc.Send(context.Background(), tt.patientID)
		if !errors.Is(err, tt.want) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, err)
		}
	}
	if len(env.sender.Calls()) != 0 {
		t.Error("no email should be sent on error")
	}
}

func TestDetails_ValidToken(t *testing.T) {
	env := newTestEnv()
	res := env.send(t)
	env.now = issuedAt.Add(47 * time.Hour)

	d, err := env.svc.Details(context.Background(), res.Token.String())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.PatientID != 7 || d.ProviderName != "Dr. Smith" {
		t.Errorf("unexpected details %+v", d)
	}
	if !d.ExpiresAt.Equal(issuedAt.Add(48 * time.Hour)) {
		t.Errorf("unexpected expiry %s", d.ExpiresAt)
	}
}

func TestDetails_ExpiredAfterTTL(t *testing.T) {
	env := newTestEnv()
	res := env.send(t)
	env.now = issuedAt.Add(49 * time.Hour)

	_, err := env.svc.Details(context.Background(), res.Token.String())
	if !errors.Is(err, apperr.ErrExpired) {
		t.Fatalf("expected expired error, got %v", err)
	}
	if apperr.Status(err) != 410 {
		t.Errorf("expected 410, got %d", apperr.Status(err))
	}
}

func TestDetails_InvalidToken(t *testing.T) {
	env := newTestEnv()
	for _, raw := range []string{"not-a-uuid", "0b7c5d8e-3f41-4f57-9d8c-1a2b3c4d5e6f"} {
		if _, err := env.svc.Details(context.Background(), raw); !errors.Is(err, apperr.ErrNotFound) {
			t.Errorf("%s: expected not found, got %v", raw, err)
		}
	}
	if _, err := env.svc.Details(context.Background(), ""); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("empty token: expected validation error, got %v", err)
	}
}

func TestSubmit_QueuesRenderAndConsumesToken(t *testing.T) {
	env := newTestEnv()
	res := env.send(t)
	ctx := db.WithTenant(context.Background(), "acme")

	out, err := env.svc.Submit(ctx, SubmitRequest{Token: res.Token.String(), HTML: "<html>signed</html>"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Status != SubmissionQueued || out.SubmissionID == 0 {
		t.Errorf("unexpected result %+v", out)
	}
	if env.queue.Len() != 1 {
		t.Fatalf("expected 1 queued job, got %d", env.queue.Len())
	}
	jobsOut, _ := env.queue.Receive(ctx)
	if jobsOut[0].Kind != jobs.KindConsentRender || jobsOut[0].TenantID != "acme" {
		t.Errorf("unexpected job %+v", jobsOut[0])
	}
	var payload renderPayload
	if err := jobsOut[0].Decode(&payload); err != nil || payload.SubmissionID != out.SubmissionID {
		t.Errorf("job payload %+v, err %v", payload, err)
	}

	if _, err := env.svc.Details(ctx, res.Token.String()); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("token should no longer be usable, got %v", err)
	}
	if _, err := env.svc.Submit(ctx, SubmitRequest{Token: res.Token.String(), HTML: "<html/>"}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("resubmission should be rejected, got %v", err)
	}
}

func TestSubmit_RequiresHTML(t *testing.T) {
	env := newTestEnv()
	res := env.send(t)
	_, err := env.svc.Submit(context.Background(), SubmitRequest{Token: res.Token.String(), HTML: "  "})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSubmit_Expired(t *testing.T) {
	env := newTestEnv()
	res := env.send(t)
	env.now = issuedAt.Add(49 * time.Hour)
	_, err := env.svc.Submit(context.Background(), SubmitRequest{Token: res.Token.String(), HTML: "<html/>"})
	if !errors.Is(err, apperr.ErrExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
	if env.queue.Len() != 0 {
		t.Error("expired submission must not be queued")
	}
}

func TestSubmit_ConcurrentSubmissionsClaimOnce(t *testing.T) {
	env := newTestEnv()
	res := env.send(t)

	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Submit(context.Background(), SubmitRequest{Token: res.Token.String(), HTML: "<html/>"})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			if !errors.Is(err, apperr.ErrConflict) && !errors.Is(err, apperr.ErrNotFound) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 1 {
		t.Fatalf("expected exactly one accepted submission, got %d", ok)
	}
	if env.queue.Len() != 1 {
		t.Errorf("expected one render job, got %d", env.queue.Len())
	}
}

func TestSubmit_EnqueueFailureReleasesToken(t *testing.T) {
	env := newTestEnv()
	env.queue = jobs.NewMemoryQueue(1)
	env.svc.queue = env.queue
	_ = env.queue.Enqueue(context.Background(), jobs.Job{Kind: "filler"})

	res := env.send(t)
	_, err := env.svc.Submit(context.Background(), SubmitRequest{Token: res.Token.String(), HTML: "<html/>"})
	if !errors.Is(err, jobs.ErrQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}

	tok := env.repo.tokens[0]
	if env.repo.tokenStatus(tok.ID) != TokenPending {
		t.Errorf("token should be pending again, got %d", env.repo.tokenStatus(tok.ID))
	}
	if env.repo.submissions[0].Status != SubmissionFailed {
		t.Errorf("submission should be failed, got %s", env.repo.submissions[0].Status)
	}
	if _, err := env.svc.Details(context.Background(), res.Token.String()); err != nil {
		t.Errorf("link should be usable again, got %v", err)
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv()
	res := env.send(t)

	if _, err := env.svc.Status(context.Background(), res.Token.String()); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found before submission, got %v", err)
	}

	out, err := env.svc.Submit(context.Background(), SubmitRequest{Token: res.Token.String(), HTML: "<html/>"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	st, err := env.svc.Status(context.Background(), res.Token.String())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.SubmissionID != out.SubmissionID || st.Status != SubmissionQueued {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestList_FiltersByStatus(t *testing.T) {
	env := newTestEnv()
	first := env.send(t)
	env.send(t)
	if _, err := env.svc.Submit(context.Background(), SubmitRequest{Token: first.Token.String(), HTML: "<html/>"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	p := pagination.Params{Limit: 10}
	page, err := env.svc.List(context.Background(), ListFilter{Status: ListPending}, p)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 1 || page.Items[0].Status != ListPending {
		t.Errorf("expected one pending consent, got %+v", page)
	}

	page, _ = env.svc.List(context.Background(), ListFilter{Search: "doe"}, p)
	if page.Total != 2 {
		t.Errorf("expected 2 matches for search, got %d", page.Total)
	}

	if _, err := env.svc.List(context.Background(), ListFilter{Status: "archived"}, p); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error for unknown status, got %v", err)
	}
}

func TestHumanDuration(t *testing.T) {
	tests := map[time.Duration]string{
		48 * time.Hour:   "48 hours",
		time.Hour:        "1 hour",
		90 * time.Minute: "1h30m0s",
	}
	for d, want := range tests {
		if got := humanDuration(d); got != want {
			t.Errorf("%s: expected %q, got %q", d, want, got)
		}
	}
}
