package billing

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/rcm/internal/platform/apperr"
	"github.com/ehr/rcm/internal/platform/blobstore"
	"github.com/ehr/rcm/internal/platform/db"
	"github.com/ehr/rcm/internal/platform/events"
	"github.com/ehr/rcm/internal/platform/hipaa"
	"github.com/ehr/rcm/internal/platform/jobs"
	"github.com/ehr/rcm/internal/platform/notification"
	"github.com/ehr/rcm/internal/platform/pdf"
)

type uploadCounter struct{ ok, failed int }

func (u *uploadCounter) BlobUploaded(ok bool) {
	if ok {
		u.ok++
	} else {
		u.failed++
	}
}

type statementEnv struct {
	st       *Statements
	repo     *mockStatementRepo
	payments *mockPaymentRepo
	queue    *jobs.MemoryQueue
	store    *blobstore.MemoryStore
	sender   *notification.MockEmailSender
	pub      *events.MemoryPublisher
	uploads  *uploadCounter
}

func newStatementEnv(t *testing.T, renderer pdf.Renderer) *statementEnv {
	t.Helper()
	env := &statementEnv{
		repo:     newMockStatementRepo(),
		payments: &mockPaymentRepo{},
		queue:    jobs.NewMemoryQueue(4),
		store:    blobstore.NewMemoryStore("https://files.example.com"),
		sender:   &notification.MockEmailSender{},
		pub:      &events.MemoryPublisher{},
		uploads:  &uploadCounter{},
	}
	env.st = NewStatements(StatementDeps{
		Repo:      env.repo,
		Payments:  env.payments,
		Patients:  testPatients(),
		Queue:     env.queue,
		Renderer:  renderer,
		Store:     env.store,
		Mailer:    notification.NewNotifier(env.sender, notification.NewTemplateEngine()),
		Decrypter: hipaa.Disabled(),
		Publisher: env.pub,
	}, StatementConfig{
		Location:   time.UTC,
		AppBaseURL: "https://app.example.com/",
		OutputDir:  t.TempDir(),
		Retry:      blobstore.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond},
	}, zerolog.Nop())
	env.st.now = func() time.Time { return testNow }
	env.st.SetObserver(env.uploads)

	env.repo.lines = []ChargeLine{
		{Code: "99457", Description: "RPM treatment", Units: 1, Price: 51.55, BillingDate: time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)},
		{Code: "99490", Description: "CCM 20 min", Units: 2, Price: 60, BillingDate: time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)},
		{Code: "99454", Description: "Device supply", Units: 1, Price: 45, BillingDate: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)},
	}
	env.payments.payments = []Payment{
		{PatientID: 1, Amount: 50, PaidAt: time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)},
		{PatientID: 1, Amount: 999, PaidAt: time.Date(2024, 2, 28, 0, 0, 0, 0, time.UTC)},
	}
	return env
}

func pdfOf(_ context.Context, html string) ([]byte, error) {
	return []byte("%PDF-1.4 " + html), nil
}

func (env *statementEnv) generate(t *testing.T) *Statement {
	t.Helper()
	st, err := env.st.Generate(db.WithTenant(context.Background(), "acme"), &GenerateStatementRequest{PatientID: 1, Date: "2024-03-18"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return st
}

func (env *statementEnv) render(t *testing.T) {
	t.Helper()
	queued, err := env.queue.Receive(context.Background())
	if err != nil || len(queued) != 1 {
		t.Fatalf("expected one queued job, got %v (%v)", queued, err)
	}
	if err := env.st.HandleRender(context.Background(), queued[0]); err != nil {
		t.Fatalf("handle render: %v", err)
	}
}

func TestGenerateStatement(t *testing.T) {
	env := newStatementEnv(t, pdf.RendererFunc(pdfOf))
	st := env.generate(t)

	if st.Charges != 171.55 {
		t.Errorf("expected charges 171.55, got %v", st.Charges)
	}
	if st.Payments != 50 || st.Balance != 121.55 {
		t.Errorf("expected payments 50 and balance 121.55, got %v / %v", st.Payments, st.Balance)
	}
	if !st.PeriodStart.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected period start %v", st.PeriodStart)
	}
	if st.Status != StatementQueued || env.queue.Len() != 1 {
		t.Errorf("expected queued render, status %s queue %d", st.Status, env.queue.Len())
	}
	for _, want := range []string{"Lakeside Clinic", "Jane Doe", "March 2024", "$121.55", "99490"} {
		if !strings.Contains(st.HTML, want) {
			t.Errorf("statement html missing %q", want)
		}
	}
	if strings.Contains(st.HTML, "99454") {
		t.Error("April charge must not appear on a March statement")
	}
	if types := env.pub.Types(); len(types) != 1 || types[0] != events.TypeStatementGenerated {
		t.Errorf("expected statement.generated event, got %v", types)
	}
}

func TestGenerateStatement_EscapesHTML(t *testing.T) {
	env := newStatementEnv(t, pdf.RendererFunc(pdfOf))
	env.repo.lines[0].Description = "<script>alert(1)</script>"
	st := env.generate(t)
	if strings.Contains(st.HTML, "<script>") {
		t.Error("charge descriptions must be escaped")
	}
}

func TestGenerateStatement_Errors(t *testing.T) {
	env := newStatementEnv(t, pdf.RendererFunc(pdfOf))
	ctx := context.Background()
	if _, err := env.st.Generate(ctx, &GenerateStatementRequest{Date: "2024-03-01"}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	if _, err := env.st.Generate(ctx, &GenerateStatementRequest{PatientID: 1, Date: "03/2024"}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error for date, got %v", err)
	}
	if _, err := env.st.Generate(ctx, &GenerateStatementRequest{PatientID: 9}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestGenerateStatement_QueueFull(t *testing.T) {
	env := newStatementEnv(t, pdf.RendererFunc(pdfOf))
	full := jobs.NewMemoryQueue(1)
	filler, _ := jobs.NewJob(jobs.KindConsentRender, "acme", map[string]int{"submission_id": 1})
	full.Enqueue(context.Background(), filler)
	env.st.queue = full
	_, err := env.st.Generate(context.Background(), &GenerateStatementRequest{PatientID: 1, Date: "2024-03-18"})
	if !errors.Is(err, jobs.ErrQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}
	if env.repo.statements[1].Status != StatementFailed {
		t.Errorf("expected failed statement, got %s", env.repo.statements[1].Status)
	}
}

func TestHandleRender_StoresPDF(t *testing.T) {
	env := newStatementEnv(t, pdf.RendererFunc(pdfOf))
	st := env.generate(t)
	env.render(t)

	stored := env.repo.statements[st.ID]
	if stored.Status != StatementCompleted {
		t.Fatalf("expected completed, got %s", stored.Status)
	}
	if stored.PDFURL == nil || !strings.HasPrefix(*stored.PDFURL, "https://files.example.com/statement/1/") {
		t.Errorf("unexpected pdf url %v", stored.PDFURL)
	}
	if env.store.Len() != 1 || env.uploads.ok != 1 {
		t.Errorf("expected one upload, store %d observer %d", env.store.Len(), env.uploads.ok)
	}

	body, got, err := env.st.Download(context.Background(), st.ID)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer body.Close()
	data, _ := io.ReadAll(body)
	if !strings.HasPrefix(string(data), "%PDF-1.4") || got.ID != st.ID {
		t.Errorf("unexpected download %q", data[:8])
	}
}

func TestHandleRender_RenderFailure(t *testing.T) {
	env := newStatementEnv(t, pdf.RendererFunc(func(context.Context, string) ([]byte, error) {
		return nil, errors.New("chrome crashed")
	}))
	st := env.generate(t)
	env.render(t)

	stored := env.repo.statements[st.ID]
	if stored.Status != StatementFailed || stored.Error == nil || !strings.Contains(*stored.Error, "chrome crashed") {
		t.Errorf("expected failed statement with error, got %+v", stored)
	}
	if env.store.Len() != 0 {
		t.Error("nothing should be uploaded")
	}
}

func TestHandleRender_SkipsFinishedStatement(t *testing.T) {
	calls := 0
	env := newStatementEnv(t, pdf.RendererFunc(func(ctx context.Context, html string) ([]byte, error) {
		calls++
		return pdfOf(ctx, html)
	}))
	st := env.generate(t)
	job, _ := jobs.NewJob(jobs.KindStatementRender, "acme", statementPayload{StatementID: st.ID})
	env.render(t)

	if err := env.st.HandleRender(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("redelivered job must not render again, got %d renders", calls)
	}

	missing, _ := jobs.NewJob(jobs.KindStatementRender, "acme", statementPayload{StatementID: 404})
	if err := env.st.HandleRender(context.Background(), missing); err != nil {
		t.Errorf("missing statement should be dropped, got %v", err)
	}
}

func TestDownload_NotRenderedIsConflict(t *testing.T) {
	env := newStatementEnv(t, pdf.RendererFunc(pdfOf))
	st := env.generate(t)
	_, _, err := env.st.Download(context.Background(), st.ID)
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestResend(t *testing.T) {
	env := newStatementEnv(t, pdf.RendererFunc(pdfOf))
	st := env.generate(t)

	if _, err := env.st.Resend(context.Background(), &ResendStatementRequest{StatementID: st.ID}); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("expected conflict before render, got %v", err)
	}
	env.render(t)

	sent, err := env.st.Resend(context.Background(), &ResendStatementRequest{StatementID: st.ID})
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if sent.SentCount != 1 || sent.LastSentAt == nil {
		t.Errorf("expected sent_count 1, got %+v", sent)
	}
	calls := env.sender.Calls()
	if len(calls) != 1 || calls[0].To != "jane@example.com" {
		t.Fatalf("expected one email to jane, got %+v", calls)
	}
	if !strings.Contains(calls[0].Subject, "March 2024") {
		t.Errorf("unexpected subject %q", calls[0].Subject)
	}
	if !strings.Contains(calls[0].Body, "$121.55") || !strings.Contains(calls[0].Body, "https://app.example.com/statements/1") {
		t.Errorf("unexpected body %q", calls[0].Body)
	}
}

func TestResend_NoEmail(t *testing.T) {
	env := newStatementEnv(t, pdf.RendererFunc(pdfOf))
	env.repo.statements[5] = &Statement{ID: 5, PatientID: 2, Status: StatementCompleted}
	_, err := env.st.Resend(context.Background(), &ResendStatementRequest{StatementID: 5})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestHandleRender_BookkeepingFailureRetriedThenFailed(t *testing.T) {
	env := newStatementEnv(t, pdf.RendererFunc(pdfOf))
	env.queue.MaxAttempts = 2
	env.queue.RetryDelay = time.Millisecond
	env.repo.completeErr = errors.New("conn reset")
	st := env.generate(t)
	ctx := context.Background()

	first, err := env.queue.Receive(ctx)
	if err != nil || len(first) != 1 {
		t.Fatalf("receive: %v (%d jobs)", err, len(first))
	}
	if err := env.st.HandleRender(ctx, first[0]); err == nil {
		t.Fatal("expected error so the job is redelivered")
	}
	if got := env.repo.statements[st.ID].Status; got != StatementProcessing {
		t.Errorf("expected processing between attempts, got %s", got)
	}

	if err := env.queue.Retry(ctx, first[0]); err != nil {
		t.Fatalf("retry: %v", err)
	}
	second, err := env.queue.Receive(ctx)
	if err != nil || len(second) != 1 || !second[0].Final() {
		t.Fatalf("expected final redelivery, got %v (%v)", second, err)
	}
	if err := env.st.HandleRender(ctx, second[0]); err != nil {
		t.Fatalf("final attempt should settle the statement: %v", err)
	}
	s := env.repo.statements[st.ID]
	if s.Status != StatementFailed || s.Error == nil || !strings.Contains(*s.Error, "conn reset") {
		t.Errorf("expected failed statement with reason, got %s %v", s.Status, s.Error)
	}
}
