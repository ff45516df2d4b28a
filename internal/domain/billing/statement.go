package billing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/rcm/internal/domain/timing"
	"github.com/ehr/rcm/internal/platform/apperr"
	"github.com/ehr/rcm/internal/platform/blobstore"
	"github.com/ehr/rcm/internal/platform/db"
	"github.com/ehr/rcm/internal/platform/events"
	"github.com/ehr/rcm/internal/platform/jobs"
	"github.com/ehr/rcm/internal/platform/notification"
	"github.com/ehr/rcm/internal/platform/pdf"
	"github.com/ehr/rcm/pkg/pagination"
)

// Mailer sends a templated email. *notification.Notifier satisfies it.
type Mailer interface {
	SendFromTemplate(ctx context.Context, templateID string, data map[string]string, recipient string) (*notification.Notification, error)
}

// FieldDecrypter reads encrypted PHI columns. *hipaa.EncryptionService
// satisfies it.
type FieldDecrypter interface {
	DecryptField(value string) (string, error)
}

// UploadObserver counts blob upload outcomes. *metrics.Metrics satisfies it.
type UploadObserver interface {
	BlobUploaded(ok bool)
}

type nopUploadObserver struct{}

func (nopUploadObserver) BlobUploaded(bool) {}

type StatementConfig struct {
	Location   *time.Location
	AppBaseURL string
	OutputDir  string
	Retry      blobstore.RetryPolicy
}

// Statements generates monthly patient statements and renders them to PDF.
type Statements struct {
	repo      StatementRepository
	payments  PaymentRepository
	patients  PatientDirectory
	queue     jobs.Queue
	renderer  pdf.Renderer
	store     blobstore.BlobStore
	mailer    Mailer
	decrypter FieldDecrypter
	publisher events.Publisher
	observer  UploadObserver
	cfg       StatementConfig
	logger    zerolog.Logger
	now       func() time.Time
}

type StatementDeps struct {
	Repo      StatementRepository
	Payments  PaymentRepository
	Patients  PatientDirectory
	Queue     jobs.Queue
	Renderer  pdf.Renderer
	Store     blobstore.BlobStore
	Mailer    Mailer
	Decrypter FieldDecrypter
	Publisher events.Publisher
}

func NewStatements(deps StatementDeps, cfg StatementConfig, logger zerolog.Logger) *Statements {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = blobstore.DefaultRetryPolicy(3)
	}
	if deps.Publisher == nil {
		deps.Publisher = events.NopPublisher{}
	}
	return &Statements{
		repo:      deps.Repo,
		payments:  deps.Payments,
		patients:  deps.Patients,
		queue:     deps.Queue,
		renderer:  deps.Renderer,
		store:     deps.Store,
		mailer:    deps.Mailer,
		decrypter: deps.Decrypter,
		publisher: deps.Publisher,
		observer:  nopUploadObserver{},
		cfg:       cfg,
		logger:    logger.With().Str("component", "statements").Logger(),
		now:       time.Now,
	}
}

func (s *Statements) SetObserver(o UploadObserver) {
	if o != nil {
		s.observer = o
	}
}

var statementTemplate = template.Must(template.New("statement").Funcs(template.FuncMap{
	"money": func(v float64) string { return fmt.Sprintf("$%.2f", v) },
	"date":  func(t time.Time) string { return t.Format("Jan 2, 2006") },
}).Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Statement {{.Period}}</title>
<style>
body { font-family: Helvetica, Arial, sans-serif; margin: 32px; color: #222; }
table { width: 100%; border-collapse: collapse; margin-top: 16px; }
th, td { border-bottom: 1px solid #ddd; padding: 6px; text-align: left; }
td.amount, th.amount { text-align: right; }
.totals td { font-weight: bold; }
</style>
</head>
<body>
<h1>{{.PracticeName}}</h1>
<h2>Patient statement for {{.Period}}</h2>
<p>{{.PatientName}}<br>Statement date: {{date .Issued}}</p>
<table>
<tr><th>Date</th><th>Code</th><th>Description</th><th>Units</th><th class="amount">Amount</th></tr>
{{- range .Lines}}
<tr><td>{{date .BillingDate}}</td><td>{{.Code}}</td><td>{{.Description}}</td><td>{{.Units}}</td><td class="amount">{{money .Amount}}</td></tr>
{{- else}}
<tr><td colspan="5">No charges this period.</td></tr>
{{- end}}
</table>
<table class="totals">
<tr><td>Charges</td><td class="amount">{{money .Charges}}</td></tr>
<tr><td>Payments</td><td class="amount">-{{money .Payments}}</td></tr>
<tr><td>Balance due</td><td class="amount">{{money .Balance}}</td></tr>
</table>
</body>
</html>
`))

type statementView struct {
	PracticeName string
	PatientName  string
	Period       string
	Issued       time.Time
	Lines        []ChargeLine
	Charges      float64
	Payments     float64
	Balance      float64
}

func renderStatementHTML(v statementView) (string, error) {
	var buf bytes.Buffer
	if err := statementTemplate.Execute(&buf, v); err != nil {
		return "", fmt.Errorf("render statement html: %w", err)
	}
	return buf.String(), nil
}

func periodLabel(start time.Time) string {
	return start.Format("January 2006")
}

type statementPayload struct {
	StatementID int64 `json:"statement_id"`
}

// Generate builds the statement for the month containing req.Date and queues
// its PDF render.
func (s *Statements) Generate(ctx context.Context, req *GenerateStatementRequest) (*Statement, error) {
	if req.PatientID <= 0 {
		return nil, apperr.Validation("patient_id is required")
	}
	date, err := timing.ParseDate(req.Date, s.cfg.Location)
	if err != nil {
		return nil, apperr.Validation("%s", err.Error())
	}
	if date.IsZero() {
		date = s.now()
	}
	start, next := timing.Window(date, s.cfg.Location)

	patient, err := s.patients.Patient(ctx, req.PatientID)
	if err != nil {
		return nil, err
	}
	lines, err := s.repo.ChargeLines(ctx, req.PatientID, start, next)
	if err != nil {
		return nil, err
	}
	paid, err := s.payments.SumInWindow(ctx, req.PatientID, start, next)
	if err != nil {
		return nil, err
	}

	cpt := make([]timing.CPTLine, len(lines))
	for i, l := range lines {
		cpt[i] = timing.CPTLine{Code: l.Code, Price: l.Price, CodeUnits: l.Units}
	}
	charges := timing.CPTAmount(cpt)
	paid = roundCents(paid)

	st := &Statement{
		PatientID:   req.PatientID,
		PeriodStart: start,
		PeriodEnd:   timing.EndOfMonth(next),
		Charges:     charges,
		Payments:    paid,
		Balance:     roundCents(charges - paid),
		Status:      StatementQueued,
	}
	st.HTML, err = renderStatementHTML(statementView{
		PracticeName: patient.PracticeName,
		PatientName:  patient.Name(),
		Period:       periodLabel(start),
		Issued:       s.now().In(s.cfg.Location),
		Lines:        lines,
		Charges:      st.Charges,
		Payments:     st.Payments,
		Balance:      st.Balance,
	})
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, st); err != nil {
		return nil, fmt.Errorf("create statement: %w", err)
	}

	tenantID := db.TenantFromContext(ctx)
	job, err := jobs.NewJob(jobs.KindStatementRender, tenantID, statementPayload{StatementID: st.ID})
	if err == nil {
		err = s.queue.Enqueue(ctx, job)
	}
	if err != nil {
		if ferr := s.repo.Fail(ctx, st.ID, "render could not be queued"); ferr != nil {
			s.logger.Error().Err(ferr).Int64("statement_id", st.ID).Msg("failed to mark statement failed")
		}
		return nil, fmt.Errorf("queue statement render: %w", err)
	}

	if e, err := events.New(events.TypeStatementGenerated, tenantID, st.PatientID, map[string]any{
		"statement_id": st.ID,
		"period":       periodLabel(start),
		"balance":      st.Balance,
	}); err == nil {
		events.PublishBestEffort(ctx, s.publisher, s.logger, e)
	}
	s.logger.Info().Int64("statement_id", st.ID).Int64("patient_id", st.PatientID).Msg("statement queued")
	return st, nil
}

func (s *Statements) Get(ctx context.Context, id int64) (*Statement, error) {
	return s.repo.Get(ctx, id)
}

func (s *Statements) List(ctx context.Context, patientID int64, p pagination.Params) (*pagination.Page[Statement], error) {
	items, total, err := s.repo.ListByPatient(ctx, patientID, p.Limit, p.Offset)
	if err != nil {
		return nil, err
	}
	return pagination.NewPage(items, total, p), nil
}

// Download opens the rendered PDF. Statements that are not rendered yet are
// conflicts.
func (s *Statements) Download(ctx context.Context, id int64) (io.ReadCloser, *Statement, error) {
	st, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if st.Status != StatementCompleted || st.PDFKey == nil {
		return nil, nil, apperr.Conflict("statement %d is not rendered (status %s)", id, st.Status)
	}
	body, _, err := s.store.Download(ctx, *st.PDFKey)
	if err != nil {
		return nil, nil, fmt.Errorf("download statement: %w", err)
	}
	return body, st, nil
}

func (s *Statements) link(id int64) string {
	return fmt.Sprintf("%s/statements/%d", strings.TrimRight(s.cfg.AppBaseURL, "/"), id)
}

// Resend emails the patient a link to a rendered statement.
func (s *Statements) Resend(ctx context.Context, req *ResendStatementRequest) (*Statement, error) {
	if req.StatementID <= 0 {
		return nil, apperr.Validation("statement_id is required")
	}
	st, err := s.repo.Get(ctx, req.StatementID)
	if err != nil {
		return nil, err
	}
	if st.Status != StatementCompleted {
		return nil, apperr.Conflict("statement %d is not rendered (status %s)", st.ID, st.Status)
	}
	patient, err := s.patients.Patient(ctx, st.PatientID)
	if err != nil {
		return nil, err
	}
	if patient.EmailEnc == nil || *patient.EmailEnc == "" {
		return nil, apperr.Validation("patient %d has no email address", st.PatientID)
	}
	email, err := s.decrypter.DecryptField(*patient.EmailEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypt patient email: %w", err)
	}

	_, err = s.mailer.SendFromTemplate(ctx, notification.TemplateStatementReady, map[string]string{
		"patient_name":   patient.Name(),
		"period":         periodLabel(st.PeriodStart.In(s.cfg.Location)),
		"balance":        fmt.Sprintf("$%.2f", st.Balance),
		"statement_link": s.link(st.ID),
	}, email)
	if err != nil {
		return nil, fmt.Errorf("send statement email: %w", err)
	}
	sent, err := s.repo.MarkSent(ctx, st.ID)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("statement_id", st.ID).Int("sent_count", sent.SentCount).Msg("statement sent")
	return sent, nil
}

// HandleRender is the jobs.HandlerFunc for statement.render. Render and
// upload failures mark the statement failed; only bookkeeping errors are
// returned so the job is redelivered.
func (s *Statements) HandleRender(ctx context.Context, job jobs.Job) error {
	var payload statementPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}
	log := s.logger.With().Int64("statement_id", payload.StatementID).Str("tenant_id", job.TenantID).Logger()

	st, err := s.repo.Get(ctx, payload.StatementID)
	if errors.Is(err, apperr.ErrNotFound) {
		log.Warn().Msg("statement no longer exists, dropping job")
		return nil
	}
	if err != nil {
		return err
	}
	if st.Status == StatementCompleted || st.Status == StatementFailed {
		return nil
	}
	if err := s.repo.MarkProcessing(ctx, st.ID); err != nil {
		return s.abandon(ctx, job, st, err)
	}

	data, err := s.renderer.Render(ctx, st.HTML)
	if err != nil {
		return s.fail(ctx, st, fmt.Errorf("render pdf: %w", err))
	}
	name := fmt.Sprintf("statement-%d-%s.pdf", st.PatientID, st.PeriodStart.Format("2006-01"))
	if s.cfg.OutputDir != "" {
		if _, err := pdf.WriteFile(s.cfg.OutputDir, name, data); err != nil {
			log.Warn().Err(err).Msg("could not keep local pdf copy")
		}
	}

	meta, err := blobstore.UploadWithRetry(ctx, s.store, blobstore.BlobMetadata{
		FileName:    name,
		ContentType: "application/pdf",
		PatientID:   st.PatientID,
		Category:    blobstore.CategoryStatement,
	}, data, s.cfg.Retry, log)
	s.observer.BlobUploaded(err == nil)
	if err != nil {
		return s.fail(ctx, st, err)
	}
	if err := s.repo.Complete(ctx, st.ID, meta.Key, meta.URL); err != nil {
		return s.abandon(ctx, job, st, fmt.Errorf("complete statement: %w", err))
	}
	log.Info().Int64("size", meta.Size).Msg("statement pdf stored")
	return nil
}

// abandon returns cause for redelivery until the final attempt, which marks
// the statement failed instead.
func (s *Statements) abandon(ctx context.Context, job jobs.Job, st *Statement, cause error) error {
	if !job.Final() {
		return cause
	}
	return s.fail(ctx, st, cause)
}

func (s *Statements) fail(ctx context.Context, st *Statement, cause error) error {
	s.logger.Error().Err(cause).Int64("statement_id", st.ID).Msg("statement render failed")
	if err := s.repo.Fail(ctx, st.ID, cause.Error()); err != nil {
		return fmt.Errorf("mark statement failed: %w", err)
	}
	return nil
}
