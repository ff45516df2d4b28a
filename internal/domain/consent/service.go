package consent

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/rcm/internal/platform/apperr"
	"github.com/ehr/rcm/internal/platform/db"
	"github.com/ehr/rcm/internal/platform/events"
	"github.com/ehr/rcm/internal/platform/jobs"
	"github.com/ehr/rcm/internal/platform/notification"
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

type Config struct {
	TokenTTL   time.Duration
	AppBaseURL string
}

type Service struct {
	repo      Repository
	tx        db.TxRunner
	queue     jobs.Queue
	mailer    Mailer
	decrypter FieldDecrypter
	publisher events.Publisher
	cfg       Config
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(repo Repository, tx db.TxRunner, queue jobs.Queue, mailer Mailer, decrypter FieldDecrypter, publisher events.Publisher, cfg Config, logger zerolog.Logger) *Service {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Service{
		repo:      repo,
		tx:        tx,
		queue:     queue,
		mailer:    mailer,
		decrypter: decrypter,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With().Str("component", "consent").Logger(),
		now:       time.Now,
	}
}

func (s *Service) link(token uuid.UUID, tenantID string) string {
	q := url.Values{}
	q.Set("token", token.String())
	if tenantID != "" {
		q.Set("tenant_id", tenantID)
	}
	return strings.TrimRight(s.cfg.AppBaseURL, "/") + "/consent-form?" + q.Encode()
}

// Send issues a new consent token for the patient and emails the signing
// link.
func (s *Service) Send(ctx context.Context, patientID int64) (*SendResult, error) {
	if patientID <= 0 {
		return nil, apperr.Validation("patientId is required")
	}
	rc, err := s.repo.Recipient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if rc.EmailEnc == nil || *rc.EmailEnc == "" {
		return nil, apperr.Validation("patient %d has no email address", patientID)
	}
	email, err := s.decrypter.DecryptField(*rc.EmailEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypt patient email: %w", err)
	}

	t := &Token{
		Token:      uuid.New(),
		PatientID:  rc.PatientID,
		ProviderID: rc.ProviderID,
		Status:     TokenPending,
	}
	if err := s.repo.CreateToken(ctx, t); err != nil {
		return nil, fmt.Errorf("create consent token: %w", err)
	}

	tenantID := db.TenantFromContext(ctx)
	link := s.link(t.Token, tenantID)
	_, err = s.mailer.SendFromTemplate(ctx, notification.TemplateConsentRequest, map[string]string{
		"patient_name":  rc.PatientName(),
		"provider_name": rc.ProviderName,
		"practice_name": rc.PracticeName,
		"consent_link":  link,
		"expires_in":    humanDuration(s.cfg.TokenTTL),
	}, email)
	if err != nil {
		return nil, fmt.Errorf("send consent email: %w", err)
	}

	if e, err := events.New(events.TypeConsentRequested, tenantID, patientID, map[string]any{
		"token_id":    t.ID,
		"provider_id": t.ProviderID,
	}); err == nil {
		events.PublishBestEffort(ctx, s.publisher, s.logger, e)
	}

	s.logger.Info().Int64("patient_id", patientID).Int64("token_id", t.ID).Msg("consent link sent")
	return &SendResult{Token: t.Token, Link: link, ExpiresAt: t.CreatedAt.Add(s.cfg.TokenTTL)}, nil
}

func parseToken(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, apperr.Validation("token is required")
	}
	t, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.NotFound("consent link expired or invalid")
	}
	return t, nil
}

// Details returns what the consent form shows. The token must be pending and
// younger than the configured TTL.
func (s *Service) Details(ctx context.Context, rawToken string) (*Details, error) {
	token, err := parseToken(rawToken)
	if err != nil {
		return nil, err
	}
	d, err := s.repo.PendingDetails(ctx, token)
	if err != nil {
		return nil, err
	}
	d.ExpiresAt = d.CreatedAt.Add(s.cfg.TokenTTL)
	if s.now().After(d.ExpiresAt) {
		return nil, apperr.Expired("consent link has expired")
	}
	return d, nil
}

// Submit claims the token and queues the signed HTML for rendering.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if strings.TrimSpace(req.HTML) == "" {
		return nil, apperr.Validation("html is required")
	}
	if _, err := s.Details(ctx, req.Token); err != nil {
		return nil, err
	}
	token, _ := parseToken(req.Token)

	sub := &Submission{HTML: req.HTML, Status: SubmissionQueued}
	var claimed *Token
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		t, err := s.repo.ClaimToken(ctx, token)
		if err != nil {
			return err
		}
		claimed = t
		sub.TokenID = t.ID
		return s.repo.CreateSubmission(ctx, sub)
	})
	if err != nil {
		return nil, err
	}

	job, err := jobs.NewJob(jobs.KindConsentRender, db.TenantFromContext(ctx), renderPayload{SubmissionID: sub.ID})
	if err == nil {
		err = s.queue.Enqueue(ctx, job)
	}
	if err != nil {
		s.logger.Error().Err(err).Int64("submission_id", sub.ID).Msg("failed to queue consent render")
		s.rollback(ctx, sub.ID, claimed.ID, "render could not be queued")
		return nil, fmt.Errorf("queue consent render: %w", err)
	}

	s.logger.Info().Int64("submission_id", sub.ID).Int64("patient_id", claimed.PatientID).Msg("consent submitted")
	return &SubmitResult{SubmissionID: sub.ID, Status: sub.Status}, nil
}

// rollback fails the submission and hands the token back so the link can be
// used again.
func (s *Service) rollback(ctx context.Context, submissionID, tokenID int64, reason string) {
	if err := s.repo.FailSubmission(ctx, submissionID, reason); err != nil {
		s.logger.Error().Err(err).Int64("submission_id", submissionID).Msg("failed to mark submission failed")
	}
	if err := s.repo.ReleaseToken(ctx, tokenID); err != nil {
		s.logger.Error().Err(err).Int64("token_id", tokenID).Msg("failed to release consent token")
	}
}

// Status reports the latest submission for a token.
func (s *Service) Status(ctx context.Context, rawToken string) (*StatusResult, error) {
	token, err := parseToken(rawToken)
	if err != nil {
		return nil, err
	}
	t, err := s.repo.GetToken(ctx, token)
	if err != nil {
		return nil, err
	}
	sub, err := s.repo.LatestSubmission(ctx, t.ID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.NotFound("no submission for this consent link")
	}
	if err != nil {
		return nil, err
	}
	return &StatusResult{
		Token:        t.Token,
		SubmissionID: sub.ID,
		Status:       sub.Status,
		PDFURL:       sub.PDFURL,
		Error:        sub.Error,
		CompletedAt:  sub.CompletedAt,
	}, nil
}

func (s *Service) List(ctx context.Context, filter ListFilter, p pagination.Params) (*pagination.Page[ListItem], error) {
	if filter.Status != "" {
		if _, ok := listStatusToken[filter.Status]; !ok {
			return nil, apperr.Validation("status must be one of pending, processing, signed")
		}
	}
	filter.Search = strings.TrimSpace(filter.Search)
	items, total, err := s.repo.List(ctx, filter, p.Limit, p.Offset)
	if err != nil {
		return nil, err
	}
	return pagination.NewPage(items, total, p), nil
}

func humanDuration(d time.Duration) string {
	if d%time.Hour == 0 {
		h := int(d / time.Hour)
		if h == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", h)
	}
	return d.String()
}
