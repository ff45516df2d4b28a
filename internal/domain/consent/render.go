package consent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/rcm/internal/platform/apperr"
	"github.com/ehr/rcm/internal/platform/blobstore"
	"github.com/ehr/rcm/internal/platform/db"
	"github.com/ehr/rcm/internal/platform/events"
	"github.com/ehr/rcm/internal/platform/jobs"
	"github.com/ehr/rcm/internal/platform/pdf"
)

// RenderObserver counts render and upload outcomes. *metrics.Metrics
// satisfies it.
type RenderObserver interface {
	ConsentRendered(ok bool)
	BlobUploaded(ok bool)
}

type nopObserver struct{}

func (nopObserver) ConsentRendered(bool) {}
func (nopObserver) BlobUploaded(bool)    {}

type ProcessorConfig struct {
	OutputDir string
	Retry     blobstore.RetryPolicy
}

// Processor turns queued submissions into stored PDFs.
type Processor struct {
	repo      Repository
	tx        db.TxRunner
	renderer  pdf.Renderer
	store     blobstore.BlobStore
	publisher events.Publisher
	observer  RenderObserver
	cfg       ProcessorConfig
	logger    zerolog.Logger
}

func NewProcessor(repo Repository, tx db.TxRunner, renderer pdf.Renderer, store blobstore.BlobStore, publisher events.Publisher, cfg ProcessorConfig, logger zerolog.Logger) *Processor {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = blobstore.DefaultRetryPolicy(3)
	}
	return &Processor{
		repo:      repo,
		tx:        tx,
		renderer:  renderer,
		store:     store,
		publisher: publisher,
		observer:  nopObserver{},
		cfg:       cfg,
		logger:    logger.With().Str("component", "consent-renderer").Logger(),
	}
}

func (p *Processor) SetObserver(o RenderObserver) {
	if o != nil {
		p.observer = o
	}
}

// HandleRender is the jobs.HandlerFunc for consent.render. Render and upload
// failures are recorded on the submission and do not fail the job; only
// bookkeeping errors are returned so the job is redelivered. On the final
// delivery the submission is failed and the token released instead.
func (p *Processor) HandleRender(ctx context.Context, job jobs.Job) error {
	var payload renderPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}
	log := p.logger.With().Int64("submission_id", payload.SubmissionID).Str("tenant_id", job.TenantID).Logger()

	sub, err := p.repo.GetSubmission(ctx, payload.SubmissionID)
	if errors.Is(err, apperr.ErrNotFound) {
		log.Warn().Msg("submission no longer exists, dropping job")
		return nil
	}
	if err != nil {
		if job.Final() {
			log.Error().Err(err).Msg("submission unreadable on final attempt")
		}
		return err
	}
	if sub.Status == SubmissionCompleted || sub.Status == SubmissionFailed {
		return nil
	}
	token, err := p.repo.GetTokenByID(ctx, sub.TokenID)
	if err != nil {
		return p.abandon(ctx, job, sub, err)
	}
	if err := p.repo.MarkSubmissionProcessing(ctx, sub.ID); err != nil {
		return p.abandon(ctx, job, sub, err)
	}

	start := time.Now()
	data, err := p.renderer.Render(ctx, sub.HTML)
	if err != nil {
		return p.fail(ctx, job, sub, token, fmt.Errorf("render pdf: %w", err))
	}

	name := fmt.Sprintf("consent-%d-%d.pdf", token.PatientID, sub.ID)
	if p.cfg.OutputDir != "" {
		if path, err := pdf.WriteFile(p.cfg.OutputDir, name, data); err != nil {
			log.Warn().Err(err).Msg("could not keep local pdf copy")
		} else {
			log.Debug().Str("path", path).Msg("pdf written")
		}
	}

	meta, err := blobstore.UploadWithRetry(ctx, p.store, blobstore.BlobMetadata{
		FileName:    name,
		ContentType: "application/pdf",
		PatientID:   token.PatientID,
		Category:    blobstore.CategoryConsentForm,
	}, data, p.cfg.Retry, log)
	p.observer.BlobUploaded(err == nil)
	if err != nil {
		return p.fail(ctx, job, sub, token, err)
	}

	consent := &Consent{
		PatientID:  token.PatientID,
		ProviderID: token.ProviderID,
		TokenID:    token.ID,
		PDFURL:     meta.URL,
	}
	err = p.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := p.repo.InsertConsent(ctx, consent); err != nil {
			return err
		}
		if err := p.repo.CompleteSubmission(ctx, sub.ID, meta.Key, meta.URL); err != nil {
			return err
		}
		return p.repo.MarkTokenSigned(ctx, token.ID)
	})
	if err != nil {
		return p.fail(ctx, job, sub, token, fmt.Errorf("store consent: %w", err))
	}

	p.observer.ConsentRendered(true)
	if e, err := events.New(events.TypeConsentSigned, job.TenantID, token.PatientID, map[string]any{
		"consent_id":    consent.ID,
		"token_id":      token.ID,
		"submission_id": sub.ID,
		"pdf_url":       meta.URL,
	}); err == nil {
		events.PublishBestEffort(ctx, p.publisher, log, e)
	}

	log.Info().
		Int64("patient_id", token.PatientID).
		Int64("size", meta.Size).
		Dur("elapsed", time.Since(start)).
		Msg("consent pdf stored")
	return nil
}

// abandon returns cause so the job is redelivered, unless this is the last
// delivery, in which case the submission is failed and its token released.
func (p *Processor) abandon(ctx context.Context, job jobs.Job, sub *Submission, cause error) error {
	if !job.Final() {
		return cause
	}
	p.observer.ConsentRendered(false)
	p.logger.Error().Err(cause).Int64("submission_id", sub.ID).Msg("consent render abandoned")
	if err := p.repo.FailSubmission(ctx, sub.ID, cause.Error()); err != nil {
		return fmt.Errorf("mark submission failed: %w", err)
	}
	if err := p.repo.ReleaseToken(ctx, sub.TokenID); err != nil {
		return fmt.Errorf("release token: %w", err)
	}
	return nil
}

func (p *Processor) fail(ctx context.Context, job jobs.Job, sub *Submission, token *Token, cause error) error {
	p.observer.ConsentRendered(false)
	p.logger.Error().Err(cause).Int64("submission_id", sub.ID).Msg("consent render failed")

	if err := p.repo.FailSubmission(ctx, sub.ID, cause.Error()); err != nil {
		return fmt.Errorf("mark submission failed: %w", err)
	}
	if err := p.repo.ReleaseToken(ctx, token.ID); err != nil {
		return fmt.Errorf("release token: %w", err)
	}

	if e, err := events.New(events.TypeConsentFailed, job.TenantID, token.PatientID, map[string]any{
		"token_id":      token.ID,
		"submission_id": sub.ID,
	}); err == nil {
		events.PublishBestEffort(ctx, p.publisher, p.logger, e)
	}
	return nil
}
