package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/rcm/internal/platform/apperr"
	"github.com/ehr/rcm/internal/platform/auth"
	"github.com/ehr/rcm/internal/platform/db"
	"github.com/ehr/rcm/internal/platform/events"
	"github.com/ehr/rcm/pkg/pagination"
)

type Service struct {
	claims    ClaimRepository
	payments  PaymentRepository
	patients  PatientDirectory
	tx        db.TxRunner
	publisher events.Publisher
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(claims ClaimRepository, payments PaymentRepository, patients PatientDirectory, tx db.TxRunner, publisher events.Publisher, logger zerolog.Logger) *Service {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Service{
		claims:    claims,
		payments:  payments,
		patients:  patients,
		tx:        tx,
		publisher: publisher,
		logger:    logger.With().Str("component", "billing").Logger(),
		now:       time.Now,
	}
}

func newClaimNumber(now time.Time) string {
	return fmt.Sprintf("CLM-%s-%s", now.UTC().Format("20060102"),
		strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8]))
}

// -- Claims --

func (s *Service) CreateClaim(ctx context.Context, req *CreateClaimRequest) (*Claim, error) {
	c, err := req.claim()
	if err != nil {
		return nil, apperr.Validation("%s", err.Error())
	}
	if _, err := s.patients.Patient(ctx, c.PatientID); err != nil {
		return nil, err
	}
	c.ClaimNumber = newClaimNumber(s.now())
	c.CreatedBy = auth.UserIDFromContext(ctx)

	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.claims.Create(ctx, c); err != nil {
			return fmt.Errorf("create claim: %w", err)
		}
		return s.claims.AddHistory(ctx, &StatusChange{ClaimID: c.ID, ToStatus: ClaimDraft, ChangedBy: c.CreatedBy})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("claim_id", c.ID).Int64("patient_id", c.PatientID).Msg("claim created")
	return c, nil
}

func (s *Service) GetClaim(ctx context.Context, id int64) (*Claim, error) {
	return s.claims.Get(ctx, id)
}

func (s *Service) ListClaims(ctx context.Context, f ClaimFilter, p pagination.Params) (*pagination.Page[Claim], error) {
	if f.Status != "" && !validClaimStatus(f.Status) {
		return nil, apperr.Validation("invalid claim status: %s", f.Status)
	}
	claims, total, err := s.claims.List(ctx, f, p.Limit, p.Offset)
	if err != nil {
		return nil, err
	}
	return pagination.NewPage(claims, total, p), nil
}

// transition moves a claim inside the caller's transaction and records the
// change.
func (s *Service) transition(ctx context.Context, id int64, to, reason string) (*Claim, string, error) {
	current, err := s.claims.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if !CanTransition(current.Status, to) {
		return nil, "", apperr.Conflict("claim %d cannot move from %s to %s", id, current.Status, to)
	}
	updated, err := s.claims.UpdateStatus(ctx, id, current.Status, to)
	if err != nil {
		return nil, "", err
	}
	from := current.Status
	err = s.claims.AddHistory(ctx, &StatusChange{
		ClaimID:    id,
		FromStatus: &from,
		ToStatus:   to,
		Reason:     strings.TrimSpace(reason),
		ChangedBy:  auth.UserIDFromContext(ctx),
	})
	if err != nil {
		return nil, "", fmt.Errorf("record claim history: %w", err)
	}
	return updated, from, nil
}

func (s *Service) publishStatus(ctx context.Context, c *Claim, from, reason string) {
	e, err := events.New(events.TypeClaimStatusChanged, db.TenantFromContext(ctx), c.ID, map[string]any{
		"claim_number": c.ClaimNumber,
		"patient_id":   c.PatientID,
		"from":         from,
		"to":           c.Status,
		"reason":       reason,
	})
	if err == nil {
		events.PublishBestEffort(ctx, s.publisher, s.logger, e)
	}
}

// ChangeStatus applies one state-machine step. Invalid steps are conflicts.
func (s *Service) ChangeStatus(ctx context.Context, id int64, to, reason string) (*Claim, error) {
	if id <= 0 {
		return nil, apperr.Validation("claim_id is required")
	}
	if !validClaimStatus(to) {
		return nil, apperr.Validation("invalid claim status: %s", to)
	}
	if to == ClaimCorrected {
		return nil, apperr.Validation("use the correct action to correct a claim")
	}
	var (
		claim *Claim
		from  string
	)
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		claim, from, err = s.transition(ctx, id, to, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.publishStatus(ctx, claim, from, reason)
	s.logger.Info().Int64("claim_id", id).Str("from", from).Str("to", to).Msg("claim status changed")
	return claim, nil
}

func (s *Service) Submit(ctx context.Context, req *ClaimActionRequest) (*Claim, error) {
	return s.ChangeStatus(ctx, req.ClaimID, ClaimSubmitted, req.Reason)
}

func (s *Service) Void(ctx context.Context, req *ClaimActionRequest) (*Claim, error) {
	return s.ChangeStatus(ctx, req.ClaimID, ClaimVoided, req.Reason)
}

// Adjudicate records the payer's decision on a submitted claim.
func (s *Service) Adjudicate(ctx context.Context, req *ClaimActionRequest) (*Claim, error) {
	if req.Status != ClaimPaid && req.Status != ClaimDenied {
		return nil, apperr.Validation("status must be paid or denied")
	}
	return s.ChangeStatus(ctx, req.ClaimID, req.Status, req.Reason)
}

// Correct marks the claim corrected and opens a replacement draft linked to it.
func (s *Service) Correct(ctx context.Context, req *CorrectClaimRequest) (*CorrectionResult, error) {
	if req.ClaimID <= 0 {
		return nil, apperr.Validation("claim_id is required")
	}
	var (
		res  CorrectionResult
		from string
	)
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		original, err := s.claims.Get(ctx, req.ClaimID)
		if err != nil {
			return err
		}
		replacement, err := req.replacement(original)
		if err != nil {
			return apperr.Validation("%s", err.Error())
		}
		res.Original, from, err = s.transition(ctx, req.ClaimID, ClaimCorrected, req.Reason)
		if err != nil {
			return err
		}
		replacement.ClaimNumber = newClaimNumber(s.now())
		replacement.CreatedBy = auth.UserIDFromContext(ctx)
		if err := s.claims.Create(ctx, replacement); err != nil {
			return fmt.Errorf("create replacement claim: %w", err)
		}
		res.Replacement = replacement
		return s.claims.AddHistory(ctx, &StatusChange{
			ClaimID:   replacement.ID,
			ToStatus:  ClaimDraft,
			Reason:    fmt.Sprintf("correction of %s", original.ClaimNumber),
			ChangedBy: replacement.CreatedBy,
		})
	})
	if err != nil {
		return nil, err
	}
	s.publishStatus(ctx, res.Original, from, req.Reason)
	s.logger.Info().Int64("claim_id", req.ClaimID).Int64("replacement_id", res.Replacement.ID).Msg("claim corrected")
	return &res, nil
}

func (s *Service) AddComment(ctx context.Context, req *CommentRequest) (*Comment, error) {
	text := strings.TrimSpace(req.Comment)
	if req.ClaimID <= 0 {
		return nil, apperr.Validation("claim_id is required")
	}
	if text == "" {
		return nil, apperr.Validation("comment is required")
	}
	if _, err := s.claims.Get(ctx, req.ClaimID); err != nil {
		return nil, err
	}
	c := &Comment{ClaimID: req.ClaimID, Comment: text, CreatedBy: auth.UserIDFromContext(ctx)}
	if err := s.claims.AddComment(ctx, c); err != nil {
		return nil, fmt.Errorf("add claim comment: %w", err)
	}
	return c, nil
}

func (s *Service) Comments(ctx context.Context, claimID int64) ([]Comment, error) {
	if _, err := s.claims.Get(ctx, claimID); err != nil {
		return nil, err
	}
	comments, err := s.claims.Comments(ctx, claimID)
	if comments == nil {
		comments = []Comment{}
	}
	return comments, err
}

func (s *Service) History(ctx context.Context, claimID int64) ([]StatusChange, error) {
	if _, err := s.claims.Get(ctx, claimID); err != nil {
		return nil, err
	}
	history, err := s.claims.History(ctx, claimID)
	if history == nil {
		history = []StatusChange{}
	}
	return history, err
}

// -- Payments --

func (s *Service) RecordPayment(ctx context.Context, req *PaymentRequest) (*Payment, error) {
	p, err := req.payment(s.now())
	if err != nil {
		return nil, apperr.Validation("%s", err.Error())
	}
	if _, err := s.patients.Patient(ctx, p.PatientID); err != nil {
		return nil, err
	}
	if p.ClaimID != nil {
		claim, err := s.claims.Get(ctx, *p.ClaimID)
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.Validation("claim %d not found", *p.ClaimID)
		}
		if err != nil {
			return nil, err
		}
		if claim.PatientID != p.PatientID {
			return nil, apperr.Validation("claim %d belongs to another patient", claim.ID)
		}
	}
	p.CreatedBy = auth.UserIDFromContext(ctx)
	if err := s.payments.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("record payment: %w", err)
	}
	s.logger.Info().Int64("payment_id", p.ID).Int64("patient_id", p.PatientID).Msg("payment recorded")
	return p, nil
}

func (s *Service) ListPayments(ctx context.Context, patientID int64, p pagination.Params) (*pagination.Page[Payment], error) {
	payments, total, err := s.payments.ListByPatient(ctx, patientID, p.Limit, p.Offset)
	if err != nil {
		return nil, err
	}
	return pagination.NewPage(payments, total, p), nil
}
