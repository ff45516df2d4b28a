package billing

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/rcm/internal/platform/apperr"
	"github.com/ehr/rcm/internal/platform/auth"
	"github.com/ehr/rcm/internal/platform/db"
	"github.com/ehr/rcm/internal/platform/events"
	"github.com/ehr/rcm/pkg/pagination"
)

type claimEnv struct {
	svc      *Service
	claims   *mockClaimRepo
	payments *mockPaymentRepo
	pub      *events.MemoryPublisher
}

func newClaimEnv() *claimEnv {
	env := &claimEnv{claims: newMockClaimRepo(), payments: &mockPaymentRepo{}, pub: &events.MemoryPublisher{}}
	env.svc = NewService(env.claims, env.payments, testPatients(), db.NopTxRunner{}, env.pub, zerolog.Nop())
	env.svc.now = func() time.Time { return testNow }
	return env
}

func billerCtx() context.Context {
	return context.WithValue(db.WithTenant(context.Background(), "acme"), auth.UserIDKey, "biller-1")
}

func (env *claimEnv) draft(t *testing.T) *Claim {
	t.Helper()
	c, err := env.svc.CreateClaim(billerCtx(), &CreateClaimRequest{PatientID: 1, TotalAmount: 150, PayerName: "Medicare"})
	if err != nil {
		t.Fatalf("create claim: %v", err)
	}
	return c
}

func TestCreateClaim(t *testing.T) {
	env := newClaimEnv()
	c := env.draft(t)

	if c.Status != ClaimDraft {
		t.Errorf("expected draft, got %s", c.Status)
	}
	if !strings.HasPrefix(c.ClaimNumber, "CLM-20240315-") {
		t.Errorf("unexpected claim number %s", c.ClaimNumber)
	}
	if c.CreatedBy != "biller-1" {
		t.Errorf("expected created_by biller-1, got %q", c.CreatedBy)
	}
	if len(env.claims.history) != 1 || env.claims.history[0].FromStatus != nil {
		t.Errorf("expected one initial history row, got %+v", env.claims.history)
	}
}

func TestCreateClaim_UnknownPatient(t *testing.T) {
	env := newClaimEnv()
	_, err := env.svc.CreateClaim(billerCtx(), &CreateClaimRequest{PatientID: 42})
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestClaimLifecycle(t *testing.T) {
	env := newClaimEnv()
	ctx := billerCtx()
	c := env.draft(t)

	submitted, err := env.svc.Submit(ctx, &ClaimActionRequest{ClaimID: c.ID})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if submitted.Status != ClaimSubmitted || submitted.SubmittedAt == nil {
		t.Errorf("expected submitted with timestamp, got %+v", submitted)
	}

	paid, err := env.svc.Adjudicate(ctx, &ClaimActionRequest{ClaimID: c.ID, Status: ClaimPaid})
	if err != nil {
		t.Fatalf("adjudicate: %v", err)
	}
	if paid.Status != ClaimPaid {
		t.Errorf("expected paid, got %s", paid.Status)
	}

	history, _ := env.svc.History(ctx, c.ID)
	if len(history) != 3 {
		t.Fatalf("expected 3 history rows, got %d", len(history))
	}
	if *history[2].FromStatus != ClaimSubmitted || history[2].ToStatus != ClaimPaid {
		t.Errorf("unexpected last history row %+v", history[2])
	}

	types := env.pub.Types()
	if len(types) != 2 || types[0] != events.TypeClaimStatusChanged {
		t.Errorf("expected two status events, got %v", types)
	}
}

func TestVoidedClaimCannotBeSubmitted(t *testing.T) {
	env := newClaimEnv()
	ctx := billerCtx()
	c := env.draft(t)

	if _, err := env.svc.Void(ctx, &ClaimActionRequest{ClaimID: c.ID, Reason: "duplicate"}); err != nil {
		t.Fatalf("void: %v", err)
	}
	_, err := env.svc.Submit(ctx, &ClaimActionRequest{ClaimID: c.ID})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if apperr.Status(err) != 409 {
		t.Errorf("expected 409, got %d", apperr.Status(err))
	}
	if len(env.claims.history) != 2 {
		t.Errorf("rejected transition must not be recorded, got %d rows", len(env.claims.history))
	}
}

func TestChangeStatus_LostRace(t *testing.T) {
	env := newClaimEnv()
	c := env.draft(t)
	env.claims.staleOnce = true

	_, err := env.svc.Submit(billerCtx(), &ClaimActionRequest{ClaimID: c.ID})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if len(env.pub.Events()) != 0 {
		t.Error("no event should be published for a lost race")
	}
}

func TestChangeStatus_Validation(t *testing.T) {
	env := newClaimEnv()
	ctx := billerCtx()
	c := env.draft(t)

	tests := []struct {
		name string
		fn   func() error
		kind error
	}{
		{"missing id", func() error { _, err := env.svc.Submit(ctx, &ClaimActionRequest{}); return err }, apperr.ErrValidation},
		{"unknown claim", func() error { _, err := env.svc.Submit(ctx, &ClaimActionRequest{ClaimID: 99}); return err }, apperr.ErrNotFound},
		{"adjudicate draft", func() error {
			_, err := env.svc.Adjudicate(ctx, &ClaimActionRequest{ClaimID: c.ID, Status: ClaimPaid})
			return err
		}, apperr.ErrConflict},
		{"adjudicate bad status", func() error {
			_, err := env.svc.Adjudicate(ctx, &ClaimActionRequest{ClaimID: c.ID, Status: ClaimVoided})
			return err
		}, apperr.ErrValidation},
		{"corrected via status", func() error { _, err := env.svc.ChangeStatus(ctx, c.ID, ClaimCorrected, ""); return err }, apperr.ErrValidation},
	}
	for _, tt := range tests {
		if err := tt.fn(); !errors.Is(err, tt.kind) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.kind, err)
		}
	}
}

func TestCorrectClaim(t *testing.T) {
	env := newClaimEnv()
	ctx := billerCtx()
	c := env.draft(t)
	env.svc.Submit(ctx, &ClaimActionRequest{ClaimID: c.ID})
	env.svc.Adjudicate(ctx, &ClaimActionRequest{ClaimID: c.ID, Status: ClaimDenied, Reason: "missing modifier"})

	amount := 175.0
	res, err := env.svc.Correct(ctx, &CorrectClaimRequest{ClaimID: c.ID, Reason: "added modifier", TotalAmount: &amount})
	if err != nil {
		t.Fatalf("correct: %v", err)
	}
	if res.Original.Status != ClaimCorrected {
		t.Errorf("expected original corrected, got %s", res.Original.Status)
	}
	r := res.Replacement
	if r.Status != ClaimDraft || r.RelatedClaimID == nil || *r.RelatedClaimID != c.ID {
		t.Errorf("expected draft linked to original, got %+v", r)
	}
	if r.TotalAmount != 175 || r.ClaimNumber == c.ClaimNumber {
		t.Errorf("unexpected replacement %+v", r)
	}

	if _, err := env.svc.Correct(ctx, &CorrectClaimRequest{ClaimID: c.ID}); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("corrected claim is final, got %v", err)
	}
}

func TestCorrectClaim_DraftIsConflict(t *testing.T) {
	env := newClaimEnv()
	c := env.draft(t)
	_, err := env.svc.Correct(billerCtx(), &CorrectClaimRequest{ClaimID: c.ID})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if len(env.claims.claims) != 1 {
		t.Error("no replacement should be created")
	}
}

func TestComments(t *testing.T) {
	env := newClaimEnv()
	ctx := billerCtx()
	c := env.draft(t)

	if _, err := env.svc.AddComment(ctx, &CommentRequest{ClaimID: c.ID, Comment: "  "}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	if _, err := env.svc.AddComment(ctx, &CommentRequest{ClaimID: 77, Comment: "x"}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := env.svc.AddComment(ctx, &CommentRequest{ClaimID: c.ID, Comment: "called payer"}); err != nil {
		t.Fatalf("add comment: %v", err)
	}
	comments, err := env.svc.Comments(ctx, c.ID)
	if err != nil {
		t.Fatalf("comments: %v", err)
	}
	if len(comments) != 1 || comments[0].CreatedBy != "biller-1" {
		t.Errorf("unexpected comments %+v", comments)
	}
}

func TestRecordPayment(t *testing.T) {
	env := newClaimEnv()
	ctx := billerCtx()
	c := env.draft(t)

	p, err := env.svc.RecordPayment(ctx, &PaymentRequest{PatientID: 1, ClaimID: &c.ID, Amount: 40, Method: "card"})
	if err != nil {
		t.Fatalf("record payment: %v", err)
	}
	if !p.PaidAt.Equal(testNow) {
		t.Errorf("expected paid_at to default to now, got %v", p.PaidAt)
	}

	other := c.ID
	if _, err := env.svc.RecordPayment(ctx, &PaymentRequest{PatientID: 2, ClaimID: &other, Amount: 5, Method: "cash"}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error for foreign claim, got %v", err)
	}
	missing := int64(404)
	if _, err := env.svc.RecordPayment(ctx, &PaymentRequest{PatientID: 1, ClaimID: &missing, Amount: 5, Method: "cash"}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error for unknown claim, got %v", err)
	}

	page, err := env.svc.ListPayments(ctx, 1, pagination.Params{Limit: 20})
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	if page.Total != 1 {
		t.Errorf("expected 1 payment, got %d", page.Total)
	}
}

func TestListClaims_InvalidStatus(t *testing.T) {
	env := newClaimEnv()
	if _, err := env.svc.ListClaims(billerCtx(), ClaimFilter{Status: "open"}, pagination.Params{Limit: 10}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
