package billing

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	ClaimDraft     = "draft"
	ClaimSubmitted = "submitted"
	ClaimPaid      = "paid"
	ClaimDenied    = "denied"
	ClaimVoided    = "voided"
	ClaimCorrected = "corrected"
)

// claimTransitions lists the statuses reachable from each status. Voided and
// corrected claims are final.
var claimTransitions = map[string]map[string]bool{
	ClaimDraft:     {ClaimSubmitted: true, ClaimVoided: true},
	ClaimSubmitted: {ClaimPaid: true, ClaimDenied: true, ClaimVoided: true, ClaimCorrected: true},
	ClaimDenied:    {ClaimCorrected: true, ClaimVoided: true},
	ClaimPaid:      {ClaimVoided: true, ClaimCorrected: true},
	ClaimVoided:    {},
	ClaimCorrected: {},
}

// CanTransition reports whether a claim may move from one status to another.
func CanTransition(from, to string) bool {
	return claimTransitions[from][to]
}

func validClaimStatus(s string) bool {
	_, ok := claimTransitions[s]
	return ok
}

const dateLayout = "2006-01-02"

type Claim struct {
	ID             int64      `json:"id"`
	PatientID      int64      `json:"patient_id"`
	ProviderID     *int64     `json:"provider_id,omitempty"`
	ClaimNumber    string     `json:"claim_number"`
	Status         string     `json:"status"`
	TotalAmount    float64    `json:"total_amount"`
	ServiceFrom    *time.Time `json:"service_from,omitempty"`
	ServiceTo      *time.Time `json:"service_to,omitempty"`
	PayerName      *string    `json:"payer_name,omitempty"`
	RelatedClaimID *int64     `json:"related_claim_id,omitempty"`
	SubmittedAt    *time.Time `json:"submitted_at,omitempty"`
	Created        time.Time  `json:"created"`
	CreatedBy      string     `json:"created_by,omitempty"`
	Updated        time.Time  `json:"updated"`
}

type Comment struct {
	ID        int64     `json:"id"`
	ClaimID   int64     `json:"claim_id"`
	Comment   string    `json:"comment"`
	Created   time.Time `json:"created"`
	CreatedBy string    `json:"created_by,omitempty"`
}

type StatusChange struct {
	ID         int64     `json:"id"`
	ClaimID    int64     `json:"claim_id"`
	FromStatus *string   `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status"`
	Reason     string    `json:"reason,omitempty"`
	ChangedAt  time.Time `json:"changed_at"`
	ChangedBy  string    `json:"changed_by,omitempty"`
}

type ClaimFilter struct {
	PatientID int64
	Status    string
}

type CreateClaimRequest struct {
	PatientID   int64   `json:"patient_id"`
	ProviderID  *int64  `json:"provider_id"`
	TotalAmount float64 `json:"total_amount"`
	ServiceFrom string  `json:"service_from"`
	ServiceTo   string  `json:"service_to"`
	PayerName   string  `json:"payer_name"`
}

// ClaimActionRequest is the body of submit, void and adjudicate.
type ClaimActionRequest struct {
	ClaimID int64  `json:"claim_id"`
	Status  string `json:"status"`
	Reason  string `json:"reason"`
}

// CorrectClaimRequest replaces the listed fields on the corrected copy.
type CorrectClaimRequest struct {
	ClaimID     int64    `json:"claim_id"`
	Reason      string   `json:"reason"`
	TotalAmount *float64 `json:"total_amount"`
	ServiceFrom *string  `json:"service_from"`
	ServiceTo   *string  `json:"service_to"`
	PayerName   *string  `json:"payer_name"`
}

type CommentRequest struct {
	ClaimID int64  `json:"claim_id"`
	Comment string `json:"comment"`
}

// CorrectionResult pairs the corrected claim with its replacement draft.
type CorrectionResult struct {
	Original    *Claim `json:"original"`
	Replacement *Claim `json:"replacement"`
}

func parseDate(field, raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be YYYY-MM-DD", field)
	}
	return &t, nil
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func (c *Claim) validate() error {
	if c.PatientID <= 0 {
		return fmt.Errorf("patient_id is required")
	}
	if c.TotalAmount < 0 {
		return fmt.Errorf("total_amount cannot be negative")
	}
	if c.ServiceFrom != nil && c.ServiceTo != nil && c.ServiceTo.Before(*c.ServiceFrom) {
		return fmt.Errorf("service_to cannot be before service_from")
	}
	return nil
}

func (r *CreateClaimRequest) claim() (*Claim, error) {
	from, err := parseDate("service_from", r.ServiceFrom)
	if err != nil {
		return nil, err
	}
	to, err := parseDate("service_to", r.ServiceTo)
	if err != nil {
		return nil, err
	}
	c := &Claim{
		PatientID:   r.PatientID,
		ProviderID:  r.ProviderID,
		Status:      ClaimDraft,
		TotalAmount: roundCents(r.TotalAmount),
		ServiceFrom: from,
		ServiceTo:   to,
		PayerName:   optional(r.PayerName),
	}
	return c, c.validate()
}

// replacement copies original into a new draft with the request's overrides.
func (r *CorrectClaimRequest) replacement(original *Claim) (*Claim, error) {
	c := &Claim{
		PatientID:      original.PatientID,
		ProviderID:     original.ProviderID,
		Status:         ClaimDraft,
		TotalAmount:    original.TotalAmount,
		ServiceFrom:    original.ServiceFrom,
		ServiceTo:      original.ServiceTo,
		PayerName:      original.PayerName,
		RelatedClaimID: &original.ID,
	}
	if r.TotalAmount != nil {
		c.TotalAmount = roundCents(*r.TotalAmount)
	}
	if r.ServiceFrom != nil {
		from, err := parseDate("service_from", *r.ServiceFrom)
		if err != nil {
			return nil, err
		}
		c.ServiceFrom = from
	}
	if r.ServiceTo != nil {
		to, err := parseDate("service_to", *r.ServiceTo)
		if err != nil {
			return nil, err
		}
		c.ServiceTo = to
	}
	if r.PayerName != nil {
		c.PayerName = optional(*r.PayerName)
	}
	return c, c.validate()
}

// -- Payments --

var validPaymentMethods = map[string]bool{
	"cash": true, "card": true, "check": true, "ach": true, "insurance": true,
}

type Payment struct {
	ID        int64     `json:"id"`
	PatientID int64     `json:"patient_id"`
	ClaimID   *int64    `json:"claim_id,omitempty"`
	Amount    float64   `json:"amount"`
	Method    string    `json:"method"`
	Reference *string   `json:"reference,omitempty"`
	PaidAt    time.Time `json:"paid_at"`
	Created   time.Time `json:"created"`
	CreatedBy string    `json:"created_by,omitempty"`
}

type PaymentRequest struct {
	PatientID int64   `json:"patient_id"`
	ClaimID   *int64  `json:"claim_id"`
	Amount    float64 `json:"amount"`
	Method    string  `json:"method"`
	Reference string  `json:"reference"`
	PaidAt    string  `json:"paid_at"`
}

func (r *PaymentRequest) payment(now time.Time) (*Payment, error) {
	if r.PatientID <= 0 {
		return nil, fmt.Errorf("patient_id is required")
	}
	if r.Amount <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	method := strings.ToLower(strings.TrimSpace(r.Method))
	if !validPaymentMethods[method] {
		return nil, fmt.Errorf("invalid payment method: %s", r.Method)
	}
	paidAt := now
	if r.PaidAt != "" {
		t, err := time.Parse(time.RFC3339, r.PaidAt)
		if err != nil {
			d, derr := time.Parse(dateLayout, r.PaidAt)
			if derr != nil {
				return nil, fmt.Errorf("paid_at must be YYYY-MM-DD or RFC 3339")
			}
			t = d
		}
		paidAt = t
	}
	return &Payment{
		PatientID: r.PatientID,
		ClaimID:   r.ClaimID,
		Amount:    roundCents(r.Amount),
		Method:    method,
		Reference: optional(r.Reference),
		PaidAt:    paidAt,
	}, nil
}

// -- Statements --

const (
	StatementQueued     = "queued"
	StatementProcessing = "processing"
	StatementCompleted  = "completed"
	StatementFailed     = "failed"
)

type Statement struct {
	ID          int64      `json:"id"`
	PatientID   int64      `json:"patient_id"`
	PeriodStart time.Time  `json:"period_start"`
	PeriodEnd   time.Time  `json:"period_end"`
	Charges     float64    `json:"charges"`
	Payments    float64    `json:"payments"`
	Balance     float64    `json:"balance"`
	HTML        string     `json:"-"`
	Status      string     `json:"status"`
	PDFKey      *string    `json:"-"`
	PDFURL      *string    `json:"pdf_url,omitempty"`
	Error       *string    `json:"error,omitempty"`
	SentCount   int        `json:"sent_count"`
	LastSentAt  *time.Time `json:"last_sent_at,omitempty"`
	Created     time.Time  `json:"created"`
}

// ChargeLine is one CPT billing row inside a statement period.
type ChargeLine struct {
	Code        string    `json:"code"`
	Description string    `json:"description"`
	Units       int       `json:"units"`
	Price       float64   `json:"price"`
	BillingDate time.Time `json:"billing_date"`
}

// Amount is price times units, counting at least one unit.
func (l ChargeLine) Amount() float64 {
	units := l.Units
	if units < 1 {
		units = 1
	}
	return roundCents(l.Price * float64(units))
}

// PatientInfo is what statements need to address a patient.
type PatientInfo struct {
	PatientID    int64
	FirstName    string
	LastName     string
	PracticeName string
	EmailEnc     *string
}

func (p *PatientInfo) Name() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

type GenerateStatementRequest struct {
	PatientID int64  `json:"patient_id"`
	Date      string `json:"date"`
}

type ResendStatementRequest struct {
	StatementID int64 `json:"statement_id"`
}
