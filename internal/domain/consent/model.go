package consent

import (
	"time"

	"github.com/google/uuid"
)

// Token status values stored in patient_consent_tokens.status.
const (
	TokenPending    = 0
	TokenSigned     = 1
	TokenProcessing = 2
)

// Submission status values.
const (
	SubmissionQueued     = "queued"
	SubmissionProcessing = "processing"
	SubmissionCompleted  = "completed"
	SubmissionFailed     = "failed"
)

// DefaultTokenTTL is how long a consent link stays valid after it is issued.
const DefaultTokenTTL = 48 * time.Hour

type Token struct {
	ID         int64      `json:"id"`
	Token      uuid.UUID  `json:"token"`
	PatientID  int64      `json:"patient_id"`
	ProviderID *int64     `json:"provider_id,omitempty"`
	Status     int        `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	UsedAt     *time.Time `json:"used_at,omitempty"`
}

// Expired reports whether the token is older than ttl at now.
func (t *Token) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(t.CreatedAt) > ttl
}

// Recipient is who a consent request is addressed to. EmailEnc is the stored
// (possibly encrypted) email column.
type Recipient struct {
	PatientID    int64
	FirstName    string
	LastName     string
	EmailEnc     *string
	ProviderID   *int64
	ProviderName string
	PracticeName string
}

func (r *Recipient) PatientName() string {
	return r.FirstName + " " + r.LastName
}

// Details is what the public consent form renders.
type Details struct {
	Token        uuid.UUID  `json:"token"`
	PatientID    int64      `json:"patient_id"`
	FirstName    string     `json:"firstname"`
	LastName     string     `json:"lastname"`
	DOB          *time.Time `json:"dob,omitempty"`
	ProviderID   *int64     `json:"provider_id,omitempty"`
	ProviderName string     `json:"provider_name"`
	PracticeName string     `json:"practice_name"`
	ServiceType  []int      `json:"service_type"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
}

type Submission struct {
	ID          int64      `json:"id"`
	TokenID     int64      `json:"token_id"`
	HTML        string     `json:"-"`
	Status      string     `json:"status"`
	PDFKey      *string    `json:"pdf_key,omitempty"`
	PDFURL      *string    `json:"pdf_url,omitempty"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Consent is a signed, stored consent document.
type Consent struct {
	ID         int64     `json:"id"`
	PatientID  int64     `json:"patient_id"`
	ProviderID *int64    `json:"provider_id,omitempty"`
	TokenID    int64     `json:"token_id"`
	PDFURL     string    `json:"pdf_url"`
	SignedAt   time.Time `json:"signed_at"`
}

// ListItem is one row of the consent list: a token with its patient and, once
// signed, the stored document.
type ListItem struct {
	TokenID      int64      `json:"token_id"`
	PatientID    int64      `json:"patient_id"`
	PatientName  string     `json:"patient_name"`
	ProviderName string     `json:"provider_name"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	SignedAt     *time.Time `json:"signed_at,omitempty"`
	PDFURL       *string    `json:"pdf_url,omitempty"`
}

// List status filters.
const (
	ListPending    = "pending"
	ListProcessing = "processing"
	ListSigned     = "signed"
)

var listStatusToken = map[string]int{
	ListPending:    TokenPending,
	ListProcessing: TokenProcessing,
	ListSigned:     TokenSigned,
}

func tokenStatusName(status int) string {
	for name, s := range listStatusToken {
		if s == status {
			return name
		}
	}
	return "unknown"
}

type ListFilter struct {
	Status string
	Search string
}

type SubmitRequest struct {
	Token string `json:"token"`
	HTML  string `json:"html"`
}

type SubmitResult struct {
	SubmissionID int64  `json:"submission_id"`
	Status       string `json:"status"`
}

// StatusResult is returned by the polling endpoint.
type StatusResult struct {
	Token        uuid.UUID  `json:"token"`
	SubmissionID int64      `json:"submission_id"`
	Status       string     `json:"status"`
	PDFURL       *string    `json:"pdf_url,omitempty"`
	Error        *string    `json:"error,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

type SendResult struct {
	Token     uuid.UUID `json:"token"`
	Link      string    `json:"link"`
	ExpiresAt time.Time `json:"expires_at"`
}

// renderPayload is the body of a consent.render job.
type renderPayload struct {
	SubmissionID int64 `json:"submission_id"`
}
