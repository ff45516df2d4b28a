package consent

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Recipient(ctx context.Context, patientID int64) (*Recipient, error)
	CreateToken(ctx context.Context, t *Token) error
	GetToken(ctx context.Context, token uuid.UUID) (*Token, error)
	GetTokenByID(ctx context.Context, id int64) (*Token, error)
	// PendingDetails returns details only while the token status is pending.
	PendingDetails(ctx context.Context, token uuid.UUID) (*Details, error)
	// ClaimToken moves a pending token to processing. It returns
	// apperr.ErrConflict when the token was not pending.
	ClaimToken(ctx context.Context, token uuid.UUID) (*Token, error)
	// ReleaseToken moves a processing token back to pending.
	ReleaseToken(ctx context.Context, tokenID int64) error
	MarkTokenSigned(ctx context.Context, tokenID int64) error

	CreateSubmission(ctx context.Context, s *Submission) error
	GetSubmission(ctx context.Context, id int64) (*Submission, error)
	LatestSubmission(ctx context.Context, tokenID int64) (*Submission, error)
	MarkSubmissionProcessing(ctx context.Context, id int64) error
	CompleteSubmission(ctx context.Context, id int64, pdfKey, pdfURL string) error
	FailSubmission(ctx context.Context, id int64, reason string) error

	InsertConsent(ctx context.Context, c *Consent) error
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]ListItem, int, error)
}
