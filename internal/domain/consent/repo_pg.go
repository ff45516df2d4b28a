package consent

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/rcm/internal/platform/apperr"
	"github.com/ehr/rcm/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

// providerJoin resolves the first mapped provider of a patient.
const providerJoin = `
	LEFT JOIN LATERAL (
		SELECT m.fk_provider_id AS id,
			COALESCE(pp.firstname || ' ' || pp.lastname, '') AS name,
			COALESCE(pp.practice_name, '') AS practice
		FROM users_mappings m
		LEFT JOIN user_profiles pp ON pp.fk_userid = m.fk_provider_id
		WHERE m.fk_patient_id = p.fk_userid
		ORDER BY m.fk_provider_id
		LIMIT 1
	) prov ON TRUE`

func (r *repoPG) Recipient(ctx context.Context, patientID int64) (*Recipient, error) {
	var rc Recipient
	var practice *string
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT p.fk_userid, p.firstname, p.lastname, p.email_enc, p.practice_name,
			prov.id, COALESCE(prov.name, ''), COALESCE(prov.practice, '')
		FROM user_profiles p`+providerJoin+`
		WHERE p.fk_userid = $1`, patientID).
		Scan(&rc.PatientID, &rc.FirstName, &rc.LastName, &rc.EmailEnc, &practice,
			&rc.ProviderID, &rc.ProviderName, &rc.PracticeName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("patient %d not found", patientID)
	}
	if err != nil {
		return nil, fmt.Errorf("consent recipient: %w", err)
	}
	if rc.PracticeName == "" && practice != nil {
		rc.PracticeName = *practice
	}
	return &rc, nil
}

func (r *repoPG) CreateToken(ctx context.Context, t *Token) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient_consent_tokens (token, patient_id, provider_id, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		t.Token, t.PatientID, t.ProviderID, t.Status).Scan(&t.ID, &t.CreatedAt)
}

const tokenCols = `id, token, patient_id, provider_id, status, created_at, used_at`

func scanToken(row pgx.Row) (*Token, error) {
	var t Token
	err := row.Scan(&t.ID, &t.Token, &t.PatientID, &t.ProviderID, &t.Status, &t.CreatedAt, &t.UsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("consent link expired or invalid")
	}
	return &t, err
}

func (r *repoPG) GetToken(ctx context.Context, token uuid.UUID) (*Token, error) {
	return scanToken(r.conn(ctx).QueryRow(ctx, `SELECT `+tokenCols+` FROM patient_consent_tokens WHERE token = $1`, token))
}

func (r *repoPG) GetTokenByID(ctx context.Context, id int64) (*Token, error) {
	return scanToken(r.conn(ctx).QueryRow(ctx, `SELECT `+tokenCols+` FROM patient_consent_tokens WHERE id = $1`, id))
}

func (r *repoPG) PendingDetails(ctx context.Context, token uuid.UUID) (*Details, error) {
	var d Details
	var practice *string
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT t.token, t.patient_id, t.provider_id, t.created_at,
			p.firstname, p.lastname, p.dob, p.service_type, p.practice_name,
			COALESCE(prov.name, ''), COALESCE(prov.practice, '')
		FROM patient_consent_tokens t
		JOIN user_profiles p ON p.fk_userid = t.patient_id`+providerJoin+`
		WHERE t.token = $1 AND t.status = $2`, token, TokenPending).
		Scan(&d.Token, &d.PatientID, &d.ProviderID, &d.CreatedAt,
			&d.FirstName, &d.LastName, &d.DOB, &d.ServiceType, &practice,
			&d.ProviderName, &d.PracticeName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("consent link expired or invalid")
	}
	if err != nil {
		return nil, fmt.Errorf("consent details: %w", err)
	}
	if d.PracticeName == "" && practice != nil {
		d.PracticeName = *practice
	}
	return &d, nil
}

func (r *repoPG) ClaimToken(ctx context.Context, token uuid.UUID) (*Token, error) {
	t, err := scanToken(r.conn(ctx).QueryRow(ctx, `
		UPDATE patient_consent_tokens SET status = $2
		WHERE token = $1 AND status = $3
		RETURNING `+tokenCols, token, TokenProcessing, TokenPending))
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.Conflict("consent form has already been submitted")
	}
	return t, err
}

func (r *repoPG) ReleaseToken(ctx context.Context, tokenID int64) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient_consent_tokens SET status = $2 WHERE id = $1 AND status = $3`,
		tokenID, TokenPending, TokenProcessing)
	return err
}

func (r *repoPG) MarkTokenSigned(ctx context.Context, tokenID int64) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient_consent_tokens SET status = $2, used_at = NOW() WHERE id = $1`,
		tokenID, TokenSigned)
	return err
}

const submissionCols = `id, token_id, html, status, pdf_key, pdf_url, error, created_at, completed_at`

func scanSubmission(row pgx.Row) (*Submission, error) {
	var s Submission
	err := row.Scan(&s.ID, &s.TokenID, &s.HTML, &s.Status, &s.PDFKey, &s.PDFURL, &s.Error, &s.CreatedAt, &s.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("consent submission not found")
	}
	return &s, err
}

func (r *repoPG) CreateSubmission(ctx context.Context, s *Submission) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient_consent_submissions (token_id, html, status)
		VALUES ($1, $2, $3) RETURNING id, created_at`,
		s.TokenID, s.HTML, s.Status).Scan(&s.ID, &s.CreatedAt)
}

func (r *repoPG) GetSubmission(ctx context.Context, id int64) (*Submission, error) {
	return scanSubmission(r.conn(ctx).QueryRow(ctx, `SELECT `+submissionCols+` FROM patient_consent_submissions WHERE id = $1`, id))
}

func (r *repoPG) LatestSubmission(ctx context.Context, tokenID int64) (*Submission, error) {
	return scanSubmission(r.conn(ctx).QueryRow(ctx, `
		SELECT `+submissionCols+` FROM patient_consent_submissions
		WHERE token_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, tokenID))
}

func (r *repoPG) MarkSubmissionProcessing(ctx context.Context, id int64) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient_consent_submissions SET status = $2 WHERE id = $1`, id, SubmissionProcessing)
	return err
}

func (r *repoPG) CompleteSubmission(ctx context.Context, id int64, pdfKey, pdfURL string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient_consent_submissions
		SET status = $2, pdf_key = $3, pdf_url = $4, error = NULL, completed_at = NOW()
		WHERE id = $1`, id, SubmissionCompleted, pdfKey, pdfURL)
	return err
}

func (r *repoPG) FailSubmission(ctx context.Context, id int64, reason string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient_consent_submissions
		SET status = $2, error = $3, completed_at = NOW()
		WHERE id = $1`, id, SubmissionFailed, reason)
	return err
}

func (r *repoPG) InsertConsent(ctx context.Context, c *Consent) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient_consent (patient_id, provider_id, token_id, pdf_url)
		VALUES ($1, $2, $3, $4) RETURNING id, signed_at`,
		c.PatientID, c.ProviderID, c.TokenID, c.PDFURL).Scan(&c.ID, &c.SignedAt)
}

func (r *repoPG) List(ctx context.Context, filter ListFilter, limit, offset int) ([]ListItem, int, error) {
	where := `WHERE ($1::smallint IS NULL OR t.status = $1)
		AND ($2 = '' OR p.firstname ILIKE '%' || $2 || '%' OR p.lastname ILIKE '%' || $2 || '%')`

	var status *int16
	if s, ok := listStatusToken[filter.Status]; ok {
		v := int16(s)
		status = &v
	}

	from := `FROM patient_consent_tokens t
		JOIN user_profiles p ON p.fk_userid = t.patient_id
		LEFT JOIN user_profiles pp ON pp.fk_userid = t.provider_id
		LEFT JOIN patient_consent c ON c.token_id = t.id `

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) `+from+where, status, filter.Search).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count consents: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT t.id, t.patient_id, p.firstname || ' ' || p.lastname,
			COALESCE(pp.firstname || ' ' || pp.lastname, ''),
			t.status, t.created_at, c.signed_at, c.pdf_url `+from+where+`
		ORDER BY t.created_at DESC, t.id DESC
		LIMIT $3 OFFSET $4`, status, filter.Search, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list consents: %w", err)
	}
	defer rows.Close()

	var items []ListItem
	for rows.Next() {
		var it ListItem
		var st int
		if err := rows.Scan(&it.TokenID, &it.PatientID, &it.PatientName, &it.ProviderName,
			&st, &it.CreatedAt, &it.SignedAt, &it.PDFURL); err != nil {
			return nil, 0, err
		}
		it.Status = tokenStatusName(st)
		items = append(items, it)
	}
	return items, total, rows.Err()
}
