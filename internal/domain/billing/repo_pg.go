package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

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

type pgBase struct{ pool *pgxpool.Pool }

func (b pgBase) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return b.pool
}

// -- Claim Repository --

type claimRepoPG struct{ pgBase }

func NewClaimRepoPG(pool *pgxpool.Pool) ClaimRepository { return &claimRepoPG{pgBase{pool}} }

const claimCols = `id, patient_id, provider_id, claim_number, status, total_amount::float8,
	service_from, service_to, payer_name, related_claim_id, submitted_at, created,
	COALESCE(created_by, ''), updated`

func scanClaim(row pgx.Row) (*Claim, error) {
	var c Claim
	err := row.Scan(&c.ID, &c.PatientID, &c.ProviderID, &c.ClaimNumber, &c.Status, &c.TotalAmount,
		&c.ServiceFrom, &c.ServiceTo, &c.PayerName, &c.RelatedClaimID, &c.SubmittedAt, &c.Created,
		&c.CreatedBy, &c.Updated)
	return &c, err
}

func (r *claimRepoPG) Create(ctx context.Context, c *Claim) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO claims (patient_id, provider_id, claim_number, status, total_amount,
			service_from, service_to, payer_name, related_claim_id, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''))
		RETURNING id, created, updated`,
		c.PatientID, c.ProviderID, c.ClaimNumber, c.Status, c.TotalAmount,
		c.ServiceFrom, c.ServiceTo, c.PayerName, c.RelatedClaimID, c.CreatedBy).
		Scan(&c.ID, &c.Created, &c.Updated)
}

func (r *claimRepoPG) Get(ctx context.Context, id int64) (*Claim, error) {
	c, err := scanClaim(r.conn(ctx).QueryRow(ctx, `SELECT `+claimCols+` FROM claims WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("claim %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get claim: %w", err)
	}
	return c, nil
}

func (r *claimRepoPG) List(ctx context.Context, f ClaimFilter, limit, offset int) ([]Claim, int, error) {
	where := `WHERE ($1 = 0 OR patient_id = $1) AND ($2 = '' OR status = $2)`
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM claims `+where, f.PatientID, f.Status).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count claims: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+claimCols+` FROM claims `+where+`
		ORDER BY created DESC, id DESC LIMIT $3 OFFSET $4`, f.PatientID, f.Status, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list claims: %w", err)
	}
	claims, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Claim, error) {
		c, err := scanClaim(row)
		return *c, err
	})
	return claims, total, err
}

func (r *claimRepoPG) UpdateStatus(ctx context.Context, id int64, from, to string) (*Claim, error) {
	c, err := scanClaim(r.conn(ctx).QueryRow(ctx, `
		UPDATE claims SET status = $3, updated = NOW(),
			submitted_at = CASE WHEN $3 = 'submitted' THEN NOW() ELSE submitted_at END
		WHERE id = $1 AND status = $2
		RETURNING `+claimCols, id, from, to))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Conflict("claim %d is no longer %s", id, from)
	}
	if err != nil {
		return nil, fmt.Errorf("update claim status: %w", err)
	}
	return c, nil
}

func (r *claimRepoPG) AddHistory(ctx context.Context, h *StatusChange) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO claim_status_history (claim_id, from_status, to_status, reason, changed_by)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''))
		RETURNING id, changed_at`,
		h.ClaimID, h.FromStatus, h.ToStatus, h.Reason, h.ChangedBy).Scan(&h.ID, &h.ChangedAt)
}

func (r *claimRepoPG) History(ctx context.Context, claimID int64) ([]StatusChange, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, claim_id, from_status, to_status, COALESCE(reason, ''), changed_at, COALESCE(changed_by, '')
		FROM claim_status_history WHERE claim_id = $1 ORDER BY changed_at, id`, claimID)
	if err != nil {
		return nil, fmt.Errorf("claim history: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (StatusChange, error) {
		var h StatusChange
		err := row.Scan(&h.ID, &h.ClaimID, &h.FromStatus, &h.ToStatus, &h.Reason, &h.ChangedAt, &h.ChangedBy)
		return h, err
	})
}

func (r *claimRepoPG) AddComment(ctx context.Context, c *Comment) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO claim_comments (claim_id, comment, created_by) VALUES ($1, $2, NULLIF($3, ''))
		RETURNING id, created`, c.ClaimID, c.Comment, c.CreatedBy).Scan(&c.ID, &c.Created)
}

func (r *claimRepoPG) Comments(ctx context.Context, claimID int64) ([]Comment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, claim_id, comment, created, COALESCE(created_by, '')
		FROM claim_comments WHERE claim_id = $1 ORDER BY created, id`, claimID)
	if err != nil {
		return nil, fmt.Errorf("claim comments: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Comment, error) {
		var c Comment
		err := row.Scan(&c.ID, &c.ClaimID, &c.Comment, &c.Created, &c.CreatedBy)
		return c, err
	})
}

// -- Payment Repository --

type paymentRepoPG struct{ pgBase }

func NewPaymentRepoPG(pool *pgxpool.Pool) PaymentRepository { return &paymentRepoPG{pgBase{pool}} }

func (r *paymentRepoPG) Create(ctx context.Context, p *Payment) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient_payments (patient_id, claim_id, amount, method, reference, paid_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
		RETURNING id, created`,
		p.PatientID, p.ClaimID, p.Amount, p.Method, p.Reference, p.PaidAt, p.CreatedBy).Scan(&p.ID, &p.Created)
}

func (r *paymentRepoPG) ListByPatient(ctx context.Context, patientID int64, limit, offset int) ([]Payment, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM patient_payments WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count payments: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, patient_id, claim_id, amount::float8, method, reference, paid_at, created, COALESCE(created_by, '')
		FROM patient_payments WHERE patient_id = $1
		ORDER BY paid_at DESC, id DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list payments: %w", err)
	}
	payments, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Payment, error) {
		var p Payment
		err := row.Scan(&p.ID, &p.PatientID, &p.ClaimID, &p.Amount, &p.Method, &p.Reference, &p.PaidAt, &p.Created, &p.CreatedBy)
		return p, err
	})
	return payments, total, err
}

func (r *paymentRepoPG) SumInWindow(ctx context.Context, patientID int64, start, next time.Time) (float64, error) {
	var sum float64
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::float8 FROM patient_payments
		WHERE patient_id = $1 AND paid_at >= $2 AND paid_at < $3`, patientID, start, next).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum payments: %w", err)
	}
	return sum, nil
}

// -- Statement Repository --

type statementRepoPG struct{ pgBase }

func NewStatementRepoPG(pool *pgxpool.Pool) StatementRepository { return &statementRepoPG{pgBase{pool}} }

const statementCols = `id, patient_id, period_start, period_end, charges::float8, payments::float8,
	balance::float8, html, status, pdf_key, pdf_url, error, sent_count, last_sent_at, created`

func scanStatement(row pgx.Row) (*Statement, error) {
	var s Statement
	err := row.Scan(&s.ID, &s.PatientID, &s.PeriodStart, &s.PeriodEnd, &s.Charges, &s.Payments,
		&s.Balance, &s.HTML, &s.Status, &s.PDFKey, &s.PDFURL, &s.Error, &s.SentCount, &s.LastSentAt, &s.Created)
	return &s, err
}

func (r *statementRepoPG) Create(ctx context.Context, s *Statement) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient_statements (patient_id, period_start, period_end, charges, payments, balance, html, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created`,
		s.PatientID, s.PeriodStart, s.PeriodEnd, s.Charges, s.Payments, s.Balance, s.HTML, s.Status).
		Scan(&s.ID, &s.Created)
}

func (r *statementRepoPG) Get(ctx context.Context, id int64) (*Statement, error) {
	s, err := scanStatement(r.conn(ctx).QueryRow(ctx, `SELECT `+statementCols+` FROM patient_statements WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("statement %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get statement: %w", err)
	}
	return s, nil
}

func (r *statementRepoPG) ListByPatient(ctx context.Context, patientID int64, limit, offset int) ([]Statement, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM patient_statements WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count statements: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+statementCols+` FROM patient_statements
		WHERE patient_id = $1 ORDER BY period_start DESC, id DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list statements: %w", err)
	}
	statements, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Statement, error) {
		s, err := scanStatement(row)
		return *s, err
	})
	return statements, total, err
}

func (r *statementRepoPG) ChargeLines(ctx context.Context, patientID int64, start, next time.Time) ([]ChargeLine, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT c.code, COALESCE(c.description, ''), b.code_units, c.price::float8, b.billing_date
		FROM cpt_billing b JOIN cpt_codes c ON c.id = b.cpt_code_id
		WHERE b.patient_id = $1 AND b.billing_date >= $2 AND b.billing_date < $3
		ORDER BY b.billing_date, b.id`, patientID, start, next)
	if err != nil {
		return nil, fmt.Errorf("statement charges: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ChargeLine, error) {
		var l ChargeLine
		err := row.Scan(&l.Code, &l.Description, &l.Units, &l.Price, &l.BillingDate)
		return l, err
	})
}

func (r *statementRepoPG) MarkProcessing(ctx context.Context, id int64) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE patient_statements SET status = 'processing', error = NULL WHERE id = $1`, id)
	return err
}

func (r *statementRepoPG) Complete(ctx context.Context, id int64, key, url string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient_statements SET status = 'completed', pdf_key = $2, pdf_url = $3, error = NULL
		WHERE id = $1`, id, key, url)
	return err
}

func (r *statementRepoPG) Fail(ctx context.Context, id int64, reason string) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE patient_statements SET status = 'failed', error = $2 WHERE id = $1`, id, reason)
	return err
}

func (r *statementRepoPG) MarkSent(ctx context.Context, id int64) (*Statement, error) {
	s, err := scanStatement(r.conn(ctx).QueryRow(ctx, `
		UPDATE patient_statements SET sent_count = sent_count + 1, last_sent_at = NOW()
		WHERE id = $1 RETURNING `+statementCols, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("statement %d not found", id)
	}
	return s, err
}

// -- Patient Directory --

type patientDirPG struct{ pgBase }

func NewPatientDirectoryPG(pool *pgxpool.Pool) PatientDirectory { return &patientDirPG{pgBase{pool}} }

func (r *patientDirPG) Patient(ctx context.Context, patientID int64) (*PatientInfo, error) {
	var p PatientInfo
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT fk_userid, firstname, lastname, COALESCE(practice_name, ''), email_enc
		FROM user_profiles WHERE fk_userid = $1`, patientID).
		Scan(&p.PatientID, &p.FirstName, &p.LastName, &p.PracticeName, &p.EmailEnc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("patient %d not found", patientID)
	}
	if err != nil {
		return nil, fmt.Errorf("billing patient: %w", err)
	}
	return &p, nil
}
