package bed

import (
	"context"
	"errors"
	"fmt"

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

const bedCols = `id, ward, room, bed_number, status, patient_id, updated`

func scanBed(row pgx.Row) (*Bed, error) {
	var b Bed
	err := row.Scan(&b.ID, &b.Ward, &b.Room, &b.BedNumber, &b.Status, &b.PatientID, &b.Updated)
	return &b, err
}

func (r *repoPG) Get(ctx context.Context, id int64) (*Bed, error) {
	b, err := scanBed(r.conn(ctx).QueryRow(ctx, `SELECT `+bedCols+` FROM beds WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("bed %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get bed: %w", err)
	}
	return b, nil
}

func (r *repoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]Bed, int, error) {
	where := `WHERE ($1 = '' OR ward = $1) AND ($2 = '' OR status = $2)`
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM beds `+where, f.Ward, f.Status).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count beds: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+bedCols+` FROM beds `+where+`
		ORDER BY ward, room, bed_number LIMIT $3 OFFSET $4`, f.Ward, f.Status, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list beds: %w", err)
	}
	beds, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Bed, error) {
		b, err := scanBed(row)
		return *b, err
	})
	return beds, total, err
}

func (r *repoPG) Occupy(ctx context.Context, id, patientID int64) (*Bed, bool, error) {
	b, err := scanBed(r.conn(ctx).QueryRow(ctx, `
		UPDATE beds SET status = 'occupied', patient_id = $2, updated = NOW()
		WHERE id = $1 AND status = 'available'
		RETURNING `+bedCols, id, patientID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("occupy bed: %w", err)
	}
	return b, true, nil
}

func (r *repoPG) Vacate(ctx context.Context, id int64) (*Bed, bool, error) {
	b, err := scanBed(r.conn(ctx).QueryRow(ctx, `
		UPDATE beds SET status = 'available', patient_id = NULL, updated = NOW()
		WHERE id = $1 AND status = 'occupied'
		RETURNING `+bedCols, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("vacate bed: %w", err)
	}
	return b, true, nil
}

func (r *repoPG) BedOfPatient(ctx context.Context, patientID int64) (*Bed, error) {
	b, err := scanBed(r.conn(ctx).QueryRow(ctx,
		`SELECT `+bedCols+` FROM beds WHERE patient_id = $1 AND status = 'occupied' LIMIT 1`, patientID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

func (r *repoPG) OpenAssignment(ctx context.Context, a *Assignment) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO bed_assignments (bed_id, patient_id, assigned_by) VALUES ($1, $2, NULLIF($3, ''))
		RETURNING id, assigned_at`, a.BedID, a.PatientID, a.AssignedBy).Scan(&a.ID, &a.AssignedAt)
}

func (r *repoPG) CloseAssignment(ctx context.Context, bedID int64) (*Assignment, error) {
	var a Assignment
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE bed_assignments SET released_at = NOW()
		WHERE bed_id = $1 AND released_at IS NULL
		RETURNING id, bed_id, patient_id, assigned_at, released_at, COALESCE(assigned_by, '')`, bedID).
		Scan(&a.ID, &a.BedID, &a.PatientID, &a.AssignedAt, &a.ReleasedAt, &a.AssignedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("close bed assignment: %w", err)
	}
	return &a, nil
}

func (r *repoPG) Assignments(ctx context.Context, bedID int64, limit int) ([]Assignment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, bed_id, patient_id, assigned_at, released_at, COALESCE(assigned_by, '')
		FROM bed_assignments WHERE bed_id = $1 ORDER BY assigned_at DESC, id DESC LIMIT $2`, bedID, limit)
	if err != nil {
		return nil, fmt.Errorf("bed assignments: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Assignment, error) {
		var a Assignment
		err := row.Scan(&a.ID, &a.BedID, &a.PatientID, &a.AssignedAt, &a.ReleasedAt, &a.AssignedBy)
		return a, err
	})
}

func (r *repoPG) PatientExists(ctx context.Context, patientID int64) (bool, error) {
	var ok bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, patientID).Scan(&ok)
	return ok, err
}
