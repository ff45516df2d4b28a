package timing

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

func programPatterns() []string {
	out := make([]string, len(Programs))
	for i, p := range Programs {
		out[i] = "%" + string(p) + "%"
	}
	return out
}

func (r *repoPG) BillableEntries(ctx context.Context, patientID int64, start, next time.Time) ([]Entry, []Entry, error) {
	patterns := programPatterns()
	notes, err := r.entries(ctx, `
		SELECT created, duration, COALESCE(type, '') FROM notes
		WHERE patient_id = $1 AND created >= $2 AND created < $3 AND type ILIKE ANY($4)`,
		patientID, start, next, patterns)
	if err != nil {
		return nil, nil, fmt.Errorf("billable notes: %w", err)
	}
	tasks, err := r.entries(ctx, `
		SELECT created, duration, type FROM tasks
		WHERE patient_id = $1 AND created >= $2 AND created < $3 AND type ILIKE ANY($4)`,
		patientID, start, next, patterns)
	if err != nil {
		return nil, nil, fmt.Errorf("billable tasks: %w", err)
	}
	return notes, tasks, nil
}

func (r *repoPG) entries(ctx context.Context, sql string, args ...interface{}) ([]Entry, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Created, &e.Duration, &e.Type); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *repoPG) CPTLines(ctx context.Context, patientID int64, start, next time.Time) ([]CPTLine, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT c.code, c.price::float8, b.code_units
		FROM cpt_billing b JOIN cpt_codes c ON c.id = b.cpt_code_id
		WHERE b.patient_id = $1 AND b.billing_date >= $2 AND b.billing_date < $3
		ORDER BY b.billing_date, b.id`, patientID, start, next)
	if err != nil {
		return nil, fmt.Errorf("cpt lines: %w", err)
	}
	defer rows.Close()
	var out []CPTLine
	for rows.Next() {
		var l CPTLine
		if err := rows.Scan(&l.Code, &l.Price, &l.CodeUnits); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *repoPG) Profile(ctx context.Context, patientID int64) (*Profile, error) {
	var p Profile
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT fk_userid, firstname, lastname, dob, gender, service_type, practice_name
		FROM user_profiles WHERE fk_userid = $1`, patientID).
		Scan(&p.PatientID, &p.FirstName, &p.LastName, &p.DOB, &p.Gender, &p.ServiceType, &p.PracticeName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("patient %d not found", patientID)
	}
	if err != nil {
		return nil, fmt.Errorf("patient profile: %w", err)
	}
	return &p, nil
}

func (r *repoPG) Notes(ctx context.Context, patientID int64, start, next time.Time) ([]Note, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, note, COALESCE(type, ''), duration, created, created_by FROM notes
		WHERE patient_id = $1 AND created >= $2 AND created < $3
		ORDER BY created DESC, id DESC`, patientID, start, next)
	if err != nil {
		return nil, fmt.Errorf("notes: %w", err)
	}
	defer rows.Close()
	var out []Note
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.Note, &n.Type, &n.Duration, &n.Created, &n.CreatedBy); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *repoPG) Tasks(ctx context.Context, patientID int64, start, next time.Time) ([]Task, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, title, type, status, priority, duration, due_date, created FROM tasks
		WHERE patient_id = $1 AND created >= $2 AND created < $3
		ORDER BY created DESC, id DESC`, patientID, start, next)
	if err != nil {
		return nil, fmt.Errorf("tasks: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.Title, &t.Type, &t.Status, &t.Priority, &t.Duration, &t.DueDate, &t.Created); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *repoPG) Diagnoses(ctx context.Context, patientID int64, start, next time.Time) ([]Diagnosis, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, icd_code, description, status, created FROM patient_diagnoses
		WHERE patient_id = $1 AND created >= $2 AND created < $3
		ORDER BY created DESC, id DESC`, patientID, start, next)
	if err != nil {
		return nil, fmt.Errorf("diagnoses: %w", err)
	}
	defer rows.Close()
	var out []Diagnosis
	for rows.Next() {
		var d Diagnosis
		if err := rows.Scan(&d.ID, &d.ICDCode, &d.Description, &d.Status, &d.Created); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *repoPG) Medications(ctx context.Context, patientID int64, start, next time.Time) ([]Medication, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, name, dosage, frequency, status, created FROM patient_medication
		WHERE patient_id = $1 AND created >= $2 AND created < $3
		ORDER BY created DESC, id DESC`, patientID, start, next)
	if err != nil {
		return nil, fmt.Errorf("medications: %w", err)
	}
	defer rows.Close()
	var out []Medication
	for rows.Next() {
		var m Medication
		if err := rows.Scan(&m.ID, &m.Name, &m.Dosage, &m.Frequency, &m.Status, &m.Created); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *repoPG) Vitals(ctx context.Context, patientID int64, start, next time.Time) ([]Vital, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, type, value, unit, source, recorded_at FROM patient_vitals
		WHERE patient_id = $1 AND recorded_at >= $2 AND recorded_at < $3
		ORDER BY recorded_at DESC, id DESC`, patientID, start, next)
	if err != nil {
		return nil, fmt.Errorf("vitals: %w", err)
	}
	defer rows.Close()
	var out []Vital
	for rows.Next() {
		var v Vital
		if err := rows.Scan(&v.ID, &v.Type, &v.Value, &v.Unit, &v.Source, &v.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
