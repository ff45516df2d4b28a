package task

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

const taskCols = `id, patient_id, title, type, status, priority, duration, due_date,
	assigned_to, created, created_by, updated`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.PatientID, &t.Title, &t.Type, &t.Status, &t.Priority, &t.Duration,
		&t.DueDate, &t.AssignedTo, &t.Created, &t.CreatedBy, &t.Updated)
	return &t, err
}

func (r *repoPG) Create(ctx context.Context, t *Task) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO tasks (patient_id, title, type, status, priority, duration, due_date, assigned_to, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created, updated`,
		t.PatientID, t.Title, t.Type, t.Status, t.Priority, t.Duration, t.DueDate, t.AssignedTo, t.CreatedBy).
		Scan(&t.ID, &t.Created, &t.Updated)
}

func (r *repoPG) Get(ctx context.Context, id int64) (*Task, error) {
	t, err := scanTask(r.conn(ctx).QueryRow(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("task %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (r *repoPG) Update(ctx context.Context, t *Task) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE tasks SET title = $2, type = $3, status = $4, priority = $5, duration = $6,
			due_date = $7, assigned_to = $8, updated = NOW()
		WHERE id = $1 RETURNING updated`,
		t.ID, t.Title, t.Type, t.Status, t.Priority, t.Duration, t.DueDate, t.AssignedTo).Scan(&t.Updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("task %d not found", t.ID)
	}
	return err
}

func (r *repoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]Task, int, error) {
	where := `WHERE patient_id = $1 AND ($2 = '' OR status = $2)
		AND ($3::timestamptz IS NULL OR created >= $3)
		AND ($4::timestamptz IS NULL OR created < $4)`
	args := []interface{}{f.PatientID, f.Status, f.Start, f.Next}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM tasks `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+taskCols+` FROM tasks `+where+`
		ORDER BY created DESC, id DESC LIMIT $5 OFFSET $6`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	tasks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Task, error) {
		t, err := scanTask(row)
		return *t, err
	})
	return tasks, total, err
}

func (r *repoPG) PatientExists(ctx context.Context, patientID int64) (bool, error) {
	var ok bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM user_profiles WHERE fk_userid = $1)`, patientID).Scan(&ok)
	return ok, err
}
