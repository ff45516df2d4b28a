package hipaa

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ehr/rcm/internal/platform/db"
	"github.com/ehr/rcm/internal/platform/middleware"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AccessLog persists PHI access entries to phi_access_log in the tenant
// schema. Only requests that name a patient are stored; everything else is
// covered by the structured log line.
type AccessLog struct {
	fallback execer
}

func NewAccessLog(fallback execer) *AccessLog {
	return &AccessLog{fallback: fallback}
}

var _ middleware.AuditRecorder = (*AccessLog)(nil)

func (a *AccessLog) RecordAccess(ctx context.Context, e middleware.AuditEntry) error {
	if e.PatientID == "" {
		return nil
	}
	patientID, err := strconv.ParseInt(e.PatientID, 10, 64)
	if err != nil {
		return nil
	}

	var q execer = a.fallback
	if conn := db.ConnFromContext(ctx); conn != nil {
		q = conn
	}
	if q == nil {
		return fmt.Errorf("phi access log: no database connection")
	}

	_, err = q.Exec(ctx, `
		INSERT INTO phi_access_log (
			patient_id, user_id, action, resource_type, method, path,
			status_code, ip_address, user_agent, request_id, accessed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		patientID, e.UserID, e.Action, e.ResourceType, e.Method, e.Path,
		e.StatusCode, e.IPAddress, e.UserAgent, e.RequestID, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("phi access log: %w", err)
	}
	return nil
}
