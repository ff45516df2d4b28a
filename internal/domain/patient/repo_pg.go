package patient

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
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PHICipher encrypts PHI columns and computes blind indexes.
// *hipaa.EncryptionService satisfies it.
type PHICipher interface {
	EncryptField(value string) (string, error)
	DecryptField(value string) (string, error)
	BlindIndex(value string) string
}

type repoPG struct {
	pool   *pgxpool.Pool
	cipher PHICipher
}

func NewRepoPG(pool *pgxpool.Pool, cipher PHICipher) Repository {
	return &repoPG{pool: pool, cipher: cipher}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

// -- PHI helpers --

func (r *repoPG) encrypt(value string) (*string, error) {
	if value == "" {
		return nil, nil
	}
	enc, err := r.cipher.EncryptField(value)
	if err != nil {
		return nil, fmt.Errorf("encrypting PHI field: %w", err)
	}
	return &enc, nil
}

func (r *repoPG) decrypt(value *string) (string, error) {
	if value == nil || *value == "" {
		return "", nil
	}
	dec, err := r.cipher.DecryptField(*value)
	if err != nil {
		return "", fmt.Errorf("decrypting PHI field: %w", err)
	}
	return dec, nil
}

type encryptedPHI struct {
	phone, email, address, ssn *string
	ssnIndex                   *string
}

func (r *repoPG) encryptProfile(p *Profile) (encryptedPHI, error) {
	var out encryptedPHI
	var err error
	if out.phone, err = r.encrypt(p.Phone); err != nil {
		return out, err
	}
	if out.email, err = r.encrypt(p.Email); err != nil {
		return out, err
	}
	if out.address, err = r.encrypt(p.Address); err != nil {
		return out, err
	}
	if out.ssn, err = r.encrypt(p.SSN); err != nil {
		return out, err
	}
	if p.SSN != "" {
		idx := r.cipher.BlindIndex(p.SSN)
		out.ssnIndex = &idx
	}
	return out, nil
}

func (r *repoPG) decryptProfile(p *Profile, phi encryptedPHI) error {
	var err error
	if p.Phone, err = r.decrypt(phi.phone); err != nil {
		return err
	}
	if p.Email, err = r.decrypt(phi.email); err != nil {
		return err
	}
	if p.Address, err = r.decrypt(phi.address); err != nil {
		return err
	}
	p.SSN, err = r.decrypt(phi.ssn)
	return err
}

// -- Profile --

func (r *repoPG) CreatePatient(ctx context.Context, p *Profile) error {
	phi, err := r.encryptProfile(p)
	if err != nil {
		return fmt.Errorf("patient create: %w", err)
	}
	q := r.conn(ctx)
	if err := q.QueryRow(ctx, `INSERT INTO users (role) VALUES ('patient') RETURNING id`).Scan(&p.PatientID); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	err = q.QueryRow(ctx, `
		INSERT INTO user_profiles (fk_userid, firstname, lastname, dob, gender,
			phone_enc, email_enc, address_enc, ssn_enc, ssn_index, service_type, practice_name)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11, NULLIF($12, ''))
		RETURNING created, updated`,
		p.PatientID, p.FirstName, p.LastName, p.DOB, p.Gender,
		phi.phone, phi.email, phi.address, phi.ssn, phi.ssnIndex, p.ServiceType, p.PracticeName).
		Scan(&p.Created, &p.Updated)
	if err != nil {
		return fmt.Errorf("insert profile: %w", err)
	}
	return nil
}

func (r *repoPG) GetProfile(ctx context.Context, patientID int64) (*Profile, error) {
	var p Profile
	var phi encryptedPHI
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT fk_userid, firstname, lastname, dob, COALESCE(gender, ''),
			phone_enc, email_enc, address_enc, ssn_enc, service_type,
			COALESCE(practice_name, ''), created, updated
		FROM user_profiles WHERE fk_userid = $1`, patientID).
		Scan(&p.PatientID, &p.FirstName, &p.LastName, &p.DOB, &p.Gender,
			&phi.phone, &phi.email, &phi.address, &phi.ssn, &p.ServiceType,
			&p.PracticeName, &p.Created, &p.Updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("patient %d not found", patientID)
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	if err := r.decryptProfile(&p, phi); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *repoPG) UpdateProfile(ctx context.Context, p *Profile) error {
	phi, err := r.encryptProfile(p)
	if err != nil {
		return fmt.Errorf("patient update: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE user_profiles SET firstname = $2, lastname = $3, dob = $4, gender = NULLIF($5, ''),
			phone_enc = $6, email_enc = $7, address_enc = $8, ssn_enc = $9, ssn_index = $10,
			service_type = $11, practice_name = NULLIF($12, ''), updated = NOW()
		WHERE fk_userid = $1`,
		p.PatientID, p.FirstName, p.LastName, p.DOB, p.Gender,
		phi.phone, phi.email, phi.address, phi.ssn, phi.ssnIndex, p.ServiceType, p.PracticeName)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("patient %d not found", p.PatientID)
	}
	return nil
}

func (r *repoPG) Exists(ctx context.Context, patientID int64) (bool, error) {
	var ok bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM user_profiles WHERE fk_userid = $1)`, patientID).Scan(&ok)
	return ok, err
}

func (r *repoPG) SetProviders(ctx context.Context, patientID int64, providerIDs []int64) error {
	q := r.conn(ctx)
	if _, err := q.Exec(ctx, `DELETE FROM users_mappings WHERE fk_patient_id = $1`, patientID); err != nil {
		return fmt.Errorf("clear providers: %w", err)
	}
	if len(providerIDs) == 0 {
		return nil
	}
	_, err := q.Exec(ctx, `
		INSERT INTO users_mappings (fk_patient_id, fk_provider_id)
		SELECT $1, unnest($2::bigint[]) ON CONFLICT DO NOTHING`, patientID, providerIDs)
	if err != nil {
		return fmt.Errorf("map providers: %w", err)
	}
	return nil
}

func (r *repoPG) Providers(ctx context.Context, patientID int64) ([]int64, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT fk_provider_id FROM users_mappings WHERE fk_patient_id = $1 ORDER BY fk_provider_id`, patientID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// -- Child records --

func (r *repoPG) AddAllergy(ctx context.Context, a *Allergy) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO allergies (patient_id, allergen, reaction, severity)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, '')) RETURNING id, created`,
		a.PatientID, a.Allergen, a.Reaction, a.Severity).Scan(&a.ID, &a.Created)
}

func (r *repoPG) AddInsurance(ctx context.Context, i *Insurance) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient_insurances (patient_id, payer_name, policy_number, group_number, is_primary)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5) RETURNING id, created`,
		i.PatientID, i.PayerName, i.PolicyNumber, i.GroupNumber, i.IsPrimary).Scan(&i.ID, &i.Created)
}

func (r *repoPG) AddMedication(ctx context.Context, m *Medication) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient_medication (patient_id, name, dosage, frequency, status)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5) RETURNING id, created`,
		m.PatientID, m.Name, m.Dosage, m.Frequency, m.Status).Scan(&m.ID, &m.Created)
}

func (r *repoPG) AddDiagnosis(ctx context.Context, d *Diagnosis) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient_diagnoses (patient_id, icd_code, description, status)
		VALUES ($1, $2, NULLIF($3, ''), $4) RETURNING id, created`,
		d.PatientID, d.ICDCode, d.Description, d.Status).Scan(&d.ID, &d.Created)
}

func (r *repoPG) AddVital(ctx context.Context, v *Vital) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient_vitals (patient_id, type, value, unit, source, external_id, recorded_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7) RETURNING id`,
		v.PatientID, v.Type, v.Value, v.Unit, v.Source, v.ExternalID, v.RecordedAt).Scan(&v.ID)
}

func (r *repoPG) AddNote(ctx context.Context, n *Note) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO notes (patient_id, note, type, duration, created_by)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5) RETURNING id, created`,
		n.PatientID, n.Note, n.Type, n.Duration, n.CreatedBy).Scan(&n.ID, &n.Created)
}

func (r *repoPG) AddCPTBilling(ctx context.Context, c *CPTBilling) error {
	q := r.conn(ctx)
	err := q.QueryRow(ctx, `SELECT id FROM cpt_codes WHERE code = $1`, c.Code).Scan(&c.CPTCodeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.Validation("unknown cpt code %q", c.Code)
	}
	if err != nil {
		return fmt.Errorf("lookup cpt code: %w", err)
	}
	return q.QueryRow(ctx, `
		INSERT INTO cpt_billing (patient_id, cpt_code_id, code_units, billing_date, created_by)
		VALUES ($1, $2, $3, $4, $5) RETURNING id, created`,
		c.PatientID, c.CPTCodeID, c.CodeUnits, c.BillingDate, c.CreatedBy).Scan(&c.ID, &c.Created)
}

func (r *repoPG) Allergies(ctx context.Context, patientID int64) ([]Allergy, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, patient_id, allergen, COALESCE(reaction, ''), COALESCE(severity, ''), created
		FROM allergies WHERE patient_id = $1 ORDER BY created DESC, id DESC`, patientID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Allergy, error) {
		var a Allergy
		err := row.Scan(&a.ID, &a.PatientID, &a.Allergen, &a.Reaction, &a.Severity, &a.Created)
		return a, err
	})
}

func (r *repoPG) Insurances(ctx context.Context, patientID int64) ([]Insurance, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, patient_id, payer_name, COALESCE(policy_number, ''), COALESCE(group_number, ''), is_primary, created
		FROM patient_insurances WHERE patient_id = $1 ORDER BY is_primary DESC, created DESC, id DESC`, patientID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Insurance, error) {
		var i Insurance
		err := row.Scan(&i.ID, &i.PatientID, &i.PayerName, &i.PolicyNumber, &i.GroupNumber, &i.IsPrimary, &i.Created)
		return i, err
	})
}

func (r *repoPG) Medications(ctx context.Context, patientID int64) ([]Medication, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, patient_id, name, COALESCE(dosage, ''), COALESCE(frequency, ''), status, created
		FROM patient_medication WHERE patient_id = $1 ORDER BY created DESC, id DESC`, patientID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Medication, error) {
		var m Medication
		err := row.Scan(&m.ID, &m.PatientID, &m.Name, &m.Dosage, &m.Frequency, &m.Status, &m.Created)
		return m, err
	})
}

func (r *repoPG) Diagnoses(ctx context.Context, patientID int64) ([]Diagnosis, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, patient_id, icd_code, COALESCE(description, ''), status, created
		FROM patient_diagnoses WHERE patient_id = $1 ORDER BY created DESC, id DESC`, patientID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Diagnosis, error) {
		var d Diagnosis
		err := row.Scan(&d.ID, &d.PatientID, &d.ICDCode, &d.Description, &d.Status, &d.Created)
		return d, err
	})
}

func (r *repoPG) Vitals(ctx context.Context, patientID int64, limit int) ([]Vital, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, patient_id, type, value, COALESCE(unit, ''), source, external_id, recorded_at
		FROM patient_vitals WHERE patient_id = $1
		ORDER BY recorded_at DESC, id DESC LIMIT $2`, patientID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Vital, error) {
		var v Vital
		err := row.Scan(&v.ID, &v.PatientID, &v.Type, &v.Value, &v.Unit, &v.Source, &v.ExternalID, &v.RecordedAt)
		return v, err
	})
}

func (r *repoPG) Notes(ctx context.Context, patientID int64, limit, offset int) ([]Note, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM notes WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notes: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, patient_id, note, COALESCE(type, ''), duration, created, created_by
		FROM notes WHERE patient_id = $1
		ORDER BY created DESC, id DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	notes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Note, error) {
		var n Note
		err := row.Scan(&n.ID, &n.PatientID, &n.Note, &n.Type, &n.Duration, &n.Created, &n.CreatedBy)
		return n, err
	})
	return notes, total, err
}

// -- Listing and search --

const listCols = `fk_userid, firstname, lastname, dob, COALESCE(gender, ''), service_type, created`

func scanListItems(rows pgx.Rows) ([]ListItem, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ListItem, error) {
		var it ListItem
		err := row.Scan(&it.PatientID, &it.FirstName, &it.LastName, &it.DOB, &it.Gender, &it.ServiceType, &it.Created)
		return it, err
	})
}

func (r *repoPG) List(ctx context.Context, filter ListFilter, limit, offset int) ([]ListItem, int, error) {
	where := `WHERE ($1 = '' OR firstname ILIKE '%' || $1 || '%' OR lastname ILIKE '%' || $1 || '%')
		AND ($2::int = 0 OR $2 = ANY(service_type))`

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM user_profiles `+where,
		filter.Search, filter.ServiceType).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count patients: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+listCols+` FROM user_profiles `+where+`
		ORDER BY lastname, firstname, fk_userid LIMIT $3 OFFSET $4`,
		filter.Search, filter.ServiceType, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list patients: %w", err)
	}
	items, err := scanListItems(rows)
	return items, total, err
}

func (r *repoPG) Search(ctx context.Context, q SearchQuery, limit int) ([]ListItem, error) {
	var rows pgx.Rows
	var err error
	switch {
	case q.SSNIndex != "":
		rows, err = r.conn(ctx).Query(ctx, `SELECT `+listCols+` FROM user_profiles
			WHERE ssn_index = $1 ORDER BY fk_userid LIMIT $2`, q.SSNIndex, limit)
	case q.PatientID > 0:
		rows, err = r.conn(ctx).Query(ctx, `SELECT `+listCols+` FROM user_profiles
			WHERE fk_userid = $1`, q.PatientID)
	default:
		rows, err = r.conn(ctx).Query(ctx, `SELECT `+listCols+` FROM user_profiles
			WHERE firstname ILIKE $1 || '%' OR lastname ILIKE $1 || '%'
				OR (firstname || ' ' || lastname) ILIKE '%' || $1 || '%'
			ORDER BY lastname, firstname, fk_userid LIMIT $2`, q.Name, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("search patients: %w", err)
	}
	return scanListItems(rows)
}

// -- Device vitals --

func (r *repoPG) LatestVitalAt(ctx context.Context, patientID int64, source string) (time.Time, error) {
	var at *time.Time
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT MAX(recorded_at) FROM patient_vitals WHERE patient_id = $1 AND source = $2`,
		patientID, source).Scan(&at)
	if err != nil || at == nil {
		return time.Time{}, err
	}
	return *at, nil
}

func (r *repoPG) UpsertVitals(ctx context.Context, vitals []Vital) (int, error) {
	if len(vitals) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, v := range vitals {
		batch.Queue(`
			INSERT INTO patient_vitals (patient_id, type, value, unit, source, external_id, recorded_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)
			ON CONFLICT (external_id) WHERE external_id IS NOT NULL
			DO UPDATE SET type = EXCLUDED.type, value = EXCLUDED.value,
				unit = EXCLUDED.unit, recorded_at = EXCLUDED.recorded_at`,
			v.PatientID, v.Type, v.Value, v.Unit, v.Source, v.ExternalID, v.RecordedAt)
	}

	br := r.conn(ctx).SendBatch(ctx, batch)
	defer br.Close()

	n := 0
	for range vitals {
		tag, err := br.Exec()
		if err != nil {
			return n, fmt.Errorf("upsert vital: %w", err)
		}
		n += int(tag.RowsAffected())
	}
	return n, nil
}
