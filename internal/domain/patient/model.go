package patient

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// Service types stored in user_profiles.service_type.
const (
	ServiceRPM = 1
	ServiceCCM = 2
	ServicePCM = 3
)

const dateLayout = "2006-01-02"

// Profile is a patient's demographic record. PHI fields hold plaintext in
// memory; the repository encrypts them at rest.
type Profile struct {
	PatientID    int64      `json:"patientId"`
	FirstName    string     `json:"firstname"`
	LastName     string     `json:"lastname"`
	DOB          *time.Time `json:"dob,omitempty"`
	Gender       string     `json:"gender,omitempty"`
	Phone        string     `json:"phone,omitempty"`
	Email        string     `json:"email,omitempty"`
	Address      string     `json:"address,omitempty"`
	SSN          string     `json:"ssn,omitempty"`
	ServiceType  []int      `json:"service_type"`
	PracticeName string     `json:"practice_name,omitempty"`
	Created      time.Time  `json:"created"`
	Updated      time.Time  `json:"updated"`
}

type Allergy struct {
	ID        int64     `json:"id"`
	PatientID int64     `json:"patient_id"`
	Allergen  string    `json:"allergen"`
	Reaction  string    `json:"reaction,omitempty"`
	Severity  string    `json:"severity,omitempty"`
	Created   time.Time `json:"created"`
}

type Insurance struct {
	ID           int64     `json:"id"`
	PatientID    int64     `json:"patient_id"`
	PayerName    string    `json:"payer_name"`
	PolicyNumber string    `json:"policy_number,omitempty"`
	GroupNumber  string    `json:"group_number,omitempty"`
	IsPrimary    bool      `json:"is_primary"`
	Created      time.Time `json:"created"`
}

type Medication struct {
	ID        int64     `json:"id"`
	PatientID int64     `json:"patient_id"`
	Name      string    `json:"name"`
	Dosage    string    `json:"dosage,omitempty"`
	Frequency string    `json:"frequency,omitempty"`
	Status    string    `json:"status"`
	Created   time.Time `json:"created"`
}

type Diagnosis struct {
	ID          int64     `json:"id"`
	PatientID   int64     `json:"patient_id"`
	ICDCode     string    `json:"icd_code"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	Created     time.Time `json:"created"`
}

type Vital struct {
	ID         int64     `json:"id"`
	PatientID  int64     `json:"patient_id"`
	Type       string    `json:"type"`
	Value      string    `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	Source     string    `json:"source"`
	ExternalID *string   `json:"external_id,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Note is a clinical or care-management note. Duration counts toward
// program minutes when Type carries a program tag.
type Note struct {
	ID        int64     `json:"id"`
	PatientID int64     `json:"patient_id"`
	Note      string    `json:"note"`
	Type      string    `json:"type"`
	Duration  int       `json:"duration"`
	Created   time.Time `json:"created"`
	CreatedBy *int64    `json:"created_by,omitempty"`
}

// CPTBilling is a billed CPT line. Code is resolved to CPTCodeID on insert.
type CPTBilling struct {
	ID          int64     `json:"id"`
	PatientID   int64     `json:"patient_id"`
	Code        string    `json:"code"`
	CPTCodeID   int64     `json:"cpt_code_id"`
	CodeUnits   int       `json:"code_units"`
	BillingDate time.Time `json:"billing_date"`
	Created     time.Time `json:"created"`
	CreatedBy   *int64    `json:"created_by,omitempty"`
}

const (
	VitalSourceManual = "manual"
	VitalSourceMIO    = "mio"
)

// Record is the composite patient view returned by getPatientDataById.
type Record struct {
	Profile     *Profile     `json:"profile"`
	ProviderIDs []int64      `json:"provider_ids"`
	Allergies   []Allergy    `json:"allergies"`
	Insurances  []Insurance  `json:"insurances"`
	Medications []Medication `json:"medications"`
	Diagnoses   []Diagnosis  `json:"diagnoses"`
	Vitals      []Vital      `json:"vitals"`
	Notes       []Note       `json:"notes"`
}

type ListItem struct {
	PatientID   int64      `json:"patientId"`
	FirstName   string     `json:"firstname"`
	LastName    string     `json:"lastname"`
	DOB         *time.Time `json:"dob,omitempty"`
	Gender      string     `json:"gender,omitempty"`
	ServiceType []int      `json:"service_type"`
	Created     time.Time  `json:"created"`
}

type ListFilter struct {
	Search      string
	ServiceType int
}

// SearchQuery is what searchPatient resolved its free-text input to. Exactly
// one field is set.
type SearchQuery struct {
	SSNIndex  string
	PatientID int64
	Name      string
}

type SyncResult struct {
	Fetched  int       `json:"fetched"`
	Upserted int       `json:"upserted"`
	Since    time.Time `json:"since"`
}

// AddPatientRequest creates a patient with its initial clinical data in one
// unit of work.
type AddPatientRequest struct {
	FirstName    string  `json:"firstname"`
	LastName     string  `json:"lastname"`
	DOB          string  `json:"dob"`
	Gender       string  `json:"gender"`
	Phone        string  `json:"phone"`
	Email        string  `json:"email"`
	Address      string  `json:"address"`
	SSN          string  `json:"ssn"`
	ServiceType  []int   `json:"service_type"`
	PracticeName string  `json:"practice_name"`
	ProviderIDs  []int64 `json:"provider_ids"`

	Allergies   []Allergy    `json:"allergies"`
	Insurances  []Insurance  `json:"insurances"`
	Medications []Medication `json:"medications"`
	Diagnoses   []Diagnosis  `json:"diagnoses"`
	Notes       []Note       `json:"notes"`
	CPTBilling  []CPTBilling `json:"cpt_billing"`
}

// UpdateProfileRequest is a partial profile update; nil fields are left
// unchanged.
type UpdateProfileRequest struct {
	FirstName    *string  `json:"firstname"`
	LastName     *string  `json:"lastname"`
	DOB          *string  `json:"dob"`
	Gender       *string  `json:"gender"`
	Phone        *string  `json:"phone"`
	Email        *string  `json:"email"`
	Address      *string  `json:"address"`
	SSN          *string  `json:"ssn"`
	ServiceType  []int    `json:"service_type"`
	PracticeName *string  `json:"practice_name"`
	ProviderIDs  *[]int64 `json:"provider_ids"`
}

func parseDOB(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, fmt.Errorf("dob must be YYYY-MM-DD")
	}
	return &t, nil
}

// NormalizeSSN strips separators and returns the nine digits, or false when
// s is not an SSN.
func NormalizeSSN(s string) (string, bool) {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == ' ':
		default:
			return "", false
		}
	}
	if b.Len() != 9 {
		return "", false
	}
	return b.String(), true
}

// MaskSSN keeps the last four digits.
func MaskSSN(ssn string) string {
	if len(ssn) < 4 {
		return ssn
	}
	return "***-**-" + ssn[len(ssn)-4:]
}

func validServiceTypes(types []int) error {
	for _, t := range types {
		if t < ServiceRPM || t > ServicePCM {
			return fmt.Errorf("service_type %d is not one of 1 (RPM), 2 (CCM), 3 (PCM)", t)
		}
	}
	return nil
}

func validEmail(s string) bool {
	_, err := mail.ParseAddress(s)
	return err == nil
}

// validateProfile checks demographic fields and normalizes the SSN.
func validateProfile(p *Profile) error {
	if strings.TrimSpace(p.FirstName) == "" || strings.TrimSpace(p.LastName) == "" {
		return fmt.Errorf("firstname and lastname are required")
	}
	if p.Email != "" && !validEmail(p.Email) {
		return fmt.Errorf("email is not a valid address")
	}
	if p.SSN != "" {
		ssn, ok := NormalizeSSN(p.SSN)
		if !ok {
			return fmt.Errorf("ssn must be nine digits")
		}
		p.SSN = ssn
	}
	if p.DOB != nil && p.DOB.After(time.Now()) {
		return fmt.Errorf("dob cannot be in the future")
	}
	return validServiceTypes(p.ServiceType)
}

func (r *AddPatientRequest) profile() (*Profile, error) {
	dob, err := parseDOB(r.DOB)
	if err != nil {
		return nil, err
	}
	p := &Profile{
		FirstName:    strings.TrimSpace(r.FirstName),
		LastName:     strings.TrimSpace(r.LastName),
		DOB:          dob,
		Gender:       r.Gender,
		Phone:        r.Phone,
		Email:        strings.TrimSpace(r.Email),
		Address:      r.Address,
		SSN:          r.SSN,
		ServiceType:  r.ServiceType,
		PracticeName: r.PracticeName,
	}
	if p.ServiceType == nil {
		p.ServiceType = []int{}
	}
	return p, validateProfile(p)
}

// apply merges the request into p and validates the result.
func (r *UpdateProfileRequest) apply(p *Profile) error {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = strings.TrimSpace(*src)
		}
	}
	set(&p.FirstName, r.FirstName)
	set(&p.LastName, r.LastName)
	set(&p.Gender, r.Gender)
	set(&p.Phone, r.Phone)
	set(&p.Email, r.Email)
	set(&p.Address, r.Address)
	set(&p.SSN, r.SSN)
	set(&p.PracticeName, r.PracticeName)
	if r.DOB != nil {
		dob, err := parseDOB(*r.DOB)
		if err != nil {
			return err
		}
		p.DOB = dob
	}
	if r.ServiceType != nil {
		p.ServiceType = r.ServiceType
	}
	return validateProfile(p)
}

func (a *Allergy) validate() error {
	if strings.TrimSpace(a.Allergen) == "" {
		return fmt.Errorf("allergen is required")
	}
	return nil
}

func (i *Insurance) validate() error {
	if strings.TrimSpace(i.PayerName) == "" {
		return fmt.Errorf("payer_name is required")
	}
	return nil
}

func (m *Medication) validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("medication name is required")
	}
	if m.Status == "" {
		m.Status = "active"
	}
	return nil
}

func (d *Diagnosis) validate() error {
	if strings.TrimSpace(d.ICDCode) == "" {
		return fmt.Errorf("icd_code is required")
	}
	if d.Status == "" {
		d.Status = "active"
	}
	return nil
}

func (v *Vital) validate() error {
	if v.Type == "" || v.Value == "" {
		return fmt.Errorf("vital type and value are required")
	}
	if v.Source == "" {
		v.Source = VitalSourceManual
	}
	if v.RecordedAt.IsZero() {
		v.RecordedAt = time.Now().UTC()
	}
	return nil
}

func (n *Note) validate() error {
	if strings.TrimSpace(n.Note) == "" {
		return fmt.Errorf("note text is required")
	}
	if n.Duration < 0 {
		return fmt.Errorf("duration cannot be negative")
	}
	return nil
}

func (c *CPTBilling) validate() error {
	if strings.TrimSpace(c.Code) == "" {
		return fmt.Errorf("cpt code is required")
	}
	if c.CodeUnits < 0 {
		return fmt.Errorf("code_units cannot be negative")
	}
	if c.CodeUnits == 0 {
		c.CodeUnits = 1
	}
	if c.BillingDate.IsZero() {
		c.BillingDate = time.Now().UTC()
	}
	return nil
}
