package timing

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// BillingIncrement is the size, in minutes, of one billable block.
const BillingIncrement = 20

type Program string

const (
	ProgramRPM Program = "rpm"
	ProgramCCM Program = "ccm"
	ProgramPCM Program = "pcm"
)

// Programs is ordered by priority for the exclusive overlap policy.
var Programs = []Program{ProgramRPM, ProgramCCM, ProgramPCM}

// ServiceTypeProgram maps user_profiles.service_type codes to programs.
var ServiceTypeProgram = map[int]Program{1: ProgramRPM, 2: ProgramCCM, 3: ProgramPCM}

// OverlapPolicy decides how a row whose type names more than one program is
// counted.
type OverlapPolicy string

const (
	// PolicyIndependent counts the row toward every program it names.
	PolicyIndependent OverlapPolicy = "independent"
	// PolicyExclusive counts the row only toward its highest priority program.
	PolicyExclusive OverlapPolicy = "exclusive"
)

func ParsePolicy(s string) (OverlapPolicy, error) {
	switch OverlapPolicy(strings.ToLower(s)) {
	case "", PolicyIndependent:
		return PolicyIndependent, nil
	case PolicyExclusive:
		return PolicyExclusive, nil
	default:
		return "", fmt.Errorf("unknown overlap policy %q", s)
	}
}

// Entry is the billable part of a notes or tasks row.
type Entry struct {
	Created  time.Time
	Duration int
	Type     string
}

type CPTLine struct {
	Code      string  `json:"code"`
	Price     float64 `json:"price"`
	CodeUnits int     `json:"code_units"`
}

type BilledMinutes struct {
	Total    int `json:"total"`
	Billed   int `json:"billed"`
	Unbilled int `json:"unbilled"`
}

// CalculateBilledMinutes splits total into whole 20 minute increments and the
// remainder. Negative totals are treated as zero.
func CalculateBilledMinutes(total int) BilledMinutes {
	if total <= 0 {
		return BilledMinutes{}
	}
	billed := (total / BillingIncrement) * BillingIncrement
	return BilledMinutes{Total: total, Billed: billed, Unbilled: total - billed}
}

// Window returns the calendar month containing date in loc as the half-open
// range [start, next).
func Window(date time.Time, loc *time.Location) (start, next time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	d := date.In(loc)
	start = time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 1, 0)
}

// EndOfMonth is the last representable instant before next.
func EndOfMonth(next time.Time) time.Time {
	return next.Add(-time.Nanosecond)
}

// ProgramsOf returns the programs whose tag appears in typ, case-insensitively.
func ProgramsOf(typ string, policy OverlapPolicy) []Program {
	lower := strings.ToLower(typ)
	var out []Program
	for _, p := range Programs {
		if strings.Contains(lower, string(p)) {
			out = append(out, p)
			if policy == PolicyExclusive {
				break
			}
		}
	}
	return out
}

type MinutesByProgram map[Program]int

func (m MinutesByProgram) Total() int {
	total := 0
	for _, p := range Programs {
		total += m[p]
	}
	return total
}

// AggregateMinutes sums durations per program. Within each source, rows that
// share the same (created, duration) pair for a program are counted once;
// the notes and tasks sums are then added.
func AggregateMinutes(notes, tasks []Entry, policy OverlapPolicy) MinutesByProgram {
	out := MinutesByProgram{}
	for _, p := range Programs {
		out[p] = 0
	}
	for _, source := range [][]Entry{notes, tasks} {
		seen := make(map[Program]map[entryKey]bool, len(Programs))
		for _, e := range source {
			for _, p := range ProgramsOf(e.Type, policy) {
				if seen[p] == nil {
					seen[p] = make(map[entryKey]bool)
				}
				k := entryKey{created: e.Created.UnixNano(), duration: e.Duration}
				if seen[p][k] {
					continue
				}
				seen[p][k] = true
				out[p] += e.Duration
			}
		}
	}
	return out
}

type entryKey struct {
	created  int64
	duration int
}

// CPTAmount sums price * units over lines, treating zero or negative units as
// one, rounded to cents.
func CPTAmount(lines []CPTLine) float64 {
	var sum float64
	for _, l := range lines {
		units := l.CodeUnits
		if units < 1 {
			units = 1
		}
		sum += l.Price * float64(units)
	}
	return math.Round(sum*100) / 100
}

// Timings is the getPatientTimings payload.
type Timings struct {
	PatientID    int64     `json:"patientId"`
	RPMMinutes   int       `json:"rpm_minutes"`
	CCMMinutes   int       `json:"ccm_minutes"`
	PCMMinutes   int       `json:"pcm_minutes"`
	TotalMinutes int       `json:"totalMinutes"`
	Billed       int       `json:"billed"`
	Unbilled     int       `json:"unbilled"`
	Amount       float64   `json:"amount"`
	StartOfMonth time.Time `json:"startOfMonth"`
	EndOfMonth   time.Time `json:"endOfMonth"`
}

func NewTimings(patientID int64, minutes MinutesByProgram, amount float64, start, next time.Time) *Timings {
	total := minutes.Total()
	billed := CalculateBilledMinutes(total)
	return &Timings{
		PatientID:    patientID,
		RPMMinutes:   minutes[ProgramRPM],
		CCMMinutes:   minutes[ProgramCCM],
		PCMMinutes:   minutes[ProgramPCM],
		TotalMinutes: total,
		Billed:       billed.Billed,
		Unbilled:     billed.Unbilled,
		Amount:       amount,
		StartOfMonth: start,
		EndOfMonth:   EndOfMonth(next),
	}
}

// Bucket is the billing state of one program for the month.
type Bucket struct {
	Program    Program `json:"program"`
	Enrolled   bool    `json:"enrolled"`
	Minutes    int     `json:"minutes"`
	Billed     int     `json:"billed"`
	Unbilled   int     `json:"unbilled"`
	Increments int     `json:"increments"`
	// Status is "not_started", "in_progress" (under one increment) or "billable".
	Status string `json:"status"`
	// ToNext is the minutes still needed to complete the next increment.
	// When minutes land exactly on an increment (Unbilled is 0) the next
	// increment has not started, so ToNext is a full BillingIncrement (20)
	// even though nothing is outstanding.
	ToNext int `json:"to_next"`
}

func NewBucket(p Program, minutes int, enrolled bool) Bucket {
	b := CalculateBilledMinutes(minutes)
	bucket := Bucket{
		Program:    p,
		Enrolled:   enrolled,
		Minutes:    b.Total,
		Billed:     b.Billed,
		Unbilled:   b.Unbilled,
		Increments: b.Billed / BillingIncrement,
		ToNext:     BillingIncrement - b.Unbilled,
	}
	switch {
	case b.Total == 0:
		bucket.Status = "not_started"
	case b.Billed == 0:
		bucket.Status = "in_progress"
	default:
		bucket.Status = "billable"
	}
	return bucket
}

type Profile struct {
	PatientID    int64      `json:"patientId"`
	FirstName    string     `json:"firstname"`
	LastName     string     `json:"lastname"`
	DOB          *time.Time `json:"dob,omitempty"`
	Gender       *string    `json:"gender,omitempty"`
	ServiceType  []int      `json:"service_type"`
	PracticeName *string    `json:"practice_name,omitempty"`
}

// Enrolled reports whether the patient's service_type includes p.
func (p *Profile) Enrolled(program Program) bool {
	for _, code := range p.ServiceType {
		if ServiceTypeProgram[code] == program {
			return true
		}
	}
	return false
}

type Note struct {
	ID        int64     `json:"id"`
	Note      string    `json:"note"`
	Type      string    `json:"type"`
	Duration  int       `json:"duration"`
	Created   time.Time `json:"created"`
	CreatedBy *int64    `json:"created_by,omitempty"`
}

type Task struct {
	ID       int64      `json:"id"`
	Title    string     `json:"title"`
	Type     string     `json:"type"`
	Status   string     `json:"status"`
	Priority string     `json:"priority"`
	Duration int        `json:"duration"`
	DueDate  *time.Time `json:"due_date,omitempty"`
	Created  time.Time  `json:"created"`
}

type Diagnosis struct {
	ID          int64     `json:"id"`
	ICDCode     string    `json:"icd_code"`
	Description *string   `json:"description,omitempty"`
	Status      string    `json:"status"`
	Created     time.Time `json:"created"`
}

type Medication struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Dosage    *string   `json:"dosage,omitempty"`
	Frequency *string   `json:"frequency,omitempty"`
	Status    string    `json:"status"`
	Created   time.Time `json:"created"`
}

type Vital struct {
	ID         int64     `json:"id"`
	Type       string    `json:"type"`
	Value      string    `json:"value"`
	Unit       *string   `json:"unit,omitempty"`
	Source     string    `json:"source"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Summary is the month-scoped composite returned by the summary endpoints.
type Summary struct {
	Profile     *Profile     `json:"profile"`
	Program     *Program     `json:"program,omitempty"`
	Tasks       []Task       `json:"tasks"`
	Notes       []Note       `json:"notes"`
	Diagnoses   []Diagnosis  `json:"diagnoses"`
	Medications []Medication `json:"medications"`
	Vitals      []Vital      `json:"vitals"`
	CPTLines    []CPTLine    `json:"cpt_lines"`
	Timings     *Timings     `json:"timings"`
	Buckets     []Bucket     `json:"buckets"`
}

func entriesFromNotes(notes []Note) []Entry {
	out := make([]Entry, len(notes))
	for i, n := range notes {
		out[i] = Entry{Created: n.Created, Duration: n.Duration, Type: n.Type}
	}
	return out
}

func entriesFromTasks(tasks []Task) []Entry {
	out := make([]Entry, len(tasks))
	for i, t := range tasks {
		out[i] = Entry{Created: t.Created, Duration: t.Duration, Type: t.Type}
	}
	return out
}

// ParseDate accepts YYYY-MM-DD (interpreted in loc) or RFC 3339. An empty
// string yields the zero time.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	if t, err := time.ParseInLocation("2006-01-02", s, loc); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("date must be YYYY-MM-DD or RFC 3339, got %q", s)
	}
	return t, nil
}
