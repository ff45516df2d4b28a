package bed

import (
	"fmt"
	"strings"
	"time"
)

const (
	StatusAvailable   = "available"
	StatusOccupied    = "occupied"
	StatusMaintenance = "maintenance"
)

var validStatuses = map[string]bool{
	StatusAvailable:   true,
	StatusOccupied:    true,
	StatusMaintenance: true,
}

type Bed struct {
	ID        int64     `json:"id"`
	Ward      string    `json:"ward"`
	Room      string    `json:"room"`
	BedNumber string    `json:"bed_number"`
	Status    string    `json:"status"`
	PatientID *int64    `json:"patient_id,omitempty"`
	Updated   time.Time `json:"updated"`
}

// Assignment is one stay of a patient in a bed.
type Assignment struct {
	ID         int64      `json:"id"`
	BedID      int64      `json:"bed_id"`
	PatientID  int64      `json:"patient_id"`
	AssignedAt time.Time  `json:"assigned_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
	AssignedBy string     `json:"assigned_by,omitempty"`
}

type ListFilter struct {
	Ward   string
	Status string
}

func (f *ListFilter) normalize() error {
	f.Ward = strings.TrimSpace(f.Ward)
	f.Status = strings.ToLower(strings.TrimSpace(f.Status))
	if f.Status != "" && !validStatuses[f.Status] {
		return fmt.Errorf("invalid bed status: %s", f.Status)
	}
	return nil
}

type AssignRequest struct {
	PatientID int64 `json:"patient_id"`
}

// AssignResult is the occupied bed and the stay that was opened.
type AssignResult struct {
	Bed        *Bed        `json:"bed"`
	Assignment *Assignment `json:"assignment"`
}
