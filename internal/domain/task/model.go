package task

import (
	"fmt"
	"strings"
	"time"
)

const (
	StatusPending    = "pending"
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

var validStatuses = map[string]bool{
	StatusPending:    true,
	StatusInProgress: true,
	StatusCompleted:  true,
	StatusCancelled:  true,
}

var validPriorities = map[string]bool{
	"low":    true,
	"normal": true,
	"high":   true,
	"urgent": true,
}

const dateLayout = "2006-01-02"

// Task is a unit of care-management work. Duration minutes count toward a
// program when Type carries its tag (rpm, ccm, pcm).
type Task struct {
	ID         int64      `json:"id"`
	PatientID  int64      `json:"patient_id"`
	Title      string     `json:"title"`
	Type       string     `json:"type"`
	Status     string     `json:"status"`
	Priority   string     `json:"priority"`
	Duration   int        `json:"duration"`
	DueDate    *time.Time `json:"due_date,omitempty"`
	AssignedTo *int64     `json:"assigned_to,omitempty"`
	Created    time.Time  `json:"created"`
	CreatedBy  *int64     `json:"created_by,omitempty"`
	Updated    time.Time  `json:"updated"`
}

type AddRequest struct {
	PatientID  int64  `json:"patient_id"`
	Title      string `json:"title"`
	Type       string `json:"type"`
	Status     string `json:"status"`
	Priority   string `json:"priority"`
	Duration   int    `json:"duration"`
	DueDate    string `json:"due_date"`
	AssignedTo *int64 `json:"assigned_to"`
}

// EditRequest updates the fields that are present.
type EditRequest struct {
	ID         int64   `json:"id"`
	Title      *string `json:"title"`
	Type       *string `json:"type"`
	Status     *string `json:"status"`
	Priority   *string `json:"priority"`
	Duration   *int    `json:"duration"`
	DueDate    *string `json:"due_date"`
	AssignedTo *int64  `json:"assigned_to"`
}

type ListFilter struct {
	PatientID int64
	Status    string
	// Start and Next bound created to [Start, Next) when set.
	Start, Next *time.Time
}

func parseDueDate(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, fmt.Errorf("due_date must be YYYY-MM-DD")
	}
	return &t, nil
}

func (t *Task) validate() error {
	if t.PatientID <= 0 {
		return fmt.Errorf("patient_id is required")
	}
	if strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if strings.TrimSpace(t.Type) == "" {
		return fmt.Errorf("type is required")
	}
	if t.Duration < 0 {
		return fmt.Errorf("duration cannot be negative")
	}
	if !validStatuses[t.Status] {
		return fmt.Errorf("invalid status: %s", t.Status)
	}
	if !validPriorities[t.Priority] {
		return fmt.Errorf("invalid priority: %s", t.Priority)
	}
	return nil
}

func (r *AddRequest) task() (*Task, error) {
	due, err := parseDueDate(r.DueDate)
	if err != nil {
		return nil, err
	}
	t := &Task{
		PatientID:  r.PatientID,
		Title:      strings.TrimSpace(r.Title),
		Type:       strings.TrimSpace(r.Type),
		Status:     r.Status,
		Priority:   r.Priority,
		Duration:   r.Duration,
		DueDate:    due,
		AssignedTo: r.AssignedTo,
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.Priority == "" {
		t.Priority = "normal"
	}
	return t, t.validate()
}

func (r *EditRequest) apply(t *Task) error {
	if r.Title != nil {
		t.Title = strings.TrimSpace(*r.Title)
	}
	if r.Type != nil {
		t.Type = strings.TrimSpace(*r.Type)
	}
	if r.Status != nil {
		t.Status = *r.Status
	}
	if r.Priority != nil {
		t.Priority = *r.Priority
	}
	if r.Duration != nil {
		t.Duration = *r.Duration
	}
	if r.DueDate != nil {
		due, err := parseDueDate(*r.DueDate)
		if err != nil {
			return err
		}
		t.DueDate = due
	}
	if r.AssignedTo != nil {
		t.AssignedTo = r.AssignedTo
	}
	return t.validate()
}
