package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TaskPriority orders pending work. Higher values are scheduled first.
type TaskPriority int

const (
	PriorityLow      TaskPriority = 1
	PriorityNormal   TaskPriority = 2
	PriorityHigh     TaskPriority = 3
	PriorityCritical TaskPriority = 4
	PriorityUrgent   TaskPriority = 5
)

// Priorities lists every level from most to least urgent
var Priorities = []TaskPriority{
	PriorityUrgent,
	PriorityCritical,
	PriorityHigh,
	PriorityNormal,
	PriorityLow,
}

func (p TaskPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the five defined levels
func (p TaskPriority) Valid() bool {
	return p >= PriorityLow && p <= PriorityUrgent
}

// ParsePriority parses a priority name. Empty input maps to normal.
func ParsePriority(s string) (TaskPriority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	case "urgent":
		return PriorityUrgent, nil
	default:
		return 0, fmt.Errorf("unknown priority: %q", s)
	}
}

// MarshalJSON encodes the priority by name
func (p TaskPriority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts either a name or the numeric level
func (p *TaskPriority) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		parsed, err := ParsePriority(name)
		if err != nil {
			return err
		}
		*p = parsed
		return nil
	}

	var level int
	if err := json.Unmarshal(data, &level); err != nil {
		return fmt.Errorf("invalid priority: %s", string(data))
	}
	if !TaskPriority(level).Valid() {
		return fmt.Errorf("priority out of range: %d", level)
	}
	*p = TaskPriority(level)
	return nil
}

// Task is a unit of work placed by the scheduler
type Task struct {
	ID                string              `json:"task_id"`
	Type              string              `json:"task_type"`
	Priority          TaskPriority        `json:"priority"`
	Requirements      ResourceRequirement `json:"requirements"`
	Payload           json.RawMessage     `json:"payload,omitempty"`
	Dependencies      []string            `json:"dependencies,omitempty"`
	Timeout           time.Duration       `json:"timeout"`
	CreatedAt         time.Time           `json:"created_at"`
	ScheduledAt       *time.Time          `json:"scheduled_at,omitempty"`
	StartedAt         *time.Time          `json:"started_at,omitempty"`
	CompletedAt       *time.Time          `json:"completed_at,omitempty"`
	AssignedNode      string              `json:"assigned_node,omitempty"`
	Status            TaskStatus          `json:"status"`
	Result            json.RawMessage     `json:"result,omitempty"`
	Error             string              `json:"error,omitempty"`
	RetryCount        int                 `json:"retry_count"`
	MaxRetries        int                 `json:"max_retries"`
	EstimatedDuration time.Duration       `json:"estimated_duration,omitempty"`
	EstimatedCost     float64             `json:"estimated_cost"`
	ActualCost        float64             `json:"actual_cost"`
}

// DefaultMaxRetries is recorded on tasks that do not set their own limit
const DefaultMaxRetries = 3

// Transition moves the task to a new state after validating the edge
func (t *Task) Transition(to TaskStatus) error {
	if err := ValidateTransition(t.Status, to); err != nil {
		return err
	}
	t.Status = to
	return nil
}

// WaitTime is the time spent pending before the task started
func (t *Task) WaitTime() time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	return t.StartedAt.Sub(t.CreatedAt)
}

// ExecutionTime is the time between start and completion
func (t *Task) ExecutionTime() time.Duration {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(*t.StartedAt)
}

// Clone returns a deep copy safe to hand to callers
func (t *Task) Clone() *Task {
	c := *t
	c.Requirements = t.Requirements.Clone()
	if t.Payload != nil {
		c.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.Dependencies != nil {
		c.Dependencies = append([]string(nil), t.Dependencies...)
	}
	c.ScheduledAt = cloneTime(t.ScheduledAt)
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to t
func TimePtr(t time.Time) *time.Time {
	return &t
}
