package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    TaskStatus
		to      TaskStatus
		wantErr bool
	}{
		// Valid transitions
		{"Pending to Running", TaskStatusPending, TaskStatusRunning, false},
		{"Pending to Cancelled", TaskStatusPending, TaskStatusCancelled, false},
		{"Running to Completed", TaskStatusRunning, TaskStatusCompleted, false},
		{"Running to Failed", TaskStatusRunning, TaskStatusFailed, false},
		{"Running to Timeout", TaskStatusRunning, TaskStatusTimeout, false},

		// Invalid transitions
		{"Pending to Completed", TaskStatusPending, TaskStatusCompleted, true},
		{"Pending to Timeout", TaskStatusPending, TaskStatusTimeout, true},
		{"Running to Cancelled", TaskStatusRunning, TaskStatusCancelled, true},
		{"Running to Pending", TaskStatusRunning, TaskStatusPending, true},
		{"Completed to Running", TaskStatusCompleted, TaskStatusRunning, true},
		{"Failed to Pending", TaskStatusFailed, TaskStatusPending, true},
		{"Cancelled to Pending", TaskStatusCancelled, TaskStatusPending, true},
		{"Timeout to Failed", TaskStatusTimeout, TaskStatusFailed, true},
		{"Unknown source", TaskStatus("bogus"), TaskStatusRunning, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTransition(%v, %v) error = %v, wantErr %v",
					tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestIsTerminalState(t *testing.T) {
	tests := []struct {
		state    TaskStatus
		expected bool
	}{
		{TaskStatusPending, false},
		{TaskStatusRunning, false},
		{TaskStatusCompleted, true},
		{TaskStatusFailed, true},
		{TaskStatusCancelled, true},
		{TaskStatusTimeout, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := IsTerminalState(tt.state); got != tt.expected {
				t.Errorf("IsTerminalState(%v) = %v, expected %v", tt.state, got, tt.expected)
			}
		})
	}
}

func TestTaskTransition(t *testing.T) {
	task := &Task{ID: "t1", Status: TaskStatusPending}

	if err := task.Transition(TaskStatusRunning); err != nil {
		t.Fatalf("pending -> running: %v", err)
	}
	if err := task.Transition(TaskStatusCompleted); err != nil {
		t.Fatalf("running -> completed: %v", err)
	}
	if err := task.Transition(TaskStatusRunning); err == nil {
		t.Error("expected completed -> running to be rejected")
	}
	if task.Status != TaskStatusCompleted {
		t.Errorf("status changed on rejected transition: %v", task.Status)
	}
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		input    string
		expected TaskPriority
		wantErr  bool
	}{
		{"low", PriorityLow, false},
		{"", PriorityNormal, false},
		{"NORMAL", PriorityNormal, false},
		{"high", PriorityHigh, false},
		{"critical", PriorityCritical, false},
		{" urgent ", PriorityUrgent, false},
		{"medium", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParsePriority(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePriority(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.expected {
				t.Errorf("ParsePriority(%q) = %v, expected %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestPriorityOrdering(t *testing.T) {
	for i := 1; i < len(Priorities); i++ {
		if Priorities[i-1] <= Priorities[i] {
			t.Errorf("Priorities[%d]=%v should outrank Priorities[%d]=%v",
				i-1, Priorities[i-1], i, Priorities[i])
		}
	}
}

func TestPriorityJSON(t *testing.T) {
	var p TaskPriority
	if err := json.Unmarshal([]byte(`"critical"`), &p); err != nil || p != PriorityCritical {
		t.Errorf("unmarshal name: got %v, err %v", p, err)
	}
	if err := json.Unmarshal([]byte(`5`), &p); err != nil || p != PriorityUrgent {
		t.Errorf("unmarshal level: got %v, err %v", p, err)
	}
	if err := json.Unmarshal([]byte(`9`), &p); err == nil {
		t.Error("expected out-of-range level to fail")
	}

	data, err := json.Marshal(PriorityHigh)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"high"` {
		t.Errorf("Marshal(PriorityHigh) = %s, expected \"high\"", data)
	}
}

func TestTaskCloneIsIndependent(t *testing.T) {
	started := time.Now()
	task := &Task{
		ID:           "t1",
		Dependencies: []string{"a"},
		Requirements: ResourceRequirement{CustomResources: map[string]float64{"fpga": 1}},
		StartedAt:    &started,
	}

	c := task.Clone()
	c.Dependencies[0] = "b"
	c.Requirements.CustomResources["fpga"] = 2
	*c.StartedAt = started.Add(time.Hour)

	if task.Dependencies[0] != "a" {
		t.Error("clone shares dependency slice")
	}
	if task.Requirements.CustomResources["fpga"] != 1 {
		t.Error("clone shares custom resource map")
	}
	if !task.StartedAt.Equal(started) {
		t.Error("clone shares started_at pointer")
	}
}
