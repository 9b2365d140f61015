package models

import (
	"fmt"
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"   // Waiting in a priority bucket
	TaskStatusRunning   TaskStatus = "running"   // Assigned to a node and dispatched
	TaskStatusCompleted TaskStatus = "completed" // Node reported success
	TaskStatusFailed    TaskStatus = "failed"    // Node reported failure
	TaskStatusCancelled TaskStatus = "cancelled" // Cancelled while still pending
	TaskStatusTimeout   TaskStatus = "timeout"   // Running longer than its timeout
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskStatusPending: {
		TaskStatusRunning:   true, // Pending → Running (scheduler assigns a node)
		TaskStatusCancelled: true, // Pending → Cancelled (caller cancels)
	},
	TaskStatusRunning: {
		TaskStatusCompleted: true,
		TaskStatusFailed:    true,
		TaskStatusTimeout:   true,
	},
	// Terminal states
	TaskStatusCompleted: {},
	TaskStatusFailed:    {},
	TaskStatusCancelled: {},
	TaskStatusTimeout:   {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to TaskStatus) error {
	allowedStates, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}

	if !allowedStates[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}

	return nil
}

// IsTerminalState returns true if the state is terminal (no further transitions)
func IsTerminalState(state TaskStatus) bool {
	switch state {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusTimeout:
		return true
	}
	return false
}

// IsFailureState returns true for terminal states reported through the failure path
func IsFailureState(state TaskStatus) bool {
	return state == TaskStatusFailed || state == TaskStatusTimeout || state == TaskStatusCancelled
}

// ParseTaskStatus validates a status string
func ParseTaskStatus(s string) (TaskStatus, error) {
	status := TaskStatus(s)
	if _, ok := validTransitions[status]; !ok {
		return "", fmt.Errorf("unknown task status: %q", s)
	}
	return status, nil
}
