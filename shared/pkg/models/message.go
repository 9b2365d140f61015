package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message types exchanged between nodes
const (
	MessageTypeTaskAssignment = "task_assignment"
	MessageTypeHeartbeat      = "heartbeat"
	MessageTypeDiscovery      = "discovery"
	MessageTypeSystem         = "system"
	MessageTypeDataTransfer   = "data_transfer"
	MessageTypeBulkData       = "bulk_data"
	MessageTypeUrgent         = "urgent"
	MessageTypeCritical       = "critical"
)

// Message is the envelope a Link delivers to a node
type Message struct {
	ID          string          `json:"message_id"`
	SenderID    string          `json:"sender_id"`
	RecipientID string          `json:"recipient_id,omitempty"`
	Type        string          `json:"message_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// NewMessage builds a message with a JSON-encoded payload
func NewMessage(sender, recipient, msgType string, payload interface{}) (*Message, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
		}
		raw = data
	}

	return &Message{
		ID:          uuid.New().String(),
		SenderID:    sender,
		RecipientID: recipient,
		Type:        msgType,
		Payload:     raw,
		Timestamp:   time.Now(),
	}, nil
}

// DecodePayload unmarshals the payload into v
func (m *Message) DecodePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s has no payload", m.ID)
	}
	return json.Unmarshal(m.Payload, v)
}

// TaskAssignment is the payload of a task_assignment message
type TaskAssignment struct {
	TaskID       string              `json:"task_id"`
	Type         string              `json:"task_type"`
	Priority     TaskPriority        `json:"priority"`
	Requirements ResourceRequirement `json:"requirements"`
	Payload      json.RawMessage     `json:"payload,omitempty"`
	Timeout      time.Duration       `json:"timeout"`
	AssignedAt   time.Time           `json:"assigned_at"`
}

// WorkerStats counts a node's executed assignments by outcome
type WorkerStats struct {
	Running   int   `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	TimedOut  int64 `json:"timed_out"`
	Cancelled int64 `json:"cancelled"`
}

// NewTaskAssignment builds the assignment payload for a scheduled task
func NewTaskAssignment(t *Task) TaskAssignment {
	a := TaskAssignment{
		TaskID:       t.ID,
		Type:         t.Type,
		Priority:     t.Priority,
		Requirements: t.Requirements.Clone(),
		Timeout:      t.Timeout,
	}
	if t.Payload != nil {
		a.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	if t.StartedAt != nil {
		a.AssignedAt = *t.StartedAt
	}
	return a
}
