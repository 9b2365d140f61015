package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/meshsched/meshsched/pkg/models"
)

var (
	ErrTaskNotFound        = errors.New("task not found")
	ErrUnsupportedDatabase = NewError("unsupported database type")
)

// Store archives finished tasks purged from scheduler memory.
// Memory, SQLite and PostgreSQL implement it.
type Store interface {
	// Archive operations (upsert by task id)
	ArchiveTask(task *models.Task) error
	ArchiveTasks(tasks []*models.Task) error

	// Lookups
	GetTask(id string) (*models.Task, error)
	ListTasks(filter TaskFilter) ([]*models.Task, error)

	// Retention
	DeleteTasksBefore(cutoff time.Time) (int64, error)

	// Lifecycle
	HealthCheck() error
	Close() error

	// Metrics operations (aggregated in the database)
	GetTaskMetrics() (*TaskMetrics, error)
}

// TaskFilter narrows ListTasks. Zero fields match everything.
type TaskFilter struct {
	Status models.TaskStatus
	Type   string
	NodeID string
	Limit  int
}

// TaskMetrics contains aggregated archive statistics
type TaskMetrics struct {
	TasksByStatus       map[models.TaskStatus]int `json:"tasks_by_status"`
	TasksByNode         map[string]int            `json:"tasks_by_node"`
	TotalTasks          int                       `json:"total_tasks"`
	TotalCost           float64                   `json:"total_cost"`
	AvgExecutionSeconds float64                   `json:"avg_execution_seconds"`
}

// Config holds database configuration
type Config struct {
	Type string `mapstructure:"type"` // "memory", "sqlite" or "postgres"
	DSN  string `mapstructure:"dsn"`  // Connection string

	// PostgreSQL specific
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`

	// SQLite specific
	Path string `mapstructure:"path"`

	// How long archived tasks are kept
	Retention time.Duration `mapstructure:"retention"`
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgreSQLStore(config)
	case "sqlite", "":
		path := config.Path
		if path == "" {
			path = config.DSN
		}
		if path == "" {
			path = "meshsched.db"
		}
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDatabase, config.Type)
	}
}

// NewError creates a new error with message
func NewError(message string) error {
	return &storeError{message: message}
}

type storeError struct {
	message string
}

func (e *storeError) Error() string {
	return e.message
}

// encodeTask serializes the full task for the data column
func encodeTask(task *models.Task) ([]byte, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task %s: %w", task.ID, err)
	}
	return data, nil
}

func decodeTask(data []byte) (*models.Task, error) {
	var task models.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &task, nil
}

// archivedAt is the retention timestamp of a task: completion, else creation
func archivedAt(task *models.Task) time.Time {
	if task.CompletedAt != nil {
		return task.CompletedAt.UTC()
	}
	return task.CreatedAt.UTC()
}

func (f TaskFilter) matches(task *models.Task) bool {
	if f.Status != "" && task.Status != f.Status {
		return false
	}
	if f.Type != "" && task.Type != f.Type {
		return false
	}
	if f.NodeID != "" && task.AssignedNode != f.NodeID {
		return false
	}
	return true
}
