package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/meshsched/meshsched/pkg/models"
)

// PostgreSQLStore implements Store using PostgreSQL
type PostgreSQLStore struct {
	db *sql.DB
}

// NewPostgreSQLStore creates a new PostgreSQL store
func NewPostgreSQLStore(config Config) (*PostgreSQLStore, error) {
	dsn := config.DSN
	if dsn == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(25) // Default
	}

	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5) // Default
	}

	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute) // Default
	}

	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	} else {
		db.SetConnMaxIdleTime(1 * time.Minute) // Default
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgreSQLStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates tables if they don't exist
func (s *PostgreSQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id VARCHAR(255) PRIMARY KEY,
		task_type VARCHAR(255) NOT NULL DEFAULT '',
		priority INTEGER NOT NULL,
		status VARCHAR(50) NOT NULL,
		assigned_node VARCHAR(255) NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		archived_at TIMESTAMPTZ NOT NULL,
		execution_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		actual_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
		data JSONB NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_archived_at ON tasks(archived_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_assigned_node ON tasks(assigned_node);
	`

	_, err := s.db.Exec(schema)
	return err
}

const postgresUpsert = `
	INSERT INTO tasks
	(id, task_type, priority, status, assigned_node, created_at, archived_at, execution_seconds, actual_cost, data)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (id) DO UPDATE SET
		task_type = EXCLUDED.task_type,
		priority = EXCLUDED.priority,
		status = EXCLUDED.status,
		assigned_node = EXCLUDED.assigned_node,
		created_at = EXCLUDED.created_at,
		archived_at = EXCLUDED.archived_at,
		execution_seconds = EXCLUDED.execution_seconds,
		actual_cost = EXCLUDED.actual_cost,
		data = EXCLUDED.data
`

// ArchiveTask adds or replaces a task
func (s *PostgreSQLStore) ArchiveTask(task *models.Task) error {
	return s.ArchiveTasks([]*models.Task{task})
}

// ArchiveTasks adds or replaces several tasks in one transaction
func (s *PostgreSQLStore) ArchiveTasks(tasks []*models.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(postgresUpsert)
	if err != nil {
		return fmt.Errorf("failed to prepare archive statement: %w", err)
	}
	defer stmt.Close()

	for _, task := range tasks {
		data, err := encodeTask(task)
		if err != nil {
			return err
		}
		_, err = stmt.Exec(task.ID, task.Type, int(task.Priority), string(task.Status), task.AssignedNode,
			task.CreatedAt.UTC(), archivedAt(task), task.ExecutionTime().Seconds(), task.ActualCost, string(data))
		if err != nil {
			return fmt.Errorf("failed to archive task %s: %w", task.ID, err)
		}
	}

	return tx.Commit()
}

// GetTask retrieves an archived task by id
func (s *PostgreSQLStore) GetTask(id string) (*models.Task, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM tasks WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return decodeTask(data)
}

// ListTasks returns archived tasks matching filter ordered by creation time
func (s *PostgreSQLStore) ListTasks(filter TaskFilter) ([]*models.Task, error) {
	var where []string
	var args []interface{}

	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.Type != "" {
		add("task_type = $%d", filter.Type)
	}
	if filter.NodeID != "" {
		add("assigned_node = $%d", filter.NodeID)
	}

	query := "SELECT data FROM tasks"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*models.Task{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		task, err := decodeTask(data)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// DeleteTasksBefore removes tasks archived before cutoff
func (s *PostgreSQLStore) DeleteTasksBefore(cutoff time.Time) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM tasks WHERE archived_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete tasks: %w", err)
	}
	return result.RowsAffected()
}

// GetTaskMetrics aggregates the archive in SQL
func (s *PostgreSQLStore) GetTaskMetrics() (*TaskMetrics, error) {
	return queryTaskMetrics(s.db)
}

// HealthCheck verifies the database connection
func (s *PostgreSQLStore) HealthCheck() error {
	return s.db.Ping()
}

// Close closes the database connection
func (s *PostgreSQLStore) Close() error {
	return s.db.Close()
}
