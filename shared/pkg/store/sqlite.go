package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/meshsched/meshsched/pkg/models"
)

// SQLiteStore is a SQLite-based implementation of the archive
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// - _journal_mode=WAL: readers do not block the writer
	// - _busy_timeout=10000: wait up to 10 seconds when the database is locked
	// - _synchronous=NORMAL: balance between safety and performance
	// - _txlock=immediate: take the write lock when a transaction starts
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite to avoid SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		task_type TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL,
		status TEXT NOT NULL,
		assigned_node TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		archived_at INTEGER NOT NULL,
		execution_seconds REAL NOT NULL DEFAULT 0,
		actual_cost REAL NOT NULL DEFAULT 0,
		data TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_archived_at ON tasks(archived_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_assigned_node ON tasks(assigned_node);
	`

	_, err := s.db.Exec(schema)
	return err
}

const sqliteUpsert = `
	INSERT OR REPLACE INTO tasks
	(id, task_type, priority, status, assigned_node, created_at, archived_at, execution_seconds, actual_cost, data)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// ArchiveTask adds or replaces a task
func (s *SQLiteStore) ArchiveTask(task *models.Task) error {
	return s.ArchiveTasks([]*models.Task{task})
}

// ArchiveTasks adds or replaces several tasks in one transaction
func (s *SQLiteStore) ArchiveTasks(tasks []*models.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(sqliteUpsert)
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
			task.CreatedAt.UnixNano(), archivedAt(task).UnixNano(), task.ExecutionTime().Seconds(),
			task.ActualCost, string(data))
		if err != nil {
			return fmt.Errorf("failed to archive task %s: %w", task.ID, err)
		}
	}

	return tx.Commit()
}

// GetTask retrieves an archived task by id
func (s *SQLiteStore) GetTask(id string) (*models.Task, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM tasks WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return decodeTask([]byte(data))
}

// ListTasks returns archived tasks matching filter ordered by creation time
func (s *SQLiteStore) ListTasks(filter TaskFilter) ([]*models.Task, error) {
	var where []string
	var args []interface{}

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Type != "" {
		where = append(where, "task_type = ?")
		args = append(args, filter.Type)
	}
	if filter.NodeID != "" {
		where = append(where, "assigned_node = ?")
		args = append(args, filter.NodeID)
	}

	query := "SELECT data FROM tasks"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*models.Task{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		task, err := decodeTask([]byte(data))
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// DeleteTasksBefore removes tasks archived before cutoff
func (s *SQLiteStore) DeleteTasksBefore(cutoff time.Time) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM tasks WHERE archived_at < ?`, cutoff.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete tasks: %w", err)
	}
	return result.RowsAffected()
}

// GetTaskMetrics aggregates the archive in SQL
func (s *SQLiteStore) GetTaskMetrics() (*TaskMetrics, error) {
	return queryTaskMetrics(s.db)
}

// HealthCheck verifies the database is reachable
func (s *SQLiteStore) HealthCheck() error {
	return s.db.Ping()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Vacuum reclaims space after large deletions
func (s *SQLiteStore) Vacuum() error {
	_, err := s.db.Exec("VACUUM")
	return err
}

// queryTaskMetrics runs the aggregate queries shared by the SQL stores
func queryTaskMetrics(db *sql.DB) (*TaskMetrics, error) {
	m := &TaskMetrics{
		TasksByStatus: make(map[models.TaskStatus]int),
		TasksByNode:   make(map[string]int),
	}

	rows, err := db.Query(`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks by status: %w", err)
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, err
		}
		m.TasksByStatus[models.TaskStatus(status)] = count
		m.TotalTasks += count
	}
	rows.Close()

	rows, err = db.Query(`SELECT assigned_node, COUNT(*) FROM tasks WHERE assigned_node <> '' GROUP BY assigned_node`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks by node: %w", err)
	}
	for rows.Next() {
		var node string
		var count int
		if err := rows.Scan(&node, &count); err != nil {
			rows.Close()
			return nil, err
		}
		m.TasksByNode[node] = count
	}
	rows.Close()

	var totalCost, avgExec sql.NullFloat64
	err = db.QueryRow(`SELECT SUM(actual_cost), AVG(CASE WHEN execution_seconds > 0 THEN execution_seconds END) FROM tasks`).
		Scan(&totalCost, &avgExec)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate task costs: %w", err)
	}
	m.TotalCost = totalCost.Float64
	m.AvgExecutionSeconds = avgExec.Float64

	return m, nil
}
