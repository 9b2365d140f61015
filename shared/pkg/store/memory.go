package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/meshsched/meshsched/pkg/models"
)

// MemoryStore is an in-memory implementation of the archive
type MemoryStore struct {
	tasks map[string]*models.Task
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*models.Task),
	}
}

// ArchiveTask adds or replaces a task
func (s *MemoryStore) ArchiveTask(task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task.Clone()
	return nil
}

// ArchiveTasks adds or replaces several tasks
func (s *MemoryStore) ArchiveTasks(tasks []*models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range tasks {
		s.tasks[task.ID] = task.Clone()
	}
	return nil
}

// GetTask retrieves an archived task by id
func (s *MemoryStore) GetTask(id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return task.Clone(), nil
}

// ListTasks returns archived tasks matching filter ordered by creation time
func (s *MemoryStore) ListTasks(filter TaskFilter) ([]*models.Task, error) {
	s.mu.RLock()
	tasks := make([]*models.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if filter.matches(task) {
			tasks = append(tasks, task.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})

	if filter.Limit > 0 && len(tasks) > filter.Limit {
		tasks = tasks[:filter.Limit]
	}
	return tasks, nil
}

// DeleteTasksBefore removes tasks archived before cutoff
func (s *MemoryStore) DeleteTasksBefore(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, task := range s.tasks {
		if archivedAt(task).Before(cutoff) {
			delete(s.tasks, id)
			deleted++
		}
	}
	return deleted, nil
}

// GetTaskMetrics aggregates the archive
func (s *MemoryStore) GetTaskMetrics() (*TaskMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := &TaskMetrics{
		TasksByStatus: make(map[models.TaskStatus]int),
		TasksByNode:   make(map[string]int),
		TotalTasks:    len(s.tasks),
	}

	var execSum float64
	var measured int
	for _, task := range s.tasks {
		m.TasksByStatus[task.Status]++
		if task.AssignedNode != "" {
			m.TasksByNode[task.AssignedNode]++
		}
		m.TotalCost += task.ActualCost
		if task.StartedAt != nil && task.CompletedAt != nil {
			execSum += task.ExecutionTime().Seconds()
			measured++
		}
	}
	if measured > 0 {
		m.AvgExecutionSeconds = execSum / float64(measured)
	}
	return m, nil
}

// HealthCheck always succeeds for the in-memory store
func (s *MemoryStore) HealthCheck() error {
	return nil
}

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error {
	return nil
}

// Ensure all implementations satisfy the interface
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgreSQLStore)(nil)
)
