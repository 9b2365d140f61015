package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/meshsched/meshsched/pkg/logging"
)

// CleanupConfig defines archive retention and maintenance intervals
type CleanupConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Retention       time.Duration `mapstructure:"retention"`
	CleanupInterval time.Duration `mapstructure:"interval"`
	VacuumInterval  time.Duration `mapstructure:"vacuum_interval"`
	InitialDelay    time.Duration `mapstructure:"initial_delay"`
}

// DefaultConfig returns sensible defaults for cleanup
func DefaultConfig() CleanupConfig {
	return CleanupConfig{
		Enabled:         true,
		Retention:       7 * 24 * time.Hour,
		CleanupInterval: 24 * time.Hour,
		VacuumInterval:  7 * 24 * time.Hour,
		InitialDelay:    5 * time.Minute,
	}
}

// Store is the archive surface the cleanup manager needs
type Store interface {
	DeleteTasksBefore(cutoff time.Time) (int64, error)
}

// Vacuumer is implemented by stores that can reclaim space
type Vacuumer interface {
	Vacuum() error
}

// CleanupManager prunes archived tasks past their retention window
type CleanupManager struct {
	config CleanupConfig
	store  Store
	log    *logging.Logger
	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	stats CleanupStats
}

// CleanupStats tracks cleanup operations
type CleanupStats struct {
	LastCleanupTime     time.Time     `json:"last_cleanup_time"`
	LastVacuumTime      time.Time     `json:"last_vacuum_time"`
	TotalTasksDeleted   int64         `json:"total_tasks_deleted"`
	TotalVacuumRuns     int64         `json:"total_vacuum_runs"`
	LastCleanupDuration time.Duration `json:"last_cleanup_duration"`
	LastVacuumDuration  time.Duration `json:"last_vacuum_duration"`
	LastError           string        `json:"last_error,omitempty"`
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(config CleanupConfig, store Store, log *logging.Logger) *CleanupManager {
	if log == nil {
		log = logging.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &CleanupManager{
		config: config,
		store:  store,
		log:    log.WithField("component", "cleanup"),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the automatic cleanup process
func (cm *CleanupManager) Start() {
	if !cm.config.Enabled || cm.config.Retention <= 0 {
		cm.log.Info("[Cleanup] Cleanup manager disabled")
		return
	}

	cm.log.Infof("[Cleanup] Starting cleanup manager (retention: %v, interval: %v)",
		cm.config.Retention, cm.config.CleanupInterval)

	cm.wg.Add(1)
	go cm.cleanupLoop()

	if _, ok := cm.store.(Vacuumer); ok && cm.config.VacuumInterval > 0 {
		cm.wg.Add(1)
		go cm.vacuumLoop()
	}
}

// Stop gracefully stops the cleanup manager
func (cm *CleanupManager) Stop() {
	cm.log.Info("[Cleanup] Stopping cleanup manager...")
	cm.cancel()
	cm.wg.Wait()
	cm.log.Info("[Cleanup] Cleanup manager stopped")
}

// cleanupLoop runs periodic archive pruning
func (cm *CleanupManager) cleanupLoop() {
	defer cm.wg.Done()

	// Run initial cleanup after short delay
	select {
	case <-cm.ctx.Done():
		return
	case <-time.After(cm.config.InitialDelay):
		cm.CleanupNow()
	}

	ticker := time.NewTicker(cm.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cm.ctx.Done():
			return
		case <-ticker.C:
			cm.CleanupNow()
		}
	}
}

// vacuumLoop runs periodic database vacuum
func (cm *CleanupManager) vacuumLoop() {
	defer cm.wg.Done()

	ticker := time.NewTicker(cm.config.VacuumInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cm.ctx.Done():
			return
		case <-ticker.C:
			cm.VacuumNow()
		}
	}
}

// CleanupNow deletes archived tasks older than the retention window
func (cm *CleanupManager) CleanupNow() int64 {
	startTime := cm.now()
	cutoff := startTime.Add(-cm.config.Retention)

	deleted, err := cm.store.DeleteTasksBefore(cutoff)
	duration := cm.now().Sub(startTime)

	cm.mu.Lock()
	cm.stats.LastCleanupTime = startTime
	cm.stats.LastCleanupDuration = duration
	if err != nil {
		cm.stats.LastError = err.Error()
	} else {
		cm.stats.LastError = ""
		cm.stats.TotalTasksDeleted += deleted
	}
	cm.mu.Unlock()

	if err != nil {
		cm.log.Errorf("[Cleanup] Error pruning archive: %v", err)
		return 0
	}
	cm.log.Infof("[Cleanup] Archive cleanup complete: deleted %d tasks older than %s",
		deleted, cutoff.Format(time.RFC3339))
	return deleted
}

// VacuumNow reclaims space when the store supports it
func (cm *CleanupManager) VacuumNow() {
	v, ok := cm.store.(Vacuumer)
	if !ok {
		return
	}

	startTime := cm.now()
	if err := v.Vacuum(); err != nil {
		cm.log.Errorf("[Cleanup] Database vacuum failed: %v", err)
		return
	}

	cm.mu.Lock()
	cm.stats.LastVacuumTime = startTime
	cm.stats.LastVacuumDuration = cm.now().Sub(startTime)
	cm.stats.TotalVacuumRuns++
	cm.mu.Unlock()

	cm.log.Info("[Cleanup] Database vacuum complete")
}

// GetStats returns current cleanup statistics
func (cm *CleanupManager) GetStats() CleanupStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.stats
}
