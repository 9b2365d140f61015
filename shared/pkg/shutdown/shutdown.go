package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/meshsched/meshsched/pkg/logging"
)

// Hook is one named shutdown step
type Hook struct {
	Name string
	Fn   func(context.Context) error
}

// Manager handles graceful shutdown
type Manager struct {
	hooks    []Hook
	mu       sync.Mutex
	timeout  time.Duration
	doneChan chan struct{}
	once     sync.Once
	log      *logging.Logger
}

// New creates a new shutdown manager
func New(timeout time.Duration, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Default()
	}
	return &Manager{
		timeout:  timeout,
		doneChan: make(chan struct{}),
		log:      log,
	}
}

// Register adds a shutdown step.
// Steps run in reverse order of registration (LIFO).
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, Hook{Name: name, Fn: fn})
}

// Trigger starts shutdown without waiting for a signal
func (m *Manager) Trigger() {
	m.once.Do(func() {
		close(m.doneChan)
	})
}

// Wait blocks until SIGTERM/SIGINT or Trigger
func (m *Manager) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		m.log.Infof("Received signal %v, initiating graceful shutdown", sig)
		m.Trigger()
	case <-m.doneChan:
	}
}

// Done returns a channel that is closed when shutdown is initiated
func (m *Manager) Done() <-chan struct{} {
	return m.doneChan
}

// Shutdown runs every registered step and returns the names of those that failed
func (m *Manager) Shutdown() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Trigger()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var failed []string
	for i := len(m.hooks) - 1; i >= 0; i-- {
		hook := m.hooks[i]
		m.log.Infof("Stopping %s...", hook.Name)
		if err := hook.Fn(ctx); err != nil {
			m.log.Errorf("Shutdown step %s failed: %v", hook.Name, err)
			failed = append(failed, hook.Name)
		}
	}

	m.log.Info("Graceful shutdown complete")
	return failed
}

// StopHTTPServer creates a shutdown function for http.Server
func StopHTTPServer(server interface{ Shutdown(context.Context) error }) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop HTTP server: %w", err)
		}
		return nil
	}
}

// CloseResource creates a shutdown function for io.Closer
func CloseResource(closer interface{ Close() error }) func(context.Context) error {
	return func(ctx context.Context) error {
		return closer.Close()
	}
}

// StopFunc adapts a blocking Stop() into a shutdown function bounded by ctx
func StopFunc(stop func()) func(context.Context) error {
	return func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			stop()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitFor creates a shutdown function that polls check until it reports true
func WaitFor(check func() bool, pollInterval time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			if check() {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}
}
