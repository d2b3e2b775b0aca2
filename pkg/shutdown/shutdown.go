package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

type step struct {
	name string
	fn   func(context.Context) error
}

// Manager runs registered teardown steps once, newest first
type Manager struct {
	mu       sync.Mutex
	steps    []step
	timeout  time.Duration
	logger   *zap.Logger
	doneChan chan struct{}
	once     sync.Once
	ran      bool
}

// New creates a manager whose Shutdown gives all steps timeout in total
func New(timeout time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		timeout:  timeout,
		logger:   logger.Named("shutdown"),
		doneChan: make(chan struct{}),
	}
}

// Register adds a named shutdown step.
// Steps are called in reverse order (LIFO)
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, step{name: name, fn: fn})
}

// Done returns a channel that is closed when shutdown is initiated
func (m *Manager) Done() <-chan struct{} {
	return m.doneChan
}

// Trigger starts shutdown without a signal, e.g. when the work finished
func (m *Manager) Trigger() {
	m.once.Do(func() {
		close(m.doneChan)
	})
}

// Shutdown executes every registered step. Later calls are no-ops. Errors
// are logged and joined; a failing step does not stop the ones after it.
func (m *Manager) Shutdown() error {
	m.Trigger()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ran {
		return nil
	}
	m.ran = true

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var errs []error
	for i := len(m.steps) - 1; i >= 0; i-- {
		s := m.steps[i]
		m.logger.Debug("Running shutdown step", zap.String("step", s.name))
		if err := s.fn(ctx); err != nil {
			m.logger.Error("Shutdown step failed", zap.String("step", s.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}

	m.logger.Info("Graceful shutdown complete")
	return errors.Join(errs...)
}

// WaitWithContext blocks until SIGINT/SIGTERM, Trigger or ctx cancellation,
// then runs Shutdown. Only ctx cancellation skips it.
func (m *Manager) WaitWithContext(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		m.logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case <-m.doneChan:
	case <-ctx.Done():
		return ctx.Err()
	}
	return m.Shutdown()
}

// StopHTTPServer creates a shutdown step for an http.Server
func StopHTTPServer(server interface{ Shutdown(context.Context) error }, name string) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop %s server: %w", name, err)
		}
		return nil
	}
}

// CloseResource creates a shutdown step for an io.Closer
func CloseResource(closer interface{ Close() error }, name string) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("failed to close %s: %w", name, err)
		}
		return nil
	}
}
