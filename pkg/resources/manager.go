package resources

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap"
)

// FilePrefix marks every temporary file the orchestrator creates. The startup
// sweep relies on it to find files left behind by a crashed session.
const FilePrefix = "tripo_"

// FileCreator allocates owned temporary files. Downloads write into files
// created here so that cleanup covers them from the first byte.
type FileCreator interface {
	CreateTempFile(suffix string) (*os.File, error)
	Remove(path string) error
}

// ErrInsufficientSpace is returned when the temp filesystem is too full for a download
var ErrInsufficientSpace = errors.New("insufficient free space in temp directory")

// Manager tracks every temporary file created for a session and guarantees
// their removal. A file leaves the owned list either through Cleanup or when a
// consumer takes it over with Release.
type Manager struct {
	mu     sync.Mutex
	dir    string
	owned  []string
	logger *zap.Logger
}

// NewManager creates a manager that allocates files in dir (os.TempDir() when empty)
func NewManager(dir string, logger *zap.Logger) (*Manager, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory %s: %w", dir, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		dir:    dir,
		logger: logger.Named("resources"),
	}, nil
}

// Dir returns the directory files are allocated in
func (m *Manager) Dir() string {
	return m.dir
}

// CreateTempFile creates a uniquely named file and records it as owned.
// The caller must close the returned handle.
func (m *Manager) CreateTempFile(suffix string) (*os.File, error) {
	if strings.ContainsAny(suffix, `/\`) || strings.Contains(suffix, "..") {
		return nil, fmt.Errorf("invalid temp file suffix %q", suffix)
	}
	name := filepath.Join(m.dir, FilePrefix+uuid.NewString()+suffix)
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	m.mu.Lock()
	m.owned = append(m.owned, name)
	m.mu.Unlock()

	m.logger.Debug("Created temp file", zap.String("path", name))
	return f, nil
}

// Release hands ownership of path to the caller. The file is not deleted.
// It returns false when path was not owned.
func (m *Manager) Release(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, p := range m.owned {
		if p == path {
			m.owned = append(m.owned[:i], m.owned[i+1:]...)
			return true
		}
	}
	return false
}

// Remove deletes an owned file and forgets it. A file that is already gone
// counts as removed.
func (m *Manager) Remove(path string) error {
	if !m.Release(path) {
		return fmt.Errorf("temp file %s is not owned by this manager", path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove temp file %s: %w", path, err)
	}
	return nil
}

// Owned returns a snapshot of the owned files in creation order
func (m *Manager) Owned() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, len(m.owned))
	copy(out, m.owned)
	return out
}

// Cleanup deletes every owned file. It never fails: errors are logged and the
// remaining files are still attempted. Safe to call more than once.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	files := m.owned
	m.owned = nil
	m.mu.Unlock()

	removed := 0
	for _, path := range files {
		if err := os.Remove(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				m.logger.Debug("Temp file already gone", zap.String("path", path))
				continue
			}
			m.logger.Warn("Failed to remove temp file", zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
	}

	if len(files) > 0 {
		m.logger.Info("Temp files cleaned up", zap.Int("removed", removed), zap.Int("tracked", len(files)))
	}
}

// CheckFreeSpace fails with ErrInsufficientSpace when the temp filesystem has
// less than min bytes available. A zero min disables the check.
func (m *Manager) CheckFreeSpace(min uint64) error {
	if min == 0 {
		return nil
	}
	usage, err := disk.Usage(m.dir)
	if err != nil {
		// not fatal: some sandboxes do not expose statfs
		m.logger.Debug("Disk usage unavailable", zap.String("dir", m.dir), zap.Error(err))
		return nil
	}
	if usage.Free < min {
		return fmt.Errorf("%w: %d bytes free, %d required", ErrInsufficientSpace, usage.Free, min)
	}
	return nil
}
