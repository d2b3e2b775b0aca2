package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/psantana5/meshgen/pkg/resources"
)

// SweepConfig defines which stale files are removed and how often
type SweepConfig struct {
	Enabled        bool
	Dir            string        // directory to sweep, os.TempDir() when empty
	Prefix         string        // file name prefix, resources.FilePrefix when empty
	Suffixes       []string      // only files with one of these suffixes are removed
	MinAge         time.Duration // files younger than this are left alone
	SweepInterval  time.Duration // periodic sweep interval for long-lived processes
	VacuumInterval time.Duration // store maintenance interval, 0 disables
}

// DefaultConfig returns sensible defaults for the sweeper
func DefaultConfig() SweepConfig {
	return SweepConfig{
		Enabled:        true,
		Prefix:         resources.FilePrefix,
		Suffixes:       []string{".glb", ".gltf", ".fbx", ".png", ".jpg", ".jpeg", ".webp"},
		MinAge:         time.Hour,
		SweepInterval:  6 * time.Hour,
		VacuumInterval: 7 * 24 * time.Hour,
	}
}

// Vacuumer is implemented by stores that support periodic maintenance
type Vacuumer interface {
	Vacuum() error
}

// Sweeper removes temp files left behind by sessions that did not exit
// cleanly. It is the backstop for resources.Manager, whose own cleanup only
// covers files it created in the current process.
type Sweeper struct {
	config SweepConfig
	store  Vacuumer
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	stats SweepStats
}

// SweepStats tracks sweep operations
type SweepStats struct {
	LastSweepTime      time.Time
	LastVacuumTime     time.Time
	TotalFilesDeleted  int64
	TotalVacuumRuns    int64
	LastSweepDuration  time.Duration
	LastVacuumDuration time.Duration
}

// NewSweeper creates a new sweeper; store may be nil
func NewSweeper(config SweepConfig, store Vacuumer, logger *zap.Logger) *Sweeper {
	if config.Dir == "" {
		config.Dir = os.TempDir()
	}
	if config.Prefix == "" {
		config.Prefix = resources.FilePrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		config: config,
		store:  store,
		logger: logger.Named("cleanup"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins periodic sweeping. Call SweepNow first for the startup pass.
func (s *Sweeper) Start() {
	if !s.config.Enabled {
		s.logger.Info("Sweeper disabled")
		return
	}

	s.logger.Info("Starting sweeper",
		zap.String("dir", s.config.Dir),
		zap.Duration("interval", s.config.SweepInterval),
	)

	if s.config.SweepInterval > 0 {
		s.wg.Add(1)
		go s.sweepLoop()
	}
	if s.store != nil && s.config.VacuumInterval > 0 {
		s.wg.Add(1)
		go s.vacuumLoop()
	}
}

// Stop gracefully stops the sweeper
func (s *Sweeper) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info("Sweeper stopped")
}

func (s *Sweeper) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.SweepNow(s.config.MinAge)
		}
	}
}

func (s *Sweeper) vacuumLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.VacuumInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.vacuum()
		}
	}
}

// SweepNow removes matching files older than minAge and returns how many were
// deleted. Deletion failures are logged and skipped.
func (s *Sweeper) SweepNow(minAge time.Duration) int {
	startTime := time.Now()

	entries, err := os.ReadDir(s.config.Dir)
	if err != nil {
		s.logger.Warn("Failed to read temp directory", zap.String("dir", s.config.Dir), zap.Error(err))
		return 0
	}

	cutoff := startTime.Add(-minAge)
	deleted := 0
	for _, entry := range entries {
		if entry.IsDir() || !s.matches(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if minAge > 0 && info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(s.config.Dir, entry.Name())
		if err := os.Remove(path); err != nil {
			s.logger.Warn("Failed to remove stale file", zap.String("path", path), zap.Error(err))
			continue
		}
		deleted++
	}

	duration := time.Since(startTime)

	s.mu.Lock()
	s.stats.LastSweepTime = time.Now()
	s.stats.LastSweepDuration = duration
	s.stats.TotalFilesDeleted += int64(deleted)
	s.mu.Unlock()

	if deleted > 0 {
		s.logger.Info("Stale temp files removed", zap.Int("deleted", deleted), zap.Duration("duration", duration))
	}
	return deleted
}

func (s *Sweeper) matches(name string) bool {
	if !strings.HasPrefix(name, s.config.Prefix) {
		return false
	}
	if len(s.config.Suffixes) == 0 {
		return true
	}
	lower := strings.ToLower(name)
	for _, suffix := range s.config.Suffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

func (s *Sweeper) vacuum() {
	startTime := time.Now()

	if err := s.store.Vacuum(); err != nil {
		s.logger.Warn("Vacuum failed", zap.Error(err))
		return
	}

	duration := time.Since(startTime)

	s.mu.Lock()
	s.stats.LastVacuumTime = time.Now()
	s.stats.LastVacuumDuration = duration
	s.stats.TotalVacuumRuns++
	s.mu.Unlock()

	s.logger.Info("Store vacuum complete", zap.Duration("duration", duration))
}

// GetStats returns current sweep statistics
func (s *Sweeper) GetStats() SweepStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}
