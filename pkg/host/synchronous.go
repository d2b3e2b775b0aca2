package host

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/psantana5/meshgen/pkg/models"
)

// ImportCall records one ImportModelFile invocation
type ImportCall struct {
	Path       string
	Importer   models.Importer
	FileExists bool // the file was present when the import started
	Objects    []models.ObjectHandle
}

// Synchronous runs callbacks inline on the posting goroutine and records
// every scene operation. It does not serialize callbacks, so it also shows
// whether callers serialize scene access themselves.
type Synchronous struct {
	// ImportHook, when set, runs inside ImportModelFile before objects are
	// created; a returned error fails the import.
	ImportHook func(path string) error
	// ObjectsPerImport is the number of objects each import creates (default 1)
	ObjectsPerImport int
	NoImagePreview   bool
	ImageError       error

	mu        sync.Mutex
	imports   []ImportCall
	errors    []string
	images    []string
	selected  map[models.ObjectHandle]bool
	rotations map[models.ObjectHandle]float64
	active    models.ObjectHandle
	scheduled int
	next      int

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func NewSynchronous() *Synchronous {
	return &Synchronous{
		selected:  make(map[models.ObjectHandle]bool),
		rotations: make(map[models.ObjectHandle]float64),
	}
}

func (s *Synchronous) RunOnMainThread(fn func()) {
	s.mu.Lock()
	s.scheduled++
	s.mu.Unlock()
	fn()
}

func (s *Synchronous) ShowError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, msg)
}

func (s *Synchronous) DeselectAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for obj := range s.selected {
		s.selected[obj] = false
	}
}

func (s *Synchronous) ImportModelFile(path string, importer models.Importer) ([]models.ObjectHandle, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		peak := s.maxInFlight.Load()
		if n <= peak || s.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	_, statErr := os.Stat(path)
	call := ImportCall{Path: path, Importer: importer, FileExists: statErr == nil}

	if s.ImportHook != nil {
		if err := s.ImportHook(path); err != nil {
			s.record(call)
			return nil, err
		}
	}

	count := s.ObjectsPerImport
	if count <= 0 {
		count = 1
	}

	s.mu.Lock()
	for i := 0; i < count; i++ {
		s.next++
		call.Objects = append(call.Objects, models.ObjectHandle(fmt.Sprintf("obj-%d", s.next)))
	}
	s.imports = append(s.imports, call)
	s.mu.Unlock()

	return call.Objects, nil
}

func (s *Synchronous) record(call ImportCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.imports = append(s.imports, call)
}

func (s *Synchronous) SelectObject(obj models.ObjectHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected[obj] = true
}

func (s *Synchronous) RotateObject(obj models.ObjectHandle, radiansZ float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotations[obj] += radiansZ
}

func (s *Synchronous) SetActiveObject(obj models.ObjectHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = obj
}

func (s *Synchronous) SupportsImagePreview() bool {
	return !s.NoImagePreview
}

func (s *Synchronous) LoadImageAsset(path string) (models.ImageHandle, error) {
	if s.ImageError != nil {
		return "", s.ImageError
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images = append(s.images, path)
	return models.ImageHandle(path), nil
}

// Imports returns the recorded import calls
func (s *Synchronous) Imports() []ImportCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ImportCall(nil), s.imports...)
}

// Errors returns the messages passed to ShowError
func (s *Synchronous) Errors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.errors...)
}

// Images returns the paths passed to LoadImageAsset
func (s *Synchronous) Images() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.images...)
}

func (s *Synchronous) Selected(obj models.ObjectHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected[obj]
}

func (s *Synchronous) Rotation(obj models.ObjectHandle) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotations[obj]
}

func (s *Synchronous) Active() models.ObjectHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Scheduled returns how many callbacks were run
func (s *Synchronous) Scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduled
}

// MaxConcurrentImports is the highest number of imports observed running at once
func (s *Synchronous) MaxConcurrentImports() int {
	return int(s.maxInFlight.Load())
}
