package host

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/meshgen/pkg/models"
)

// ManifestFile is written into the output directory by SaveManifest
const ManifestFile = "scene.yaml"

// SceneObject is one imported model in a FilesystemScene
type SceneObject struct {
	Handle    models.ObjectHandle `yaml:"handle"`
	File      string              `yaml:"file"`
	Importer  models.Importer     `yaml:"importer"`
	RotationZ float64             `yaml:"rotation_z"`
	Selected  bool                `yaml:"selected"`
	Active    bool                `yaml:"active"`
	Imported  time.Time           `yaml:"imported"`
}

type manifest struct {
	Objects  []SceneObject `yaml:"objects"`
	Previews []string      `yaml:"previews,omitempty"`
}

// FilesystemScene is a headless host for the CLI. Importing a model copies
// it into the output directory; the scene graph itself is a manifest of the
// imported objects. Scene methods run on its EventLoop.
type FilesystemScene struct {
	loop    *EventLoop
	outDir  string
	onError func(msg string)
	logger  *zap.Logger

	mu       sync.Mutex
	objects  map[models.ObjectHandle]*SceneObject
	order    []models.ObjectHandle
	previews []string
	next     int
}

// NewFilesystemScene creates the output directory. onError receives messages
// passed to ShowError and may be nil.
func NewFilesystemScene(loop *EventLoop, outDir string, onError func(string), logger *zap.Logger) (*FilesystemScene, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Join(outDir, "previews"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &FilesystemScene{
		loop:    loop,
		outDir:  outDir,
		onError: onError,
		logger:  logger.Named("scene"),
		objects: make(map[models.ObjectHandle]*SceneObject),
	}, nil
}

func (s *FilesystemScene) RunOnMainThread(fn func()) {
	s.loop.Post(fn)
}

func (s *FilesystemScene) ShowError(msg string) {
	s.logger.Error(msg)
	if s.onError != nil {
		s.onError(msg)
	}
}

func (s *FilesystemScene) DeselectAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, obj := range s.objects {
		obj.Selected = false
	}
}

// ImportModelFile copies the model into the output directory and creates one
// object for it.
func (s *FilesystemScene) ImportModelFile(path string, importer models.Importer) ([]models.ObjectHandle, error) {
	name := strings.TrimPrefix(filepath.Base(path), "tripo_")
	dest := filepath.Join(s.outDir, name)
	if err := copyFile(path, dest); err != nil {
		return nil, fmt.Errorf("failed to import %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	handle := models.ObjectHandle(fmt.Sprintf("object-%d", s.next))
	s.objects[handle] = &SceneObject{
		Handle:   handle,
		File:     dest,
		Importer: importer,
		Imported: time.Now().UTC(),
	}
	s.order = append(s.order, handle)

	s.logger.Info("Imported model", zap.String("file", dest), zap.String("importer", string(importer)))
	return []models.ObjectHandle{handle}, nil
}

func (s *FilesystemScene) SelectObject(obj models.ObjectHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.objects[obj]; ok {
		o.Selected = true
	}
}

func (s *FilesystemScene) RotateObject(obj models.ObjectHandle, radiansZ float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.objects[obj]; ok {
		o.RotationZ += radiansZ
	}
}

func (s *FilesystemScene) SetActiveObject(obj models.ObjectHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for handle, o := range s.objects {
		o.Active = handle == obj
	}
}

func (s *FilesystemScene) SupportsImagePreview() bool {
	return true
}

// LoadImageAsset moves the preview into the output directory; the scene owns
// it from then on.
func (s *FilesystemScene) LoadImageAsset(path string) (models.ImageHandle, error) {
	dest := filepath.Join(s.outDir, "previews", strings.TrimPrefix(filepath.Base(path), "tripo_"))
	if err := os.Rename(path, dest); err != nil {
		// temp and output may live on different filesystems
		if err := copyFile(path, dest); err != nil {
			return "", fmt.Errorf("failed to load preview %s: %w", path, err)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("Failed to remove moved preview", zap.String("path", path), zap.Error(err))
		}
	}

	s.mu.Lock()
	s.previews = append(s.previews, dest)
	s.mu.Unlock()
	return models.ImageHandle(dest), nil
}

// Objects returns a snapshot of the scene in import order
func (s *FilesystemScene) Objects() []SceneObject {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SceneObject, 0, len(s.order))
	for _, h := range s.order {
		out = append(out, *s.objects[h])
	}
	return out
}

// SaveManifest writes the scene description next to the imported files
func (s *FilesystemScene) SaveManifest() (string, error) {
	s.mu.Lock()
	m := manifest{Previews: append([]string(nil), s.previews...)}
	for _, h := range s.order {
		m.Objects = append(m.Objects, *s.objects[h])
	}
	s.mu.Unlock()

	data, err := yaml.Marshal(&m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal manifest: %w", err)
	}
	path := filepath.Join(s.outDir, ManifestFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write manifest: %w", err)
	}
	return path, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
