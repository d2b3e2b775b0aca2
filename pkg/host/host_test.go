package host

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/meshgen/pkg/models"
)

func TestEventLoopRunsInOrder(t *testing.T) {
	loop := NewEventLoop()
	ctx, cancel := context.WithCancel(context.Background())

	var got []int
	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		i := i
		loop.Post(func() {
			got = append(got, i)
			wg.Done()
		})
	}

	errCh := make(chan error, 1)
	go func() { errCh <- loop.Run(ctx) }()

	wg.Wait()
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestEventLoopSingleThreaded(t *testing.T) {
	loop := NewEventLoop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loop.Run(ctx) }()

	var mu sync.Mutex
	running, peak := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			done := make(chan struct{})
			loop.Post(func() {
				mu.Lock()
				running++
				if running > peak {
					peak = running
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				running--
				mu.Unlock()
				close(done)
			})
			<-done
			wg.Done()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, peak)
}

func TestEventLoopDrainsAfterCancel(t *testing.T) {
	loop := NewEventLoop()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	loop.Post(func() { ran = true })
	assert.ErrorIs(t, loop.Run(ctx), context.Canceled)
	assert.True(t, ran)
	assert.Zero(t, loop.Pending())
}

func TestEventLoopRejectsSecondRun(t *testing.T) {
	loop := NewEventLoop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	loop.Post(func() { close(started) })
	go func() { _ = loop.Run(ctx) }()
	<-started

	assert.ErrorIs(t, loop.Run(ctx), errAlreadyRunning)
}

func TestSynchronousRecordsCalls(t *testing.T) {
	s := NewSynchronous()
	s.ObjectsPerImport = 2

	path := filepath.Join(t.TempDir(), "tripo_x.glb")
	require.NoError(t, os.WriteFile(path, []byte("glb"), 0o644))

	var objs []models.ObjectHandle
	s.RunOnMainThread(func() {
		var err error
		objs, err = s.ImportModelFile(path, models.ImporterGLTF)
		require.NoError(t, err)
		for _, o := range objs {
			s.SelectObject(o)
			s.RotateObject(o, math.Pi/2)
		}
		s.SetActiveObject(objs[0])
	})

	require.Len(t, objs, 2)
	imports := s.Imports()
	require.Len(t, imports, 1)
	assert.True(t, imports[0].FileExists)
	assert.True(t, s.Selected(objs[1]))
	assert.InDelta(t, math.Pi/2, s.Rotation(objs[0]), 1e-9)
	assert.Equal(t, objs[0], s.Active())
	assert.Equal(t, 1, s.Scheduled())
	assert.Equal(t, 1, s.MaxConcurrentImports())

	s.DeselectAll()
	assert.False(t, s.Selected(objs[1]))
}

func TestSynchronousImportHook(t *testing.T) {
	s := NewSynchronous()
	s.ImportHook = func(string) error { return errors.New("corrupt file") }

	_, err := s.ImportModelFile("/missing.fbx", models.ImporterFBX)
	assert.EqualError(t, err, "corrupt file")
	require.Len(t, s.Imports(), 1)
	assert.False(t, s.Imports()[0].FileExists)
}

func TestFilesystemScene(t *testing.T) {
	out := t.TempDir()
	var shown []string
	scene, err := NewFilesystemScene(NewEventLoop(), out, func(msg string) { shown = append(shown, msg) }, nil)
	require.NoError(t, err)

	tmp := t.TempDir()
	model := filepath.Join(tmp, "tripo_abc.glb")
	preview := filepath.Join(tmp, "tripo_def.webp")
	require.NoError(t, os.WriteFile(model, []byte("glTF"), 0o644))
	require.NoError(t, os.WriteFile(preview, []byte("RIFF"), 0o644))

	objs, err := scene.ImportModelFile(model, models.ImporterGLTF)
	require.NoError(t, err)
	require.Len(t, objs, 1)
	scene.SelectObject(objs[0])
	scene.RotateObject(objs[0], math.Pi/2)
	scene.SetActiveObject(objs[0])

	data, err := os.ReadFile(filepath.Join(out, "abc.glb"))
	require.NoError(t, err)
	assert.Equal(t, "glTF", string(data))
	_, err = os.Stat(model)
	assert.NoError(t, err, "import copies; the importer deletes the temp file")

	img, err := scene.LoadImageAsset(preview)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, "previews", "def.webp"), string(img))
	_, err = os.Stat(preview)
	assert.True(t, os.IsNotExist(err), "preview is moved into the scene")

	scene.ShowError("boom")
	assert.Equal(t, []string{"boom"}, shown)

	objects := scene.Objects()
	require.Len(t, objects, 1)
	assert.True(t, objects[0].Active)
	assert.True(t, objects[0].Selected)
	assert.InDelta(t, math.Pi/2, objects[0].RotationZ, 1e-9)

	path, err := scene.SaveManifest()
	require.NoError(t, err)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var m manifest
	require.NoError(t, yaml.Unmarshal(raw, &m))
	require.Len(t, m.Objects, 1)
	assert.Equal(t, models.ImporterGLTF, m.Objects[0].Importer)
	assert.Len(t, m.Previews, 1)
}

func TestFilesystemSceneImportMissingFile(t *testing.T) {
	scene, err := NewFilesystemScene(NewEventLoop(), t.TempDir(), nil, nil)
	require.NoError(t, err)
	_, err = scene.ImportModelFile(filepath.Join(t.TempDir(), "nope.glb"), models.ImporterGLTF)
	assert.Error(t, err)
	assert.Empty(t, scene.Objects())
}
