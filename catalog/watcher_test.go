package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cameraOnly = `
components:
  - name: front_cam
    type: camera
    reliability: 1
`

func TestWatcher_ReloadsAndWithdraws(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cameraOnly), 0o600))

	r := NewRegistry("robot1")
	_, err := LoadInto(FileLoader{}, r, path)
	require.NoError(t, err)
	require.Len(t, r.LocalComponents("", "", ""), 1)

	w := NewWatcher(r, FileLoader{}, []string{path}, 20*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o600))
	require.Eventually(t, func() bool {
		return len(r.LocalPipes("object_detection")) == 1
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		return len(r.LocalComponents("", "", "")) == 0 && len(r.LocalPipes("object_detection")) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cameraOnly), 0o600))

	r := NewRegistry("robot1")
	w := NewWatcher(r, FileLoader{}, []string{path}, 10*time.Millisecond, nil)
	require.NoError(t, w.Start(context.Background()))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte(sampleCatalog), 0o600))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, uint64(0), r.Revision())

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}
