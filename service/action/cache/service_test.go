package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_SaveRestore(t *testing.T) {
	base := t.TempDir()
	work := t.TempDir()
	srv := New("file://" + filepath.Join(base, "cache"))
	ctx := context.Background()

	source := filepath.Join(work, "deps")
	require.NoError(t, os.MkdirAll(source, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(source, "module.txt"), []byte("v1.4.2"), 0o644))

	saved := &Output{}
	require.NoError(t, srv.Save(ctx, &Input{Key: "deps-full", Path: source}, saved))
	assert.True(t, saved.Hit)
	assert.NotEmpty(t, saved.URL)

	restoreTo := filepath.Join(work, "restored")
	restored := &Output{}
	require.NoError(t, srv.Restore(ctx, &Input{Key: "deps-full", Path: restoreTo}, restored))
	assert.True(t, restored.Hit)

	data, err := os.ReadFile(filepath.Join(restoreTo, "module.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v1.4.2", string(data))
}

func TestService_RestoreMiss(t *testing.T) {
	srv := New("file://" + t.TempDir())
	output := &Output{}
	require.NoError(t, srv.Restore(context.Background(), &Input{Key: "absent", Path: t.TempDir()}, output))
	assert.False(t, output.Hit)
	assert.Empty(t, output.URL)
}

func TestService_InputValidation(t *testing.T) {
	srv := New("file://" + t.TempDir())
	ctx := context.Background()
	assert.Error(t, srv.Save(ctx, &Input{Key: "k"}, &Output{}))
	assert.Error(t, srv.Save(ctx, &Input{Path: "/tmp"}, &Output{}))
	assert.Error(t, srv.Restore(ctx, &Input{}, &Output{}))
}

func TestService_MethodLookup(t *testing.T) {
	srv := New("file:///tmp/cache")
	assert.Equal(t, "cache", srv.Name())
	for _, name := range []string{"save", "restore"} {
		method, err := srv.Method(name)
		require.NoError(t, err)
		require.NotNil(t, method)
		require.NotNil(t, srv.Methods().Lookup(name))
	}
	_, err := srv.Method("purge")
	assert.Error(t, err)
}
