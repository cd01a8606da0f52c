package fsutil

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cephvol/pkg/shell"
)

type fakeRunner struct {
	calls   [][]string
	handler func(name string, args []string) (string, error)
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	return f.handler(name, args)
}

func (f *fakeRunner) RunInput(ctx context.Context, stdin, name string, args ...string) (string, error) {
	return f.Run(ctx, name, args...)
}

func TestProbe(t *testing.T) {
	t.Run("formatted device", func(t *testing.T) {
		g := New(&fakeRunner{handler: func(name string, args []string) (string, error) {
			return "ext4", nil
		}})
		fstype, err := g.Probe(context.Background(), "/dev/rbd0")
		require.NoError(t, err)
		assert.Equal(t, "ext4", fstype)
	})

	t.Run("blank device", func(t *testing.T) {
		g := New(&fakeRunner{handler: func(name string, args []string) (string, error) {
			return "", &shell.CommandError{Cmd: "blkid", Code: 2, Err: errors.New("exit status 2")}
		}})
		fstype, err := g.Probe(context.Background(), "/dev/rbd0")
		require.NoError(t, err)
		assert.Empty(t, fstype)
	})

	t.Run("probe failure", func(t *testing.T) {
		g := New(&fakeRunner{handler: func(name string, args []string) (string, error) {
			return "", &shell.CommandError{Cmd: "blkid", Code: 4, Err: errors.New("exit status 4")}
		}})
		_, err := g.Probe(context.Background(), "/dev/rbd0")
		assert.Error(t, err)
	})
}

func TestMkfs(t *testing.T) {
	runner := &fakeRunner{handler: func(name string, args []string) (string, error) {
		return "", nil
	}}
	g := New(runner)

	require.NoError(t, g.Mkfs(context.Background(), "/dev/rbd0"))
	assert.Equal(t, []string{"mkfs.ext4", "-m0", "/dev/rbd0"}, runner.calls[0])
}

func TestMountCreatesMountpoint(t *testing.T) {
	runner := &fakeRunner{handler: func(name string, args []string) (string, error) {
		return "", nil
	}}
	g := New(runner)

	path := filepath.Join(t.TempDir(), "rbd", "data")
	require.NoError(t, g.Mount(context.Background(), "/dev/rbd0", path))

	assert.DirExists(t, path)
	assert.Equal(t, []string{"mount", "-t", "ext4", "/dev/rbd0", path}, runner.calls[0])
}

func TestGrowOnline(t *testing.T) {
	runner := &fakeRunner{handler: func(name string, args []string) (string, error) {
		return "", nil
	}}
	g := New(runner)

	require.NoError(t, g.GrowOnline(context.Background(), "/dev/rbd0"))
	assert.Equal(t, []string{"resize2fs", "/dev/rbd0"}, runner.calls[0])
}

func TestIsMountedMissingPath(t *testing.T) {
	g := New(&fakeRunner{handler: func(name string, args []string) (string, error) {
		return "", nil
	}})

	mounted, err := g.IsMounted(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.False(t, mounted)
}
