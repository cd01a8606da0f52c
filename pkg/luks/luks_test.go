package luks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cephvol/pkg/shell"
	"github.com/cuemby/cephvol/pkg/types"
)

type fakeRunner struct {
	calls   [][]string
	stdins  []string
	handler func(name string, args []string) (string, error)
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	return f.RunInput(ctx, "", name, args...)
}

func (f *fakeRunner) RunInput(ctx context.Context, stdin, name string, args ...string) (string, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	f.stdins = append(f.stdins, stdin)
	return f.handler(name, args)
}

func TestMapperName(t *testing.T) {
	assert.Equal(t, "cephvol-rbd-data", MapperName("rbd", "data"))
}

func TestFormatFeedsKeyOnStdin(t *testing.T) {
	runner := &fakeRunner{handler: func(name string, args []string) (string, error) {
		return "", nil
	}}
	g := New(runner)

	err := g.Format(context.Background(), "/dev/rbd0", "testpool/docker-test-volume")
	require.NoError(t, err)

	require.Len(t, runner.calls, 1)
	assert.Equal(t, []string{"cryptsetup", "luksFormat", "-q", "/dev/rbd0"}, runner.calls[0])
	assert.Equal(t, "testpool/docker-test-volume", runner.stdins[0])
}

func TestOpenReturnsOverlayPath(t *testing.T) {
	runner := &fakeRunner{handler: func(name string, args []string) (string, error) {
		return "", nil
	}}
	g := New(runner)

	overlay, err := g.Open(context.Background(), "/dev/rbd0", "cephvol-rbd-data", "secret")
	require.NoError(t, err)
	assert.Equal(t, "/dev/mapper/cephvol-rbd-data", overlay)
	assert.Equal(t, []string{"cryptsetup", "open", "--type", "luks", "/dev/rbd0", "cephvol-rbd-data"}, runner.calls[0])
	assert.Equal(t, "secret", runner.stdins[0])
}

func TestOpenWrongPassphrase(t *testing.T) {
	runner := &fakeRunner{handler: func(name string, args []string) (string, error) {
		return "No key available with this passphrase.",
			&shell.CommandError{Cmd: "cryptsetup", Code: 2, Err: errors.New("exit status 2")}
	}}
	g := New(runner)

	_, err := g.Open(context.Background(), "/dev/rbd0", "cephvol-rbd-data", "wrong")
	assert.ErrorIs(t, err, types.ErrDecryptionFailed)
}

func TestOpenInvalidHeader(t *testing.T) {
	runner := &fakeRunner{handler: func(name string, args []string) (string, error) {
		return "Device /dev/rbd0 is not a valid LUKS device.",
			&shell.CommandError{Cmd: "cryptsetup", Code: 1, Err: errors.New("exit status 1")}
	}}
	g := New(runner)

	_, err := g.Open(context.Background(), "/dev/rbd0", "cephvol-rbd-data", "secret")
	assert.ErrorIs(t, err, types.ErrDecryptionFailed)
}

func TestCloseAcceptsOverlayPathOrName(t *testing.T) {
	for _, arg := range []string{"/dev/mapper/cephvol-rbd-data", "cephvol-rbd-data"} {
		runner := &fakeRunner{handler: func(name string, args []string) (string, error) {
			return "", nil
		}}
		g := New(runner)

		require.NoError(t, g.Close(context.Background(), arg))
		assert.Equal(t, []string{"cryptsetup", "close", "cephvol-rbd-data"}, runner.calls[0])
	}
}

func TestIsLUKS(t *testing.T) {
	t.Run("header present", func(t *testing.T) {
		g := New(&fakeRunner{handler: func(name string, args []string) (string, error) {
			return "", nil
		}})
		ok, err := g.IsLUKS(context.Background(), "/dev/rbd0")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("no header", func(t *testing.T) {
		g := New(&fakeRunner{handler: func(name string, args []string) (string, error) {
			return "", &shell.CommandError{Cmd: "cryptsetup", Code: 1, Err: errors.New("exit status 1")}
		}})
		ok, err := g.IsLUKS(context.Background(), "/dev/rbd0")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("missing device", func(t *testing.T) {
		g := New(&fakeRunner{handler: func(name string, args []string) (string, error) {
			return "Device /dev/rbd9 does not exist or access denied.",
				&shell.CommandError{Cmd: "cryptsetup", Code: 4, Err: errors.New("exit status 4")}
		}})
		_, err := g.IsLUKS(context.Background(), "/dev/rbd9")
		assert.Error(t, err, "an unreadable device is not the same as an unencrypted one")
	})

	t.Run("probe failure", func(t *testing.T) {
		g := New(&fakeRunner{handler: func(name string, args []string) (string, error) {
			return "", errors.New("context canceled")
		}})
		_, err := g.IsLUKS(context.Background(), "/dev/rbd0")
		assert.Error(t, err)
	})
}
