package plugin

import (
	"context"
	"fmt"
	"testing"

	plugin "github.com/docker/go-plugins-helpers/volume"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cephvol/pkg/lifecycle"
	"github.com/cuemby/cephvol/pkg/registry"
	"github.com/cuemby/cephvol/pkg/types"
)

// minimal in-memory gateways, enough to drive the manager through the
// plugin boundary

type fakeBlock struct {
	images map[string]int64
	mapped map[string]string
}

func (b *fakeBlock) Ensure(ctx context.Context, pool, name string, size int64) (bool, error) {
	key := pool + "/" + name
	if current, ok := b.images[key]; ok {
		if size > 0 && current != size {
			return true, fmt.Errorf("image %s: %w", key, types.ErrSizeConflict)
		}
		return true, nil
	}
	b.images[key] = size
	return false, nil
}

func (b *fakeBlock) Size(ctx context.Context, pool, name string) (int64, error) {
	size, ok := b.images[pool+"/"+name]
	if !ok {
		return 0, fmt.Errorf("image %s/%s: %w", pool, name, types.ErrNotFound)
	}
	return size, nil
}

func (b *fakeBlock) Map(ctx context.Context, pool, name string) (string, error) {
	key := pool + "/" + name
	device := "/dev/rbd-" + name
	b.mapped[key] = device
	return device, nil
}

func (b *fakeBlock) Unmap(ctx context.Context, device string) error {
	for key, dev := range b.mapped {
		if dev == device {
			delete(b.mapped, key)
		}
	}
	return nil
}

func (b *fakeBlock) Resize(ctx context.Context, pool, name string, size int64) error {
	b.images[pool+"/"+name] = size
	return nil
}

func (b *fakeBlock) Remove(ctx context.Context, pool, name string) error {
	delete(b.images, pool+"/"+name)
	return nil
}

func (b *fakeBlock) ListMapped(ctx context.Context) (map[string]string, error) {
	return b.mapped, nil
}

type fakeCrypt struct{}

func (fakeCrypt) Format(ctx context.Context, device, key string) error { return nil }
func (fakeCrypt) Open(ctx context.Context, device, name, key string) (string, error) {
	return "/dev/mapper/" + name, nil
}
func (fakeCrypt) Close(ctx context.Context, overlay string) error         { return nil }
func (fakeCrypt) IsLUKS(ctx context.Context, device string) (bool, error) { return false, nil }

type fakeFS struct {
	formatted map[string]bool
	mounts    map[string]string
}

func (f *fakeFS) Probe(ctx context.Context, device string) (string, error) {
	if f.formatted[device] {
		return "ext4", nil
	}
	return "", nil
}

func (f *fakeFS) Mkfs(ctx context.Context, device string) error {
	f.formatted[device] = true
	return nil
}

func (f *fakeFS) Mount(ctx context.Context, device, path string) error {
	f.mounts[path] = device
	return nil
}

func (f *fakeFS) Unmount(ctx context.Context, path string) error {
	delete(f.mounts, path)
	return nil
}

func (f *fakeFS) GrowOnline(ctx context.Context, device string) error { return nil }

func (f *fakeFS) IsMounted(path string) (bool, error) {
	_, ok := f.mounts[path]
	return ok, nil
}

func newTestDriver(t *testing.T) *Driver {
	t.Helper()

	reg, err := registry.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	manager := lifecycle.NewManager(
		lifecycle.Config{
			DefaultPool: "rbd",
			DefaultSize: 1 << 30,
			MountRoot:   t.TempDir(),
			NameAsKey:   true,
		},
		reg,
		&fakeBlock{images: make(map[string]int64), mapped: make(map[string]string)},
		fakeCrypt{},
		&fakeFS{formatted: make(map[string]bool), mounts: make(map[string]string)},
	)
	return NewDriver(manager, "rbd")
}

func TestCreateParsesOptions(t *testing.T) {
	d := newTestDriver(t)

	err := d.Create(&plugin.CreateRequest{
		Name:    "data",
		Options: map[string]string{"size": "2G"},
	})
	require.NoError(t, err)

	resp, err := d.Get(&plugin.GetRequest{Name: "data"})
	require.NoError(t, err)
	assert.Equal(t, "data", resp.Volume.Name)
	assert.Equal(t, fmt.Sprintf("%d", int64(2)<<30), resp.Volume.Status["size"])
}

func TestCreateRejectsUnknownOption(t *testing.T) {
	d := newTestDriver(t)

	err := d.Create(&plugin.CreateRequest{
		Name:    "data",
		Options: map[string]string{"fstype": "xfs"},
	})
	assert.Error(t, err)
}

func TestMountUnmountRoundtrip(t *testing.T) {
	d := newTestDriver(t)

	resp, err := d.Mount(&plugin.MountRequest{Name: "data", ID: "container-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Mountpoint)

	path, err := d.Path(&plugin.PathRequest{Name: "data"})
	require.NoError(t, err)
	assert.Equal(t, resp.Mountpoint, path.Mountpoint)

	require.NoError(t, d.Unmount(&plugin.UnmountRequest{Name: "data", ID: "container-1"}))

	path, err = d.Path(&plugin.PathRequest{Name: "data"})
	require.NoError(t, err)
	assert.Empty(t, path.Mountpoint, "detached volume has no mountpoint")
}

func TestGetUnknownVolume(t *testing.T) {
	d := newTestDriver(t)

	_, err := d.Get(&plugin.GetRequest{Name: "ghost"})
	assert.Error(t, err)
}

func TestListCollapsesDefaultPool(t *testing.T) {
	d := newTestDriver(t)

	require.NoError(t, d.Create(&plugin.CreateRequest{Name: "plain"}))
	require.NoError(t, d.Create(&plugin.CreateRequest{Name: "fast/quick"}))

	resp, err := d.List()
	require.NoError(t, err)
	require.Len(t, resp.Volumes, 2)

	names := []string{resp.Volumes[0].Name, resp.Volumes[1].Name}
	assert.ElementsMatch(t, []string{"plain", "fast/quick"}, names,
		"default pool hidden, other pools shown qualified")
}

func TestRemove(t *testing.T) {
	d := newTestDriver(t)

	require.NoError(t, d.Create(&plugin.CreateRequest{Name: "data"}))
	require.NoError(t, d.Remove(&plugin.RemoveRequest{Name: "data"}))

	resp, err := d.List()
	require.NoError(t, err)
	assert.Empty(t, resp.Volumes)
}

func TestRemoveMountedVolume(t *testing.T) {
	d := newTestDriver(t)

	_, err := d.Mount(&plugin.MountRequest{Name: "data", ID: "container-1"})
	require.NoError(t, err)

	err = d.Remove(&plugin.RemoveRequest{Name: "data"})
	assert.Error(t, err)
}

func TestCapabilities(t *testing.T) {
	d := newTestDriver(t)
	assert.Equal(t, "global", d.Capabilities().Capabilities.Scope)
}
