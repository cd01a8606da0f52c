package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/cephvol/pkg/log"
	"github.com/cuemby/cephvol/pkg/metrics"
	"github.com/cuemby/cephvol/pkg/registry"
	"github.com/cuemby/cephvol/pkg/types"
)

// BlockDeviceGateway is the remote block-storage side: RBD images and
// their kernel mappings.
type BlockDeviceGateway interface {
	Ensure(ctx context.Context, pool, name string, size int64) (existed bool, err error)
	Size(ctx context.Context, pool, name string) (int64, error)
	Map(ctx context.Context, pool, name string) (string, error)
	Unmap(ctx context.Context, device string) error
	Resize(ctx context.Context, pool, name string, size int64) error
	Remove(ctx context.Context, pool, name string) error
	ListMapped(ctx context.Context) (map[string]string, error)
}

// EncryptionGateway is the block-level encryption side: LUKS headers
// and cleartext overlays.
type EncryptionGateway interface {
	Format(ctx context.Context, device, key string) error
	Open(ctx context.Context, device, name, key string) (overlay string, err error)
	Close(ctx context.Context, overlay string) error
	IsLUKS(ctx context.Context, device string) (bool, error)
}

// FilesystemGateway is the filesystem side: probing, creation,
// mounting and online growth.
type FilesystemGateway interface {
	Probe(ctx context.Context, device string) (fstype string, err error)
	Mkfs(ctx context.Context, device string) error
	Mount(ctx context.Context, device, path string) error
	Unmount(ctx context.Context, path string) error
	GrowOnline(ctx context.Context, device string) error
	IsMounted(path string) (bool, error)
}

// Config holds the manager's policy knobs
type Config struct {
	DefaultPool string
	DefaultSize int64 // bytes, used when neither volume nor request specify one
	MountRoot   string
	// NameAsKey derives the LUKS passphrase from the docker-visible
	// volume name when no explicit key is given. A compatibility
	// default for volumes provisioned out-of-band, not a security
	// boundary; an explicit key option always wins.
	NameAsKey bool
	// ReconcileInterval enables the periodic mapped-device sweep when
	// set; zero runs reconciliation only at startup.
	ReconcileInterval time.Duration
}

// Manager drives volumes through their lifecycle, serializing all
// transitions for a given volume behind its registry lock.
type Manager struct {
	cfg      Config
	registry *registry.Registry
	block    BlockDeviceGateway
	crypt    EncryptionGateway
	fs       FilesystemGateway
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// NewManager creates a lifecycle manager over the three gateways
func NewManager(cfg Config, reg *registry.Registry, block BlockDeviceGateway, crypt EncryptionGateway, fs FilesystemGateway) *Manager {
	return &Manager{
		cfg:      cfg,
		registry: reg,
		block:    block,
		crypt:    crypt,
		fs:       fs,
		logger:   log.WithComponent("lifecycle"),
		stopCh:   make(chan struct{}),
	}
}

// resolve splits the docker-visible name into pool and image name,
// with an explicit pool option taking precedence over both the name
// prefix and the default pool.
func (m *Manager) resolve(fullname string, opts types.Options) (pool, name string, err error) {
	pool, name, err = types.ParseName(fullname, m.cfg.DefaultPool)
	if err != nil {
		return "", "", err
	}
	if opts.Pool != "" {
		pool = opts.Pool
	}
	return pool, name, nil
}

// mountpoint returns the managed host directory for a volume
func (m *Manager) mountpoint(pool, name string) string {
	return filepath.Join(m.cfg.MountRoot, pool, name)
}

// passphrase picks the LUKS key for a volume: explicit option first,
// then the docker-visible name if the name-as-key policy is on.
func (m *Manager) passphrase(fullname string, opts types.Options) (string, error) {
	if opts.Key != "" {
		return opts.Key, nil
	}
	if m.cfg.NameAsKey {
		return fullname, nil
	}
	return "", fmt.Errorf("volume %s: encrypted but no key given and name-as-key is disabled", fullname)
}

// ensureImage creates the image if absent. An explicit size request is
// the creation size and the conflict check against an existing image;
// without one, an existing image of any size is accepted and a fresh
// image gets the configured default.
func (m *Manager) ensureImage(ctx context.Context, pool, name string, opts types.Options) (existed bool, size int64, err error) {
	if opts.Size > 0 {
		existed, err = m.block.Ensure(ctx, pool, name, opts.Size)
		return existed, opts.Size, err
	}

	current, err := m.block.Size(ctx, pool, name)
	if err == nil {
		return true, current, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return false, 0, err
	}

	if _, err := m.block.Ensure(ctx, pool, name, m.cfg.DefaultSize); err != nil {
		return false, 0, err
	}
	return false, m.cfg.DefaultSize, nil
}

// Create ensures the RBD image exists. Idempotent: an existing image
// is a no-op unless a non-zero requested size disagrees with its
// current size.
func (m *Manager) Create(ctx context.Context, fullname string, opts types.Options) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveOperation("create", start, err) }()

	pool, name, err := m.resolve(fullname, opts)
	if err != nil {
		return err
	}
	key := pool + "/" + name

	m.registry.Lock(key)
	defer m.registry.Unlock(key)

	existed, size, err := m.ensureImage(ctx, pool, name, opts)
	if err != nil {
		return err
	}

	if _, err := m.registry.Get(key); err == nil {
		return nil
	}

	vol := &types.Volume{
		Name:      name,
		Pool:      pool,
		Size:      size,
		Encrypted: opts.Encrypted,
		Exclusive: opts.Exclusive,
		State:     types.StateCreated,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.registry.Put(vol); err != nil {
		return fmt.Errorf("recording volume %s: %w", key, err)
	}

	m.logger.Info().Str("volume", key).Int64("size", size).Bool("existed", existed).Msg("volume created")
	return nil
}

// Resize grows the image and, if the volume is currently mounted,
// grows the live filesystem so the visible capacity follows. Shrink
// requests fail with types.ErrShrinkNotSupported.
func (m *Manager) Resize(ctx context.Context, fullname string, newSize int64) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveOperation("resize", start, err) }()

	pool, name, err := m.resolve(fullname, types.Options{})
	if err != nil {
		return err
	}
	key := pool + "/" + name

	m.registry.Lock(key)
	defer m.registry.Unlock(key)

	if err := m.block.Resize(ctx, pool, name, newSize); err != nil {
		return err
	}

	vol, err := m.registry.Get(key)
	if err != nil {
		return nil // not locally tracked; nothing else to grow
	}
	vol.Size = newSize

	if vol.State == types.StateMounted {
		target := vol.Device
		if vol.Overlay != "" {
			target = vol.Overlay
		}
		if err := m.fs.GrowOnline(ctx, target); err != nil {
			return fmt.Errorf("volume %s resized but filesystem grow failed: %w", key, err)
		}
		m.logger.Info().Str("volume", key).Int64("size", newSize).Msg("grew mounted filesystem online")
	}

	return m.registry.Put(vol)
}

// Remove deletes the image. Only permitted while fully detached; a
// volume mounted or mapped anywhere fails with types.ErrVolumeBusy.
func (m *Manager) Remove(ctx context.Context, fullname string) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveOperation("remove", start, err) }()

	pool, name, err := m.resolve(fullname, types.Options{})
	if err != nil {
		return err
	}
	key := pool + "/" + name

	m.registry.Lock(key)
	defer m.registry.Unlock(key)

	vol, err := m.registry.Get(key)
	if err == nil && (vol.Attached() || vol.Refs() > 0) {
		return fmt.Errorf("volume %s is %s: %w", key, vol.State, types.ErrVolumeBusy)
	}

	mapped, err := m.block.ListMapped(ctx)
	if err != nil {
		return err
	}
	if _, ok := mapped[key]; ok {
		return fmt.Errorf("volume %s is mapped: %w", key, types.ErrVolumeBusy)
	}

	if err := m.block.Remove(ctx, pool, name); err != nil {
		return err
	}
	if err := m.registry.Delete(key); err != nil {
		return fmt.Errorf("deleting record for %s: %w", key, err)
	}

	m.logger.Info().Str("volume", key).Msg("volume removed")
	return nil
}

// Get returns the tracked record for a volume, falling back to the
// cluster for images created out-of-band.
func (m *Manager) Get(ctx context.Context, fullname string) (*types.Volume, error) {
	pool, name, err := m.resolve(fullname, types.Options{})
	if err != nil {
		return nil, err
	}
	key := pool + "/" + name

	if vol, err := m.registry.Get(key); err == nil {
		return vol, nil
	}

	size, err := m.block.Size(ctx, pool, name)
	if err != nil {
		return nil, err
	}
	return &types.Volume{
		Name:  name,
		Pool:  pool,
		Size:  size,
		State: types.StateCreated,
	}, nil
}

// List returns all locally tracked volumes
func (m *Manager) List() ([]*types.Volume, error) {
	return m.registry.List()
}

// Capabilities reports the driver scope. RBD images are visible from
// every host with cluster access, so the scope is global.
func (m *Manager) Capabilities() string {
	return "global"
}
