package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/cephvol/pkg/luks"
	"github.com/cuemby/cephvol/pkg/metrics"
	"github.com/cuemby/cephvol/pkg/types"
)

// Mount attaches a volume for a consumer and returns the host
// mountpoint. The full sequence on first attach: ensure the image,
// map it, open the LUKS overlay when the volume is encrypted, create
// the filesystem if the device has no signature, mount, and grow the
// filesystem to the image size. Subsequent consumers share the
// existing mount and only bump the reference count.
//
// Any failure after the first resource is acquired triggers
// reverse-order cleanup, so the volume is never left half-attached.
func (m *Manager) Mount(ctx context.Context, fullname, consumerID string, opts types.Options) (mountpoint string, err error) {
	start := time.Now()
	defer func() { metrics.ObserveOperation("mount", start, err) }()

	pool, name, err := m.resolve(fullname, opts)
	if err != nil {
		return "", err
	}
	key := pool + "/" + name

	if consumerID == "" {
		// old plugin API versions omit the request ID
		consumerID = uuid.NewString()
	}

	m.registry.Lock(key)
	defer m.registry.Unlock(key)

	vol, err := m.registry.Get(key)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return "", err
	}

	// idempotent attach for an already mounted volume
	if vol != nil && vol.State == types.StateMounted {
		if vol.Exclusive {
			return "", fmt.Errorf("volume %s: %w", key, types.ErrAlreadyMounted)
		}
		vol.Consumers = append(vol.Consumers, consumerID)
		if err := m.registry.Put(vol); err != nil {
			return "", err
		}
		m.logger.Debug().Str("volume", key).Int("refs", vol.Refs()).Msg("shared existing mount")
		return vol.Mountpoint, nil
	}

	// implicit create on first mount
	existed, size, err := m.ensureImage(ctx, pool, name, opts)
	if err != nil {
		return "", err
	}
	if vol == nil {
		vol = &types.Volume{
			Name:      name,
			Pool:      pool,
			Size:      size,
			Encrypted: opts.Encrypted,
			Exclusive: opts.Exclusive,
			State:     types.StateCreated,
			CreatedAt: time.Now().UTC(),
		}
		if err := m.registry.Put(vol); err != nil {
			return "", err
		}
	}

	mountpoint, err = m.attach(ctx, vol, fullname, opts, !existed)
	if err != nil {
		if cleanupErr := m.cleanup(ctx, vol); cleanupErr != nil {
			m.logger.Error().Err(cleanupErr).Str("volume", key).Msg("cleanup after failed mount")
			return "", errors.Join(err, cleanupErr)
		}
		return "", err
	}

	vol.Consumers = []string{consumerID}
	vol.State = types.StateMounted
	if err := m.registry.Put(vol); err != nil {
		return "", err
	}

	m.logger.Info().Str("volume", key).Str("mountpoint", mountpoint).Msg("volume mounted")
	return mountpoint, nil
}

// attach walks a detached volume up to a mounted filesystem,
// persisting each state so a crash leaves a reconcilable record.
// fresh is true when the image was created by this very request and
// therefore cannot carry data yet.
func (m *Manager) attach(ctx context.Context, vol *types.Volume, fullname string, opts types.Options, fresh bool) (string, error) {
	key := vol.Key()

	device, err := m.block.Map(ctx, vol.Pool, vol.Name)
	if err != nil {
		return "", err
	}
	vol.Device = device
	vol.State = types.StateMapped
	if err := m.registry.Put(vol); err != nil {
		return "", err
	}

	target := device

	// encrypted either by request (flag or bare key option) or by an
	// out-of-band LUKS header
	isLUKS, err := m.crypt.IsLUKS(ctx, device)
	if err != nil {
		return "", err
	}
	encrypted := vol.Encrypted || opts.Encrypted || opts.Key != "" || isLUKS

	if encrypted {
		passphrase, err := m.passphrase(fullname, opts)
		if err != nil {
			return "", err
		}

		if !isLUKS {
			// only a device with no data may be turned into a LUKS volume
			if !fresh {
				fstype, err := m.fs.Probe(ctx, device)
				if err != nil {
					return "", err
				}
				if fstype != "" {
					return "", fmt.Errorf("volume %s carries an unencrypted %s filesystem, refusing to encrypt over it", key, fstype)
				}
			}
			if err := m.crypt.Format(ctx, device, passphrase); err != nil {
				return "", err
			}
		}

		overlay, err := m.crypt.Open(ctx, device, luks.MapperName(vol.Pool, vol.Name), passphrase)
		if err != nil {
			return "", err
		}
		vol.Overlay = overlay
		vol.Encrypted = true
		vol.State = types.StateOverlaid
		if err := m.registry.Put(vol); err != nil {
			return "", err
		}
		target = overlay
	}

	// format exactly once per data lifetime: only a device with no
	// recognized filesystem signature is touched by mkfs
	fstype, err := m.fs.Probe(ctx, target)
	if err != nil {
		return "", err
	}
	if fstype == "" {
		if err := m.fs.Mkfs(ctx, target); err != nil {
			return "", err
		}
	}
	vol.State = types.StateReady
	if err := m.registry.Put(vol); err != nil {
		return "", err
	}

	mountpoint := m.mountpoint(vol.Pool, vol.Name)
	if err := m.fs.Mount(ctx, target, mountpoint); err != nil {
		return "", err
	}
	vol.Mountpoint = mountpoint

	// the image may have been resized while detached; catch the
	// filesystem up before declaring the volume ready
	if err := m.fs.GrowOnline(ctx, target); err != nil {
		return "", err
	}

	return mountpoint, nil
}

// Unmount drops one consumer's reference. The last reference tears the
// volume down completely: unmount, close the overlay, unmap. A busy
// unmap is surfaced, but local state is still marked detached so the
// registry never claims a stale mapping.
func (m *Manager) Unmount(ctx context.Context, fullname, consumerID string) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveOperation("unmount", start, err) }()

	pool, name, err := m.resolve(fullname, types.Options{})
	if err != nil {
		return err
	}
	key := pool + "/" + name

	m.registry.Lock(key)
	defer m.registry.Unlock(key)

	vol, err := m.registry.Get(key)
	if err != nil {
		return err
	}
	if vol.State != types.StateMounted {
		return fmt.Errorf("volume %s is not mounted (state %s)", key, vol.State)
	}

	vol.Consumers = m.removeConsumer(vol.Consumers, consumerID)
	if vol.Refs() > 0 {
		if err := m.registry.Put(vol); err != nil {
			return err
		}
		m.logger.Debug().Str("volume", key).Int("refs", vol.Refs()).Msg("dropped mount reference")
		return nil
	}

	if err := m.detach(ctx, vol); err != nil {
		return err
	}
	m.logger.Info().Str("volume", key).Msg("volume unmounted and detached")
	return nil
}

// detach tears down in strict reverse order, persisting after every
// step. An unmap failure still clears the local mapping state
// (detached-pending-retry) before the error is surfaced.
func (m *Manager) detach(ctx context.Context, vol *types.Volume) error {
	if vol.Mountpoint != "" {
		if err := m.fs.Unmount(ctx, vol.Mountpoint); err != nil {
			return err
		}
		vol.Mountpoint = ""
		if vol.Overlay != "" {
			vol.State = types.StateOverlaid
		} else {
			vol.State = types.StateMapped
		}
		if err := m.registry.Put(vol); err != nil {
			return err
		}
	}

	if vol.Overlay != "" {
		if err := m.crypt.Close(ctx, vol.Overlay); err != nil {
			return err
		}
		vol.Overlay = ""
		vol.State = types.StateMapped
		if err := m.registry.Put(vol); err != nil {
			return err
		}
	}

	if vol.Device != "" {
		unmapErr := m.block.Unmap(ctx, vol.Device)
		vol.Device = ""
		vol.State = types.StateCreated
		vol.Consumers = nil
		if err := m.registry.Put(vol); err != nil {
			return err
		}
		if unmapErr != nil {
			return unmapErr
		}
	}

	return nil
}

// cleanup is the best-effort reverse teardown run after a failed
// attach. Unlike detach it keeps going past failures, joining them,
// so nothing acquired stays behind just because an earlier teardown
// step failed.
func (m *Manager) cleanup(ctx context.Context, vol *types.Volume) error {
	var errs []error

	if vol.Mountpoint != "" {
		if err := m.fs.Unmount(ctx, vol.Mountpoint); err != nil {
			errs = append(errs, err)
		} else {
			vol.Mountpoint = ""
		}
	}
	if vol.Overlay != "" {
		if err := m.crypt.Close(ctx, vol.Overlay); err != nil {
			errs = append(errs, err)
		} else {
			vol.Overlay = ""
		}
	}
	if vol.Device != "" && vol.Mountpoint == "" && vol.Overlay == "" {
		if err := m.block.Unmap(ctx, vol.Device); err != nil {
			errs = append(errs, err)
		} else {
			vol.Device = ""
		}
	}

	if vol.Mountpoint == "" && vol.Overlay == "" && vol.Device == "" {
		vol.State = types.StateCreated
	}
	vol.Consumers = nil
	if err := m.registry.Put(vol); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// removeConsumer drops one occurrence of id. An unknown id (a consumer
// docker lost track of across a restart) falls back to dropping the
// oldest reference so the count still converges to zero.
func (m *Manager) removeConsumer(consumers []string, id string) []string {
	for i, c := range consumers {
		if c == id {
			return append(consumers[:i], consumers[i+1:]...)
		}
	}
	if len(consumers) > 0 {
		m.logger.Warn().Str("consumer", id).Msg("unmount from unknown consumer, dropping oldest reference")
		return consumers[1:]
	}
	return consumers
}
