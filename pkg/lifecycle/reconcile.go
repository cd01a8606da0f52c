package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/cephvol/pkg/metrics"
	"github.com/cuemby/cephvol/pkg/types"
)

// Start runs a startup reconciliation and, when an interval is
// configured, the periodic sweep loop.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.Reconcile(ctx); err != nil {
		return err
	}
	if m.cfg.ReconcileInterval > 0 {
		go m.run(ctx)
	}
	return nil
}

// Stop stops the periodic sweep
func (m *Manager) Stop() {
	close(m.stopCh)
}

func (m *Manager) run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.Reconcile(ctx); err != nil {
				m.logger.Error().Err(err).Msg("reconciliation failed")
			}
		case <-m.stopCh:
			return
		}
	}
}

// Reconcile squares the registry against the cluster's mapped-device
// list. A record claiming local resources that no longer exist is
// downgraded to created; a mapping left behind by a crashed operation
// on a known volume is torn down. Both are reported as
// types.ErrReconcileConflict context, never silently absorbed into an
// in-flight operation's view.
func (m *Manager) Reconcile(ctx context.Context) error {
	mapped, err := m.block.ListMapped(ctx)
	if err != nil {
		return fmt.Errorf("reconciliation: %w", err)
	}
	metrics.MappedDevices.Set(float64(len(mapped)))

	vols, err := m.registry.List()
	if err != nil {
		return fmt.Errorf("reconciliation: %w", err)
	}

	byState := make(map[types.VolumeState]int)
	for _, vol := range vols {
		key := vol.Key()
		m.registry.Lock(key)
		if err := m.reconcileVolume(ctx, vol, mapped); err != nil {
			m.logger.Error().Err(err).Str("volume", key).Msg("volume reconciliation failed")
		}
		byState[vol.State]++
		m.registry.Unlock(key)
	}

	for _, state := range []types.VolumeState{
		types.StateCreated, types.StateMapped, types.StateOverlaid, types.StateReady, types.StateMounted,
	} {
		metrics.VolumesByState.WithLabelValues(string(state)).Set(float64(byState[state]))
	}

	// a mapping with no record at all is not ours to touch, but it is
	// worth telling the operator about
	for key, device := range mapped {
		if !knownVolume(vols, key) {
			m.logger.Warn().Str("image", key).Str("device", device).Msg("mapped RBD device not tracked by this daemon")
		}
	}

	return nil
}

func (m *Manager) reconcileVolume(ctx context.Context, vol *types.Volume, mapped map[string]string) error {
	key := vol.Key()
	device, isMapped := mapped[key]

	if !vol.Attached() {
		if isMapped {
			// crashed between mapping and recording teardown: ours, so
			// finish the teardown
			metrics.ReconcileConflictsTotal.Inc()
			m.logger.Warn().Str("volume", key).Str("device", device).
				Msgf("detached volume still mapped: %v", types.ErrReconcileConflict)
			return m.block.Unmap(ctx, device)
		}
		return nil
	}

	if !isMapped {
		// record claims local resources but the kernel has no mapping;
		// the mount and overlay cannot outlive the device, so downgrade
		metrics.ReconcileConflictsTotal.Inc()
		m.logger.Warn().Str("volume", key).Str("state", string(vol.State)).
			Msgf("attached volume has no mapping: %v", types.ErrReconcileConflict)
		vol.Device = ""
		vol.Overlay = ""
		vol.Mountpoint = ""
		vol.Consumers = nil
		vol.State = types.StateCreated
		return m.registry.Put(vol)
	}

	// device may have moved across restarts (rbd numbers are not stable)
	if vol.Device != device {
		vol.Device = device
		if err := m.registry.Put(vol); err != nil {
			return err
		}
	}

	if vol.State != types.StateMounted {
		// mapped, overlaid or fs-ready without a mount is a crashed
		// attach that never finished; wind it back down
		metrics.ReconcileConflictsTotal.Inc()
		m.logger.Warn().Str("volume", key).Str("state", string(vol.State)).
			Msgf("interrupted attach: %v", types.ErrReconcileConflict)
		return m.detach(ctx, vol)
	}

	mounted, err := m.fs.IsMounted(vol.Mountpoint)
	if err != nil {
		return err
	}
	if !mounted {
		// consumers are gone with the old process; finish the
		// interrupted teardown
		metrics.ReconcileConflictsTotal.Inc()
		m.logger.Warn().Str("volume", key).
			Msgf("recorded mount is gone: %v", types.ErrReconcileConflict)
		vol.Mountpoint = ""
		vol.Consumers = nil
		return m.detach(ctx, vol)
	}

	return nil
}

func knownVolume(vols []*types.Volume, key string) bool {
	for _, v := range vols {
		if v.Key() == key {
			return true
		}
	}
	return false
}
