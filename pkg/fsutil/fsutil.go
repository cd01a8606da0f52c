package fsutil

import (
	"context"
	"fmt"
	"os"

	"github.com/moby/sys/mountinfo"
	"github.com/rs/zerolog"

	"github.com/cuemby/cephvol/pkg/log"
	"github.com/cuemby/cephvol/pkg/shell"
)

// DefaultFSType is the filesystem created on fresh volumes
const DefaultFSType = "ext4"

// Gateway wraps the filesystem tools: probe, mkfs, mount, umount and
// online grow. Stateless.
type Gateway struct {
	runner shell.Runner
	logger zerolog.Logger
}

// New creates a filesystem gateway
func New(runner shell.Runner) *Gateway {
	return &Gateway{
		runner: runner,
		logger: log.WithComponent("fsutil"),
	}
}

// Probe returns the filesystem type on the device, or "" if the device
// carries no recognized filesystem signature.
func (g *Gateway) Probe(ctx context.Context, device string) (string, error) {
	out, err := g.runner.Run(ctx, "blkid", "-o", "value", "-s", "TYPE", device)
	if err != nil {
		// blkid exits 2 when nothing was found, which is the signal
		// that the device was never formatted
		if shell.ExitCode(err) == 2 {
			return "", nil
		}
		return "", fmt.Errorf("probing %s: %w", device, err)
	}
	return out, nil
}

// Mkfs creates an ext4 filesystem on the device. No reserved blocks:
// volumes are data volumes, not boot disks.
func (g *Gateway) Mkfs(ctx context.Context, device string) error {
	if _, err := g.runner.Run(ctx, "mkfs.ext4", "-m0", device); err != nil {
		return fmt.Errorf("mkfs %s: %w", device, err)
	}
	g.logger.Info().Str("device", device).Msg("created filesystem")
	return nil
}

// Mount mounts the device at path, creating the directory if needed
func (g *Gateway) Mount(ctx context.Context, device, path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("creating mountpoint %s: %w", path, err)
	}
	if _, err := g.runner.Run(ctx, "mount", "-t", DefaultFSType, device, path); err != nil {
		return fmt.Errorf("mounting %s at %s: %w", device, path, err)
	}
	g.logger.Info().Str("device", device).Str("path", path).Msg("mounted filesystem")
	return nil
}

// Unmount unmounts the filesystem at path
func (g *Gateway) Unmount(ctx context.Context, path string) error {
	if _, err := g.runner.Run(ctx, "umount", path); err != nil {
		return fmt.Errorf("unmounting %s: %w", path, err)
	}
	g.logger.Info().Str("path", path).Msg("unmounted filesystem")
	return nil
}

// GrowOnline grows the filesystem on the device to fill it. Safe to
// run on a mounted ext4 filesystem, and a no-op when the filesystem
// already fills the device, so callers run it unconditionally after a
// mount or a live resize.
func (g *Gateway) GrowOnline(ctx context.Context, device string) error {
	if _, err := g.runner.Run(ctx, "resize2fs", device); err != nil {
		return fmt.Errorf("growing filesystem on %s: %w", device, err)
	}
	return nil
}

// IsMounted reports whether path is an active mountpoint
func (g *Gateway) IsMounted(path string) (bool, error) {
	mounted, err := mountinfo.Mounted(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking mount state of %s: %w", path, err)
	}
	return mounted, nil
}
