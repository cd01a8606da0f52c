package rbd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/cephvol/pkg/log"
	"github.com/cuemby/cephvol/pkg/shell"
	"github.com/cuemby/cephvol/pkg/types"
)

// rbd exit codes worth distinguishing
const (
	exitNotFound   = 2  // ENOENT: image does not exist
	exitDeviceBusy = 16 // EBUSY: device still open by a filesystem or dm layer
)

// Gateway wraps the rbd CLI for a single Ceph cluster. It holds no
// volume state; idempotence of Map comes from the kernel's own mapping
// table via showmapped.
type Gateway struct {
	user       string
	configFile string
	runner     shell.Runner
	logger     zerolog.Logger
}

// New creates a gateway invoking rbd as the given ceph user
func New(user, configFile string, runner shell.Runner) *Gateway {
	return &Gateway{
		user:       user,
		configFile: configFile,
		runner:     runner,
		logger:     log.WithComponent("rbd"),
	}
}

// rbdsh invokes rbd with the cluster config and user flags prepended
func (g *Gateway) rbdsh(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"--conf", g.configFile, "--id", g.user}, args...)
	return g.runner.Run(ctx, "rbd", full...)
}

type imageInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"` // bytes
}

// info returns image metadata, or types.ErrNotFound if the image does
// not exist in the pool.
func (g *Gateway) info(ctx context.Context, pool, name string) (*imageInfo, error) {
	out, err := g.rbdsh(ctx, "info", "--format", "json", pool+"/"+name)
	if err != nil {
		if shell.ExitCode(err) == exitNotFound {
			return nil, fmt.Errorf("image %s/%s: %w", pool, name, types.ErrNotFound)
		}
		return nil, fmt.Errorf("rbd info %s/%s: %w", pool, name, err)
	}

	var info imageInfo
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		return nil, fmt.Errorf("parsing rbd info for %s/%s: %w", pool, name, err)
	}
	return &info, nil
}

// Size returns the image's current size in bytes
func (g *Gateway) Size(ctx context.Context, pool, name string) (int64, error) {
	info, err := g.info(ctx, pool, name)
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

// Ensure creates the image if absent, using size (bytes) only on
// creation. If the image already exists and a non-zero size disagrees
// with its current size, Ensure fails with types.ErrSizeConflict.
func (g *Gateway) Ensure(ctx context.Context, pool, name string, size int64) (existed bool, err error) {
	info, err := g.info(ctx, pool, name)
	switch {
	case err == nil:
		if size > 0 && info.Size != size {
			return true, fmt.Errorf("image %s/%s has size %d, requested %d: %w",
				pool, name, info.Size, size, types.ErrSizeConflict)
		}
		return true, nil
	case !isNotFound(err):
		return false, err
	}

	g.logger.Info().Str("image", pool+"/"+name).Int64("size", size).Msg("creating RBD image")
	if _, err := g.rbdsh(ctx, "create", "--size", megabytes(size), pool+"/"+name); err != nil {
		return false, fmt.Errorf("creating image %s/%s: %w", pool, name, err)
	}
	return false, nil
}

// Map attaches the image to a local kernel device and returns the
// device path. Mapping is idempotent: an image already mapped on this
// host returns its existing device instead of a second mapping.
func (g *Gateway) Map(ctx context.Context, pool, name string) (string, error) {
	mapped, err := g.ListMapped(ctx)
	if err != nil {
		return "", err
	}
	if device, ok := mapped[pool+"/"+name]; ok {
		g.logger.Debug().Str("image", pool+"/"+name).Str("device", device).Msg("image already mapped, reusing device")
		return device, nil
	}

	out, err := g.rbdsh(ctx, "map", pool+"/"+name)
	if err != nil {
		return "", fmt.Errorf("mapping image %s/%s: %w: %w", pool, name, types.ErrMapFailed, err)
	}

	// rbd prints the device path on the last output line
	lines := strings.Split(out, "\n")
	device := strings.TrimSpace(lines[len(lines)-1])
	if !strings.HasPrefix(device, "/dev/") {
		return "", fmt.Errorf("mapping image %s/%s: unexpected rbd map output %q: %w",
			pool, name, out, types.ErrMapFailed)
	}

	g.logger.Info().Str("image", pool+"/"+name).Str("device", device).Msg("mapped RBD image")
	return device, nil
}

// Unmap detaches the kernel device. The caller must already have torn
// down anything holding the device open; a busy device fails with
// types.ErrUnmapFailed.
func (g *Gateway) Unmap(ctx context.Context, device string) error {
	if _, err := g.rbdsh(ctx, "unmap", device); err != nil {
		if shell.ExitCode(err) == exitDeviceBusy {
			return fmt.Errorf("unmapping %s: device busy: %w", device, types.ErrUnmapFailed)
		}
		return fmt.Errorf("unmapping %s: %w: %w", device, types.ErrUnmapFailed, err)
	}
	g.logger.Info().Str("device", device).Msg("unmapped RBD device")
	return nil
}

// Resize grows the image to size bytes. Shrinking is rejected with
// types.ErrShrinkNotSupported before rbd is ever invoked.
func (g *Gateway) Resize(ctx context.Context, pool, name string, size int64) error {
	current, err := g.Size(ctx, pool, name)
	if err != nil {
		return err
	}
	if size < current {
		return fmt.Errorf("image %s/%s is %d bytes, requested %d: %w",
			pool, name, current, size, types.ErrShrinkNotSupported)
	}
	if size == current {
		return nil
	}

	if _, err := g.rbdsh(ctx, "resize", "--size", megabytes(size), pool+"/"+name); err != nil {
		return fmt.Errorf("resizing image %s/%s: %w", pool, name, err)
	}
	g.logger.Info().Str("image", pool+"/"+name).Int64("size", size).Msg("resized RBD image")
	return nil
}

// Remove deletes the image from the cluster
func (g *Gateway) Remove(ctx context.Context, pool, name string) error {
	if _, err := g.rbdsh(ctx, "rm", pool+"/"+name); err != nil {
		if shell.ExitCode(err) == exitNotFound {
			return fmt.Errorf("image %s/%s: %w", pool, name, types.ErrNotFound)
		}
		return fmt.Errorf("removing image %s/%s: %w", pool, name, err)
	}
	g.logger.Info().Str("image", pool+"/"+name).Msg("removed RBD image")
	return nil
}

// ListMapped returns the images currently mapped on this host, keyed
// by pool/name with the kernel device path as value.
func (g *Gateway) ListMapped(ctx context.Context) (map[string]string, error) {
	out, err := g.rbdsh(ctx, "showmapped")
	if err != nil {
		return nil, fmt.Errorf("listing mapped devices: %w", err)
	}
	return parseShowmapped(out)
}

// parseShowmapped reads the columnar showmapped output. Column
// positions moved around between ceph releases (a namespace column
// appeared), so columns are located by header name rather than index.
func parseShowmapped(out string) (map[string]string, error) {
	mapped := make(map[string]string)
	lines := strings.Split(out, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return mapped, nil
	}

	header := strings.Fields(strings.ToLower(lines[0]))
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[h] = i
	}
	poolIdx, ok1 := col["pool"]
	imageIdx, ok2 := col["image"]
	if !ok2 {
		imageIdx, ok2 = col["name"]
	}
	deviceIdx, ok3 := col["device"]
	if !ok1 || !ok2 || !ok3 {
		return nil, fmt.Errorf("unrecognized showmapped header %q", lines[0])
	}

	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) <= poolIdx || len(fields) <= imageIdx || len(fields) <= deviceIdx {
			return nil, fmt.Errorf("cannot parse showmapped line %q", line)
		}
		mapped[fields[poolIdx]+"/"+fields[imageIdx]] = fields[deviceIdx]
	}
	return mapped, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, types.ErrNotFound)
}

// megabytes renders a byte count as the integer-MB string rbd expects,
// rounding up so a request is never silently shrunk.
func megabytes(size int64) string {
	const mib = 1 << 20
	mb := (size + mib - 1) / mib
	if mb <= 0 {
		mb = 1
	}
	return fmt.Sprintf("%d", mb)
}
