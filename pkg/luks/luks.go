package luks

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/cephvol/pkg/log"
	"github.com/cuemby/cephvol/pkg/shell"
	"github.com/cuemby/cephvol/pkg/types"
)

// cryptsetup exit codes worth distinguishing
const (
	exitWrongParameters = 1 // also what isLuks returns for a non-LUKS device
	exitNoKeyAvailable  = 2 // no keyslot matches the passphrase
)

const mapperDir = "/dev/mapper"

// Gateway wraps cryptsetup for LUKS format/open/close over a raw block
// device. Stateless; the device-mapper table is the only state.
type Gateway struct {
	runner shell.Runner
	logger zerolog.Logger
}

// New creates a cryptsetup gateway
func New(runner shell.Runner) *Gateway {
	return &Gateway{
		runner: runner,
		logger: log.WithComponent("luks"),
	}
}

// MapperName derives the device-mapper name used for a volume's
// cleartext overlay.
func MapperName(pool, name string) string {
	return "cephvol-" + pool + "-" + name
}

// Format initializes a LUKS header on the device with the given
// passphrase. Destroys any existing data on the device.
func (g *Gateway) Format(ctx context.Context, device, key string) error {
	if _, err := g.runner.RunInput(ctx, key, "cryptsetup", "luksFormat", "-q", device); err != nil {
		return fmt.Errorf("luksFormat %s: %w", device, err)
	}
	g.logger.Info().Str("device", device).Msg("formatted LUKS device")
	return nil
}

// Open unlocks the device with the passphrase and returns the path of
// the cleartext overlay device. A passphrase that opens no keyslot, or
// a corrupt header, fails with types.ErrDecryptionFailed.
func (g *Gateway) Open(ctx context.Context, device, name, key string) (string, error) {
	out, err := g.runner.RunInput(ctx, key, "cryptsetup", "open", "--type", "luks", device, name)
	if err != nil {
		if shell.ExitCode(err) == exitNoKeyAvailable || strings.Contains(out, "not a valid LUKS") {
			return "", fmt.Errorf("opening %s: %w", device, types.ErrDecryptionFailed)
		}
		return "", fmt.Errorf("opening %s: %w", device, err)
	}

	overlay := path.Join(mapperDir, name)
	g.logger.Info().Str("device", device).Str("overlay", overlay).Msg("opened LUKS device")
	return overlay, nil
}

// Close tears down the cleartext overlay. Accepts either the overlay
// path or the bare mapper name.
func (g *Gateway) Close(ctx context.Context, overlay string) error {
	name := strings.TrimPrefix(overlay, mapperDir+"/")
	if _, err := g.runner.Run(ctx, "cryptsetup", "close", name); err != nil {
		return fmt.Errorf("closing %s: %w", name, err)
	}
	g.logger.Info().Str("overlay", overlay).Msg("closed LUKS device")
	return nil
}

// IsLUKS reports whether the device carries a LUKS header. Used to
// recognize volumes that were encrypted out-of-band. Only exit 1 means
// "no header"; a missing or unreadable device (exit 4) is an error.
func (g *Gateway) IsLUKS(ctx context.Context, device string) (bool, error) {
	_, err := g.runner.Run(ctx, "cryptsetup", "isLuks", device)
	if err == nil {
		return true, nil
	}
	if shell.ExitCode(err) == exitWrongParameters {
		return false, nil
	}
	return false, fmt.Errorf("probing %s for LUKS header: %w", device, err)
}
