package types

import "errors"

// Error taxonomy surfaced to the plugin caller. Gateways and the
// lifecycle manager wrap these with the volume name and attempted
// operation; callers test with errors.Is to decide between retryable
// (timeouts, transient map failures) and permanent (wrong key, shrink)
// failures.
var (
	// ErrNotFound means no such volume is known locally or in the cluster
	ErrNotFound = errors.New("volume not found")

	// ErrSizeConflict means the image already exists with a different size
	ErrSizeConflict = errors.New("size conflicts with existing image")

	// ErrMapFailed means the cluster rejected mapping the image, for
	// example because an exclusive lock is held elsewhere
	ErrMapFailed = errors.New("device map failed")

	// ErrUnmapFailed means the kernel device is still busy; local state
	// is marked detached so the unmap can be retried
	ErrUnmapFailed = errors.New("device unmap failed")

	// ErrDecryptionFailed means the passphrase did not open the LUKS
	// header, or the header is corrupt
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrShrinkNotSupported rejects resize requests below current size
	ErrShrinkNotSupported = errors.New("shrinking a volume is not supported")

	// ErrAlreadyMounted rejects a second consumer on an exclusive volume
	ErrAlreadyMounted = errors.New("volume already mounted exclusively")

	// ErrVolumeBusy rejects removal of a mapped or mounted volume
	ErrVolumeBusy = errors.New("volume is in use")

	// ErrGatewayTimeout means an external command did not finish within
	// the configured timeout; the operation may be retried
	ErrGatewayTimeout = errors.New("gateway command timed out")

	// ErrReconcileConflict means registry state disagreed with the
	// cluster's mapped-device list at startup
	ErrReconcileConflict = errors.New("registry state conflicts with mapped devices")
)
