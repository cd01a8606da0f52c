/*
Package lifecycle implements the volume lifecycle manager, the core of
cephvol. It drives the three gateways (block device, encryption,
filesystem) through the state machine

	created → mapped → (overlaid) → fs-ready → mounted(n)

under a per-volume lock held for the whole transition, so concurrent
requests for the same name cannot interleave while unrelated volumes
proceed independently.

# Ordering and cleanup

Attach order is strict: the image must be mapped before any device
operation, the overlay opened before the filesystem is touched, and the
filesystem created only when probing finds no existing signature, so
formatting happens exactly once per volume's data lifetime. Teardown is
the exact reverse: unmount, close the overlay, unmap. A failure partway
through an attach triggers best-effort reverse cleanup of whatever was
established, so a volume is never left half-attached; cleanup failures
are joined onto the primary error, never masking it.

# Reference counting

Mounts are reference-counted per volume: additional consumers share the
existing mountpoint, and only the last unmount detaches the device and
unmaps it at the cluster. Volumes created with exclusive=true reject a
second consumer instead.

# Reconciliation

On startup (and periodically, when enabled) the registry is squared
against the cluster's mapped-device list: interrupted attaches are wound
back down, stale records are downgraded, and mappings left by a crashed
process are released. Conflicts are counted and logged, never silently
absorbed.
*/
package lifecycle
