// Package shell runs the external tools the gateways depend on (rbd,
// cryptsetup, mkfs, mount) with a per-command timeout. A command that
// exceeds the timeout surfaces types.ErrGatewayTimeout rather than
// hanging its caller's per-volume lock.
package shell
