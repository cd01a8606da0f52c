// Package metrics exposes prometheus collectors for volume lifecycle
// operations and the daemon's view of mapped devices.
package metrics
