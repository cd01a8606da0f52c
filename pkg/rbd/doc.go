/*
Package rbd wraps the rbd CLI as the block-device gateway: ensure, map,
unmap, resize, remove and showmapped over images in a Ceph cluster.

The gateway is a pure adapter with no state of its own. Mapping is
idempotent against the kernel's mapping table, and unmap distinguishes
a busy device (exit 16, the layer above was not torn down) from other
failures so the lifecycle manager can react correctly.
*/
package rbd
