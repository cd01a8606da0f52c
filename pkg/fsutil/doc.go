// Package fsutil is the filesystem gateway: signature probing with
// blkid, ext4 creation, mount/umount and online grow with resize2fs.
// Probing before formatting is what keeps a second mount of a volume
// from destroying its data.
package fsutil
