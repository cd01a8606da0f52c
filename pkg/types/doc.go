/*
Package types defines the shared data structures for cephvol: the Volume
record and its lifecycle states, typed volume options, the error taxonomy
returned across package boundaries, and daemon configuration.

A volume progresses through states as it is attached:

	created → mapped → (overlaid) → fs-ready → mounted

and teardown walks the same chain in reverse. The overlaid step only
exists for encrypted volumes, where the LUKS cleartext overlay sits
between the kernel device and the filesystem.

Volume names may be pool-qualified ("testpool/data"); unqualified names
resolve against the configured default pool. The pool-qualified key is
the identity used everywhere: registry key, rbd image spec, mountpoint
directory and (by default) LUKS passphrase.
*/
package types
