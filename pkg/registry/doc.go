/*
Package registry persists volume lifecycle state to BoltDB and owns the
per-volume lock table.

The registry, not the Ceph cluster, is the local source of truth for
"is this volume currently attached here": the cluster's showmapped view
can be stale after a crash, so it is only consulted to reconcile, never
trusted mid-operation. Records are JSON values in a single volumes
bucket keyed by the pool-qualified name.
*/
package registry
