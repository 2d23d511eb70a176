/*
Package bundle implements the persistence record of the repository: the
NodePropBundle carrying one node plus all of its stored properties, the
versioned binary codec, the append-only string indices for interned names,
the pluggable Store interface with its BoltDB backend, and the
content-addressed blob data store for large binaries.

All writes issued through Store.StoreBatch are atomic: a concurrent reader
observes either none or all of the batch.
*/
package bundle
