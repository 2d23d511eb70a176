/*
Package types defines the identifier, name, path, and value primitives shared
by every layer of the Burrow repository engine.

A NodeID is a 128-bit UUID. A PropertyID is the pair (parent NodeID, Name).
Names are (namespace URI, local name) pairs; paths are sequences of named
steps with 1-based same-name-sibling indexes. Values are type-tagged leaves;
binary values are either inline bytes or a reference into the blob data
store.

All types in this package are immutable once constructed and safe for
concurrent use.
*/
package types
