/*
Package state implements the hierarchical item-state engine: the shared
(process-wide) item-state manager over the bundle persistence layer, the
per-session transient overlay with its attic, the change log and save
protocol, and the coarse-grained ISM read-write lock.

The shared manager and its caches are safe for concurrent use; a transient
manager belongs to one session and is confined to one goroutine at a time.
*/
package state
