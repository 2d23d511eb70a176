// Package errdefs defines the error kinds surfaced at the session boundary.
// Components wrap these sentinels with fmt.Errorf("...: %w", ...) so callers
// can classify failures with errors.Is without depending on message text.
package errdefs

import "errors"

var (
	// ErrNotFound: an item, bundle, or blob does not exist. Cheap lookup
	// APIs return absence instead; this sentinel is for the call sites
	// where absence is a hard failure (GetPath, GetName).
	ErrNotFound = errors.New("not found")

	// ErrStale: another session committed the item between this session's
	// read and its save. The whole change set is rejected.
	ErrStale = errors.New("stale item state")

	// ErrConstraint: node-type, value-constraint, reference-integrity, or
	// same-name-sibling violation.
	ErrConstraint = errors.New("constraint violation")

	// ErrAccessDenied: ACL evaluation returned insufficient privileges.
	ErrAccessDenied = errors.New("access denied")

	// ErrLocked: write attempted on a node locked by another session.
	ErrLocked = errors.New("node is locked")

	// ErrVersioning: write attempted on a checked-in versionable node.
	ErrVersioning = errors.New("node is checked in")

	// ErrIO: the backing store, journal, or blob store failed.
	ErrIO = errors.New("storage failure")

	// ErrProtocol: malformed bundle, bad lock token, unknown journal
	// record, or corrupt index.
	ErrProtocol = errors.New("protocol error")

	// ErrReadOnly: mutation attempted through a read-only index view.
	ErrReadOnly = errors.New("read-only")
)

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsStale reports whether err wraps ErrStale.
func IsStale(err error) bool { return errors.Is(err, ErrStale) }
