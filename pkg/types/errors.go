package types

import "errors"

// Error taxonomy for the manager lifecycle. All are surfaced to the caller;
// none are swallowed. Wrap with fmt.Errorf("%w: ...") to add context and
// match with errors.Is.
var (
	// ErrInvalidManagerConfig rejects a manager advertising no capability
	// (empty tags or programs after filtering). Raised before any storage
	// access; the caller must fix its input.
	ErrInvalidManagerConfig = errors.New("invalid manager configuration")

	// ErrDuplicateManager means a manager with this name already exists.
	// Names include a per-process unique token, so this is not retryable:
	// the calling worker should shut down.
	ErrDuplicateManager = errors.New("duplicate manager name")

	// ErrUnknownManager means the named manager does not exist. A worker
	// receiving this on a heartbeat should shut down.
	ErrUnknownManager = errors.New("unknown manager")

	// ErrInactiveManager means the manager has been deactivated. A worker
	// heartbeating after deactivation should terminate, not retry.
	ErrInactiveManager = errors.New("manager is not active")

	// ErrRequestTooLarge means a get/query batch exceeds the configured
	// response limit. The caller should paginate.
	ErrRequestTooLarge = errors.New("request exceeds response limit")

	// ErrNotFound is returned by point lookups with missing_ok=false when
	// any requested name is absent.
	ErrNotFound = errors.New("not found")
)

// IsShutdownDirective reports whether err tells the calling worker process
// to terminate rather than retry.
func IsShutdownDirective(err error) bool {
	return errors.Is(err, ErrDuplicateManager) ||
		errors.Is(err, ErrUnknownManager) ||
		errors.Is(err, ErrInactiveManager)
}
