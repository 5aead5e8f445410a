package registry

import "errors"

// Standard error taxonomy shared by all components.
//
// Callers classify failures with errors.Is and react per kind; the HTTP
// facade maps them to response codes. Implementations wrap these sentinels
// with context:
//
//	if !found {
//	    return fmt.Errorf("path record %s: %w", id, registry.ErrNotFound)
//	}
//
// Retry policy by kind:
//   - ErrVersionConflict: re-read and retry (bounded), except in catalog
//     sync's per-record step where the record is deferred to the next pass.
//   - ErrUnavailable: retry with backoff up to a budget, then surface.
//   - ErrNotFound, ErrPermissionDenied, ErrInvalidOperation: terminal for
//     the request, never retried.
//   - ErrParseFailure: aborts the in-progress sync pass only.
var (
	// ErrNotFound indicates the requested record or task does not exist.
	//
	// HTTP mapping: 404 Not Found.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates a write supplied a stale expected version:
	// another writer committed first. The caller must re-read and decide.
	//
	// HTTP mapping: 409 Conflict.
	ErrVersionConflict = errors.New("version conflict")

	// ErrAlreadyExists indicates a uniqueness violation: a second record with
	// the same source key, or a second task for the same external ticket.
	//
	// HTTP mapping: 409 Conflict.
	ErrAlreadyExists = errors.New("already exists")

	// ErrPermissionDenied indicates the operating system or the object-store
	// proxy denied access under the caller's identity.
	//
	// HTTP mapping: 403 Forbidden.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrUnavailable indicates a transient upstream failure: the catalog,
	// ticket system, proxy, store or filesystem did not answer in time.
	//
	// HTTP mapping: 503 Service Unavailable.
	ErrUnavailable = errors.New("unavailable")

	// ErrInvalidOperation indicates caller misuse, such as requesting an
	// operation the record's backend does not support.
	//
	// HTTP mapping: 400 Bad Request.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrParseFailure indicates the upstream catalog page could not be parsed
	// into candidate records. The reconciliation pass that hit it aborts with
	// no writes; registry state stays at its last good value.
	//
	// Never surfaced to end-user requests, only to operational logs.
	ErrParseFailure = errors.New("catalog parse failure")
)
