package domain

import "errors"

// Sentinel errors for the store contract. Both storage backends map their
// driver failures onto these, so callers stay backend-agnostic.
var (
	// ErrNotFound covers both a genuinely absent session and a tenant
	// mismatch; the two are indistinguishable to callers.
	ErrNotFound = errors.New("domain: not found")

	// ErrDuplicateSession is returned when creating a session whose
	// (app_name, user_id, session_id) key already exists.
	ErrDuplicateSession = errors.New("domain: duplicate session")

	// ErrBackendUnavailable is returned when the storage engine cannot be
	// reached. Operations are not retried internally.
	ErrBackendUnavailable = errors.New("domain: backend unavailable")

	// ErrConstraint covers any other integrity failure, e.g. a foreign-key
	// violation from a malformed write.
	ErrConstraint = errors.New("domain: constraint violation")
)
