package collab

import "errors"

var (
	// ErrNotFound covers unknown or expired room codes as well as lookups
	// of entities that were never shared into the session.
	ErrNotFound = errors.New("not found")
	// ErrCapacityExceeded is returned when a join would push the roster
	// past Settings.MaxParticipants.
	ErrCapacityExceeded = errors.New("session at participant capacity")
	// ErrPermissionDenied is returned for mutations the caller's role does
	// not allow, including edits to a locked measurement by a non-host.
	ErrPermissionDenied = errors.New("permission denied")
)
