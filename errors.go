package lpmht

import "errors"

// Error kinds returned by Table's public operations. All public
// operations are total functions returning one of these (or nil); no
// operation silently mutates state on failure.
var (
	// ErrInvalidArgument is returned for prefix-length out of range, a
	// buffer of the wrong size, or an unrecognized family/backend
	// selector at construction.
	ErrInvalidArgument = errors.New("lpmht: invalid argument")

	// ErrCapacityExceeded is returned by RouteAdd for a new (prefix,
	// length) when the table already holds max_routes live entries; a
	// duplicate is reported as ErrAlreadyExists even at full capacity.
	ErrCapacityExceeded = errors.New("lpmht: capacity exceeded")

	// ErrAlreadyExists is returned by RouteAdd for an existing
	// (prefix, length).
	ErrAlreadyExists = errors.New("lpmht: route already exists")

	// ErrNotFound is returned by RouteDelete/RouteSet/RouteGet/
	// LongestPrefixMatch/RouteNextGet when the target key is absent.
	ErrNotFound = errors.New("lpmht: route not found")

	// ErrEmpty is returned by RouteFirstGet on an empty table.
	ErrEmpty = errors.New("lpmht: table is empty")

	// ErrUnsupported is returned by the enumeration operations when the
	// table was constructed without NextGet enabled.
	ErrUnsupported = errors.New("lpmht: enumeration not enabled for this table")
)
