package lpmht

import "github.com/sirupsen/logrus"

// Family selects the IP address family a Table is built for.
type Family int

const (
	// FamilyV4 builds a table for 4-byte (IPv4) prefixes, up to /32.
	FamilyV4 Family = iota
	// FamilyV6 builds a table for 16-byte (IPv6) prefixes, up to /128.
	FamilyV6
)

// Backend selects the LPM algorithm a Table uses internally.
type Backend int

const (
	// BackendTrie selects the 1-bit binary trie backend.
	BackendTrie Backend = iota
	// BackendHash selects the hash-per-prefix-length backend.
	BackendHash
)

// Default upper bounds on max_routes accepted by New.
const (
	MaxRoutesTrie = 2_000_000
	MaxRoutesHash = 10_000_000
)

// Config bears the optional construction flags for a Table. Every
// field's zero value is "disabled" / "use default", so `Config{}` is a
// valid, minimal configuration. Options that do not apply to the chosen
// Family/Backend combination are silently ignored.
//
// The zero value of Table itself is not ready to use: the arenas need
// eager sizing from MaxRoutes, so construction always goes through New.
type Config struct {
	// HitCount enables atomic per-route hit counters (~1% lookup cost).
	HitCount bool

	// NextGet allocates and maintains the ordered-enumeration sidecar.
	NextGet bool

	// MemPrealloc eagerly commits physical memory for all backend
	// arenas and skips page-discard on free.
	MemPrealloc bool

	// HashPrealloc allocates hash buckets for full capacity up front
	// and never rehashes. Hash backend only.
	HashPrealloc bool

	// IPv4Rules allocates the 2^24-entry rule table and launches the
	// rebuilder thread. V4 hash backend only.
	IPv4Rules bool

	// IPv6Flow allocates the flow cache and launches the age sweeper.
	// V6 hash backend only.
	IPv6Flow bool

	// IPv6MaxFlows is the number of flow cells (0 => default 2 Mi).
	IPv6MaxFlows int

	// IPv6FlowAgeTime is the age-sweep period in seconds (0 => default 30).
	IPv6FlowAgeTime int

	// Log receives background-thread diagnostics (rule-builder pass
	// completion and abort warnings, flow-cache sweep completion) and
	// the Error logged immediately before an internal-invariant panic.
	// Never consulted on the lookup hot path. A nil Log disables
	// logging entirely.
	Log *logrus.Entry
}
