// Package lpmht provides a longest-prefix-match (LPM) routing table for
// IPv4 and IPv6 prefixes, backed by either a 1-bit binary trie or a
// hash-per-prefix-length table.
//
// Both backends expose the same operations (RouteAdd, RouteDelete,
// RouteSet, RouteGet, LongestPrefixMatch, and the optional ordered
// enumeration pair RouteFirstGet/RouteNextGet). The trie backend favors
// predictable memory use and simple recursive structure; the hash
// backend favors lookup speed on workloads with many distinct prefix
// lengths, and additionally supports two optional accelerators: an
// IPv4 direct-index rule table for prefixes up to /24, and an IPv6
// per-destination flow cache.
//
// A Table is safe for concurrent lookups. Concurrent inserts, deletes,
// and set calls are internally serialized by the Table's own
// reader/writer lock, so callers do not need to provide external
// synchronization.
//
// A Table must not be copied by value; always pass by pointer.
package lpmht
