// Package sysmem isolates the platform-specific page hints used by
// internal/arena: an advisory huge-page request at reservation time and an
// advisory MADV_DONTNEED-style discard when a page's slots all become free.
//
// Both operations are best-effort. A failure never surfaces as an error to
// the arena: the contract only promises physical memory is *eventually*
// reclaimed by the OS, not that any single hint lands.
package sysmem

// PageSize is the granularity at which the arena commits and discards
// physical memory.
const PageSize = 4096
