//go:build !linux

package sysmem

// AdviseHugePage is a no-op on platforms without MADV_HUGEPAGE.
func AdviseHugePage(region []byte) {}

// DiscardPage is a no-op on platforms without MADV_DONTNEED.
func DiscardPage(page []byte) {}
