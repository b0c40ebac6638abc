//go:build linux

package sysmem

import "golang.org/x/sys/unix"

// AdviseHugePage asks the kernel to back region with transparent huge
// pages, if available. Advisory only: errors are not reported, matching
// arena's contract that pre-reservation never fails on account of a
// missing platform feature.
func AdviseHugePage(region []byte) {
	if len(region) == 0 {
		return
	}
	_ = unix.Madvise(region, unix.MADV_HUGEPAGE)
}

// DiscardPage tells the kernel the physical backing of page may be
// dropped; the next touch will fault in a fresh zero page. Used when an
// arena page's last occupied slot is freed.
func DiscardPage(page []byte) {
	if len(page) == 0 {
		return
	}
	_ = unix.Madvise(page, unix.MADV_DONTNEED)
}
