// Package arena implements the page-granular, lazily-committed slot
// allocator shared by the trie and hash backends.
//
// An Arena[T] reserves a contiguous block of virtual memory sized for
// maxSlots records up front, but relies on the OS's ordinary demand-zero
// paging to defer physical commit until a slot is actually written —
// exactly the first-write-fault behavior spec'd for allocate_index.
// Indices are handed out densely, starting at 1 (0 is the reserved
// sentinel "none" shared by both backends), and only the most recently
// allocated index may ever be freed: callers needing to delete an
// arbitrary slot must move the last live record into the freed one first.
package arena

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"github.com/bits-and-blooms/bitset"

	"github.com/gaissmai/lpmht/internal/sysmem"
)

// ErrCapacityExceeded is returned by Allocate once the high-water mark
// reaches maxSlots.
var ErrCapacityExceeded = errors.New("arena: capacity exceeded")

// ErrEmpty is returned by FreeLast/LastUsedIndex when no slot is in use.
var ErrEmpty = errors.New("arena: empty")

// Arena is a fixed-capacity, index-linked slot allocator over records of
// type T. The zero value is not usable; construct with New.
type Arena[T any] struct {
	slots []T // len always == maxSlots+1, cap fixed at construction

	maxSlots     uint32
	slotsPerPage uint32

	// highWater is the number of occupied slots, index 0 excluded. The
	// next allocation returns highWater (pre-increment), so live indices
	// are always the dense range [1, highWater].
	highWater atomic.Uint32

	committed    *bitset.BitSet // page index -> physically touched
	preallocated bool           // mem_prealloc: never discard, commit everything up front
}

// New reserves storage for up to maxSlots records of type T. Index 0 is
// reserved as the sentinel and is never handed out by Allocate.
//
// If preallocatePhysical is true, every page is eagerly touched at
// construction (mem_prealloc) and FreeLast never discards a page's
// backing afterward.
func New[T any](maxSlots uint32, preallocatePhysical bool) *Arena[T] {
	var zero T
	recordSize := int(unsafe.Sizeof(zero))
	if recordSize == 0 {
		recordSize = 1
	}

	slotsPerPage := uint32(sysmem.PageSize / recordSize)
	if slotsPerPage == 0 {
		slotsPerPage = 1
	}

	total := maxSlots + 1 // +1 for the reserved sentinel slot 0
	numPages := (total + slotsPerPage - 1) / slotsPerPage

	a := &Arena[T]{
		slots:        make([]T, total, total),
		maxSlots:     maxSlots,
		slotsPerPage: slotsPerPage,
		committed:    bitset.New(uint(numPages)),
		preallocated: preallocatePhysical,
	}

	if total > 0 {
		sysmem.AdviseHugePage(a.byteView())
	}

	if preallocatePhysical {
		for page := uint32(0); page < numPages; page++ {
			a.touchPage(page)
		}
	}

	return a
}

// byteView reinterprets the arena's backing array as raw bytes, purely
// for advisory madvise calls; it is never used to read or write record
// contents.
func (a *Arena[T]) byteView() []byte {
	if len(a.slots) == 0 {
		return nil
	}
	var zero T
	recordSize := int(unsafe.Sizeof(zero))
	if recordSize == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&a.slots[:cap(a.slots)][0])), cap(a.slots)*recordSize)
}

func (a *Arena[T]) pageBytes(page uint32) []byte {
	var zero T
	recordSize := int(unsafe.Sizeof(zero))
	if recordSize == 0 {
		return nil
	}
	firstSlot := page * a.slotsPerPage
	lastSlot := firstSlot + a.slotsPerPage
	if lastSlot > uint32(cap(a.slots)) {
		lastSlot = uint32(cap(a.slots))
	}
	if firstSlot >= lastSlot {
		return nil
	}
	full := a.slots[:cap(a.slots)]
	return unsafe.Slice((*byte)(unsafe.Pointer(&full[firstSlot])), int(lastSlot-firstSlot)*recordSize)
}

// touchPage forces a write fault on every slot of page so the OS commits
// physical backing for it, and marks the page committed.
func (a *Arena[T]) touchPage(page uint32) {
	firstSlot := page * a.slotsPerPage
	lastSlot := firstSlot + a.slotsPerPage
	if lastSlot > uint32(cap(a.slots)) {
		lastSlot = uint32(cap(a.slots))
	}
	full := a.slots[:cap(a.slots)]
	for i := firstSlot; i < lastSlot; i++ {
		full[i] = full[i] // re-store current (zero) value: touches the page
	}
	a.committed.Set(uint(page))
}

func (a *Arena[T]) pageOf(slot uint32) uint32 {
	return slot / a.slotsPerPage
}

// Allocate returns the next free slot index and a pointer to its record,
// zeroed. Fails with ErrCapacityExceeded once maxSlots slots are live.
func (a *Arena[T]) Allocate() (uint32, *T, error) {
	hw := a.highWater.Load()
	if hw >= a.maxSlots {
		return 0, nil, ErrCapacityExceeded
	}
	idx := hw + 1

	if !a.preallocated {
		page := a.pageOf(idx)
		if !a.committed.Test(uint(page)) {
			a.touchPage(page)
		}
	}

	a.highWater.Store(idx)

	var zero T
	a.slots[idx] = zero
	return idx, &a.slots[idx], nil
}

// Get returns a pointer to the record at idx. idx must be a currently
// live index (1..LastUsedIndex()); callers never retain this pointer
// across a lock release.
func (a *Arena[T]) Get(idx uint32) *T {
	return &a.slots[idx]
}

// FreeLast decrements the high-water mark, discarding physical backing
// for any page that becomes fully unused (unless the arena was created
// with mem_prealloc).
func (a *Arena[T]) FreeLast() error {
	hw := a.highWater.Load()
	if hw == 0 {
		return ErrEmpty
	}
	freedIdx := hw
	a.highWater.Store(hw - 1)

	if a.preallocated {
		return nil
	}

	page := a.pageOf(freedIdx)
	pageFirstSlot := page * a.slotsPerPage
	// discard only once every slot on the page is above the new high water
	if pageFirstSlot > hw-1 {
		sysmem.DiscardPage(a.pageBytes(page))
		a.committed.Clear(uint(page))
	}
	return nil
}

// LastUsedIndex returns the most recently allocated live index.
func (a *Arena[T]) LastUsedIndex() (uint32, error) {
	hw := a.highWater.Load()
	if hw == 0 {
		return 0, ErrEmpty
	}
	return hw, nil
}

// Len reports the number of live slots.
func (a *Arena[T]) Len() uint32 {
	return a.highWater.Load()
}

// Cap reports the arena's configured maximum slot count.
func (a *Arena[T]) Cap() uint32 {
	return a.maxSlots
}

// PhysicalBytes estimates the number of bytes of physical memory
// currently committed, for tableInfoGet's mem_bytes_physical.
func (a *Arena[T]) PhysicalBytes() uint64 {
	var zero T
	recordSize := uint64(unsafe.Sizeof(zero))
	return a.committed.Count() * uint64(a.slotsPerPage) * recordSize
}

// VirtualBytes reports the total virtual reservation size.
func (a *Arena[T]) VirtualBytes() uint64 {
	var zero T
	recordSize := uint64(unsafe.Sizeof(zero))
	return uint64(cap(a.slots)) * recordSize
}
