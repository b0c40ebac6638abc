package hashbackend

import (
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/sirupsen/logrus"

	"github.com/gaissmai/lpmht/internal/hashutil"
)

const (
	defaultFlowCells  = 1 << 21 // 2 Mi
	defaultAgeSeconds = 30

	// flowLengthByte is the bit-balanced constant substituted for a
	// prefix length when hashing a destination address; the flow cache
	// is independent of prefix lengths.
	flowLengthByte = 0x55
)

type matchOutcome int

const (
	outcomeHit matchOutcome = iota
	outcomeMissLearnPermitted
	outcomeSkip
)

// flowCellLock is an atomic-flag try-lock: acquired via CAS, never blocks.
type flowCellLock struct {
	locked atomic.Bool
}

func (l *flowCellLock) tryLock() bool { return l.locked.CompareAndSwap(false, true) }
func (l *flowCellLock) unlock()       { l.locked.Store(false) }

type flowCell struct {
	lock         flowCellLock
	recentlySeen atomic.Bool
	routeIndex   uint32 // guarded by lock
	epoch        uint32 // guarded by lock
	address      [16]byte
}

// flowCache is the IPv6 per-destination accelerator: a fixed array of
// best-effort, spinlock-per-cell entries invalidated by the table's
// routing epoch.
type flowCache struct {
	cells     []flowCell
	nonEmpty  *bitset.BitSet
	missCount atomic.Uint64

	ageSeconds int
	stop       chan struct{}
	done       chan struct{}

	log *logrus.Entry
}

func newFlowCache(numCells, ageSeconds int, log *logrus.Entry) *flowCache {
	return &flowCache{
		cells:      make([]flowCell, numCells),
		nonEmpty:   bitset.New(uint(numCells)),
		ageSeconds: ageSeconds,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		log:        log,
	}
}

func (fc *flowCache) indexFor(addr [16]byte) int {
	h := hashutil.HashKey(addr[:], flowLengthByte)
	return int(h % uint32(len(fc.cells)))
}

// match probes the cell for addr, returning outcomeHit with its route
// index if the entry is present and its epoch is still current, and
// otherwise a miss outcome indicating whether learning is permitted.
func (fc *flowCache) match(addr [16]byte, currentEpoch uint32) (matchOutcome, uint32) {
	cell := &fc.cells[fc.indexFor(addr)]
	if !cell.lock.tryLock() {
		return outcomeSkip, 0
	}
	defer cell.lock.unlock()

	if cell.routeIndex == 0 {
		return outcomeMissLearnPermitted, 0
	}
	if cell.address != addr {
		return outcomeSkip, 0
	}
	if cell.epoch != currentEpoch {
		return outcomeMissLearnPermitted, 0
	}
	cell.recentlySeen.Store(true)
	return outcomeHit, cell.routeIndex
}

// learn records addr's resolved route index and epoch into its cell,
// overwriting whatever was there; a cell under contention is skipped
// rather than waited on.
func (fc *flowCache) learn(addr [16]byte, routeIndex uint32, epoch uint32) {
	i := fc.indexFor(addr)
	cell := &fc.cells[i]
	if !cell.lock.tryLock() {
		return
	}
	cell.routeIndex = routeIndex
	cell.epoch = epoch
	cell.address = addr
	cell.recentlySeen.Store(true)
	cell.lock.unlock()

	fc.nonEmpty.Set(uint(i))
}

// run is the age sweeper: every ageSeconds, clear recently-seen cells
// and evict cells that were not touched during the prior sweep.
func (fc *flowCache) run() {
	defer close(fc.done)

	ticker := time.NewTicker(time.Duration(fc.ageSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-fc.stop:
			return
		case <-ticker.C:
		}

		for i := range fc.cells {
			if !fc.nonEmpty.Test(uint(i)) {
				continue
			}
			cell := &fc.cells[i]
			if !cell.lock.tryLock() {
				continue
			}
			if cell.recentlySeen.Load() {
				cell.recentlySeen.Store(false)
			} else if cell.routeIndex != 0 {
				cell.routeIndex = 0
				fc.nonEmpty.Clear(uint(i))
			}
			cell.lock.unlock()
		}

		if fc.log != nil {
			fc.log.Debug("ipv6 flow cache age sweep complete")
		}
	}
}

func (fc *flowCache) stopAndWait() {
	close(fc.stop)
	<-fc.done
}
