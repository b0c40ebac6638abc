// Package hashbackend implements the hash-per-prefix-length LPM backend:
// one open-chained hash table keyed by (masked_prefix, prefix_length),
// an active-prefix descending list driving LPM probe order, and the two
// optional accelerators (IPv4 rule table, IPv6 flow cache).
package hashbackend

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/gaissmai/lpmht/internal/arena"
	"github.com/gaissmai/lpmht/internal/hashutil"
)

var (
	ErrAlreadyExists    = errors.New("hashbackend: route already exists")
	ErrNotFound         = errors.New("hashbackend: route not found")
	ErrCapacityExceeded = errors.New("hashbackend: capacity exceeded")
)

// blockSize is the granularity the hash table grows and shrinks by.
const blockSize = 100_000

// hashFactor is the target number of table slots per live route.
const hashFactor = 5

type routeRecord struct {
	prefix       [16]byte
	prefixLength int
	userValue    uint64
	hitCount     uint64
	prev, next   uint32
}

// Options configures the optional accelerators and allocation strategy.
type Options struct {
	HitCounting      bool
	PreallocRoutes   bool
	PreallocHash     bool
	IPv4Rules        bool
	IPv6Flow         bool
	IPv6MaxFlows     int
	IPv6FlowAgeSecs  int
	Log              *logrus.Entry
}

// Backend is the hash LPM backend for one IP family.
type Backend struct {
	mu sync.RWMutex

	routes      *arena.Arena[routeRecord]
	prefixBytes int
	maxBits     int
	isV4        bool

	table        []uint32
	blockCount   int
	preallocHash bool

	numRoutesInPrefix []uint32
	activePrefixList  []int

	hitCounting bool
	epoch       atomic.Uint32

	ruleTable *ruleTable
	flowCache *flowCache

	log *logrus.Entry
}

// New constructs a hash backend for the given IP family.
func New(isV4 bool, maxRoutes uint32, opts Options) *Backend {
	maxBits, prefixBytes := 128, 16
	if isV4 {
		maxBits, prefixBytes = 32, 4
	}

	b := &Backend{
		routes:            arena.New[routeRecord](maxRoutes, opts.PreallocRoutes),
		prefixBytes:       prefixBytes,
		maxBits:           maxBits,
		isV4:              isV4,
		numRoutesInPrefix: make([]uint32, maxBits+1),
		hitCounting:       opts.HitCounting,
		preallocHash:      opts.PreallocHash,
		log:               opts.Log,
	}

	if opts.PreallocHash {
		b.blockCount = neededBlocksRaw(int(maxRoutes))
		if b.blockCount < 1 {
			b.blockCount = 1
		}
	} else {
		b.blockCount = 1
	}
	b.table = make([]uint32, b.blockCount*blockSize)

	if isV4 && opts.IPv4Rules {
		b.ruleTable = newRuleTable(opts.Log)
		b.ruleTable.markStale()
		go b.ruleTable.run(b)
	}
	if !isV4 && opts.IPv6Flow {
		cells := opts.IPv6MaxFlows
		if cells <= 0 {
			cells = defaultFlowCells
		}
		age := opts.IPv6FlowAgeSecs
		if age <= 0 {
			age = defaultAgeSeconds
		}
		b.flowCache = newFlowCache(cells, age, opts.Log)
		go b.flowCache.run()
	}

	return b
}

// Close stops any background threads owned by the backend. Not
// thread-safe with concurrent callers.
func (b *Backend) Close() {
	if b.ruleTable != nil {
		b.ruleTable.stopAndWait()
	}
	if b.flowCache != nil {
		b.flowCache.stopAndWait()
	}
}

func neededBlocksRaw(numRoutes int) int {
	return (numRoutes*hashFactor + blockSize - 1) / blockSize
}

func (b *Backend) bucketFor(masked []byte, length int, tableLen int) uint32 {
	h := hashutil.HashKey(masked, length)
	return h % uint32(tableLen)
}

func (b *Backend) findRoute(masked []byte, length int) (idx uint32, bucket uint32, found bool) {
	bucket = b.bucketFor(masked, length, len(b.table))
	cur := b.table[bucket]
	for cur != 0 {
		rec := b.routes.Get(cur)
		if rec.prefixLength == length && bytesEqual(rec.prefix[:b.prefixBytes], masked) {
			return cur, bucket, true
		}
		cur = rec.next
	}
	return 0, bucket, false
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (b *Backend) insertActiveLength(length int) {
	i := sort.Search(len(b.activePrefixList), func(i int) bool { return b.activePrefixList[i] <= length })
	b.activePrefixList = append(b.activePrefixList, 0)
	copy(b.activePrefixList[i+1:], b.activePrefixList[i:])
	b.activePrefixList[i] = length
}

func (b *Backend) removeActiveLength(length int) {
	for i, l := range b.activePrefixList {
		if l == length {
			b.activePrefixList = append(b.activePrefixList[:i], b.activePrefixList[i+1:]...)
			return
		}
	}
}

// Insert adds a route for (prefix, length), returning ErrAlreadyExists
// if it is already present and ErrCapacityExceeded if the arena is full.
func (b *Backend) Insert(prefix []byte, length int, userValue uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	masked := hashutil.ApplyMask(prefix, length)
	if _, _, found := b.findRoute(masked, length); found {
		return ErrAlreadyExists
	}

	if b.routes.Len() >= b.routes.Cap() {
		return ErrCapacityExceeded
	}

	idx, rec, err := b.routes.Allocate()
	if err != nil {
		return ErrCapacityExceeded
	}

	copy(rec.prefix[:], masked)
	rec.prefixLength = length
	rec.userValue = userValue
	rec.hitCount = 0

	bucket := b.bucketFor(masked, length, len(b.table))
	rec.prev = 0
	rec.next = b.table[bucket]
	if rec.next != 0 {
		b.routes.Get(rec.next).prev = idx
	}
	b.table[bucket] = idx

	if b.numRoutesInPrefix[length] == 0 {
		b.insertActiveLength(length)
	}
	b.numRoutesInPrefix[length]++

	if b.isV4 {
		if length <= 24 && b.ruleTable != nil {
			b.ruleTable.markStale()
		}
	} else {
		b.epoch.Add(1)
	}

	b.maybeGrow()
	return nil
}

func (b *Backend) freeRouteSlot(idx uint32) {
	last, err := b.routes.LastUsedIndex()
	if err != nil {
		if b.log != nil {
			b.log.WithError(err).Error("route arena empty during free")
		}
		panic("hashbackend: route arena empty during free: " + err.Error())
	}
	if idx != last {
		lastRec := b.routes.Get(last)
		target := b.routes.Get(idx)
		*target = *lastRec

		if target.prev == 0 {
			bucket := b.bucketFor(target.prefix[:b.prefixBytes], target.prefixLength, len(b.table))
			b.table[bucket] = idx
		} else {
			b.routes.Get(target.prev).next = idx
		}
		if target.next != 0 {
			b.routes.Get(target.next).prev = idx
		}
	}
	if err := b.routes.FreeLast(); err != nil {
		if b.log != nil {
			b.log.WithError(err).Error("route FreeLast failed")
		}
		panic("hashbackend: route FreeLast failed: " + err.Error())
	}
}

// Delete removes the route for (prefix, length), returning ErrNotFound
// if no such route exists.
func (b *Backend) Delete(prefix []byte, length int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	masked := hashutil.ApplyMask(prefix, length)
	idx, bucket, found := b.findRoute(masked, length)
	if !found {
		return ErrNotFound
	}

	rec := b.routes.Get(idx)
	if rec.prev != 0 {
		b.routes.Get(rec.prev).next = rec.next
	} else {
		b.table[bucket] = rec.next
	}
	if rec.next != 0 {
		b.routes.Get(rec.next).prev = rec.prev
	}

	b.freeRouteSlot(idx)

	b.numRoutesInPrefix[length]--
	if b.numRoutesInPrefix[length] == 0 {
		b.removeActiveLength(length)
	}

	if b.isV4 {
		if length <= 24 && b.ruleTable != nil {
			b.ruleTable.markStale()
		}
	} else {
		b.epoch.Add(1)
	}

	b.maybeShrink()
	return nil
}

func (b *Backend) maybeGrow() {
	if b.preallocHash {
		return
	}
	needed := neededBlocksRaw(int(b.routes.Len()))
	if needed < 1 {
		needed = 1
	}
	if needed > b.blockCount {
		b.rehash(needed)
	}
}

func (b *Backend) maybeShrink() {
	if b.preallocHash {
		return
	}
	raw := neededBlocksRaw(int(b.routes.Len()))
	if raw == 0 || b.blockCount-raw >= 2 {
		newCount := raw
		if newCount < 1 {
			newCount = 1
		}
		if newCount != b.blockCount {
			b.rehash(newCount)
		}
	}
}

func (b *Backend) rehash(newBlockCount int) {
	newTable := make([]uint32, newBlockCount*blockSize)
	for idx := uint32(1); idx <= b.routes.Len(); idx++ {
		rec := b.routes.Get(idx)
		bucket := b.bucketFor(rec.prefix[:b.prefixBytes], rec.prefixLength, len(newTable))
		rec.prev = 0
		rec.next = newTable[bucket]
		if rec.next != 0 {
			b.routes.Get(rec.next).prev = idx
		}
		newTable[bucket] = idx
	}
	b.table = newTable
	b.blockCount = newBlockCount
}

// Set replaces the user value stored for an existing (prefix, length)
// route without otherwise disturbing the route's position.
func (b *Backend) Set(prefix []byte, length int, userValue uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	masked := hashutil.ApplyMask(prefix, length)
	idx, _, found := b.findRoute(masked, length)
	if !found {
		return ErrNotFound
	}
	b.routes.Get(idx).userValue = userValue
	return nil
}

// Get looks up the exact route (prefix, length) and returns its user
// value and hit counter, optionally resetting the counter to zero.
func (b *Backend) Get(prefix []byte, length int, clearHitCount bool) (userValue, hitCount uint64, err error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	masked := hashutil.ApplyMask(prefix, length)
	idx, _, found := b.findRoute(masked, length)
	if !found {
		return 0, 0, ErrNotFound
	}
	rec := b.routes.Get(idx)
	userValue = rec.userValue
	if clearHitCount {
		hitCount = atomic.SwapUint64(&rec.hitCount, 0)
	} else {
		hitCount = atomic.LoadUint64(&rec.hitCount)
	}
	return userValue, hitCount, nil
}

// lpmStandard walks the active prefix-length list from longest to
// shortest, probing the hash table at each length until one matches.
func (b *Backend) lpmStandard(query []byte) (length int, idx uint32, found bool) {
	for _, l := range b.activePrefixList {
		masked := hashutil.ApplyMask(query, l)
		if routeIdx, _, ok := b.findRoute(masked, l); ok {
			return l, routeIdx, true
		}
	}
	return 0, 0, false
}

// lpmRestricted24 is the rule-table-builder's restricted LPM: active
// lengths <= 24 only, given the first 24 bits of a candidate address.
func (b *Backend) lpmRestricted24(key24 uint32) uint32 {
	query := []byte{byte(key24 >> 16), byte(key24 >> 8), byte(key24), 0}
	for _, l := range b.activePrefixList {
		if l > 24 {
			continue
		}
		masked := hashutil.ApplyMask(query, l)
		if idx, _, ok := b.findRoute(masked, l); ok {
			return idx
		}
	}
	return 0
}

// lpmWithRuleTable probes active lengths above 24 bits directly, and
// falls back to a single rule-table lookup for the aggregate of all
// lengths at or below 24 bits.
func (b *Backend) lpmWithRuleTable(query []byte) (length int, idx uint32, found bool) {
	for _, l := range b.activePrefixList {
		if l > 24 {
			masked := hashutil.ApplyMask(query, l)
			if routeIdx, _, ok := b.findRoute(masked, l); ok {
				return l, routeIdx, true
			}
			continue
		}
		routeIdx := b.ruleTable.lookup(query)
		if routeIdx == 0 {
			return 0, 0, false
		}
		rec := b.routes.Get(routeIdx)
		return rec.prefixLength, routeIdx, true
	}
	return 0, 0, false
}

// LongestPrefixMatch resolves query against the route table. For IPv6
// tables with the flow cache enabled, a cached route is consulted
// first; on a miss the full lookup and the cache-learn step run inside
// the same read-lock critical section, so the learned route index and
// the epoch it was resolved under always describe the same route.
func (b *Backend) LongestPrefixMatch(query []byte) (length int, userValue uint64, err error) {
	if !b.isV4 && b.flowCache != nil {
		var addr [16]byte
		copy(addr[:], query)
		outcome, idx := b.flowCache.match(addr, b.epoch.Load())
		b.flowCache.missCount.Add(boolToUint64(outcome != outcomeHit))

		if outcome == outcomeHit {
			b.mu.RLock()
			rec := b.routes.Get(idx)
			uv := rec.userValue
			ln := rec.prefixLength
			if b.hitCounting {
				atomic.AddUint64(&rec.hitCount, 1)
			}
			b.mu.RUnlock()
			return ln, uv, nil
		}

		learnPermitted := outcome == outcomeMissLearnPermitted
		l, uv, found := b.lookupAndLearnLocked(query, addr, learnPermitted)
		if !found {
			return 0, 0, ErrNotFound
		}
		return l, uv, nil
	}

	l, uv, _, found := b.lookupLocked(query)
	if !found {
		return 0, 0, ErrNotFound
	}
	return l, uv, nil
}

func boolToUint64(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}

// lookupLocked resolves (length, user_value) for query entirely under
// one read-lock critical section, so the route index it reports is
// never handed to a caller that might act on it after the table has
// moved on.
func (b *Backend) lookupLocked(query []byte) (length int, userValue uint64, idx uint32, found bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	length, userValue, idx, found = b.lookupAndResolve(query)
	return length, userValue, idx, found
}

// lookupAndLearnLocked resolves query and, if learnPermitted, teaches
// the flow cache the resulting route index — all under a single read
// lock, so the epoch passed to learn is snapshotted at the same instant
// the route index was read. Releasing the lock between the lookup and
// the learn call would let a concurrent writer repurpose the route's
// arena slot (via the move-last-into-freed-slot compaction in
// freeRouteSlot) and bump the epoch before learn observes it, which
// would teach the cache a stale index under a fresh epoch.
func (b *Backend) lookupAndLearnLocked(query []byte, addr [16]byte, learnPermitted bool) (length int, userValue uint64, found bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var idx uint32
	length, userValue, idx, found = b.lookupAndResolve(query)
	if found && learnPermitted {
		b.flowCache.learn(addr, idx, b.epoch.Load())
	}
	return length, userValue, found
}

// lookupAndResolve performs the LPM probe and hit-count bump; callers
// must already hold b.mu for reading.
func (b *Backend) lookupAndResolve(query []byte) (length int, userValue uint64, idx uint32, found bool) {
	if b.isV4 && b.ruleTable != nil && b.ruleTable.isReady() {
		length, idx, found = b.lpmWithRuleTable(query)
	} else {
		length, idx, found = b.lpmStandard(query)
	}
	if found {
		rec := b.routes.Get(idx)
		if b.hitCounting {
			atomic.AddUint64(&rec.hitCount, 1)
		}
		userValue = rec.userValue
	}
	return length, userValue, idx, found
}

// NumRoutes reports the live route count.
func (b *Backend) NumRoutes() uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.routes.Len()
}

// ActivePrefixList returns a copy of the current descending active
// prefix-length list, for tests and diagnostics.
func (b *Backend) ActivePrefixList() []int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]int, len(b.activePrefixList))
	copy(out, b.activePrefixList)
	return out
}

// MemBytes reports physical and virtual memory committed by the route
// arena (the open-chained table itself is a plain Go slice, accounted
// separately by the caller if desired).
func (b *Backend) MemBytes() (physical, virtual uint64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.routes.PhysicalBytes(), b.routes.VirtualBytes()
}

// IPv4RuleTableReady reports whether the rule table accelerator is
// enabled and fully built.
func (b *Backend) IPv4RuleTableReady() (enabled, ready bool) {
	if b.ruleTable == nil {
		return false, false
	}
	return true, b.ruleTable.isReady()
}

// IPv6FlowMissCount reports the flow cache's cumulative miss counter.
func (b *Backend) IPv6FlowMissCount() (enabled bool, count uint64) {
	if b.flowCache == nil {
		return false, 0
	}
	return true, b.flowCache.missCount.Load()
}
