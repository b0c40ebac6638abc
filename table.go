package lpmht

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/gaissmai/lpmht/internal/enum"
	"github.com/gaissmai/lpmht/internal/hashbackend"
	"github.com/gaissmai/lpmht/internal/triebackend"
)

// lpmBackend is the common shape of the two backend implementations,
// letting Table dispatch without a type switch on every call.
type lpmBackend interface {
	Insert(prefix []byte, length int, userValue uint64) error
	Delete(prefix []byte, length int) error
	Set(prefix []byte, length int, userValue uint64) error
	Get(prefix []byte, length int, clearHitCount bool) (userValue, hitCount uint64, err error)
	LongestPrefixMatch(query []byte) (length int, userValue uint64, err error)
	NumRoutes() uint32
	MemBytes() (physical, virtual uint64)
}

// Table is the public LPM routing table.
type Table struct {
	family  Family
	backend Backend

	prefixBytes int
	maxBits     int

	impl lpmBackend

	trie *triebackend.Backend // non-nil iff backend == BackendTrie
	hash *hashbackend.Backend // non-nil iff backend == BackendHash

	nextGet bool
	enumMu  sync.RWMutex
	enum    *enum.Tree

	insertOps atomic.Uint64
	deleteOps atomic.Uint64
	lookupOps atomic.Uint64

	log *logrus.Entry
}

// New constructs a Table for the given family and backend, sized for up
// to maxRoutes live entries.
func New(family Family, backend Backend, maxRoutes uint32, cfg Config) (*Table, error) {
	if maxRoutes == 0 {
		return nil, ErrInvalidArgument
	}
	switch backend {
	case BackendTrie:
		if maxRoutes > MaxRoutesTrie {
			return nil, ErrInvalidArgument
		}
	case BackendHash:
		if maxRoutes > MaxRoutesHash {
			return nil, ErrInvalidArgument
		}
	default:
		return nil, ErrInvalidArgument
	}

	maxBits, prefixBytes := 128, 16
	isV4 := family == FamilyV4
	if isV4 {
		maxBits, prefixBytes = 32, 4
	} else if family != FamilyV6 {
		return nil, ErrInvalidArgument
	}

	t := &Table{
		family:      family,
		backend:     backend,
		prefixBytes: prefixBytes,
		maxBits:     maxBits,
		nextGet:     cfg.NextGet,
		log:         cfg.Log,
	}

	if cfg.NextGet {
		t.enum = &enum.Tree{}
	}

	switch backend {
	case BackendTrie:
		t.trie = triebackend.New(maxBits, maxRoutes, cfg.HitCount, cfg.MemPrealloc, cfg.Log)
		t.impl = t.trie
	case BackendHash:
		t.hash = hashbackend.New(isV4, maxRoutes, hashbackend.Options{
			HitCounting:     cfg.HitCount,
			PreallocRoutes:  cfg.MemPrealloc,
			PreallocHash:    cfg.HashPrealloc,
			IPv4Rules:       isV4 && cfg.IPv4Rules,
			IPv6Flow:        !isV4 && cfg.IPv6Flow,
			IPv6MaxFlows:    cfg.IPv6MaxFlows,
			IPv6FlowAgeSecs: cfg.IPv6FlowAgeTime,
			Log:             cfg.Log,
		})
		t.impl = t.hash
	}

	return t, nil
}

// Close stops the IPv4 rule-builder (if running) and joins it, stops
// the IPv6 flow-age sweeper (if running) and joins it, then releases
// backend state. Table destruction is not thread-safe: the caller must
// ensure no concurrent users remain.
func (t *Table) Close() {
	if t.hash != nil {
		t.hash.Close()
	}
}

func (t *Table) validateArgs(prefix []byte, length int) error {
	if len(prefix) != t.prefixBytes {
		return ErrInvalidArgument
	}
	if length < 0 || length > t.maxBits {
		return ErrInvalidArgument
	}
	return nil
}

// RouteAdd inserts a new route for (prefix, length). It returns
// ErrAlreadyExists if the route is already present and
// ErrCapacityExceeded if the table is full.
func (t *Table) RouteAdd(prefix []byte, length int, userValue uint64) error {
	if err := t.validateArgs(prefix, length); err != nil {
		return err
	}

	t.enumMu.Lock()
	defer t.enumMu.Unlock()

	if err := t.impl.Insert(prefix, length, userValue); err != nil {
		return translateInsertErr(err)
	}
	t.insertOps.Add(1)

	if t.nextGet {
		t.enum.Insert(enum.Key{Length: length, Prefix: maskedCopy(prefix, length, t.prefixBytes)})
	}
	return nil
}

// RouteDelete removes the route for (prefix, length), returning
// ErrNotFound if it is not present.
func (t *Table) RouteDelete(prefix []byte, length int) error {
	if err := t.validateArgs(prefix, length); err != nil {
		return err
	}

	t.enumMu.Lock()
	defer t.enumMu.Unlock()

	if err := t.impl.Delete(prefix, length); err != nil {
		return translateLookupErr(err)
	}
	t.deleteOps.Add(1)

	if t.nextGet {
		t.enum.Delete(enum.Key{Length: length, Prefix: maskedCopy(prefix, length, t.prefixBytes)})
	}
	return nil
}

// RouteSet replaces the user value of an existing route for
// (prefix, length), returning ErrNotFound if it is not present.
func (t *Table) RouteSet(prefix []byte, length int, userValue uint64) error {
	if err := t.validateArgs(prefix, length); err != nil {
		return err
	}

	t.enumMu.Lock()
	defer t.enumMu.Unlock()

	if err := t.impl.Set(prefix, length, userValue); err != nil {
		return translateLookupErr(err)
	}
	return nil
}

// RouteGet looks up the exact route (prefix, length), returning its
// user value and hit counter. It returns ErrNotFound if no such route
// exists.
func (t *Table) RouteGet(prefix []byte, length int, clearHitCount bool) (userValue, hitCount uint64, err error) {
	if err := t.validateArgs(prefix, length); err != nil {
		return 0, 0, err
	}
	userValue, hitCount, err = t.impl.Get(prefix, length, clearHitCount)
	if err != nil {
		return 0, 0, translateLookupErr(err)
	}
	return userValue, hitCount, nil
}

// LongestPrefixMatch resolves query against the table, returning the
// matched prefix length and user value. It returns ErrNotFound if no
// route covers query.
func (t *Table) LongestPrefixMatch(query []byte) (length int, userValue uint64, err error) {
	if len(query) != t.prefixBytes {
		return 0, 0, ErrInvalidArgument
	}
	t.lookupOps.Add(1)
	length, userValue, err = t.impl.LongestPrefixMatch(query)
	if err != nil {
		return 0, 0, translateLookupErr(err)
	}
	return length, userValue, nil
}

// RouteFirstGet returns the first route in enumeration order (longest
// prefix length first, then ascending prefix value), or ErrEmpty if the
// table holds no routes. It requires the table to have been built with
// NextGet enabled.
func (t *Table) RouteFirstGet(clearHitCount bool) (prefix []byte, length int, userValue, hitCount uint64, err error) {
	if !t.nextGet {
		return nil, 0, 0, 0, ErrUnsupported
	}

	t.enumMu.RLock()
	defer t.enumMu.RUnlock()

	key, err := t.enum.First()
	if err != nil {
		return nil, 0, 0, 0, ErrEmpty
	}

	userValue, hitCount, gerr := t.impl.Get(key.Prefix, key.Length, clearHitCount)
	if gerr != nil {
		return nil, 0, 0, 0, translateLookupErr(gerr)
	}
	return append([]byte(nil), key.Prefix...), key.Length, userValue, hitCount, nil
}

// RouteNextGet returns the route immediately following
// (previousPrefix, previousLength) in enumeration order, or ErrNotFound
// if no stored route sorts after it. The previous key need not be
// present in the table. It requires the table to have been built with
// NextGet enabled.
func (t *Table) RouteNextGet(previousPrefix []byte, previousLength int, clearHitCount bool) (prefix []byte, length int, userValue, hitCount uint64, err error) {
	if !t.nextGet {
		return nil, 0, 0, 0, ErrUnsupported
	}
	if err := t.validateArgs(previousPrefix, previousLength); err != nil {
		return nil, 0, 0, 0, err
	}

	prevKey := enum.Key{Length: previousLength, Prefix: maskedCopy(previousPrefix, previousLength, t.prefixBytes)}

	t.enumMu.RLock()
	defer t.enumMu.RUnlock()

	key, err := t.enum.Next(prevKey)
	if err != nil {
		return nil, 0, 0, 0, ErrNotFound
	}

	userValue, hitCount, gerr := t.impl.Get(key.Prefix, key.Length, clearHitCount)
	if gerr != nil {
		return nil, 0, 0, 0, translateLookupErr(gerr)
	}
	return append([]byte(nil), key.Prefix...), key.Length, userValue, hitCount, nil
}

// TableInfo reports a Table's current size, memory footprint, optional
// accelerator status, and cumulative operation counters.
type TableInfo struct {
	NumRoutes        uint32
	NumInternalNodes uint32
	MemBytesPhysical uint64
	MemBytesVirtual  uint64

	IPv4RuleTableEnabled bool
	IPv4RuleTableReady   bool

	IPv6FlowEnabled   bool
	IPv6FlowMissCount uint64

	InsertOps uint64
	DeleteOps uint64
	LookupOps uint64
}

// TableInfoGet returns a snapshot of the table's current statistics.
func (t *Table) TableInfoGet() TableInfo {
	info := TableInfo{
		NumRoutes: t.impl.NumRoutes(),
		InsertOps: t.insertOps.Load(),
		DeleteOps: t.deleteOps.Load(),
		LookupOps: t.lookupOps.Load(),
	}
	info.MemBytesPhysical, info.MemBytesVirtual = t.impl.MemBytes()

	if t.trie != nil {
		info.NumInternalNodes = t.trie.NumInternalNodes()
	}
	if t.hash != nil {
		info.IPv4RuleTableEnabled, info.IPv4RuleTableReady = t.hash.IPv4RuleTableReady()
		info.IPv6FlowEnabled, info.IPv6FlowMissCount = t.hash.IPv6FlowMissCount()
	}
	return info
}

func maskedCopy(prefix []byte, length, prefixBytes int) []byte {
	var masked []byte
	if prefixBytes == 4 {
		m := maskV4(prefix, length)
		masked = m[:]
	} else {
		m := maskV6(prefix, length)
		masked = m[:]
	}
	return masked
}

func translateInsertErr(err error) error {
	switch err {
	case triebackend.ErrAlreadyExists, hashbackend.ErrAlreadyExists:
		return ErrAlreadyExists
	case triebackend.ErrCapacityExceeded, hashbackend.ErrCapacityExceeded:
		return ErrCapacityExceeded
	default:
		return err
	}
}

func translateLookupErr(err error) error {
	switch err {
	case triebackend.ErrNotFound, hashbackend.ErrNotFound:
		return ErrNotFound
	default:
		return err
	}
}
