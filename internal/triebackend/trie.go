// Package triebackend implements the 1-bit binary trie LPM backend: a
// trie-node arena and a route arena, linked by dense indices, with a
// single reader/writer lock guarding both.
package triebackend

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/gaissmai/lpmht/internal/arena"
)

var (
	// ErrAlreadyExists is returned by Insert for a duplicate (prefix, length).
	ErrAlreadyExists = errors.New("triebackend: route already exists")
	// ErrNotFound is returned by Delete/Set/Get/LPM when the key is absent.
	ErrNotFound = errors.New("triebackend: route not found")
	// ErrCapacityExceeded is returned by Insert at max_routes.
	ErrCapacityExceeded = errors.New("triebackend: capacity exceeded")
)

type nodeRecord struct {
	routeIndex           uint32
	left, right, parent uint32
}

type routeRecord struct {
	parentNode uint32
	userValue  uint64
	hitCount   uint64
}

// maxNodesPerRoute bounds worst-case trie depth (one node per bit) plus
// one for the route's terminal node; oversized relative to maxRoutes so
// the node arena can never be the limiting factor in a correct
// implementation — node exhaustion would indicate an internal bug, not
// a legitimate capacity error.
const maxNodesPerRoute = 1

// Backend is the trie LPM backend for one IP family.
type Backend struct {
	mu sync.RWMutex

	nodes  *arena.Arena[nodeRecord]
	routes *arena.Arena[routeRecord]

	root uint32 // index into nodes; 0 = empty trie

	maxBits     int
	hitCounting bool

	log *logrus.Entry
}

// New constructs a trie backend for maxBits-wide prefixes (32 for IPv4,
// 128 for IPv6), sized for up to maxRoutes live routes. log receives
// Error diagnostics immediately before an unrecoverable internal
// invariant violation panics; a nil log disables this reporting.
func New(maxBits int, maxRoutes uint32, hitCounting, prealloc bool, log *logrus.Entry) *Backend {
	maxNodes := maxRoutes*uint32(maxBits+maxNodesPerRoute) + 1
	return &Backend{
		nodes:       arena.New[nodeRecord](maxNodes, prealloc),
		routes:      arena.New[routeRecord](maxRoutes, prealloc),
		maxBits:     maxBits,
		hitCounting: hitCounting,
		log:         log,
	}
}

func (b *Backend) logPanic(msg string, err error) {
	if b.log != nil {
		b.log.WithError(err).Error(msg)
	}
}

func bitAt(prefix []byte, pos int) int {
	return int((prefix[pos/8] >> (7 - uint(pos%8))) & 1)
}

// nodeFind walks prefix bit-by-bit for exactly length steps. Returns the
// matched node (0 if the walk could not complete), the last visited
// non-null node, and its depth.
func (b *Backend) nodeFind(prefix []byte, length int) (matched, lastParent uint32, lastDepth int) {
	if b.root == 0 {
		return 0, 0, 0
	}
	cur := b.root
	depth := 0
	for depth < length {
		rec := b.nodes.Get(cur)
		next := rec.left
		if bitAt(prefix, depth) == 1 {
			next = rec.right
		}
		if next == 0 {
			return 0, cur, depth
		}
		cur = next
		depth++
	}
	return cur, cur, depth
}

// nodeLongestPrefixMatch walks from root remembering the deepest node
// with a live route.
func (b *Backend) nodeLongestPrefixMatch(query []byte) (bestNode uint32, bestDepth int, found bool) {
	if b.root == 0 {
		return 0, 0, false
	}
	cur := b.root
	depth := 0
	bestDepth = -1
	for {
		rec := b.nodes.Get(cur)
		if rec.routeIndex != 0 {
			bestNode = cur
			bestDepth = depth
		}
		if depth >= b.maxBits {
			break
		}
		next := rec.left
		if bitAt(query, depth) == 1 {
			next = rec.right
		}
		if next == 0 {
			break
		}
		cur = next
		depth++
	}
	if bestDepth < 0 {
		return 0, 0, false
	}
	return bestNode, bestDepth, true
}

func (b *Backend) extendFrom(fromNode uint32, fromDepth int, prefix []byte, length int) uint32 {
	cur := fromNode
	for depth := fromDepth; depth < length; depth++ {
		childIdx, childRec, err := b.nodes.Allocate()
		if err != nil {
			b.logPanic("node arena exhausted, internal invariant violated", err)
			panic("triebackend: node arena exhausted, internal invariant violated: " + err.Error())
		}
		childRec.parent = cur
		crec := b.nodes.Get(cur)
		if bitAt(prefix, depth) == 1 {
			crec.right = childIdx
		} else {
			crec.left = childIdx
		}
		cur = childIdx
	}
	return cur
}

// Insert adds a route for (prefix, length), returning ErrAlreadyExists
// if it is already present and ErrCapacityExceeded if the route arena
// is full.
func (b *Backend) Insert(prefix []byte, length int, userValue uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	matched, lastParent, lastDepth := b.nodeFind(prefix, length)
	if matched != 0 {
		if b.nodes.Get(matched).routeIndex != 0 {
			return ErrAlreadyExists
		}
	}

	if b.routes.Len() >= b.routes.Cap() {
		return ErrCapacityExceeded
	}

	routeIdx, routeRec, err := b.routes.Allocate()
	if err != nil {
		return ErrCapacityExceeded
	}

	var target uint32
	switch {
	case matched != 0:
		target = matched
	case b.root == 0:
		rootIdx, _, err := b.nodes.Allocate()
		if err != nil {
			b.logPanic("node arena exhausted creating root", err)
			panic("triebackend: node arena exhausted creating root: " + err.Error())
		}
		b.root = rootIdx
		target = b.extendFrom(rootIdx, 0, prefix, length)
	default:
		target = b.extendFrom(lastParent, lastDepth, prefix, length)
	}

	b.nodes.Get(target).routeIndex = routeIdx
	routeRec.parentNode = target
	routeRec.userValue = userValue
	routeRec.hitCount = 0
	return nil
}

func (b *Backend) freeRouteSlot(idx uint32) {
	last, err := b.routes.LastUsedIndex()
	if err != nil {
		b.logPanic("route arena empty during free", err)
		panic("triebackend: route arena empty during free: " + err.Error())
	}
	if idx != last {
		lastRec := b.routes.Get(last)
		target := b.routes.Get(idx)
		*target = *lastRec
		b.nodes.Get(target.parentNode).routeIndex = idx
	}
	if err := b.routes.FreeLast(); err != nil {
		b.logPanic("route FreeLast failed", err)
		panic("triebackend: route FreeLast failed: " + err.Error())
	}
}

func (b *Backend) freeNodeSlot(idx uint32) {
	last, err := b.nodes.LastUsedIndex()
	if err != nil {
		b.logPanic("node arena empty during free", err)
		panic("triebackend: node arena empty during free: " + err.Error())
	}
	if idx != last {
		lastRec := b.nodes.Get(last)
		target := b.nodes.Get(idx)
		*target = *lastRec

		if target.parent != 0 {
			prec := b.nodes.Get(target.parent)
			if prec.left == last {
				prec.left = idx
			}
			if prec.right == last {
				prec.right = idx
			}
		} else if b.root == last {
			b.root = idx
		}

		if target.routeIndex != 0 {
			b.routes.Get(target.routeIndex).parentNode = idx
		}
		if target.left != 0 {
			b.nodes.Get(target.left).parent = idx
		}
		if target.right != 0 {
			b.nodes.Get(target.right).parent = idx
		}
	}
	if err := b.nodes.FreeLast(); err != nil {
		b.logPanic("node FreeLast failed", err)
		panic("triebackend: node FreeLast failed: " + err.Error())
	}
}

// pruneUpward walks from a route-less, child-less node toward the root,
// unlinking and freeing each dead node in turn.
func (b *Backend) pruneUpward(nodeIdx uint32) {
	for nodeIdx != 0 {
		rec := b.nodes.Get(nodeIdx)
		if rec.routeIndex != 0 || rec.left != 0 || rec.right != 0 {
			return
		}
		parentIdx := rec.parent
		if parentIdx != 0 {
			prec := b.nodes.Get(parentIdx)
			if prec.left == nodeIdx {
				prec.left = 0
			} else if prec.right == nodeIdx {
				prec.right = 0
			}
		} else {
			b.root = 0
		}
		last, _ := b.nodes.LastUsedIndex()
		b.freeNodeSlot(nodeIdx)
		if parentIdx == last {
			// the parent was the last slot and now lives at nodeIdx
			parentIdx = nodeIdx
		}
		nodeIdx = parentIdx
	}
}

// Delete removes the route for (prefix, length), returning ErrNotFound
// if no such route exists.
func (b *Backend) Delete(prefix []byte, length int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	matched, _, _ := b.nodeFind(prefix, length)
	if matched == 0 {
		return ErrNotFound
	}
	rec := b.nodes.Get(matched)
	if rec.routeIndex == 0 {
		return ErrNotFound
	}

	routeIdx := rec.routeIndex
	rec.routeIndex = 0
	b.freeRouteSlot(routeIdx)
	b.pruneUpward(matched)
	return nil
}

// Set replaces the user value stored for an existing (prefix, length)
// route.
func (b *Backend) Set(prefix []byte, length int, userValue uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	matched, _, _ := b.nodeFind(prefix, length)
	if matched == 0 {
		return ErrNotFound
	}
	rec := b.nodes.Get(matched)
	if rec.routeIndex == 0 {
		return ErrNotFound
	}
	b.routes.Get(rec.routeIndex).userValue = userValue
	return nil
}

// Get looks up the exact route (prefix, length) and returns its user
// value and hit counter, optionally resetting the counter to zero.
func (b *Backend) Get(prefix []byte, length int, clearHitCount bool) (userValue, hitCount uint64, err error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	matched, _, _ := b.nodeFind(prefix, length)
	if matched == 0 {
		return 0, 0, ErrNotFound
	}
	rec := b.nodes.Get(matched)
	if rec.routeIndex == 0 {
		return 0, 0, ErrNotFound
	}
	rrec := b.routes.Get(rec.routeIndex)
	userValue = rrec.userValue
	if clearHitCount {
		hitCount = atomic.SwapUint64(&rrec.hitCount, 0)
	} else {
		hitCount = atomic.LoadUint64(&rrec.hitCount)
	}
	return userValue, hitCount, nil
}

// LongestPrefixMatch resolves query to the deepest node on its path
// that carries a live route, bumping its hit counter if enabled.
func (b *Backend) LongestPrefixMatch(query []byte) (length int, userValue uint64, err error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	nodeIdx, depth, found := b.nodeLongestPrefixMatch(query)
	if !found {
		return 0, 0, ErrNotFound
	}
	rec := b.nodes.Get(nodeIdx)
	rrec := b.routes.Get(rec.routeIndex)
	if b.hitCounting {
		atomic.AddUint64(&rrec.hitCount, 1)
	}
	return depth, rrec.userValue, nil
}

// NumRoutes reports the live route count.
func (b *Backend) NumRoutes() uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.routes.Len()
}

// NumInternalNodes reports the live trie node count.
func (b *Backend) NumInternalNodes() uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nodes.Len()
}

// MemBytes reports physical and virtual memory committed across both
// arenas, for tableInfoGet.
func (b *Backend) MemBytes() (physical, virtual uint64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	physical = b.nodes.PhysicalBytes() + b.routes.PhysicalBytes()
	virtual = b.nodes.VirtualBytes() + b.routes.VirtualBytes()
	return physical, virtual
}
