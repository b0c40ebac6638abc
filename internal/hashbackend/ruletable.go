package hashbackend

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ruleTableSize is the span of a 24-bit IPv4 network prefix.
const ruleTableSize = 1 << 24

// ruleTable is the IPv4 direct-index accelerator covering every route
// with prefix length <= 24, rebuilt by a single owned background
// goroutine.
type ruleTable struct {
	table []uint32

	ready       atomic.Bool
	needRebuild atomic.Bool

	stop chan struct{}
	done chan struct{}

	log *logrus.Entry
}

func newRuleTable(log *logrus.Entry) *ruleTable {
	return &ruleTable{
		table: make([]uint32, ruleTableSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		log:   log,
	}
}

func (rt *ruleTable) markStale() {
	rt.ready.Store(false)
	rt.needRebuild.Store(true)
}

func (rt *ruleTable) isReady() bool {
	return rt.ready.Load()
}

// lookup returns the route index for the first 24 bits of query, or 0
// if the rule table holds no route covering that aggregate.
func (rt *ruleTable) lookup(query []byte) uint32 {
	key := (uint32(query[0]) << 16) | (uint32(query[1]) << 8) | uint32(query[2])
	return rt.table[key]
}

// run is the rebuilder loop: sleep, then walk all 2^24 candidate keys,
// holding the backend's read lock for one probe at a time so writers
// are never starved more than a single iteration.
func (rt *ruleTable) run(b *Backend) {
	defer close(rt.done)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-rt.stop:
			return
		case <-ticker.C:
		}

		b.mu.RLock()
		needed := rt.needRebuild.Load()
		b.mu.RUnlock()
		if !needed {
			continue
		}

		b.mu.Lock()
		rt.needRebuild.Store(false)
		b.mu.Unlock()

		aborted := false
		for i := uint32(0); i < ruleTableSize; i++ {
			select {
			case <-rt.stop:
				return
			default:
			}

			b.mu.RLock()
			idx := b.lpmRestricted24(i)
			rt.table[i] = idx
			if rt.needRebuild.Load() {
				aborted = true
			}
			b.mu.RUnlock()

			if aborted {
				break
			}
		}

		if aborted {
			if rt.log != nil {
				rt.log.Warn("ipv4 rule table rebuild aborted by concurrent writer")
			}
			continue
		}

		b.mu.Lock()
		if !rt.needRebuild.Load() {
			rt.ready.Store(true)
		}
		b.mu.Unlock()

		if rt.log != nil {
			rt.log.Debug("ipv4 rule table rebuild complete")
		}
	}
}

func (rt *ruleTable) stopAndWait() {
	close(rt.stop)
	<-rt.done
}
