package hashbackend

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func v4(a, b, c, d byte) []byte { return []byte{a, b, c, d} }

func newV4(opts Options) *Backend { return New(true, 16, opts) }

func TestTwoRouteLPMPrecedence(t *testing.T) {
	b := newV4(Options{HitCounting: true})

	if err := b.Insert(v4(10, 0, 0, 0), 8, 1); err != nil {
		t.Fatalf("insert 10/8: %v", err)
	}
	if err := b.Insert(v4(10, 1, 0, 0), 16, 2); err != nil {
		t.Fatalf("insert 10.1/16: %v", err)
	}

	if length, val, err := b.LongestPrefixMatch(v4(10, 1, 2, 3)); err != nil || length != 16 || val != 2 {
		t.Fatalf("LPM(10.1.2.3) = (%d,%d,%v), want (16,2,nil)", length, val, err)
	}
	if length, val, err := b.LongestPrefixMatch(v4(10, 2, 2, 3)); err != nil || length != 8 || val != 1 {
		t.Fatalf("LPM(10.2.2.3) = (%d,%d,%v), want (8,1,nil)", length, val, err)
	}
	if _, _, err := b.LongestPrefixMatch(v4(11, 0, 0, 1)); err != ErrNotFound {
		t.Fatalf("LPM(11.0.0.1) = %v, want ErrNotFound", err)
	}
}

func TestDefaultRouteAndDelete(t *testing.T) {
	b := newV4(Options{})

	if err := b.Insert(v4(0, 0, 0, 0), 0, 99); err != nil {
		t.Fatalf("insert default: %v", err)
	}
	if length, val, _ := b.LongestPrefixMatch(v4(8, 8, 8, 8)); length != 0 || val != 99 {
		t.Fatalf("LPM = (%d,%d), want (0,99)", length, val)
	}

	if err := b.Insert(v4(8, 8, 8, 0), 24, 24); err != nil {
		t.Fatalf("insert 8.8.8.0/24: %v", err)
	}
	if length, val, _ := b.LongestPrefixMatch(v4(8, 8, 8, 8)); length != 24 || val != 24 {
		t.Fatalf("LPM = (%d,%d), want (24,24)", length, val)
	}

	if err := b.Delete(v4(8, 8, 8, 0), 24); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if length, val, _ := b.LongestPrefixMatch(v4(8, 8, 8, 8)); length != 0 || val != 99 {
		t.Fatalf("LPM after delete = (%d,%d), want (0,99)", length, val)
	}
}

func TestDuplicateAndCapacity(t *testing.T) {
	b := New(true, 2, Options{})

	a := v4(1, 2, 3, 4)
	c := v4(5, 6, 7, 8)
	e := v4(9, 9, 9, 9)

	if err := b.Insert(a, 32, 1); err != nil {
		t.Fatalf("insert a: %v", err)
	}
	if err := b.Insert(c, 32, 2); err != nil {
		t.Fatalf("insert c: %v", err)
	}
	if err := b.Insert(a, 32, 1); err != ErrAlreadyExists {
		t.Fatalf("dup insert = %v, want ErrAlreadyExists", err)
	}
	if err := b.Insert(e, 32, 3); err != ErrCapacityExceeded {
		t.Fatalf("capacity insert = %v, want ErrCapacityExceeded", err)
	}
}

func TestHitCountingAndReset(t *testing.T) {
	b := New(true, 4, Options{HitCounting: true})
	if err := b.Insert(v4(1, 2, 3, 0), 24, 7); err != nil {
		t.Fatalf("insert: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, _, err := b.LongestPrefixMatch(v4(1, 2, 3, 9)); err != nil {
			t.Fatalf("lpm %d: %v", i, err)
		}
	}
	val, hits, err := b.Get(v4(1, 2, 3, 0), 24, true)
	if err != nil || val != 7 || hits != 3 {
		t.Fatalf("get = (%d,%d,%v), want (7,3,nil)", val, hits, err)
	}
	val, hits, err = b.Get(v4(1, 2, 3, 0), 24, true)
	if err != nil || val != 7 || hits != 0 {
		t.Fatalf("get after reset = (%d,%d,%v), want (7,0,nil)", val, hits, err)
	}
}

func TestActivePrefixListTracksLiveLengths(t *testing.T) {
	b := New(true, 8, Options{})
	b.Insert(v4(10, 0, 0, 0), 8, 1)
	b.Insert(v4(10, 1, 0, 0), 16, 2)
	b.Insert(v4(192, 168, 0, 0), 24, 3)

	got := b.ActivePrefixList()
	want := []int{24, 16, 8}
	if len(got) != len(want) {
		t.Fatalf("active list = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("active list = %v, want %v", got, want)
		}
	}

	b.Delete(v4(10, 1, 0, 0), 16)
	got = b.ActivePrefixList()
	want = []int{24, 8}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("active list after delete = %v, want %v", got, want)
	}
}

func TestIPv4RuleTableConverges(t *testing.T) {
	if testing.Short() {
		t.Skip("rule table rebuild walks 2^24 keys, skipped in -short")
	}

	b := New(true, 8, Options{IPv4Rules: true})
	defer b.Close()

	b.Insert(v4(10, 0, 0, 0), 8, 42)

	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		if enabled, ready := b.IPv4RuleTableReady(); enabled && ready {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if enabled, ready := b.IPv4RuleTableReady(); !enabled || !ready {
		t.Fatalf("rule table did not become ready in time")
	}

	length, val, err := b.LongestPrefixMatch(v4(10, 1, 2, 3))
	if err != nil || length != 8 || val != 42 {
		t.Fatalf("LPM via rule table = (%d,%d,%v), want (8,42,nil)", length, val, err)
	}
}

func v6(b15, b16 byte) []byte {
	addr := make([]byte, 16)
	addr[0] = 0x20
	addr[1] = 0x01
	addr[2] = 0x0d
	addr[3] = 0xb8
	addr[15] = b16
	addr[14] = b15
	return addr
}

func TestIPv6FlowCacheUnderChurn(t *testing.T) {
	b := New(false, 8, Options{IPv6Flow: true, IPv6FlowAgeSecs: 3600})
	defer b.Close()

	if err := b.Insert(make([]byte, 16), 0, 0); err != nil {
		t.Fatalf("insert default: %v", err)
	}

	addr := v6(0, 1)

	length, val, err := b.LongestPrefixMatch(addr)
	if err != nil || length != 0 || val != 0 {
		t.Fatalf("first LPM = (%d,%d,%v), want (0,0,nil)", length, val, err)
	}
	_, missCount1 := b.IPv6FlowMissCount()
	if missCount1 != 1 {
		t.Fatalf("miss count after first lookup = %d, want 1", missCount1)
	}

	length, val, err = b.LongestPrefixMatch(addr)
	if err != nil || length != 0 || val != 0 {
		t.Fatalf("second LPM = (%d,%d,%v), want (0,0,nil)", length, val, err)
	}
	_, missCount2 := b.IPv6FlowMissCount()
	if missCount2 != 1 {
		t.Fatalf("miss count after cached lookup = %d, want 1 (served from cache)", missCount2)
	}

	if err := b.Insert(v4pad16(10), 64, 7); err != nil {
		t.Fatalf("insert churn route: %v", err)
	}

	length, val, err = b.LongestPrefixMatch(addr)
	if err != nil || length != 0 || val != 0 {
		t.Fatalf("third LPM = (%d,%d,%v), want (0,0,nil)", length, val, err)
	}
	_, missCount3 := b.IPv6FlowMissCount()
	if missCount3 != 2 {
		t.Fatalf("miss count after epoch bump = %d, want 2 (cache re-learn)", missCount3)
	}
}

func v4pad16(b0 byte) []byte {
	addr := make([]byte, 16)
	addr[0] = b0
	return addr
}

// TestConcurrentFlowCacheReadersAndWriter exercises the IPv6 flow cache
// and the route table under simultaneous lookups and churn, checking
// that readers stay correct across concurrent writers.
func TestConcurrentFlowCacheReadersAndWriter(t *testing.T) {
	b := New(false, 64, Options{IPv6Flow: true, IPv6FlowAgeSecs: 3600})
	defer b.Close()

	require.NoError(t, b.Insert(make([]byte, 16), 0, 0))

	addrs := make([][]byte, 8)
	for i := range addrs {
		a := make([]byte, 16)
		a[0] = 0x20
		a[15] = byte(i + 1)
		addrs[i] = a
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for _, addr := range addrs {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				length, _, err := b.LongestPrefixMatch(addr)
				require.NoError(t, err)
				require.Equal(t, 0, length)
			}
		}()
	}

	for i := 0; i < 32; i++ {
		route := make([]byte, 16)
		route[0] = byte(i + 1)
		require.NoError(t, b.Insert(route, 128, uint64(i)))
		require.NoError(t, b.Delete(route, 128))
	}

	close(stop)
	wg.Wait()
}

// TestConcurrentRuleTableReadersAndWriter exercises the IPv4 rule table
// builder racing with LPM readers and writers.
func TestConcurrentRuleTableReadersAndWriter(t *testing.T) {
	b := New(true, 64, Options{IPv4Rules: true})
	defer b.Close()

	require.NoError(t, b.Insert(v4(0, 0, 0, 0), 0, 0))

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			_, _, err := b.LongestPrefixMatch(v4(10, 1, 2, 3))
			require.NoError(t, err)
		}
	}()

	for i := 0; i < 16; i++ {
		require.NoError(t, b.Insert(v4(10, byte(i), 0, 0), 24, uint64(i)))
		require.NoError(t, b.Delete(v4(10, byte(i), 0, 0), 24))
	}

	close(stop)
	wg.Wait()
}
