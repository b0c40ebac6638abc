package lpmht

import (
	"fmt"
	"math/rand/v2"
	"testing"
)

// randomV4Prefix generates a uniformly random IPv4 address with a prefix
// length drawn from [0,32], the PMODE_5 style ("Random Addresses, Random
// Prefixes /0 to /32") of the original load generator this module's
// spec was distilled from.
func randomV4Prefix(prng *rand.Rand) ([]byte, int) {
	addr := make([]byte, 4)
	for i := range addr {
		addr[i] = byte(prng.UintN(256))
	}
	length := prng.IntN(33)
	m := maskV4(addr, length)
	return m[:], length
}

func randomV4Prefixes(prng *rand.Rand, n int) [][2]any {
	out := make([][2]any, n)
	seen := make(map[string]bool, n)
	for i := 0; i < n; {
		prefix, length := randomV4Prefix(prng)
		key := fmt.Sprintf("%x/%d", prefix, length)
		if seen[key] {
			continue
		}
		seen[key] = true
		out[i] = [2]any{prefix, length}
		i++
	}
	return out
}

var benchRouteCounts = []int{1, 10, 100, 1_000, 10_000, 100_000}

func benchLoad(b *testing.B, backend Backend, n int) (*Table, [][2]any) {
	b.Helper()
	prng := rand.New(rand.NewPCG(42, 42))
	prefixes := randomV4Prefixes(prng, n)

	tbl, err := New(FamilyV4, backend, uint32(n+1), Config{})
	if err != nil {
		b.Fatalf("New: %v", err)
	}
	for i, p := range prefixes {
		prefix := p[0].([]byte)
		length := p[1].(int)
		if err := tbl.RouteAdd(prefix, length, uint64(i)); err != nil {
			b.Fatalf("RouteAdd: %v", err)
		}
	}
	return tbl, prefixes
}

func BenchmarkLongestPrefixMatch(b *testing.B) {
	for _, backend := range []Backend{BackendTrie, BackendHash} {
		name := "trie"
		if backend == BackendHash {
			name = "hash"
		}
		for _, n := range benchRouteCounts {
			tbl, prefixes := benchLoad(b, backend, n)
			prng := rand.New(rand.NewPCG(7, 7))
			probe := prefixes[prng.IntN(len(prefixes))][0].([]byte)

			b.Run(fmt.Sprintf("%s/%d", name, n), func(b *testing.B) {
				for b.Loop() {
					tbl.LongestPrefixMatch(probe)
				}
			})
			tbl.Close()
		}
	}
}

func BenchmarkRouteAdd(b *testing.B) {
	for _, backend := range []Backend{BackendTrie, BackendHash} {
		name := "trie"
		if backend == BackendHash {
			name = "hash"
		}
		for _, n := range benchRouteCounts {
			b.Run(fmt.Sprintf("%s/%d", name, n), func(b *testing.B) {
				for b.Loop() {
					b.StopTimer()
					prng := rand.New(rand.NewPCG(42, 42))
					prefixes := randomV4Prefixes(prng, n)
					tbl, err := New(FamilyV4, backend, uint32(n+1), Config{})
					if err != nil {
						b.Fatalf("New: %v", err)
					}
					b.StartTimer()

					for i, p := range prefixes {
						tbl.RouteAdd(p[0].([]byte), p[1].(int), uint64(i))
					}

					b.StopTimer()
					tbl.Close()
					b.StartTimer()
				}
			})
		}
	}
}
