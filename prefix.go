package lpmht

import (
	"net/netip"

	"github.com/gaissmai/lpmht/internal/hashutil"
)

func maskV4(prefix []byte, length int) [4]byte {
	return hashutil.ApplyMaskV4([4]byte(prefix), length)
}

func maskV6(prefix []byte, length int) [16]byte {
	return hashutil.ApplyMaskV6([16]byte(prefix), length)
}

// AddPrefix is the net/netip convenience wrapper over RouteAdd. The
// prefix's address must match the table's family.
func (t *Table) AddPrefix(pfx netip.Prefix, userValue uint64) error {
	prefix, length, err := prefixToBytes(pfx, t.prefixBytes)
	if err != nil {
		return err
	}
	return t.RouteAdd(prefix, length, userValue)
}

// DeletePrefix is the net/netip convenience wrapper over RouteDelete.
func (t *Table) DeletePrefix(pfx netip.Prefix) error {
	prefix, length, err := prefixToBytes(pfx, t.prefixBytes)
	if err != nil {
		return err
	}
	return t.RouteDelete(prefix, length)
}

// SetPrefix is the net/netip convenience wrapper over RouteSet.
func (t *Table) SetPrefix(pfx netip.Prefix, userValue uint64) error {
	prefix, length, err := prefixToBytes(pfx, t.prefixBytes)
	if err != nil {
		return err
	}
	return t.RouteSet(prefix, length, userValue)
}

// GetPrefix is the net/netip convenience wrapper over RouteGet.
func (t *Table) GetPrefix(pfx netip.Prefix, clearHitCount bool) (userValue, hitCount uint64, err error) {
	prefix, length, err := prefixToBytes(pfx, t.prefixBytes)
	if err != nil {
		return 0, 0, err
	}
	return t.RouteGet(prefix, length, clearHitCount)
}

// LookupAddr is the net/netip convenience wrapper over
// LongestPrefixMatch.
//
// IPv4-mapped IPv6 addresses (e.g. ::ffff:192.0.2.1) are rejected with
// ErrInvalidArgument on tables of either family.
func (t *Table) LookupAddr(addr netip.Addr) (length int, userValue uint64, err error) {
	query, err := addrToBytes(addr, t.prefixBytes)
	if err != nil {
		return 0, 0, err
	}
	return t.LongestPrefixMatch(query)
}

func prefixToBytes(pfx netip.Prefix, prefixBytes int) (prefix []byte, length int, err error) {
	if !pfx.IsValid() {
		return nil, 0, ErrInvalidArgument
	}
	addrBytes, err := addrToBytes(pfx.Addr(), prefixBytes)
	if err != nil {
		return nil, 0, err
	}
	return addrBytes, pfx.Bits(), nil
}

func addrToBytes(addr netip.Addr, prefixBytes int) ([]byte, error) {
	if !addr.IsValid() {
		return nil, ErrInvalidArgument
	}
	switch {
	case prefixBytes == 4 && addr.Is4():
		b := addr.As4()
		return b[:], nil
	case prefixBytes == 16 && addr.Is6() && !addr.Is4In6():
		b := addr.As16()
		return b[:], nil
	default:
		return nil, ErrInvalidArgument
	}
}
