// Package ipam provides overlay IP allocation and validation for Nebula
// pools.
package ipam

import (
	"net/netip"

	"github.com/skeeeon/managed-nebula/internal/apperr"
)

// Range is an inclusive [Start, End] clip inside a pool, used when an IP
// group constrains allocation.
type Range struct {
	Start netip.Addr
	End   netip.Addr
}

// NextAvailable finds the first address in cidr that is not in used,
// scanning in canonical order. The network address is always skipped, and
// for IPv4 so is the broadcast address. When clip is non-nil the scan is
// restricted to [clip.Start, clip.End].
//
// Nebula is point-to-point and does not use broadcast, but reserving the
// conventional endpoints avoids surprising operators.
func NextAvailable(cidr string, used map[netip.Addr]bool, clip *Range) (netip.Addr, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return netip.Addr{}, apperr.Wrap(err, apperr.Validation, "invalid cidr %q", cidr)
	}
	prefix = prefix.Masked()

	last := lastAddr(prefix)
	candidate := prefix.Addr().Next() // skip network address
	if clip != nil && clip.Start.Compare(candidate) > 0 {
		candidate = clip.Start
	}

	for prefix.Contains(candidate) {
		if clip != nil && candidate.Compare(clip.End) > 0 {
			break
		}
		// Skip the IPv4 broadcast address.
		if candidate.Is4() && candidate == last {
			break
		}
		if !used[candidate] {
			return candidate, nil
		}
		candidate = candidate.Next()
	}

	return netip.Addr{}, apperr.New(apperr.Conflict, "pool %s is exhausted", cidr)
}

// ValidatePoolCIDR enforces the strict pool CIDR form: parseable and with
// all host bits zero.
func ValidatePoolCIDR(cidr string) (netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return netip.Prefix{}, apperr.Wrap(err, apperr.Validation, "invalid cidr %q", cidr)
	}
	if prefix.Masked() != prefix {
		return netip.Prefix{}, apperr.New(apperr.Validation,
			"cidr %s has host bits set (network address is %s)", cidr, prefix.Masked())
	}
	return prefix, nil
}

// ValidateGroupRange checks an IP group's [start, end] lies inside the pool
// CIDR with start <= end.
func ValidateGroupRange(poolCIDR, startIP, endIP string) (Range, error) {
	prefix, err := ValidatePoolCIDR(poolCIDR)
	if err != nil {
		return Range{}, err
	}
	start, err := netip.ParseAddr(startIP)
	if err != nil {
		return Range{}, apperr.Wrap(err, apperr.Validation, "invalid start ip %q", startIP)
	}
	end, err := netip.ParseAddr(endIP)
	if err != nil {
		return Range{}, apperr.Wrap(err, apperr.Validation, "invalid end ip %q", endIP)
	}
	if start.Compare(end) > 0 {
		return Range{}, apperr.New(apperr.Validation, "range start %s is after end %s", start, end)
	}
	if !prefix.Contains(start) || !prefix.Contains(end) {
		return Range{}, apperr.New(apperr.Validation,
			"range [%s, %s] is not inside pool %s", start, end, poolCIDR)
	}
	return Range{Start: start, End: end}, nil
}

// Contains reports whether addr belongs to cidr.
func Contains(cidr string, addr netip.Addr) bool {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return false
	}
	return prefix.Masked().Contains(addr)
}

// lastAddr computes the highest address inside prefix.
func lastAddr(prefix netip.Prefix) netip.Addr {
	addr := prefix.Addr()
	if addr.Is4() {
		b := addr.As4()
		bits := prefix.Bits()
		for i := bits; i < 32; i++ {
			b[i/8] |= 1 << (7 - i%8)
		}
		return netip.AddrFrom4(b)
	}
	b := addr.As16()
	bits := prefix.Bits()
	for i := bits; i < 128; i++ {
		b[i/8] |= 1 << (7 - i%8)
	}
	return netip.AddrFrom16(b)
}
