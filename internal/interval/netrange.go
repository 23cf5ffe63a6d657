package interval

import (
	"errors"
	"fmt"
	"net/netip"

	"go4.org/netipx"
)

var (
	// ErrInvalidPrefix is returned for zero or malformed prefixes.
	ErrInvalidPrefix = errors.New("interval: invalid prefix")
	// ErrDuplicateRange is returned by Insert when a range with the same bounds
	// is already stored. It means the feed was not deduplicated before the build.
	ErrDuplicateRange = errors.New("interval: duplicate range")
	// ErrFamilyMismatch is returned when a range of one address family is
	// inserted into an index of the other.
	ErrFamilyMismatch = errors.New("interval: address family mismatch")
)

// NetRange is one announced network: its inclusive address bounds, prefix
// length and owning ASN. Values are immutable once built by NewNetRange.
type NetRange struct {
	Min  netip.Addr
	Max  netip.Addr
	Bits int
	ASN  uint32
}

// NewNetRange builds the range covered by prefix. Host bits are masked off.
func NewNetRange(prefix netip.Prefix, asn uint32) (NetRange, error) {
	if !prefix.IsValid() {
		return NetRange{}, fmt.Errorf("%w: %s", ErrInvalidPrefix, prefix)
	}
	prefix = prefix.Masked()
	r := netipx.RangeOfPrefix(prefix)
	if !r.IsValid() {
		return NetRange{}, fmt.Errorf("%w: %s", ErrInvalidPrefix, prefix)
	}
	return NetRange{
		Min:  r.From(),
		Max:  r.To(),
		Bits: prefix.Bits(),
		ASN:  asn,
	}, nil
}

// MoreSpecific reports whether r has a longer prefix than other. It is the
// priority rule between overlapping ranges and says nothing about position.
func (r NetRange) MoreSpecific(other NetRange) bool {
	return r.Bits > other.Bits
}

// Contains reports whether addr lies within the range bounds.
func (r NetRange) Contains(addr netip.Addr) bool {
	return r.Min.Compare(addr) <= 0 && addr.Compare(r.Max) <= 0
}

// Prefix returns the CIDR the range was built from.
func (r NetRange) Prefix() netip.Prefix {
	return netip.PrefixFrom(r.Min, r.Bits)
}

func (r NetRange) String() string {
	return fmt.Sprintf("%s AS%d", r.Prefix(), r.ASN)
}

// compareKeys orders ranges by (Min, Max). This is the tree's structural
// order and is unrelated to MoreSpecific.
func compareKeys(a, b NetRange) int {
	if c := a.Min.Compare(b.Min); c != 0 {
		return c
	}
	return a.Max.Compare(b.Max)
}

func maxAddr(a, b netip.Addr) netip.Addr {
	if a.Compare(b) >= 0 {
		return a
	}
	return b
}
