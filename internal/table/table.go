// Package table pairs one interval index per address family into an
// immutable attribution table. A table is built once from a list of
// announcements and is never modified afterwards; reloading means building a
// new one.
package table

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/sync/errgroup"

	"ip2asn/internal/interval"
)

// Announcement maps one network to the ASN announcing it.
type Announcement struct {
	Prefix netip.Prefix
	ASN    uint32
}

// Attribution is the result of a table lookup.
type Attribution struct {
	Found      bool
	ASN        uint32
	Prefix     netip.Prefix
	Cost       int
	Generation uint64
}

// Stats describes the shape of a table.
type Stats struct {
	IPv4Networks int `json:"ipv4_networks"`
	IPv6Networks int `json:"ipv6_networks"`
	IPv4Height   int `json:"ipv4_height"`
	IPv6Height   int `json:"ipv6_height"`
}

// Table is one generation of the attribution data.
type Table struct {
	v4 *interval.Index
	v6 *interval.Index

	Generation    uint64
	Source        string
	Fingerprint   uint64
	BuiltAt       time.Time
	BuildDuration time.Duration
}

type buildOptions struct {
	source      string
	fingerprint uint64
}

// BuildOption customises the metadata attached to a built table.
type BuildOption func(*buildOptions)

// WithSource records where the announcements came from.
func WithSource(source string) BuildOption {
	return func(o *buildOptions) {
		o.source = source
	}
}

// WithFingerprint records a hash of the raw feed content.
func WithFingerprint(fp uint64) BuildOption {
	return func(o *buildOptions) {
		o.fingerprint = fp
	}
}

// Empty returns a table without networks.
func Empty() *Table {
	return &Table{
		v4:      interval.NewIPv4(),
		v6:      interval.NewIPv6(),
		BuiltAt: time.Now(),
	}
}

// Build constructs a table from anns. Exact repeats of the same prefix and
// ASN are collapsed; the same prefix with two different ASNs is an error,
// since picking a winner is the loader's job. Build performs no I/O.
func Build(anns []Announcement, opts ...BuildOption) (*Table, error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()

	var v4, v6 []interval.NetRange
	seen := make(map[Announcement]struct{}, len(anns))
	for _, ann := range anns {
		if !ann.Prefix.IsValid() {
			return nil, fmt.Errorf("table: %w: %q", interval.ErrInvalidPrefix, ann.Prefix)
		}
		ann.Prefix = CanonicalPrefix(ann.Prefix)
		if _, dup := seen[ann]; dup {
			continue
		}
		seen[ann] = struct{}{}

		r, err := interval.NewNetRange(ann.Prefix, ann.ASN)
		if err != nil {
			return nil, fmt.Errorf("table: %w", err)
		}
		if ann.Prefix.Addr().Is4() {
			v4 = append(v4, r)
		} else {
			v6 = append(v6, r)
		}
	}

	t := &Table{
		v4:          interval.NewIPv4(),
		v6:          interval.NewIPv6(),
		Source:      o.source,
		Fingerprint: o.fingerprint,
	}

	// The two indices share nothing, so each family gets its own builder.
	var g errgroup.Group
	g.Go(func() error { return fill(t.v4, v4) })
	g.Go(func() error { return fill(t.v6, v6) })
	if err := g.Wait(); err != nil {
		return nil, err
	}

	t.BuiltAt = time.Now()
	t.BuildDuration = t.BuiltAt.Sub(start)
	return t, nil
}

// CanonicalPrefix masks p and turns an IPv4-mapped ::ffff:a.b.c.d/n into
// a.b.c.d/(n-96), the form Lookup searches for mapped addresses.
func CanonicalPrefix(p netip.Prefix) netip.Prefix {
	if !p.Addr().Is4In6() || p.Bits() < 96 {
		return p.Masked()
	}
	return netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96).Masked()
}

func fill(idx *interval.Index, ranges []interval.NetRange) error {
	for _, r := range ranges {
		if err := idx.Insert(r); err != nil {
			if errors.Is(err, interval.ErrDuplicateRange) {
				return fmt.Errorf("table: conflicting announcements for %s: %w", r.Prefix(), err)
			}
			return fmt.Errorf("table: insert %s: %w", r, err)
		}
	}
	return nil
}

// Lookup attributes addr. IPv4-mapped IPv6 addresses are looked up as IPv4
// and zones are ignored.
func (t *Table) Lookup(addr netip.Addr) Attribution {
	addr = addr.Unmap().WithZone("")

	idx := t.v6
	if addr.Is4() {
		idx = t.v4
	}

	r, cost, ok := idx.Lookup(addr)
	a := Attribution{Cost: cost, Generation: t.Generation}
	if ok {
		a.Found = true
		a.ASN = r.ASN
		a.Prefix = r.Prefix()
	}
	return a
}

// Stats reports network counts and tree heights per family.
func (t *Table) Stats() Stats {
	return Stats{
		IPv4Networks: t.v4.Len(),
		IPv6Networks: t.v6.Len(),
		IPv4Height:   t.v4.Height(),
		IPv6Height:   t.v6.Height(),
	}
}

// Len returns the total number of networks across both families.
func (t *Table) Len() int {
	return t.v4.Len() + t.v6.Len()
}

// WithGenerationNumber returns a shallow copy of t carrying gen. The indices
// are shared, which is safe because they are read-only.
func (t *Table) WithGenerationNumber(gen uint64) *Table {
	cp := *t
	cp.Generation = gen
	return &cp
}
