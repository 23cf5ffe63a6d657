package server

import (
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"ip2asn/internal/table"
)

type lookupResponse struct {
	IP         string `json:"ip"`
	Found      bool   `json:"found"`
	ASN        uint32 `json:"asn,omitempty"`
	Prefix     string `json:"prefix,omitempty"`
	SearchCost int    `json:"search_cost"`
	Generation uint64 `json:"generation"`
	ASOrg      string `json:"as_org,omitempty"`
}

// parseLookupAddr accepts a bare address or a prefix; a prefix is looked up
// by its network address.
func parseLookupAddr(raw string) (netip.Addr, error) {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "/") {
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return netip.Addr{}, err
		}
		return prefix.Masked().Addr(), nil
	}
	return netip.ParseAddr(raw)
}

func formatElapsed(d time.Duration) string {
	nanos := d.Nanoseconds()
	return fmt.Sprintf("%d.%03dµs", nanos/1000, nanos%1000)
}

func setLookupHeaders(w http.ResponseWriter, a table.Attribution, elapsed time.Duration) {
	h := w.Header()
	h.Set("X-Search-Cost", strconv.Itoa(a.Cost))
	h.Set("X-Elapsed", formatElapsed(elapsed))
	h.Set("X-Table-Generation", strconv.FormatUint(a.Generation, 10))
}

func (s *Server) lookupPlain(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	addr, err := parseLookupAddr(r.PathValue("addr"))
	if err != nil {
		http.Error(w, "invalid address", http.StatusBadRequest)
		return
	}

	a := s.svc.Lookup(addr)
	setLookupHeaders(w, a, time.Since(start))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if !a.Found {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(strconv.FormatUint(uint64(a.ASN), 10)))
}

func (s *Server) lookupJSON(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	raw := r.PathValue("addr")
	addr, err := parseLookupAddr(raw)
	if err != nil {
		writeError(w, fmt.Sprintf("invalid address %q", raw), http.StatusBadRequest)
		return
	}

	a := s.svc.Lookup(addr)
	resp := lookupResponse{
		IP:         addr.String(),
		Found:      a.Found,
		SearchCost: a.Cost,
		Generation: a.Generation,
	}
	if a.Found {
		resp.ASN = a.ASN
		resp.Prefix = a.Prefix.String()
		if s.orgs != nil {
			// the GeoLite snapshot can lag the table; only name the AS it agrees on
			if org, asn, ok := s.orgs.Organization(addr); ok && asn == a.ASN {
				resp.ASOrg = org
			}
		}
	}

	setLookupHeaders(w, a, time.Since(start))
	status := http.StatusOK
	if !a.Found {
		status = http.StatusNotFound
	}
	writeJSON(w, status, resp)
}
