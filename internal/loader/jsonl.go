package loader

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/netip"

	"github.com/charmbracelet/log"

	"ip2asn/internal/table"
)

const (
	maxLineBytes     = 1 << 20
	maxSkipWarnings  = 20
	commentHash      = "#"
	commentSlashPair = "//"
)

var (
	ErrMissingCIDR = errors.New("loader: missing CIDR")
	ErrMissingASN  = errors.New("loader: missing ASN")
	ErrHostBits    = errors.New("loader: prefix has host bits set")
)

// Record is one line of a bgp.tools style table.jsonl feed.
type Record struct {
	CIDR string  `json:"CIDR"`
	ASN  *uint32 `json:"ASN"`
	Hits uint64  `json:"Hits"`
}

// LineError reports a malformed feed line.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

type candidate struct {
	asn  uint32
	hits uint64
}

// ParseJSONL reads newline-delimited JSON announcements. Blank lines and lines
// starting with "#" or "//" are ignored. A malformed line aborts the parse
// under PolicyAbort and is counted and skipped under PolicySkip. When the same
// network appears more than once the record with the most hits wins, ties
// going to the lower ASN.
func ParseJSONL(r io.Reader, policy Policy) ([]table.Announcement, Report, error) {
	var report Report

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	order := make([]netip.Prefix, 0, 1024)
	winners := make(map[netip.Prefix]candidate, 1024)

	for scanner.Scan() {
		report.Lines++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || bytes.HasPrefix(line, []byte(commentHash)) || bytes.HasPrefix(line, []byte(commentSlashPair)) {
			report.Comments++
			continue
		}

		prefix, cand, err := parseRecord(line)
		if err != nil {
			lineErr := &LineError{Line: report.Lines, Err: err}
			if policy != PolicySkip {
				return nil, report, lineErr
			}
			report.Skipped++
			if report.Skipped <= maxSkipWarnings {
				log.Warn("Skipping malformed table line", "line", report.Lines, "error", err)
			}
			continue
		}
		report.Records++

		prev, exists := winners[prefix]
		if !exists {
			order = append(order, prefix)
			winners[prefix] = cand
			continue
		}
		report.Duplicates++
		if cand.hits > prev.hits || (cand.hits == prev.hits && cand.asn < prev.asn) {
			winners[prefix] = cand
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, report, fmt.Errorf("loader: read feed: %w", err)
	}
	if report.Skipped > maxSkipWarnings {
		log.Warn("Further malformed table lines suppressed", "skipped", report.Skipped)
	}

	anns := make([]table.Announcement, 0, len(order))
	for _, prefix := range order {
		anns = append(anns, table.Announcement{Prefix: prefix, ASN: winners[prefix].asn})
	}
	return anns, report, nil
}

func parseRecord(line []byte) (netip.Prefix, candidate, error) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return netip.Prefix{}, candidate{}, fmt.Errorf("decode json: %w", err)
	}
	if rec.CIDR == "" {
		return netip.Prefix{}, candidate{}, ErrMissingCIDR
	}
	if rec.ASN == nil {
		return netip.Prefix{}, candidate{}, ErrMissingASN
	}

	prefix, err := netip.ParsePrefix(rec.CIDR)
	if err != nil {
		return netip.Prefix{}, candidate{}, fmt.Errorf("parse network: %w", err)
	}
	if prefix != prefix.Masked() {
		return netip.Prefix{}, candidate{}, fmt.Errorf("%w: %s", ErrHostBits, rec.CIDR)
	}

	return table.CanonicalPrefix(prefix), candidate{asn: *rec.ASN, hits: rec.Hits}, nil
}
