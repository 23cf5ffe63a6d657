// Package loader turns an announcement feed on disk into a table. It owns
// every per-line concern of the feed (comments, malformed records, duplicate
// networks) so that table.Build only ever sees one ASN per network.
package loader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/charmbracelet/log"

	"ip2asn/internal/table"
)

// Format selects the feed decoder.
type Format string

const (
	FormatAuto  Format = "auto"
	FormatJSONL Format = "jsonl"
	FormatMMDB  Format = "mmdb"
)

// Policy decides what happens to a malformed feed line.
type Policy string

const (
	// PolicyAbort fails the whole load on the first malformed line.
	PolicyAbort Policy = "abort"
	// PolicySkip drops malformed lines with a warning.
	PolicySkip Policy = "skip"
)

// ErrUnchanged is returned by Load when the feed content matches the
// fingerprint the caller already serves.
var ErrUnchanged = errors.New("loader: table content unchanged")

// Report summarises one parse.
type Report struct {
	Lines       int
	Records     int
	Comments    int
	Duplicates  int
	Skipped     int
	Fingerprint uint64
	ReadTime    time.Duration
	ParseTime   time.Duration
}

func ParseFormat(raw string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(raw))); f {
	case "", FormatAuto:
		return FormatAuto, nil
	case FormatJSONL, FormatMMDB:
		return f, nil
	default:
		return "", fmt.Errorf("loader: unknown table format %q", raw)
	}
}

func ParsePolicy(raw string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(raw))); p {
	case "", PolicyAbort:
		return PolicyAbort, nil
	case PolicySkip:
		return p, nil
	default:
		return "", fmt.Errorf("loader: unknown malformed-line policy %q", raw)
	}
}

// Loader reads the table file at Path.
type Loader struct {
	Path   string
	Format Format
	Policy Policy
}

// New returns a loader for path with the default format detection and abort
// policy.
func New(path string) *Loader {
	return &Loader{Path: path, Format: FormatAuto, Policy: PolicyAbort}
}

func (l *Loader) format() Format {
	if l.Format != "" && l.Format != FormatAuto {
		return l.Format
	}
	if strings.EqualFold(filepath.Ext(l.Path), ".mmdb") {
		return FormatMMDB
	}
	return FormatJSONL
}

// Source names the feed for logs and table metadata.
func (l *Loader) Source() string {
	return l.Path
}

// Load reads and parses the feed and builds a fresh table. When current is
// non-zero and equals the fingerprint of the file content, Load returns
// ErrUnchanged without parsing.
func (l *Loader) Load(ctx context.Context, current uint64) (*table.Table, Report, error) {
	var report Report

	readStart := time.Now()
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, report, fmt.Errorf("loader: read %s: %w", l.Path, err)
	}
	report.ReadTime = time.Since(readStart)
	report.Fingerprint = xxhash.Sum64(data)

	if current != 0 && current == report.Fingerprint {
		return nil, report, ErrUnchanged
	}
	if err := ctx.Err(); err != nil {
		return nil, report, err
	}

	parseStart := time.Now()
	anns, parsed, err := l.parse(data)
	parsed.Fingerprint = report.Fingerprint
	parsed.ReadTime = report.ReadTime
	parsed.ParseTime = time.Since(parseStart)
	report = parsed
	if err != nil {
		return nil, report, fmt.Errorf("loader: parse %s: %w", l.Path, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, report, err
	}

	tbl, err := table.Build(anns, table.WithSource(l.Source()), table.WithFingerprint(report.Fingerprint))
	if err != nil {
		return nil, report, err
	}

	log.Debug("Table parsed",
		"source", l.Path,
		"records", report.Records,
		"duplicates", report.Duplicates,
		"skipped", report.Skipped,
		"parse_time", report.ParseTime,
		"build_time", tbl.BuildDuration,
	)
	return tbl, report, nil
}

func (l *Loader) parse(data []byte) ([]table.Announcement, Report, error) {
	switch l.format() {
	case FormatMMDB:
		return ParseMMDB(data)
	default:
		return ParseJSONL(bytes.NewReader(data), l.Policy)
	}
}

// Validate checks that the file at path would load as this loader's table:
// same format and malformed-line policy, and a table that builds.
func (l *Loader) Validate(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("loader: read %s: %w", path, err)
	}
	anns, _, err := l.parse(data)
	if err != nil {
		return fmt.Errorf("loader: parse %s: %w", path, err)
	}
	if len(anns) == 0 {
		return fmt.Errorf("loader: %s holds no announcements", path)
	}
	_, err = table.Build(anns)
	return err
}
