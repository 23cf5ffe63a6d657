package loader

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ip2asn/internal/table"
)

const sampleFeed = `# bgp.tools table snapshot
{"CIDR":"10.0.0.0/8","ASN":1,"Hits":10}
{"CIDR":"10.1.0.0/16","ASN":2,"Hits":10}

// more specific
{"CIDR":"10.1.2.0/24","ASN":3,"Hits":10}
{"CIDR":"2001:db8::/32","ASN":4}
`

func writeFeed(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseJSONL(t *testing.T) {
	anns, report, err := ParseJSONL(strings.NewReader(sampleFeed), PolicyAbort)
	require.NoError(t, err)

	require.Len(t, anns, 4)
	assert.Equal(t, netip.MustParsePrefix("10.0.0.0/8"), anns[0].Prefix)
	assert.Equal(t, uint32(4), anns[3].ASN)
	assert.Equal(t, 7, report.Lines)
	assert.Equal(t, 4, report.Records)
	assert.Equal(t, 3, report.Comments)
	assert.Zero(t, report.Skipped)
}

func TestParseJSONLDuplicatesPickMostHits(t *testing.T) {
	feed := strings.Join([]string{
		`{"CIDR":"192.0.2.0/24","ASN":64501,"Hits":5}`,
		`{"CIDR":"192.0.2.0/24","ASN":64502,"Hits":50}`,
		`{"CIDR":"192.0.2.0/24","ASN":64503,"Hits":7}`,
		`{"CIDR":"198.51.100.0/24","ASN":64600,"Hits":3}`,
		`{"CIDR":"198.51.100.0/24","ASN":64599,"Hits":3}`,
	}, "\n")

	anns, report, err := ParseJSONL(strings.NewReader(feed), PolicyAbort)
	require.NoError(t, err)
	require.Len(t, anns, 2)
	assert.Equal(t, uint32(64502), anns[0].ASN)
	assert.Equal(t, uint32(64599), anns[1].ASN, "equal hits go to the lower ASN")
	assert.Equal(t, 3, report.Duplicates)
}

func TestParseJSONLMalformedLines(t *testing.T) {
	cases := map[string]struct {
		line string
		want error
	}{
		"bad json":      {`{"CIDR":"10.0.0.0/8",`, nil},
		"missing asn":   {`{"CIDR":"10.0.0.0/8"}`, ErrMissingASN},
		"missing cidr":  {`{"ASN":5}`, ErrMissingCIDR},
		"host bits":     {`{"CIDR":"10.0.0.1/8","ASN":5}`, ErrHostBits},
		"bad network":   {`{"CIDR":"10.0.0.300/8","ASN":5}`, nil},
		"asn overflow":  {`{"CIDR":"10.0.0.0/8","ASN":4294967296}`, nil},
		"negative asn":  {`{"CIDR":"10.0.0.0/8","ASN":-1}`, nil},
		"not an object": {`[1,2,3]`, nil},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			feed := `{"CIDR":"192.0.2.0/24","ASN":1}` + "\n" + tc.line + "\n" + `{"CIDR":"198.51.100.0/24","ASN":2}`

			_, _, err := ParseJSONL(strings.NewReader(feed), PolicyAbort)
			require.Error(t, err)
			var lineErr *LineError
			require.ErrorAs(t, err, &lineErr)
			assert.Equal(t, 2, lineErr.Line)
			if tc.want != nil {
				assert.ErrorIs(t, err, tc.want)
			}

			anns, report, err := ParseJSONL(strings.NewReader(feed), PolicySkip)
			require.NoError(t, err)
			assert.Len(t, anns, 2)
			assert.Equal(t, 1, report.Skipped)
		})
	}
}

func TestParsePolicyAndFormat(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyAbort, p)

	p, err = ParsePolicy(" SKIP ")
	require.NoError(t, err)
	assert.Equal(t, PolicySkip, p)

	_, err = ParsePolicy("ignore")
	require.Error(t, err)

	f, err := ParseFormat("MMDB")
	require.NoError(t, err)
	assert.Equal(t, FormatMMDB, f)

	_, err = ParseFormat("csv")
	require.Error(t, err)
}

func TestLoaderLoad(t *testing.T) {
	path := writeFeed(t, "table.jsonl", sampleFeed)
	l := New(path)

	tbl, report, err := l.Load(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, xxhash.Sum64String(sampleFeed), report.Fingerprint)
	assert.Equal(t, report.Fingerprint, tbl.Fingerprint)
	assert.Equal(t, path, tbl.Source)

	a := tbl.Lookup(netip.MustParseAddr("10.1.2.5"))
	assert.True(t, a.Found)
	assert.Equal(t, uint32(3), a.ASN)

	_, _, err = l.Load(context.Background(), report.Fingerprint)
	require.ErrorIs(t, err, ErrUnchanged)
}

func TestLoaderLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, _, err := New(filepath.Join(t.TempDir(), "absent.jsonl")).Load(context.Background(), 0)
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("malformed line aborts", func(t *testing.T) {
		path := writeFeed(t, "table.jsonl", sampleFeed+"garbage\n")
		_, _, err := New(path).Load(context.Background(), 0)
		var lineErr *LineError
		require.ErrorAs(t, err, &lineErr)
		assert.Equal(t, 8, lineErr.Line)
	})

	t.Run("malformed line skipped", func(t *testing.T) {
		path := writeFeed(t, "table.jsonl", sampleFeed+"garbage\n")
		l := New(path)
		l.Policy = PolicySkip
		tbl, report, err := l.Load(context.Background(), 0)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Skipped)
		assert.Equal(t, 4, tbl.Len())
	})

	t.Run("canceled context", func(t *testing.T) {
		path := writeFeed(t, "table.jsonl", sampleFeed)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, _, err := New(path).Load(ctx, 0)
		require.ErrorIs(t, err, context.Canceled)
	})

	t.Run("invalid mmdb", func(t *testing.T) {
		path := writeFeed(t, "asn.mmdb", "not a maxmind database")
		_, _, err := New(path).Load(context.Background(), 0)
		require.Error(t, err)
	})
}

func TestParseJSONLUnmapsIPv4MappedNetworks(t *testing.T) {
	feed := `{"CIDR":"::ffff:10.0.0.0/104","ASN":64500,"Hits":1}
{"CIDR":"10.0.0.0/8","ASN":64501,"Hits":9}
{"CIDR":"::ffff:192.0.2.0/120","ASN":64502}
`
	anns, report, err := ParseJSONL(strings.NewReader(feed), PolicyAbort)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Duplicates)
	assert.ElementsMatch(t, []table.Announcement{
		{Prefix: netip.MustParsePrefix("10.0.0.0/8"), ASN: 64501},
		{Prefix: netip.MustParsePrefix("192.0.2.0/24"), ASN: 64502},
	}, anns)
}

func TestLoaderValidate(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "table.jsonl"))

	good := writeFeed(t, ".table.jsonl-123", sampleFeed)
	require.NoError(t, l.Validate(good))

	bad := writeFeed(t, ".table.jsonl-456", sampleFeed+"garbage\n")
	var lineErr *LineError
	require.ErrorAs(t, l.Validate(bad), &lineErr)

	empty := writeFeed(t, ".table.jsonl-789", "# nothing yet\n")
	require.Error(t, l.Validate(empty))
}
