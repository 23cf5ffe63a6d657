package loader

import (
	"fmt"

	"github.com/oschwald/maxminddb-golang"
	"go4.org/netipx"

	"ip2asn/internal/table"
)

type asnRecord struct {
	AutonomousSystemNumber uint32 `maxminddb:"autonomous_system_number"`
}

// ParseMMDB extracts announcements from a GeoLite2-ASN compatible database.
// Networks without an ASN are counted as skipped. IPv4 networks aliased
// into the IPv6 tree are not repeated.
func ParseMMDB(data []byte) ([]table.Announcement, Report, error) {
	var report Report

	db, err := maxminddb.FromBytes(data)
	if err != nil {
		return nil, report, fmt.Errorf("open mmdb: %w", err)
	}
	defer db.Close()

	var anns []table.Announcement
	networks := db.Networks(maxminddb.SkipAliasedNetworks)
	for networks.Next() {
		report.Lines++

		var rec asnRecord
		subnet, err := networks.Network(&rec)
		if err != nil {
			return nil, report, fmt.Errorf("decode mmdb record: %w", err)
		}
		if rec.AutonomousSystemNumber == 0 {
			report.Skipped++
			continue
		}

		prefix, ok := netipx.FromStdIPNet(subnet)
		if !ok {
			report.Skipped++
			continue
		}
		report.Records++
		anns = append(anns, table.Announcement{Prefix: table.CanonicalPrefix(prefix), ASN: rec.AutonomousSystemNumber})
	}
	if err := networks.Err(); err != nil {
		return nil, report, fmt.Errorf("walk mmdb networks: %w", err)
	}

	return anns, report, nil
}
