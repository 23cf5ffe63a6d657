// Package geolite resolves AS organisation names from a GeoLite2-ASN
// database. It only decorates lookup responses; attribution itself always
// comes from the table.
package geolite

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/oschwald/geoip2-golang"
)

var ErrNotLoaded = errors.New("geolite: asn database not loaded")

// Resolver is safe for concurrent use. A zero Resolver answers nothing.
type Resolver struct {
	mu     sync.RWMutex
	path   string
	reader *geoip2.Reader
}

// Open loads the database at path.
func Open(path string) (*Resolver, error) {
	r := &Resolver{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the database from disk. On failure the previous reader
// keeps serving.
func (r *Resolver) Reload() error {
	if r == nil || r.path == "" {
		return ErrNotLoaded
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("geolite: read %s: %w", r.path, err)
	}
	reader, err := geoip2.FromBytes(data)
	if err != nil {
		return fmt.Errorf("geolite: open %s: %w", r.path, err)
	}
	if dbType := reader.Metadata().DatabaseType; !strings.Contains(dbType, "ASN") {
		_ = reader.Close()
		return fmt.Errorf("geolite: %s is a %s database, not ASN", r.path, dbType)
	}

	r.mu.Lock()
	old := r.reader
	r.reader = reader
	r.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	log.Debug("GeoLite ASN database loaded", "path", r.path)
	return nil
}

// Organization returns the registered organisation for addr. The ASN stored
// in the database is returned too so callers can tell when it disagrees with
// the table's attribution.
func (r *Resolver) Organization(addr netip.Addr) (string, uint32, bool) {
	if r == nil || !addr.IsValid() {
		return "", 0, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.reader == nil {
		return "", 0, false
	}

	record, err := r.reader.ASN(net.IP(addr.Unmap().AsSlice()))
	if err != nil || record.AutonomousSystemOrganization == "" {
		return "", 0, false
	}
	return record.AutonomousSystemOrganization, uint32(record.AutonomousSystemNumber), true
}

func (r *Resolver) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reader == nil {
		return nil
	}
	err := r.reader.Close()
	r.reader = nil
	return err
}
