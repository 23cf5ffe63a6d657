// Package service holds the published attribution table and coordinates
// reloads. Readers load the current table through an atomic pointer and never
// block; a reload builds a complete new generation before swapping it in.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"ip2asn/internal/domain"
	"ip2asn/internal/loader"
	"ip2asn/internal/table"
)

const historyTimeout = 5 * time.Second

// Loader produces a fresh table. current is the fingerprint of the table
// being served, or 0 to force a rebuild; implementations return
// loader.ErrUnchanged when the source still has that fingerprint.
type Loader interface {
	Load(ctx context.Context, current uint64) (*table.Table, loader.Report, error)
	Source() string
}

// HistoryRecorder persists reload attempts.
type HistoryRecorder interface {
	RecordTableLoad(ctx context.Context, rec *domain.TableLoad) error
}

// ReloadOutcome describes a finished reload.
type ReloadOutcome struct {
	Reason     string        `json:"reason"`
	Status     string        `json:"status"`
	Generation uint64        `json:"generation"`
	Stats      table.Stats   `json:"stats"`
	Report     loader.Report `json:"-"`
	Duration   time.Duration `json:"duration"`
}

type Service struct {
	loader   Loader
	history  HistoryRecorder
	instance string

	current    atomic.Pointer[table.Table]
	generation atomic.Uint64
	publishMu  sync.Mutex
	reloads    singleflight.Group
}

type Option func(*Service)

// WithHistory records every reload attempt.
func WithHistory(h HistoryRecorder) Option {
	return func(s *Service) {
		s.history = h
	}
}

// WithInstance names this process in reload history.
func WithInstance(id string) Option {
	return func(s *Service) {
		s.instance = id
	}
}

// New returns a service serving an empty table until the first publish.
func New(l Loader, opts ...Option) *Service {
	s := &Service{loader: l}
	for _, opt := range opts {
		opt(s)
	}
	s.current.Store(table.Empty())
	return s
}

// Current returns the most recently published table. The returned table stays
// valid for as long as the caller holds it, even across later publishes.
func (s *Service) Current() *table.Table {
	return s.current.Load()
}

// Lookup attributes addr against the current table.
func (s *Service) Lookup(addr netip.Addr) table.Attribution {
	a := s.Current().Lookup(addr)
	observeLookup(a)
	return a
}

// Publish makes t the current table under the next generation number and
// returns the published copy.
func (s *Service) Publish(t *table.Table) *table.Table {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	published := t.WithGenerationNumber(s.generation.Add(1))
	s.current.Store(published)
	observeTable(published)
	return published
}

// Reload loads a new generation and publishes it. Concurrent calls with the
// same force flag share a single build, which runs to completion even when the
// caller that started it goes away; a caller whose ctx ends first gets
// ctx.Err(). When the build fails the current table keeps serving and the
// error is returned. Unless force is set, a source whose content has not
// changed since the last publish is not rebuilt.
func (s *Service) Reload(ctx context.Context, reason string, force bool) (*ReloadOutcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	key := "reload"
	if force {
		key = "reload-forced"
	}
	buildCtx := context.WithoutCancel(ctx)
	ch := s.reloads.DoChan(key, func() (interface{}, error) {
		return s.doReload(buildCtx, reason, force)
	})

	select {
	case res := <-ch:
		if res.Shared {
			log.Debug("Table reload coalesced", "reason", reason, "forced", force)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		outcome, _ := res.Val.(*ReloadOutcome)
		return outcome, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) doReload(ctx context.Context, reason string, force bool) (*ReloadOutcome, error) {
	start := time.Now()

	var fingerprint uint64
	if !force {
		fingerprint = s.Current().Fingerprint
	}

	tbl, report, err := s.loader.Load(ctx, fingerprint)
	outcome := &ReloadOutcome{Reason: reason, Report: report}

	switch {
	case errors.Is(err, loader.ErrUnchanged):
		current := s.Current()
		outcome.Status = domain.TableLoadUnchanged
		outcome.Generation = current.Generation
		outcome.Stats = current.Stats()
		outcome.Duration = time.Since(start)
		reloadsTotal.WithLabelValues(domain.TableLoadUnchanged).Inc()
		log.Debug("Table unchanged, reload skipped", "reason", reason, "generation", current.Generation)
		s.record(ctx, outcome, nil)
		return outcome, nil

	case err != nil:
		current := s.Current()
		outcome.Status = domain.TableLoadFailed
		outcome.Generation = current.Generation
		outcome.Stats = current.Stats()
		outcome.Duration = time.Since(start)
		reloadsTotal.WithLabelValues(domain.TableLoadFailed).Inc()
		log.Error("Table reload failed, keeping current table",
			"reason", reason,
			"source", s.loader.Source(),
			"generation", current.Generation,
			"error", err,
		)
		s.record(ctx, outcome, err)
		return nil, fmt.Errorf("reload table: %w", err)
	}

	published := s.Publish(tbl)
	outcome.Status = domain.TableLoadPublished
	outcome.Generation = published.Generation
	outcome.Stats = published.Stats()
	outcome.Duration = time.Since(start)

	reloadsTotal.WithLabelValues(domain.TableLoadPublished).Inc()
	reloadDuration.Observe(outcome.Duration.Seconds())

	log.Info("Table reloaded",
		"reason", reason,
		"generation", published.Generation,
		"ipv4", outcome.Stats.IPv4Networks,
		"ipv6", outcome.Stats.IPv6Networks,
		"duplicates", report.Duplicates,
		"skipped", report.Skipped,
		"duration", outcome.Duration,
	)
	s.record(ctx, outcome, nil)
	return outcome, nil
}

func (s *Service) record(ctx context.Context, outcome *ReloadOutcome, loadErr error) {
	if s.history == nil {
		return
	}

	rec := &domain.TableLoad{
		Generation:   outcome.Generation,
		Instance:     s.instance,
		Reason:       outcome.Reason,
		Source:       s.loader.Source(),
		Status:       outcome.Status,
		IPv4Networks: outcome.Stats.IPv4Networks,
		IPv6Networks: outcome.Stats.IPv6Networks,
		Records:      outcome.Report.Records,
		Duplicates:   outcome.Report.Duplicates,
		Skipped:      outcome.Report.Skipped,
		Fingerprint:  fmt.Sprintf("%016x", outcome.Report.Fingerprint),
		DurationMs:   outcome.Duration.Milliseconds(),
	}
	if loadErr != nil {
		rec.Error = loadErr.Error()
	}

	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
	defer cancel()

	if err := s.history.RecordTableLoad(opCtx, rec); err != nil {
		log.Warn("Failed to record table load", "status", rec.Status, "error", err)
	}
}
