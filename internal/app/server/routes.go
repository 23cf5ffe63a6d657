package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"ip2asn/internal/auth"
	"ip2asn/internal/domain"
	"ip2asn/internal/service"
	"ip2asn/internal/table"
)

const (
	readHeaderTimeout = 5 * time.Second
	idleTimeout       = 60 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// TableService is the part of *service.Service the routes need.
type TableService interface {
	Current() *table.Table
	Lookup(addr netip.Addr) table.Attribution
	Reload(ctx context.Context, reason string, force bool) (*service.ReloadOutcome, error)
}

type HistoryLister interface {
	ListTableLoads(ctx context.Context, limit int) ([]domain.TableLoad, error)
}

type OrgResolver interface {
	Organization(addr netip.Addr) (string, uint32, bool)
}

type Server struct {
	svc       TableService
	history   HistoryLister
	orgs      OrgResolver
	instances func(ctx context.Context) (int, error)
}

type Option func(*Server)

func WithHistory(h HistoryLister) Option {
	return func(s *Server) { s.history = h }
}

func WithOrgResolver(r OrgResolver) Option {
	return func(s *Server) { s.orgs = r }
}

// WithInstanceCounter reports the number of live instances in /api/v1/table.
func WithInstanceCounter(fn func(ctx context.Context) (int, error)) Option {
	return func(s *Server) { s.instances = fn }
}

func New(svc TableService, opts ...Option) *Server {
	s := &Server{svc: svc}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Expose-Headers", "X-Elapsed, X-Search-Cost, X-Table-Generation")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Routes returns the public API handler.
func (s *Server) Routes() http.Handler {
	router := http.NewServeMux()

	router.HandleFunc("GET /healthz", s.healthz)
	router.HandleFunc("GET /version", getVersion)

	router.HandleFunc("GET /api/v1/lookup/{addr...}", s.lookupJSON)
	router.HandleFunc("GET /api/v1/table", s.tableInfo)
	router.Handle("POST /api/v1/reload", auth.IsAdmin(http.HandlerFunc(s.reload)))
	router.Handle("GET /api/v1/reloads", auth.IsAdmin(http.HandlerFunc(s.listReloads)))

	// The bare path is the plain-text lookup. Addresses with a prefix
	// length arrive as two segments, hence the wildcard.
	router.HandleFunc("GET /{addr...}", s.lookupPlain)

	return enableCORS(router)
}

// Serve runs the API on addr until ctx is done. maxConns > 0 caps the number
// of simultaneously accepted connections.
func (s *Server) Serve(ctx context.Context, addr string, maxConns int) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api server listen: %w", err)
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}

	log.Info("Starting ip2asn api", "addr", ln.Addr().String(), "max_connections", maxConns)
	return serveUntilDone(ctx, &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}, ln)
}

// ServeMetrics exposes the prometheus registry on its own listener.
func ServeMetrics(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics server listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	log.Info("Starting metrics server", "addr", ln.Addr().String())
	return serveUntilDone(ctx, &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}, ln)
}

func serveUntilDone(ctx context.Context, srv *http.Server, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown %s: %w", ln.Addr(), err)
	}
	return nil
}
