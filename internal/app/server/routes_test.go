package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ip2asn/internal/auth"
	"ip2asn/internal/domain"
	"ip2asn/internal/loader"
	"ip2asn/internal/service"
	"ip2asn/internal/table"
)

type stubLoader struct {
	err error
}

func (l *stubLoader) Load(context.Context, uint64) (*table.Table, loader.Report, error) {
	if l.err != nil {
		return nil, loader.Report{}, l.err
	}
	tbl, err := scenarioTable()
	return tbl, loader.Report{Records: 4, Fingerprint: 99}, err
}

func (l *stubLoader) Source() string { return "stub" }

type stubOrgs struct{}

func (stubOrgs) Organization(netip.Addr) (string, uint32, bool) {
	return "Example Networks", 3, true
}

type stubHistory struct {
	limit int
}

func (h *stubHistory) ListTableLoads(_ context.Context, limit int) ([]domain.TableLoad, error) {
	h.limit = limit
	return []domain.TableLoad{{ID: 1, Status: domain.TableLoadPublished, Generation: 1}}, nil
}

func scenarioTable() (*table.Table, error) {
	return table.Build([]table.Announcement{
		{Prefix: netip.MustParsePrefix("10.0.0.0/8"), ASN: 1},
		{Prefix: netip.MustParsePrefix("10.1.0.0/16"), ASN: 2},
		{Prefix: netip.MustParsePrefix("10.1.2.0/24"), ASN: 3},
		{Prefix: netip.MustParsePrefix("2001:db8::/32"), ASN: 4},
	}, table.WithSource("stub"), table.WithFingerprint(99))
}

func newTestServer(t *testing.T, l *stubLoader, opts ...Option) (*service.Service, http.Handler) {
	t.Helper()
	svc := service.New(l)
	_, err := svc.Reload(context.Background(), "startup", false)
	require.NoError(t, err)
	return svc, New(svc, opts...).Routes()
}

func do(t *testing.T, h http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPlainLookup(t *testing.T) {
	_, h := newTestServer(t, &stubLoader{})

	cases := []struct {
		path   string
		status int
		body   string
	}{
		{"/10.1.2.5", http.StatusOK, "3"},
		{"/10.1.3.5", http.StatusOK, "2"},
		{"/10.2.0.0", http.StatusOK, "1"},
		{"/11.0.0.0", http.StatusNotFound, ""},
		{"/2001:db8::1", http.StatusOK, "4"},
		{"/::ffff:10.1.2.5", http.StatusOK, "3"},
		{"/10.1.2.0/24", http.StatusOK, "3"},
		{"/not-an-ip", http.StatusBadRequest, "invalid address\n"},
	}

	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, tc.path, nil)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.body, rec.Body.String())
			if tc.status != http.StatusBadRequest {
				assert.NotEmpty(t, rec.Header().Get("X-Search-Cost"))
				assert.Regexp(t, `^\d+\.\d{3}µs$`, rec.Header().Get("X-Elapsed"))
				assert.Equal(t, "1", rec.Header().Get("X-Table-Generation"))
			}
		})
	}
}

func TestJSONLookup(t *testing.T) {
	_, h := newTestServer(t, &stubLoader{}, WithOrgResolver(stubOrgs{}))

	rec := do(t, h, http.MethodGet, "/api/v1/lookup/10.1.2.5", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp lookupResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Found)
	assert.Equal(t, uint32(3), resp.ASN)
	assert.Equal(t, "10.1.2.0/24", resp.Prefix)
	assert.Equal(t, "Example Networks", resp.ASOrg)
	assert.Equal(t, uint64(1), resp.Generation)
	assert.Positive(t, resp.SearchCost)

	// the resolver knows AS3 only, so the /8 answer from AS1 gets no name
	rec = do(t, h, http.MethodGet, "/api/v1/lookup/10.2.0.0", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = lookupResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, uint32(1), resp.ASN)
	assert.Empty(t, resp.ASOrg)

	rec = do(t, h, http.MethodGet, "/api/v1/lookup/192.0.2.1", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	resp = lookupResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Found)
	assert.Empty(t, resp.ASOrg)

	rec = do(t, h, http.MethodGet, "/api/v1/lookup/garbage", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid address")
}

func TestTableInfoAndHealth(t *testing.T) {
	_, h := newTestServer(t, &stubLoader{}, WithInstanceCounter(func(context.Context) (int, error) { return 3, nil }))

	rec := do(t, h, http.MethodGet, "/api/v1/table", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp tableResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, uint64(1), resp.Generation)
	assert.Equal(t, "stub", resp.Source)
	assert.Equal(t, "0000000000000063", resp.Fingerprint)
	assert.Equal(t, 3, resp.Stats.IPv4Networks)
	assert.Equal(t, 1, resp.Stats.IPv6Networks)
	require.NotNil(t, resp.Instances)
	assert.Equal(t, 3, *resp.Instances)

	rec = do(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/version", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "buildVersion")
}

func TestHealthzBeforeFirstLoad(t *testing.T) {
	h := New(service.New(&stubLoader{})).Routes()
	rec := do(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReloadEndpoint(t *testing.T) {
	auth.SetSecret("route-secret")
	t.Cleanup(func() { auth.SetSecret("") })

	l := &stubLoader{}
	svc, h := newTestServer(t, l)

	token, err := auth.IssueToken("ops", auth.RoleAdmin, time.Hour)
	require.NoError(t, err)
	bearer := http.Header{"Authorization": {"Bearer " + token}}

	rec := do(t, h, http.MethodPost, "/api/v1/reload", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/reload?force=1", bearer)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp reloadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, domain.TableLoadPublished, resp.Status)
	assert.Equal(t, uint64(2), resp.Generation)
	assert.Equal(t, 4, resp.Records)

	l.err = errors.New("line 1: broken")
	rec = do(t, h, http.MethodPost, "/api/v1/reload?force=true", bearer)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "broken"))
	assert.Equal(t, uint64(2), svc.Current().Generation, "failed reload must keep the published table")

	rec = do(t, h, http.MethodGet, "/10.1.2.5", nil)
	assert.Equal(t, "3", rec.Body.String())
}

func TestListReloads(t *testing.T) {
	auth.SetSecret("route-secret")
	t.Cleanup(func() { auth.SetSecret("") })

	token, err := auth.IssueToken("ops", auth.RoleAdmin, time.Hour)
	require.NoError(t, err)
	bearer := http.Header{"Authorization": {"Bearer " + token}}

	_, withoutHistory := newTestServer(t, &stubLoader{})
	rec := do(t, withoutHistory, http.MethodGet, "/api/v1/reloads", bearer)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	history := &stubHistory{}
	_, h := newTestServer(t, &stubLoader{}, WithHistory(history))

	rec = do(t, h, http.MethodGet, "/api/v1/reloads?limit=5", bearer)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, history.limit)

	var loads []domain.TableLoad
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &loads))
	require.Len(t, loads, 1)

	rec = do(t, h, http.MethodGet, "/api/v1/reloads?limit=-1", bearer)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	_, h := newTestServer(t, &stubLoader{})
	rec := do(t, h, http.MethodOptions, "/api/v1/reload", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServeShutsDownOnCancel(t *testing.T) {
	svc := service.New(&stubLoader{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(svc).Serve(ctx, "127.0.0.1:0", 4) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestFormatElapsed(t *testing.T) {
	assert.Equal(t, "0.412µs", formatElapsed(412*time.Nanosecond))
	assert.Equal(t, "12.005µs", formatElapsed(12005*time.Nanosecond))
}
