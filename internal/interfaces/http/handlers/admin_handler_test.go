package handlers

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"kms-core.backend/internal/domain/entities"
	domainerrors "kms-core.backend/internal/domain/errors"
)

type cacheAdminStub struct {
	cleared     bool
	reset       bool
	invalidated []string
	err         error
}

func (s *cacheAdminStub) GetCacheStats(context.Context) entities.CacheStats {
	return entities.CacheStats{Hits: 9, Misses: 1, HitRate: 90, CachedKeys: 4}
}

func (s *cacheAdminStub) ResetCacheStats(context.Context) error {
	s.reset = true
	return s.err
}

func (s *cacheAdminStub) ClearCache(context.Context) error {
	s.cleared = true
	return s.err
}

func (s *cacheAdminStub) InvalidateTenantKeys(_ context.Context, tenantID string) error {
	s.invalidated = append(s.invalidated, tenantID)
	return s.err
}

type sweeperStub struct {
	report *entities.RotationReport
	err    error
}

func (s *sweeperStub) CheckAndRotateExpiredKeys(context.Context) (*entities.RotationReport, error) {
	return s.report, s.err
}

func (s *sweeperStub) GetRotationStats(_ context.Context, tenantID string) (*entities.RotationStats, error) {
	if tenantID != "" {
		return nil, errors.New("expected global stats")
	}
	return &entities.RotationStats{TotalScheduled: 5}, nil
}

type keyCounterStub struct{ tenants []string }

func (s *keyCounterStub) CountKeysByStatus(_ context.Context, tenantID string) (map[entities.KeyStatus]int64, error) {
	s.tenants = append(s.tenants, tenantID)
	return map[entities.KeyStatus]int64{entities.KeyStatusDeprecated: 3}, nil
}

func newAdminRouter(h *AdminHandler) http.Handler {
	r := newRouter()
	r.GET("/admin/cache/stats", h.CacheStats)
	r.POST("/admin/cache/stats/reset", h.ResetCacheStats)
	r.DELETE("/admin/cache", h.ClearCache)
	r.DELETE("/tenants/:tenantId/cache", h.InvalidateTenantCache)
	r.POST("/admin/rotation/sweep", h.RunRotationSweep)
	r.GET("/admin/rotation/stats", h.RotationStats)
	r.GET("/admin/keys/stats", h.KeyStats)
	return r
}

func TestAdminHandler_Cache(t *testing.T) {
	cache := &cacheAdminStub{}
	r := newAdminRouter(&AdminHandler{cache: cache, rotation: &sweeperStub{}, keys: &keyCounterStub{}})

	w := doRequest(r, http.MethodGet, "/admin/cache/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(90), decode(t, w)["hitRate"])

	assert.Equal(t, http.StatusNoContent, doRequest(r, http.MethodPost, "/admin/cache/stats/reset", nil).Code)
	assert.True(t, cache.reset)
	assert.Equal(t, http.StatusNoContent, doRequest(r, http.MethodDelete, "/admin/cache", nil).Code)
	assert.True(t, cache.cleared)
	assert.Equal(t, http.StatusNoContent, doRequest(r, http.MethodDelete, "/tenants/acme/cache", nil).Code)
	assert.Equal(t, []string{"acme"}, cache.invalidated)

	cache.err = domainerrors.CacheError("redis unavailable", errors.New("dial tcp"))
	w = doRequest(r, http.MethodDelete, "/admin/cache", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotContains(t, w.Body.String(), "dial tcp")
}

func TestAdminHandler_RotationSweep(t *testing.T) {
	cases := []struct {
		name   string
		stub   *sweeperStub
		status int
	}{
		{"clean", &sweeperStub{report: &entities.RotationReport{RotatedKeys: []string{"k1"}, FailedKeys: []string{}, TotalProcessed: 1}}, http.StatusOK},
		{"partial", &sweeperStub{
			report: &entities.RotationReport{RotatedKeys: []string{"k1"}, FailedKeys: []string{"k2"}, TotalProcessed: 2},
			err:    errors.New("rotate acme/k2: boom"),
		}, http.StatusMultiStatus},
		{"skipped", &sweeperStub{report: &entities.RotationReport{Skipped: true}}, http.StatusConflict},
		{"no rotator", &sweeperStub{
			report: &entities.RotationReport{},
			err:    domainerrors.RotationFailed("no key rotator configured", "", "", nil),
		}, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newAdminRouter(&AdminHandler{cache: &cacheAdminStub{}, rotation: tc.stub, keys: &keyCounterStub{}})
			w := doRequest(r, http.MethodPost, "/admin/rotation/sweep", nil)
			assert.Equal(t, tc.status, w.Code, w.Body.String())
		})
	}
}

func TestAdminHandler_GlobalStats(t *testing.T) {
	keys := &keyCounterStub{}
	r := newAdminRouter(&AdminHandler{cache: &cacheAdminStub{}, rotation: &sweeperStub{}, keys: keys})

	w := doRequest(r, http.MethodGet, "/admin/rotation/stats", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(5), decode(t, w)["totalScheduled"])

	w = doRequest(r, http.MethodGet, "/admin/keys/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{""}, keys.tenants)
}
