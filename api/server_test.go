package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/backstage/plm/config"
	"example.com/backstage/plm/domain"
	"example.com/backstage/plm/eventstore"
	"example.com/backstage/plm/export"
	"example.com/backstage/plm/handlers"
	"example.com/backstage/plm/internal/lock"
	"example.com/backstage/plm/internal/metrics"
)

const engineerRoles = "Mechanical Engineer"

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T, auth config.AuthConfig) *Server {
	t.Helper()
	store := eventstore.NewMemoryStore()
	locker := lock.NewLocalLocker()
	m := metrics.NewMetrics()
	lifecycle := handlers.NewLifecycleHandler(store, locker, handlers.WithMetrics(m))

	cfg := config.Config{Auth: auth}
	cfg.Server.MetricsEnabled = true
	return NewServer(cfg, Handlers{
		Lifecycle:  lifecycle,
		Queries:    handlers.NewQueryHandler(store, lifecycle.Capabilities()),
		WorkOrders: handlers.NewWorkOrderHandler(store, locker, nil, m),
		ECNs:       handlers.NewECNHandler(store),
	}, m, nil)
}

func do(t *testing.T, s *Server, method, path string, body interface{}, roles string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(userHeader, "eng@example.com")
	req.Header.Set(rolesHeader, roles)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func registerBOM(t *testing.T, s *Server, name string) {
	t.Helper()
	body := map[string]interface{}{
		"identity": name,
		"data": map[string]interface{}{
			"schema": "plm.bom/v1",
			"bom": map[string]interface{}{
				"item":     "FG-1",
				"quantity": "1",
				"items":    []map[string]interface{}{{"item_code": "RM-1", "qty": "2"}},
			},
		},
	}
	w := do(t, s, http.MethodPost, "/api/v1/bom", body, engineerRoles)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func createECN(t *testing.T, s *Server) string {
	t.Helper()
	w := do(t, s, http.MethodPost, "/api/v1/ecns", map[string]string{"title": "T", "change_reason": "R"}, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var ecn domain.ECN
	decode(t, w, &ecn)
	return ecn.Name
}

func TestServer_Ping(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})
	w := do(t, s, http.MethodGet, "/ping", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", w.Body.String())
}

func TestServer_LifecycleFlow(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})
	registerBOM(t, s, "BOM-1")
	first, second := createECN(t, s), createECN(t, s)

	w := do(t, s, http.MethodPost, "/api/v1/bom/BOM-1/publish", map[string]string{"ecn": first}, engineerRoles)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res domain.Result
	decode(t, w, &res)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Version)
	assert.Equal(t, domain.StatusPublished, res.Status)

	w = do(t, s, http.MethodPost, "/api/v1/bom/BOM-1/block", map[string]string{"ecn": second}, engineerRoles)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodPost, "/api/v1/bom/BOM-1/unblock", nil, engineerRoles)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &res)
	assert.Equal(t, domain.StatusPublished, res.Status)

	w = do(t, s, http.MethodGet, "/api/v1/bom/BOM-1/history", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var history []handlers.HistoryEntry
	decode(t, w, &history)
	require.Len(t, history, 1)
	assert.Equal(t, first, history[0].ECN)

	w = do(t, s, http.MethodGet, "/api/v1/versions/bom/BOM-1-v1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	// a version that does not exist reads as an empty object
	w = do(t, s, http.MethodGet, "/api/v1/bom/BOM-1/versions/4", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{}`, w.Body.String())
	w = do(t, s, http.MethodGet, "/api/v1/versions/bom/BOM-1-v4", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{}`, w.Body.String())

	w = do(t, s, http.MethodGet, "/api/v1/bom/BOM-1/compare?v1=1&v2=1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var cmp handlers.Comparison
	decode(t, w, &cmp)
	assert.Empty(t, cmp.Fields)

	w = do(t, s, http.MethodGet, "/api/v1/bom/BOM-1/versions/1/export", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, export.ContentType, w.Header().Get("Content-Type"))
}

func TestServer_ErrorMapping(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})
	registerBOM(t, s, "BOM-1")

	cases := []struct {
		name   string
		method string
		path   string
		body   interface{}
		roles  string
		status int
		code   domain.ErrorCode
	}{
		{"missing ecn", http.MethodPost, "/api/v1/bom/BOM-1/publish", map[string]string{}, engineerRoles, http.StatusBadRequest, domain.CodeValidation},
		{"no capability", http.MethodPost, "/api/v1/bom/BOM-1/publish", map[string]string{"ecn": "E"}, "Employee", http.StatusForbidden, domain.CodePermission},
		{"unknown entity", http.MethodPost, "/api/v1/bom/BOM-9/publish", map[string]string{"ecn": "E"}, engineerRoles, http.StatusNotFound, domain.CodeNotFound},
		{"unknown kind", http.MethodGet, "/api/v1/part/X/history", nil, "", http.StatusBadRequest, domain.CodeValidation},
		{"unregistered ecn", http.MethodPost, "/api/v1/bom/BOM-1/publish", map[string]string{"ecn": "E"}, engineerRoles, http.StatusBadRequest, domain.CodeValidation},
		{"export missing version", http.MethodGet, "/api/v1/bom/BOM-1/versions/4/export", nil, "", http.StatusNotFound, domain.CodeNotFound},
		{"stale version", http.MethodPost, "/api/v1/bom/BOM-1/draft", map[string]interface{}{"ecn": "E", "expected_version": 3}, engineerRoles, http.StatusConflict, domain.CodeConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, s, tc.method, tc.path, tc.body, tc.roles)
			assert.Equal(t, tc.status, w.Code, w.Body.String())
			var res domain.Result
			decode(t, w, &res)
			assert.False(t, res.Success)
			assert.Equal(t, tc.code, res.Code)
		})
	}
}

func TestServer_WorkOrderPin(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})
	registerBOM(t, s, "BOM-1")
	ecn := createECN(t, s)
	do(t, s, http.MethodPost, "/api/v1/bom/BOM-1/publish", map[string]string{"ecn": ecn}, engineerRoles)

	w := do(t, s, http.MethodPost, "/api/v1/work-orders", map[string]string{"id": "WO-1", "bom": "BOM-1"}, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	do(t, s, http.MethodPost, "/api/v1/bom/BOM-1/publish", map[string]string{"ecn": ecn}, engineerRoles)

	w = do(t, s, http.MethodGet, "/api/v1/work-orders/WO-1/bom-status", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var ps domain.PinStatus
	decode(t, w, &ps)
	assert.Equal(t, 1, ps.PinnedVersion)
	assert.Equal(t, 2, ps.CurrentBOMVersion)
	assert.True(t, ps.NewerAvailable)

	w = do(t, s, http.MethodDelete, "/api/v1/bom/BOM-1", nil, engineerRoles)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestServer_ECN(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})

	w := do(t, s, http.MethodPost, "/api/v1/ecns", map[string]string{"title": "T", "change_reason": "R"}, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var ecn domain.ECN
	decode(t, w, &ecn)
	assert.Equal(t, "ECN000001", ecn.Name)

	w = do(t, s, http.MethodGet, "/api/v1/ecns/ECN000001/versions", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var linked domain.LinkedVersions
	decode(t, w, &linked)
	assert.Empty(t, linked.BOMVersions)
}

func TestServer_JWTAuth(t *testing.T) {
	auth := config.AuthConfig{Enabled: true, JWTSecret: "test-secret", Issuer: "plm"}
	s := newTestServer(t, auth)

	w := do(t, s, http.MethodGet, "/api/v1/bom/BOM-1/history", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := NewAuthenticator(auth).IssueToken(domain.Actor{ID: "eng", Roles: []string{engineerRoles}}, time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/bom/BOM-1/history", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	other, err := NewAuthenticator(config.AuthConfig{JWTSecret: "other", Issuer: "plm"}).IssueToken(domain.Actor{ID: "eng"}, time.Minute)
	require.NoError(t, err)
	_, err = NewAuthenticator(auth).Parse(other)
	assert.Error(t, err)
}

func TestServer_Metrics(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})
	do(t, s, http.MethodGet, "/ping", nil, "")

	w := do(t, s, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "plm_http_requests_total")
}

func TestServer_ShutdownBeforeStart(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Address = "127.0.0.1:0"
	s := NewServer(cfg, Handlers{}, nil, nil)

	require.NoError(t, s.Shutdown(context.Background()))

	done := make(chan error, 1)
	go func() { done <- s.Start() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
}

func TestServer_ConcurrentStartAndShutdown(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Address = "127.0.0.1:0"
	s := NewServer(cfg, Handlers{}, nil, nil)

	done := make(chan error, 1)
	go func() { done <- s.Start() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.Eventually(t, func() bool {
		return s.Shutdown(ctx) == nil && len(done) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, <-done)
}
