package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "taskbeat/pkg/logx"
)

func newTestServer(token string, healthy bool) *Server {
	sources := []Source{
		{Name: "worker", Get: func(context.Context) (any, error) { return map[string]int{"in_flight": 2}, nil }},
		{Name: "broker", Get: func(context.Context) (any, error) { return nil, errors.New("redis down") }},
	}
	checkers := []Checker{{Name: "store", Check: func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("database is locked")
	}}}
	return New(Config{Token: token}, logx.Nop(), sources, checkers)
}

func TestStatusDocument(t *testing.T) {
	srv := httptest.NewServer(newTestServer("", true).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc map[string]map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.EqualValues(t, 2, doc["worker"]["in_flight"])
	assert.Equal(t, "redis down", doc["broker"]["error"])
}

func TestHealthz(t *testing.T) {
	for name, tc := range map[string]struct {
		healthy bool
		code    int
	}{
		"ok":   {true, http.StatusOK},
		"down": {false, http.StatusServiceUnavailable},
	} {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			newTestServer("", tc.healthy).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			assert.Equal(t, tc.code, rec.Code)
		})
	}
}

func TestTokenAuth(t *testing.T) {
	h := newTestServer("s3cret", true).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status?token=wrong", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/?token=s3cret", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCheckBind(t *testing.T) {
	assert.NoError(t, Config{Addr: "127.0.0.1:0"}.CheckBind())
	assert.NoError(t, Config{Addr: "localhost:6060"}.CheckBind())
	assert.Error(t, Config{Addr: ":6060"}.CheckBind())
	assert.Error(t, Config{Addr: "10.0.0.5:6060"}.CheckBind())
	assert.NoError(t, Config{Addr: ":6060", Token: "t"}.CheckBind())
	assert.NoError(t, Config{Addr: ":6060", AllowInsecure: true}.CheckBind())
}

func TestStartServesAndStops(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0"}, logx.Nop(), nil, nil)
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
