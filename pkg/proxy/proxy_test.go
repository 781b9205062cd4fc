package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeDeployment_NotRunningReturns503(t *testing.T) {
	p := New(NewRouteTable(), DefaultConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, "/p/missing-dep/foo", nil)
	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "DeploymentNotRunning")
}

func TestServeDeployment_ForwardsToUpstreamAndStripsHopByHop(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/echo", r.URL.Path)
		assert.Empty(t, r.Header.Get("Connection"))
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	table := NewRouteTable()
	table.Set("dep-1", upstream.Listener.Addr().String())
	p := New(table, DefaultConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, "/p/dep-1/echo", nil)
	req.Header.Set("Connection", "close")
	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Empty(t, rec.Header().Get("Connection"))
	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))
}

func TestServeDeployment_ConcurrencyCapReturns429(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	table := NewRouteTable()
	table.Set("dep-1", upstream.Listener.Addr().String())
	cfg := DefaultConfig()
	cfg.MaxConcurrentPerDeploy = 1
	p := New(table, cfg, nil)

	done := make(chan int, 1)
	go func() {
		req := httptest.NewRequest(http.MethodGet, "/p/dep-1/slow", nil)
		rec := httptest.NewRecorder()
		p.Handler().ServeHTTP(rec, req)
		done <- rec.Code
	}()

	time.Sleep(50 * time.Millisecond)

	req2 := httptest.NewRequest(http.MethodGet, "/p/dep-1/slow", nil)
	rec2 := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusTooManyRequests, rec2.Code)

	close(release)
	firstCode := <-done
	assert.Equal(t, http.StatusOK, firstCode)
}
