package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionCheck(t *testing.T) {
	tests := []struct {
		name         string
		alive, ready bool
		want         Status
	}{
		{"ready", true, true, StatusHealthy},
		{"unready", true, false, StatusDegraded},
		{"dead", false, false, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := SessionCheck(func() (bool, bool) { return tt.alive, tt.ready })
			assert.Equal(t, tt.want, check(context.Background()).Status)
		})
	}
}

func TestOverallStatus(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc(ComponentSession, true, SessionCheck(func() (bool, bool) { return true, false }))
	c.RegisterFunc(ComponentStore, true, DatabaseCheck(func(context.Context) error { return nil }))

	assert.Equal(t, StatusUnknown, c.OverallStatus())

	c.Check(context.Background())
	assert.Equal(t, StatusDegraded, c.OverallStatus())

	c.RegisterFunc(ComponentStore, true, DatabaseCheck(func(context.Context) error { return errors.New("locked") }))
	c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, c.OverallStatus())
}

func TestUnregisterDropsComponentFromStatus(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc(ComponentStore, true, DatabaseCheck(func(context.Context) error { return nil }))
	c.RegisterFunc(ComponentSession, false, SessionCheck(func() (bool, bool) { return false, false }))
	c.Check(context.Background())
	assert.Equal(t, StatusDegraded, c.OverallStatus())

	c.Unregister(ComponentSession)
	assert.Equal(t, StatusHealthy, c.OverallStatus())
	assert.NotContains(t, c.Check(context.Background()), ComponentSession)
}

func TestCheckRecoversPanicsAndTimeouts(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("panics", false, func(context.Context) CheckResult { panic("boom") })
	c.Register(&Component{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			time.Sleep(time.Second)
			return CheckResult{Status: StatusHealthy}
		},
	})

	results := c.Check(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, StatusUnhealthy, results["panics"].Status)
	assert.Equal(t, "check panicked", results["panics"].Message)
	assert.Equal(t, "check timed out", results["slow"].Message)
}

func TestHTTPHandlers(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc(ComponentSession, true, SessionCheck(func() (bool, bool) { return false, false }))
	mux := c.Mux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	c.SetReady(true)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz?full=true", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), ComponentSession)
}
