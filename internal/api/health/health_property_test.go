package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPinger struct {
	err error
}

func (m *mockPinger) Ping(ctx context.Context) error {
	return m.err
}

func probeResult(ok bool) ProbeFunc {
	return func(context.Context) error {
		if ok {
			return nil
		}
		return errors.New("probe failed")
	}
}

// **Feature: fleet, Property 9: Health reflects the worst critical component**
// For any combination of store health and optional probe health, the overall status is
// unhealthy iff the store fails, degraded iff only the optional probe fails, and healthy
// otherwise, and the HTTP status is 503 only when unhealthy.
func TestPropertyHealthAggregation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("overall status follows component criticality", prop.ForAll(
		func(version string, storeOK, leaderOK bool) bool {
			pinger := &mockPinger{}
			if !storeOK {
				pinger.err = errors.New("connection refused")
			}
			c := NewChecker(pinger, version)
			c.AddProbe("leader", probeResult(leaderOK), false)

			rr := httptest.NewRecorder()
			c.Handler()(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

			var resp Response
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				return false
			}
			if resp.Version != version || len(resp.Components) != 2 {
				return false
			}

			want := StatusHealthy
			switch {
			case !storeOK:
				want = StatusUnhealthy
			case !leaderOK:
				want = StatusDegraded
			}
			if resp.Status != want {
				return false
			}
			wantCode := http.StatusOK
			if want == StatusUnhealthy {
				wantCode = http.StatusServiceUnavailable
			}
			return rr.Code == wantCode
		},
		gen.RegexMatch(`v[0-9]+\.[0-9]+\.[0-9]+`),
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestNilPingerIsUnhealthy(t *testing.T) {
	resp := NewChecker(nil, "dev").Check(context.Background())
	require.Contains(t, resp.Components, "store")
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Equal(t, "not configured", resp.Components["store"].Message)
}
