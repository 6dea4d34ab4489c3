package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromCounters(t *testing.T) {
	p := NewProm("slm")

	p.IncValidation(OutcomeOK)
	p.IncValidation(OutcomeOK)
	p.IncValidation(OutcomeRejected)
	p.IncBinding("multi")
	p.AddExpired(3)
	p.AddExpired(0)
	p.IncCredentialRotation("consumer_key")
	p.ObserveRequest("GET", "/api/v1/check-license", 200, 5*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.validations.WithLabelValues(OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.validations.WithLabelValues(OutcomeRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.bindings.WithLabelValues("multi")))
	assert.Equal(t, 3.0, testutil.ToFloat64(p.expired))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.requests.WithLabelValues("GET", "/api/v1/check-license", "200")))
}

func TestPromHandlerExposesMetrics(t *testing.T) {
	p := NewProm("slm")
	p.IncValidation(OutcomeNotFound)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `slm_license_validations_total{outcome="not_found"} 1`))
}

func TestNoopSatisfiesInterface(t *testing.T) {
	var m Metrics = Noop{}
	m.IncValidation(OutcomeOK)
	m.ObserveRequest("GET", "/", 200, time.Second)
}
