package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Decision("tokens", "none")
	m.Decision("tokens", "none")
	m.Decision("", "quota_exhausted")
	m.Provisioned(ProvisionCreated)
	m.UpstreamFailure("timeout")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.decisions.WithLabelValues("tokens", "none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisions.WithLabelValues("", "quota_exhausted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.provision.WithLabelValues(ProvisionCreated)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.upstream.WithLabelValues("timeout")))
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.Provisioned(ProvisionRejected)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `gened_provision_total{outcome="rejected"} 1`)
}
