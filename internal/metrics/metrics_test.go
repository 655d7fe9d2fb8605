package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.Execution("BUY", "CONFIRMED")
	m.Execution("BUY", "CONFIRMED")
	m.Execution("SELL", "UNCERTAIN")
	m.ValidationFailure("weekly_cap")
	m.TransitionRetry("NAVIGATED")
	m.SetTradesUsed(12)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.executions.WithLabelValues("BUY", "CONFIRMED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.executions.WithLabelValues("SELL", "UNCERTAIN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.validationFailures.WithLabelValues("weekly_cap")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitionRetries.WithLabelValues("NAVIGATED")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.tradesUsed))
}

func TestSetRegime(t *testing.T) {
	m := New()
	all := []string{"NORMAL", "CAUTION", "SHOCK"}

	m.SetRegime("CAUTION", all)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.regime.WithLabelValues("CAUTION")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.regime.WithLabelValues("NORMAL")))

	m.SetRegime("SHOCK", all)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.regime.WithLabelValues("CAUTION")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.regime.WithLabelValues("SHOCK")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.SetTradesUsed(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "rebalancer_trades_used 3"), body)
}
