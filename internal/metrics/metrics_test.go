package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector_ConfigGauges(t *testing.T) {
	c := NewCollector(1200*time.Millisecond, 15, 0.0007, 180*time.Second)

	assert.Equal(t, 1.2, testutil.ToFloat64(c.TickInterval))
	assert.Equal(t, 15.0, testutil.ToFloat64(c.InterpolationSteps))
	assert.Equal(t, 0.0007, testutil.ToFloat64(c.ArrivalThreshold))
	assert.Equal(t, 180.0, testutil.ToFloat64(c.ArrivalCooldown))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector(time.Second, 10, 0.001, time.Minute)
	c.ArrivalsFired.Inc()
	c.RouteIssues.WithLabelValues("degenerate").Add(2)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	assert.True(t, strings.Contains(text, "simulator_arrivals_fired_total 1"))
	assert.True(t, strings.Contains(text, `simulator_route_issues_total{kind="degenerate"} 2`))
}
