package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_IndependentRegistries(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()

	a.RecordTransition("bom", "publish", "OK", 10*time.Millisecond)
	a.RecordTransition("bom", "publish", "CONFLICT", time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.TransitionsTotal.WithLabelValues("bom", "publish", "OK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.ConflictsTotal.WithLabelValues("bom")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.ConflictsTotal.WithLabelValues("bom")))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.RecordPinCheck("bom_blocked")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `plm_work_order_pin_checks_total{condition="bom_blocked"} 1`)
}
