package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.EvaluationCommitted("completed", 20*time.Millisecond, "eligible", "eligible")
	m.EvaluationCommitted("needs_review", 5*time.Millisecond, "at_risk", "eligible")
	m.EvaluationFailed()
	m.LockRejected()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.evaluations.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.evaluations.WithLabelValues("needs_review")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.evaluations.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.evaluations.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lockRejections))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.divisionStatus.WithLabelValues("D2", "eligible")))

	m.ReviewEnqueued(3)
	m.ReviewEnqueued(0)
	m.ReviewResolved("confirm")
	assert.Equal(t, 3.0, testutil.ToFloat64(m.reviewEnqueued))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reviewResolved.WithLabelValues("confirm")))

	m.CatalogReloaded(4, nil)
	m.CatalogReloaded(5, errors.New("boom"))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.catalogVersion))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.catalogReloads.WithLabelValues("error")))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.EvaluationCommitted("completed", time.Second, "eligible", "eligible")
		m.EvaluationFailed()
		m.LockRejected()
		m.ReviewEnqueued(1)
		m.ReviewResolved("correct")
		m.StaleReviews(2)
		m.CatalogReloaded(1, nil)
	})
	assert.Nil(t, m.Registry())
}

func TestHandler(t *testing.T) {
	m := New()
	m.StaleReviews(7)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(string(body), "credeval_review_items_stale 7"))
}
