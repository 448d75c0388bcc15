package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestJobEvent(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.JobEvent("active", 0)
	m.JobEvent("retrying", time.Second)
	m.JobEvent("active", 0)
	m.JobEvent("completed", 2*time.Second)
	m.JobEvent("skipped", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.jobEvents.WithLabelValues("active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobEvents.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobEvents.WithLabelValues("skipped")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inFlight))
	assert.Equal(t, 2, testutil.CollectAndCount(m.jobDuration))
}

func TestJobEvent_StalledAndExpiredLeaveInFlight(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.JobEvent("active", 0)
	m.JobEvent("stalled", 0)
	m.JobEvent("expired", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobEvents.WithLabelValues("stalled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobEvents.WithLabelValues("expired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inFlight))
	assert.Zero(t, testutil.CollectAndCount(m.jobDuration))
}

func TestHTTPRequest(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.HTTPRequest("GET", "/v1/files/:id", "200", time.Millisecond)
	m.HTTPRequest("GET", "/v1/files/:id", "404", time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/v1/files/:id", "200")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.httpDuration))
}
