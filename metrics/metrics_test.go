package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_ObjectOps(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.ObserveObjectOp("minio", "upload", "ok", 10*time.Millisecond)
	m.ObserveObjectOp("minio", "upload", "ok", 20*time.Millisecond)
	m.ObserveObjectOp("minio", "delete", "not_found", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.objectOps.WithLabelValues("minio", "upload", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.objectOps.WithLabelValues("minio", "delete", "not_found")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.objectLatency))
}

func TestMetrics_ThreadDeletes(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.ThreadDelete("records", nil)
	m.ThreadDelete("checkpoints", errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.threadDeletes.WithLabelValues("records", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.threadDeletes.WithLabelValues("checkpoints", "error")))
}

func TestMetrics_DoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	assert.Error(t, err)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveObjectOp("memory", "upload", "ok", time.Millisecond)
		m.ThreadDelete("records", nil)
	})
}
