package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordsIngested_Unlabelled(t *testing.T) {
	m := New()
	m.RecordsIngested(3)
	m.RecordsIngested(2)

	assert.Equal(t, 5.0, testutil.ToFloat64(m.recordsIngested))

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != "hotlog_watcher_records_total" {
			continue
		}
		require.Len(t, f.GetMetric(), 1)
		assert.Empty(t, f.GetMetric()[0].GetLabel())
		return
	}
	t.Fatal("records counter not registered")
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordsIngested(1)
		m.RecordRejected("malformed_record")
		m.CacheDropped()
	})
}
