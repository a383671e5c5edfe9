package metrics

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteText(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskflow_test_moves_total",
		Help: "Moves seen by the test",
	}, []string{"reason"})
	reg.MustRegister(c)
	c.WithLabelValues("cannot_drop_to").Add(2)

	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, reg))
	out := buf.String()
	assert.Contains(t, out, "# HELP taskflow_test_moves_total Moves seen by the test")
	assert.Contains(t, out, "# TYPE taskflow_test_moves_total counter")
	assert.Contains(t, out, `taskflow_test_moves_total{reason="cannot_drop_to"} 2`)
}

func TestWriteFileExportsDefaultRegistry(t *testing.T) {
	RecordGuardDenial("cannot_drag_from")
	path := filepath.Join(t.TempDir(), "taskflow.prom")
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0o644))

	require.NoError(t, WriteFile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `taskflow_guard_denials_total{reason="cannot_drag_from"}`)
	assert.NotContains(t, string(data), "stale")

	leftovers, err := filepath.Glob(path + ".*.tmp")
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}
