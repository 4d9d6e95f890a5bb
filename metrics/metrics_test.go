package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	m := New(nil)

	m.RecordTask(true, time.Second)
	m.RecordTask(false, time.Second)
	m.RecordTask(true, 2*time.Second)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TasksTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksTotal.WithLabelValues("failure")))

	m.RecordTool("bash", false)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolInvocations.WithLabelValues("bash", "failure")))

	m.RecordGeneration("coder", "stream", errors.New("boom"), 0)
	m.RecordGeneration("coder", "stream", nil, time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.GenerationRequests.WithLabelValues("coder", "stream")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GenerationErrors.WithLabelValues("coder")))

	m.RecordPatternsLearned(3)
	m.RecordPatternsLearned(0)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PatternsLearned))

	m.SetState("planning", []string{"idle", "planning"})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PipelineState.WithLabelValues("planning")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PipelineState.WithLabelValues("idle")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordTask(true, time.Second)
		m.RecordTool("x", true)
		m.RecordGeneration("r", "generate", nil, 0)
		m.RecordPatternUpdate(true)
		m.RecordRun(nil)
		m.SetState("idle", []string{"idle"})
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New(nil)
	m.RecordRun(nil)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `agentforge_pipeline_runs_total{result="success"} 1`)
}
