package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(toolCalls.WithLabelValues("weather", "get_weather", "ok"))
	IncToolCall("weather", "get_weather", nil)
	IncToolCall("weather", "get_weather", errors.New("x"))
	assert.Equal(t, before+1, testutil.ToFloat64(toolCalls.WithLabelValues("weather", "get_weather", "ok")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(toolCalls.WithLabelValues("weather", "get_weather", "error")), 1.0)

	IncProcessStart("weather", nil)
	IncProcessStop("weather", "killed")
	assert.GreaterOrEqual(t, testutil.ToFloat64(processStarts.WithLabelValues("weather", "ok")), 1.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(processStops.WithLabelValues("weather", "killed")), 1.0)
}
