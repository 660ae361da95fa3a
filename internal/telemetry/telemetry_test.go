package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvxfer/engine/internal/stats"
)

func TestCollector_CollectsRegisteredCounters(t *testing.T) {
	reg := stats.NewRegistry()
	reg.Stream(1).Record(500)
	reg.Entity("link-a").Requests.Add(3)

	promReg := prometheus.NewPedanticRegistry()
	require.NoError(t, promReg.Register(NewCollector(reg)))

	n, err := testutil.GatherAndCount(promReg)
	require.NoError(t, err)
	assert.Greater(t, n, 0)
}
