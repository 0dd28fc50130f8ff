package obsmetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestPrometheusObserverRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheusObserver(reg)

	p.ObserveRegister(true)
	p.ObserveRegister(false)
	p.ObserveCallerStarted()

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, fam := range families {
		if fam.GetName() == "dtprobed_register_total" {
			found = true
			var total float64
			for _, m := range fam.Metric {
				total += m.GetCounter().GetValue()
			}
			require.Equal(t, float64(2), total)
		}
	}
	require.True(t, found, "expected dtprobed_register_total to be registered")
}

func TestPrometheusObserverGaugeTracksActiveCallers(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheusObserver(reg)

	p.ObserveCallerStarted()
	p.ObserveCallerStarted()
	p.ObserveCallerFinished()

	var m dto.Metric
	require.NoError(t, p.activeCallers.Write(&m))
	require.Equal(t, float64(1), m.GetGauge().GetValue())
}
