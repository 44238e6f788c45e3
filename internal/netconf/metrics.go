package netconf

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsOnce sync.Once
	metricsReg  *Metrics
)

// Metrics holds the link-configuration metrics.
type Metrics struct {
	LinkState  *prometheus.GaugeVec
	DHCPEvents *prometheus.CounterVec
	Failures   *prometheus.CounterVec
}

// metricsRegistry returns the global metrics, creating them once.
func metricsRegistry() *Metrics {
	metricsOnce.Do(func() {
		metricsReg = &Metrics{
			LinkState: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "netconfd_link_state",
				Help: "Current configuration stage per interface (1 for the active stage)",
			}, []string{"ifname", "state"}),
			DHCPEvents: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "netconfd_dhcp_events_total",
				Help: "DHCPv4 client events per interface",
			}, []string{"ifname", "event"}),
			Failures: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "netconfd_link_failures_total",
				Help: "Links that entered the failed state",
			}, []string{"ifname"}),
		}
	})
	return metricsReg
}

var allStates = []LinkState{
	StateInitializing,
	StateEnslaving,
	StateSettingAddresses,
	StateSettingRoutes,
	StateConfigured,
	StateFailed,
}

func updateStateMetric(ifname string, state LinkState, changed bool) {
	reg := metricsRegistry()
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		reg.LinkState.WithLabelValues(ifname, s.String()).Set(v)
	}
	if changed && state == StateFailed {
		reg.Failures.WithLabelValues(ifname).Inc()
	}
}
