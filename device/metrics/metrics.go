// Package metrics exposes Prometheus instrumentation for a bulletin server
// daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the daemon's Prometheus collectors. It implements the
// bulletin.Metrics observer interface.
type Metrics struct {
	postsCreated prometheus.Counter
	postsPushed  prometheus.Counter
	logins       *prometheus.CounterVec
	clients      prometheus.Gauge
	packetsRecv  prometheus.Gauge
	packetsSent  prometheus.Gauge
}

// New registers and returns the daemon metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		postsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshboard_posts_created_total",
			Help: "Posts accepted into the bulletin buffer.",
		}),
		postsPushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshboard_posts_pushed_total",
			Help: "Post push attempts emitted to clients.",
		}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshboard_logins_total",
			Help: "Successful client logins by role.",
		}, []string{"role"}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshboard_clients",
			Help: "Clients currently in the ACL.",
		}),
		packetsRecv: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshboard_router_packets_received",
			Help: "Packets received by the router.",
		}),
		packetsSent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshboard_router_packets_sent",
			Help: "Packets sent by the router.",
		}),
	}
	reg.MustRegister(m.postsCreated, m.postsPushed, m.logins,
		m.clients, m.packetsRecv, m.packetsSent)
	return m
}

// ObservePost counts an accepted post.
func (m *Metrics) ObservePost() {
	m.postsCreated.Inc()
}

// ObservePush counts a push attempt.
func (m *Metrics) ObservePush() {
	m.postsPushed.Inc()
}

// ObserveLogin counts a successful login.
func (m *Metrics) ObserveLogin(isAdmin bool) {
	role := "user"
	if isAdmin {
		role = "admin"
	}
	m.logins.WithLabelValues(role).Inc()
}

// SetClientCount updates the ACL size gauge.
func (m *Metrics) SetClientCount(n int) {
	m.clients.Set(float64(n))
}

// SetPacketCounts updates the router traffic gauges.
func (m *Metrics) SetPacketCounts(recv, sent uint32) {
	m.packetsRecv.Set(float64(recv))
	m.packetsSent.Set(float64(sent))
}
