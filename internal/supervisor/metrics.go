package supervisor

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/incomudon/mumble-ws-gateway/internal/peer"
)

// adminMetrics are the process-wide Prometheus registrations exposed on
// the admin /metrics endpoint. They are registered once at process
// start and incremented by every peer's supervisor instance.
type adminMetrics struct {
	activePeers          prometheus.Gauge
	connectedSessions    prometheus.Gauge
	voiceUplinkFrames    prometheus.Counter
	voiceDownlinkFrames  prometheus.Counter
	voiceDownlinkDropped prometheus.Counter
	pacerDroppedFrames   prometheus.Counter
	connectFailures      *prometheus.CounterVec
	serverRTT            prometheus.Histogram
}

// NewAdminMetrics registers the admin-surface Prometheus collectors
// against reg (typically prometheus.DefaultRegisterer).
func NewAdminMetrics(reg prometheus.Registerer) *adminMetrics {
	factory := promauto.With(reg)
	return &adminMetrics{
		activePeers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_active_peers",
			Help: "Number of currently open browser WebSocket connections.",
		}),
		connectedSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_connected_sessions",
			Help: "Number of peers with a live Mumble session.",
		}),
		voiceUplinkFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_voice_uplink_frames_total",
			Help: "Opus frames forwarded from a peer to a Mumble server.",
		}),
		voiceDownlinkFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_voice_downlink_frames_total",
			Help: "Opus frames forwarded from a Mumble server to a peer.",
		}),
		voiceDownlinkDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_voice_downlink_dropped_frames_total",
			Help: "Downlink Opus frames dropped due to WebSocket backpressure.",
		}),
		pacerDroppedFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_voice_uplink_pacer_dropped_frames_total",
			Help: "Uplink Opus frames dropped by the pacer's congestion or hard-cap policy.",
		}),
		connectFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_connect_failures_total",
			Help: "Failed connect attempts, labeled by error code.",
		}, []string{"code"}),
		serverRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_server_rtt_seconds",
			Help:    "Measured round-trip time to upstream Mumble servers.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// peerMetrics aggregates one peer's counters into the periodic
// browser-facing metrics{} envelope, computing per-interval rates from
// deltas since the last emit.
type peerMetrics struct {
	mu sync.Mutex

	uplinkFrames, uplinkBytes     uint64
	downlinkFrames, downlinkBytes uint64
	downlinkDropped               uint64
	pacerDropped                  uint64
	serverRTT                     time.Duration

	lastUplinkFrames, lastUplinkBytes     uint64
	lastDownlinkFrames, lastDownlinkBytes uint64
	lastPacerDropped                      uint64
	lastEmit                              time.Time

	admin *adminMetrics
}

func newPeerMetrics(admin *adminMetrics) *peerMetrics {
	return &peerMetrics{admin: admin, lastEmit: time.Now()}
}

func (m *peerMetrics) recordUplink(n int) {
	m.mu.Lock()
	m.uplinkFrames++
	m.uplinkBytes += uint64(n)
	m.mu.Unlock()
	m.admin.voiceUplinkFrames.Inc()
}

func (m *peerMetrics) recordDownlink(n int) {
	m.mu.Lock()
	m.downlinkFrames++
	m.downlinkBytes += uint64(n)
	m.mu.Unlock()
	m.admin.voiceDownlinkFrames.Inc()
}

func (m *peerMetrics) recordDownlinkDropped() {
	m.mu.Lock()
	m.downlinkDropped++
	m.mu.Unlock()
	m.admin.voiceDownlinkDropped.Inc()
}

func (m *peerMetrics) recordPacerDropped(delta uint64) {
	if delta == 0 {
		return
	}
	m.mu.Lock()
	m.pacerDropped += delta
	m.mu.Unlock()
	for i := uint64(0); i < delta; i++ {
		m.admin.pacerDroppedFrames.Inc()
	}
}

func (m *peerMetrics) recordServerRTT(d time.Duration) {
	m.mu.Lock()
	m.serverRTT = d
	m.mu.Unlock()
	m.admin.serverRTT.Observe(d.Seconds())
}

// snapshot produces the browser-facing metrics{} body and resets the
// per-interval delta baselines.
func (m *peerMetrics) snapshot() *peer.MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(m.lastEmit).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}

	uplinkFramesDelta := m.uplinkFrames - m.lastUplinkFrames
	uplinkBytesDelta := m.uplinkBytes - m.lastUplinkBytes
	downlinkFramesDelta := m.downlinkFrames - m.lastDownlinkFrames
	downlinkBytesDelta := m.downlinkBytes - m.lastDownlinkBytes
	pacerDroppedDelta := m.pacerDropped - m.lastPacerDropped

	var dropRate float64
	if uplinkFramesDelta+pacerDroppedDelta > 0 {
		dropRate = float64(pacerDroppedDelta) / float64(uplinkFramesDelta+pacerDroppedDelta)
	}

	snap := &peer.MetricsSnapshot{
		ServerRttMs:          m.serverRTT.Milliseconds(),
		VoiceUplinkFrames:    m.uplinkFrames,
		VoiceDownlinkFrames:  m.downlinkFrames,
		VoiceUplinkFps:       float64(uplinkFramesDelta) / elapsed,
		VoiceDownlinkFps:     float64(downlinkFramesDelta) / elapsed,
		VoiceUplinkKbps:      float64(uplinkBytesDelta) * 8 / 1000 / elapsed,
		VoiceDownlinkKbps:    float64(downlinkBytesDelta) * 8 / 1000 / elapsed,
		UplinkPacerDropRate:  dropRate,
		VoiceDownlinkDropped: m.downlinkDropped,
	}

	m.lastUplinkFrames = m.uplinkFrames
	m.lastUplinkBytes = m.uplinkBytes
	m.lastDownlinkFrames = m.downlinkFrames
	m.lastDownlinkBytes = m.downlinkBytes
	m.lastPacerDropped = m.pacerDropped
	m.lastEmit = now

	return snap
}
