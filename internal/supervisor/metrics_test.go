package supervisor

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestPeerMetricsSnapshotComputesDeltaRates(t *testing.T) {
	admin := NewAdminMetrics(prometheus.NewRegistry())
	m := newPeerMetrics(admin)

	for i := 0; i < 10; i++ {
		m.recordUplink(100)
	}
	for i := 0; i < 5; i++ {
		m.recordDownlink(200)
	}
	m.recordPacerDropped(2)
	m.recordServerRTT(42 * time.Millisecond)

	// Force a known elapsed interval rather than relying on wall-clock
	// timing between recordX calls and snapshot.
	m.mu.Lock()
	m.lastEmit = time.Now().Add(-1 * time.Second)
	m.mu.Unlock()

	snap := m.snapshot()

	if snap.VoiceUplinkFrames != 10 || snap.VoiceDownlinkFrames != 5 {
		t.Fatalf("got uplink=%d downlink=%d, want 10,5", snap.VoiceUplinkFrames, snap.VoiceDownlinkFrames)
	}
	if snap.ServerRttMs != 42 {
		t.Fatalf("ServerRttMs = %d, want 42", snap.ServerRttMs)
	}
	if snap.VoiceUplinkFps < 9 || snap.VoiceUplinkFps > 11 {
		t.Fatalf("VoiceUplinkFps = %v, want ~10", snap.VoiceUplinkFps)
	}
	wantDropRate := 2.0 / 12.0
	if diff := snap.UplinkPacerDropRate - wantDropRate; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("UplinkPacerDropRate = %v, want %v", snap.UplinkPacerDropRate, wantDropRate)
	}
}

func TestPeerMetricsSnapshotResetsDeltaBaseline(t *testing.T) {
	admin := NewAdminMetrics(prometheus.NewRegistry())
	m := newPeerMetrics(admin)

	m.recordUplink(10)
	m.mu.Lock()
	m.lastEmit = time.Now().Add(-1 * time.Second)
	m.mu.Unlock()
	first := m.snapshot()
	if first.VoiceUplinkFps < 0.9 || first.VoiceUplinkFps > 1.1 {
		t.Fatalf("first snapshot fps = %v, want ~1", first.VoiceUplinkFps)
	}

	m.mu.Lock()
	m.lastEmit = time.Now().Add(-1 * time.Second)
	m.mu.Unlock()
	second := m.snapshot()
	if second.VoiceUplinkFps != 0 {
		t.Fatalf("second snapshot fps = %v, want 0 (no new frames since last emit)", second.VoiceUplinkFps)
	}
	if second.VoiceUplinkFrames != 1 {
		t.Fatalf("second snapshot cumulative frames = %d, want 1", second.VoiceUplinkFrames)
	}
}
