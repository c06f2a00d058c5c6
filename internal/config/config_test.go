package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 64737 {
		t.Fatalf("Port = %d, want default 64737", cfg.Port)
	}
	if cfg.VoiceUplinkPacingIntervalMs != 20 {
		t.Fatalf("VoiceUplinkPacingIntervalMs = %d, want default 20", cfg.VoiceUplinkPacingIntervalMs)
	}
	if cfg.AdminAuthMode != "none" {
		t.Fatalf("AdminAuthMode = %q, want default \"none\"", cfg.AdminAuthMode)
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("GATEWAY_DEBUG", "true")
	t.Setenv("VOICE_UPLINK_PACING_MAX_QUEUE_FRAMES", "500")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9000 {
		t.Fatalf("Port = %d, want 9000", cfg.Port)
	}
	if !cfg.GatewayDebug {
		t.Fatalf("GatewayDebug = false, want true")
	}
	if cfg.VoiceUplinkPacingMaxQueueFrames != 500 {
		t.Fatalf("VoiceUplinkPacingMaxQueueFrames = %d, want 500", cfg.VoiceUplinkPacingMaxQueueFrames)
	}
}
