// Package config loads the gateway's typed configuration from the
// environment, following the caarlos0/env pattern its teacher lineage
// uses for every env-driven setting the wire protocol and admin
// surface define.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds every environment variable the gateway reads at
// startup.
type Config struct {
	Port    int    `env:"PORT" envDefault:"64737"`
	WebRoot string `env:"WEB_ROOT" envDefault:"./web/out"`

	ServersConfigPath string `env:"SERVERS_CONFIG_PATH" envDefault:"./config/servers.json"`

	GatewayDebug bool `env:"GATEWAY_DEBUG" envDefault:"false"`
	CoopCoep     bool `env:"COOP_COEP" envDefault:"false"`

	VoiceUplinkPacingIntervalMs     int `env:"VOICE_UPLINK_PACING_INTERVAL_MS" envDefault:"20"`
	VoiceUplinkPacingMaxQueueFrames int `env:"VOICE_UPLINK_PACING_MAX_QUEUE_FRAMES" envDefault:"200"`
	VoiceUplinkPacingIdleTimeoutMs  int `env:"VOICE_UPLINK_PACING_IDLE_TIMEOUT_MS" envDefault:"250"`

	AdminAuthMode         string `env:"GATEWAY_ADMIN_AUTH_MODE" envDefault:"none"`
	AdminBasicUser        string `env:"GATEWAY_ADMIN_BASIC_USER"`
	AdminBasicPass        string `env:"GATEWAY_ADMIN_BASIC_PASS"`
	AdminOIDCIssuer       string `env:"GATEWAY_ADMIN_OIDC_ISSUER"`
	AdminOIDCClientID     string `env:"GATEWAY_ADMIN_OIDC_CLIENT_ID"`
	AdminOIDCClientSecret string `env:"GATEWAY_ADMIN_OIDC_CLIENT_SECRET"`
	AdminOIDCRedirectURL  string `env:"GATEWAY_ADMIN_OIDC_REDIRECT_URL"`
}

// Load parses the environment into a Config.
func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	return &cfg, nil
}
