package e2e

import (
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	HubAddr string `envconfig:"HUB_ADDR"`
	// HUB_SECRET must match the SECRET of the hub under test
	HubSecret string `envconfig:"HUB_SECRET"`
	// E2E_DEBUG_JSON allows dumping full HTTP request/response bodies
	DebugJSON bool `envconfig:"E2E_DEBUG_JSON" default:"false"`
	// E2E_COLOURS enables colorized output for better log readability
	Colours bool `envconfig:"E2E_COLOURS" default:"true"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return cfg, err
}
