// Package server wires the engine, AOF writer, transaction registry,
// dispatcher, replication controller, proxy router and dashboard into a
// running process, and owns the shutdown sequence described in spec.md
// §4.G.
//
// Configuration follows the corpus's two-mechanism split rather than
// layering one over the other (env.Parse's envDefault tag unconditionally
// overwrites a field that isn't set in the OS environment, which would
// clobber anything loaded from a file first): a flat env-var struct in
// the style of the WS-relay sibling example's Config (github.com/caarlos0/env/v11,
// envDefault tags, parsed fresh at startup) carries the per-process
// knobs, while the sharding proxy's primary list -- naturally a list,
// awkward as a single env var -- loads from an optional YAML file in the
// style of the antbox sibling example's YAMLConfig.
package server

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the full set of env-var knobs a Vodis node needs at startup.
type Config struct {
	Name string `env:"VODIS_NAME" envDefault:"server"`
	Dir  string `env:"VODIS_DIR" envDefault:"."`

	ListenHost string `env:"VODIS_LISTEN_HOST" envDefault:"0.0.0.0"`
	ListenPort string `env:"VODIS_LISTEN_PORT" envDefault:"7000"`

	DashboardAddr  string `env:"VODIS_DASHBOARD_ADDR" envDefault:":8080"`
	AdminJWTSecret string `env:"VODIS_ADMIN_JWT_SECRET" envDefault:""`

	NatsURL string `env:"VODIS_NATS_URL" envDefault:"nats://127.0.0.1:4222"`

	LogLevel  string `env:"VODIS_LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"VODIS_LOG_PRETTY" envDefault:"false"`

	PropagateRateHz float64 `env:"VODIS_PROPAGATE_RATE_HZ" envDefault:"0"`

	ProxyTopologyFile string `env:"VODIS_PROXY_TOPOLOGY_FILE" envDefault:""`
	ProxySelfAddr     string `env:"VODIS_PROXY_SELF_ADDR" envDefault:""`
}

// Load parses Config from the process environment, applying envDefault
// for anything unset.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("server: parse env config: %w", err)
	}
	return cfg, nil
}

// ProxyTopology is the sharding proxy's static primary list (spec.md
// §4.F). A nil/empty Primaries list means this node is not a proxy.
type ProxyTopology struct {
	Primaries []string `yaml:"primaries"`
}

// LoadProxyTopology reads the YAML topology file at path. An empty path
// returns an empty topology (not an error): most nodes are not proxies.
func LoadProxyTopology(path string) (ProxyTopology, error) {
	if path == "" {
		return ProxyTopology{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ProxyTopology{}, fmt.Errorf("server: read proxy topology %s: %w", path, err)
	}
	var top ProxyTopology
	if err := yaml.Unmarshal(data, &top); err != nil {
		return ProxyTopology{}, fmt.Errorf("server: parse proxy topology %s: %w", path, err)
	}
	return top, nil
}
