package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// conductorFileConfig is the optional YAML config file shape for
// `symphony conductor`. Every field has a command-line flag equivalent;
// a flag explicitly set on the command line always wins over the file,
// and the file always wins over the flag's default.
type conductorFileConfig struct {
	NodeListenAddr string   `yaml:"node_listen_addr"`
	APIAddr        string   `yaml:"api_addr"`
	DataDir        string   `yaml:"data_dir"`
	ConductorID    string   `yaml:"conductor_id"`
	AdvertiseDNS   []string `yaml:"advertise_dns"`
	AdvertiseIPs   []string `yaml:"advertise_ips"`
}

// nodeFileConfig is the optional YAML config file shape for `symphony node`.
type nodeFileConfig struct {
	ConductorAddr       string            `yaml:"conductor_addr"`
	NodeID              string            `yaml:"node_id"`
	Groups              []string          `yaml:"groups"`
	Capacities          map[string]int64  `yaml:"capacities"`
	HeartbeatIntervalMS int64             `yaml:"heartbeat_interval_ms"`
	DataDir             string            `yaml:"data_dir"`
	Labels              map[string]string `yaml:"labels"`
}

func loadConductorConfig(path string) (conductorFileConfig, error) {
	var cfg conductorFileConfig
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func loadNodeConfig(path string) (nodeFileConfig, error) {
	var cfg nodeFileConfig
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// coalesce returns the first non-empty string, letting a flag value
// override a config-file value which overrides a hardcoded default.
func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
