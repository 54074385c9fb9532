// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package config loads the daemon configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {
	// PollInterval spaces sensor poll passes.
	PollInterval time.Duration `yaml:"pollInterval"`

	// PDRDumpDir receives DumpPDR output files.
	PDRDumpDir string `yaml:"pdrDumpDir"`

	// MetricsListen is the address for the Prometheus /metrics endpoint.
	// Empty disables metrics serving.
	MetricsListen string `yaml:"metricsListen"`

	// MQTT configures the publication surface. An empty broker selects
	// the discard publisher.
	MQTT struct {
		Broker      string `yaml:"broker"`
		ClientID    string `yaml:"clientID"`
		TopicPrefix string `yaml:"topicPrefix"`
	} `yaml:"mqtt"`

	// ExposeChassis publishes a per-device chassis inventory node.
	ExposeChassis bool `yaml:"exposeChassis"`

	// DecorateBaseboard places sensors and effecters that have no
	// associated entity under the shared baseboard inventory path instead
	// of the terminus root.
	DecorateBaseboard bool `yaml:"decorateBaseboard"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{
		PollInterval: 10 * time.Second,
		PDRDumpDir:   "/tmp",
	}
	cfg.MQTT.ClientID = "pldmd"
	cfg.MQTT.TopicPrefix = "pldm"
	return cfg
}

// Load reads path and overlays it on the defaults. A missing file yields
// the defaults without error.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("pollInterval must be positive")
	}
	return cfg, nil
}
