// Package config loads per-node settings from a YAML file with
// environment-variable overrides, in the shape the teacher's config
// loaders use across the retrieved pack.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

// Config holds one node's startup settings.
type Config struct {
	SelfID            string   `yaml:"selfID"`
	SelfAddr          string   `yaml:"selfAddr"`
	SelfPort          int      `yaml:"selfPort"`
	Zone              uint32   `yaml:"zone"`
	VNodeReplicas     int      `yaml:"vnodeReplicas"`
	ReplicationFactor int      `yaml:"replicationFactor"`
	EpochLogDir       string   `yaml:"epochLogDir"`
	AdminAddr         string   `yaml:"adminAddr"`
	EtcdEndpoints     []string `yaml:"etcdEndpoints"`
	EtcdCluster       string   `yaml:"etcdCluster"`
	ObjectStoreBytes  int64    `yaml:"objectStoreBytes"`
}

func defaults() Config {
	return Config{
		SelfPort:          7000,
		VNodeReplicas:     128,
		ReplicationFactor: 3,
		EpochLogDir:       "./data/epochlog",
		AdminAddr:         ":8080",
		EtcdCluster:       "ridgestore",
		ObjectStoreBytes:  64 << 20,
	}
}

// Load reads path (if it exists) into a Config seeded with defaults, then
// applies SELF_ID/SELF_ADDR/SELF_PORT/ZONE/REPLICATION_FACTOR environment
// overrides — the same override convention the teacher's cmd/server/main.go
// used for SELF_ID/SELF_ADDR/REPLICATION_FACTOR, generalized to the rest
// of this node's settings.
func Load(path string) (Config, error) {
	cfg := defaults()

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SELF_ID"); v != "" {
		cfg.SelfID = v
	}
	if v := os.Getenv("SELF_ADDR"); v != "" {
		cfg.SelfAddr = v
	}
	if v := os.Getenv("SELF_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SelfPort = n
		}
	}
	if v := os.Getenv("ZONE"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.Zone = uint32(n)
		}
	}
	if v := os.Getenv("REPLICATION_FACTOR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReplicationFactor = n
		}
	}
}
