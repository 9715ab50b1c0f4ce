// Package config loads gatesessd's settings file, in the JSON-with-comments
// format used by github.com/tinode/chat (tinode/jsonco) or, for operators
// who prefer it, YAML.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tinode/jsonco"
	"gopkg.in/yaml.v3"

	"github.com/tinode/gatesess/session"
)

// NodeConfig is one member of the cluster.
type NodeConfig struct {
	Name string `json:"name" yaml:"name"`
	Addr string `json:"addr" yaml:"addr"`
}

// ClusterConfig mirrors clusterConfig (cluster.go) in github.com/tinode/chat:
// the full membership list plus this node's own name within it.
type ClusterConfig struct {
	ThisName string       `json:"self" yaml:"self"`
	Nodes    []NodeConfig `json:"nodes" yaml:"nodes"`
}

// RedisConfig configures the optional CachedAlive decorator.
type RedisConfig struct {
	Addr string        `json:"addr" yaml:"addr"`
	DB   int           `json:"db" yaml:"db"`
	TTL  time.Duration `json:"ttl" yaml:"ttl"`
}

// Settings is the top-level gatesessd configuration file.
type Settings struct {
	Listen  string `json:"listen" yaml:"listen"`
	Admin   string `json:"admin_listen" yaml:"admin_listen"`
	LogMode string `json:"log_level" yaml:"log_level"`

	SessionLoadTimeout   time.Duration `json:"session_load_timeout" yaml:"session_load_timeout"`
	SessionCheckInterval time.Duration `json:"session_check_interval" yaml:"session_check_interval"`

	Cluster ClusterConfig `json:"cluster" yaml:"cluster"`
	Redis   *RedisConfig  `json:"redis" yaml:"redis"`
}

// SessionConfig projects Settings onto session.Config.
func (s Settings) SessionConfig() session.Config {
	return session.Config{
		SessionLoadTimeout:   s.SessionLoadTimeout,
		SessionCheckInterval: s.SessionCheckInterval,
		CurrentServerID:      s.Cluster.ThisName,
	}
}

// Load reads path and decodes it according to its extension: .json (with
// // and /* */ comments stripped via jsonco) or .yaml/.yml.
func Load(path string) (Settings, error) {
	var cfg Settings

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	defer f.Close()

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	case ".json", "":
		if err := json.NewDecoder(jsonco.New(f)).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("config: unrecognized extension %q", ext)
	}

	return cfg, nil
}
