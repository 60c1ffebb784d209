package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/usersim/usersim-go/sources"
)

// runtimeConfig mirrors the daemon flags so a deployment can keep its
// settings in one YAML or JSON file. Flags given on the command line win
// over file values.
type runtimeConfig struct {
	Observers observersConfig  `yaml:"observers" json:"observers"`
	Perceive  perceiveConfig   `yaml:"perceive" json:"perceive"`
	Judgement judgementConfig  `yaml:"judgement" json:"judgement"`
	HTTP      listenConfig     `yaml:"http" json:"http"`
	GRPC      listenConfig     `yaml:"grpc" json:"grpc"`
	Ingest    ingestConfig     `yaml:"ingest" json:"ingest"`
	Sources   []sources.Config `yaml:"sources" json:"sources"`
}

type observersConfig struct {
	Dir            string   `yaml:"dir" json:"dir"`
	Packs          []string `yaml:"packs" json:"packs"`
	OCI            string   `yaml:"oci" json:"oci"`
	ReloadInterval string   `yaml:"reload_interval" json:"reload_interval"`
}

type perceiveConfig struct {
	Mappings string `yaml:"mappings" json:"mappings"`
}

type judgementConfig struct {
	Backend    string `yaml:"backend" json:"backend"`
	CrossCheck *bool  `yaml:"cross_check" json:"cross_check"`
}

type listenConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

type ingestConfig struct {
	Token string `yaml:"token" json:"token"`
}

func loadRuntimeConfig(path string) (*runtimeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := &runtimeConfig{}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config json: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config yaml: %w", err)
		}
	}
	return cfg, nil
}

// applyRuntimeConfig copies file values into the flag variables unless the
// flag was set explicitly. Relative paths in the file resolve against the
// config file's directory.
func applyRuntimeConfig(cfg *runtimeConfig, baseDir string, setFlags map[string]bool) error {
	if cfg == nil {
		return nil
	}

	if cfg.Observers.Dir != "" && !setFlags["observer-dir"] {
		*observerDir = resolvePath(baseDir, cfg.Observers.Dir)
	}
	if len(cfg.Observers.Packs) > 0 && !setFlags["packs"] {
		*stockPacks = strings.Join(cfg.Observers.Packs, ",")
	}
	if cfg.Observers.OCI != "" && !setFlags["oci-ref"] {
		*ociRef = cfg.Observers.OCI
	}
	if cfg.Observers.ReloadInterval != "" && !setFlags["reload-interval"] {
		interval, err := time.ParseDuration(cfg.Observers.ReloadInterval)
		if err != nil {
			return fmt.Errorf("observers.reload_interval: %w", err)
		}
		*reloadInterval = interval
	}

	if cfg.Perceive.Mappings != "" && !setFlags["mappings"] {
		*mappingsFile = resolvePath(baseDir, cfg.Perceive.Mappings)
	}

	if cfg.Judgement.Backend != "" && !setFlags["backend"] {
		*backendName = cfg.Judgement.Backend
	}
	if cfg.Judgement.CrossCheck != nil && !setFlags["cross-check"] {
		*crossCheck = *cfg.Judgement.CrossCheck
	}

	if cfg.HTTP.Addr != "" && !setFlags["http-addr"] {
		*httpAddr = cfg.HTTP.Addr
	}
	if cfg.GRPC.Addr != "" && !setFlags["grpc-addr"] {
		*grpcAddr = cfg.GRPC.Addr
	}
	if cfg.Ingest.Token != "" && !setFlags["ingest-token"] {
		*ingestToken = cfg.Ingest.Token
	}

	return nil
}

func resolvePath(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
