package models

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	ServerAddr  string `yaml:"server_addr"`
	DatabaseURL string `yaml:"database_url"`

	KafkaBroker string `yaml:"kafka_broker"`
	KafkaTopic  string `yaml:"kafka_topic"`

	// BlobMode selects the blob gateway: "fs" for the local
	// content-addressed store, "http" for a remote gateway.
	BlobMode     string `yaml:"blob_mode"`
	BlobRoot     string `yaml:"blob_root"`
	BlobCompress bool   `yaml:"blob_compress"`
	GatewayURL   string `yaml:"gateway_url"`

	// PublicURL is the prefix under which stored bytes are reachable by
	// clients, e.g. "http://localhost:8080/files".
	PublicURL string `yaml:"public_url"`

	BlobTimeoutSec      int `yaml:"blob_timeout_sec"`
	TranscodeTimeoutSec int `yaml:"transcode_timeout_sec"`

	// Derived from the *_sec fields above.
	BlobTimeout      time.Duration `yaml:"-"`
	TranscodeTimeout time.Duration `yaml:"-"`
}

func LoadConfig(path string) (*Config, error) {
	if env := os.Getenv("CONFIG_PATH"); env != "" {
		path = env
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if cfg.ServerAddr == "" {
		cfg.ServerAddr = ":8080"
	}
	if cfg.BlobMode == "" {
		cfg.BlobMode = "fs"
	}
	if cfg.BlobMode != "fs" && cfg.BlobMode != "http" {
		return nil, fmt.Errorf("blob_mode must be fs or http, got %q", cfg.BlobMode)
	}
	if cfg.BlobMode == "http" && cfg.GatewayURL == "" {
		return nil, fmt.Errorf("gateway_url is required when blob_mode is http")
	}
	if cfg.BlobTimeoutSec <= 0 {
		cfg.BlobTimeoutSec = 30
	}
	if cfg.TranscodeTimeoutSec <= 0 {
		cfg.TranscodeTimeoutSec = 20
	}
	cfg.BlobTimeout = time.Duration(cfg.BlobTimeoutSec) * time.Second
	cfg.TranscodeTimeout = time.Duration(cfg.TranscodeTimeoutSec) * time.Second
	return &cfg, nil
}
