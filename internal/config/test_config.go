package config

import "time"

// TestConfig returns a config suitable for testing. Storage paths are left
// empty; call SetDataDir with a temporary directory before use.
func TestConfig() *Config {
	cfg := defaultConfig()
	cfg.Server = ServerConfig{
		Timeout:            5 * time.Second,
		UserAgent:          "shelf-test/1.0",
		AllowInsecureHosts: true,
	}
	cfg.Storage = StorageConfig{DBTimeout: 1 * time.Second}
	cfg.Images.ConnectTimeout = 2 * time.Second
	cfg.Images.TransferTimeout = 5 * time.Second
	cfg.Images.CancelCheckInterval = 0
	cfg.Sync.Timeout = 2 * time.Second
	cfg.Materialize.Concurrency = 2
	return cfg
}
