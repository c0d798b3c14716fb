package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pders01/shelf/internal/validation"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Images      ImagesConfig      `mapstructure:"images"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Materialize MaterializeConfig `mapstructure:"materialize"`
	Log         LogConfig         `mapstructure:"log"`
	UI          UIConfig          `mapstructure:"ui"`
	Media       MediaConfig       `mapstructure:"media"`
}

type ServerConfig struct {
	URL       string        `mapstructure:"url"`
	Token     string        `mapstructure:"token"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
	// AllowInsecureHosts permits localhost and private addresses, for self-hosted servers.
	AllowInsecureHosts bool `mapstructure:"allow_insecure_hosts"`
}

type StorageConfig struct {
	DataDir     string        `mapstructure:"data_dir"`
	DBPath      string        `mapstructure:"db_path"`
	DBTimeout   time.Duration `mapstructure:"db_timeout"`
	SearchIndex string        `mapstructure:"search_index"`
	EntriesDir  string        `mapstructure:"entries_dir"`
}

type ImagesConfig struct {
	Include             bool          `mapstructure:"include"`
	ConnectTimeout      time.Duration `mapstructure:"connect_timeout"`
	TransferTimeout     time.Duration `mapstructure:"transfer_timeout"`
	RatePerSecond       float64       `mapstructure:"rate_per_second"`
	CancelCheckInterval time.Duration `mapstructure:"cancel_check_interval"`
}

type SyncConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RefreshLimit int           `mapstructure:"refresh_limit"`
}

type MaterializeConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type UIConfig struct {
	Colors    UIColors `mapstructure:"colors"`
	WrapWidth int      `mapstructure:"wrap_width"`
}

type UIColors struct {
	Primary string `mapstructure:"primary"`
	Accent  string `mapstructure:"accent"`
	Muted   string `mapstructure:"muted"`
	Error   string `mapstructure:"error"`
	Success string `mapstructure:"success"`
}

type MediaConfig struct {
	Darwin        Openers `mapstructure:"darwin"`
	Linux         Openers `mapstructure:"linux"`
	Windows       Openers `mapstructure:"windows"`
	DefaultOpener string  `mapstructure:"default_opener"`
}

// Openers lists candidate programs per bundle file kind, tried in order.
type Openers struct {
	HTML  []string `mapstructure:"html"`
	Image []string `mapstructure:"image"`
}

func defaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".shelf")

	return &Config{
		Server: ServerConfig{
			Timeout:   30 * time.Second,
			UserAgent: "shelf/1.0 (https://github.com/pders01/shelf)",
		},
		Storage: StorageConfig{
			DataDir:   dataDir,
			DBTimeout: 1 * time.Second,
		},
		Images: ImagesConfig{
			Include:             true,
			ConnectTimeout:      10 * time.Second,
			TransferTimeout:     30 * time.Second,
			RatePerSecond:       0,
			CancelCheckInterval: 1 * time.Second,
		},
		Sync: SyncConfig{
			Timeout:      10 * time.Second,
			MaxRetries:   3,
			RefreshLimit: 100,
		},
		Materialize: MaterializeConfig{
			Concurrency: 4,
		},
		Log: LogConfig{
			Level: "off",
		},
		UI: UIConfig{
			Colors: UIColors{
				Primary: "#FF6B6B",
				Accent:  "#95E1D3",
				Muted:   "#94A3B8",
				Error:   "#F87171",
				Success: "#4ADE80",
			},
			WrapWidth: 100,
		},
		Media: MediaConfig{
			Darwin: Openers{
				HTML:  []string{"open"},
				Image: []string{"preview", "open"},
			},
			Linux: Openers{
				HTML:  []string{"xdg-open", "firefox", "chromium"},
				Image: []string{"sxiv", "feh", "eog", "xdg-open"},
			},
			Windows: Openers{
				HTML:  []string{"start"},
				Image: []string{"start"},
			},
			DefaultOpener: getDefaultOpener(),
		},
	}
}

func getDefaultOpener() string {
	switch runtime.GOOS {
	case "darwin":
		return "open"
	case "linux":
		return "xdg-open"
	case "windows":
		return "start"
	default:
		return "open"
	}
}

// DefaultPath is ~/.config/shelf/config.toml.
func DefaultPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config", "shelf", "config.toml")
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("server.url", cfg.Server.URL)
	v.SetDefault("server.token", cfg.Server.Token)
	v.SetDefault("server.timeout", cfg.Server.Timeout)
	v.SetDefault("server.user_agent", cfg.Server.UserAgent)
	v.SetDefault("server.allow_insecure_hosts", cfg.Server.AllowInsecureHosts)

	v.SetDefault("storage.data_dir", cfg.Storage.DataDir)
	v.SetDefault("storage.db_path", cfg.Storage.DBPath)
	v.SetDefault("storage.db_timeout", cfg.Storage.DBTimeout)
	v.SetDefault("storage.search_index", cfg.Storage.SearchIndex)
	v.SetDefault("storage.entries_dir", cfg.Storage.EntriesDir)

	v.SetDefault("images.include", cfg.Images.Include)
	v.SetDefault("images.connect_timeout", cfg.Images.ConnectTimeout)
	v.SetDefault("images.transfer_timeout", cfg.Images.TransferTimeout)
	v.SetDefault("images.rate_per_second", cfg.Images.RatePerSecond)
	v.SetDefault("images.cancel_check_interval", cfg.Images.CancelCheckInterval)

	v.SetDefault("sync.timeout", cfg.Sync.Timeout)
	v.SetDefault("sync.max_retries", cfg.Sync.MaxRetries)
	v.SetDefault("sync.refresh_limit", cfg.Sync.RefreshLimit)

	v.SetDefault("materialize.concurrency", cfg.Materialize.Concurrency)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.file", cfg.Log.File)

	for key, value := range uiSettings(cfg.UI) {
		v.SetDefault("ui."+key, value)
	}
	for key, value := range mediaSettings(cfg.Media) {
		v.SetDefault("media."+key, value)
	}
}

func uiSettings(ui UIConfig) map[string]interface{} {
	return map[string]interface{}{
		"wrap_width":     ui.WrapWidth,
		"colors.primary": ui.Colors.Primary,
		"colors.accent":  ui.Colors.Accent,
		"colors.muted":   ui.Colors.Muted,
		"colors.error":   ui.Colors.Error,
		"colors.success": ui.Colors.Success,
	}
}

func mediaSettings(m MediaConfig) map[string]interface{} {
	return map[string]interface{}{
		"default_opener": m.DefaultOpener,
		"darwin.html":    m.Darwin.HTML,
		"darwin.image":   m.Darwin.Image,
		"linux.html":     m.Linux.HTML,
		"linux.image":    m.Linux.Image,
		"windows.html":   m.Windows.HTML,
		"windows.image":  m.Windows.Image,
	}
}

// Load reads the config file at configPath, or the default location when
// empty. A missing file is not an error. SHELF_* environment variables
// override file values, e.g. SHELF_SERVER_TOKEN.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v, defaultConfig())

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(filepath.Dir(DefaultPath()))
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SHELF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if configPath == "" || !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := expandPaths(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// expandPaths expands ~ and fills the storage paths derived from the data dir.
func expandPaths(cfg *Config) error {
	s := &cfg.Storage
	dataDir, err := validation.ExpandPath(s.DataDir)
	if err != nil {
		return fmt.Errorf("storage.data_dir: %w", err)
	}
	s.DataDir = dataDir

	derived := []struct {
		field *string
		name  string
		def   string
	}{
		{&s.DBPath, "db_path", "shelf.db"},
		{&s.SearchIndex, "search_index", "index.bleve"},
		{&s.EntriesDir, "entries_dir", "entries"},
	}
	for _, d := range derived {
		if *d.field == "" {
			*d.field = filepath.Join(dataDir, d.def)
			continue
		}
		p, err := validation.ExpandPath(*d.field)
		if err != nil {
			return fmt.Errorf("storage.%s: %w", d.name, err)
		}
		*d.field = p
	}

	if cfg.Log.File != "" {
		p, err := validation.ExpandPath(cfg.Log.File)
		if err != nil {
			return fmt.Errorf("log.file: %w", err)
		}
		cfg.Log.File = p
	}
	return nil
}

// SetDataDir points every derived storage path below dir.
func (c *Config) SetDataDir(dir string) error {
	c.Storage.DataDir = dir
	c.Storage.DBPath = ""
	c.Storage.SearchIndex = ""
	c.Storage.EntriesDir = ""
	return expandPaths(c)
}

// ServerURL returns the validated server URL.
func (c *Config) ServerURL() (string, error) {
	if strings.TrimSpace(c.Server.URL) == "" {
		return "", fmt.Errorf("no server configured: set server.url in %s or SHELF_SERVER_URL", DefaultPath())
	}
	u, err := validation.NewServerURLValidator(c.Server.AllowInsecureHosts).ValidateAndNormalize(c.Server.URL)
	if err != nil {
		return "", fmt.Errorf("server.url: %w", err)
	}
	return u, nil
}

func Save(config *Config, path string) error {
	v := viper.New()

	// Convert durations to strings for TOML readability
	v.Set("server", map[string]interface{}{
		"url":                  config.Server.URL,
		"token":                config.Server.Token,
		"timeout":              config.Server.Timeout.String(),
		"user_agent":           config.Server.UserAgent,
		"allow_insecure_hosts": config.Server.AllowInsecureHosts,
	})
	v.Set("storage", map[string]interface{}{
		"data_dir":     config.Storage.DataDir,
		"db_path":      config.Storage.DBPath,
		"db_timeout":   config.Storage.DBTimeout.String(),
		"search_index": config.Storage.SearchIndex,
		"entries_dir":  config.Storage.EntriesDir,
	})
	v.Set("images", map[string]interface{}{
		"include":               config.Images.Include,
		"connect_timeout":       config.Images.ConnectTimeout.String(),
		"transfer_timeout":      config.Images.TransferTimeout.String(),
		"rate_per_second":       config.Images.RatePerSecond,
		"cancel_check_interval": config.Images.CancelCheckInterval.String(),
	})
	v.Set("sync", map[string]interface{}{
		"timeout":       config.Sync.Timeout.String(),
		"max_retries":   config.Sync.MaxRetries,
		"refresh_limit": config.Sync.RefreshLimit,
	})
	v.Set("materialize", map[string]interface{}{
		"concurrency": config.Materialize.Concurrency,
	})
	v.Set("log", map[string]interface{}{
		"level": config.Log.Level,
		"file":  config.Log.File,
	})
	for key, value := range uiSettings(config.UI) {
		v.Set("ui."+key, value)
	}
	for key, value := range mediaSettings(config.Media) {
		v.Set("media."+key, value)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	return v.WriteConfigAs(path)
}

func GenerateDefaultConfig(path string) error {
	return Save(defaultConfig(), path)
}
