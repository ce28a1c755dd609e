package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/varpack/internal/repack"
)

// FileName is the config file name looked up by FindConfigFile.
const FileName = "varpack.yaml"

// HomeEnv overrides the XDG data directory that every default path hangs off.
const HomeEnv = "VARPACK_HOME"

// Config is the top-level configuration
type Config struct {
	Library  LibraryConfig  `yaml:"library"`
	Download DownloadConfig `yaml:"download"`
	Optimize OptimizeConfig `yaml:"optimize"`
	Export   ExportConfig   `yaml:"export"`
	Server   ServerConfig   `yaml:"server"`
}

// LibraryConfig locates the package library and its bookkeeping.
type LibraryConfig struct {
	Dir        string `yaml:"dir"`
	ArchiveDir string `yaml:"archive_dir"`
	BackupDir  string `yaml:"backup_dir"`
	DBPath     string `yaml:"db_path"`
}

// DownloadConfig holds remote catalog settings
type DownloadConfig struct {
	CatalogURL     string `yaml:"catalog_url"`
	MaxConcurrent  int    `yaml:"max_concurrent"`
	RequestTimeout string `yaml:"request_timeout"`
	RetryAttempts  int    `yaml:"retry_attempts"`
}

// OptimizeConfig holds the defaults every optimization starts from.
type OptimizeConfig struct {
	JPEGQuality         int                `yaml:"jpeg_quality"`
	DefaultTextureSize  int                `yaml:"default_texture_size"`
	Minify              bool               `yaml:"minify"`
	Conflict            string             `yaml:"conflict"`
	NoChange            string             `yaml:"no_change"`
	Textures            map[string]int     `yaml:"textures,omitempty"`
	SceneSettings       map[string]float64 `yaml:"scene_settings,omitempty"`
	StripDependencies   []string           `yaml:"strip_dependencies,omitempty"`
	RelatchDependencies []string           `yaml:"relatch_dependencies,omitempty"`
}

// ExportConfig holds export/transfer settings
type ExportConfig struct {
	SplitSize string `yaml:"split_size"`
	OutputDir string `yaml:"output_dir"`
}

// ServerConfig holds catalog server settings
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// DataDir returns the directory default paths are rooted at.
func DataDir() string {
	if explicit := os.Getenv(HomeEnv); explicit != "" {
		return explicit
	}

	xdg.Reload()

	dataHome := xdg.DataHome
	if dataHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "varpack")
		}
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "varpack")
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	data := DataDir()
	return &Config{
		Library: LibraryConfig{
			Dir:        filepath.Join(data, "library"),
			ArchiveDir: filepath.Join(data, "archive"),
			BackupDir:  filepath.Join(data, "backup"),
			DBPath:     filepath.Join(data, "varpack.db"),
		},
		Download: DownloadConfig{
			MaxConcurrent:  2,
			RequestTimeout: "5m",
			RetryAttempts:  3,
		},
		Optimize: OptimizeConfig{
			JPEGQuality:        repack.DefaultJPEGQuality,
			DefaultTextureSize: 0,
			Conflict:           "rename",
			NoChange:           "skip",
		},
		Export: ExportConfig{
			SplitSize: "25GB",
			OutputDir: filepath.Join(data, "export"),
		},
		Server: ServerConfig{
			Listen: "0.0.0.0:8080",
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Write saves the config as YAML, creating parent directories.
func (c *Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// SearchPaths lists the locations FindConfigFile checks, in order.
func SearchPaths() []string {
	xdg.Reload()
	paths := []string{
		FileName,
		filepath.Join(xdg.ConfigHome, "varpack", FileName),
	}
	for _, dir := range xdg.ConfigDirs {
		paths = append(paths, filepath.Join(dir, "varpack", FileName))
	}
	return append(paths, filepath.Join("/etc", "varpack", FileName))
}

// UserConfigPath is where `varpack config init` writes a fresh file.
func UserConfigPath() string {
	xdg.Reload()
	return filepath.Join(xdg.ConfigHome, "varpack", FileName)
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := SearchPaths()
	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	var errs []error
	if c.Library.Dir == "" {
		errs = append(errs, errors.New("library.dir is required"))
	}
	if c.Download.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("download.max_concurrent must be at least 1, got %d", c.Download.MaxConcurrent))
	}
	if c.Download.RetryAttempts < 0 {
		errs = append(errs, fmt.Errorf("download.retry_attempts must not be negative, got %d", c.Download.RetryAttempts))
	}
	if _, err := c.Download.Timeout(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Export.SplitBytes(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Optimize.ToRepackConfig(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Timeout parses request_timeout. Empty means no per-request timeout.
func (d DownloadConfig) Timeout() (time.Duration, error) {
	if d.RequestTimeout == "" {
		return 0, nil
	}
	timeout, err := time.ParseDuration(d.RequestTimeout)
	if err != nil {
		return 0, fmt.Errorf("download.request_timeout: %w", err)
	}
	if timeout < 0 {
		return 0, fmt.Errorf("download.request_timeout must not be negative, got %s", d.RequestTimeout)
	}
	return timeout, nil
}

// SplitBytes parses split_size, e.g. "25GB" or "4GiB".
func (e ExportConfig) SplitBytes() (int64, error) {
	n, err := humanize.ParseBytes(e.SplitSize)
	if err != nil {
		return 0, fmt.Errorf("export.split_size: %w", err)
	}
	if n == 0 {
		return 0, errors.New("export.split_size must be greater than zero")
	}
	return int64(n), nil
}

// ToRepackConfig builds the immutable per-package optimization config.
func (o OptimizeConfig) ToRepackConfig() (repack.Config, error) {
	conflict, err := repack.ParseConflictPolicy(o.Conflict)
	if err != nil {
		return repack.Config{}, fmt.Errorf("optimize.conflict: %w", err)
	}
	noChange, err := repack.ParseNoChangePolicy(o.NoChange)
	if err != nil {
		return repack.Config{}, fmt.Errorf("optimize.no_change: %w", err)
	}
	if o.JPEGQuality < 0 || o.JPEGQuality > 100 {
		return repack.Config{}, fmt.Errorf("optimize.jpeg_quality must be between 0 and 100, got %d", o.JPEGQuality)
	}
	if o.DefaultTextureSize < 0 {
		return repack.Config{}, fmt.Errorf("optimize.default_texture_size must not be negative, got %d", o.DefaultTextureSize)
	}

	cfg := repack.Config{
		Textures:            copyMap(o.Textures),
		DefaultTextureSize:  o.DefaultTextureSize,
		SceneSettings:       copyMap(o.SceneSettings),
		StripDependencies:   append([]string(nil), o.StripDependencies...),
		RelatchDependencies: append([]string(nil), o.RelatchDependencies...),
		Minify:              o.Minify,
		JPEGQuality:         o.JPEGQuality,
		Conflict:            conflict,
		NoChange:            noChange,
	}
	if err := cfg.Validate(); err != nil {
		return repack.Config{}, err
	}
	return cfg, nil
}

func copyMap[V any](m map[string]V) map[string]V {
	if m == nil {
		return nil
	}
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
