// Package config loads mpvserve settings from a YAML file, the environment and
// command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mpvserve/mpvserve/internal/pathutil"
)

// EnvPrefix prefixes every environment override, e.g. MPVSERVE_SERVER_PORT.
const EnvPrefix = "MPVSERVE"

type DatabaseType string

const (
	DatabaseTypeSQLite DatabaseType = "sqlite"
	DatabaseTypeMongo  DatabaseType = "mongo"
)

// Config is the full application configuration.
type Config struct {
	RootDir  string         `yaml:"root_dir" mapstructure:"root_dir"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
	Listing  ListingConfig  `yaml:"listing" mapstructure:"listing"`
}

type ServerConfig struct {
	Host                   string `yaml:"host" mapstructure:"host"`
	Port                   int    `yaml:"port" mapstructure:"port"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds" mapstructure:"shutdown_timeout_seconds"`
}

type DatabaseConfig struct {
	Type          DatabaseType `yaml:"type" mapstructure:"type"`
	Path          string       `yaml:"path" mapstructure:"path"`
	MongoURI      string       `yaml:"mongo_uri" mapstructure:"mongo_uri"`
	MongoDatabase string       `yaml:"mongo_database" mapstructure:"mongo_database"`
}

type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	File       string `yaml:"file" mapstructure:"file"`
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"`
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

type ListingConfig struct {
	MovieExtensions    []string `yaml:"movie_extensions" mapstructure:"movie_extensions"`
	MaxProgressLookups int      `yaml:"max_progress_lookups" mapstructure:"max_progress_lookups"`
}

// SettingsDir is where the database lives unless configured otherwise.
func SettingsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mpvserve"
	}
	return filepath.Join(home, ".mpvserve")
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                   "0.0.0.0",
			Port:                   8000,
			ShutdownTimeoutSeconds: 10,
		},
		Database: DatabaseConfig{
			Type:          DatabaseTypeSQLite,
			Path:          filepath.Join(SettingsDir(), "data.db"),
			MongoURI:      "mongodb://localhost:27017",
			MongoDatabase: "mpvserve",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 3,
		},
		Listing: ListingConfig{
			MovieExtensions:    []string{"mkv", "avi"},
			MaxProgressLookups: 4,
		},
	}
}

// SetDefaults registers every default on v so env vars and flags can
// override single keys.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("root_dir", d.RootDir)
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.shutdown_timeout_seconds", d.Server.ShutdownTimeoutSeconds)
	v.SetDefault("database.type", string(d.Database.Type))
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.mongo_uri", d.Database.MongoURI)
	v.SetDefault("database.mongo_database", d.Database.MongoDatabase)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size", d.Log.MaxSize)
	v.SetDefault("log.max_age", d.Log.MaxAge)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.compress", d.Log.Compress)
	v.SetDefault("listing.movie_extensions", d.Listing.MovieExtensions)
	v.SetDefault("listing.max_progress_lookups", d.Listing.MaxProgressLookups)
}

// Load reads configFile (optional) into v and decodes the result.
// An empty configFile looks for config.yaml in the working directory and the
// settings dir; not finding one is fine.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(SettingsDir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	return cfg, nil
}

// LoadConfig loads configuration with a fresh viper instance.
func LoadConfig(configFile string) (*Config, error) {
	return Load(viper.New(), configFile)
}

// Validate checks values that do not depend on the filesystem.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.ShutdownTimeoutSeconds < 0 {
		return fmt.Errorf("server.shutdown_timeout_seconds cannot be negative")
	}

	switch c.Database.Type {
	case DatabaseTypeSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	case DatabaseTypeMongo:
		if c.Database.MongoURI == "" || c.Database.MongoDatabase == "" {
			return fmt.Errorf("database.mongo_uri and database.mongo_database are required for mongo")
		}
	default:
		return fmt.Errorf("unknown database.type %q (use %q or %q)", c.Database.Type, DatabaseTypeSQLite, DatabaseTypeMongo)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log.level %q", c.Log.Level)
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}

	if len(c.Listing.MovieExtensions) == 0 {
		return fmt.Errorf("listing.movie_extensions cannot be empty")
	}
	if c.Listing.MaxProgressLookups <= 0 {
		return fmt.Errorf("listing.max_progress_lookups must be positive")
	}

	return nil
}

// ValidateRoot checks that the media root exists and stores its absolute,
// symlink-free form back into the config.
func (c *Config) ValidateRoot() error {
	if c.RootDir == "" {
		return fmt.Errorf("root directory is required (--dir or root_dir)")
	}

	abs, err := filepath.Abs(c.RootDir)
	if err != nil {
		return fmt.Errorf("cannot resolve root directory %s: %w", c.RootDir, err)
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return fmt.Errorf("cannot resolve root directory %s: %w", c.RootDir, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("cannot access root directory %s: %w", abs, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("root %s is not a directory", abs)
	}

	c.RootDir = abs
	return nil
}

// EnsureDirectories creates the directories of the database and log files.
func (c *Config) EnsureDirectories() error {
	if c.Database.Type == DatabaseTypeSQLite {
		if err := pathutil.CheckFileDirectoryWritable(c.Database.Path, "database"); err != nil {
			return err
		}
	}
	return pathutil.CheckFileDirectoryWritable(c.Log.File, "log")
}

// WriteFile stores c as YAML at path, refusing to overwrite an existing file.
func (c *Config) WriteFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}

	if err := pathutil.CheckFileDirectoryWritable(path, "config"); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}
