// Package config loads and validates the optional .gitrun YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default values.
const (
	DefaultServer          = "http://localhost:5000"
	DefaultTimeout         = 2 * time.Minute
	DefaultMaxOutput       = 1 << 20 // 1 MB
	DefaultHistoryCapacity = 100
	DefaultGitHubAPI       = "https://api.github.com"
)

// Execution modes.
const (
	ModeGateway = "gateway" // POST /api/run on a gitrun-compatible gateway
	ModePiston  = "piston"  // fetch from GitHub and call Piston directly
)

// History backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// DefaultPistonEndpoints are tried in order when none are configured.
var DefaultPistonEndpoints = []string{
	"https://emkc.org/api/v2/piston/execute",
	"https://piston.rs/execute",
}

// Environment variable overrides. They win over the file.
const (
	EnvServer    = "GITRUN_SERVER"
	EnvToken     = "GITRUN_TOKEN"
	EnvMode      = "GITRUN_MODE"
	EnvHistory   = "GITRUN_HISTORY"
	EnvCapacity  = "GITRUN_HISTORY_CAPACITY"
	EnvLogLevel  = "GITRUN_LOG_LEVEL"
	EnvLogFormat = "GITRUN_LOG_FORMAT"
)

// Config holds the parsed .gitrun configuration.
// All fields are optional; zero values represent defaults.
type Config struct {
	Version      int           `yaml:"version"`
	Server       string        `yaml:"server"`     // gateway base URL
	Token        string        `yaml:"token"`      // GitHub PAT, sent as a bearer token
	Mode         string        `yaml:"mode"`       // gateway | piston
	RawTimeout   string        `yaml:"timeout"`    // e.g. "2m", "30s"
	RawMaxOutput int           `yaml:"max_output"` // bytes kept per stream
	Piston       PistonConfig  `yaml:"piston"`
	GitHub       GitHubConfig  `yaml:"github"`
	History      HistoryConfig `yaml:"history"`
	Log          LogConfig     `yaml:"log"`
}

// PistonConfig controls direct execution against Piston.
type PistonConfig struct {
	Endpoints []string `yaml:"endpoints"`
}

// GitHubConfig controls how file contents are fetched in piston mode.
type GitHubConfig struct {
	API string `yaml:"api"` // default https://api.github.com
}

// HistoryConfig controls where the run log is persisted.
type HistoryConfig struct {
	Backend  string `yaml:"backend"`  // file | sqlite
	Path     string `yaml:"path"`     // file or database path
	Capacity int    `yaml:"capacity"` // entries kept, default 100
}

// LogConfig controls logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // console | json
}

// Timeout returns the configured timeout or the default.
func (c *Config) Timeout() time.Duration {
	if c.RawTimeout != "" {
		d, err := time.ParseDuration(c.RawTimeout)
		if err == nil && d > 0 {
			return d
		}
	}
	return DefaultTimeout
}

// MaxOutputBytes returns the configured max output size or the default.
func (c *Config) MaxOutputBytes() int {
	if c.RawMaxOutput > 0 {
		return c.RawMaxOutput
	}
	return DefaultMaxOutput
}

// ServerURL returns the gateway base URL.
func (c *Config) ServerURL() string {
	if c.Server != "" {
		return c.Server
	}
	return DefaultServer
}

// ExecMode returns the execution mode, falling back to gateway.
func (c *Config) ExecMode() string {
	if c.Mode == ModePiston {
		return ModePiston
	}
	return ModeGateway
}

// PistonEndpoints returns the configured endpoints, falling back to defaults.
func (c *Config) PistonEndpoints() []string {
	if len(c.Piston.Endpoints) > 0 {
		return c.Piston.Endpoints
	}
	return DefaultPistonEndpoints
}

// GitHubAPI returns the GitHub REST base URL.
func (c *Config) GitHubAPI() string {
	if c.GitHub.API != "" {
		return c.GitHub.API
	}
	return DefaultGitHubAPI
}

// HistoryBackend returns the history backend, falling back to file.
func (c *Config) HistoryBackend() string {
	if c.History.Backend == BackendSQLite {
		return BackendSQLite
	}
	return BackendFile
}

// HistoryCapacity returns the configured log capacity or the default.
func (c *Config) HistoryCapacity() int {
	if c.History.Capacity > 0 {
		return c.History.Capacity
	}
	return DefaultHistoryCapacity
}

// HistoryPath returns the configured history location, falling back to
// a file under the user's state directory.
func (c *Config) HistoryPath() string {
	if c.History.Path != "" {
		return c.History.Path
	}
	name := "history.json"
	if c.HistoryBackend() == BackendSQLite {
		name = "history.db"
	}
	return filepath.Join(stateDir(), name)
}

// LoadResult holds the parsed config and the file it came from.
type LoadResult struct {
	Config *Config
	Path   string // empty when no config file was found
}

// Load reads configuration for the given directory. A .env file in dir is
// loaded into the environment first (existing variables win). The .gitrun
// file in dir is preferred, then the user config file. If neither exists,
// a default Config is returned. Environment overrides are applied last.
func Load(dir string) (*LoadResult, error) {
	_ = godotenv.Load(filepath.Join(dir, ".env"))

	res := &LoadResult{Config: &Config{}}
	for _, path := range candidates(dir) {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, res.Config); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		res.Path = path
		break
	}

	if err := applyEnv(res.Config); err != nil {
		return nil, err
	}
	return res, nil
}

func candidates(dir string) []string {
	paths := []string{filepath.Join(dir, ".gitrun")}
	if cfgDir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(cfgDir, "gitrun", "config.yaml"))
	}
	return paths
}

func applyEnv(c *Config) error {
	if v := os.Getenv(EnvServer); v != "" {
		c.Server = v
	}
	if v := os.Getenv(EnvToken); v != "" {
		c.Token = v
	}
	if v := os.Getenv(EnvMode); v != "" {
		c.Mode = v
	}
	if v := os.Getenv(EnvHistory); v != "" {
		c.History.Path = v
	}
	if v := os.Getenv(EnvCapacity); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", EnvCapacity, err)
		}
		c.History.Capacity = n
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		c.Log.Format = v
	}
	return nil
}

// stateDir returns the directory for persisted client state.
func stateDir() string {
	if d := os.Getenv("XDG_STATE_HOME"); d != "" {
		return filepath.Join(d, "gitrun")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", "gitrun")
	}
	return filepath.Join(os.TempDir(), "gitrun")
}
