// Package config loads devloop configuration with Viper from a YAML file,
// DEVLOOP_ environment variables and command-line flags.
//
// Precedence, highest first: flags, environment (DEVLOOP_SECTION_OPTION, and
// PORT for the server port), the config file (.devloop.yml, --config or
// DEVLOOP_CONFIG_FILE), defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DEVLOOP"

// ConfigFileEnv names a config file to use instead of .devloop.yml.
const ConfigFileEnv = "DEVLOOP_CONFIG_FILE"

type Config struct {
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Build       BuildConfig       `yaml:"build" mapstructure:"build"`
	EventStream EventStreamConfig `yaml:"event_stream" mapstructure:"event_stream"`
	Client      ClientConfig      `yaml:"client" mapstructure:"client"`
	Lint        LintConfig        `yaml:"lint" mapstructure:"lint"`
	TypeCheck   TypeCheckConfig   `yaml:"type_check" mapstructure:"type_check"`
	Overlay     OverlayConfig     `yaml:"overlay" mapstructure:"overlay"`
	HMR         HMRConfig         `yaml:"hmr" mapstructure:"hmr"`
}

type ServerConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
	Open bool   `yaml:"open" mapstructure:"open"`
	// Static is served for paths the bundle does not produce.
	Static string `yaml:"static" mapstructure:"static"`
}

type BuildConfig struct {
	Name        string        `yaml:"name" mapstructure:"name"`
	Mode        string        `yaml:"mode" mapstructure:"mode"`
	EntryPoints []string      `yaml:"entry_points" mapstructure:"entry_points"`
	Outdir      string        `yaml:"outdir" mapstructure:"outdir"`
	PublicPath  string        `yaml:"public_path" mapstructure:"public_path"`
	Sourcemap   bool          `yaml:"sourcemap" mapstructure:"sourcemap"`
	Watch       []string      `yaml:"watch" mapstructure:"watch"`
	Ignore      []string      `yaml:"ignore" mapstructure:"ignore"`
	Debounce    time.Duration `yaml:"debounce" mapstructure:"debounce"`
}

type EventStreamConfig struct {
	Path      string        `yaml:"path" mapstructure:"path"`
	Heartbeat time.Duration `yaml:"heartbeat" mapstructure:"heartbeat"`
}

type ClientConfig struct {
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

type LintConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Linter  string        `yaml:"linter" mapstructure:"linter"`
	Command string        `yaml:"command" mapstructure:"command"`
	Args    []string      `yaml:"args" mapstructure:"args"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

type TypeCheckConfig struct {
	Enabled bool     `yaml:"enabled" mapstructure:"enabled"`
	Command string   `yaml:"command" mapstructure:"command"`
	Args    []string `yaml:"args" mapstructure:"args"`
	// Async reports issues on the side channel after the build instead of
	// folding them into it.
	Async bool `yaml:"async" mapstructure:"async"`
}

type OverlayConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Style   string `yaml:"style" mapstructure:"style"`
}

type HMRConfig struct {
	Enabled bool     `yaml:"enabled" mapstructure:"enabled"`
	Origins []string `yaml:"origins" mapstructure:"origins"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.open", false)
	v.SetDefault("server.static", "public")

	v.SetDefault("build.name", "client")
	v.SetDefault("build.mode", "development")
	v.SetDefault("build.entry_points", []string{"src/index.ts"})
	v.SetDefault("build.outdir", "dist")
	v.SetDefault("build.public_path", "/dist")
	v.SetDefault("build.sourcemap", true)
	v.SetDefault("build.watch", []string{"src"})
	v.SetDefault("build.ignore", []string{"node_modules", ".git"})
	v.SetDefault("build.debounce", 100*time.Millisecond)

	v.SetDefault("event_stream.path", "/__dev-server")
	v.SetDefault("event_stream.heartbeat", 10*time.Second)

	v.SetDefault("client.timeout", 20*time.Second)

	v.SetDefault("lint.enabled", false)
	v.SetDefault("lint.linter", "eslint")
	v.SetDefault("lint.command", "eslint")
	v.SetDefault("lint.args", []string{"--format", "json", "."})
	v.SetDefault("lint.timeout", 30*time.Second)

	v.SetDefault("type_check.enabled", false)
	v.SetDefault("type_check.command", "tsc")
	v.SetDefault("type_check.args", []string{"--noEmit", "--pretty", "false"})
	v.SetDefault("type_check.async", true)

	v.SetDefault("overlay.enabled", true)
	v.SetDefault("overlay.style", "github")

	v.SetDefault("hmr.enabled", true)
	v.SetDefault("hmr.origins", []string{"localhost:*", "127.0.0.1:*"})
}

// Init points v at the config file and environment. An explicit cfgFile
// wins over DEVLOOP_CONFIG_FILE, which wins over .devloop.yml in the
// working directory. A missing default file is not an error.
func Init(v *viper.Viper, cfgFile string) error {
	explicit := true
	switch {
	case cfgFile != "":
		v.SetConfigFile(cfgFile)
	case os.Getenv(ConfigFileEnv) != "":
		v.SetConfigFile(os.Getenv(ConfigFileEnv))
	default:
		explicit = false
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName(".devloop")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// PORT is the conventional override; flags bound later still win.
	if err := v.BindEnv("server.port", EnvPrefix+"_SERVER_PORT", "PORT"); err != nil {
		return err
	}
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !explicit && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("reading config: %w", err)
	}
	return nil
}

// Load decodes the global viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom decodes v and validates the result.
func LoadFrom(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Viper leaves string slices from the environment as one string.
	for key, dst := range map[string]*[]string{
		"build.entry_points": &config.Build.EntryPoints,
		"build.watch":        &config.Build.Watch,
		"build.ignore":       &config.Build.Ignore,
		"lint.args":          &config.Lint.Args,
		"type_check.args":    &config.TypeCheck.Args,
		"hmr.origins":        &config.HMR.Origins,
	} {
		if v.IsSet(key) {
			*dst = v.GetStringSlice(key)
		}
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

// Addr is the listen address of the dev server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func validateConfig(config *Config) error {
	if err := validateServerConfig(&config.Server); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := validateBuildConfig(&config.Build); err != nil {
		return fmt.Errorf("build config: %w", err)
	}
	if !strings.HasPrefix(config.EventStream.Path, "/") {
		return fmt.Errorf("event_stream config: path %q must start with /", config.EventStream.Path)
	}
	if config.EventStream.Heartbeat <= 0 {
		return fmt.Errorf("event_stream config: heartbeat must be positive")
	}
	if config.Client.Timeout <= config.EventStream.Heartbeat {
		return fmt.Errorf("client config: timeout %s must exceed the heartbeat %s",
			config.Client.Timeout, config.EventStream.Heartbeat)
	}
	if config.Lint.Enabled && config.Lint.Command == "" {
		return fmt.Errorf("lint config: command is required when enabled")
	}
	if config.TypeCheck.Enabled && config.TypeCheck.Command == "" {
		return fmt.Errorf("type_check config: command is required when enabled")
	}
	return nil
}

func validateServerConfig(config *ServerConfig) error {
	// 0 lets the system pick, which tests rely on.
	if config.Port < 0 || config.Port > 65535 {
		return fmt.Errorf("port %d is not in valid range 0-65535", config.Port)
	}
	if strings.ContainsAny(config.Host, ";&|$`()<>\"'\\") {
		return fmt.Errorf("host contains dangerous characters: %s", config.Host)
	}
	return nil
}

func validateBuildConfig(config *BuildConfig) error {
	switch config.Mode {
	case "development", "production":
	default:
		return fmt.Errorf("mode %q must be development or production", config.Mode)
	}
	if len(config.EntryPoints) == 0 {
		return fmt.Errorf("at least one entry point is required")
	}
	for _, path := range config.EntryPoints {
		if err := validatePath(path); err != nil {
			return fmt.Errorf("invalid entry point '%s': %w", path, err)
		}
	}
	if err := validatePath(config.Outdir); err != nil {
		return fmt.Errorf("invalid outdir '%s': %w", config.Outdir, err)
	}
	if !strings.HasPrefix(config.PublicPath, "/") {
		return fmt.Errorf("public_path %q must start with /", config.PublicPath)
	}
	return nil
}

// validatePath rejects empty paths, traversal and shell metacharacters.
func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	cleanPath := filepath.Clean(path)
	if strings.Contains(cleanPath, "..") {
		return fmt.Errorf("path contains traversal: %s", path)
	}
	if strings.ContainsAny(cleanPath, ";&|$`()<>\"'") {
		return fmt.Errorf("path contains dangerous characters: %s", path)
	}
	return nil
}
