package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir mirrors testing.T.Chdir (Go 1.24+): it changes the working directory
// for the rest of the test, sets PWD, and restores the old directory on cleanup.
func chdir(t *testing.T, dir string) {
	t.Helper()
	oldwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	if !filepath.IsAbs(dir) {
		dir, err = os.Getwd()
		require.NoError(t, err)
	}
	t.Setenv("PWD", dir)
	t.Cleanup(func() { _ = os.Chdir(oldwd) })
}

func load(t *testing.T, cfgFile string) (*Config, error) {
	t.Helper()
	v := viper.New()
	if err := Init(v, cfgFile); err != nil {
		return nil, err
	}
	return LoadFrom(v)
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := load(t, "")
	require.NoError(t, err)

	assert.Equal(t, "localhost:3000", cfg.Addr())
	assert.Equal(t, "/__dev-server", cfg.EventStream.Path)
	assert.Equal(t, 10*time.Second, cfg.EventStream.Heartbeat)
	assert.Equal(t, 20*time.Second, cfg.Client.Timeout)
	assert.Equal(t, []string{"src/index.ts"}, cfg.Build.EntryPoints)
	assert.Equal(t, "development", cfg.Build.Mode)
	assert.True(t, cfg.Overlay.Enabled)
	assert.True(t, cfg.HMR.Enabled)
	assert.True(t, cfg.TypeCheck.Async)
	assert.Equal(t, []string{"--format", "json", "."}, cfg.Lint.Args)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	writeFile(t, dir, ".devloop.yml", `
server:
  port: 4000
build:
  entry_points: [web/main.tsx, web/admin.tsx]
  debounce: 250ms
event_stream:
  path: /__events
  heartbeat: 5s
lint:
  enabled: true
type_check:
  enabled: true
  async: false
`)

	cfg, err := load(t, "")
	require.NoError(t, err)
	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, []string{"web/main.tsx", "web/admin.tsx"}, cfg.Build.EntryPoints)
	assert.Equal(t, 250*time.Millisecond, cfg.Build.Debounce)
	assert.Equal(t, "/__events", cfg.EventStream.Path)
	assert.Equal(t, 5*time.Second, cfg.EventStream.Heartbeat)
	assert.True(t, cfg.Lint.Enabled)
	assert.False(t, cfg.TypeCheck.Async)
}

func TestLoad_PortPrecedence(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	writeFile(t, dir, ".devloop.yml", "server:\n  port: 4000\n")

	t.Setenv("PORT", "5000")
	cfg, err := load(t, "")
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Server.Port, "PORT beats the file")

	v := viper.New()
	require.NoError(t, Init(v, ""))
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("port", 3000, "")
	require.NoError(t, v.BindPFlag("server.port", fs.Lookup("port")))
	require.NoError(t, fs.Parse([]string{"--port", "6000"}))
	cfg, err = LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, 6000, cfg.Server.Port, "the flag beats PORT")
}

func TestLoad_EnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("DEVLOOP_EVENT_STREAM_PATH", "/__env")
	t.Setenv("DEVLOOP_BUILD_MODE", "production")

	cfg, err := load(t, "")
	require.NoError(t, err)
	assert.Equal(t, "/__env", cfg.EventStream.Path)
	assert.Equal(t, "production", cfg.Build.Mode)
}

func TestLoad_ConfigFileSources(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	envFile := writeFile(t, dir, "env.yml", "server:\n  port: 7000\n")
	flagFile := writeFile(t, dir, "flag.yml", "server:\n  port: 8000\n")

	t.Setenv(ConfigFileEnv, envFile)
	cfg, err := load(t, "")
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)

	cfg, err = load(t, flagFile)
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Server.Port, "--config beats the environment")

	_, err = load(t, filepath.Join(dir, "missing.yml"))
	assert.Error(t, err, "an explicit file must exist")
}

func TestValidateConfig(t *testing.T) {
	valid := func() Config {
		return Config{
			Server:      ServerConfig{Host: "localhost", Port: 3000},
			Build:       BuildConfig{Mode: "development", EntryPoints: []string{"src/index.ts"}, Outdir: "dist", PublicPath: "/dist"},
			EventStream: EventStreamConfig{Path: "/__dev-server", Heartbeat: 10 * time.Second},
			Client:      ClientConfig{Timeout: 20 * time.Second},
		}
	}

	cfg := valid()
	require.NoError(t, validateConfig(&cfg))

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"host injection", func(c *Config) { c.Server.Host = "localhost;rm" }},
		{"unknown mode", func(c *Config) { c.Build.Mode = "staging" }},
		{"no entry points", func(c *Config) { c.Build.EntryPoints = nil }},
		{"outdir traversal", func(c *Config) { c.Build.Outdir = "../out" }},
		{"relative public path", func(c *Config) { c.Build.PublicPath = "dist" }},
		{"relative stream path", func(c *Config) { c.EventStream.Path = "events" }},
		{"timeout below heartbeat", func(c *Config) { c.Client.Timeout = 5 * time.Second }},
		{"lint without command", func(c *Config) { c.Lint = LintConfig{Enabled: true} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			assert.Error(t, validateConfig(&cfg))
		})
	}
}
