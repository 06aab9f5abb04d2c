package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/devloop/internal/client"
	deverrors "github.com/conneroisu/devloop/internal/errors"
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

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	// Each run reads its own project; nothing may leak from the last one.
	viper.Reset()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func writeProject(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	chdir(t, dir)
	return dir
}

func TestConfigShow(t *testing.T) {
	writeProject(t, map[string]string{".devloop.yml": "server:\n  port: 4567\n"})

	out, err := execute(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "port: 4567")
	assert.Contains(t, out, "path: /__dev-server")
	assert.Contains(t, out, "heartbeat: 10s")
}

func TestConfigValidate_Invalid(t *testing.T) {
	writeProject(t, map[string]string{".devloop.yml": "build:\n  mode: staging\n"})

	_, err := execute(t, "config", "validate")
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version", "--short")
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestBuild_WritesBundle(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"src/index.ts": "const greeting: string = 'hi'\nconsole.log(greeting)\n",
	})

	out, err := execute(t, "build", "production")
	require.NoError(t, err)
	assert.Contains(t, out, "Compiled successfully!")
	assert.FileExists(t, filepath.Join(dir, "dist", "index.js"))
}

func TestBuild_FailsOnSyntaxError(t *testing.T) {
	writeProject(t, map[string]string{
		"src/index.ts": "const = ;\n",
	})

	out, err := execute(t, "build")
	assert.ErrorIs(t, err, errBuildFailed)
	assert.Contains(t, err.Error(), "index.ts:1", "the error points at the first problem")
	assert.Contains(t, out, "Failed to compile.")
}

func TestAttachOptions(t *testing.T) {
	base := client.Options{Server: "http://localhost:3000", Path: "/__dev-server", Timeout: 20 * time.Second}

	opts, err := attachOptions(base, "http://127.0.0.1:8080")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8080", opts.Server)
	assert.Equal(t, "/__dev-server", opts.Path)
	assert.Equal(t, 20*time.Second, opts.Timeout)

	opts, err = attachOptions(base, "http://127.0.0.1:8080/__events/?timeout=5000")
	require.NoError(t, err)
	assert.Equal(t, "/__events", opts.Path)
	assert.Equal(t, 5*time.Second, opts.Timeout)

	_, err = attachOptions(base, "localhost:3000")
	assert.True(t, deverrors.IsConfigError(err))

	_, err = attachOptions(base, "http://localhost:3000?timeout=soon")
	assert.True(t, deverrors.IsConfigError(err))
}
