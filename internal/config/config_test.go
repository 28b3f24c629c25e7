package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
root = "/src/project"
request_timeout = "10s"
log_level = "debug"

[server]
command = "gopls"
args = ["serve", "-rpc.trace"]
workdir = "/src/project"

[server.env]
GOFLAGS = "-mod=mod"

[server.initialization_options]
gofumpt = true
`

const sampleYAML = `
root: /src/project
shutdown_timeout: 2s
server:
  address: 127.0.0.1:9257
  initialization_options:
    checkOnSave: false
`

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ".", cfg.Root)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
	assert.ErrorIs(t, cfg.Validate(), ErrNoServer)
}

func TestParseTOML(t *testing.T) {
	cfg, err := ParseTOML([]byte(sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, "/src/project", cfg.Root)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "gopls", cfg.Server.Command)
	assert.Equal(t, []string{"serve", "-rpc.trace"}, cfg.Server.Args)
	assert.Equal(t, map[string]string{"GOFLAGS": "-mod=mod"}, cfg.Server.Env)
	assert.Equal(t, map[string]any{"gofumpt": true}, cfg.Server.InitializationOptions)
	assert.NoError(t, cfg.Validate())
}

func TestParseTOML_UnknownKey(t *testing.T) {
	_, err := ParseTOML([]byte("rooot = \"/x\"\n"))
	assert.ErrorContains(t, err, "rooot")
}

func TestParseTOML_BadDuration(t *testing.T) {
	_, err := ParseTOML([]byte("request_timeout = \"soon\"\n"))
	assert.ErrorContains(t, err, "request_timeout")
}

func TestParseYAML(t *testing.T) {
	cfg, err := ParseYAML([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9257", cfg.Server.Address)
	assert.Empty(t, cfg.Server.Command)
	assert.Equal(t, 2*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, map[string]any{"checkOnSave": false}, cfg.Server.InitializationOptions)
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	tomlPath := filepath.Join(dir, "lspc.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte(sampleTOML), 0o644))
	cfg, err := Load(tomlPath)
	require.NoError(t, err)
	assert.Equal(t, "gopls", cfg.Server.Command)

	yamlPath := filepath.Join(dir, "lspc.yml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(sampleYAML), 0o644))
	cfg, err = Load(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9257", cfg.Server.Address)

	iniPath := filepath.Join(dir, "lspc.ini")
	require.NoError(t, os.WriteFile(iniPath, []byte("x=1"), 0o644))
	_, err = Load(iniPath)
	assert.ErrorContains(t, err, "unsupported format")

	_, err = Load(filepath.Join(dir, "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"command", func(c *Config) { c.Server.Command = "gopls" }, nil},
		{"address", func(c *Config) { c.Server.Address = "localhost:1" }, nil},
		{"neither", func(c *Config) {}, ErrNoServer},
		{"both", func(c *Config) { c.Server.Command = "gopls"; c.Server.Address = "localhost:1" }, ErrBothServers},
		{"negative timeout", func(c *Config) { c.Server.Command = "gopls"; c.RequestTimeout = -time.Second }, ErrNegativeTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvServerAddress, "127.0.0.1:7000")
	t.Setenv(EnvRoot, "/env/root")
	t.Setenv(EnvRequestTimeout, "1500ms")

	cfg := Default()
	cfg.Server.Command = "gopls"
	require.NoError(t, cfg.ApplyEnv())

	assert.Equal(t, "127.0.0.1:7000", cfg.Server.Address)
	assert.Empty(t, cfg.Server.Command)
	assert.Equal(t, "/env/root", cfg.Root)
	assert.Equal(t, 1500*time.Millisecond, cfg.RequestTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestApplyEnv_BadDuration(t *testing.T) {
	t.Setenv(EnvShutdownTimeout, "forever")
	cfg := Default()
	assert.Error(t, cfg.ApplyEnv())
}
