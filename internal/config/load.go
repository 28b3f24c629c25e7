package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk layout shared by the TOML and YAML formats.
type fileConfig struct {
	Root            string      `toml:"root" yaml:"root"`
	RequestTimeout  string      `toml:"request_timeout" yaml:"request_timeout"`
	ShutdownTimeout string      `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
	LogLevel        string      `toml:"log_level" yaml:"log_level"`
	Server          *fileServer `toml:"server" yaml:"server"`
}

type fileServer struct {
	Command               string            `toml:"command" yaml:"command"`
	Args                  []string          `toml:"args" yaml:"args"`
	Env                   map[string]string `toml:"env" yaml:"env"`
	WorkDir               string            `toml:"workdir" yaml:"workdir"`
	Address               string            `toml:"address" yaml:"address"`
	InitializationOptions map[string]any    `toml:"initialization_options" yaml:"initialization_options"`
}

// Load reads a configuration file on top of Default. The format is chosen
// by extension: .toml, or .yaml/.yml.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		return ParseTOML(data)
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return Config{}, fmt.Errorf("load config: unsupported format %q", ext)
	}
}

// ParseTOML decodes a TOML configuration on top of Default.
func ParseTOML(data []byte) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(string(data), &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse toml config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("parse toml config: unknown key %q", undecoded[0].String())
	}
	return raw.apply(Default())
}

// ParseYAML decodes a YAML configuration on top of Default.
func ParseYAML(data []byte) (Config, error) {
	var raw fileConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parse yaml config: %w", err)
	}
	return raw.apply(Default())
}

func (f fileConfig) apply(cfg Config) (Config, error) {
	if v := strings.TrimSpace(f.Root); v != "" {
		cfg.Root = v
	}
	if v := strings.TrimSpace(f.LogLevel); v != "" {
		cfg.LogLevel = v
	}

	var err error
	if cfg.RequestTimeout, err = parseDuration("request_timeout", f.RequestTimeout, cfg.RequestTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownTimeout, err = parseDuration("shutdown_timeout", f.ShutdownTimeout, cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}

	if s := f.Server; s != nil {
		cfg.Server = Server{
			Command: strings.TrimSpace(s.Command),
			Args:    s.Args,
			Env:     s.Env,
			WorkDir: strings.TrimSpace(s.WorkDir),
			Address: strings.TrimSpace(s.Address),
		}
		if len(s.InitializationOptions) > 0 {
			cfg.Server.InitializationOptions = s.InitializationOptions
		}
	}
	return cfg, nil
}

func parseDuration(key, raw string, fallback time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
