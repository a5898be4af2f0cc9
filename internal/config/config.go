// Package config loads configuration from defaults, an optional YAML file,
// RESYNC_* environment variables and command-line flags, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/funkey/resync/pkg/client"
	"github.com/funkey/resync/pkg/render"
)

// Renderer modes.
const (
	RendererWeb  = "web"
	RendererBase = "base"
	RendererAuto = "auto"
)

const envPrefix = "RESYNC_"

// Config holds all resync configuration.
type Config struct {
	// Path of the YAML file that was loaded, if any.
	File string `yaml:"-"`

	// Device
	Address       string   `yaml:"address"`
	User          string   `yaml:"user"`
	DocumentRoot  string   `yaml:"document_root"`
	IdentityFiles []string `yaml:"identity_files"`
	KnownHosts    string   `yaml:"known_hosts"`
	Insecure      bool     `yaml:"insecure"`
	AskPassword   bool     `yaml:"ask_password"`

	// Use a local directory instead of the device.
	LocalRoot string `yaml:"local_root"`

	// Rendering
	WebURL       string `yaml:"web_url"`
	Renderer     string `yaml:"renderer"`
	CacheMaxSize int64  `yaml:"cache_max_size"`

	// Mount
	MountPoint    string `yaml:"mount_point"`
	AllowOther    bool   `yaml:"allow_other"`
	Debug         bool   `yaml:"debug"`
	NoRestart     bool   `yaml:"no_restart"`
	MultiThreaded bool   `yaml:"multi_threaded"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`

	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the configuration for a stock device on USB.
func Default() Config {
	return Config{
		Address:      client.DefaultAddress,
		User:         client.DefaultUser,
		DocumentRoot: client.DefaultDocumentRoot,
		WebURL:       render.DefaultWebURL,
		Renderer:     RendererAuto,
		CacheMaxSize: 512 << 20,
		LogLevel:     "info",
		LogFormat:    "console",
	}
}

// DefaultFile is the config file read when none is named.
func DefaultFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "resync", "config.yaml")
}

// AddFlags registers the common flags on fs, bound to c.
func AddFlags(fs *pflag.FlagSet, c *Config) {
	fs.StringVar(&c.File, "config", c.File, "YAML config file")
	fs.StringVarP(&c.Address, "address", "a", c.Address, "device address, or \"auto\" to search for it")
	fs.StringVarP(&c.User, "user", "u", c.User, "ssh user")
	fs.StringVar(&c.DocumentRoot, "document-root", c.DocumentRoot, "document directory on the device")
	fs.StringSliceVarP(&c.IdentityFiles, "identity", "i", c.IdentityFiles, "ssh private key file (repeatable)")
	fs.StringVar(&c.KnownHosts, "known-hosts", c.KnownHosts, "known_hosts file (default ~/.ssh/known_hosts)")
	fs.BoolVar(&c.Insecure, "insecure", c.Insecure, "skip host key verification")
	fs.BoolVarP(&c.AskPassword, "password", "p", c.AskPassword, "ask for the ssh password")
	fs.StringVar(&c.LocalRoot, "local", c.LocalRoot, "use a local copy of the document directory instead of the device")
	fs.StringVar(&c.WebURL, "web-url", c.WebURL, "device web interface used for rendering")
	fs.StringVar(&c.Renderer, "renderer", c.Renderer, "renderer: web, base or auto")
	fs.Int64Var(&c.CacheMaxSize, "cache-size", c.CacheMaxSize, "bytes of rendered documents kept in memory (0 for unlimited)")
	fs.BoolVar(&c.AllowOther, "allow-other", c.AllowOther, "allow other users to access the mount")
	fs.BoolVarP(&c.Debug, "debug", "d", c.Debug, "log FUSE requests")
	fs.BoolVar(&c.NoRestart, "no-restart", c.NoRestart, "do not restart the device UI after unmounting")
	fs.BoolVar(&c.MultiThreaded, "multi-threaded", c.MultiThreaded, "serve FUSE requests concurrently")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "console or json")
	fs.StringVar(&c.LogFile, "log-file", c.LogFile, "write logs to this file instead of stderr")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "serve prometheus metrics on this address")
}

// Load parses args with fs, which must not yet carry the common flags, and
// returns the merged configuration. Flags given on the command line win over
// the environment, which wins over the file.
func Load(fs *pflag.FlagSet, args []string) (*Config, error) {
	flags := Default()
	AddFlags(fs, &flags)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()
	cfg.File = envOr(envPrefix+"CONFIG", "")
	if fs.Changed("config") {
		cfg.File = flags.File
	}
	explicit := cfg.File != ""
	if !explicit {
		cfg.File = DefaultFile()
	}
	if cfg.File != "" {
		if err := LoadFile(cfg.File, &cfg); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
			cfg.File = ""
		}
	}

	ApplyEnv(&cfg)

	if err := applyChanged(fs, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile merges the YAML file at path into cfg.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	file := cfg.File
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	cfg.File = file
	return nil
}

// ApplyEnv overrides cfg with RESYNC_* environment variables.
func ApplyEnv(cfg *Config) {
	cfg.Address = envOr(envPrefix+"ADDRESS", cfg.Address)
	cfg.User = envOr(envPrefix+"USER", cfg.User)
	cfg.DocumentRoot = envOr(envPrefix+"DOCUMENT_ROOT", cfg.DocumentRoot)
	cfg.IdentityFiles = envList(envPrefix+"IDENTITY", cfg.IdentityFiles)
	cfg.KnownHosts = envOr(envPrefix+"KNOWN_HOSTS", cfg.KnownHosts)
	cfg.Insecure = envBool(envPrefix+"INSECURE", cfg.Insecure)
	cfg.AskPassword = envBool(envPrefix+"PASSWORD", cfg.AskPassword)
	cfg.LocalRoot = envOr(envPrefix+"LOCAL", cfg.LocalRoot)
	cfg.WebURL = envOr(envPrefix+"WEB_URL", cfg.WebURL)
	cfg.Renderer = envOr(envPrefix+"RENDERER", cfg.Renderer)
	cfg.CacheMaxSize = envInt64(envPrefix+"CACHE_SIZE", cfg.CacheMaxSize)
	cfg.MountPoint = envOr(envPrefix+"MOUNT_POINT", cfg.MountPoint)
	cfg.AllowOther = envBool(envPrefix+"ALLOW_OTHER", cfg.AllowOther)
	cfg.Debug = envBool(envPrefix+"DEBUG", cfg.Debug)
	cfg.NoRestart = envBool(envPrefix+"NO_RESTART", cfg.NoRestart)
	cfg.MultiThreaded = envBool(envPrefix+"MULTI_THREADED", cfg.MultiThreaded)
	cfg.LogLevel = envOr(envPrefix+"LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOr(envPrefix+"LOG_FORMAT", cfg.LogFormat)
	cfg.LogFile = envOr(envPrefix+"LOG_FILE", cfg.LogFile)
	cfg.MetricsAddr = envOr(envPrefix+"METRICS_ADDR", cfg.MetricsAddr)
}

// applyChanged copies the flags set on the command line into cfg.
func applyChanged(fs *pflag.FlagSet, cfg *Config) error {
	target := pflag.NewFlagSet("target", pflag.ContinueOnError)
	AddFlags(target, cfg)

	var errs []error
	fs.Visit(func(f *pflag.Flag) {
		dst := target.Lookup(f.Name)
		if dst == nil || f.Name == "config" {
			return
		}
		if src, ok := f.Value.(pflag.SliceValue); ok {
			errs = append(errs, dst.Value.(pflag.SliceValue).Replace(src.GetSlice()))
			return
		}
		errs = append(errs, dst.Value.Set(f.Value.String()))
	})
	return errors.Join(errs...)
}

// Validate checks enumerated values.
func (c *Config) Validate() error {
	switch c.Renderer {
	case RendererWeb, RendererBase, RendererAuto:
	default:
		return fmt.Errorf("unknown renderer %q (want web, base or auto)", c.Renderer)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log format %q (want console or json)", c.LogFormat)
	}
	if c.CacheMaxSize < 0 {
		return fmt.Errorf("cache size must not be negative")
	}
	return nil
}

// Client returns the device connection settings. Password prompting is left
// to the caller.
func (c *Config) Client() client.Config {
	return client.Config{
		Address:               c.Address,
		User:                  c.User,
		DocumentRoot:          c.DocumentRoot,
		IdentityFiles:         c.IdentityFiles,
		KnownHosts:            c.KnownHosts,
		InsecureIgnoreHostKey: c.Insecure,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
