package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// recognizedModes and recognizedProviders mirror spec.md §6.2's validation
// rules: mode must be one of these three, and a sandbox provider must be
// one of the Provider implementations this build actually wires.
var (
	recognizedModes     = map[string]bool{"local": true, "sandbox": true, "hosted": true}
	recognizedProviders = map[string]bool{"podman": true, "aws": true, "azure": true}
)

// SandboxSettings holds the fields required when Mode == "sandbox".
type SandboxSettings struct {
	Provider    string `json:"provider"`
	Template    string `json:"template,omitempty"`
	CPUCount    int    `json:"cpuCount,omitempty"`
	MemoryMB    int    `json:"memoryMB,omitempty"`
	DiskQuotaMB int    `json:"diskQuotaMB,omitempty"`
	IdleTimeoutSec int `json:"idleTimeoutSec,omitempty"`
}

// HostedSettings holds the fields required when Mode == "hosted".
type HostedSettings struct {
	MaxSandboxes int    `json:"maxSandboxes,omitempty"`
	StorageDir   string `json:"storageDir,omitempty"`
	RedisURL     string `json:"redisUrl,omitempty"`
	NATSURL      string `json:"natsUrl,omitempty"`
}

// Config holds all configuration for the reflexive supervisor.
type Config struct {
	Port     int    `json:"port"`
	Host     string `json:"host"`
	Mode     string `json:"mode"` // "local", "sandbox", "hosted"
	APIBase  string `json:"apiBase"`
	LogLevel string `json:"logLevel"`

	APIKey          string   `json:"apiKey,omitempty"`
	AdditionalKeys  []string `json:"additionalKeys,omitempty"`
	PublicPaths     []string `json:"publicPaths,omitempty"`
	RateLimit       int      `json:"rateLimit,omitempty"`
	RateWindowMs    int      `json:"rateWindowMs,omitempty"`

	Sandbox SandboxSettings `json:"sandbox,omitempty"`
	Hosted  HostedSettings  `json:"hosted,omitempty"`

	// CLI rendezvous (REFLEXIVE_CLI_MODE / REFLEXIVE_CLI_PORT): set when this
	// process is a child spawned by another reflexive CLI invocation.
	CLIMode bool `json:"-"`
	CLIPort int  `json:"-"`
}

// configFileNames is the discovery order from spec.md §6.2: first match wins.
var configFileNames = []string{"reflexive.config.json", ".reflexiverc"}

// Defaults returns a Config populated with the built-in defaults, before any
// file, env, or flag layer is applied.
func Defaults() *Config {
	return &Config{
		Port:         3099,
		Host:         "localhost",
		Mode:         "local",
		APIBase:      "/api",
		LogLevel:     "info",
		RateLimit:    60,
		RateWindowMs: 60000,
		Sandbox: SandboxSettings{
			Provider:    "podman",
			CPUCount:    1,
			MemoryMB:    1024,
			DiskQuotaMB: 0,
		},
		Hosted: HostedSettings{
			MaxSandboxes: 50,
		},
	}
}

// Load builds a Config by layering defaults ← discovered config file ← env
// vars, per spec.md §6.2. CLI flags are applied by the caller on top of the
// result (cmd/reflexive owns flag parsing and calls ApplyFlags).
func Load(dir string) (*Config, error) {
	cfg := Defaults()

	path, found, err := discoverConfigFile(dir)
	if err != nil {
		return nil, err
	}
	if found {
		if err := mergeConfigFile(cfg, path); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func discoverConfigFile(dir string) (string, bool, error) {
	for _, name := range configFileNames {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, true, nil
		} else if !os.IsNotExist(err) {
			return "", false, fmt.Errorf("config: stat %s: %w", p, err)
		}
	}
	return "", false, nil
}

func mergeConfigFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	var fileCfg Config
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return fmt.Errorf("parse JSON: %w", err)
	}
	mergeNonZero(cfg, &fileCfg)
	return nil
}

// mergeNonZero copies fields set in src over dst, leaving dst's existing
// (default) values in place where src left the field at its zero value.
func mergeNonZero(dst, src *Config) {
	if src.Port != 0 {
		dst.Port = src.Port
	}
	if src.Host != "" {
		dst.Host = src.Host
	}
	if src.Mode != "" {
		dst.Mode = src.Mode
	}
	if src.APIBase != "" {
		dst.APIBase = src.APIBase
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.APIKey != "" {
		dst.APIKey = src.APIKey
	}
	if len(src.AdditionalKeys) > 0 {
		dst.AdditionalKeys = src.AdditionalKeys
	}
	if len(src.PublicPaths) > 0 {
		dst.PublicPaths = src.PublicPaths
	}
	if src.RateLimit != 0 {
		dst.RateLimit = src.RateLimit
	}
	if src.RateWindowMs != 0 {
		dst.RateWindowMs = src.RateWindowMs
	}
	if src.Sandbox.Provider != "" {
		dst.Sandbox.Provider = src.Sandbox.Provider
	}
	if src.Sandbox.Template != "" {
		dst.Sandbox.Template = src.Sandbox.Template
	}
	if src.Sandbox.CPUCount != 0 {
		dst.Sandbox.CPUCount = src.Sandbox.CPUCount
	}
	if src.Sandbox.MemoryMB != 0 {
		dst.Sandbox.MemoryMB = src.Sandbox.MemoryMB
	}
	if src.Sandbox.DiskQuotaMB != 0 {
		dst.Sandbox.DiskQuotaMB = src.Sandbox.DiskQuotaMB
	}
	if src.Sandbox.IdleTimeoutSec != 0 {
		dst.Sandbox.IdleTimeoutSec = src.Sandbox.IdleTimeoutSec
	}
	if src.Hosted.MaxSandboxes != 0 {
		dst.Hosted.MaxSandboxes = src.Hosted.MaxSandboxes
	}
	if src.Hosted.StorageDir != "" {
		dst.Hosted.StorageDir = src.Hosted.StorageDir
	}
	if src.Hosted.RedisURL != "" {
		dst.Hosted.RedisURL = src.Hosted.RedisURL
	}
	if src.Hosted.NATSURL != "" {
		dst.Hosted.NATSURL = src.Hosted.NATSURL
	}
}

// applyEnv layers the environment variables from spec.md §6.7 on top of cfg.
func applyEnv(cfg *Config) {
	if v := firstEnv("REFLEXIVE_API_KEY", "API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("REFLEXIVE_ADDITIONAL_KEYS"); v != "" {
		cfg.AdditionalKeys = splitNonEmpty(v, ",")
	}
	if v := os.Getenv("REFLEXIVE_PUBLIC_PATHS"); v != "" {
		cfg.PublicPaths = splitNonEmpty(v, ",")
	}
	if v := os.Getenv("REFLEXIVE_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit = n
		}
	}
	if v := os.Getenv("REFLEXIVE_RATE_WINDOW_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateWindowMs = n
		}
	}
	if v := os.Getenv("REFLEXIVE_CLI_MODE"); v != "" {
		cfg.CLIMode = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("REFLEXIVE_CLI_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CLIPort = n
		}
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// CLIFlags holds the subset of spec.md §6.1's flags that override config
// file/env values. A zero value for any field leaves cfg unchanged, so a
// flag left at its zero value (e.g. Port 0) cannot override a loaded value.
type CLIFlags struct {
	Port    int
	Host    string
	Mode    string
	APIBase string
}

// ApplyFlags layers explicitly-passed CLI flags over cfg, the last merge
// step per spec.md §6.2's "defaults ← file ← env ← CLI flags" order. Only
// non-zero fields of flags are applied, matching mergeConfigFile's
// mergeNonZero semantics.
func (c *Config) ApplyFlags(flags CLIFlags) {
	if flags.Port != 0 {
		c.Port = flags.Port
	}
	if flags.Host != "" {
		c.Host = flags.Host
	}
	if flags.Mode != "" {
		c.Mode = flags.Mode
	}
	if flags.APIBase != "" {
		c.APIBase = flags.APIBase
	}
}

// Validate returns every violation found, rather than failing fast on the
// first one, so CLI users and API callers see the complete picture.
func (c *Config) Validate() []string {
	var errs []string

	if !recognizedModes[c.Mode] {
		errs = append(errs, fmt.Sprintf("mode must be one of local, sandbox, hosted (got %q)", c.Mode))
	}
	if c.Port <= 0 || c.Port >= 65536 {
		errs = append(errs, fmt.Sprintf("port must be in (0, 65536) (got %d)", c.Port))
	}

	if c.Mode == "sandbox" {
		if c.Sandbox.Provider == "" {
			errs = append(errs, "sandbox mode requires sandbox.provider to be set")
		} else if !recognizedProviders[c.Sandbox.Provider] {
			errs = append(errs, fmt.Sprintf("sandbox.provider must be one of podman, aws, azure (got %q)", c.Sandbox.Provider))
		}
	}

	if c.Mode == "hosted" {
		if c.Hosted.MaxSandboxes <= 0 {
			errs = append(errs, "hosted mode requires hosted.maxSandboxes > 0")
		}
		if c.Sandbox.Provider == "" {
			errs = append(errs, "hosted mode requires sandbox.provider to be set")
		} else if !recognizedProviders[c.Sandbox.Provider] {
			errs = append(errs, fmt.Sprintf("sandbox.provider must be one of podman, aws, azure (got %q)", c.Sandbox.Provider))
		}
	}

	if c.RateLimit < 0 {
		errs = append(errs, "rateLimit must be >= 0")
	}
	if c.RateWindowMs < 0 {
		errs = append(errs, "rateWindowMs must be >= 0")
	}

	return errs
}

// IsPublicPath reports whether path matches an exact entry in cfg's public
// path list, or a "<prefix>/*" wildcard entry (spec.md §8 invariant 7).
func IsPublicPath(path string, publicPaths []string) bool {
	for _, p := range publicPaths {
		if p == path {
			return true
		}
		if strings.HasSuffix(p, "/*") {
			prefix := strings.TrimSuffix(p, "/*")
			if path == prefix || strings.HasPrefix(path, prefix+"/") {
				return true
			}
		}
	}
	return false
}
