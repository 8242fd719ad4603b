package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("REFLEXIVE_API_KEY")
	os.Unsetenv("API_KEY")
	os.Unsetenv("REFLEXIVE_RATE_LIMIT")

	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Port != 3099 {
		t.Errorf("expected port 3099, got %d", cfg.Port)
	}
	if cfg.Mode != "local" {
		t.Errorf("expected mode local, got %s", cfg.Mode)
	}
	if cfg.Host != "localhost" {
		t.Errorf("expected host localhost, got %s", cfg.Host)
	}
}

func TestLoadFromConfigFile(t *testing.T) {
	dir := t.TempDir()
	content := `{"port": 9999, "mode": "sandbox", "sandbox": {"provider": "aws"}}`
	if err := os.WriteFile(filepath.Join(dir, "reflexive.config.json"), []byte(content), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Port)
	}
	if cfg.Mode != "sandbox" {
		t.Errorf("expected mode sandbox, got %s", cfg.Mode)
	}
	if cfg.Sandbox.Provider != "aws" {
		t.Errorf("expected provider aws, got %s", cfg.Sandbox.Provider)
	}
}

func TestConfigFileDiscoveryPrefersJSONOverRC(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "reflexive.config.json"), []byte(`{"port": 1111}`), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".reflexiverc"), []byte(`{"port": 2222}`), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Port != 1111 {
		t.Errorf("expected reflexive.config.json to win, got port %d", cfg.Port)
	}
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("REFLEXIVE_API_KEY", "test-key")
	os.Setenv("REFLEXIVE_RATE_LIMIT", "10")
	os.Setenv("REFLEXIVE_PUBLIC_PATHS", "/health,/status/*")
	defer func() {
		os.Unsetenv("REFLEXIVE_API_KEY")
		os.Unsetenv("REFLEXIVE_RATE_LIMIT")
		os.Unsetenv("REFLEXIVE_PUBLIC_PATHS")
	}()

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.APIKey != "test-key" {
		t.Errorf("expected API key test-key, got %s", cfg.APIKey)
	}
	if cfg.RateLimit != 10 {
		t.Errorf("expected rate limit 10, got %d", cfg.RateLimit)
	}
	if len(cfg.PublicPaths) != 2 {
		t.Errorf("expected 2 public paths, got %v", cfg.PublicPaths)
	}
}

func TestValidateAccumulatesErrors(t *testing.T) {
	cfg := &Config{Mode: "bogus", Port: 0}
	errs := cfg.Validate()
	if len(errs) < 2 {
		t.Fatalf("expected at least 2 accumulated errors, got %v", errs)
	}
}

func TestValidateSandboxModeRequiresProvider(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "sandbox"
	cfg.Sandbox.Provider = ""
	errs := cfg.Validate()
	found := false
	for _, e := range errs {
		if e == "sandbox mode requires sandbox.provider to be set" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected missing-provider error, got %v", errs)
	}
}

func TestValidateRejectsUnrecognizedProvider(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "sandbox"
	cfg.Sandbox.Provider = "vsphere"
	errs := cfg.Validate()
	if len(errs) == 0 {
		t.Fatal("expected error for unrecognized provider")
	}
}

func TestValidateHostedModeRequiresMaxSandboxes(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "hosted"
	cfg.Hosted.MaxSandboxes = 0
	errs := cfg.Validate()
	found := false
	for _, e := range errs {
		if e == "hosted mode requires hosted.maxSandboxes > 0" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected maxSandboxes error, got %v", errs)
	}
}

func TestValidatePortRange(t *testing.T) {
	cfg := Defaults()
	cfg.Port = 70000
	errs := cfg.Validate()
	if len(errs) == 0 {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestApplyFlagsOverridesOnlyNonZeroFields(t *testing.T) {
	cfg := Defaults()
	cfg.ApplyFlags(CLIFlags{Port: 4000, Mode: "sandbox"})

	if cfg.Port != 4000 {
		t.Errorf("expected port 4000, got %d", cfg.Port)
	}
	if cfg.Mode != "sandbox" {
		t.Errorf("expected mode sandbox, got %s", cfg.Mode)
	}
	if cfg.Host != "localhost" {
		t.Errorf("expected host left at default localhost, got %s", cfg.Host)
	}
}

func TestIsPublicPathExactAndWildcard(t *testing.T) {
	paths := []string{"/health", "/status/*"}
	cases := map[string]bool{
		"/health":        true,
		"/status/db":     true,
		"/status":        true,
		"/other":         false,
		"/statusx":       false,
	}
	for path, want := range cases {
		if got := IsPublicPath(path, paths); got != want {
			t.Errorf("IsPublicPath(%q) = %v, want %v", path, got, want)
		}
	}
}
