package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DefaultModel != "claude-cli-default" {
		t.Fatalf("default model = %q", cfg.DefaultModel)
	}
	if cfg.Telegram.Enabled {
		t.Fatal("telegram should default to disabled")
	}
	if cfg.TurnTimeoutSeconds != 300 || cfg.TurnQueueCapacity != 5 {
		t.Fatalf("timing defaults: timeout=%d capacity=%d", cfg.TurnTimeoutSeconds, cfg.TurnQueueCapacity)
	}
	if cfg.DrainTimeout() != 5*time.Second {
		t.Fatalf("drain timeout default = %s", cfg.DrainTimeout())
	}
	if !cfg.KnownModelTag("xai-grok") || cfg.KnownModelTag("gpt-4") {
		t.Fatal("default model tags wrong")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := writeConfig(t, `
log_level: debug
default_model: fast
models:
  - tag: fast
    backend: xai
    model: grok-3-mini
turn_timeout_seconds: 60
`)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.DefaultModel != "fast" || cfg.TurnTimeoutSeconds != 60 {
		t.Fatalf("cfg = %+v", cfg)
	}
	b := cfg.Binding("fast")
	if b == nil || b.Backend != BackendXAI || b.Model != "grok-3-mini" {
		t.Fatalf("binding = %+v", b)
	}
	if cfg.KnownModelTag("claude-cli-default") {
		t.Fatal("explicit models should replace the default set")
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"unknown backend", `
models:
  - tag: odd
    backend: gemini
default_model: odd
`},
		{"duplicate tag", `
models:
  - tag: one
    backend: xai
  - tag: one
    backend: xai
default_model: one
`},
		{"default not configured", `
models:
  - tag: one
    backend: xai
default_model: other
`},
		{"telegram without token", `
telegram:
  enabled: true
allowed_user_ids: [100]
`},
		{"telegram without allow-list", `
telegram:
  enabled: true
  token: t
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.body)); err == nil {
				t.Fatal("load should fail")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "env-token")
	t.Setenv("XAI_API_KEY", "env-key")
	t.Setenv("HOMESTEAD_ALLOWED_IDS", "100, 200")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "env-token" || cfg.XAI.APIKey != "env-key" {
		t.Fatalf("env tokens not applied: %+v", cfg)
	}
	if len(cfg.AllowedUserIDs) != 2 || cfg.AllowedUserIDs[1] != 200 {
		t.Fatalf("allowed ids = %v", cfg.AllowedUserIDs)
	}
}

func TestFingerprintIsStable(t *testing.T) {
	dir := writeConfig(t, "log_level: info\n")
	a, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprint changed across identical loads")
	}

	c, err := Load(writeConfig(t, "log_level: debug\n"))
	if err != nil {
		t.Fatal(err)
	}
	if got := c.Fingerprint(); got == a.Fingerprint() {
		t.Fatalf("different configs share fingerprint %q", got)
	}
}
