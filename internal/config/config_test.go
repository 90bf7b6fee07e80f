package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadCreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "nestalert.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LeadMinutes != 5 || cfg.ToleranceSeconds != 60 {
		t.Fatalf("unexpected defaults: lead=%d tol=%d", cfg.LeadMinutes, cfg.ToleranceSeconds)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600, got %v", info.Mode().Perm())
	}

	// Second load reads the file back.
	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.Speaker.ProbeTimeout != 3*time.Second {
		t.Fatalf("probe timeout did not round-trip: %v", again.Speaker.ProbeTimeout)
	}
}

func TestLoadNormalizesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	body := "lead_minutes: 10\nspeaker:\n  host: 10.0.0.9\n  settle_delay: 2s\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LeadMinutes != 10 {
		t.Fatalf("lead = %d", cfg.LeadMinutes)
	}
	if cfg.Speaker.Host != "10.0.0.9" || cfg.Speaker.Port != 8009 {
		t.Fatalf("speaker = %+v", cfg.Speaker)
	}
	if cfg.Speaker.SettleDelay != 2*time.Second {
		t.Fatalf("settle = %v", cfg.Speaker.SettleDelay)
	}
	if cfg.AlertPhrase != DefaultAlertPhrase {
		t.Fatalf("phrase = %q", cfg.AlertPhrase)
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	env := map[string]string{
		"LEAD_MINUTES":     "7",
		"EXCLUDE_KEYWORDS": " Lunch, ,Gym ",
		"NEST_IP":          "192.168.1.50",
		"LOCAL_PORT":       "9000",
		"NEST_PORT":        "abc",
		"LOG_LEVEL":        "debug",
	}
	err := cfg.ApplyEnv(func(k string) string { return env[k] })
	if err == nil {
		t.Fatal("expected error for NEST_PORT")
	}

	if cfg.LeadMinutes != 7 {
		t.Fatalf("lead = %d", cfg.LeadMinutes)
	}
	if len(cfg.ExcludeKeywords) != 2 || cfg.ExcludeKeywords[0] != "lunch" || cfg.ExcludeKeywords[1] != "gym" {
		t.Fatalf("keywords = %v", cfg.ExcludeKeywords)
	}
	if cfg.Speaker.Host != "192.168.1.50" || cfg.Speaker.Port != 8009 {
		t.Fatalf("speaker = %+v", cfg.Speaker)
	}
	if cfg.Host.Listen != "0.0.0.0:9000" {
		t.Fatalf("listen = %q", cfg.Host.Listen)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
}
