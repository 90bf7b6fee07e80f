package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// NOTE: This file provides the configuration model and YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions. Environment overrides are applied by ApplyEnv after Load.

// ICSConfig describes a single ICS subscription source.
type ICSConfig struct {
	// URL is the ICS subscription endpoint (e.g. a calendar's secret iCal address).
	URL string `yaml:"url" json:"url"`
	// ID is an internal identifier used for selection and logging.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`
}

// SpeakerConfig describes the single Cast receiver that speaks alerts.
type SpeakerConfig struct {
	Name string `yaml:"name" json:"name"`
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`

	ProbeTimeout          time.Duration `yaml:"probe_timeout" json:"probe_timeout"`
	ActiveTimeout         time.Duration `yaml:"active_timeout" json:"active_timeout"`
	SettleDelay           time.Duration `yaml:"settle_delay" json:"settle_delay"`
	FallbackActiveTimeout time.Duration `yaml:"fallback_active_timeout" json:"fallback_active_timeout"`
	FallbackSettleDelay   time.Duration `yaml:"fallback_settle_delay" json:"fallback_settle_delay"`
}

// HostConfig configures the local HTTP server that exposes synthesized audio.
type HostConfig struct {
	// Listen is the bind address, e.g. "0.0.0.0:8001".
	Listen string `yaml:"listen" json:"listen"`
	// PublicAddr is the LAN address the speaker uses to reach Listen, e.g. "192.168.15.6".
	PublicAddr string `yaml:"public_addr" json:"public_addr"`
	// Dir is where generated MP3 files are written.
	Dir string `yaml:"dir" json:"dir"`
}

// TTSConfig selects the cloud voice and the fallback locale.
type TTSConfig struct {
	CredentialsFile string        `yaml:"credentials_file" json:"credentials_file"`
	LanguageCode    string        `yaml:"language_code" json:"language_code"`
	VoiceName       string        `yaml:"voice_name" json:"voice_name"`
	Gender          string        `yaml:"gender" json:"gender"`
	Timeout         time.Duration `yaml:"timeout" json:"timeout"`
	// FallbackLang is the "tl" parameter of the public TTS endpoint.
	FallbackLang string `yaml:"fallback_lang" json:"fallback_lang"`
}

// DebugConfig holds the operator-controlled diagnostic flags.
type DebugConfig struct {
	// Enabled widens the lookahead and alerts the nearest event unconditionally.
	Enabled bool `yaml:"enabled" json:"enabled"`
	// ResetLedgerOnStart clears the ledger once at process start.
	ResetLedgerOnStart bool `yaml:"reset_ledger_on_start" json:"reset_ledger_on_start"`
	// RepeatAlerts ignores the ledger when deciding whether to alert.
	RepeatAlerts bool `yaml:"repeat_alerts" json:"repeat_alerts"`
	// Verbose shows INFO lines on the console (otherwise only errors).
	Verbose bool `yaml:"verbose" json:"verbose"`
}

// Config is the top-level application configuration.
type Config struct {
	// Timezone is the IANA timezone that defines "today" and HH:MM formatting.
	Timezone string `yaml:"timezone" json:"timezone"`

	// CalendarID selects one entry of ICS by ID; empty or "*" polls all of them.
	CalendarID string      `yaml:"calendar_id" json:"calendar_id"`
	ICS        []ICSConfig `yaml:"ics" json:"ics"`
	ICSCache   string      `yaml:"ics_cache_dir" json:"ics_cache_dir"`

	LeadMinutes      int      `yaml:"lead_minutes" json:"lead_minutes"`
	ToleranceSeconds int      `yaml:"tolerance_seconds" json:"tolerance_seconds"`
	LookaheadHours   int      `yaml:"lookahead_hours" json:"lookahead_hours"`
	DebugLookahead   int      `yaml:"debug_lookahead_hours" json:"debug_lookahead_hours"`
	ExcludeKeywords  []string `yaml:"exclude_keywords" json:"exclude_keywords"`

	// AlertPhrase supports {summary}, {start}, {now} and {lead}.
	AlertPhrase string `yaml:"alert_phrase" json:"alert_phrase"`

	// Schedule is a cron expression used when running as a daemon.
	Schedule string `yaml:"schedule" json:"schedule"`

	LedgerPath string `yaml:"ledger_path" json:"ledger_path"`
	LogDir     string `yaml:"log_dir" json:"log_dir"`
	// LogLevel overrides the console level (debug, info, warn, error).
	LogLevel string `yaml:"log_level,omitempty" json:"log_level,omitempty"`

	Speaker SpeakerConfig `yaml:"speaker" json:"speaker"`
	Host    HostConfig    `yaml:"host" json:"host"`
	TTS     TTSConfig     `yaml:"tts" json:"tts"`
	Debug   DebugConfig   `yaml:"debug" json:"debug"`
}

const DefaultAlertPhrase = `It is {now}. Your next meeting "{summary}" starts at {start}, in {lead}.`

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{
		ExcludeKeywords: []string{"almoço", "almoco", "lunch"},
		ICS:             []ICSConfig{},
	}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Timezone == "" {
		c.Timezone = "America/Sao_Paulo"
	}
	if c.ICS == nil {
		c.ICS = []ICSConfig{}
	}
	if c.ICSCache == "" {
		c.ICSCache = "./var/ics-cache"
	}
	if c.LeadMinutes <= 0 {
		c.LeadMinutes = 5
	}
	if c.ToleranceSeconds <= 0 {
		c.ToleranceSeconds = 60
	}
	if c.LookaheadHours <= 0 {
		c.LookaheadHours = 2
	}
	if c.DebugLookahead <= 0 {
		c.DebugLookahead = 12
	}
	if c.ExcludeKeywords == nil {
		c.ExcludeKeywords = []string{}
	}
	if c.AlertPhrase == "" {
		c.AlertPhrase = DefaultAlertPhrase
	}
	if c.Schedule == "" {
		c.Schedule = "*/1 * * * *"
	}
	if c.LedgerPath == "" {
		c.LedgerPath = "./data/alerts_seen.json"
	}
	if c.LogDir == "" {
		c.LogDir = "./logs"
	}

	s := &c.Speaker
	if s.Name == "" {
		s.Name = "Google Nest Hub"
	}
	if s.Host == "" {
		s.Host = "192.168.15.172"
	}
	if s.Port <= 0 {
		s.Port = 8009
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = 3 * time.Second
	}
	if s.ActiveTimeout <= 0 {
		s.ActiveTimeout = 5 * time.Second
	}
	if s.SettleDelay <= 0 {
		s.SettleDelay = 5 * time.Second
	}
	if s.FallbackActiveTimeout <= 0 {
		s.FallbackActiveTimeout = 10 * time.Second
	}
	if s.FallbackSettleDelay <= 0 {
		s.FallbackSettleDelay = 4 * time.Second
	}

	h := &c.Host
	if h.Listen == "" {
		h.Listen = "0.0.0.0:8001"
	}
	if h.PublicAddr == "" {
		h.PublicAddr = "127.0.0.1"
	}
	if h.Dir == "" {
		h.Dir = "./tts"
	}

	t := &c.TTS
	if t.CredentialsFile == "" {
		t.CredentialsFile = "./data/google_tts_key.json"
	}
	if t.LanguageCode == "" {
		t.LanguageCode = "en-US"
	}
	if t.VoiceName == "" {
		t.VoiceName = "en-US-Standard-B"
	}
	switch strings.ToLower(t.Gender) {
	case "male", "female", "neutral":
		t.Gender = strings.ToLower(t.Gender)
	default:
		t.Gender = "male"
	}
	if t.Timeout <= 0 {
		t.Timeout = 15 * time.Second
	}
	if t.FallbackLang == "" {
		t.FallbackLang = t.LanguageCode
	}
}

// Location resolves Timezone, falling back to time.Local for unknown names.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// ApplyEnv overlays the environment variables the original deployment used.
// Invalid numeric values are reported and leave the field untouched.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	var errs []error

	if v := getenv("TZ"); v != "" {
		c.Timezone = v
	}
	if v := getenv("CALENDAR_ID"); v != "" {
		c.CalendarID = v
	}
	if v := getenv("LEAD_MINUTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("LEAD_MINUTES: invalid value %q", v))
		} else {
			c.LeadMinutes = n
		}
	}
	if v := getenv("EXCLUDE_KEYWORDS"); v != "" {
		c.ExcludeKeywords = SplitKeywords(v)
	}
	if v := getenv("NEST_IP"); v != "" {
		c.Speaker.Host = v
	}
	if v := getenv("NEST_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("NEST_PORT: invalid value %q", v))
		} else {
			c.Speaker.Port = n
		}
	}
	if v := getenv("LOCAL_IP"); v != "" {
		c.Host.PublicAddr = v
	}
	if v := getenv("LOCAL_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("LOCAL_PORT: invalid value %q", v))
		} else {
			c.Host.Listen = "0.0.0.0:" + strconv.Itoa(n)
		}
	}
	if v := getenv("ALERT_PHRASE"); v != "" {
		c.AlertPhrase = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("GOOGLE_APPLICATION_CREDENTIALS"); v != "" {
		c.TTS.CredentialsFile = v
	}

	return errors.Join(errs...)
}

// SplitKeywords parses a comma separated list, trimming and lowercasing
// each entry and dropping empty ones.
func SplitKeywords(s string) []string {
	out := []string{}
	for _, k := range strings.Split(s, ",") {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			out = append(out, k)
		}
	}
	return out
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist: write a default config with 0600 perms
//     (creating the parent directory) and return it.
//   - If the file exists: unmarshal it and normalize defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to path atomically (temp file in the
// same directory, fsync, chmod 0600, rename).
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, 0o600)
}

// WriteFileAtomic replaces path with data via a temp file and rename, so
// readers never observe a half-written file. It is shared with the ledger.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
