// Package config loads ipwarden's runtime configuration from an optional
// YAML file layered under environment variables (spec.md §6.4), in the
// teacher's koanf idiom: a typed Config struct, yaml tags, Load() returning
// a ready-to-use value.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// TCP is the agent ingress listener (spec.md §6.1).
type TCP struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// API is the read-only HTTP query surface (spec.md §6.3).
type API struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Token string `yaml:"token"`
}

// Panel is the user-limit directory's wire contract (spec.md §6.2, §4.3).
type Panel struct {
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	ReloadSeconds int    `yaml:"reload_seconds"`
	PageSize      int    `yaml:"page_size"`
}

// Redis backs the ban-list sink and the HTTP query-surface rate limiter.
type Redis struct {
	Addr     string `yaml:"addr"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
}

// Detection enumerates every knob of the escalation state machine
// (spec.md §4.4's configuration table).
type Detection struct {
	ConcurrentWindowSeconds float64  `yaml:"concurrent_window_seconds"`
	TriggerPeriodSeconds    int      `yaml:"trigger_period_seconds"`
	TriggerCount            int      `yaml:"trigger_count"`
	BanlistThresholdSeconds int      `yaml:"banlist_threshold_seconds"`
	SubnetGrouping          bool     `yaml:"subnet_grouping"`
	DataRetentionSeconds    int      `yaml:"data_retention_seconds"`
	WhitelistEmails         []string `yaml:"whitelist_emails"`
	NotificationIntervalSec int      `yaml:"notification_interval_seconds"`
}

// QueryLimit is the token-bucket policy protecting the HTTP query surface
// (SPEC_FULL.md's domain-stack extension, grounded on the teacher's
// internal/rl token bucket).
type QueryLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int64   `yaml:"burst"`
}

// Notify configures the out-of-band webhook sender (SPEC_FULL.md's stand-in
// for the original Telegram sender).
type Notify struct {
	WebhookURL     string `yaml:"webhook_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Config is the fully-resolved process configuration.
type Config struct {
	TCP        TCP        `yaml:"tcp"`
	API        API        `yaml:"api"`
	Panel      Panel      `yaml:"panel"`
	Redis      Redis      `yaml:"redis"`
	Detection  Detection  `yaml:"detection"`
	QueryLimit QueryLimit `yaml:"query_limit"`
	Notify     Notify     `yaml:"notify"`
}

func defaults() Config {
	return Config{
		TCP: TCP{Host: "0.0.0.0", Port: 9999},
		API: API{Host: "0.0.0.0", Port: 8080},
		Panel: Panel{
			ReloadSeconds: 300,
			PageSize:      500,
		},
		Redis: Redis{Addr: "localhost:6379"},
		Detection: Detection{
			ConcurrentWindowSeconds: 2,
			TriggerPeriodSeconds:    30,
			TriggerCount:            5,
			BanlistThresholdSeconds: 300,
			SubnetGrouping:          false,
			DataRetentionSeconds:    300,
			NotificationIntervalSec: 300,
		},
		QueryLimit: QueryLimit{RPS: 5, Burst: 10},
		Notify:     Notify{TimeoutSeconds: 5},
	}
}

// Load builds a Config from, in order: built-in defaults, an optional YAML
// file (path from IPWARDEN_CONFIG, default configs/policies.yaml, silently
// skipped if absent), then environment variables (spec.md §6.4), which
// always win. Env vars are mapped using the same dotted path as the yaml
// tags, e.g. DETECTION_TRIGGER_COUNT -> detection.trigger_count: the first
// underscore separates section from field, so the query_limit section is
// not reachable this way.
func Load() (*Config, error) {
	out := defaults()

	k := koanf.New(".")
	path := MustEnv("IPWARDEN_CONFIG", "configs/policies.yaml")
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	// Merge onto the defaults already populated in out: koanf/mapstructure
	// only touches keys actually present in the file/env layers.
	if err := k.UnmarshalWithConf("", &out, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	applySpecEnvAliases(&out)
	return &out, nil
}

// envTransform maps the dotted yaml-path env convention (TCP_PORT,
// DETECTION_TRIGGER_COUNT) onto koanf's "." delimiter.
func envTransform(key, value string) (string, interface{}) {
	return strings.ToLower(strings.Replace(key, "_", ".", 1)), value
}

// applySpecEnvAliases overlays the exact environment variable names named in
// spec.md §6.4, which don't all follow the generic dotted-path convention
// (e.g. BANLIST_THRESHOLD_SECONDS, not DETECTION_BANLIST_THRESHOLD_SECONDS).
// Any of these, when set, takes precedence over the file/default value.
func applySpecEnvAliases(cfg *Config) {
	if v := os.Getenv("TCP_HOST"); v != "" {
		cfg.TCP.Host = v
	}
	if v, ok := envInt("TCP_PORT"); ok {
		cfg.TCP.Port = v
	}
	if v := os.Getenv("API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v, ok := envInt("API_PORT"); ok {
		cfg.API.Port = v
	}
	if v := os.Getenv("API_TOKEN"); v != "" {
		cfg.API.Token = v
	}
	if v := os.Getenv("PANEL_URL"); v != "" {
		cfg.Panel.URL = v
	}
	if v := os.Getenv("PANEL_TOKEN"); v != "" {
		cfg.Panel.Token = v
	}
	if v, ok := envInt("PANEL_RELOAD_INTERVAL"); ok {
		cfg.Panel.ReloadSeconds = v
	}
	if v, ok := envFloat("CONCURRENT_WINDOW"); ok {
		cfg.Detection.ConcurrentWindowSeconds = v
	}
	if v, ok := envInt("TRIGGER_PERIOD"); ok {
		cfg.Detection.TriggerPeriodSeconds = v
	}
	if v, ok := envInt("TRIGGER_COUNT"); ok {
		cfg.Detection.TriggerCount = v
	}
	if v, ok := envInt("BANLIST_THRESHOLD_SECONDS"); ok {
		cfg.Detection.BanlistThresholdSeconds = v
	}
	if v, ok := envBool("SUBNET_GROUPING"); ok {
		cfg.Detection.SubnetGrouping = v
	}
	if v, ok := envInt("DATA_RETENTION_SECONDS"); ok {
		cfg.Detection.DataRetentionSeconds = v
	}
	if v := os.Getenv("WHITELIST_EMAILS"); v != "" {
		cfg.Detection.WhitelistEmails = splitNonEmpty(v, ",")
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("NOTIFY_WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
	}
	if v, ok := envInt("NOTIFICATION_INTERVAL_SECONDS"); ok {
		cfg.Detection.NotificationIntervalSec = v
	}
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

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// MustEnv returns the environment variable's value, or def if unset/empty.
func MustEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// WhitelistSet converts Detection.WhitelistEmails into the set shape
// internal/detect.Config wants.
func (d Detection) WhitelistSet() map[string]struct{} {
	out := make(map[string]struct{}, len(d.WhitelistEmails))
	for _, e := range d.WhitelistEmails {
		out[e] = struct{}{}
	}
	return out
}

func (d Detection) TriggerPeriod() time.Duration {
	return time.Duration(d.TriggerPeriodSeconds) * time.Second
}

func (d Detection) BanlistThreshold() time.Duration {
	return time.Duration(d.BanlistThresholdSeconds) * time.Second
}

func (d Detection) DataRetention() time.Duration {
	return time.Duration(d.DataRetentionSeconds) * time.Second
}

func (d Detection) NotificationInterval() time.Duration {
	return time.Duration(d.NotificationIntervalSec) * time.Second
}
