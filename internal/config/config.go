package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// Config is read from EMOTES_* environment variables, optionally seeded
// from a .env file.
type Config struct {
	HTTPAddr       string   `env:"EMOTES_HTTP_ADDR" default:":8765"`
	RateLimitRPS   int      `env:"EMOTES_RATE_LIMIT_RPS" default:"20"`
	RateLimitBurst int      `env:"EMOTES_RATE_LIMIT_BURST" default:"40"`
	CORSOrigins    []string `env:"EMOTES_CORS_ORIGINS"`
	MetricsEnabled bool     `env:"EMOTES_METRICS" default:"true"`
	AdminToken     string   `env:"EMOTES_ADMIN_TOKEN"`

	LogLevel  string `env:"EMOTES_LOG_LEVEL" default:"info"`
	LogFormat string `env:"EMOTES_LOG_FORMAT" default:"text"`

	TwitchChannels     []string `env:"EMOTES_TWITCH_CHANNELS"`
	TwitchNick         string   `env:"EMOTES_TWITCH_NICK"`
	TwitchToken        string   `env:"EMOTES_TWITCH_TOKEN"`
	TwitchTokenFile    string   `env:"EMOTES_TWITCH_TOKEN_FILE"`
	TwitchRefresh      string   `env:"EMOTES_TWITCH_REFRESH_TOKEN"`
	TwitchRefreshFile  string   `env:"EMOTES_TWITCH_REFRESH_TOKEN_FILE"`
	TwitchClientID     string   `env:"EMOTES_TWITCH_CLIENT_ID"`
	TwitchClientSecret string   `env:"EMOTES_TWITCH_CLIENT_SECRET"`

	SQLitePath   string `env:"EMOTES_SQLITE_PATH" default:"emotes.db"`
	SQLiteTuning bool   `env:"EMOTES_SQLITE_TUNING" default:"false"`
	BatchSize    int    `env:"EMOTES_SINK_BATCH_SIZE" default:"1"`
	FlushMaxMS   int    `env:"EMOTES_SINK_FLUSH_MAX_MS" default:"0"`

	PayloadDir      string        `env:"EMOTES_PAYLOAD_DIR"`
	RefreshInterval time.Duration `env:"EMOTES_REFRESH_INTERVAL" default:"30m"`

	RedisURL        string        `env:"EMOTES_REDIS_URL"`
	BackfillEnabled bool          `env:"EMOTES_BACKFILL" default:"true"`
	BackfillTTL     time.Duration `env:"EMOTES_BACKFILL_TTL" default:"24h"`

	CacheCapacity int           `env:"EMOTES_DECODE_CACHE_CAPACITY" default:"128"`
	FrameInterval time.Duration `env:"EMOTES_FRAME_INTERVAL" default:"50ms"`
}

// Load reads files (".env" when none are given) and then the environment.
// Missing files are not an error; existing variables win over file values.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	} else if err != nil {
		slog.Debug("config: no .env file, using environment only")
	}

	var cfg Config
	if err := env.Load(&cfg, &env.Options{SliceSep: ","}); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}
	cfg.TwitchChannels = dedupe(cfg.TwitchChannels)
	cfg.CORSOrigins = trimAll(cfg.CORSOrigins)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.RateLimitRPS < 0 || c.RateLimitBurst < 0:
		return errors.New("EMOTES_RATE_LIMIT_RPS and EMOTES_RATE_LIMIT_BURST must not be negative")
	case c.CacheCapacity <= 0:
		return errors.New("EMOTES_DECODE_CACHE_CAPACITY must be positive")
	case c.RefreshInterval <= 0:
		return errors.New("EMOTES_REFRESH_INTERVAL must be positive")
	case c.FrameInterval <= 0:
		return errors.New("EMOTES_FRAME_INTERVAL must be positive")
	case (c.TwitchClientID == "") != (c.TwitchClientSecret == ""):
		return errors.New("EMOTES_TWITCH_CLIENT_ID and EMOTES_TWITCH_CLIENT_SECRET must be set together")
	}
	return nil
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		key := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(v), "#"))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func trimAll(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func (c Config) FlushInterval() time.Duration {
	if c.FlushMaxMS <= 0 {
		return 0
	}
	return time.Duration(c.FlushMaxMS) * time.Millisecond
}

func (c Config) Batch() int {
	if c.BatchSize <= 0 {
		return 1
	}
	return c.BatchSize
}

// HelixEnabled reports whether Helix app credentials are configured.
func (c Config) HelixEnabled() bool {
	return c.TwitchClientID != "" && c.TwitchClientSecret != ""
}

type Summary struct {
	HTTPAddr        string        `json:"http_addr"`
	Metrics         bool          `json:"metrics"`
	Admin           bool          `json:"admin"`
	SQLitePath      string        `json:"sqlite_path"`
	BatchSize       int           `json:"batch"`
	FlushMaxMS      int           `json:"flush_ms"`
	PayloadDir      string        `json:"payload_dir,omitempty"`
	RefreshInterval string        `json:"refresh_interval"`
	Guard           string        `json:"backfill_guard"`
	Backfill        bool          `json:"backfill"`
	CacheCapacity   int           `json:"decode_cache"`
	Twitch          TwitchSummary `json:"twitch"`
}

type TwitchSummary struct {
	Channels     int    `json:"channels"`
	Nick         string `json:"nick,omitempty"`
	Token        string `json:"token,omitempty"`
	TokenFile    string `json:"token_file,omitempty"`
	Refresh      bool   `json:"refresh"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	Helix        bool   `json:"helix"`
}

func (c Config) Summary() Summary {
	guard := "memory"
	if c.RedisURL != "" {
		guard = "redis"
	}
	return Summary{
		HTTPAddr:        c.HTTPAddr,
		Metrics:         c.MetricsEnabled,
		Admin:           c.AdminToken != "",
		SQLitePath:      c.SQLitePath,
		BatchSize:       c.Batch(),
		FlushMaxMS:      c.FlushMaxMS,
		PayloadDir:      c.PayloadDir,
		RefreshInterval: c.RefreshInterval.String(),
		Guard:           guard,
		Backfill:        c.BackfillEnabled,
		CacheCapacity:   c.CacheCapacity,
		Twitch: TwitchSummary{
			Channels:     len(c.TwitchChannels),
			Nick:         c.TwitchNick,
			Token:        redactString(c.TwitchToken),
			TokenFile:    c.TwitchTokenFile,
			Refresh:      c.TwitchRefresh != "" || c.TwitchRefreshFile != "",
			ClientID:     redactString(c.TwitchClientID),
			ClientSecret: redactString(c.TwitchClientSecret),
			Helix:        c.HelixEnabled(),
		},
	}
}

func (c Config) Redacted() map[string]any {
	return map[string]any{
		"http": map[string]any{
			"addr":        c.HTTPAddr,
			"rate_rps":    c.RateLimitRPS,
			"rate_burst":  c.RateLimitBurst,
			"cors":        append([]string(nil), c.CORSOrigins...),
			"metrics":     c.MetricsEnabled,
			"admin_token": redactString(c.AdminToken),
		},
		"log": map[string]any{
			"level":  c.LogLevel,
			"format": c.LogFormat,
		},
		"twitch": map[string]any{
			"channels":      append([]string(nil), c.TwitchChannels...),
			"nick":          c.TwitchNick,
			"token":         redactString(c.TwitchToken),
			"token_file":    c.TwitchTokenFile,
			"refresh_token": redactString(c.TwitchRefresh),
			"refresh_file":  c.TwitchRefreshFile,
			"client_id":     redactString(c.TwitchClientID),
			"client_secret": redactString(c.TwitchClientSecret),
		},
		"sink": map[string]any{
			"sqlite_path": c.SQLitePath,
			"tuning":      c.SQLiteTuning,
			"batch_size":  c.Batch(),
			"flush_ms":    c.FlushMaxMS,
		},
		"catalog": map[string]any{
			"payload_dir":      c.PayloadDir,
			"refresh_interval": c.RefreshInterval.String(),
			"decode_cache":     c.CacheCapacity,
			"frame_interval":   c.FrameInterval.String(),
		},
		"backfill": map[string]any{
			"enabled":   c.BackfillEnabled,
			"ttl":       c.BackfillTTL.String(),
			"redis_url": redactString(c.RedisURL),
		},
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

func (c Config) SummaryJSON() []byte {
	summary := struct {
		Config Summary `json:"config_summary"`
	}{Config: c.Summary()}
	data, _ := json.Marshal(summary)
	return data
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}
