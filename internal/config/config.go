// Package config loads application configuration from environment variables
// and an optional config file.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ericfisherdev/leadbridge/internal/domain/model"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "LEADBRIDGE"

// Config holds the application configuration.
type Config struct {
	ListenAddr string
	DBPath     string
	SecretKey  []byte

	AmoCRM AmoCRMConfig

	TokenRefreshSkew time.Duration
	WebhookSecret    string
	WebhookDedupeTTL time.Duration

	RedisURL          string
	NATSURL           string
	NATSSubjectPrefix string

	JWTSecret         string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	TrustProxy        bool

	Telegram TelegramConfig
	WhatsApp WhatsAppConfig
	SMTP     SMTPConfig

	NotifyEmailTo     string
	NotifyMaxAttempts int
	WorkerInterval    time.Duration
	FrontendURL       string
	LogLevel          string
}

// AmoCRMConfig holds the amoCRM integration settings.
type AmoCRMConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	PipelineID   int64
	RateLimit    int
	StatusMap    model.StatusMap
	// PhoneFieldID and EmailFieldID are the contact custom field ids of the
	// account.
	PhoneFieldID int64
	EmailFieldID int64
}

// TelegramConfig holds Telegram Bot API settings.
type TelegramConfig struct {
	BotToken string
	ChatID   string
	APIURL   string
}

// WhatsAppConfig holds the WhatsApp gateway settings.
type WhatsAppConfig struct {
	APIURL string
	APIKey string
}

// SMTPConfig holds outbound mail settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// HasTelegram reports whether Telegram notifications are configured.
func (c *Config) HasTelegram() bool { return c.Telegram.BotToken != "" }

// HasWhatsApp reports whether the WhatsApp gateway is configured.
func (c *Config) HasWhatsApp() bool { return c.WhatsApp.APIURL != "" && c.WhatsApp.APIKey != "" }

// HasSMTP reports whether email notifications are configured.
func (c *Config) HasSMTP() bool { return c.SMTP.Host != "" && c.SMTP.From != "" }

// HasRedis reports whether webhook dedupe should use Redis.
func (c *Config) HasRedis() bool { return c.RedisURL != "" }

// HasNATS reports whether lead events should be published.
func (c *Config) HasNATS() bool { return c.NATSURL != "" }

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", "127.0.0.1:8080")
	v.SetDefault("db_path", "leadbridge.db")
	v.SetDefault("amocrm.pipeline_id", "0")
	v.SetDefault("amocrm.rate_limit", "7")
	v.SetDefault("amocrm.phone_field_id", "123456")
	v.SetDefault("amocrm.email_field_id", "123457")
	v.SetDefault("token_refresh_skew", "5m")
	v.SetDefault("webhook_dedupe_ttl", "24h")
	v.SetDefault("nats_subject_prefix", "leadbridge")
	v.SetDefault("rate_limit_requests", "100")
	v.SetDefault("rate_limit_window", "1h")
	v.SetDefault("trust_proxy", "false")
	v.SetDefault("telegram.api_url", "https://api.telegram.org")
	v.SetDefault("smtp.port", "587")
	v.SetDefault("notify_max_attempts", "3")
	v.SetDefault("worker_interval", "1m")
	v.SetDefault("frontend_url", "/")
	v.SetDefault("log_level", "info")
	return v
}

// Load reads configuration and returns a validated Config. Environment
// variables (LEADBRIDGE_*) override values from the optional file named by
// LEADBRIDGE_CONFIG_FILE. The amoCRM credentials and LEADBRIDGE_SECRET_KEY
// are required; every other setting has a default.
func Load() (*Config, error) {
	v := newViper()

	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %q: %w", file, err)
		}
	}

	p := &parser{v: v}
	cfg := &Config{
		ListenAddr: p.str("listen_addr"),
		DBPath:     p.str("db_path"),
		AmoCRM: AmoCRMConfig{
			BaseURL:      strings.TrimRight(p.str("amocrm.base_url"), "/"),
			ClientID:     p.str("amocrm.client_id"),
			ClientSecret: p.str("amocrm.client_secret"),
			RedirectURI:  p.str("amocrm.redirect_uri"),
			PipelineID:   p.int64("amocrm.pipeline_id"),
			RateLimit:    p.int("amocrm.rate_limit"),
			PhoneFieldID: p.int64("amocrm.phone_field_id"),
			EmailFieldID: p.int64("amocrm.email_field_id"),
		},
		TokenRefreshSkew:  p.duration("token_refresh_skew"),
		WebhookSecret:     p.str("webhook_secret"),
		WebhookDedupeTTL:  p.duration("webhook_dedupe_ttl"),
		RedisURL:          p.str("redis_url"),
		NATSURL:           p.str("nats_url"),
		NATSSubjectPrefix: p.str("nats_subject_prefix"),
		JWTSecret:         p.str("jwt_secret"),
		RateLimitRequests: p.int("rate_limit_requests"),
		RateLimitWindow:   p.duration("rate_limit_window"),
		TrustProxy:        p.bool("trust_proxy"),
		Telegram: TelegramConfig{
			BotToken: p.str("telegram.bot_token"),
			ChatID:   p.str("telegram.chat_id"),
			APIURL:   strings.TrimRight(p.str("telegram.api_url"), "/"),
		},
		WhatsApp: WhatsAppConfig{
			APIURL: strings.TrimRight(p.str("whatsapp.api_url"), "/"),
			APIKey: p.str("whatsapp.api_key"),
		},
		SMTP: SMTPConfig{
			Host:     p.str("smtp.host"),
			Port:     p.int("smtp.port"),
			Username: p.str("smtp.username"),
			Password: p.str("smtp.password"),
			From:     p.str("smtp.from"),
		},
		NotifyEmailTo:     p.str("notify_email_to"),
		NotifyMaxAttempts: p.int("notify_max_attempts"),
		WorkerInterval:    p.duration("worker_interval"),
		FrontendURL:       p.str("frontend_url"),
		LogLevel:          strings.ToLower(p.str("log_level")),
	}
	cfg.SecretKey = p.secretKey("secret_key")
	cfg.AmoCRM.StatusMap = p.statusMap("amocrm.status_map")

	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	required := map[string]string{
		"amocrm.base_url":      c.AmoCRM.BaseURL,
		"amocrm.client_id":     c.AmoCRM.ClientID,
		"amocrm.client_secret": c.AmoCRM.ClientSecret,
		"amocrm.redirect_uri":  c.AmoCRM.RedirectURI,
	}
	for _, key := range []string{"amocrm.base_url", "amocrm.client_id", "amocrm.client_secret", "amocrm.redirect_uri"} {
		if required[key] == "" {
			return fmt.Errorf("%s is required", envName(key))
		}
	}
	if c.SecretKey == nil {
		return fmt.Errorf("%s is required", envName("secret_key"))
	}
	if u, err := url.Parse(c.AmoCRM.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL, got %q", envName("amocrm.base_url"), c.AmoCRM.BaseURL)
	}

	positive := []struct {
		key string
		ok  bool
	}{
		{"amocrm.rate_limit", c.AmoCRM.RateLimit > 0},
		{"rate_limit_requests", c.RateLimitRequests > 0},
		{"rate_limit_window", c.RateLimitWindow > 0},
		{"webhook_dedupe_ttl", c.WebhookDedupeTTL > 0},
		{"notify_max_attempts", c.NotifyMaxAttempts > 0},
		{"worker_interval", c.WorkerInterval > 0},
		{"smtp.port", c.SMTP.Port > 0 && c.SMTP.Port < 65536},
	}
	for _, check := range positive {
		if !check.ok {
			return fmt.Errorf("%s must be positive", envName(check.key))
		}
	}
	if c.TokenRefreshSkew < 0 {
		return fmt.Errorf("%s must not be negative", envName("token_refresh_skew"))
	}
	return nil
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// parser reads typed values and keeps the first error, naming the variable.
type parser struct {
	v   *viper.Viper
	err error
}

func (p *parser) fail(key, raw, kind string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%s has invalid %s %q: %w", envName(key), kind, raw, err)
	}
}

func (p *parser) str(key string) string {
	return strings.TrimSpace(p.v.GetString(key))
}

func (p *parser) duration(key string) time.Duration {
	raw := p.str(key)
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(key, raw, "duration", err)
	}
	return d
}

func (p *parser) int(key string) int {
	raw := p.str(key)
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, raw, "integer", err)
	}
	return n
}

func (p *parser) int64(key string) int64 {
	raw := p.str(key)
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		p.fail(key, raw, "integer", err)
	}
	return n
}

func (p *parser) bool(key string) bool {
	raw := p.str(key)
	b, err := strconv.ParseBool(raw)
	if err != nil {
		p.fail(key, raw, "boolean", err)
	}
	return b
}

// secretKey decodes a 64-char hex string into a 32-byte AES-256 key. An
// unset value returns nil.
func (p *parser) secretKey(key string) []byte {
	raw := p.str(key)
	if raw == "" {
		return nil
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		p.fail(key, "<redacted>", "hex key", err)
		return nil
	}
	if len(b) != 32 {
		p.fail(key, "<redacted>", "hex key", fmt.Errorf("want 32 bytes, got %d", len(b)))
		return nil
	}
	return b
}

// statusMap parses "id:status,id:status" overrides on top of the built-in map.
func (p *parser) statusMap(key string) model.StatusMap {
	base := model.DefaultStatusMap()
	raw := p.str(key)
	if raw == "" {
		return base
	}

	overrides := make(map[int64]model.LeadStatus)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		idStr, status, ok := strings.Cut(pair, ":")
		if !ok {
			p.fail(key, pair, "status mapping", errors.New("want id:status"))
			return base
		}
		id, err := strconv.ParseInt(strings.TrimSpace(idStr), 10, 64)
		if err != nil {
			p.fail(key, pair, "status mapping", err)
			return base
		}
		s := model.LeadStatus(strings.TrimSpace(status))
		if !s.IsValid() {
			p.fail(key, pair, "status mapping", fmt.Errorf("unknown status %q", s))
			return base
		}
		overrides[id] = s
	}
	return base.With(overrides)
}
