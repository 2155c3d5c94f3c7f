// Package config loads service settings from an optional YAML file and the
// environment. Environment variables win; nested keys use '_' in place of
// '.', so chapa.secret_key is read from CHAPA_SECRET_KEY.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/alipayeth/backend/internal/ledger"
	"github.com/alipayeth/backend/internal/money"
)

type Config struct {
	DatabaseURL string `mapstructure:"database_url"`
	Port        string `mapstructure:"port"`
	LogLevel    string `mapstructure:"log_level"`

	AllowedOrigins []string `mapstructure:"allowed_origins"`

	Admin    AdminConfig    `mapstructure:"admin"`
	Chapa    ChapaConfig    `mapstructure:"chapa"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Fees     FeeConfig      `mapstructure:"fees"`
	Settle   SettleConfig   `mapstructure:"settle"`
	Poll     PollConfig     `mapstructure:"poll"`
}

type AdminConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	// Reviewers maps reviewer id to bcrypt hash (see settlectl hash-password).
	Reviewers map[string]string `mapstructure:"reviewers"`
	// ServiceToken guards the intent endpoints used by the bot process.
	ServiceToken string `mapstructure:"service_token"`
}

type ChapaConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	SecretKey     string        `mapstructure:"secret_key"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
	CallbackURL   string        `mapstructure:"callback_url"`
	ReturnURL     string        `mapstructure:"return_url"`
	EmailDomain   string        `mapstructure:"email_domain"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	// AdminChatIDs receive review requests for bank transfers and flagged
	// payments. TELEGRAM_ADMIN_CHAT_IDS takes a comma-separated list.
	AdminChatIDs []int64 `mapstructure:"admin_chat_ids"`
}

// FeeConfig amounts are ETB minor units (santim).
type FeeConfig struct {
	RegistrationMinor  int64         `mapstructure:"registration_minor"`
	SubscriptionMinor  int64         `mapstructure:"subscription_minor"`
	MinDepositMinor    int64         `mapstructure:"min_deposit_minor"`
	SubscriptionPeriod time.Duration `mapstructure:"subscription_period"`
	ETBPerUSD          int64         `mapstructure:"etb_per_usd"`
}

type SettleConfig struct {
	IntentTTL      time.Duration `mapstructure:"intent_ttl"`
	FailureBudget  int           `mapstructure:"failure_budget"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
}

type PollConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Grace       time.Duration `mapstructure:"grace"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
	BatchSize   int           `mapstructure:"batch_size"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Workers     int           `mapstructure:"workers"`
}

var ErrMissingDatabaseURL = errors.New("database_url is required")

func setDefaults(v *viper.Viper) {
	p := ledger.DefaultPolicy()
	v.SetDefault("database_url", "")
	v.SetDefault("port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("allowed_origins", []string{"http://localhost:3000"})

	v.SetDefault("admin.jwt_secret", "")
	v.SetDefault("admin.token_ttl", 12*time.Hour)
	v.SetDefault("admin.reviewers", map[string]string{})
	v.SetDefault("admin.service_token", "")

	v.SetDefault("chapa.base_url", "https://api.chapa.co")
	v.SetDefault("chapa.secret_key", "")
	v.SetDefault("chapa.webhook_secret", "")
	v.SetDefault("chapa.callback_url", "")
	v.SetDefault("chapa.return_url", "")
	v.SetDefault("chapa.email_domain", "gmail.com")
	v.SetDefault("chapa.timeout", 15*time.Second)

	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.admin_chat_ids", []int64{})

	v.SetDefault("fees.registration_minor", p.RegistrationFeeMinor)
	v.SetDefault("fees.subscription_minor", p.SubscriptionFeeMinor)
	v.SetDefault("fees.min_deposit_minor", p.MinDepositMinor)
	v.SetDefault("fees.subscription_period", p.SubscriptionPeriod)
	v.SetDefault("fees.etb_per_usd", 160)

	v.SetDefault("settle.intent_ttl", 24*time.Hour)
	v.SetDefault("settle.failure_budget", 5)
	v.SetDefault("settle.webhook_timeout", 5*time.Second)

	v.SetDefault("poll.interval", 15*time.Second)
	v.SetDefault("poll.grace", 30*time.Second)
	v.SetDefault("poll.backoff_base", 30*time.Second)
	v.SetDefault("poll.backoff_max", 10*time.Minute)
	v.SetDefault("poll.batch_size", 100)
	v.SetDefault("poll.timeout", 2*time.Minute)
	v.SetDefault("poll.workers", 10)
}

// Load reads path when non-empty, then overlays the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return nil, ErrMissingDatabaseURL
	}
	return &cfg, nil
}

func (c *Config) Policy() ledger.Policy {
	return ledger.Policy{
		RegistrationFeeMinor: c.Fees.RegistrationMinor,
		SubscriptionFeeMinor: c.Fees.SubscriptionMinor,
		MinDepositMinor:      c.Fees.MinDepositMinor,
		SubscriptionPeriod:   c.Fees.SubscriptionPeriod,
	}
}

func (c *Config) Converter() money.Converter {
	return money.NewConverter(c.Fees.ETBPerUSD)
}
