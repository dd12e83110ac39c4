package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/warp/admission-engine/coupon"
	"github.com/warp/admission-engine/domain"
	"github.com/warp/admission-engine/logger"
	"github.com/warp/admission-engine/notify"
	"github.com/warp/admission-engine/subscription/youtube"
)

const envPrefix = "ADMISSIONS"

type Configuration struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Logging  logger.Config  `mapstructure:"logging"`
	OAuth    OAuthConfig    `mapstructure:"oauth"`
	Coupon   CouponConfig   `mapstructure:"coupon"`
	Notify   NotifyConfig   `mapstructure:"notify"`
}

type ServerConfig struct {
	Address         string        `mapstructure:"address" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	// AdminToken guards /api/admin routes when set.
	AdminToken string `mapstructure:"admin_token"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=sqlite memory"`
	Path   string `mapstructure:"path" validate:"required_if=Driver sqlite"`
}

type OAuthConfig struct {
	ClientID          string        `mapstructure:"client_id"`
	ClientSecret      string        `mapstructure:"client_secret" validate:"required_with=ClientID"`
	RedirectURI       string        `mapstructure:"redirect_uri" validate:"required_with=ClientID"`
	ChannelID         string        `mapstructure:"channel_id" validate:"required_with=ClientID"`
	AuthURL           string        `mapstructure:"auth_url" validate:"omitempty,url"`
	TokenURL          string        `mapstructure:"token_url" validate:"omitempty,url"`
	UserInfoURL       string        `mapstructure:"userinfo_url" validate:"omitempty,url"`
	APIBaseURL        string        `mapstructure:"api_base_url" validate:"omitempty,url"`
	Timeout           time.Duration `mapstructure:"timeout" validate:"gte=0"`
	RetryMax          int           `mapstructure:"retry_max" validate:"gte=0,lte=5"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" validate:"gte=0"`
	SessionTTL        time.Duration `mapstructure:"session_ttl"`
	DefaultRedirect   string        `mapstructure:"default_redirect" validate:"omitempty,url"`
	CookieSecure      bool          `mapstructure:"cookie_secure"`
}

// Enabled reports whether the YouTube flow is configured.
func (c OAuthConfig) Enabled() bool { return c.ClientID != "" }

func (c OAuthConfig) YouTube() youtube.Config {
	return youtube.Config{
		ClientID:          c.ClientID,
		ClientSecret:      c.ClientSecret,
		RedirectURI:       c.RedirectURI,
		ChannelID:         c.ChannelID,
		AuthURL:           c.AuthURL,
		TokenURL:          c.TokenURL,
		UserInfoURL:       c.UserInfoURL,
		APIBaseURL:        c.APIBaseURL,
		Timeout:           c.Timeout,
		RetryMax:          c.RetryMax,
		RequestsPerSecond: c.RequestsPerSecond,
	}
}

type DiscountConfig struct {
	Type  string  `mapstructure:"type" validate:"oneof=percentage fixed"`
	Value float64 `mapstructure:"value" validate:"gte=0"`
}

type CouponConfig struct {
	ValidityDays int                       `mapstructure:"validity_days" validate:"gte=1"`
	MaxUses      int                       `mapstructure:"max_uses" validate:"gte=1"`
	Discounts    map[string]DiscountConfig `mapstructure:"discounts" validate:"dive,keys,oneof=youtube_subscription instagram_follow direct_payment_bonus,endkeys"`
}

// Options converts the coupon section. Incentives without an entry keep the
// default fixed discount equal to their cashback.
func (c CouponConfig) Options() coupon.Options {
	opts := coupon.DefaultOptions()
	opts.ValidFor = time.Duration(c.ValidityDays) * 24 * time.Hour
	opts.MaxUses = c.MaxUses
	for key, d := range c.Discounts {
		opts.Discounts[domain.IncentiveType(key)] = coupon.Discount{
			Type:  domain.DiscountType(d.Type),
			Value: decimal.NewFromFloat(d.Value),
		}
	}
	return opts
}

type NotifyConfig struct {
	SendgridAPIKey string `mapstructure:"sendgrid_api_key"`
	SendgridHost   string `mapstructure:"sendgrid_host" validate:"omitempty,url"`
	FromName       string `mapstructure:"from_name"`
	FromEmail      string `mapstructure:"from_email" validate:"required_with=SendgridAPIKey"`
	PaymentURL     string `mapstructure:"payment_url" validate:"omitempty,url"`
}

func (c NotifyConfig) Sendgrid() notify.SendgridConfig {
	return notify.SendgridConfig{
		APIKey:     c.SendgridAPIKey,
		Host:       c.SendgridHost,
		FromName:   c.FromName,
		FromEmail:  c.FromEmail,
		PaymentURL: c.PaymentURL,
	}
}

// =============================================================================
// LOADING
// =============================================================================

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.admin_token", "")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "admissions.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetDefault("oauth.client_id", "")
	v.SetDefault("oauth.client_secret", "")
	v.SetDefault("oauth.redirect_uri", "")
	v.SetDefault("oauth.channel_id", "")
	v.SetDefault("oauth.auth_url", youtube.DefaultAuthURL)
	v.SetDefault("oauth.token_url", youtube.DefaultTokenURL)
	v.SetDefault("oauth.userinfo_url", youtube.DefaultUserInfoURL)
	v.SetDefault("oauth.api_base_url", youtube.DefaultAPIBaseURL)
	v.SetDefault("oauth.timeout", 5*time.Second)
	v.SetDefault("oauth.retry_max", 2)
	v.SetDefault("oauth.requests_per_second", 10)
	v.SetDefault("oauth.session_ttl", 10*time.Minute)
	v.SetDefault("oauth.default_redirect", "")
	v.SetDefault("oauth.cookie_secure", true)

	v.SetDefault("coupon.validity_days", 30)
	v.SetDefault("coupon.max_uses", 1)

	v.SetDefault("notify.sendgrid_api_key", "")
	v.SetDefault("notify.sendgrid_host", notify.DefaultSendgridHost)
	v.SetDefault("notify.from_name", "Admissions")
	v.SetDefault("notify.from_email", "")
	v.SetDefault("notify.payment_url", "")
}

// Load reads config.yaml from the first of paths that has one (defaults to
// the working directory, ./config and /etc/admission-engine), applies
// ADMISSIONS_* environment overrides and validates the result.
func Load(paths ...string) (*Configuration, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./config", "/etc/admission-engine"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config file")
		}
	}

	var cfg Configuration
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c Configuration) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.WithHint(
			errors.Wrap(err, "invalid configuration"),
			fmt.Sprintf("check config.yaml or the %s_* environment variables", envPrefix),
		)
	}
	return nil
}

// Default returns the configuration used when nothing is set, with an
// in-memory database. Handy for tests and scripts.
func Default() *Configuration {
	v := viper.New()
	setDefaults(v)
	var cfg Configuration
	_ = v.Unmarshal(&cfg)
	cfg.Database.Driver = "memory"
	return &cfg
}
