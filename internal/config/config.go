package config

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/glimmer/backend/internal/logging"
	"github.com/spf13/viper"
)

const (
	envPrefix                  = "GLIMMER"
	defaultHTTPAddress         = "0.0.0.0:8787"
	defaultDatabasePath        = "glimmer.db"
	defaultLogLevel            = "info"
	defaultSpeedMultiplier     = 1.0
	defaultShardCount          = 4
	defaultDefaultBalance      = 10000
	defaultMinParticipationBid = 50
	defaultPayoutSubject       = "glimmer.payout.register"
	defaultShardSubject        = "glimmer.trivia.shard"
	defaultAuthIssuer          = "glimmer-auth"
	defaultCookieName          = "app_session"
	defaultAllowedOrigins      = "*"

	TransportLocal = "local"
	TransportNATS  = "nats"
)

// AppConfig captures runtime configuration for the show backend.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string

	SpeedMultiplier float64
	AnchorMs        int64

	ShardCount     int
	ShardTransport string
	// HostShards marks the single process that owns the vote shards and the
	// coordinator when the transport is nats.
	HostShards bool

	DefaultBalance      int64
	MinParticipationBid int64

	NATSURL       string
	PayoutSubject string
	ShardSubject  string

	AuthSigningSecret string
	AuthIssuer        string
	AuthCookieName    string
	AdminWallets      []string

	AllowedOrigins []string
}

// OperatorAuthEnabled reports whether operator routes require a session.
func (c AppConfig) OperatorAuthEnabled() bool {
	return strings.TrimSpace(c.AuthSigningSecret) != ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("clock.speed_multiplier", defaultSpeedMultiplier)
	configViper.SetDefault("clock.anchor_ms", 0)
	configViper.SetDefault("trivia.shard_count", defaultShardCount)
	configViper.SetDefault("trivia.transport", TransportLocal)
	configViper.SetDefault("trivia.host_shards", true)
	configViper.SetDefault("gift.default_balance", defaultDefaultBalance)
	configViper.SetDefault("gift.min_participation_bid", defaultMinParticipationBid)
	configViper.SetDefault("nats.url", "")
	configViper.SetDefault("nats.payout_subject", defaultPayoutSubject)
	configViper.SetDefault("nats.shard_subject", defaultShardSubject)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.admin_wallets", "")
	configViper.SetDefault("cors.allowed_origins", defaultAllowedOrigins)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	shardCount := configViper.GetInt("trivia.shard_count")
	if shardCount < 1 {
		shardCount = defaultShardCount
	}
	defaultBalance := configViper.GetInt64("gift.default_balance")
	if defaultBalance <= 0 {
		defaultBalance = defaultDefaultBalance
	}
	minBid := configViper.GetInt64("gift.min_participation_bid")
	if minBid <= 0 {
		minBid = defaultMinParticipationBid
	}

	cfg := AppConfig{
		HTTPAddress:         strings.TrimSpace(configViper.GetString("http.address")),
		DatabasePath:        strings.TrimSpace(configViper.GetString("database.path")),
		LogLevel:            configViper.GetString("log.level"),
		SpeedMultiplier:     configViper.GetFloat64("clock.speed_multiplier"),
		AnchorMs:            configViper.GetInt64("clock.anchor_ms"),
		ShardCount:          shardCount,
		ShardTransport:      strings.ToLower(strings.TrimSpace(configViper.GetString("trivia.transport"))),
		HostShards:          configViper.GetBool("trivia.host_shards"),
		DefaultBalance:      defaultBalance,
		MinParticipationBid: minBid,
		NATSURL:             strings.TrimSpace(configViper.GetString("nats.url")),
		PayoutSubject:       strings.TrimSpace(configViper.GetString("nats.payout_subject")),
		ShardSubject:        strings.TrimSpace(configViper.GetString("nats.shard_subject")),
		AuthSigningSecret:   configViper.GetString("auth.signing_secret"),
		AuthIssuer:          strings.TrimSpace(configViper.GetString("auth.issuer")),
		AuthCookieName:      strings.TrimSpace(configViper.GetString("auth.cookie_name")),
		AdminWallets:        splitList(configViper.GetString("auth.admin_wallets"), true),
		AllowedOrigins:      splitList(configViper.GetString("cors.allowed_origins"), false),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.HTTPAddress == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database.path is required")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.ShardTransport {
	case TransportLocal:
	case TransportNATS:
		if c.NATSURL == "" {
			return fmt.Errorf("nats.url is required when trivia.transport is %q", TransportNATS)
		}
		if c.ShardSubject == "" {
			return fmt.Errorf("nats.shard_subject is required when trivia.transport is %q", TransportNATS)
		}
	default:
		return fmt.Errorf("trivia.transport must be %q or %q, got %q", TransportLocal, TransportNATS, c.ShardTransport)
	}
	if c.NATSURL != "" && c.PayoutSubject == "" {
		return fmt.Errorf("nats.payout_subject is required when nats.url is set")
	}
	if c.OperatorAuthEnabled() && c.AuthCookieName == "" {
		return fmt.Errorf("auth.cookie_name is required when auth.signing_secret is set")
	}
	return nil
}

func splitList(raw string, lower bool) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		if lower {
			trimmed = strings.ToLower(trimmed)
		}
		values = append(values, trimmed)
	}
	return values
}
