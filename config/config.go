// Package config loads runtime settings from an optional YAML file and
// HELPMARKET_* environment variables.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "HELPMARKET"

type Config struct {
	ListenAddr  string
	DatabaseURL string
	JWTSecret   string
	// SealingKey is the hex encoded 32 byte bid sealing key. Empty means a
	// process-local random key, which cannot reveal bids sealed before a restart.
	SealingKey  string
	HelpersFile string

	Pricing   PricingConfig
	Bidding   BiddingConfig
	Escrow    EscrowConfig
	Emergency EmergencyConfig
	Outbox    OutboxConfig
}

type PricingConfig struct {
	Timezone string
	// DemandRatio is the open tasks per available helper ratio at which a
	// category counts as high demand. Zero disables the signal.
	DemandRatio float64
}

type BiddingConfig struct {
	Window      time.Duration
	MaxBidRatio float64
}

type EscrowConfig struct {
	AutoReleaseHours  int
	InsuranceCoverage float64
}

type EmergencyConfig struct {
	NotificationTTL   time.Duration
	MaxRadiusKm       float64
	NotifyConcurrency int
}

type OutboxConfig struct {
	PollInterval time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("database_url", "")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("sealing_key", "")
	v.SetDefault("helpers_file", "")
	v.SetDefault("pricing.timezone", "UTC")
	v.SetDefault("pricing.demand_ratio", 0.0)
	v.SetDefault("bidding.window", 24*time.Hour)
	v.SetDefault("bidding.max_bid_ratio", 2.0)
	v.SetDefault("escrow.auto_release_hours", 72)
	v.SetDefault("escrow.insurance_coverage", 0.0)
	v.SetDefault("emergency.notification_ttl", 5*time.Minute)
	v.SetDefault("emergency.max_radius_km", 10.0)
	v.SetDefault("emergency.notify_concurrency", 8)
	v.SetDefault("outbox.poll_interval", time.Second)
}

// Load reads configuration. An explicit path must exist; with an empty path
// helpmarket.yaml is looked up in the working directory and defaults apply
// when it is absent.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("helpmarket")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("config: read: %w", err)
		}
	}

	cfg := Config{
		ListenAddr:  v.GetString("listen_addr"),
		DatabaseURL: v.GetString("database_url"),
		JWTSecret:   v.GetString("jwt_secret"),
		SealingKey:  v.GetString("sealing_key"),
		HelpersFile: v.GetString("helpers_file"),
		Pricing: PricingConfig{
			Timezone:    v.GetString("pricing.timezone"),
			DemandRatio: v.GetFloat64("pricing.demand_ratio"),
		},
		Bidding: BiddingConfig{
			Window:      v.GetDuration("bidding.window"),
			MaxBidRatio: v.GetFloat64("bidding.max_bid_ratio"),
		},
		Escrow: EscrowConfig{
			AutoReleaseHours:  v.GetInt("escrow.auto_release_hours"),
			InsuranceCoverage: v.GetFloat64("escrow.insurance_coverage"),
		},
		Emergency: EmergencyConfig{
			NotificationTTL:   v.GetDuration("emergency.notification_ttl"),
			MaxRadiusKm:       v.GetFloat64("emergency.max_radius_km"),
			NotifyConcurrency: v.GetInt("emergency.notify_concurrency"),
		},
		Outbox: OutboxConfig{
			PollInterval: v.GetDuration("outbox.poll_interval"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr is required")
	}
	if _, err := time.LoadLocation(c.Pricing.Timezone); err != nil {
		return fmt.Errorf("config: pricing.timezone: %w", err)
	}
	if c.Pricing.DemandRatio < 0 {
		return fmt.Errorf("config: pricing.demand_ratio must not be negative")
	}
	if _, err := c.SealingKeyBytes(); err != nil {
		return err
	}
	if c.Bidding.Window <= 0 {
		return fmt.Errorf("config: bidding.window must be positive")
	}
	if c.Bidding.MaxBidRatio < 0 {
		return fmt.Errorf("config: bidding.max_bid_ratio must not be negative")
	}
	if c.Escrow.AutoReleaseHours <= 0 {
		return fmt.Errorf("config: escrow.auto_release_hours must be positive")
	}
	if c.Escrow.InsuranceCoverage < 0 || c.Escrow.InsuranceCoverage > 100 {
		return fmt.Errorf("config: escrow.insurance_coverage must be within 0..100")
	}
	if c.Emergency.NotificationTTL <= 0 {
		return fmt.Errorf("config: emergency.notification_ttl must be positive")
	}
	if c.Emergency.MaxRadiusKm <= 0 {
		return fmt.Errorf("config: emergency.max_radius_km must be positive")
	}
	if c.Emergency.NotifyConcurrency <= 0 {
		return fmt.Errorf("config: emergency.notify_concurrency must be positive")
	}
	if c.Outbox.PollInterval <= 0 {
		return fmt.Errorf("config: outbox.poll_interval must be positive")
	}
	return nil
}

// SealingKeyBytes decodes the sealing key. It returns nil for an empty key.
func (c Config) SealingKeyBytes() ([]byte, error) {
	if c.SealingKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.SealingKey)
	if err != nil {
		return nil, fmt.Errorf("config: sealing_key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("config: sealing_key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}
