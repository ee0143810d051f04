// Package config loads service configuration from the environment, an optional .env file and
// built-in defaults.
package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the service
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Round    RoundConfig
	Mail     MailConfig
	Log      LogConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr        string
	CORSOrigins []string
	JWTSecret   string
	TokenTTL    time.Duration
}

// DatabaseConfig holds the SQLite database location
type DatabaseConfig struct {
	Path string
}

// RoundConfig controls round activation, round length and per-round order limits.
// It is passed explicitly to the scheduler, the order service and the matching runner.
type RoundConfig struct {
	SellerCountCutoff int
	TotalSharesCutoff int64
	RoundLength       time.Duration
	ReminderLead      time.Duration
	SellOrderLimit    int
	BuyOrderLimit     int
	ReaperInterval    time.Duration
}

// MailConfig configures the outbound mail gateway
type MailConfig struct {
	Enabled    bool
	APIBaseURL string
	APIKey     string
	From       string
	TimeZone   string // IANA zone used for dates inside emails
}

// LogConfig configures the structured logger
type LogConfig struct {
	Level      string
	Format     string // "text" or "json"
	Output     string // "stdout", "file" or "both"
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// DefaultRoundConfig returns the production round policy
func DefaultRoundConfig() RoundConfig {
	return RoundConfig{
		SellerCountCutoff: 2,
		TotalSharesCutoff: 1000,
		RoundLength:       7 * 24 * time.Hour,
		ReminderLead:      2 * 24 * time.Hour,
		SellOrderLimit:    2,
		BuyOrderLimit:     1,
		ReaperInterval:    time.Minute,
	}
}

// Validate rejects round policies that could never activate or close a round
func (c RoundConfig) Validate() error {
	switch {
	case c.SellerCountCutoff <= 0:
		return fmt.Errorf("seller count cutoff must be positive")
	case c.TotalSharesCutoff <= 0:
		return fmt.Errorf("total shares cutoff must be positive")
	case c.RoundLength <= 0:
		return fmt.Errorf("round length must be positive")
	case c.ReminderLead < 0 || c.ReminderLead >= c.RoundLength:
		return fmt.Errorf("reminder lead must be within the round length")
	case c.SellOrderLimit <= 0 || c.BuyOrderLimit <= 0:
		return fmt.Errorf("per-round order limits must be positive")
	case c.ReaperInterval <= 0:
		return fmt.Errorf("reaper interval must be positive")
	}
	return nil
}

// Load loads configuration from .env (if present) and ROUNDEX_* environment variables
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	v := viper.New()
	v.SetEnvPrefix("ROUNDEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		Server: ServerConfig{
			Addr:        v.GetString("server.addr"),
			CORSOrigins: splitList(v.GetString("server.cors_origins")),
			JWTSecret:   v.GetString("server.jwt_secret"),
			TokenTTL:    v.GetDuration("server.token_ttl"),
		},
		Database: DatabaseConfig{
			Path: v.GetString("database.path"),
		},
		Round: RoundConfig{
			SellerCountCutoff: v.GetInt("round.seller_count_cutoff"),
			TotalSharesCutoff: v.GetInt64("round.total_shares_cutoff"),
			RoundLength:       v.GetDuration("round.length"),
			ReminderLead:      v.GetDuration("round.reminder_lead"),
			SellOrderLimit:    v.GetInt("round.sell_order_limit"),
			BuyOrderLimit:     v.GetInt("round.buy_order_limit"),
			ReaperInterval:    v.GetDuration("round.reaper_interval"),
		},
		Mail: MailConfig{
			Enabled:    v.GetBool("mail.enabled"),
			APIBaseURL: v.GetString("mail.api_base_url"),
			APIKey:     v.GetString("mail.api_key"),
			From:       v.GetString("mail.from"),
			TimeZone:   v.GetString("mail.time_zone"),
		},
		Log: LogConfig{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			Output:     v.GetString("log.output"),
			File:       v.GetString("log.file"),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
		},
	}
	if err := cfg.Round.Validate(); err != nil {
		return nil, fmt.Errorf("invalid round config: %w", err)
	}
	if cfg.Mail.Enabled && (cfg.Mail.APIBaseURL == "" || cfg.Mail.APIKey == "") {
		return nil, fmt.Errorf("mail enabled but ROUNDEX_MAIL_API_BASE_URL or ROUNDEX_MAIL_API_KEY is empty")
	}
	return cfg, nil
}

// Location resolves the email time zone, falling back to UTC+8 when the zone database
// has no entry for it
func (c MailConfig) Location() *time.Location {
	if loc, err := time.LoadLocation(c.TimeZone); err == nil {
		return loc
	}
	return time.FixedZone("SGT", 8*60*60)
}

func setDefaults(v *viper.Viper) {
	rounds := DefaultRoundConfig()

	v.SetDefault("server.addr", ":8088")
	v.SetDefault("server.cors_origins", "")
	v.SetDefault("server.jwt_secret", "dev-secret-change-me")
	v.SetDefault("server.token_ttl", 24*time.Hour)

	v.SetDefault("database.path", "roundex.db")

	v.SetDefault("round.seller_count_cutoff", rounds.SellerCountCutoff)
	v.SetDefault("round.total_shares_cutoff", rounds.TotalSharesCutoff)
	v.SetDefault("round.length", rounds.RoundLength)
	v.SetDefault("round.reminder_lead", rounds.ReminderLead)
	v.SetDefault("round.sell_order_limit", rounds.SellOrderLimit)
	v.SetDefault("round.buy_order_limit", rounds.BuyOrderLimit)
	v.SetDefault("round.reaper_interval", rounds.ReaperInterval)

	v.SetDefault("mail.enabled", false)
	v.SetDefault("mail.api_base_url", "")
	v.SetDefault("mail.api_key", "")
	v.SetDefault("mail.from", "Roundex <noreply@roundex.local>")
	v.SetDefault("mail.time_zone", "Asia/Singapore")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file", "logs/roundex.log")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 10)
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
