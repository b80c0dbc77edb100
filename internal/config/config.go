package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all service configuration.
type Config struct {
	Server struct {
		Port         string        `yaml:"port"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		JWTSecret    string        `yaml:"jwt_secret"`
	} `yaml:"server"`

	NATS struct {
		URL           string        `yaml:"url"`
		Name          string        `yaml:"name"`
		ReconnectWait time.Duration `yaml:"reconnect_wait"`
		MaxReconnects int           `yaml:"max_reconnects"`
	} `yaml:"nats"`

	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`

	Redis struct {
		Addr string        `yaml:"addr"`
		TTL  time.Duration `yaml:"ttl"`
	} `yaml:"redis"`

	Influx struct {
		URL    string `yaml:"url"`
		Token  string `yaml:"token"`
		Org    string `yaml:"org"`
		Bucket string `yaml:"bucket"`
	} `yaml:"influx"`

	Feed struct {
		URL          string        `yaml:"url"`
		PollInterval time.Duration `yaml:"poll_interval"`
		MaxFailures  int           `yaml:"max_failures"`
		OpenTimeout  time.Duration `yaml:"open_timeout"`
	} `yaml:"feed"`

	Oracle struct {
		Decimals        int32         `yaml:"decimals"`
		MaxDeviationBps int64         `yaml:"max_deviation_bps"`
		InitialPrice    string        `yaml:"initial_price"`
		InitialNav      string        `yaml:"initial_nav"`
		MaxPriceDelay   time.Duration `yaml:"max_price_delay"`
	} `yaml:"oracle"`

	Vault struct {
		ShareDecimals int32         `yaml:"share_decimals"`
		AssetDecimals int32         `yaml:"asset_decimals"`
		Admin         string        `yaml:"admin"`
		Operator      string        `yaml:"operator"`
		Maintainer    string        `yaml:"maintainer"`
		EpochBuffer   time.Duration `yaml:"epoch_buffer"`
	} `yaml:"vault"`

	Fees struct {
		WorkdayDepositBps          int64  `yaml:"workday_deposit_bps"`
		WorkdayWithdrawBps         int64  `yaml:"workday_withdraw_bps"`
		HolidayDepositBps          int64  `yaml:"holiday_deposit_bps"`
		HolidayWithdrawBps         int64  `yaml:"holiday_withdraw_bps"`
		MaxHolidayDepositPctBps    int64  `yaml:"max_holiday_deposit_pct_bps"`
		MaxHolidayAggDepositPctBps int64  `yaml:"max_holiday_agg_deposit_pct_bps"`
		FirstDepositMin            string `yaml:"first_deposit_min"`
		MinDeposit                 string `yaml:"min_deposit"`
		MaxDeposit                 string `yaml:"max_deposit"`
		MinWithdraw                string `yaml:"min_withdraw"`
		MaxWithdraw                string `yaml:"max_withdraw"`
		MinTxFee                   string `yaml:"min_tx_fee"`
		ManagementFeeRateBps       int64  `yaml:"management_fee_rate_bps"`
	} `yaml:"fees"`

	LogLevel string `yaml:"log_level"`
}

// Load reads config from a YAML file, then applies environment
// variable overrides and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("INFLUX_URL"); v != "" {
		cfg.Influx.URL = v
	}
	if v := os.Getenv("INFLUX_TOKEN"); v != "" {
		cfg.Influx.Token = v
	}
	if v := os.Getenv("FEED_URL"); v != "" {
		cfg.Feed.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	// Defaults
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.NATS.Name == "" {
		cfg.NATS.Name = "fundvault"
	}
	if cfg.NATS.ReconnectWait == 0 {
		cfg.NATS.ReconnectWait = time.Second
	}
	if cfg.NATS.MaxReconnects == 0 {
		cfg.NATS.MaxReconnects = 5
	}
	if cfg.Redis.TTL == 0 {
		cfg.Redis.TTL = 30 * time.Second
	}
	if cfg.Feed.PollInterval == 0 {
		cfg.Feed.PollInterval = time.Minute
	}
	if cfg.Feed.MaxFailures == 0 {
		cfg.Feed.MaxFailures = 5
	}
	if cfg.Feed.OpenTimeout == 0 {
		cfg.Feed.OpenTimeout = 30 * time.Second
	}
	if cfg.Oracle.Decimals == 0 {
		cfg.Oracle.Decimals = 8
	}
	if cfg.Oracle.MaxDeviationBps == 0 {
		cfg.Oracle.MaxDeviationBps = 100
	}
	if cfg.Oracle.InitialPrice == "" {
		cfg.Oracle.InitialPrice = "1"
	}
	if cfg.Oracle.InitialNav == "" {
		cfg.Oracle.InitialNav = cfg.Oracle.InitialPrice
	}
	if cfg.Oracle.MaxPriceDelay == 0 {
		cfg.Oracle.MaxPriceDelay = 7 * 24 * time.Hour
	}
	if cfg.Vault.ShareDecimals == 0 {
		cfg.Vault.ShareDecimals = 6
	}
	if cfg.Vault.AssetDecimals == 0 {
		cfg.Vault.AssetDecimals = 6
	}
	if cfg.Vault.EpochBuffer == 0 {
		cfg.Vault.EpochBuffer = 24 * time.Hour
	}
	if cfg.Fees.WorkdayDepositBps == 0 {
		cfg.Fees.WorkdayDepositBps = 5
	}
	if cfg.Fees.WorkdayWithdrawBps == 0 {
		cfg.Fees.WorkdayWithdrawBps = 5
	}
	if cfg.Fees.HolidayDepositBps == 0 {
		cfg.Fees.HolidayDepositBps = 10
	}
	if cfg.Fees.HolidayWithdrawBps == 0 {
		cfg.Fees.HolidayWithdrawBps = 10
	}
	if cfg.Fees.MaxHolidayDepositPctBps == 0 {
		cfg.Fees.MaxHolidayDepositPctBps = 500
	}
	if cfg.Fees.MaxHolidayAggDepositPctBps == 0 {
		cfg.Fees.MaxHolidayAggDepositPctBps = 1000
	}
	if cfg.Fees.FirstDepositMin == "" {
		cfg.Fees.FirstDepositMin = "100000"
	}
	if cfg.Fees.MinDeposit == "" {
		cfg.Fees.MinDeposit = "10000"
	}
	if cfg.Fees.MaxDeposit == "" {
		cfg.Fees.MaxDeposit = "1000000"
	}
	if cfg.Fees.MinWithdraw == "" {
		cfg.Fees.MinWithdraw = "500"
	}
	if cfg.Fees.MaxWithdraw == "" {
		cfg.Fees.MaxWithdraw = "1000000"
	}
	if cfg.Fees.MinTxFee == "" {
		cfg.Fees.MinTxFee = "25"
	}
	if cfg.Fees.ManagementFeeRateBps == 0 {
		cfg.Fees.ManagementFeeRateBps = 40
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	return cfg, nil
}

// Validate checks that required fields are set.
func (c *Config) Validate() error {
	if c.Vault.Admin == "" {
		return fmt.Errorf("vault.admin is required")
	}
	if c.Server.JWTSecret == "" {
		return fmt.Errorf("server.jwt_secret is required")
	}
	return nil
}
