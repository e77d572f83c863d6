package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mrcha033/ats/pkg/secrets"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Exchanges []ExchangeConfig `mapstructure:"exchanges" validate:"min=2,dive"`
	Trading   TradingConfig    `mapstructure:"trading"`
	Risk      RiskConfig       `mapstructure:"risk"`
	Alerts    AlertsConfig     `mapstructure:"alerts"`
	Influx    InfluxConfig     `mapstructure:"influx"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	GCP       GCPConfig        `mapstructure:"gcp"`
}

type ServerConfig struct {
	Port int `mapstructure:"port" validate:"gt=0,lte=65535"`
}

type ExchangeConfig struct {
	ID                 string  `mapstructure:"id" validate:"required,oneof=binance upbit"`
	BaseURL            string  `mapstructure:"base_url"`
	StreamURL          string  `mapstructure:"stream_url"`
	APIKey             string  `mapstructure:"api_key"`
	APISecret          string  `mapstructure:"api_secret"`
	RateLimitPerMinute int     `mapstructure:"rate_limit_per_minute" validate:"gte=0"`
	Testnet            bool    `mapstructure:"testnet"`
	MakerFee           float64 `mapstructure:"maker_fee" validate:"gte=0,lt=1"`
	TakerFee           float64 `mapstructure:"taker_fee" validate:"gte=0,lt=1"`
	MinOrderQuantity   float64 `mapstructure:"min_order_quantity" validate:"gte=0"`
	MinOrderNotional   float64 `mapstructure:"min_order_notional" validate:"gte=0"`
}

type TradingConfig struct {
	Symbols          []string `mapstructure:"symbols" validate:"min=1"`
	MinGrossSpread   float64  `mapstructure:"min_gross_spread" validate:"gte=0"`
	MaxOrderSize     float64  `mapstructure:"max_order_size" validate:"gt=0"`
	NominalOrderSize float64  `mapstructure:"nominal_order_size" validate:"gte=0"`
	MaxQuoteAgeMs    int      `mapstructure:"max_quote_age_ms" validate:"gt=0"`
	DebounceMs       int      `mapstructure:"debounce_ms" validate:"gte=0"`
	SubmitTimeoutMs  int      `mapstructure:"submit_timeout_ms" validate:"gt=0"`
	TradeDeadlineMs  int      `mapstructure:"trade_deadline_ms" validate:"gt=0"`
	PollIntervalMs   int      `mapstructure:"poll_interval_ms" validate:"gt=0"`
	Workers          int      `mapstructure:"workers" validate:"gt=0"`
	BalanceRefreshMs int      `mapstructure:"balance_refresh_ms" validate:"gt=0"`
}

type RiskConfig struct {
	MaxPositionSizePerSymbol float64 `mapstructure:"max_position_size_per_symbol" validate:"gte=0"`
	MaxTotalExposure         float64 `mapstructure:"max_total_exposure" validate:"gte=0"`
	MaxDailyLoss             float64 `mapstructure:"max_daily_loss" validate:"gte=0"`
	MaxWeeklyLoss            float64 `mapstructure:"max_weekly_loss" validate:"gte=0"`
	MaxMonthlyLoss           float64 `mapstructure:"max_monthly_loss" validate:"gte=0"`
	MaxConcentrationRatio    float64 `mapstructure:"max_concentration_ratio" validate:"gte=0,lte=1"`
	MaxPortfolioVaR          float64 `mapstructure:"max_portfolio_var" validate:"gte=0"`
	RealtimePnLThreshold     float64 `mapstructure:"realtime_pnl_threshold" validate:"gte=0"`
	MinProfitAfterFees       float64 `mapstructure:"min_profit_after_fees" validate:"gte=0"`
	MaxAlertsPerHour         int     `mapstructure:"max_alerts_per_hour" validate:"gte=0"`
	VaRConfidence            float64 `mapstructure:"var_confidence" validate:"gte=0,lt=1"`
	VaRLookbackDays          int     `mapstructure:"var_lookback_days" validate:"gte=0"`
}

type AlertsConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type InfluxConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	URL                string `mapstructure:"url"`
	Token              string `mapstructure:"token"`
	Org                string `mapstructure:"org"`
	Bucket             string `mapstructure:"bucket"`
	BatchSize          int    `mapstructure:"batch_size" validate:"gte=0"`
	FlushIntervalMs    int    `mapstructure:"flush_interval_ms" validate:"gte=0"`
	SnapshotIntervalMs int    `mapstructure:"snapshot_interval_ms" validate:"gte=0"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
	File   string `mapstructure:"file"`
}

type GCPConfig struct {
	ProjectID  string `mapstructure:"project_id"`
	UseSecrets bool   `mapstructure:"use_secrets"`
}

func Load(configPath string) (*Config, error) {
	// A local .env is optional; absence is not an error.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/ats")
	}

	v.SetEnvPrefix("ATS")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		logger := logrus.New()
		if err := loadSecretsFromGCP(ctx, &config, logger); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	if err := Validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)

	v.SetDefault("trading.symbols", []string{"BTC/USDT"})
	v.SetDefault("trading.min_gross_spread", 0.0)
	v.SetDefault("trading.max_order_size", 0.5)
	v.SetDefault("trading.nominal_order_size", 0.1)
	v.SetDefault("trading.max_quote_age_ms", 5000)
	v.SetDefault("trading.debounce_ms", 100)
	v.SetDefault("trading.submit_timeout_ms", 5000)
	v.SetDefault("trading.trade_deadline_ms", 30000)
	v.SetDefault("trading.poll_interval_ms", 500)
	v.SetDefault("trading.workers", 4)
	v.SetDefault("trading.balance_refresh_ms", 10000)

	v.SetDefault("risk.max_position_size_per_symbol", 1.0)
	v.SetDefault("risk.max_total_exposure", 100000.0)
	v.SetDefault("risk.max_daily_loss", 1000.0)
	v.SetDefault("risk.max_weekly_loss", 3000.0)
	v.SetDefault("risk.max_monthly_loss", 10000.0)
	v.SetDefault("risk.max_concentration_ratio", 0.25)
	v.SetDefault("risk.max_portfolio_var", 5000.0)
	v.SetDefault("risk.realtime_pnl_threshold", 500.0)
	v.SetDefault("risk.min_profit_after_fees", 0.0)
	v.SetDefault("risk.max_alerts_per_hour", 60)
	v.SetDefault("risk.var_confidence", 0.95)
	v.SetDefault("risk.var_lookback_days", 30)

	v.SetDefault("alerts.enabled", false)
	v.SetDefault("alerts.brokers", []string{"localhost:9092"})
	v.SetDefault("alerts.topic", "risk-alerts")

	v.SetDefault("influx.enabled", false)
	v.SetDefault("influx.url", "http://localhost:8086")
	v.SetDefault("influx.org", "ats")
	v.SetDefault("influx.bucket", "trading")
	v.SetDefault("influx.batch_size", 100)
	v.SetDefault("influx.flush_interval_ms", 5000)
	v.SetDefault("influx.snapshot_interval_ms", 60000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
}

// overrideFromEnv applies per-venue credential overrides such as
// BINANCE_API_KEY and UPBIT_API_SECRET.
func overrideFromEnv(config *Config) {
	for i := range config.Exchanges {
		prefix := strings.ToUpper(config.Exchanges[i].ID)
		if apiKey := os.Getenv(prefix + "_API_KEY"); apiKey != "" {
			config.Exchanges[i].APIKey = apiKey
		}
		if apiSecret := os.Getenv(prefix + "_API_SECRET"); apiSecret != "" {
			config.Exchanges[i].APISecret = apiSecret
		}
	}

	if token := os.Getenv("INFLUX_TOKEN"); token != "" {
		config.Influx.Token = token
	}
	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	missing := false
	for i := range config.Exchanges {
		keyName, secretName := secrets.VenueSecretNames(config.Exchanges[i].ID)
		if config.Exchanges[i].APIKey == "" {
			config.Exchanges[i].APIKey = secretManager.GetSecretWithDefault(ctx, keyName, "")
		}
		if config.Exchanges[i].APISecret == "" {
			config.Exchanges[i].APISecret = secretManager.GetSecretWithDefault(ctx, secretName, "")
		}
		if config.Exchanges[i].APIKey == "" || config.Exchanges[i].APISecret == "" {
			missing = true
		}
	}

	if missing {
		if names, err := secretManager.ListSecrets(ctx); err == nil {
			logger.WithField("available", names).Warn("Some venue credentials unresolved in Secret Manager")
		}
	}

	logger.Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}

// Validate rejects structurally invalid configuration and credential
// placeholders left over from a config template.
func Validate(config *Config) error {
	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	seen := make(map[string]struct{})
	for _, ex := range config.Exchanges {
		if _, dup := seen[ex.ID]; dup {
			return fmt.Errorf("duplicate exchange id %q", ex.ID)
		}
		seen[ex.ID] = struct{}{}

		if strings.HasPrefix(ex.APIKey, "YOUR_") || strings.HasPrefix(ex.APISecret, "YOUR_") {
			return fmt.Errorf("exchange %s has placeholder credentials", ex.ID)
		}
	}
	return nil
}
