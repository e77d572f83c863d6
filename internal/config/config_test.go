package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Exchanges: []ExchangeConfig{
			{ID: "binance", APIKey: "k1", APISecret: "s1", TakerFee: 0.001},
			{ID: "upbit", APIKey: "k2", APISecret: "s2", TakerFee: 0.0025},
		},
		Trading: TradingConfig{
			Symbols:          []string{"BTC/USDT"},
			MaxOrderSize:     0.5,
			MaxQuoteAgeMs:    5000,
			SubmitTimeoutMs:  5000,
			TradeDeadlineMs:  30000,
			PollIntervalMs:   500,
			Workers:          4,
			BalanceRefreshMs: 10000,
		},
		Risk: RiskConfig{
			MaxConcentrationRatio: 0.25,
			VaRConfidence:         0.95,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

func TestValidateAcceptsValidConfig(t *testing.T) {
	assert.NoError(t, Validate(validConfig()))
}

func TestValidateRejectsPlaceholderCredentials(t *testing.T) {
	cfg := validConfig()
	cfg.Exchanges[0].APIKey = "YOUR_BINANCE_API_KEY"
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "placeholder")
}

func TestValidateRejectsDuplicateExchange(t *testing.T) {
	cfg := validConfig()
	cfg.Exchanges[1].ID = "binance"
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestValidateRejectsUnknownVenue(t *testing.T) {
	cfg := validConfig()
	cfg.Exchanges[0].ID = "kraken"
	assert.Error(t, Validate(cfg))
}

func TestValidateRequiresTwoExchanges(t *testing.T) {
	cfg := validConfig()
	cfg.Exchanges = cfg.Exchanges[:1]
	assert.Error(t, Validate(cfg))
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 0
	assert.Error(t, Validate(cfg))

	cfg.Server.Port = 70000
	assert.Error(t, Validate(cfg))
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.Level = "verbose"
	assert.Error(t, Validate(cfg))
}

func TestOverrideFromEnv(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "env-key")
	t.Setenv("BINANCE_API_SECRET", "env-secret")
	t.Setenv("INFLUX_TOKEN", "env-token")
	t.Setenv("UPBIT_API_KEY", "")

	cfg := validConfig()
	overrideFromEnv(cfg)

	assert.Equal(t, "env-key", cfg.Exchanges[0].APIKey)
	assert.Equal(t, "env-secret", cfg.Exchanges[0].APISecret)
	assert.Equal(t, "env-token", cfg.Influx.Token)
	// Unset variables leave the file values alone.
	assert.Equal(t, "k2", cfg.Exchanges[1].APIKey)
}

func TestLoadReadsFileAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
server:
  port: 9090
exchanges:
  - id: binance
    api_key: k1
    api_secret: s1
    taker_fee: 0.001
  - id: upbit
    api_key: k2
    api_secret: s2
    taker_fee: 0.0025
trading:
  symbols: ["BTC/USDT", "ETH/USDT"]
  min_gross_spread: 50
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	require.Len(t, cfg.Exchanges, 2)
	assert.Equal(t, "binance", cfg.Exchanges[0].ID)
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, cfg.Trading.Symbols)
	assert.Equal(t, 50.0, cfg.Trading.MinGrossSpread)

	// Defaults fill everything the file leaves out.
	assert.Equal(t, 0.5, cfg.Trading.MaxOrderSize)
	assert.Equal(t, 30000, cfg.Trading.TradeDeadlineMs)
	assert.Equal(t, 10000, cfg.Trading.BalanceRefreshMs)
	assert.Equal(t, 0.95, cfg.Risk.VaRConfidence)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.False(t, cfg.Influx.Enabled)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
exchanges:
  - id: binance
    api_key: YOUR_BINANCE_API_KEY
    api_secret: s1
  - id: upbit
    api_key: k2
    api_secret: s2
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
