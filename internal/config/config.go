// Package config содержит логику чтения конфигурации движка расчётов.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации движка расчётов.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`
	AdminSecret string `env:"ADMIN_INTERNAL_SECRET"`

	ExchangePartner    string `env:"EXCHANGE_PARTNER"`
	YellowCardAPIURL   string `env:"YELLOWCARD_API_URL"`
	YellowCardAPIKey   string `env:"YELLOWCARD_API_KEY"`
	AnchorAPIURL       string `env:"ANCHOR_API_URL"`
	AnchorAPIKey       string `env:"ANCHOR_API_KEY"`
	RegistryGatewayURL string `env:"REGISTRY_GATEWAY_URL"`

	SettlementFeePercent float64       `env:"SETTLEMENT_FEE_PERCENT"`
	SettlementFeeFixed   float64       `env:"SETTLEMENT_FEE_FIXED"`
	SettlementCron       string        `env:"SETTLEMENT_CRON"`
	DisableCron          bool          `env:"DISABLE_CRON"`
	BatchWorkers         int           `env:"BATCH_WORKERS"`
	PartnerTimeout       time.Duration `env:"PARTNER_TIMEOUT"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения из окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envCfg := *cfg

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.ExchangePartner, "p", "mock", "exchange partner: mock|yellowcard|anchor")
	flag.Float64Var(&cfg.SettlementFeePercent, "fee", 2.0, "settlement fee percent")
	flag.StringVar(&cfg.SettlementCron, "cron", "0 0 * * *", "settlement batch cron expression (UTC)")

	flag.Parse()

	if envCfg.RunAddress != "" {
		cfg.RunAddress = envCfg.RunAddress
	}
	if envCfg.DatabaseURI != "" {
		cfg.DatabaseURI = envCfg.DatabaseURI
	}
	if envCfg.ExchangePartner != "" {
		cfg.ExchangePartner = envCfg.ExchangePartner
	}
	// Нулевая комиссия — допустимое значение, поэтому приоритет окружения
	// определяется наличием переменной, а не её значением.
	if _, ok := os.LookupEnv("SETTLEMENT_FEE_PERCENT"); ok {
		cfg.SettlementFeePercent = envCfg.SettlementFeePercent
	}
	if envCfg.SettlementCron != "" {
		cfg.SettlementCron = envCfg.SettlementCron
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.ExchangePartner == "" {
		cfg.ExchangePartner = "mock"
	}
	if cfg.SettlementCron == "" {
		cfg.SettlementCron = "0 0 * * *"
	}
	if cfg.BatchWorkers <= 0 {
		cfg.BatchWorkers = 4
	}
	if cfg.PartnerTimeout <= 0 {
		cfg.PartnerTimeout = 30 * time.Second
	}
	if cfg.YellowCardAPIURL == "" {
		cfg.YellowCardAPIURL = "https://api.yellowcard.io"
	}
	if cfg.AnchorAPIURL == "" {
		cfg.AnchorAPIURL = "https://api.anchorusd.com"
	}

	return cfg, nil
}
