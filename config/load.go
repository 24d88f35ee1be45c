package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"stellar-mm/infrastructure/logger"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env     string            `yaml:"env"`
	Server  ServerConfig      `yaml:"server"`
	Metrics MetricsConfig     `yaml:"metrics"`
	Log     logger.Config     `yaml:"log"`
	Oracle  OracleConfig      `yaml:"oracle"`
	Ledger  LedgerConfig      `yaml:"ledger"`
	Quoting QuotingConfig     `yaml:"quoting"`
	Assets  map[string]string `yaml:"assets"` // 资产代码 -> 发行方
	Store   StoreConfig       `yaml:"store"`
	Alerts  AlertsConfig      `yaml:"alerts"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	AllowedOrigins []string      `yaml:"allowedOrigins"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

// MetricsConfig Addr 为空时 /metrics 挂在业务端口上。
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type OracleConfig struct {
	RESTURL           string        `yaml:"restURL"`
	WSURL             string        `yaml:"wsURL"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Burst             int           `yaml:"burst"`
	CacheTTL          time.Duration `yaml:"cacheTTL"`
	CacheSize         int           `yaml:"cacheSize"`
	FetchTimeout      time.Duration `yaml:"fetchTimeout"`
	StreamSymbols     []string      `yaml:"streamSymbols"` // 通过 miniTicker 流保持缓存的交易对
}

type LedgerConfig struct {
	HorizonURL     string        `yaml:"horizonURL"`
	Network        string        `yaml:"network"` // public / testnet
	BaseFee        int64         `yaml:"baseFee"` // stroops
	AccountTimeout time.Duration `yaml:"accountTimeout"`
	SubmitTimeout  time.Duration `yaml:"submitTimeout"`
}

type QuotingConfig struct {
	Spreads               []float64     `yaml:"spreads"`       // 按报价代数的价差（百分比）
	DefaultSpread         float64       `yaml:"defaultSpread"` // 代数超出 spreads 后使用
	RequoteInterval       time.Duration `yaml:"requoteInterval"`
	OracleTimeout         time.Duration `yaml:"oracleTimeout"`
	FailureAlertThreshold int           `yaml:"failureAlertThreshold"`
	Replenish             *bool         `yaml:"replenish"`
}

// ReplenishEnabled 未配置时默认开启。
func (q QuotingConfig) ReplenishEnabled() bool {
	return q.Replenish == nil || *q.Replenish
}

// StoreConfig MasterKey 只从环境变量读取。
type StoreConfig struct {
	Path      string `yaml:"path"`
	MasterKey string `yaml:"-"`
}

type AlertsConfig struct {
	WebhookURL     string        `yaml:"webhookURL"`
	WebhookTimeout time.Duration `yaml:"webhookTimeout"`
	Throttle       time.Duration `yaml:"throttle"`
}

// Default 返回带默认值的配置，YAML 中出现的字段覆盖默认值。
func Default() AppConfig {
	return AppConfig{
		Env: "dev",
		Server: ServerConfig{
			Addr:           ":3000",
			RequestTimeout: 60 * time.Second,
		},
		Metrics: MetricsConfig{Enabled: true},
		Log:     logger.DefaultConfig(),
		Oracle: OracleConfig{
			RESTURL:           "https://api.binance.com",
			WSURL:             "wss://stream.binance.com:9443",
			RequestsPerSecond: 10,
			Burst:             5,
			CacheTTL:          2 * time.Second,
			CacheSize:         256,
			FetchTimeout:      5 * time.Second,
		},
		Ledger: LedgerConfig{
			HorizonURL:     "https://horizon.stellar.org",
			Network:        "public",
			BaseFee:        100000,
			AccountTimeout: 5 * time.Second,
			SubmitTimeout:  30 * time.Second,
		},
		Quoting: QuotingConfig{
			Spreads:               []float64{0.5, 0.75, 1, 1.25, 1.5},
			DefaultSpread:         1.5,
			RequoteInterval:       60 * time.Second,
			OracleTimeout:         5 * time.Second,
			FailureAlertThreshold: 3,
		},
		Assets: map[string]string{},
		Store:  StoreConfig{Path: "data/mm.db"},
		Alerts: AlertsConfig{
			WebhookTimeout: 5 * time.Second,
			Throttle:       5 * time.Minute,
		},
	}
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads .env (if present) and config, then overrides fields from MM_* env vars.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	// .env 不存在时忽略；已设置的环境变量优先
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, Validate(cfg)
}

func applyEnv(cfg *AppConfig) error {
	if v := os.Getenv("MM_ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("MM_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("MM_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("MM_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("MM_HORIZON_URL"); v != "" {
		cfg.Ledger.HorizonURL = v
	}
	if v := os.Getenv("MM_NETWORK"); v != "" {
		cfg.Ledger.Network = v
	}
	if v := os.Getenv("MM_BINANCE_REST_URL"); v != "" {
		cfg.Oracle.RESTURL = v
	}
	if v := os.Getenv("MM_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("MM_MASTER_KEY"); v != "" {
		cfg.Store.MasterKey = v
	}
	if v := os.Getenv("MM_ALERT_WEBHOOK"); v != "" {
		cfg.Alerts.WebhookURL = v
	}
	if v := os.Getenv("MM_REQUOTE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("MM_REQUOTE_INTERVAL: %w", err)
		}
		cfg.Quoting.RequoteInterval = d
	}
	if v := os.Getenv("MM_BASE_FEE"); v != "" {
		fee, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("MM_BASE_FEE: %w", err)
		}
		cfg.Ledger.BaseFee = fee
	}
	return nil
}

// Validate ensures required fields are present.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	if cfg.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if cfg.Oracle.RESTURL == "" {
		return errors.New("oracle.restURL is required")
	}
	if cfg.Oracle.RequestsPerSecond < 0 || cfg.Oracle.Burst < 0 {
		return errors.New("oracle.requestsPerSecond/burst must be >= 0")
	}
	if len(cfg.Oracle.StreamSymbols) > 0 && cfg.Oracle.WSURL == "" {
		return errors.New("oracle.wsURL is required when streamSymbols is set")
	}
	if cfg.Ledger.HorizonURL == "" {
		return errors.New("ledger.horizonURL is required")
	}
	switch strings.ToLower(cfg.Ledger.Network) {
	case "public", "testnet":
	default:
		return fmt.Errorf("ledger.network must be public or testnet, got %q", cfg.Ledger.Network)
	}
	if cfg.Ledger.BaseFee <= 0 {
		return errors.New("ledger.baseFee must be > 0")
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path is required")
	}
	if err := ValidateQuoting(cfg.Quoting); err != nil {
		return err
	}
	for code, issuer := range cfg.Assets {
		if code == "" || len(code) > 12 {
			return fmt.Errorf("assets: invalid code %q", code)
		}
		if strings.EqualFold(code, "XLM") {
			return errors.New("assets: XLM is native and takes no issuer")
		}
		if issuer == "" {
			return fmt.Errorf("assets.%s issuer is required", code)
		}
	}
	return nil
}
