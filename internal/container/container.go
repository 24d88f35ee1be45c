package container

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"stellar-mm/config"
	"stellar-mm/gateway"
	"stellar-mm/infrastructure/alert"
	"stellar-mm/infrastructure/logger"
	"stellar-mm/infrastructure/monitor"
	"stellar-mm/internal/api"
	hotreload "stellar-mm/internal/config"
	"stellar-mm/internal/engine"
	"stellar-mm/internal/ledger"
	"stellar-mm/internal/ledger/horizon"
	"stellar-mm/internal/service"
	"stellar-mm/internal/store"
	"stellar-mm/strategy"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfg        config.AppConfig
	configPath string

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor
	alerts  *alert.Manager

	// 存储
	db       *gorm.DB
	users    *store.UserStore
	registry *store.OfferRegistry

	// 外部依赖
	oracle *gateway.PriceOracle
	stream *gateway.BinanceWSReal
	ledger *ledger.Gateway

	// 核心服务
	calculator *strategy.Calculator
	controller *engine.Controller
	trading    *service.Trading
	api        *api.Server
	reloader   *hotreload.HotReloader

	// 生命周期管理
	lifecycle *LifecycleManager
}

// New 创建新的Container实例
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	return NewWithConfig(cfg, configPath), nil
}

// NewWithConfig 使用已加载的配置；configPath 为空时不启用热更新。
func NewWithConfig(cfg config.AppConfig, configPath string) *Container {
	return &Container{
		cfg:        cfg,
		configPath: configPath,
		lifecycle:  NewLifecycleManager(),
	}
}

// Build 构建所有组件
func (c *Container) Build() error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}
	if err := c.buildStore(); err != nil {
		return fmt.Errorf("build store failed: %w", err)
	}
	if err := c.buildGateways(); err != nil {
		return fmt.Errorf("build gateways failed: %w", err)
	}
	if err := c.buildCoreServices(); err != nil {
		return fmt.Errorf("build core services failed: %w", err)
	}

	c.registerLifecycleComponents()
	c.logger.Info("container built", zap.String("env", c.cfg.Env), zap.String("network", c.cfg.Ledger.Network))
	return nil
}

func (c *Container) buildInfrastructure() error {
	var err error
	c.logger, err = logger.New(c.cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}

	c.monitor = monitor.New(monitor.DefaultConfig())

	channels := []alert.Channel{alert.NewZapChannel(c.logger.Named("alert"))}
	if c.cfg.Alerts.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookChannel(c.cfg.Alerts.WebhookURL, c.cfg.Alerts.WebhookTimeout))
	}
	c.alerts = alert.NewManager(channels, c.cfg.Alerts.Throttle)
	return nil
}

func (c *Container) buildStore() error {
	if c.cfg.Store.MasterKey == "" {
		return errors.New("MM_MASTER_KEY is required to unseal user credentials")
	}
	db, err := store.Open(c.cfg.Store.Path)
	if err != nil {
		return err
	}
	c.db = db
	c.users, err = store.NewUserStore(db, c.cfg.Store.MasterKey)
	if err != nil {
		return err
	}
	c.registry = store.NewOfferRegistry(db)
	return nil
}

func (c *Container) buildGateways() error {
	var err error
	c.oracle, c.stream, err = gateway.BuildPriceOracle(gateway.OracleConfig{
		RESTURL:       c.cfg.Oracle.RESTURL,
		WSURL:         c.cfg.Oracle.WSURL,
		RequestsPerS:  c.cfg.Oracle.RequestsPerSecond,
		Burst:         c.cfg.Oracle.Burst,
		CacheTTL:      c.cfg.Oracle.CacheTTL,
		CacheSize:     c.cfg.Oracle.CacheSize,
		FetchTimeout:  c.cfg.Oracle.FetchTimeout,
		StreamSymbols: c.cfg.Oracle.StreamSymbols,
	}, nil, c.logger.Named("oracle"), c.monitor)
	if err != nil {
		return err
	}

	client := horizon.New(
		c.cfg.Ledger.HorizonURL,
		horizon.Passphrase(c.cfg.Ledger.Network),
		&http.Client{Timeout: c.cfg.Ledger.SubmitTimeout + 5*time.Second},
		c.logger.Named("horizon"),
	)
	c.ledger = ledger.NewGateway(client, ledger.Config{
		BaseFee:        c.cfg.Ledger.BaseFee,
		AccountTimeout: c.cfg.Ledger.AccountTimeout,
		SubmitTimeout:  c.cfg.Ledger.SubmitTimeout,
	}, c.logger.Named("ledger"), c.monitor)
	return nil
}

func (c *Container) buildCoreServices() error {
	table, err := c.cfg.Quoting.SpreadTable()
	if err != nil {
		return err
	}
	c.calculator, err = strategy.NewCalculator(table)
	if err != nil {
		return err
	}

	c.controller, err = engine.New(engine.Config{
		RequoteInterval:       c.cfg.Quoting.RequoteInterval,
		OracleTimeout:         c.cfg.Quoting.OracleTimeout,
		FailureAlertThreshold: c.cfg.Quoting.FailureAlertThreshold,
		Replenish:             c.cfg.Quoting.ReplenishEnabled(),
	}, engine.Components{
		Calculator: c.calculator,
		Oracle:     c.oracle,
		Gateway:    c.ledger,
		Users:      c.users,
		Registry:   c.registry,
		Alerts:     c.alerts,
		Monitor:    c.monitor,
		Logger:     c.logger.Logger,
	})
	if err != nil {
		return err
	}

	c.trading, err = service.New(service.Deps{
		Oracle:   c.oracle,
		Offers:   c.controller,
		Users:    c.users,
		Ledger:   c.ledger,
		Registry: c.registry,
		Assets:   service.NewAssetBook(c.cfg.Assets),
		Logger:   c.logger.Logger,
	})
	if err != nil {
		return err
	}

	opts := api.Options{
		AllowedOrigins: c.cfg.Server.AllowedOrigins,
		RequestTimeout: c.cfg.Server.RequestTimeout,
		Health:         c.HealthCheck,
	}
	if c.cfg.Metrics.Enabled && c.cfg.Metrics.Addr == "" {
		opts.Metrics = c.monitor.Handler()
	}
	c.api = api.NewServer(c.trading, opts, c.monitor, c.logger.Logger)

	if c.configPath != "" {
		c.reloader = hotreload.NewHotReloader(c.configPath, hotreload.DefaultHotReloadConfig(), c.logger.Logger)
		c.reloader.RegisterApplier("assets", func(cfg config.AppConfig) error {
			c.trading.SetAssets(service.NewAssetBook(cfg.Assets))
			return nil
		})
		c.reloader.RegisterApplier("log", func(cfg config.AppConfig) error {
			return c.logger.SetLevel(cfg.Log.Level)
		})
		c.reloader.RegisterApplier("quoting", hotreload.QuotingApplier(c.calculator, c.controller))
	}
	return nil
}

// registerLifecycleComponents 启动顺序：热更新、行情流、控制器、HTTP、systemd 通知；停止时逆序。
func (c *Container) registerLifecycleComponents() {
	if c.reloader != nil {
		c.lifecycle.Register(&reloaderComponent{reloader: c.reloader})
	}
	if c.stream != nil {
		c.lifecycle.Register(&streamComponent{
			ws:      c.stream,
			handler: &gateway.BinanceWSHandler{Sink: c.oracle, Logger: c.logger.Named("stream")},
			logger:  c.logger.Named("stream"),
		})
	}
	c.lifecycle.Register(&controllerComponent{ctl: c.controller, timeout: 10 * time.Second})
	c.lifecycle.Register(&httpServerComponent{
		name:    "api_server",
		handler: c.api.Handler(),
		addr:    c.cfg.Server.Addr,
		logger:  c.logger.Logger,
	})
	if c.cfg.Metrics.Enabled && c.cfg.Metrics.Addr != "" {
		c.lifecycle.Register(&httpServerComponent{
			name:    "metrics_server",
			handler: c.monitor.Handler(),
			addr:    c.cfg.Metrics.Addr,
			logger:  c.logger.Logger,
		})
	}
	c.lifecycle.Register(&watchdogComponent{health: c.HealthCheck, logger: c.logger.Logger})
}

func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")

	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}

	c.logger.Info("container started", zap.String("addr", c.cfg.Server.Addr))
	return nil
}

// Stop 停止所有组件。挂单不撤销，重启后不会自动恢复调度。
func (c *Container) Stop() error {
	if c.logger == nil {
		return nil
	}
	c.logger.Info("stopping container...")

	err := c.lifecycle.StopAll()
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}

	if c.db != nil {
		if cerr := store.Close(c.db); cerr != nil {
			c.logger.LogError(cerr, map[string]interface{}{"action": "close_db"})
			err = errors.Join(err, cerr)
		}
	}

	c.logger.Info("container stopped")
	_ = c.logger.Close()
	return err
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// Config 当前配置
func (c *Container) Config() config.AppConfig { return c.cfg }

// Controller 挂单控制器
func (c *Container) Controller() *engine.Controller { return c.controller }
