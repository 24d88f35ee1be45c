package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	appcfg "stellar-mm/config"
)

// HotReloadConfig 热更新配置
type HotReloadConfig struct {
	Enabled      bool          // 是否启用热更新
	Debounce     time.Duration // 连续写入合并为一次重载
	PollInterval time.Duration // fsnotify 不可用时的轮询间隔
}

// DefaultHotReloadConfig 默认热更新配置
func DefaultHotReloadConfig() HotReloadConfig {
	return HotReloadConfig{
		Enabled:      true,
		Debounce:     500 * time.Millisecond,
		PollInterval: 2 * time.Second,
	}
}

// Applier 把新配置应用到运行中的组件。
type Applier func(cfg appcfg.AppConfig) error

// HotReloader 监听配置文件，校验通过后依次调用已注册的 Applier。
// 监听所在目录而不是文件本身，编辑器的"写临时文件再改名"也能被捕获。
type HotReloader struct {
	config     HotReloadConfig
	configPath string
	logger     *zap.Logger
	load       func(path string) (appcfg.AppConfig, error)

	mu         sync.Mutex
	appliers   map[string]Applier
	lastReload time.Time
	reloads    int

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewHotReloader 创建热更新器
func NewHotReloader(configPath string, cfg HotReloadConfig, logger *zap.Logger) *HotReloader {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultHotReloadConfig().Debounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HotReloader{
		config:     cfg,
		configPath: configPath,
		logger:     logger.Named("hot_reload"),
		load:       appcfg.LoadWithEnvOverrides,
		appliers:   make(map[string]Applier),
	}
}

// RegisterApplier 注册参数应用器，按名称顺序调用。
func (h *HotReloader) RegisterApplier(name string, fn Applier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.appliers[name] = fn
}

// Start 启动热更新监听；fsnotify 失败时退回轮询。
func (h *HotReloader) Start(ctx context.Context) error {
	if !h.config.Enabled {
		return nil
	}
	h.mu.Lock()
	if h.done != nil {
		h.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})
	h.mu.Unlock()

	w, err := fsnotify.NewWatcher()
	if err == nil {
		err = w.Add(filepath.Dir(h.configPath))
		if err != nil {
			_ = w.Close()
		}
	}
	if err != nil {
		h.logger.Warn("fsnotify unavailable, polling config", zap.String("path", h.configPath), zap.Error(err))
		go h.poll(ctx)
		return nil
	}
	h.watcher = w
	go h.watch(ctx)
	return nil
}

// Stop 停止热更新
func (h *HotReloader) Stop() error {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	if h.watcher != nil {
		return h.watcher.Close()
	}
	return nil
}

func (h *HotReloader) poll(ctx context.Context) {
	defer close(h.done)
	w := appcfg.Watcher{
		Path:     h.configPath,
		Interval: h.config.PollInterval,
		OnError: func(err error) {
			h.logger.Error("config reload rejected", zap.Error(err))
		},
	}
	_ = w.Start(ctx, func(cfg appcfg.AppConfig) {
		_ = h.apply(cfg)
	})
}

// watch 监听文件变化
func (h *HotReloader) watch(ctx context.Context) {
	defer close(h.done)

	target := filepath.Clean(h.configPath)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(h.config.Debounce)
			}
		case <-timer.C:
			_ = h.Reload()
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

// Reload 立即重新加载并应用配置。校验失败时保留当前配置。
func (h *HotReloader) Reload() error {
	cfg, err := h.load(h.configPath)
	if err != nil {
		h.logger.Error("config reload rejected", zap.String("path", h.configPath), zap.Error(err))
		return fmt.Errorf("reload config: %w", err)
	}
	return h.apply(cfg)
}

func (h *HotReloader) apply(cfg appcfg.AppConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	names := make([]string, 0, len(h.appliers))
	for name := range h.appliers {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := h.appliers[name](cfg); err != nil {
			h.logger.Error("apply config failed", zap.String("applier", name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	h.lastReload = time.Now()
	h.reloads++
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	h.logger.Info("config reloaded", zap.Int("appliers", len(names)))
	return nil
}

// GetLastReloadTime 获取最后重载时间
func (h *HotReloader) GetLastReloadTime() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastReload
}

// Reloads 已完成的重载次数
func (h *HotReloader) Reloads() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reloads
}
