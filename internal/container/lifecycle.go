package container

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"stellar-mm/gateway"
	"stellar-mm/internal/config"
	"stellar-mm/internal/engine"
)

// Lifecycle 生命周期接口
type Lifecycle interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Health() error
}

// LifecycleManager 生命周期管理器
type LifecycleManager struct {
	components []Lifecycle
	mu         sync.RWMutex
}

// NewLifecycleManager 创建新的生命周期管理器
func NewLifecycleManager() *LifecycleManager {
	return &LifecycleManager{
		components: make([]Lifecycle, 0),
	}
}

// Register 注册组件
func (m *LifecycleManager) Register(component Lifecycle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, component)
}

// StartAll 按顺序启动所有组件
func (m *LifecycleManager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, component := range m.components {
		if err := component.Start(ctx); err != nil {
			// 启动失败，回滚已启动的组件
			for j := i - 1; j >= 0; j-- {
				_ = m.components[j].Stop()
			}
			return fmt.Errorf("start %s failed: %w", component.Name(), err)
		}
	}
	return nil
}

// StopAll 逆序停止所有组件，返回所有错误
func (m *LifecycleManager) StopAll() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []error
	for i := len(m.components) - 1; i >= 0; i-- {
		if err := m.components[i].Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", m.components[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}

// CheckHealth 检查所有组件健康状态
func (m *LifecycleManager) CheckHealth() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, component := range m.components {
		if err := component.Health(); err != nil {
			return fmt.Errorf("%s unhealthy: %w", component.Name(), err)
		}
	}
	return nil
}

// httpServerComponent HTTP服务器组件
type httpServerComponent struct {
	name    string
	handler http.Handler
	addr    string
	logger  *zap.Logger

	mu      sync.Mutex
	server  *http.Server
	bound   net.Addr
	serveEr error
	started bool
}

func (h *httpServerComponent) Name() string { return h.name }

// Start 同步监听端口，端口被占用时直接返回错误。
func (h *httpServerComponent) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return nil
	}
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", h.addr, err)
	}
	srv := &http.Server{
		Handler:           h.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	h.server = srv
	h.bound = ln.Addr()
	h.serveEr = nil

	go func() {
		h.logger.Info(h.name+" listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error(h.name+" serve failed", zap.Error(err))
			h.mu.Lock()
			h.serveEr = err
			h.mu.Unlock()
		}
	}()

	h.started = true
	return nil
}

// Addr 实际监听地址，未启动时为空。
func (h *httpServerComponent) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bound == nil {
		return ""
	}
	return h.bound.String()
}

func (h *httpServerComponent) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started || h.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", h.name, err)
	}

	h.logger.Info(h.name + " stopped")
	h.started = false
	return nil
}

func (h *httpServerComponent) Health() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return fmt.Errorf("%s not started", h.name)
	}
	return h.serveEr
}

// streamComponent 运行行情推送，断线自动重连。
type streamComponent struct {
	ws      *gateway.BinanceWSReal
	handler gateway.WSHandler
	logger  *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func (s *streamComponent) Name() string { return "price_stream" }

func (s *streamComponent) Start(ctx context.Context) error {
	if s.done != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		s.logger.Info("price stream starting", zap.Strings("streams", s.ws.Streams()))
		_ = s.ws.RunWithReconnect(ctx, s.handler)
	}()
	return nil
}

func (s *streamComponent) Stop() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel, s.done = nil, nil
	return nil
}

func (s *streamComponent) Health() error {
	if s.done == nil {
		return errors.New("not started")
	}
	select {
	case <-s.done:
		return errors.New("stream exited")
	default:
		return nil
	}
}

// reloaderComponent 配置热更新
type reloaderComponent struct {
	reloader *config.HotReloader
}

func (r *reloaderComponent) Name() string                    { return "hot_reload" }
func (r *reloaderComponent) Start(ctx context.Context) error { return r.reloader.Start(ctx) }
func (r *reloaderComponent) Stop() error                     { return r.reloader.Stop() }
func (r *reloaderComponent) Health() error                   { return nil }

// controllerComponent 停止时结束所有会话调度，挂单留在订单簿上。
type controllerComponent struct {
	ctl     *engine.Controller
	timeout time.Duration
}

func (c *controllerComponent) Name() string                { return "controller" }
func (c *controllerComponent) Start(context.Context) error { return nil }
func (c *controllerComponent) Health() error               { return nil }

func (c *controllerComponent) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.ctl.Shutdown(ctx)
}

// watchdogComponent systemd 就绪通知与看门狗心跳；非 systemd 环境下为空操作。
type watchdogComponent struct {
	health func() error
	logger *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func (w *watchdogComponent) Name() string { return "systemd" }

func (w *watchdogComponent) Start(ctx context.Context) error {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		w.logger.Warn("sd_notify ready failed", zap.Error(err))
	}
	if !sent {
		return nil
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(interval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.health(); err != nil {
					w.logger.Warn("health check failed, skipping watchdog ping", zap.Error(err))
					continue
				}
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
	return nil
}

func (w *watchdogComponent) Stop() error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if w.cancel != nil {
		w.cancel()
		<-w.done
		w.cancel = nil
	}
	return nil
}

func (w *watchdogComponent) Health() error { return nil }
