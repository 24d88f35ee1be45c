package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"stellar-mm/config"
)

type fakeComponent struct {
	name     string
	startErr error
	health   error
	log      *[]string
}

func (f *fakeComponent) Name() string { return f.name }

func (f *fakeComponent) Start(context.Context) error {
	*f.log = append(*f.log, "start "+f.name)
	return f.startErr
}

func (f *fakeComponent) Stop() error {
	*f.log = append(*f.log, "stop "+f.name)
	return nil
}

func (f *fakeComponent) Health() error { return f.health }

func TestLifecycleOrder(t *testing.T) {
	var log []string
	m := NewLifecycleManager()
	m.Register(&fakeComponent{name: "a", log: &log})
	m.Register(&fakeComponent{name: "b", log: &log})

	require.NoError(t, m.StartAll(context.Background()))
	require.NoError(t, m.StopAll())
	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, log)
}

func TestLifecycleRollback(t *testing.T) {
	var log []string
	m := NewLifecycleManager()
	m.Register(&fakeComponent{name: "a", log: &log})
	m.Register(&fakeComponent{name: "b", log: &log, startErr: errors.New("port busy")})
	m.Register(&fakeComponent{name: "c", log: &log})

	err := m.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start b failed")
	assert.Equal(t, []string{"start a", "start b", "stop a"}, log)
}

func TestLifecycleHealth(t *testing.T) {
	var log []string
	m := NewLifecycleManager()
	m.Register(&fakeComponent{name: "a", log: &log})
	m.Register(&fakeComponent{name: "b", log: &log, health: errors.New("down")})

	err := m.CheckHealth()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b unhealthy")
}

func TestHTTPServerComponent(t *testing.T) {
	h := &httpServerComponent{
		name: "test_server",
		handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
		addr:   "127.0.0.1:0",
		logger: zaptest.NewLogger(t),
	}
	assert.Error(t, h.Health())

	require.NoError(t, h.Start(context.Background()))
	require.NoError(t, h.Health())

	resp, err := http.Get("http://" + h.Addr() + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)

	require.NoError(t, h.Stop())
	assert.Error(t, h.Health())
}

func TestHTTPServerComponentPortInUse(t *testing.T) {
	first := &httpServerComponent{name: "first", handler: http.NotFoundHandler(), addr: "127.0.0.1:0", logger: zaptest.NewLogger(t)}
	require.NoError(t, first.Start(context.Background()))
	defer first.Stop()

	second := &httpServerComponent{name: "second", handler: http.NotFoundHandler(), addr: first.Addr(), logger: zaptest.NewLogger(t)}
	assert.Error(t, second.Start(context.Background()))
}

func testConfig(t *testing.T) config.AppConfig {
	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Store.Path = filepath.Join(t.TempDir(), "mm.db")
	cfg.Store.MasterKey = "master"
	cfg.Ledger.Network = "testnet"
	cfg.Ledger.HorizonURL = "http://127.0.0.1:1"
	cfg.Oracle.RESTURL = "http://127.0.0.1:1"
	return cfg
}

func apiAddr(t *testing.T, c *Container) string {
	t.Helper()
	for _, comp := range c.lifecycle.components {
		if h, ok := comp.(*httpServerComponent); ok && h.name == "api_server" {
			return h.Addr()
		}
	}
	t.Fatal("api server not registered")
	return ""
}

func TestContainerRequiresMasterKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.MasterKey = ""
	c := NewWithConfig(cfg, "")
	err := c.Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MM_MASTER_KEY")
	require.NoError(t, c.Stop())
}

func TestContainerStartStop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	c := NewWithConfig(testConfig(t), "")
	require.NoError(t, c.Build())
	require.NoError(t, c.Start(context.Background()))

	require.NoError(t, c.HealthCheck())
	addr := apiAddr(t, c)

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get("http://" + addr + "/sessions")
	require.NoError(t, err)
	var sessions []interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sessions))
	resp.Body.Close()
	assert.Empty(t, sessions)

	resp, err = http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	require.NoError(t, c.Stop())
	assert.Empty(t, c.Controller().Sessions())
}

func TestContainerHotReload(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("MM_MASTER_KEY", "master")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	write := func(level string, spreads string) {
		body := fmt.Sprintf(`
env: test
server:
  addr: "127.0.0.1:0"
log:
  level: %s
ledger:
  network: testnet
store:
  path: %q
quoting:
  spreads: %s
assets:
  USDT: GCQTGZQQ5G4PTM2GL7CDIFKUBIPEC52BROAQIAPW53XBRJVN6ZJVTG6V
`, level, filepath.Join(dir, "mm.db"), spreads)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	write("info", "[0.5, 0.75]")

	c, err := New(path)
	require.NoError(t, err)
	require.NoError(t, c.Build())
	require.NotNil(t, c.reloader)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	write("debug", "[0.2]")
	require.NoError(t, c.reloader.Reload())
	assert.Equal(t, zap.DebugLevel, c.logger.Level())
	assert.Equal(t, 1, c.calculator.Table().Len())
	assert.Equal(t, "0.2", c.calculator.Spread(0).String())
}
