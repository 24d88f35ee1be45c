package alert

import (
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Level 告警级别
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// Alert 告警信息
type Alert struct {
	Level     Level
	Subject   string // 限流维度，通常是 offer id；为空时按消息限流
	Message   string
	Timestamp time.Time
	Fields    map[string]interface{}
}

// Channel 告警通道接口
type Channel interface {
	Send(alert Alert) error
	Name() string
}

// Manager 告警管理器，同一 (主题, 级别, 消息) 在限流间隔内只发送一次。
type Manager struct {
	channels []Channel
	throttle *Throttler
	mu       sync.RWMutex
}

// throttleCapacity 限流记录上限。会话结束后主题不再出现，LRU 淘汰旧记录。
const throttleCapacity = 4096

// Throttler 按 key 记录上次发送时间。
type Throttler struct {
	lastSent *lru.Cache[string, time.Time]
	interval time.Duration
	now      func() time.Time
	mu       sync.Mutex
}

// NewThrottler 创建限流器
func NewThrottler(interval time.Duration) *Throttler {
	cache, _ := lru.New[string, time.Time](throttleCapacity)
	return &Throttler{
		lastSent: cache,
		interval: interval,
		now:      time.Now,
	}
}

// Allow 检查是否允许发送（限流）
func (t *Throttler) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if last, ok := t.lastSent.Get(key); ok && now.Sub(last) < t.interval {
		return false
	}
	t.lastSent.Add(key, now)
	return true
}

// Reset 重置某个 key
func (t *Throttler) Reset(key string) {
	t.lastSent.Remove(key)
}

// ResetPrefix 删除所有以 prefix 开头的 key，返回删除数量。
func (t *Throttler) ResetPrefix(prefix string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, k := range t.lastSent.Keys() {
		if strings.HasPrefix(k, prefix) {
			t.lastSent.Remove(k)
			n++
		}
	}
	return n
}

// Clear 清空所有限流记录
func (t *Throttler) Clear() {
	t.lastSent.Purge()
}

// NewManager 创建告警管理器
func NewManager(channels []Channel, throttleInterval time.Duration) *Manager {
	return &Manager{
		channels: channels,
		throttle: NewThrottler(throttleInterval),
	}
}

func throttleKey(a Alert) string {
	return a.Subject + "\x00" + string(a.Level) + ":" + a.Message
}

// SendAlert 发送告警。被限流时静默返回 nil；全部通道失败时返回最后一个错误。
func (m *Manager) SendAlert(alert Alert) error {
	if m == nil {
		return nil
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
	if !m.throttle.Allow(throttleKey(alert)) {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var lastErr error
	sent := 0
	for _, ch := range m.channels {
		if err := ch.Send(alert); err != nil {
			lastErr = fmt.Errorf("channel %s failed: %w", ch.Name(), err)
			continue
		}
		sent++
	}
	if sent == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

// Warn 会话级告警的快捷方式。
func (m *Manager) Warn(subject, message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{Level: LevelWarning, Subject: subject, Message: message, Fields: fields})
}

// Error ERROR 级别
func (m *Manager) Error(subject, message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{Level: LevelError, Subject: subject, Message: message, Fields: fields})
}

// Info INFO 级别
func (m *Manager) Info(subject, message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{Level: LevelInfo, Subject: subject, Message: message, Fields: fields})
}

// AddChannel 添加告警通道
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
}

// GetChannels 获取所有通道名
func (m *Manager) GetChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		names = append(names, ch.Name())
	}
	return names
}

// ResetThrottle 重置限流器
func (m *Manager) ResetThrottle() {
	m.throttle.Clear()
}

// Forget 清除某个主题的限流记录，主题对应的会话结束后调用；
// 同一 offer id 之后再出问题时第一条告警不会被吞掉。
func (m *Manager) Forget(subject string) {
	if m == nil || subject == "" {
		return
	}
	m.throttle.ResetPrefix(subject + "\x00")
}
