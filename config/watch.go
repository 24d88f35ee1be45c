package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"os"
	"time"
)

// Watcher 轮询配置文件，作为 fsnotify 不可用（如网络挂载目录）时的后备。
// 修改时间变化但内容不变（touch、同步工具回写）不触发重载。
type Watcher struct {
	Path     string
	Interval time.Duration
	// OnError 非空时接收加载失败的错误；失败的版本不会回调 onUpdate，下次内容变化时再试。
	OnError func(error)
}

type fileSnapshot struct {
	mod    time.Time
	digest []byte
}

func (w Watcher) snapshot() (fileSnapshot, error) {
	info, err := readFileInfo(w.Path)
	if err != nil {
		return fileSnapshot{}, err
	}
	raw, err := os.ReadFile(w.Path)
	if err != nil {
		return fileSnapshot{}, err
	}
	sum := sha256.Sum256(raw)
	return fileSnapshot{mod: info.ModTime(), digest: sum[:]}, nil
}

// Start 阻塞轮询直到 ctx 结束；内容变化且校验通过时回调 onUpdate。
func (w Watcher) Start(ctx context.Context, onUpdate func(AppConfig)) error {
	if w.Interval <= 0 {
		w.Interval = 2 * time.Second
	}
	last, _ := w.snapshot()

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		info, err := readFileInfo(w.Path)
		if err != nil || !info.ModTime().After(last.mod) {
			continue
		}
		cur, err := w.snapshot()
		if err != nil {
			continue
		}
		changed := !bytes.Equal(cur.digest, last.digest)
		last = cur
		if !changed {
			continue
		}

		cfg, err := LoadWithEnvOverrides(w.Path)
		if err != nil {
			if w.OnError != nil {
				w.OnError(err)
			}
			continue
		}
		if onUpdate != nil {
			onUpdate(cfg)
		}
	}
}

// readFileInfo 测试时替换。
var readFileInfo = func(path string) (info interface{ ModTime() time.Time }, err error) {
	return os.Stat(path)
}
