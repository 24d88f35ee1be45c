package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"stellar-mm/internal/container"
)

func newServeCmd() *cobra.Command {
	var healthInterval time.Duration
	var maxUnhealthy int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP 服务与挂单控制器",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, err := container.New(configPath)
			if err != nil {
				return err
			}
			if err := c.Build(); err != nil {
				_ = c.Stop()
				return err
			}
			if err := c.Start(ctx); err != nil {
				_ = c.Stop()
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return superviseHealth(gctx, c.HealthCheck, healthInterval, maxUnhealthy)
			})
			runErr := g.Wait()

			if err := c.Stop(); err != nil && runErr == nil {
				runErr = err
			}
			return runErr
		},
	}
	cmd.Flags().DurationVar(&healthInterval, "health-interval", 10*time.Second, "健康检查间隔")
	cmd.Flags().IntVar(&maxUnhealthy, "max-unhealthy", 6, "连续失败多少次后退出进程，0 表示不退出")
	return cmd
}

// superviseHealth 定期检查组件健康，连续失败达到上限时返回错误，由进程管理器负责重启。
func superviseHealth(ctx context.Context, check func() error, interval time.Duration, limit int) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := check()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if limit > 0 && failures >= limit {
				return fmt.Errorf("unhealthy for %d consecutive checks: %w", failures, err)
			}
		}
	}
}
