package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"stellar-mm/config"
	"stellar-mm/internal/store"
)

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mmd",
		Short:         "Stellar DEX market maker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "配置文件路径")

	root.AddCommand(newServeCmd(), newUserCmd(), newOffersCmd(), newPriceCmd())
	return root
}

func loadConfig() (config.AppConfig, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return config.AppConfig{}, fmt.Errorf("加载配置失败: %w", err)
	}
	return cfg, nil
}

// openStore 直接打开数据库，供离线子命令使用；调用方负责 store.Close。
func openStore(cfg config.AppConfig) (*gorm.DB, *store.UserStore, *store.OfferRegistry, error) {
	if cfg.Store.MasterKey == "" {
		return nil, nil, nil, errors.New("MM_MASTER_KEY is required")
	}
	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, nil, nil, err
	}
	users, err := store.NewUserStore(db, cfg.Store.MasterKey)
	if err != nil {
		_ = store.Close(db)
		return nil, nil, nil, err
	}
	return db, users, store.NewOfferRegistry(db), nil
}
