package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"stellar-mm/gateway"
)

func newPriceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "price <symbol>",
		Short: "查询参考价，例如 XLMUSDT",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			oracle, _, err := gateway.BuildPriceOracle(gateway.OracleConfig{
				RESTURL:      cfg.Oracle.RESTURL,
				RequestsPerS: cfg.Oracle.RequestsPerSecond,
				Burst:        cfg.Oracle.Burst,
				CacheTTL:     cfg.Oracle.CacheTTL,
				CacheSize:    cfg.Oracle.CacheSize,
				FetchTimeout: cfg.Oracle.FetchTimeout,
			}, nil, zap.NewNop(), nil)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Oracle.FetchTimeout)
			defer cancel()

			sym := strings.ToUpper(args[0])
			p, err := oracle.Price(ctx, sym)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", sym, p.String())
			return nil
		},
	}
}
