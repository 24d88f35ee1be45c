package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"stellar-mm/config"
	"stellar-mm/infrastructure/logger"
	"stellar-mm/internal/ledger"
	"stellar-mm/internal/ledger/horizon"
	"stellar-mm/internal/store"
	"stellar-mm/offer"
)

// newLedgerClient 测试时替换为内存账本。
var newLedgerClient = func(cfg config.AppConfig, log *zap.Logger) ledger.Client {
	return horizon.New(cfg.Ledger.HorizonURL, horizon.Passphrase(cfg.Ledger.Network),
		&http.Client{Timeout: cfg.Ledger.SubmitTimeout}, log)
}

// newCancelCmd 撤销服务停止后遗留在订单簿上的挂单。服务运行中请走 HTTP 接口。
func newCancelCmd() *cobra.Command {
	var owner string
	var all bool

	cmd := &cobra.Command{
		Use:   "cancel [offer-id...]",
		Short: "以零数量替换撤销挂单并更新记录",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return errors.New("give offer ids or --all --owner")
			}
			if all && owner == "" {
				return errors.New("--all requires --owner")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.Log)
			if err != nil {
				return err
			}
			defer log.Close()

			db, users, registry, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close(db)

			gw := ledger.NewGateway(newLedgerClient(cfg, log.Named("horizon")), ledger.Config{
				BaseFee:        cfg.Ledger.BaseFee,
				AccountTimeout: cfg.Ledger.AccountTimeout,
				SubmitTimeout:  cfg.Ledger.SubmitTimeout,
			}, log.Named("ledger"), nil)

			targets, err := cancelTargets(cmd.Context(), registry, owner, all, args)
			if err != nil {
				return err
			}

			var errs []error
			for _, o := range targets {
				if err := cancelOne(cmd.Context(), gw, users, registry, o); err != nil {
					log.LogError(err, map[string]interface{}{"action": "cancel", "offer_id": int64(o.ID)})
					errs = append(errs, fmt.Errorf("offer %d: %w", o.ID, err))
					continue
				}
				log.LogOffer("canceled_offline", int64(o.ID), zap.String("owner", o.Owner))
				fmt.Fprintf(cmd.OutOrStdout(), "offer %d canceled\n", o.ID)
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "账户地址；指定的挂单必须属于该账户")
	cmd.Flags().BoolVar(&all, "all", false, "撤销该账户所有未结束的挂单")
	return cmd
}

func cancelTargets(ctx context.Context, registry *store.OfferRegistry, owner string, all bool, args []string) ([]offer.Offer, error) {
	if all {
		offers, err := registry.FindByOwner(ctx, owner)
		if err != nil {
			return nil, err
		}
		live := offers[:0]
		for _, o := range offers {
			if !offer.IsFinal(o.Status) {
				live = append(live, o)
			}
		}
		return live, nil
	}

	out := make([]offer.Offer, 0, len(args))
	for _, raw := range args {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: offer id %q", offer.ErrInvalidInput, raw)
		}
		o, err := registry.Get(ctx, offer.ID(n))
		if err != nil {
			return nil, err
		}
		if owner != "" && o.Owner != owner {
			return nil, fmt.Errorf("%w: offer %d belongs to another account", offer.ErrUnauthorizedUser, n)
		}
		out = append(out, o)
	}
	return out, nil
}

func cancelOne(ctx context.Context, gw *ledger.Gateway, users *store.UserStore, registry *store.OfferRegistry, o offer.Offer) error {
	if offer.IsFinal(o.Status) {
		return nil
	}
	cred, err := users.ResolveCredential(ctx, o.Owner)
	if err != nil {
		return err
	}
	if _, err := gw.CancelOffer(ctx, cred, o.Side, o.Selling, o.Buying, o.ID); err != nil {
		return err
	}
	return registry.Transition(ctx, o.ID, offer.StatusCanceled, nil)
}
