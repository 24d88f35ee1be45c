package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"stellar-mm/internal/store"
	"stellar-mm/offer"
)

func newOffersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "offers",
		Short: "查看挂单记录",
	}

	var owner string
	list := &cobra.Command{
		Use:   "list",
		Short: "按状态统计挂单；指定 --owner 时列出该账户的挂单",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, _, registry, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close(db)

			out := cmd.OutOrStdout()
			if owner == "" {
				counts, err := registry.CountByStatus(cmd.Context())
				if err != nil {
					return err
				}
				statuses := make([]string, 0, len(counts))
				for st := range counts {
					statuses = append(statuses, string(st))
				}
				sort.Strings(statuses)
				for _, st := range statuses {
					fmt.Fprintf(out, "%-16s %d\n", st, counts[offer.Status(st)])
				}
				return nil
			}

			offers, err := registry.FindByOwner(cmd.Context(), owner)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSIDE\tSELLING\tBUYING\tAMOUNT\tPRICE\tSTATUS\tGEN")
			for _, o := range offers {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
					o.ID, o.Side, o.Selling, o.Buying, o.Amount.String(), o.Price.String(), o.Status, o.Generation)
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&owner, "owner", "", "账户地址")

	cmd.AddCommand(list, newCancelCmd())
	return cmd
}
