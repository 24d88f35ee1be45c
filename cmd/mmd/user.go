package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"stellar-mm/internal/store"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "管理签名账户",
	}

	var username, publicKey, secret string
	add := &cobra.Command{
		Use:   "add",
		Short: "登记账户，种子加密后保存",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				secret = os.Getenv("MM_USER_SECRET")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, users, _, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close(db)

			u, err := users.CreateUser(cmd.Context(), username, publicKey, secret)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %s added (%s)\n", u.Username, u.PublicKey)
			return nil
		},
	}
	add.Flags().StringVar(&username, "username", "", "用户名")
	add.Flags().StringVar(&publicKey, "publickey", "", "账户地址 G...")
	add.Flags().StringVar(&secret, "secret", "", "签名种子 S...，留空时读取 MM_USER_SECRET")
	_ = add.MarkFlagRequired("username")
	_ = add.MarkFlagRequired("publickey")

	list := &cobra.Command{
		Use:   "list",
		Short: "列出已登记账户",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, users, _, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close(db)

			all, err := users.Users(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "USERNAME\tPUBLIC KEY\tCREATED")
			for _, u := range all {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", u.Username, u.PublicKey, u.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}
