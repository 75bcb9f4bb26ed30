package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/yuanshang000/ds2api/pkg/account"
	"github.com/yuanshang000/ds2api/pkg/config"
	"github.com/yuanshang000/ds2api/pkg/deepseek"
	"github.com/yuanshang000/ds2api/pkg/logutil"
)

func init() {
	accountsCmd := &cobra.Command{
		Use:   "accounts",
		Short: "Inspect and log in pooled DeepSeek accounts",
	}
	accountsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured accounts and whether they hold a token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(configPath())
			if err != nil {
				return err
			}
			printAccounts(cmd.OutOrStdout(), cfg)
			return nil
		},
	})
	accountsCmd.AddCommand(&cobra.Command{
		Use:   "login [account...]",
		Short: "Log accounts in and store their tokens in the config",
		Long:  "Log in the named accounts, or every account when none is named. Tokens are written back to the config file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return loginAccounts(ctx, cmd.OutOrStdout(), configPath(), args)
		},
	})
	rootCmd.AddCommand(accountsCmd)
}

func printAccounts(w io.Writer, cfg *config.ServerConfig) {
	if len(cfg.Accounts) == 0 {
		fmt.Fprintln(w, "no accounts configured")
		return
	}
	ok := color.New(color.FgGreen).SprintFunc()
	missing := color.New(color.FgYellow).SprintFunc()
	bold := color.New(color.Bold).SprintFunc()
	for _, a := range cfg.Accounts {
		kind := "mobile"
		if a.Email != "" {
			kind = "email"
		}
		state := missing("no token")
		if a.Token != "" {
			state = ok("token")
		}
		fmt.Fprintf(w, "%-40s %-7s %s\n", bold(a.Identifier()), kind, state)
	}
	fmt.Fprintf(w, "%d account(s), %d key(s)\n", len(cfg.Accounts), len(cfg.Keys))
}

func loginAccounts(ctx context.Context, w io.Writer, path string, ids []string) error {
	cfg, err := config.LoadServerConfig(path)
	if err != nil {
		return err
	}
	store := config.NewServerConfigStore(path, cfg)
	opts := deepseek.OptionsFromConfig(cfg.Upstream)
	opts.Logger = logutil.Component("deepseek")
	client := deepseek.New(opts)
	pool, err := account.NewPool(ctx, account.NewConfigRepository(store), client, account.Options{
		Logger: logutil.Component("account"),
	})
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		ids = pool.IDs()
	}
	if len(ids) == 0 {
		fmt.Fprintln(w, "no accounts configured")
		return nil
	}

	good := color.New(color.FgGreen).SprintFunc()
	bad := color.New(color.FgRed).SprintFunc()
	failed := 0
	for _, id := range ids {
		start := time.Now()
		if _, err := pool.ForceLogin(ctx, id); err != nil {
			failed++
			fmt.Fprintf(w, "%s %s: %v\n", bad("FAIL"), id, err)
			continue
		}
		fmt.Fprintf(w, "%s %s (%s)\n", good("OK"), id, time.Since(start).Round(time.Millisecond))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d logins failed", failed, len(ids))
	}
	return nil
}
