package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/yuanshang000/ds2api/pkg/config"
	"github.com/yuanshang000/ds2api/pkg/proxy"
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			cfg, err := config.LoadOrCreateServerConfig(path)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			if addr := strings.TrimSpace(settings.GetString(keyListenAddr)); addr != "" {
				cfg.ListenAddr = addr
			}
			if len(cfg.Keys) == 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: no keys in %s, every bearer is passed through as a DeepSeek token\n", path)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := proxy.NewServer(ctx, path, cfg)
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}
			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().String("listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:8080)")
	if err := settings.BindPFlag(keyListenAddr, serveCmd.Flags().Lookup("listen-addr")); err != nil {
		panic(err)
	}
	rootCmd.AddCommand(serveCmd)
}
