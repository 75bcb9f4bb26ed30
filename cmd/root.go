// Package cmd holds the ds2api command line.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/yuanshang000/ds2api/pkg/config"
	"github.com/yuanshang000/ds2api/pkg/logutil"
)

const (
	keyConfig     = "config"
	keyLogLevel   = "loglevel"
	keyLogFormat  = "logformat"
	keyListenAddr = "listen_addr"
)

// settings resolves process flags. Environment variables prefixed DS2API_
// override the flag defaults; explicitly passed flags win over both.
var settings = newSettings()

func newSettings() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("DS2API")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

var rootCmd = &cobra.Command{
	Use:   "ds2api",
	Short: "OpenAI-compatible bridge for the DeepSeek web chat",
	Long:  "ds2api serves /v1/chat/completions on top of a pool of DeepSeek web accounts.",
}

func Execute() error {
	return rootCmd.Execute()
}

func configPath() string {
	return settings.GetString(keyConfig)
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true

	flags := rootCmd.PersistentFlags()
	flags.String(keyConfig, config.DefaultServerConfigPath(), "Server config TOML path")
	flags.String(keyLogLevel, "info", "Log level (trace, debug, info, warn, error, fatal)")
	flags.String(keyLogFormat, logutil.FormatText, "Log format (text, json, logfmt)")
	for _, key := range []string{keyConfig, keyLogLevel, keyLogFormat} {
		if err := settings.BindPFlag(key, flags.Lookup(key)); err != nil {
			panic(err)
		}
	}

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if os.Geteuid() == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: running as root")
		}
		return logutil.Configure(settings.GetString(keyLogLevel), settings.GetString(keyLogFormat))
	}
}
