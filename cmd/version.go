package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/yuanshang000/ds2api/pkg/version"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Current()
			fmt.Fprintln(cmd.OutOrStdout(), info.String())
			if info.Date != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "built %s\n", info.Date)
			}
			if info.GoVersion != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "go %s\n", info.GoVersion)
			}
			return nil
		},
	})
}
