package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/camgate/internal/pkg/config"
	"github.com/tjfontaine/camgate/pkg/gateway"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config file and print the route table",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		routes, err := gateway.CheckRoutes(cfg)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "METHOD\tPATTERN\tAUTH\tTARGET")
		for _, r := range routes {
			target := r.Upstream
			if r.Handler != nil {
				target = "(gateway)"
			} else if r.Rewrite != "" {
				target += " " + r.Rewrite
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Method, r.Pattern, r.Auth, target)
		}
		return tw.Flush()
	},
}
