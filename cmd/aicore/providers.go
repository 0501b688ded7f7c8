package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vnmchuo/storefront-ai/config"
	"github.com/vnmchuo/storefront-ai/internal/provider/factory"
)

func newProvidersCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List supported providers and, with --config, the configured ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "supported:")
			for _, name := range factory.SupportedProviders() {
				fmt.Fprintf(out, "  %s\n", name)
			}
			if configPath == "" {
				return nil
			}

			cfg, err := config.LoadAI(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "configured:")
			tw := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "  NAME\tMODEL\tENABLED\tSECRET\tSUPPORTED")
			for _, p := range cfg.Providers {
				fmt.Fprintf(tw, "  %s\t%s\t%t\t%s\t%t\n", p.Name, p.Model, p.Enabled, p.SecretRef, factory.IsSupported(p.Name))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the AI configuration file")
	return cmd
}
