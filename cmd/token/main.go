// Command token issues a service token for the collector's internal routes.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"conteo/collector/config"
	"conteo/collector/utils"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		service string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a service token for internal collector routes",
		Long: `Issue a signed service token accepted by /internal routes.

Examples:
  # Token for the site management service, valid for a day
  token --service site-admin --ttl 24h`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.GetConfigPath("config.yml"))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			token, err := utils.GenerateServiceToken([]byte(cfg.Auth.JWTSecret), service, ttl)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	cmd.Flags().StringVarP(&service, "service", "s", "site-admin", "calling service name")
	cmd.Flags().DurationVarP(&ttl, "ttl", "t", 24*time.Hour, "token lifetime")
	return cmd
}
