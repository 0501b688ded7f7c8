package main

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/vnmchuo/storefront-ai/config"
	"github.com/vnmchuo/storefront-ai/internal/auth"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage caller API keys",
	}
	cmd.AddCommand(newKeysCreateCmd())
	cmd.AddCommand(newKeysRevokeCmd())
	return cmd
}

func newKeysCreateCmd() *cobra.Command {
	var (
		callerID  string
		rateLimit int64
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a new API key for a caller",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if rateLimit == 0 {
				rateLimit = cfg.DefaultRateLimitTPM
			}

			ctx := cmd.Context()
			pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
			if err != nil {
				return fmt.Errorf("failed to connect postgres: %w", err)
			}
			defer pool.Close()

			plain, key, err := auth.IssueKey(ctx, auth.NewPostgresStore(pool), callerID, rateLimit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "key id:     %s\ncaller:     %s\nrate limit: %d tokens/min\napi key:    %s\n",
				key.ID, key.CallerID, key.RateLimit, plain)
			fmt.Fprintln(cmd.ErrOrStderr(), "store the api key now, it cannot be shown again")
			return nil
		},
	}
	cmd.Flags().StringVar(&callerID, "caller", "", "caller identity the key authenticates as")
	cmd.Flags().Int64Var(&rateLimit, "rate-limit", 0, "tokens per minute (defaults to DEFAULT_RATE_LIMIT_TPM)")
	_ = cmd.MarkFlagRequired("caller")
	return cmd
}

func newKeysRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Deactivate an API key",
		Long:  "Deactivate an API key. Gateways that cached the key keep accepting it until the auth cache entry expires (5m).",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			ctx := cmd.Context()
			pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
			if err != nil {
				return fmt.Errorf("failed to connect postgres: %w", err)
			}
			defer pool.Close()

			if err := auth.NewPostgresStore(pool).Revoke(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked key %s\n", args[0])
			return nil
		},
	}
}
