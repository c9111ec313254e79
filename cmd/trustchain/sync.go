package main

import (
	"context"

	"github.com/spf13/cobra"
)

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "pull and verify every block relevant to the local user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			trustchainId, userId, err := loadIdentity(cfg)
			if err != nil {
				return err
			}

			env, err := openSession(cfg, backendAddr(), trustchainId, userId)
			if err != nil {
				return err
			}
			defer env.Close()

			ctx := context.Background()
			if err := env.session.Open(ctx); err != nil {
				return err
			}
			return env.session.Sync(ctx)
		},
	}
}
