package main

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"trustchain/core"
)

func shareCmd() *cobra.Command {
	var resourceIdHex string
	cmd := &cobra.Command{
		Use:   "share",
		Short: "publish an already-encrypted resource's key to additional recipients",
	}
	usersCsv, groupsCsv, provisionalsCsv, selfFlag := shareTargetsFlags(cmd)
	cmd.Flags().StringVar(&resourceIdHex, "resource", "", "hex resource id (the first 16 bytes of an encrypted blob)")
	_ = cmd.MarkFlagRequired("resource")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		trustchainId, userId, err := loadIdentity(cfg)
		if err != nil {
			return err
		}
		raw, err := hexDecodeResourceId(resourceIdHex)
		if err != nil {
			return err
		}
		targets, err := buildShareTargets(userId, *usersCsv, *groupsCsv, *provisionalsCsv, *selfFlag)
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
		if err := env.session.Share(ctx, raw, targets); err != nil {
			return err
		}
		fmt.Println("shared", resourceIdHex)
		return nil
	}
	return cmd
}

func hexDecodeResourceId(s string) (core.ResourceId, error) {
	var out core.ResourceId
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(raw) != len(out) {
		return out, fmt.Errorf("resource id must be %d bytes, got %d", len(out), len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
