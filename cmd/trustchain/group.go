package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"trustchain/core"
)

func parseUserIds(csv string) ([]core.UserId, error) {
	if strings.TrimSpace(csv) == "" {
		return nil, nil
	}
	var out []core.UserId
	for _, part := range strings.Split(csv, ",") {
		raw, err := decodeHash32(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("parse user id %q: %w", part, err)
		}
		out = append(out, core.UserId(raw))
	}
	return out, nil
}

func groupCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "group", Short: "manage user groups"}
	cmd.AddCommand(groupCreateCmd())
	cmd.AddCommand(groupAddCmd())
	return cmd
}

func groupCreateCmd() *cobra.Command {
	var membersCsv string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "create a group owning resource keys for its members",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			trustchainId, userId, err := loadIdentity(cfg)
			if err != nil {
				return err
			}
			members, err := parseUserIds(membersCsv)
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
			groupId, err := env.session.CreateGroup(ctx, members)
			if err != nil {
				return err
			}
			fmt.Println(hex.EncodeToString(groupId[:]))
			return nil
		},
	}
	cmd.Flags().StringVar(&membersCsv, "members", "", "comma-separated hex user ids")
	_ = cmd.MarkFlagRequired("members")
	return cmd
}

func groupAddCmd() *cobra.Command {
	var groupIdHex, membersCsv string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "add members to an existing internal group",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			trustchainId, userId, err := loadIdentity(cfg)
			if err != nil {
				return err
			}
			groupId, err := decodeHash32(groupIdHex)
			if err != nil {
				return fmt.Errorf("parse --group: %w", err)
			}
			members, err := parseUserIds(membersCsv)
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
			if err := env.session.UpdateGroup(ctx, core.GroupId(groupId), members); err != nil {
				return err
			}
			fmt.Println("added", len(members), "member(s) to", groupIdHex)
			return nil
		},
	}
	cmd.Flags().StringVar(&groupIdHex, "group", "", "hex group id")
	cmd.Flags().StringVar(&membersCsv, "members", "", "comma-separated hex user ids to add")
	_ = cmd.MarkFlagRequired("group")
	_ = cmd.MarkFlagRequired("members")
	return cmd
}
