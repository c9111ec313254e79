package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"trustchain/core"
)

func parseGroupIds(csv string) ([]core.GroupId, error) {
	if strings.TrimSpace(csv) == "" {
		return nil, nil
	}
	var out []core.GroupId
	for _, part := range strings.Split(csv, ",") {
		raw, err := decodeHash32(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("parse group id %q: %w", part, err)
		}
		out = append(out, core.GroupId(raw))
	}
	return out, nil
}

func parseProvisionals(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(csv, ",") {
		out = append(out, strings.TrimSpace(part))
	}
	return out
}

func shareTargetsFlags(cmd *cobra.Command) (usersCsv, groupsCsv, provisionalsCsv *string, selfFlag *bool) {
	usersCsv = cmd.Flags().String("users", "", "comma-separated hex user ids")
	groupsCsv = cmd.Flags().String("groups", "", "comma-separated hex group ids")
	provisionalsCsv = cmd.Flags().String("provisionals", "", "comma-separated email/phone provisional targets")
	selfFlag = cmd.Flags().Bool("self", true, "also share with the local user")
	return
}

func buildShareTargets(userId core.UserId, usersCsv, groupsCsv, provisionalsCsv string, shareWithSelf bool) (core.ShareTargets, error) {
	users, err := parseUserIds(usersCsv)
	if err != nil {
		return core.ShareTargets{}, err
	}
	groups, err := parseGroupIds(groupsCsv)
	if err != nil {
		return core.ShareTargets{}, err
	}
	if shareWithSelf {
		users = append(users, userId)
	}
	return core.ShareTargets{
		Users:         users,
		Groups:        groups,
		Provisionals:  parseProvisionals(provisionalsCsv),
		ShareWithSelf: shareWithSelf,
	}, nil
}

func encryptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "encrypt stdin and write the framed ciphertext to stdout",
	}
	usersCsv, groupsCsv, provisionalsCsv, selfFlag := shareTargetsFlags(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		trustchainId, userId, err := loadIdentity(cfg)
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
		plaintext, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		blob, err := env.session.Encrypt(ctx, plaintext, targets)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(blob)
		return err
	}
	return cmd
}

func decryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decrypt",
		Short: "decrypt a framed ciphertext from stdin and write plaintext to stdout",
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
			blob, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
			plaintext, err := env.session.Decrypt(ctx, blob)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(plaintext)
			return err
		},
	}
}
