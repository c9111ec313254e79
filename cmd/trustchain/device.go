package main

// Device addition is a three-step, two-process handshake (§4.2 rule c): the
// new device asks, an already-authorized device vouches, the new device
// completes. Each step is its own subcommand so the three invocations can
// happen on two different machines with the intermediate files carried by
// hand or any out-of-band channel the operator already trusts.

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"trustchain/core"
)

type deviceRequestFile struct {
	TrustchainId        string `json:"trustchain_id"`
	UserId              string `json:"user_id"`
	EphemeralPublicKey  string `json:"ephemeral_public_key"`
	EncryptionPublicKey string `json:"encryption_public_key"`
	EphemeralPrivateKey string `json:"ephemeral_private_key"`
}

type deviceDelegationFile struct {
	AuthorDeviceId          string `json:"author_device_id"`
	DelegationSig           string `json:"delegation_sig"`
	UserPublicKey           string `json:"user_public_key,omitempty"`
	EncryptedUserPrivateKey string `json:"encrypted_user_private_key,omitempty"`
}

func deviceCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "device", Short: "add devices to an existing user"}
	cmd.AddCommand(deviceNewRequestCmd())
	cmd.AddCommand(deviceAuthorizeCmd())
	cmd.AddCommand(deviceCompleteCmd())
	cmd.AddCommand(deviceRevokeCmd())
	return cmd
}

func deviceNewRequestCmd() *cobra.Command {
	var trustchainIdHex, userIdHex, outPath string
	cmd := &cobra.Command{
		Use:   "new-request",
		Short: "generate this device's delegation request",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			trustchainId, err := decodeHash32(trustchainIdHex)
			if err != nil {
				return fmt.Errorf("parse --trustchain-id: %w", err)
			}
			userId, err := decodeHash32(userIdHex)
			if err != nil {
				return fmt.Errorf("parse --user-id: %w", err)
			}

			env, err := openSession(cfg, backendAddr(), core.TrustchainId(trustchainId), core.UserId(userId))
			if err != nil {
				return err
			}
			defer env.Close()

			ctx := context.Background()
			if err := env.session.Open(ctx); err != nil {
				return err
			}
			req, ephPriv, err := env.session.NewDeviceRequest()
			if err != nil {
				return err
			}
			if err := saveIdentity(cfg, core.TrustchainId(trustchainId), core.UserId(userId)); err != nil {
				return err
			}

			out := deviceRequestFile{
				TrustchainId:        trustchainIdHex,
				UserId:              userIdHex,
				EphemeralPublicKey:  hex.EncodeToString(req.EphemeralPublicKey[:]),
				EncryptionPublicKey: hex.EncodeToString(req.EncryptionPublicKey[:]),
				EphemeralPrivateKey: hex.EncodeToString(ephPriv[:]),
			}
			if err := writeJSON(outPath, out); err != nil {
				return err
			}
			fmt.Println("wrote", outPath, "- send everything except ephemeral_private_key to an already-authorized device")
			return nil
		},
	}
	cmd.Flags().StringVar(&trustchainIdHex, "trustchain-id", "", "trustchain id")
	cmd.Flags().StringVar(&userIdHex, "user-id", "", "this user's id")
	cmd.Flags().StringVar(&outPath, "out", "device-request.json", "output path for the request")
	_ = cmd.MarkFlagRequired("trustchain-id")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func deviceAuthorizeCmd() *cobra.Command {
	var requestPath, outPath string
	cmd := &cobra.Command{
		Use:   "authorize",
		Short: "vouch for a new device's request from an already-authorized device",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			var reqFile deviceRequestFile
			if err := readJSON(requestPath, &reqFile); err != nil {
				return err
			}
			trustchainId, userId, err := loadIdentity(cfg)
			if err != nil {
				return fmt.Errorf("load local identity (is this device already set up?): %w", err)
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

			ephPub, err := decodeHash32(reqFile.EphemeralPublicKey)
			if err != nil {
				return err
			}
			encPub, err := decodeHash32(reqFile.EncryptionPublicKey)
			if err != nil {
				return err
			}
			req := core.NewDeviceRequest{
				EphemeralPublicKey:  core.PublicKey(ephPub),
				EncryptionPublicKey: core.PublicKey(encPub),
			}
			delegation, err := env.session.AuthorizeNewDevice(ctx, req)
			if err != nil {
				return err
			}

			out := deviceDelegationFile{
				AuthorDeviceId: hex.EncodeToString(delegation.AuthorDeviceId[:]),
				DelegationSig:  hex.EncodeToString(delegation.DelegationSig[:]),
			}
			if len(delegation.EncryptedUserPrivateKey) > 0 {
				out.UserPublicKey = hex.EncodeToString(delegation.UserPublicKey[:])
				out.EncryptedUserPrivateKey = hex.EncodeToString(delegation.EncryptedUserPrivateKey)
			}
			if err := writeJSON(outPath, out); err != nil {
				return err
			}
			fmt.Println("wrote", outPath, "- send it back to the requesting device")
			return nil
		},
	}
	cmd.Flags().StringVar(&requestPath, "request", "device-request.json", "path to the request produced by new-request")
	cmd.Flags().StringVar(&outPath, "out", "device-delegation.json", "output path for the delegation")
	return cmd
}

func deviceCompleteCmd() *cobra.Command {
	var requestPath, delegationPath string
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "finish device creation using an authorized delegation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			var reqFile deviceRequestFile
			if err := readJSON(requestPath, &reqFile); err != nil {
				return err
			}
			var delFile deviceDelegationFile
			if err := readJSON(delegationPath, &delFile); err != nil {
				return err
			}
			trustchainId, userId, err := loadIdentity(cfg)
			if err != nil {
				return fmt.Errorf("load local identity (run device new-request first): %w", err)
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

			ephPub, err := decodeHash32(reqFile.EphemeralPublicKey)
			if err != nil {
				return err
			}
			encPub, err := decodeHash32(reqFile.EncryptionPublicKey)
			if err != nil {
				return err
			}
			ephPriv, err := decodeHash32(reqFile.EphemeralPrivateKey)
			if err != nil {
				return err
			}
			req := core.NewDeviceRequest{
				EphemeralPublicKey:  core.PublicKey(ephPub),
				EncryptionPublicKey: core.PublicKey(encPub),
			}

			authorDeviceId, err := decodeHash32(delFile.AuthorDeviceId)
			if err != nil {
				return err
			}
			delegationSigRaw, err := hex.DecodeString(delFile.DelegationSig)
			if err != nil {
				return err
			}
			var delegationSig core.Signature
			copy(delegationSig[:], delegationSigRaw)
			delegation := &core.DeviceDelegation{
				AuthorDeviceId: core.DeviceId(authorDeviceId),
				DelegationSig:  delegationSig,
			}
			if delFile.EncryptedUserPrivateKey != "" {
				userPub, err := decodeHash32(delFile.UserPublicKey)
				if err != nil {
					return err
				}
				encryptedPriv, err := hex.DecodeString(delFile.EncryptedUserPrivateKey)
				if err != nil {
					return err
				}
				delegation.UserPublicKey = core.PublicKey(userPub)
				delegation.EncryptedUserPrivateKey = encryptedPriv
			}

			block, err := env.session.AddDevice(ctx, req, core.PrivateKey(ephPriv), delegation)
			if err != nil {
				return err
			}
			fmt.Printf("device created at block index %d\n", block.Index)
			return nil
		},
	}
	cmd.Flags().StringVar(&requestPath, "request", "device-request.json", "path to this device's own request")
	cmd.Flags().StringVar(&delegationPath, "delegation", "device-delegation.json", "path to the authorized delegation")
	return cmd
}

func deviceRevokeCmd() *cobra.Command {
	var deviceIdHex string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "revoke a device of the local user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			trustchainId, userId, err := loadIdentity(cfg)
			if err != nil {
				return err
			}
			deviceId, err := decodeHash32(deviceIdHex)
			if err != nil {
				return fmt.Errorf("parse --device-id: %w", err)
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
			if err := env.session.RevokeDevice(ctx, core.DeviceId(deviceId)); err != nil {
				return err
			}
			fmt.Println("revoked", deviceIdHex)
			return nil
		},
	}
	cmd.Flags().StringVar(&deviceIdHex, "device-id", "", "hex device id to revoke")
	_ = cmd.MarkFlagRequired("device-id")
	return cmd
}
