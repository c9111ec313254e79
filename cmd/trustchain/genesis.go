package main

// genesis and bootstrap are the two admin-side operations a trustchain
// operator runs outside any one user's session: minting the trustchain's
// root authority keypair and its genesis block, and using that root key to
// delegate a brand new user's first device (§4.2 rule c). A production
// deployment keeps the root private key on the application server; this
// command reads it from a local file purely for local development.

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"trustchain/core"
	"trustchain/transport"
)

type rootKeyFile struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

func loadOrCreateRootKey(path string) (core.PublicKey, core.Ed25519RootSigner, error) {
	var rk rootKeyFile
	if err := readJSON(path, &rk); err == nil {
		pub, err := hex.DecodeString(rk.PublicKey)
		if err != nil {
			return core.PublicKey{}, core.Ed25519RootSigner{}, err
		}
		priv, err := hex.DecodeString(rk.PrivateKey)
		if err != nil {
			return core.PublicKey{}, core.Ed25519RootSigner{}, err
		}
		var pubKey core.PublicKey
		copy(pubKey[:], pub)
		return pubKey, core.Ed25519RootSigner{PrivateKey: priv}, nil
	}

	pub, priv, err := core.GenerateSigningKeyPair()
	if err != nil {
		return core.PublicKey{}, core.Ed25519RootSigner{}, err
	}
	rk = rootKeyFile{PublicKey: hex.EncodeToString(pub[:]), PrivateKey: hex.EncodeToString(priv)}
	if err := writeJSON(path, rk); err != nil {
		return core.PublicKey{}, core.Ed25519RootSigner{}, err
	}
	return pub, core.Ed25519RootSigner{PrivateKey: priv}, nil
}

func genesisCmd() *cobra.Command {
	var rootKeyPath string
	cmd := &cobra.Command{
		Use:   "genesis",
		Short: "mint a trustchain's root authority key and genesis block",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			rootPub, _, err := loadOrCreateRootKey(rootKeyPath)
			if err != nil {
				return fmt.Errorf("load root key: %w", err)
			}
			block, trustchainId := core.NewTrustchainCreationBlock(rootPub)

			client := transport.NewClient(backendAddr())
			if err := client.PushBlocks(context.Background(), []*core.Block{block}); err != nil {
				return fmt.Errorf("push genesis block: %w", err)
			}
			_ = cfg
			fmt.Println(hex.EncodeToString(trustchainId[:]))
			return nil
		},
	}
	cmd.Flags().StringVar(&rootKeyPath, "root-key", "root-key.json", "path to the root authority keypair file")
	return cmd
}

func bootstrapCmd() *cobra.Command {
	var rootKeyPath, trustchainIdHex string
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "create a brand new user's first device",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			trustchainId, err := decodeHash32(trustchainIdHex)
			if err != nil {
				return fmt.Errorf("parse --trustchain-id: %w", err)
			}
			_, rootSigner, err := loadOrCreateRootKey(rootKeyPath)
			if err != nil {
				return fmt.Errorf("load root key: %w", err)
			}

			var userId core.UserId
			if _, err := io.ReadFull(crand.Reader, userId[:]); err != nil {
				return err
			}

			env, err := openSession(cfg, backendAddr(), core.TrustchainId(trustchainId), userId)
			if err != nil {
				return err
			}
			defer env.Close()

			ctx := context.Background()
			if err := env.session.Open(ctx); err != nil {
				return err
			}
			block, err := env.session.CreateUser(ctx, rootSigner)
			if err != nil {
				return err
			}
			if err := saveIdentity(cfg, core.TrustchainId(trustchainId), core.UserId(userId)); err != nil {
				return err
			}
			fmt.Printf("created user %s device block index %d\n", hex.EncodeToString(userId[:]), block.Index)
			return nil
		},
	}
	cmd.Flags().StringVar(&rootKeyPath, "root-key", "root-key.json", "path to the root authority keypair file")
	cmd.Flags().StringVar(&trustchainIdHex, "trustchain-id", "", "trustchain id printed by genesis")
	_ = cmd.MarkFlagRequired("trustchain-id")
	return cmd
}
