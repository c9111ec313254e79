package main

import (
	"encoding/hex"
	"os"
	"path/filepath"

	"trustchain/core"
	"trustchain/pkg/config"
	"trustchain/store"
	"trustchain/transport"
)

// openEnv bundles everything a command needs torn down in one defer.
type openEnv struct {
	db      *store.Store
	session *core.Session
}

func (e *openEnv) Close() {
	_ = e.db.Close()
}

// identityFile is the small on-disk record of which trustchain/user this
// data directory belongs to, written by `trustchain bootstrap`/`device
// new-request` and read by every other command so the CLI never asks the
// caller to repeat ids by hand.
type identityFile struct {
	TrustchainId string `json:"trustchain_id"`
	UserId       string `json:"user_id"`
}

func identityPath(cfg *config.Config) string {
	return filepath.Join(cfg.Storage.DBPath, "identity.json")
}

func keySafePath(cfg *config.Config) string {
	return filepath.Join(cfg.Storage.DBPath, "keysafe.bin")
}

func loadIdentity(cfg *config.Config) (core.TrustchainId, core.UserId, error) {
	var ident identityFile
	if err := readJSON(identityPath(cfg), &ident); err != nil {
		return core.TrustchainId{}, core.UserId{}, err
	}
	tcid, err := decodeHash32(ident.TrustchainId)
	if err != nil {
		return core.TrustchainId{}, core.UserId{}, err
	}
	uid, err := decodeHash32(ident.UserId)
	if err != nil {
		return core.TrustchainId{}, core.UserId{}, err
	}
	return core.TrustchainId(tcid), core.UserId(uid), nil
}

func saveIdentity(cfg *config.Config, trustchainId core.TrustchainId, userId core.UserId) error {
	if err := os.MkdirAll(cfg.Storage.DBPath, 0o700); err != nil {
		return err
	}
	ident := identityFile{
		TrustchainId: hex.EncodeToString(trustchainId[:]),
		UserId:       hex.EncodeToString(userId[:]),
	}
	return writeJSON(identityPath(cfg), ident)
}

func decodeHash32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	copy(out[:], raw)
	return out, nil
}

// openSession opens the local badger store and the key safe and wires a
// Session ready for Open(ctx). Callers must call env.Close() when done.
func openSession(cfg *config.Config, addr string, trustchainId core.TrustchainId, userId core.UserId) (*openEnv, error) {
	db, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, err
	}
	safeStore := store.NewFileKeySafeStore(keySafePath(cfg))
	client := transport.NewClient(addr)

	sessCfg := core.SessionConfig{
		StreamChunkSize:          cfg.Stream.DefaultChunkSize,
		IssueLegacyDevicePublish: cfg.Trustchain.IssueLegacyDevicePublish,
		MaxGroupMembers:          cfg.Trustchain.MaxGroupMembers,
	}
	sess := core.NewSession(trustchainId, userId, db.Tables(), client, safeStore, sessCfg)
	return &openEnv{db: db, session: sess}, nil
}
