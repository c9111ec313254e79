package store

// FileKeySafeStore persists a single sealed key-safe blob at a fixed path on
// disk, implementing core.KeySafeStore for the CLI shell and any other
// single-device host that has no reason to put the safe in badger next to
// the trustchain log.

import (
	"os"
	"path/filepath"

	"trustchain/core"
)

type FileKeySafeStore struct {
	path string
}

func NewFileKeySafeStore(path string) *FileKeySafeStore {
	return &FileKeySafeStore{path: path}
}

func (f *FileKeySafeStore) LoadSealedSafe() ([]byte, error) {
	blob, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.NewError(core.ErrResourceNotFound, "no local key safe at "+f.path)
		}
		return nil, core.WrapError(core.ErrInternalError, "read key safe", err)
	}
	return blob, nil
}

// SaveSealedSafe writes blob atomically: to a sibling temp file, then rename,
// so a crash mid-write never leaves a truncated safe on disk.
func (f *FileKeySafeStore) SaveSealedSafe(blob []byte) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return core.WrapError(core.ErrInternalError, "create key safe directory", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return core.WrapError(core.ErrInternalError, "write key safe", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return core.WrapError(core.ErrInternalError, "finalize key safe", err)
	}
	return nil
}
