// Package store provides the concrete persistent-storage implementation the
// core engine's abstract table contracts (core.TrustchainTable,
// core.UserTable, core.GroupTable, core.ResourceKeyTable, core.KeyPublishTable,
// core.UnverifiedTable) are defined against. It backs every table with one
// badger.DB, namespacing keys per table the way Charizard13-badger's
// DBPrefixes namespaces a single key space into logical tables (§6 "abstract
// key/value store" with per-table get/put/find/delete/bulk*).
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	badger "github.com/dgraph-io/badger/v4"

	"trustchain/core"
)

// Prefixes mirror Charizard13-badger's single-byte-prefixed key scheme,
// widened to short ASCII prefixes since this engine's table count is small
// and the keys are human-debuggable log fields.
var (
	prefixTrustchainByIndex  = []byte("tc/idx/")
	prefixUser               = []byte("usr/")
	prefixDeviceOwner        = []byte("dev/")
	prefixUserByPubEncKey    = []byte("usrpub/")
	prefixGroup              = []byte("grp/")
	prefixGroupByPubEncKey   = []byte("grppub/")
	prefixResourceKey        = []byte("rk/")
	prefixKeyPublish         = []byte("kp/")
	prefixUnverified         = []byte("uv/")
)

// Store wraps a badger.DB and implements every table contract core.Stores
// needs. Construct one with Open and hand Tables() to core.NewSession.
type Store struct {
	db *badger.DB
}

// Open opens (creating if absent) a badger database rooted at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Tables bundles this store's table implementations for core.NewSession.
// Every contract is satisfied by the same underlying *Store.
func (s *Store) Tables() *core.Stores {
	return &core.Stores{
		Trustchain:   s,
		Users:        s,
		Groups:       s,
		ResourceKeys: s,
		KeyPublishes: s,
		Unverified:   s,
	}
}

func indexKey(index uint64) []byte {
	k := make([]byte, len(prefixTrustchainByIndex)+8)
	copy(k, prefixTrustchainByIndex)
	binary.BigEndian.PutUint64(k[len(prefixTrustchainByIndex):], index)
	return k
}

func (s *Store) get(key []byte, out interface{}) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return core.NewError(core.ErrResourceNotFound, "key not found")
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
}

func (s *Store) put(key []byte, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, raw)
	})
}

//---------------------------------------------------------------------
// TrustchainTable
//---------------------------------------------------------------------

func (s *Store) AppendBlock(_ context.Context, b *core.Block) error {
	return s.put(indexKey(b.Index), b)
}

func (s *Store) BlockAt(_ context.Context, index uint64) (*core.Block, error) {
	var b core.Block
	if err := s.get(indexKey(index), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) BlocksFrom(_ context.Context, from uint64) ([]*core.Block, error) {
	var out []*core.Block
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(indexKey(from)); it.ValidForPrefix(prefixTrustchainByIndex); it.Next() {
			item := it.Item()
			var b core.Block
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &b) }); err != nil {
				return err
			}
			out = append(out, &b)
		}
		return nil
	})
	return out, err
}

func (s *Store) LastIndex(_ context.Context) (uint64, bool, error) {
	var found bool
	var last uint64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		seekKey := append(append([]byte{}, prefixTrustchainByIndex...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		it.Seek(seekKey)
		if it.ValidForPrefix(prefixTrustchainByIndex) {
			last = binary.BigEndian.Uint64(it.Item().Key()[len(prefixTrustchainByIndex):])
			found = true
		}
		return nil
	})
	return last, found, err
}

//---------------------------------------------------------------------
// UserTable
//---------------------------------------------------------------------

func (s *Store) GetUser(_ context.Context, id core.UserId) (*core.User, error) {
	var u core.User
	if err := s.get(append(append([]byte{}, prefixUser...), id[:]...), &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) PutUser(_ context.Context, u *core.User) error {
	if err := s.put(append(append([]byte{}, prefixUser...), u.UserId[:]...), u); err != nil {
		return err
	}
	if pub, ok := u.CurrentUserKey(); ok {
		if err := s.put(append(append([]byte{}, prefixUserByPubEncKey...), pub[:]...), u.UserId); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) FindUsers(ctx context.Context, ids []core.UserId) ([]*core.User, error) {
	var out []*core.User
	for _, id := range ids {
		u, err := s.GetUser(ctx, id)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func (s *Store) GetDeviceOwner(_ context.Context, deviceId core.DeviceId) (core.UserId, error) {
	var owner core.UserId
	if err := s.get(append(append([]byte{}, prefixDeviceOwner...), deviceId[:]...), &owner); err != nil {
		return core.UserId{}, err
	}
	return owner, nil
}

func (s *Store) PutDeviceIndex(_ context.Context, deviceId core.DeviceId, owner core.UserId) error {
	return s.put(append(append([]byte{}, prefixDeviceOwner...), deviceId[:]...), owner)
}

// FindUserByPublicEncryptionKey resolves by the current-key index; a
// superseded key that no longer appears there falls back to a scan over
// every user, since rotations are rare and this index only tracks "current".
func (s *Store) FindUserByPublicEncryptionKey(ctx context.Context, pub core.PublicKey) (*core.User, error) {
	var userId core.UserId
	if err := s.get(append(append([]byte{}, prefixUserByPubEncKey...), pub[:]...), &userId); err == nil {
		return s.GetUser(ctx, userId)
	}

	var found *core.User
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefixUser); it.ValidForPrefix(prefixUser); it.Next() {
			var u core.User
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &u) }); err != nil {
				return err
			}
			for _, e := range u.UserPublicKeys {
				if e.PublicKey == pub {
					uc := u
					found = &uc
					return nil
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, core.NewError(core.ErrResourceNotFound, "no user holds this public encryption key")
	}
	return found, nil
}

func (s *Store) FindDeviceByEncryptionPublicKey(_ context.Context, pub core.PublicKey) (core.UserId, core.DeviceId, error) {
	var userId core.UserId
	var deviceId core.DeviceId
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefixUser); it.ValidForPrefix(prefixUser); it.Next() {
			var u core.User
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &u) }); err != nil {
				return err
			}
			for id, d := range u.Devices {
				if d.EncryptionPublicKey == pub {
					userId, deviceId, found = u.UserId, id, true
					return nil
				}
			}
		}
		return nil
	})
	if err != nil {
		return core.UserId{}, core.DeviceId{}, err
	}
	if !found {
		return core.UserId{}, core.DeviceId{}, core.NewError(core.ErrResourceNotFound, "no device holds this encryption public key")
	}
	return userId, deviceId, nil
}

//---------------------------------------------------------------------
// GroupTable
//---------------------------------------------------------------------

func (s *Store) GetGroup(_ context.Context, id core.GroupId) (*core.Group, error) {
	var g core.Group
	if err := s.get(append(append([]byte{}, prefixGroup...), id[:]...), &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *Store) PutGroup(_ context.Context, g *core.Group) error {
	if err := s.put(append(append([]byte{}, prefixGroup...), g.GroupId[:]...), g); err != nil {
		return err
	}
	return s.put(append(append([]byte{}, prefixGroupByPubEncKey...), g.PublicEncryptionKey[:]...), g.GroupId)
}

func (s *Store) FindGroups(ctx context.Context, ids []core.GroupId) ([]*core.Group, error) {
	var out []*core.Group
	for _, id := range ids {
		g, err := s.GetGroup(ctx, id)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

func (s *Store) GroupByEncryptionPublicKey(ctx context.Context, pub core.PublicKey) (*core.Group, error) {
	var gid core.GroupId
	if err := s.get(append(append([]byte{}, prefixGroupByPubEncKey...), pub[:]...), &gid); err != nil {
		return nil, err
	}
	return s.GetGroup(ctx, gid)
}

//---------------------------------------------------------------------
// ResourceKeyTable
//---------------------------------------------------------------------

func (s *Store) GetResourceKey(_ context.Context, id core.ResourceId) ([]byte, error) {
	var key []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(append(append([]byte{}, prefixResourceKey...), id[:]...))
		if err == badger.ErrKeyNotFound {
			return core.NewError(core.ErrResourceNotFound, "resource key not cached")
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			key = append([]byte{}, val...)
			return nil
		})
	})
	return key, err
}

func (s *Store) PutResourceKey(_ context.Context, id core.ResourceId, key []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(append(append([]byte{}, prefixResourceKey...), id[:]...), key)
	})
}

func (s *Store) BulkPutResourceKeys(_ context.Context, keys map[core.ResourceId][]byte) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for id, key := range keys {
		if err := wb.Set(append(append([]byte{}, prefixResourceKey...), id[:]...), key); err != nil {
			return err
		}
	}
	return wb.Flush()
}

//---------------------------------------------------------------------
// KeyPublishTable
//---------------------------------------------------------------------

func (s *Store) PutKeyPublishes(_ context.Context, id core.ResourceId, entries []core.PublishedKeyEntry) error {
	return s.put(append(append([]byte{}, prefixKeyPublish...), id[:]...), entries)
}

func (s *Store) GetKeyPublishes(_ context.Context, id core.ResourceId) ([]core.PublishedKeyEntry, error) {
	var entries []core.PublishedKeyEntry
	if err := s.get(append(append([]byte{}, prefixKeyPublish...), id[:]...), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

//---------------------------------------------------------------------
// UnverifiedTable
//---------------------------------------------------------------------

func unverifiedKey(subject string, index uint64) []byte {
	k := make([]byte, 0, len(prefixUnverified)+len(subject)+1+8)
	k = append(k, prefixUnverified...)
	k = append(k, subject...)
	k = append(k, '/')
	var idxBuf [8]byte
	binary.BigEndian.PutUint64(idxBuf[:], index)
	return append(k, idxBuf[:]...)
}

func (s *Store) EnqueueUnverified(_ context.Context, subject string, b *core.Block) error {
	return s.put(unverifiedKey(subject, b.Index), b)
}

func (s *Store) DequeueUnverified(_ context.Context, subject string) ([]*core.Block, error) {
	prefix := append(append([]byte{}, prefixUnverified...), append([]byte(subject), '/')...)
	var out []*core.Block
	err := s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		var toDelete [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var b core.Block
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &b) }); err != nil {
				return err
			}
			out = append(out, &b)
			toDelete = append(toDelete, append([]byte{}, item.Key()...))
		}
		for _, k := range toDelete {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *Store) DeleteUnverified(_ context.Context, subject string, index uint64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(unverifiedKey(subject, index))
	})
}

func (s *Store) BulkDeleteUnverified(_ context.Context, subject string, indices []uint64) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, idx := range indices {
		if err := wb.Delete(unverifiedKey(subject, idx)); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func isNotFound(err error) bool {
	var ce *core.CoreError
	return asCoreError(err, &ce) && ce.Code == core.ErrResourceNotFound
}

func asCoreError(err error, target **core.CoreError) bool {
	ce, ok := err.(*core.CoreError)
	if !ok {
		return false
	}
	*target = ce
	return true
}
