package core

// Resource-key manager (§4.3): resolves a resourceId to its symmetric key by
// walking, in order, the local cache, then every key-publish entry indexed
// for that resourceId, trying device, user, group, then provisional
// decryption in turn. Resolution is single-flighted per resourceId so
// concurrent callers share one in-flight attempt, mirroring the teacher's
// sync.Once-per-key memoization pattern in security.go's key cache.

import (
	"context"
	"sort"
	"sync"
)

type resourceKeyFuture struct {
	done chan struct{}
	key  []byte
	err  error
}

// ResourceKeyManager issues new resource keys on encrypt and resolves
// existing ones on decrypt.
type ResourceKeyManager struct {
	cache   ResourceKeyTable
	publish KeyPublishTable
	users   UserTable
	groups  GroupTable
	safe    *GuardedKeySafe

	mu      sync.Mutex
	inFlight map[ResourceId]*resourceKeyFuture
}

func NewResourceKeyManager(cache ResourceKeyTable, publish KeyPublishTable, users UserTable, groups GroupTable, safe *GuardedKeySafe) *ResourceKeyManager {
	return &ResourceKeyManager{
		cache:    cache,
		publish:  publish,
		users:    users,
		groups:   groups,
		safe:     safe,
		inFlight: make(map[ResourceId]*resourceKeyFuture),
	}
}

// NewResourceKey mints a fresh symmetric key and resourceId pair for an
// encrypt operation, caching the key locally before any key-publish exists.
func (m *ResourceKeyManager) NewResourceKey(ctx context.Context) (ResourceId, []byte, error) {
	key, err := NewSymmetricKey()
	if err != nil {
		return ResourceId{}, nil, WrapError(ErrInternalError, "generate resource key", err)
	}
	idBytes, err := randomBytes(16)
	if err != nil {
		return ResourceId{}, nil, WrapError(ErrInternalError, "generate resource id", err)
	}
	var id ResourceId
	copy(id[:], idBytes)
	if err := m.cache.PutResourceKey(ctx, id, key); err != nil {
		return ResourceId{}, nil, err
	}
	return id, key, nil
}

// FindKeyForResource implements the five-step lookup order. It returns
// ErrResourceNotFound when no path resolves the key.
func (m *ResourceKeyManager) FindKeyForResource(ctx context.Context, id ResourceId) ([]byte, error) {
	future := m.claimFuture(id)
	if future != nil {
		key, err := m.resolve(ctx, id)
		future.key, future.err = key, err
		close(future.done)
		m.releaseFuture(id, future)
		return key, err
	}

	// another caller is already resolving this id; wait for it.
	m.mu.Lock()
	f := m.inFlight[id]
	m.mu.Unlock()
	if f == nil {
		return m.resolve(ctx, id) // race: it finished between claim and lookup
	}
	select {
	case <-f.done:
		return f.key, f.err
	case <-ctx.Done():
		return nil, WrapError(ErrOperationCanceled, "resource key resolution canceled", ctx.Err())
	}
}

func (m *ResourceKeyManager) claimFuture(id ResourceId) *resourceKeyFuture {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inFlight[id]; busy {
		return nil
	}
	f := &resourceKeyFuture{done: make(chan struct{})}
	m.inFlight[id] = f
	return f
}

func (m *ResourceKeyManager) releaseFuture(id ResourceId, f *resourceKeyFuture) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight[id] == f {
		delete(m.inFlight, id)
	}
}

func (m *ResourceKeyManager) resolve(ctx context.Context, id ResourceId) ([]byte, error) {
	// 1. local cache.
	if key, err := m.cache.GetResourceKey(ctx, id); err == nil {
		return key, nil
	} else if !isResourceNotFound(err) {
		return nil, err
	}

	entries, err := m.publish.GetKeyPublishes(ctx, id)
	if err != nil {
		if isResourceNotFound(err) {
			return nil, NewError(ErrResourceNotFound, "no key-publish found for resource")
		}
		return nil, err
	}

	// Steps 2-5 run in a fixed order by recipient kind, whatever order the
	// entries were indexed in.
	rank := map[Nature]int{NatureKeyPublishToDevice: 0, NatureKeyPublishToUser: 1, NatureKeyPublishToUserGroup: 2, NatureKeyPublishToProvisionalUser: 3}
	sort.SliceStable(entries, func(i, j int) bool { return rank[entries[i].Nature] < rank[entries[j].Nature] })

	device := m.safe.Device()
	for _, e := range entries {
		var key []byte
		var err error
		switch e.Nature {
		case NatureKeyPublishToDevice:
			key, err = m.tryDevice(device, e)
		case NatureKeyPublishToUser:
			key, err = m.tryUser(e)
		case NatureKeyPublishToUserGroup:
			key, err = m.tryGroup(ctx, e)
		case NatureKeyPublishToProvisionalUser:
			key, err = m.tryProvisional(e)
		}
		if err != nil {
			return nil, err
		}
		if key != nil {
			if putErr := m.cache.PutResourceKey(ctx, id, key); putErr != nil {
				return nil, putErr
			}
			return key, nil
		}
	}
	return nil, NewError(ErrResourceNotFound, "no local key unlocks this resource")
}

// 2. device-public-key entries.
func (m *ResourceKeyManager) tryDevice(device SafeDeviceKeys, e PublishedKeyEntry) ([]byte, error) {
	if PublicKey(e.Recipient) != device.EncryptionPublicKey {
		return nil, nil
	}
	plain, err := OpenSealedBox(device.EncryptionPublicKey, device.EncryptionPrivateKey, e.EncryptedKey)
	if err != nil {
		return nil, WrapError(ErrDecryptionFailed, "device key-publish open failed", err)
	}
	return plain, nil
}

// 3. user-public-encryption-key entries.
func (m *ResourceKeyManager) tryUser(e PublishedKeyEntry) ([]byte, error) {
	userKey, ok := m.safe.UserKeyByPublic(PublicKey(e.Recipient))
	if !ok {
		return nil, nil
	}
	plain, err := OpenSealedBox(userKey.PublicKey, userKey.PrivateKey, e.EncryptedKey)
	if err != nil {
		return nil, WrapError(ErrDecryptionFailed, "user key-publish open failed", err)
	}
	return plain, nil
}

// 4. group-public-encryption-key entries.
func (m *ResourceKeyManager) tryGroup(ctx context.Context, e PublishedKeyEntry) ([]byte, error) {
	group, err := m.groups.GroupByEncryptionPublicKey(ctx, PublicKey(e.Recipient))
	if err != nil {
		if isResourceNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if !group.Internal {
		return nil, nil
	}
	plain, err := OpenSealedBox(group.PublicEncryptionKey, group.PrivateEncryptionKey, e.EncryptedKey)
	if err != nil {
		return nil, WrapError(ErrDecryptionFailed, "group key-publish open failed", err)
	}
	return plain, nil
}

// 5. provisional-pair entries: double seal-decrypt, tanker-side outer,
// app-side inner.
func (m *ResourceKeyManager) tryProvisional(e PublishedKeyEntry) ([]byte, error) {
	prov, ok := m.safe.ProvisionalByAppPublic(PublicKey(e.Recipient))
	if !ok {
		return nil, nil
	}
	outer, err := OpenSealedBox(prov.TankerPublicKey, prov.TankerPrivateKey, e.EncryptedKey)
	if err != nil {
		return nil, WrapError(ErrDecryptionFailed, "provisional key-publish outer open failed", err)
	}
	inner, err := OpenSealedBox(prov.AppPublicKey, prov.AppPrivateKey, outer)
	if err != nil {
		return nil, WrapError(ErrDecryptionFailed, "provisional key-publish inner open failed", err)
	}
	return inner, nil
}
