package core

// Storage contracts — the engine never talks to a database directly; every
// stateful component is handed a narrow table interface at construction,
// mirroring the teacher's storage.go KVStore seam (get/set/has/delete over
// byte keys) generalized to typed per-table contracts. The concrete
// badger-backed implementation lives in package store.

import "context"

// TrustchainTable is the append-only, index-ordered block log itself.
type TrustchainTable interface {
	// AppendBlock stores b at its Index. Callers guarantee monotonic,
	// gap-free indices; the table does not renumber or reorder.
	AppendBlock(ctx context.Context, b *Block) error
	// BlockAt returns the block at index, or ErrResourceNotFound.
	BlockAt(ctx context.Context, index uint64) (*Block, error)
	// BlocksFrom streams every block with Index >= from, in order.
	BlocksFrom(ctx context.Context, from uint64) ([]*Block, error)
	// LastIndex returns the highest stored index, or (0, false) when empty.
	LastIndex(ctx context.Context) (uint64, bool, error)
}

// UserTable stores User aggregates (devices + user key history) keyed by
// UserId.
type UserTable interface {
	GetUser(ctx context.Context, id UserId) (*User, error) // ErrResourceNotFound if absent
	PutUser(ctx context.Context, u *User) error
	FindUsers(ctx context.Context, ids []UserId) ([]*User, error)
	GetDeviceOwner(ctx context.Context, deviceId DeviceId) (UserId, error)
	PutDeviceIndex(ctx context.Context, deviceId DeviceId, owner UserId) error
	// FindUserByPublicEncryptionKey resolves a user owning pub anywhere in
	// its key history, current or superseded (ErrResourceNotFound if none).
	FindUserByPublicEncryptionKey(ctx context.Context, pub PublicKey) (*User, error)
	// FindDeviceByEncryptionPublicKey resolves the (owner, device) pair for
	// a device's encryption public key, used by legacy key-publish-to-device
	// verification (ErrResourceNotFound if none).
	FindDeviceByEncryptionPublicKey(ctx context.Context, pub PublicKey) (UserId, DeviceId, error)
}

// GroupTable stores Group aggregates keyed by GroupId.
type GroupTable interface {
	GetGroup(ctx context.Context, id GroupId) (*Group, error) // ErrResourceNotFound if absent
	PutGroup(ctx context.Context, g *Group) error
	FindGroups(ctx context.Context, ids []GroupId) ([]*Group, error)
	GroupByEncryptionPublicKey(ctx context.Context, pub PublicKey) (*Group, error)
}

// ResourceKeyTable is the write-through cache backing ResourceKeyManager.
type ResourceKeyTable interface {
	GetResourceKey(ctx context.Context, id ResourceId) ([]byte, error) // ErrResourceNotFound if absent
	PutResourceKey(ctx context.Context, id ResourceId, key []byte) error
	BulkPutResourceKeys(ctx context.Context, keys map[ResourceId][]byte) error
}

// PublishedKeyEntry is one verified key-publish block's recipient/ciphertext
// pair, indexed by resourceId for the resource-key manager's resolution
// walk (§4.3).
type PublishedKeyEntry struct {
	Nature       Nature
	Recipient    [32]byte
	EncryptedKey []byte
}

// KeyPublishTable indexes verified key-publish blocks by resourceId so the
// resource-key manager never has to rescan the whole trust chain.
type KeyPublishTable interface {
	PutKeyPublishes(ctx context.Context, id ResourceId, entries []PublishedKeyEntry) error
	GetKeyPublishes(ctx context.Context, id ResourceId) ([]PublishedKeyEntry, error) // ErrResourceNotFound if none
}

// UnverifiedTable is the pending-block holding area keyed by subject.
type UnverifiedTable interface {
	EnqueueUnverified(ctx context.Context, subject string, b *Block) error
	DequeueUnverified(ctx context.Context, subject string) ([]*Block, error)
	DeleteUnverified(ctx context.Context, subject string, index uint64) error
	BulkDeleteUnverified(ctx context.Context, subject string, indices []uint64) error
}

// Stores bundles every table the session orchestrator and its
// sub-components need. A single concrete store (e.g. package store's
// badger implementation) typically implements all six by namespacing keys
// per table.
type Stores struct {
	Trustchain   TrustchainTable
	Users        UserTable
	Groups       GroupTable
	ResourceKeys ResourceKeyTable
	KeyPublishes KeyPublishTable
	Unverified   UnverifiedTable
}
