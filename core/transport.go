package core

// Transport contracts — the network boundary between a session and the
// trustchain backend, mirroring the teacher's cross_chain.go pattern of a
// narrow interface wrapping outbound calls so the core package never
// imports an HTTP or gRPC client directly. Package transport provides a
// concrete implementation; tests use an in-process fake of the same
// interface.

import "context"

// Transport is every network operation the engine performs against the
// trustchain backend.
type Transport interface {
	// PushBlocks submits newly produced blocks for durable append to the
	// shared trustchain, in order.
	PushBlocks(ctx context.Context, blocks []*Block) error

	// GetUserHistoryByUserIds fetches every non-local block relevant to the
	// given users (their device-creation/revocation and key-publish
	// blocks), oldest first.
	GetUserHistoryByUserIds(ctx context.Context, ids []UserId) ([]*Block, error)

	// GetUserHistoryByDeviceIds resolves device ids to their owning users
	// and fetches the same history as GetUserHistoryByUserIds.
	GetUserHistoryByDeviceIds(ctx context.Context, ids []DeviceId) ([]*Block, error)

	// GetGroupsBlocksByIds fetches the creation/addition blocks for the
	// given groups.
	GetGroupsBlocksByIds(ctx context.Context, ids []GroupId) ([]*Block, error)

	// GetGroupsBlockByPublicEncryptionKey resolves a group by its current
	// public encryption key, used when a key-publish names a group by key
	// rather than id.
	GetGroupsBlockByPublicEncryptionKey(ctx context.Context, pub PublicKey) ([]*Block, error)

	// GetProvisionalIdentityPublicKeys resolves an email/phone-number
	// verification target to its provisional app+tanker public keys, ahead
	// of a key-publish-to-provisional-user block.
	GetProvisionalIdentityPublicKeys(ctx context.Context, target string) (appPublicKey, tankerPublicKey PublicKey, err error)
}
