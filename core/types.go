package core

import (
	"encoding/hex"
	"math"
)

// Nature tags the kind of event a Block carries. Version differences are
// additive — v3 device-creation adds a user-keypair field, v2
// device-revocation adds user-key rotation — so each version gets its own
// Nature value rather than an in-payload version byte, matching the wire
// table in §6.
type Nature uint64

const (
	NatureTrustchainCreation Nature = iota + 1
	NatureDeviceCreationV1
	NatureDeviceCreationV2
	NatureDeviceCreationV3
	NatureDeviceRevocationV1
	NatureDeviceRevocationV2
	NatureKeyPublishToDevice
	NatureKeyPublishToUser
	NatureKeyPublishToUserGroup
	NatureKeyPublishToProvisionalUser
	NatureUserGroupCreation
	NatureUserGroupAddition
)

func (n Nature) String() string {
	switch n {
	case NatureTrustchainCreation:
		return "trustchain-creation"
	case NatureDeviceCreationV1:
		return "device-creation-v1"
	case NatureDeviceCreationV2:
		return "device-creation-v2"
	case NatureDeviceCreationV3:
		return "device-creation-v3"
	case NatureDeviceRevocationV1:
		return "device-revocation-v1"
	case NatureDeviceRevocationV2:
		return "device-revocation-v2"
	case NatureKeyPublishToDevice:
		return "key-publish-to-device"
	case NatureKeyPublishToUser:
		return "key-publish-to-user"
	case NatureKeyPublishToUserGroup:
		return "key-publish-to-user-group"
	case NatureKeyPublishToProvisionalUser:
		return "key-publish-to-provisional-user"
	case NatureUserGroupCreation:
		return "user-group-creation"
	case NatureUserGroupAddition:
		return "user-group-addition"
	default:
		return "unknown"
	}
}

// knownNature reports whether n is a nature this codec version understands.
func knownNature(n Nature) bool {
	return n >= NatureTrustchainCreation && n <= NatureUserGroupAddition
}

// Fixed-width content-addressed id types. Cross-references between
// Users/Devices/Groups are always by id, never by pointer (§9).
type (
	TrustchainId [32]byte
	Hash         [32]byte
	PublicKey    [32]byte
	PrivateKey   [32]byte
	Signature    [64]byte
	UserId       [32]byte
	DeviceId     = Hash
	GroupId      = PublicKey
	ResourceId   [16]byte
)

func (h Hash) Hex() string       { return hex.EncodeToString(h[:]) }
func (u UserId) Hex() string     { return hex.EncodeToString(u[:]) }
func (p PublicKey) Hex() string  { return hex.EncodeToString(p[:]) }
func (r ResourceId) Hex() string { return hex.EncodeToString(r[:]) }

// revokedAtInfinity is the sentinel "not revoked" index; §3 calls it ∞.
const revokedAtInfinity = math.MaxUint64

// Block is the atomic verifiable unit of the trust chain (§3).
type Block struct {
	Index        uint64
	TrustchainId TrustchainId
	Nature       Nature
	Payload      []byte
	Author       Hash
	Signature    Signature
}

// Hash computes H(nature ‖ author ‖ payload), the invariant every stored
// block must satisfy (§3 invariant 1).
func (b *Block) Hash() Hash {
	return hashBlock(b.Nature, b.Author, b.Payload)
}

// Device is a per-device encryption+signature keypair (§3).
type Device struct {
	DeviceId            DeviceId
	UserId               UserId
	SignaturePublicKey   PublicKey
	EncryptionPublicKey  PublicKey
	IsGhostDevice        bool
	IsServerDevice       bool
	CreatedIndex         uint64
	RevokedAt            uint64 // revokedAtInfinity until a valid revocation sets it
}

func (d *Device) IsRevokedAt(index uint64) bool { return d.RevokedAt <= index }
func (d *Device) IsRevoked() bool                { return d.RevokedAt != revokedAtInfinity }

// UserPublicKeyEntry is one append-only entry in a user's key history.
type UserPublicKeyEntry struct {
	PublicKey PublicKey
	Index     uint64 // block index at which this key became current
}

// User aggregates a user's devices and the append-only history of user
// encryption keypairs (§3).
type User struct {
	UserId         UserId
	Devices        map[DeviceId]*Device
	UserPublicKeys []UserPublicKeyEntry
}

// CurrentUserKey returns the most recently appended user public key.
func (u *User) CurrentUserKey() (PublicKey, bool) {
	if len(u.UserPublicKeys) == 0 {
		return PublicKey{}, false
	}
	return u.UserPublicKeys[len(u.UserPublicKeys)-1].PublicKey, true
}

// HasUserKeyAtIndex reports whether pub was the current (or a
// not-yet-superseded) user key at the given block index.
func (u *User) HasUserKeyAtIndex(pub PublicKey, index uint64) bool {
	for i, e := range u.UserPublicKeys {
		if e.PublicKey != pub {
			continue
		}
		if e.Index > index {
			return false
		}
		// superseded if a later entry became current at or before index
		if i+1 < len(u.UserPublicKeys) && u.UserPublicKeys[i+1].Index <= index {
			return false
		}
		return true
	}
	return false
}

// NonRevokedDevices returns devices not revoked as of index, sorted is not
// guaranteed.
func (u *User) NonRevokedDevices(index uint64) []*Device {
	out := make([]*Device, 0, len(u.Devices))
	for _, d := range u.Devices {
		if !d.IsRevokedAt(index) {
			out = append(out, d)
		}
	}
	return out
}

// KeyPublishEntry is one resource-key seal addressed to a recipient (§3).
// Recipient interpretation depends on the nature of the containing block.
type KeyPublishEntry struct {
	Recipient    [32]byte
	ResourceId   ResourceId
	EncryptedKey []byte
}

// GroupSignatureKeyPair bundles a group's signature keypair.
type GroupSignatureKeyPair struct {
	Public  PublicKey
	Private PrivateKey
}

type GroupEncryptionKeyPair struct {
	Public  PublicKey
	Private PrivateKey
}

// PendingProvisionalMember is a group-addition slot sealed to a provisional
// identity that has not yet been claimed by a real user (§4.5).
type PendingProvisionalMember struct {
	AppPublicKey    PublicKey
	TankerPublicKey PublicKey
	EncryptedGroupPrivateKey []byte
}

// Group has two shapes depending on whether this device holds the private
// keys (§3). Internal and External are mutually exclusive views over the
// same underlying record; PrivateSignatureKey/PrivateEncryptionKey are zero
// when External.
type Group struct {
	GroupId              GroupId
	Internal             bool
	PublicSignatureKey   PublicKey
	PublicEncryptionKey  PublicKey
	PrivateSignatureKey  PrivateKey // zero unless Internal
	PrivateEncryptionKey PrivateKey // zero unless Internal
	EncryptedPrivateSignatureKey []byte // opaque, only meaningful when !Internal
	PendingProvisionalMembers    []PendingProvisionalMember
	LastGroupBlockHash   Hash
	Index                uint64
}
