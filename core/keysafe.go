package core

// Local key safe — the on-disk, encrypted container for a device's private
// material (§5): the device's own signature/encryption keypairs, the
// append-only history of user keypairs it has learned, and any provisional
// identity keypairs claimed on this device. The envelope is JSON (matching
// the teacher's keystore.go preference for JSON-at-rest over a binary
// struct layout) encrypted under deriveUserSecret, never transmitted.

import (
	"encoding/json"
	"sync"
)

// SafeDeviceKeys holds a device's own long-term keypairs.
type SafeDeviceKeys struct {
	DeviceId             DeviceId
	SignaturePublicKey   PublicKey
	SignaturePrivateKey  PrivateKey
	EncryptionPublicKey  PublicKey
	EncryptionPrivateKey PrivateKey
}

// SafeUserKey is one entry in the locally-known user keypair history.
type SafeUserKey struct {
	PublicKey  PublicKey
	PrivateKey PrivateKey
	Index      uint64
}

// SafeProvisionalKey is a claimed provisional identity's keypair pair (app
// and tanker level), kept in the safe's provisional list, apart from the user
// key history.
type SafeProvisionalKey struct {
	AppPublicKey       PublicKey
	AppPrivateKey      PrivateKey
	TankerPublicKey    PublicKey
	TankerPrivateKey   PrivateKey
}

// safeEnvelope is the plaintext JSON shape encrypted at rest.
type safeEnvelope struct {
	Device        SafeDeviceKeys
	UserKeys      []SafeUserKey
	Provisionals  []SafeProvisionalKey
}

// KeySafe is the decrypted, in-memory view of a device's local key
// material, together with what is needed to re-seal it.
type KeySafe struct {
	trustchainId TrustchainId
	userId       UserId

	device       SafeDeviceKeys
	userKeys     []SafeUserKey
	provisionals []SafeProvisionalKey
}

// NewKeySafe creates a fresh safe around a newly generated device keypair.
// Callers persist it immediately with Seal/a KeySafeStore.
func NewKeySafe(trustchainId TrustchainId, userId UserId) (*KeySafe, error) {
	sigPub, sigPriv, err := GenerateSigningKeyPair()
	if err != nil {
		return nil, WrapError(ErrInternalError, "generate device signature keypair", err)
	}
	encPub, encPriv, err := GenerateEncryptionKeyPair()
	if err != nil {
		return nil, WrapError(ErrInternalError, "generate device encryption keypair", err)
	}

	var sigPrivFixed PrivateKey
	copy(sigPrivFixed[:], sigPriv.Seed())

	// Placeholder until the device's creation block verifies: the real,
	// on-chain device id is hash(devCreationBlock) (§3), known only once that
	// block is built and hashed. SetDeviceId overwrites this once it is.
	deviceId := hashGeneric(sigPub[:], encPub[:])

	return &KeySafe{
		trustchainId: trustchainId,
		userId:       userId,
		device: SafeDeviceKeys{
			DeviceId:             deviceId,
			SignaturePublicKey:   sigPub,
			SignaturePrivateKey:  sigPrivFixed,
			EncryptionPublicKey:  encPub,
			EncryptionPrivateKey: encPriv,
		},
	}, nil
}

// Device returns the safe's own device keypairs.
func (s *KeySafe) Device() SafeDeviceKeys { return s.device }

// SetDeviceId overwrites the safe's own device id, once the device's
// creation block has verified and its real on-chain id (hash of that block)
// is known.
func (s *KeySafe) SetDeviceId(id DeviceId) {
	s.device.DeviceId = id
}

// CurrentUserKey returns the most recently appended user keypair, if any.
func (s *KeySafe) CurrentUserKey() (SafeUserKey, bool) {
	if len(s.userKeys) == 0 {
		return SafeUserKey{}, false
	}
	return s.userKeys[len(s.userKeys)-1], true
}

// UserKeyByPublic finds a user keypair by its public half.
func (s *KeySafe) UserKeyByPublic(pub PublicKey) (SafeUserKey, bool) {
	for _, k := range s.userKeys {
		if k.PublicKey == pub {
			return k, true
		}
	}
	return SafeUserKey{}, false
}

// AppendUserKey records a newly learned (or rotated-to) user keypair.
func (s *KeySafe) AppendUserKey(k SafeUserKey) {
	s.userKeys = append(s.userKeys, k)
}

// AppendProvisional records a claimed provisional identity keypair pair.
func (s *KeySafe) AppendProvisional(p SafeProvisionalKey) {
	s.provisionals = append(s.provisionals, p)
}

// ProvisionalByAppPublic finds a provisional keypair by its app-level public
// key, consumed during ClaimProvisional matching (§4.6).
func (s *KeySafe) ProvisionalByAppPublic(pub PublicKey) (SafeProvisionalKey, bool) {
	for _, p := range s.provisionals {
		if p.AppPublicKey == pub {
			return p, true
		}
	}
	return SafeProvisionalKey{}, false
}

// Seal encrypts the safe's contents for storage.
func (s *KeySafe) Seal() ([]byte, error) {
	env := safeEnvelope{
		Device:       s.device,
		UserKeys:     s.userKeys,
		Provisionals: s.provisionals,
	}
	plaintext, err := json.Marshal(env)
	if err != nil {
		return nil, WrapError(ErrInternalError, "marshal key safe", err)
	}
	secret, err := deriveUserSecret(s.trustchainId, s.userId)
	if err != nil {
		return nil, WrapError(ErrInternalError, "derive safe secret", err)
	}
	return AEADEncrypt(secret, plaintext, s.trustchainId[:])
}

// OpenKeySafe decrypts a blob produced by Seal.
func OpenKeySafe(trustchainId TrustchainId, userId UserId, blob []byte) (*KeySafe, error) {
	secret, err := deriveUserSecret(trustchainId, userId)
	if err != nil {
		return nil, WrapError(ErrInternalError, "derive safe secret", err)
	}
	plaintext, err := AEADDecrypt(secret, blob, trustchainId[:])
	if err != nil {
		return nil, WrapError(ErrDecryptionFailed, "open key safe", err)
	}
	var env safeEnvelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return nil, WrapError(ErrInvalidEncryptionFormat, "unmarshal key safe", err)
	}
	return &KeySafe{
		trustchainId: trustchainId,
		userId:       userId,
		device:       env.Device,
		userKeys:     env.UserKeys,
		provisionals: env.Provisionals,
	}, nil
}

// KeySafeStore persists exactly one sealed safe blob per local device. It is
// a thin seam so the session orchestrator can swap in a file-backed or
// badger-backed implementation without depending on either directly.
type KeySafeStore interface {
	LoadSealedSafe() ([]byte, error) // ErrResourceNotFound if absent
	SaveSealedSafe(blob []byte) error
}

// GuardedKeySafe is the process-singleton, mutex-guarded handle to a
// session's key safe (§5: "the local encrypted key safe is process-singleton
// per user; mutation is write-through under a mutex held for the duration
// of rotation"). The verifier, the resource-key manager, and the session
// orchestrator all read and append through this handle rather than holding
// their own *KeySafe.
type GuardedKeySafe struct {
	mu    sync.RWMutex
	safe  *KeySafe
	store KeySafeStore
}

func NewGuardedKeySafe(safe *KeySafe, store KeySafeStore) *GuardedKeySafe {
	return &GuardedKeySafe{safe: safe, store: store}
}

func (g *GuardedKeySafe) Device() SafeDeviceKeys {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.safe.Device()
}

func (g *GuardedKeySafe) CurrentUserKey() (SafeUserKey, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.safe.CurrentUserKey()
}

func (g *GuardedKeySafe) UserKeyByPublic(pub PublicKey) (SafeUserKey, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.safe.UserKeyByPublic(pub)
}

func (g *GuardedKeySafe) ProvisionalByAppPublic(pub PublicKey) (SafeProvisionalKey, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.safe.ProvisionalByAppPublic(pub)
}

// SetDeviceIdAndSeal overwrites the safe's device id and atomically persists
// the re-sealed safe; called once the device's own creation block verifies.
func (g *GuardedKeySafe) SetDeviceIdAndSeal(id DeviceId) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.safe.SetDeviceId(id)
	return g.sealLocked()
}

// AppendUserKeyAndSeal appends a newly learned user keypair and atomically
// persists the re-sealed safe.
func (g *GuardedKeySafe) AppendUserKeyAndSeal(k SafeUserKey) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.safe.AppendUserKey(k)
	return g.sealLocked()
}

// AppendProvisionalAndSeal appends a claimed provisional keypair and
// atomically persists the re-sealed safe.
func (g *GuardedKeySafe) AppendProvisionalAndSeal(p SafeProvisionalKey) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.safe.AppendProvisional(p)
	return g.sealLocked()
}

// Wipe zeroes every secret held in the safe and persists the empty result;
// called exactly once when the local device's own revocation verifies (§7).
func (g *GuardedKeySafe) Wipe() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.safe.device = SafeDeviceKeys{}
	g.safe.userKeys = nil
	g.safe.provisionals = nil
	return g.sealLocked()
}

// Persist re-seals and saves the safe unconditionally, used once right after
// a brand new safe is created so the on-disk copy exists before it is relied
// on for anything else.
func (g *GuardedKeySafe) Persist() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sealLocked()
}

func (g *GuardedKeySafe) sealLocked() error {
	blob, err := g.safe.Seal()
	if err != nil {
		return err
	}
	return g.store.SaveSealedSafe(blob)
}
