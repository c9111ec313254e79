package core

// Session orchestrator (§2, §5): binds every store and sub-component behind
// the minimal surface the SDK shell calls into, and owns the single
// verification lane. Modeled as an explicit value the caller constructs and
// closes, rather than the source's nullable global facade (§9 "global
// session state").

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// SessionStatus mirrors the lifecycle the SDK shell surfaces (§7).
type SessionStatus int

const (
	StatusOpen SessionStatus = iota
	StatusDeviceRevoked
	StatusClosed
)

// RootSigner produces the delegation signature that only the trustchain's
// root authority (the application's server-held secret key, never the
// SDK) can issue, binding a new first device to its user (§4.2 rule c).
type RootSigner interface {
	SignDelegation(msg []byte) Signature
}

// Session is process-singleton per local user; construct one with NewSession
// and Open it before calling any other method.
type Session struct {
	trustchainId TrustchainId
	cfg          SessionConfig

	stores       *Stores
	transport    Transport
	verifier     *Verifier
	resourceKeys *ResourceKeyManager
	planner      *KeyPublishPlanner

	safeStore KeySafeStore
	safe      *GuardedKeySafe

	mu             sync.Mutex
	status         SessionStatus
	wipeOnce       sync.Once
	userId         UserId
}

// SessionConfig carries the tunables the session needs that are not part of
// storage/transport wiring (chunk size, legacy issuance, group size ceiling are
// read from pkg/config.Config by the caller and passed in here).
type SessionConfig struct {
	StreamChunkSize          int
	IssueLegacyDevicePublish bool
	MaxGroupMembers          int
}

// NewSession wires every sub-component together. The caller supplies the
// concrete stores/transport/safe-store (package store / package transport
// implementations, or fakes in tests).
func NewSession(trustchainId TrustchainId, userId UserId, stores *Stores, transport Transport, safeStore KeySafeStore, cfg SessionConfig) *Session {
	verifier := NewVerifier(trustchainId, stores)
	return &Session{
		trustchainId: trustchainId,
		userId:       userId,
		cfg:          cfg,
		stores:       stores,
		transport:    transport,
		verifier:     verifier,
		safeStore:    safeStore,
		status:       StatusClosed,
	}
}

// Open loads (or creates, on first run) the local key safe and wires the
// resource-key manager, key-publish planner, and verifier hooks around it.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rawSafe, err := s.safeStore.LoadSealedSafe()
	var inner *KeySafe
	var freshlyCreated bool
	switch {
	case err == nil:
		inner, err = OpenKeySafe(s.trustchainId, s.userId, rawSafe)
		if err != nil {
			return err
		}
	case isResourceNotFound(err):
		inner, err = NewKeySafe(s.trustchainId, s.userId)
		if err != nil {
			return err
		}
		freshlyCreated = true
	default:
		return err
	}

	s.safe = NewGuardedKeySafe(inner, s.safeStore)
	if freshlyCreated {
		if err := s.safe.Persist(); err != nil {
			return err
		}
	}

	s.resourceKeys = NewResourceKeyManager(s.stores.ResourceKeys, s.stores.KeyPublishes, s.stores.Users, s.stores.Groups, s.safe)
	s.planner = NewKeyPublishPlanner(s.trustchainId, s.stores.Users, s.stores.Groups, s.transport, s.safe, s.cfg.IssueLegacyDevicePublish)

	s.verifier.SetKeySafe(s.safe)
	s.verifier.SetLocalDevice(inner.Device().DeviceId, s.handleLocalDeviceRevoked)

	// Pull whatever the backend already knows before this session transacts
	// anything: the trustchain-creation block (always present, even for a
	// user who does not exist yet) plus any of this user's own history, so
	// CreateUser/AddDevice never race authorVerifyingKey's root-key lookup.
	if err := s.pullAndVerify(ctx); err != nil {
		return err
	}

	s.status = StatusOpen
	return nil
}

func (s *Session) handleLocalDeviceRevoked(DeviceId) {
	s.wipeOnce.Do(func() {
		_ = s.safe.Wipe()
		s.mu.Lock()
		s.status = StatusDeviceRevoked
		s.mu.Unlock()
	})
}

func (s *Session) requireOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case StatusOpen:
		return nil
	case StatusDeviceRevoked:
		return NewError(ErrInvalidSessionStatus, "local device was revoked")
	default:
		return NewError(ErrInvalidSessionStatus, "session is not open")
	}
}

// CreateUser bootstraps a brand new user's first device. The delegation
// signature must come from the trustchain's root authority (§4.2 rule c);
// this session never holds that key itself.
func (s *Session) CreateUser(ctx context.Context, root RootSigner) (*Block, error) {
	if err := s.requireOpen(); err != nil {
		return nil, err
	}

	device := s.safe.Device()
	userKeyPub, userKeyPriv, err := GenerateEncryptionKeyPair()
	if err != nil {
		return nil, WrapError(ErrInternalError, "generate genesis user keypair", err)
	}
	ephPub, ephPriv, err := GenerateSigningKeyPair()
	if err != nil {
		return nil, WrapError(ErrInternalError, "generate ephemeral delegation keypair", err)
	}

	delegationMsg := append(append([]byte{}, ephPub[:]...), s.userId[:]...)
	delegationSig := root.SignDelegation(delegationMsg)

	var encPriv [80]byte
	sealed, err := SealBox(userKeyPub, userKeyPriv[:])
	if err != nil {
		return nil, WrapError(ErrInternalError, "seal genesis user private key", err)
	}
	copy(encPriv[:], sealed)

	payload := &DeviceCreationPayload{
		Version:             NatureDeviceCreationV3,
		EphemeralPublicKey:  ephPub,
		UserId:              s.userId,
		DelegationSig:       delegationSig,
		SignaturePublicKey:  device.SignaturePublicKey,
		EncryptionPublicKey: device.EncryptionPublicKey,
		UserPublicKey:       userKeyPub,
	}
	payload.EncryptedUserPrivateKey = encPriv[:]

	raw := payload.marshal()
	h := hashBlock(NatureDeviceCreationV3, Hash(s.trustchainId), raw)
	sig := Sign(ephPriv, h[:])

	b := &Block{
		TrustchainId: s.trustchainId,
		Nature:       NatureDeviceCreationV3,
		Payload:      raw,
		Author:       Hash(s.trustchainId),
		Signature:    sig,
	}

	if err := s.verifier.Verify(ctx, b); err != nil {
		return nil, err
	}
	// The safe's device id was only a placeholder until this block verified;
	// the real, on-chain id is hash(b) (§3), which every future block this
	// device authors must carry as its Author field.
	if err := s.safe.SetDeviceIdAndSeal(DeviceId(b.Hash())); err != nil {
		return nil, err
	}
	s.verifier.SetLocalDevice(DeviceId(b.Hash()), s.handleLocalDeviceRevoked)
	if err := s.transport.PushBlocks(ctx, []*Block{b}); err != nil {
		return nil, WrapError(ErrNetworkError, "push device creation block", err)
	}
	if err := s.safe.AppendUserKeyAndSeal(SafeUserKey{PublicKey: userKeyPub, PrivateKey: userKeyPriv, Index: b.Index}); err != nil {
		return nil, err
	}
	return b, nil
}

// NewDeviceRequest is everything a new, not-yet-authorized device must send
// an already-authorized device of the same user, out of band, before it can
// complete its own device-creation block (§4.2 rule c).
type NewDeviceRequest struct {
	EphemeralPublicKey  PublicKey
	EncryptionPublicKey PublicKey
}

// DeviceDelegation is what AuthorizeNewDevice hands back for the requesting
// device to embed in its own device-creation block. UserPublicKey and
// EncryptedUserPrivateKey are zero/nil when the user holds no user-key yet
// (the new device will create a v1 block instead of v3).
type DeviceDelegation struct {
	AuthorDeviceId          DeviceId
	DelegationSig           Signature
	UserPublicKey           PublicKey
	EncryptedUserPrivateKey []byte
}

// NewDeviceRequest generates this (freshly Open'd) session's ephemeral
// delegation keypair and returns the request to send to an already-
// authorized device out of band, along with the ephemeral private seed this
// session must hold onto and pass back into AddDevice.
func (s *Session) NewDeviceRequest() (NewDeviceRequest, PrivateKey, error) {
	if err := s.requireOpen(); err != nil {
		return NewDeviceRequest{}, PrivateKey{}, err
	}
	ephPub, ephPriv, err := GenerateSigningKeyPair()
	if err != nil {
		return NewDeviceRequest{}, PrivateKey{}, WrapError(ErrInternalError, "generate ephemeral delegation keypair", err)
	}
	var ephPrivFixed PrivateKey
	copy(ephPrivFixed[:], ephPriv.Seed())
	return NewDeviceRequest{
		EphemeralPublicKey:  ephPub,
		EncryptionPublicKey: s.safe.Device().EncryptionPublicKey,
	}, ephPrivFixed, nil
}

// AuthorizeNewDevice lets this already-open device vouch for a new device of
// the same user. It signs the delegation over (ephemeralPub‖userId) with its
// own signature key and, if the user already holds a user-keypair, seals a
// copy of the current user private key to the requesting device's
// encryption public key so that device can decrypt its own resource keys
// once its v3 block verifies.
func (s *Session) AuthorizeNewDevice(ctx context.Context, req NewDeviceRequest) (*DeviceDelegation, error) {
	if err := s.requireOpen(); err != nil {
		return nil, err
	}

	device := s.safe.Device()
	delegationMsg := append(append([]byte{}, req.EphemeralPublicKey[:]...), s.userId[:]...)
	delegationSig := Sign(deviceSigningKey(device), delegationMsg)

	delegation := &DeviceDelegation{
		AuthorDeviceId: device.DeviceId,
		DelegationSig:  delegationSig,
	}

	if cur, ok := s.safe.CurrentUserKey(); ok {
		sealed, err := SealBox(req.EncryptionPublicKey, cur.PrivateKey[:])
		if err != nil {
			return nil, WrapError(ErrInternalError, "seal user private key for new device", err)
		}
		delegation.UserPublicKey = cur.PublicKey
		delegation.EncryptedUserPrivateKey = sealed
	}
	return delegation, nil
}

// AddDevice completes device creation for this (freshly Open'd, not yet
// on-chain) session using a DeviceDelegation obtained out of band from an
// already-authorized device via AuthorizeNewDevice. req must be the same
// request passed to that call.
func (s *Session) AddDevice(ctx context.Context, req NewDeviceRequest, ephemeralPriv PrivateKey, delegation *DeviceDelegation) (*Block, error) {
	if err := s.requireOpen(); err != nil {
		return nil, err
	}

	device := s.safe.Device()
	hasUserKey := len(delegation.EncryptedUserPrivateKey) > 0

	nature := NatureDeviceCreationV1
	payload := &DeviceCreationPayload{
		EphemeralPublicKey:  req.EphemeralPublicKey,
		UserId:              s.userId,
		DelegationSig:       delegation.DelegationSig,
		SignaturePublicKey:  device.SignaturePublicKey,
		EncryptionPublicKey: device.EncryptionPublicKey,
	}
	if hasUserKey {
		nature = NatureDeviceCreationV3
		payload.UserPublicKey = delegation.UserPublicKey
		payload.EncryptedUserPrivateKey = delegation.EncryptedUserPrivateKey
	}
	payload.Version = nature

	raw := payload.marshal()
	h := hashBlock(nature, Hash(delegation.AuthorDeviceId), raw)
	ephemeralSigningKey := signingKeyFromSeed(ephemeralPriv)
	sig := Sign(ephemeralSigningKey, h[:])

	b := &Block{
		TrustchainId: s.trustchainId,
		Nature:       nature,
		Payload:      raw,
		Author:       Hash(delegation.AuthorDeviceId),
		Signature:    sig,
	}

	if err := s.verifier.Verify(ctx, b); err != nil {
		return nil, err
	}
	// As in CreateUser: the safe's device id was only a placeholder until
	// this device's own creation block verified.
	if err := s.safe.SetDeviceIdAndSeal(DeviceId(b.Hash())); err != nil {
		return nil, err
	}
	s.verifier.SetLocalDevice(DeviceId(b.Hash()), s.handleLocalDeviceRevoked)
	if err := s.transport.PushBlocks(ctx, []*Block{b}); err != nil {
		return nil, WrapError(ErrNetworkError, "push device creation block", err)
	}
	if hasUserKey {
		plain, err := OpenSealedBox(device.EncryptionPublicKey, device.EncryptionPrivateKey, delegation.EncryptedUserPrivateKey)
		if err != nil {
			return nil, WrapError(ErrDecryptionFailed, "open sealed user private key", err)
		}
		var priv PrivateKey
		copy(priv[:], plain)
		if err := s.safe.AppendUserKeyAndSeal(SafeUserKey{PublicKey: delegation.UserPublicKey, PrivateKey: priv, Index: b.Index}); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Encrypt mints a fresh resource key, builds and transmits the key-publish
// batch for targets, and returns a single framed ciphertext blob.
func (s *Session) Encrypt(ctx context.Context, plaintext []byte, targets ShareTargets) ([]byte, error) {
	if err := s.requireOpen(); err != nil {
		return nil, err
	}

	resourceId, resourceKey, err := s.resourceKeys.NewResourceKey(ctx)
	if err != nil {
		return nil, err
	}

	blocks, err := s.planner.Plan(ctx, resourceId, resourceKey, targets)
	if err != nil {
		return nil, err
	}
	if len(blocks) > 0 {
		if err := s.transport.PushBlocks(ctx, blocks); err != nil {
			return nil, WrapError(ErrNetworkError, "push key-publish batch", err)
		}
	}

	ciphertext, err := AEADEncrypt(resourceKey, plaintext, resourceId[:])
	if err != nil {
		return nil, WrapError(ErrInternalError, "encrypt resource", err)
	}
	return append(append([]byte{}, resourceId[:]...), ciphertext...), nil
}

// Decrypt resolves the resource key named by a blob produced by Encrypt and
// opens it.
func (s *Session) Decrypt(ctx context.Context, blob []byte) ([]byte, error) {
	if err := s.requireOpen(); err != nil {
		return nil, err
	}
	if len(blob) < 16 {
		return nil, NewError(ErrInvalidEncryptionFormat, "ciphertext shorter than resource id header")
	}
	var resourceId ResourceId
	copy(resourceId[:], blob[:16])

	key, err := s.resourceKeys.FindKeyForResource(ctx, resourceId)
	if err != nil {
		return nil, err
	}
	return AEADDecrypt(key, blob[16:], resourceId[:])
}

// Share publishes an already-encrypted resource's key to additional
// recipients (shareWithSelf is implicit: the caller already holds the key).
func (s *Session) Share(ctx context.Context, resourceId ResourceId, targets ShareTargets) error {
	if err := s.requireOpen(); err != nil {
		return err
	}
	key, err := s.resourceKeys.FindKeyForResource(ctx, resourceId)
	if err != nil {
		return err
	}
	blocks, err := s.planner.Plan(ctx, resourceId, key, targets)
	if err != nil {
		return err
	}
	if len(blocks) == 0 {
		return nil
	}
	if err := s.transport.PushBlocks(ctx, blocks); err != nil {
		return WrapError(ErrNetworkError, "push key-publish batch", err)
	}
	return nil
}

// EncryptStream wraps w with a StreamEncryptor bound to a freshly minted
// resource key, after publishing that key to targets exactly like Encrypt.
func (s *Session) EncryptStream(ctx context.Context, w io.Writer, targets ShareTargets) (*StreamEncryptor, error) {
	if err := s.requireOpen(); err != nil {
		return nil, err
	}
	resourceId, resourceKey, err := s.resourceKeys.NewResourceKey(ctx)
	if err != nil {
		return nil, err
	}
	blocks, err := s.planner.Plan(ctx, resourceId, resourceKey, targets)
	if err != nil {
		return nil, err
	}
	if len(blocks) > 0 {
		if err := s.transport.PushBlocks(ctx, blocks); err != nil {
			return nil, WrapError(ErrNetworkError, "push key-publish batch", err)
		}
	}
	chunkSize := s.cfg.StreamChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return NewStreamEncryptor(w, resourceId, resourceKey, chunkSize), nil
}

// DecryptStream reads a framed stream produced by EncryptStream, resolving
// its resource key from the header before any chunk is read.
func (s *Session) DecryptStream(ctx context.Context, r io.Reader) (*StreamDecryptor, error) {
	if err := s.requireOpen(); err != nil {
		return nil, err
	}
	peek := &bytes.Buffer{}
	tee := io.TeeReader(r, peek)
	br := &byteReaderAdapter{r: tee}
	version, err := readByteVarint(br)
	if err != nil {
		return nil, WrapError(ErrInvalidEncryptionFormat, "read stream header", err)
	}
	if version != streamWireVersion {
		return nil, NewError(ErrUpgradeRequired, "unknown stream wire version")
	}
	var resourceId ResourceId
	if _, err := io.ReadFull(tee, resourceId[:]); err != nil {
		return nil, WrapError(ErrInvalidEncryptionFormat, "read stream resource id", err)
	}
	key, err := s.resourceKeys.FindKeyForResource(ctx, resourceId)
	if err != nil {
		return nil, err
	}
	chunkSize := s.cfg.StreamChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	d := NewStreamDecryptor(r, key, chunkSize)
	d.resourceId = resourceId
	d.headerRead = true
	return d, nil
}

// RevokeDevice builds, verifies, and transmits a revocation for deviceId,
// authored by this session's own local device.
func (s *Session) RevokeDevice(ctx context.Context, deviceId DeviceId) error {
	if err := s.requireOpen(); err != nil {
		return err
	}

	user, err := s.stores.Users.GetUser(ctx, s.userId)
	if err != nil {
		return err
	}
	_, hasUserKey := user.CurrentUserKey()

	nature := NatureDeviceRevocationV1
	payload := &DeviceRevocationPayload{DeviceId: deviceId}
	if hasUserKey {
		nature = NatureDeviceRevocationV2
		payload.Version = nature

		newUserPub, newUserPriv, err := GenerateEncryptionKeyPair()
		if err != nil {
			return WrapError(ErrInternalError, "generate rotated user keypair", err)
		}
		cur, _ := user.CurrentUserKey()
		payload.UserPublicKey = newUserPub
		payload.PreviousUserPublicKey = cur

		currentUserKey, ok := s.safe.CurrentUserKey()
		if !ok {
			return NewError(ErrInternalError, "local safe missing current user key during rotation")
		}
		sealedPrev, err := SealBox(newUserPub, currentUserKey.PrivateKey[:])
		if err != nil {
			return WrapError(ErrInternalError, "seal previous user private key", err)
		}
		var prevFixed [80]byte
		copy(prevFixed[:], sealedPrev)
		payload.EncryptedPreviousUserPrivateKey = prevFixed[:]

		for id, d := range user.Devices {
			if id == deviceId || d.IsRevoked() {
				continue
			}
			sealed, err := SealBox(d.EncryptionPublicKey, newUserPriv[:])
			if err != nil {
				return WrapError(ErrInternalError, "seal rotated user key to device", err)
			}
			payload.PrivateKeys = append(payload.PrivateKeys, KeyPublishEntry{
				Recipient:    [32]byte(d.EncryptionPublicKey),
				EncryptedKey: sealed,
			})
		}

		defer func() {
			_ = s.safe.AppendUserKeyAndSeal(SafeUserKey{PublicKey: newUserPub, PrivateKey: newUserPriv})
		}()
	} else {
		payload.Version = NatureDeviceRevocationV1
	}

	device := s.safe.Device()
	raw := payload.marshal()
	h := hashBlock(nature, Hash(device.DeviceId), raw)
	sig := Sign(deviceSigningKey(device), h[:])

	b := &Block{
		TrustchainId: s.trustchainId,
		Nature:       nature,
		Payload:      raw,
		Author:       Hash(device.DeviceId),
		Signature:    sig,
	}

	if err := s.verifier.Verify(ctx, b); err != nil {
		return err
	}
	if err := s.transport.PushBlocks(ctx, []*Block{b}); err != nil {
		return WrapError(ErrNetworkError, "push revocation block", err)
	}
	return nil
}

// CreateGroup creates a new group owning resourceKeys for its members,
// enforcing the configured group size ceiling (§7 GroupTooBig/
// InvalidGroupSize).
func (s *Session) CreateGroup(ctx context.Context, members []UserId) (GroupId, error) {
	if err := s.requireOpen(); err != nil {
		return GroupId{}, err
	}
	if len(members) == 0 {
		return GroupId{}, NewError(ErrInvalidGroupSize, "group must have at least one member")
	}
	if s.cfg.MaxGroupMembers > 0 && len(members) > s.cfg.MaxGroupMembers {
		return GroupId{}, NewError(ErrGroupTooBig, "member count exceeds the configured maximum")
	}

	sigPub, sigPriv, err := GenerateSigningKeyPair()
	if err != nil {
		return GroupId{}, WrapError(ErrInternalError, "generate group signature keypair", err)
	}
	encPub, encPriv, err := GenerateEncryptionKeyPair()
	if err != nil {
		return GroupId{}, WrapError(ErrInternalError, "generate group encryption keypair", err)
	}

	// Padded to 48 bytes before sealing so the sealed box lands at the
	// documented 96 bytes (§6) instead of the 80 a bare 32-byte seed seals to.
	var sigSeedPadded [48]byte
	copy(sigSeedPadded[:], sigPriv.Seed())
	sealedSig, err := SealBox(encPub, sigSeedPadded[:])
	if err != nil {
		return GroupId{}, WrapError(ErrInternalError, "seal group private signature key", err)
	}
	var encGroupPrivSig [96]byte
	copy(encGroupPrivSig[:], sealedSig)

	var slots []groupMemberSlot
	for _, uid := range members {
		pub, err := CurrentUserEncryptionKey(ctx, s.stores.Users, uid)
		if err != nil {
			return GroupId{}, err
		}
		sealed, err := SealBox(pub, encPriv[:])
		if err != nil {
			return GroupId{}, WrapError(ErrInternalError, "seal group private encryption key to member", err)
		}
		var slot groupMemberSlot
		slot.UserPublicEncryptionKey = pub
		copy(slot.EncryptedGroupPrivateEncryptionKey[:], sealed)
		slots = append(slots, slot)
	}

	payload := &UserGroupCreationPayload{
		PublicSignatureKey:                sigPub,
		PublicEncryptionKey:               encPub,
		EncryptedGroupPrivateSignatureKey: encGroupPrivSig,
		Members:                           slots,
	}
	payload.SelfSignature = Sign(sigPriv, payload.selfSignedCanonicalPayload())

	device := s.safe.Device()
	raw := payload.marshal()
	h := hashBlock(NatureUserGroupCreation, Hash(device.DeviceId), raw)
	sig := Sign(deviceSigningKey(device), h[:])

	b := &Block{
		TrustchainId: s.trustchainId,
		Nature:       NatureUserGroupCreation,
		Payload:      raw,
		Author:       Hash(device.DeviceId),
		Signature:    sig,
	}

	if err := s.verifier.Verify(ctx, b); err != nil {
		return GroupId{}, err
	}
	if err := s.transport.PushBlocks(ctx, []*Block{b}); err != nil {
		return GroupId{}, WrapError(ErrNetworkError, "push group creation block", err)
	}
	return payload.PublicSignatureKey, nil
}

// UpdateGroup adds members to an existing internal group.
func (s *Session) UpdateGroup(ctx context.Context, groupId GroupId, addUsers []UserId) error {
	if err := s.requireOpen(); err != nil {
		return err
	}
	group, err := s.stores.Groups.GetGroup(ctx, groupId)
	if err != nil {
		return err
	}
	if !group.Internal {
		return NewError(ErrPreconditionFailed, "only an internal group member may add members")
	}

	var slots []groupMemberSlot
	for _, uid := range addUsers {
		pub, err := CurrentUserEncryptionKey(ctx, s.stores.Users, uid)
		if err != nil {
			return err
		}
		sealed, err := SealBox(pub, group.PrivateEncryptionKey[:])
		if err != nil {
			return WrapError(ErrInternalError, "seal group private encryption key to new member", err)
		}
		var slot groupMemberSlot
		slot.UserPublicEncryptionKey = pub
		copy(slot.EncryptedGroupPrivateEncryptionKey[:], sealed)
		slots = append(slots, slot)
	}

	payload := &UserGroupAdditionPayload{
		GroupId:            groupId,
		PreviousGroupBlock: group.LastGroupBlockHash,
		Members:            slots,
	}
	groupSigPriv := signingKeyFromSeed(group.PrivateSignatureKey)
	payload.SelfSignature = Sign(groupSigPriv, payload.selfSignedCanonicalPayload())

	device := s.safe.Device()
	raw := payload.marshal()
	h := hashBlock(NatureUserGroupAddition, Hash(device.DeviceId), raw)
	sig := Sign(deviceSigningKey(device), h[:])

	b := &Block{
		TrustchainId: s.trustchainId,
		Nature:       NatureUserGroupAddition,
		Payload:      raw,
		Author:       Hash(device.DeviceId),
		Signature:    sig,
	}

	if err := s.verifier.Verify(ctx, b); err != nil {
		return err
	}
	if err := s.transport.PushBlocks(ctx, []*Block{b}); err != nil {
		return WrapError(ErrNetworkError, "push group addition block", err)
	}
	return nil
}

// ClaimProvisional folds a newly-verified provisional identity's keypairs
// into the local safe and unlocks any group among knownGroups it was already
// a pending member of (§4.5, §4.6); groups not listed there are not searched.
func (s *Session) ClaimProvisional(ctx context.Context, claim SafeProvisionalKey, knownGroups []GroupId) error {
	if err := s.requireOpen(); err != nil {
		return err
	}
	return ClaimProvisionalIdentity(ctx, s.stores.Groups, s.safe, claim, knownGroups)
}

// Sync pulls and verifies every block relevant to this session's user from
// transport (the background flow in §2).
func (s *Session) Sync(ctx context.Context) error {
	if err := s.requireOpen(); err != nil {
		return err
	}
	if err := s.pullAndVerify(ctx); err != nil {
		return err
	}
	// A pull that verified this device's own revocation ends the session.
	return s.requireOpen()
}

func (s *Session) pullAndVerify(ctx context.Context) error {
	blocks, err := s.transport.GetUserHistoryByUserIds(ctx, []UserId{s.userId})
	if err != nil {
		return WrapError(ErrNetworkError, "fetch user history", err)
	}
	if err := s.verifier.VerifyBatch(ctx, blocks); err != nil {
		return err
	}
	return s.pullGroupsNamedIn(ctx, blocks)
}

// pullGroupsNamedIn fetches and verifies the creation/addition chain for
// every group a key-publish-to-group block in blocks names by its public
// encryption key. A user's own history fetch deliberately never carries pure
// group blocks (§6), so a member who was added to a group by someone else
// would otherwise never learn it exists; verifying the group's chain here
// lets the key-publish entry queued against it (§5 "pending-keypublish")
// resolve on the retry every successful apply triggers.
func (s *Session) pullGroupsNamedIn(ctx context.Context, blocks []*Block) error {
	seen := make(map[PublicKey]bool)
	for _, b := range blocks {
		if b.Nature != NatureKeyPublishToUserGroup {
			continue
		}
		payload, perr := parseKeyPublishToRecipientPayload(b.Payload)
		if perr != nil {
			continue
		}
		pub := PublicKey(payload.Recipient)
		if seen[pub] {
			continue
		}
		seen[pub] = true
		groupBlocks, err := s.transport.GetGroupsBlockByPublicEncryptionKey(ctx, pub)
		if err != nil {
			return WrapError(ErrNetworkError, "fetch group history", err)
		}
		if err := s.verifier.VerifyBatch(ctx, groupBlocks); err != nil {
			return err
		}
	}
	return nil
}

// Close marks the session closed; every call that starts afterwards fails
// with InvalidSessionStatus. It does not zero the key material held in
// memory by the local safe, and it does not interrupt operations already in
// progress.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusClosed
	return nil
}

func readByteVarint(br io.ByteReader) (uint64, error) {
	var x uint64
	var shift uint
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		x |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return x, nil
		}
		shift += 7
	}
}
