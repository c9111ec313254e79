package core

// Device-creation and device-revocation verification and application
// (§4.2 rules a-g, a-e respectively).

import (
	"context"
	"encoding/hex"
)

func (v *Verifier) verifyDeviceCreation(ctx context.Context, b *Block) (subject string, err error) {
	payload, perr := parseDeviceCreationPayload(b.Nature, b.Payload)
	if perr != nil {
		return "", invalidBlock(BlockErrInvalidNature, b.Nature, "", perr.Error())
	}
	subject = hex.EncodeToString(payload.UserId[:])

	// (a) lastReset must be zero.
	if payload.LastReset != ([32]byte{}) {
		return subject, invalidBlock(BlockErrInvalidNature, b.Nature, subject, "lastReset must be zero")
	}

	isFirstDevice := b.Author == Hash(v.trustchainId)

	// (b) version must match user-key presence.
	user, getErr := v.stores.Users.GetUser(ctx, payload.UserId)
	userExists := getErr == nil
	if isFirstDevice {
		if userExists {
			return subject, invalidBlock(BlockErrForbidden, b.Nature, subject, "user already exists")
		}
		if b.Nature != NatureDeviceCreationV1 && b.Nature != NatureDeviceCreationV3 {
			return subject, invalidBlock(BlockErrVersionMismatch, b.Nature, subject, "first device must be v1 or v3")
		}
	} else {
		if getErr != nil {
			return subject, getErr // dependency miss: author's user not known yet
		}
		_, hasUserKey := user.CurrentUserKey()
		wantV3 := hasUserKey
		if wantV3 && b.Nature != NatureDeviceCreationV3 {
			return subject, invalidBlock(BlockErrVersionMismatch, b.Nature, subject, "user holds user-keys: device creation must be v3")
		}
		if !wantV3 && b.Nature == NatureDeviceCreationV3 {
			return subject, invalidBlock(BlockErrVersionMismatch, b.Nature, subject, "user holds no user-keys: device creation must not be v3")
		}
	}

	// (c) delegation signature over (ephemeralPub ‖ userId).
	authorKey, kerr := v.authorVerifyingKey(ctx, b)
	if kerr != nil {
		return subject, kerr
	}
	delegationMsg := append(append([]byte{}, payload.EphemeralPublicKey[:]...), payload.UserId[:]...)
	if !Verify(authorKey, delegationMsg, payload.DelegationSig) {
		return subject, invalidBlock(BlockErrInvalidDelegationSig, b.Nature, subject, "delegation signature mismatch")
	}

	// (d) block signature under ephemeralPub.
	if !Verify(payload.EphemeralPublicKey, b.Hash()[:], b.Signature) {
		return subject, invalidBlock(BlockErrInvalidSignature, b.Nature, subject, "block signature mismatch")
	}

	// (e) for non-first device, userId in payload equals the author's user.
	if !isFirstDevice {
		ownerId, oerr := v.stores.Users.GetDeviceOwner(ctx, DeviceId(b.Author))
		if oerr != nil {
			return subject, oerr
		}
		if ownerId != payload.UserId {
			return subject, invalidBlock(BlockErrInvalidAuthor, b.Nature, subject, "device created for a different user than its author")
		}
	}

	// (f) author device non-revoked is already enforced inside authorVerifyingKey.

	// (g) for v3, embedded user public key equals the user's current public key.
	if b.Nature == NatureDeviceCreationV3 && !isFirstDevice {
		cur, _ := user.CurrentUserKey()
		if cur != payload.UserPublicKey {
			return subject, invalidBlock(BlockErrInvalidUserPublicKey, b.Nature, subject, "embedded user public key is not current")
		}
	}

	deviceId := b.Hash()
	device := &Device{
		DeviceId:            deviceId,
		UserId:              payload.UserId,
		SignaturePublicKey:  payload.SignaturePublicKey,
		EncryptionPublicKey: payload.EncryptionPublicKey,
		IsGhostDevice:       payload.IsGhostDevice,
		IsServerDevice:      payload.IsServerDevice,
		CreatedIndex:        b.Index,
		RevokedAt:           revokedAtInfinity,
	}

	if !userExists {
		user = &User{UserId: payload.UserId, Devices: map[DeviceId]*Device{}}
		if b.Nature == NatureDeviceCreationV3 {
			user.UserPublicKeys = append(user.UserPublicKeys, UserPublicKeyEntry{PublicKey: payload.UserPublicKey, Index: b.Index})
		}
	}
	user.Devices[deviceId] = device

	if err := v.stores.Users.PutUser(ctx, user); err != nil {
		return subject, err
	}
	if err := v.stores.Users.PutDeviceIndex(ctx, deviceId, payload.UserId); err != nil {
		return subject, err
	}
	if err := v.stores.Trustchain.AppendBlock(ctx, b); err != nil {
		return subject, err
	}
	return subject, nil
}

func (v *Verifier) verifyDeviceRevocation(ctx context.Context, b *Block) (subject string, err error) {
	payload, perr := parseDeviceRevocationPayload(b.Nature, b.Payload)
	if perr != nil {
		return "", invalidBlock(BlockErrInvalidNature, b.Nature, "", perr.Error())
	}

	authorOwner, oerr := v.stores.Users.GetDeviceOwner(ctx, DeviceId(b.Author))
	if oerr != nil {
		return "", oerr
	}
	subject = hex.EncodeToString(authorOwner[:])

	user, uerr := v.stores.Users.GetUser(ctx, authorOwner)
	if uerr != nil {
		return subject, uerr
	}

	authorKey, kerr := v.authorVerifyingKey(ctx, b)
	if kerr != nil {
		return subject, kerr
	}
	if !Verify(authorKey, b.Hash()[:], b.Signature) {
		return subject, invalidBlock(BlockErrInvalidSignature, b.Nature, subject, "block signature mismatch")
	}

	target, ok := user.Devices[payload.DeviceId]
	if !ok {
		return subject, invalidBlock(BlockErrInvalidRevokedDevice, b.Nature, subject, "target device not found")
	}
	// (a) author and target share a user is implicit: both looked up via
	// authorOwner's device map.
	if target.IsRevokedAt(b.Index) {
		return subject, invalidBlock(BlockErrInvalidRevokedDevice, b.Nature, subject, "target device already revoked")
	}

	_, hasUserKey := user.CurrentUserKey()
	if b.Nature == NatureDeviceRevocationV1 && hasUserKey {
		return subject, invalidBlock(BlockErrVersionMismatch, b.Nature, subject, "v1 revocation illegal once user holds user-keys")
	}
	if b.Nature == NatureDeviceRevocationV2 {
		if !hasUserKey {
			return subject, invalidBlock(BlockErrMissingUserKeys, b.Nature, subject, "v2 revocation requires an existing user key")
		}
		cur, _ := user.CurrentUserKey()
		if cur != payload.PreviousUserPublicKey {
			return subject, invalidBlock(BlockErrInvalidUserPublicKey, b.Nature, subject, "previousPublicEncryptionKey does not match current")
		}
		remaining := 0
		for id, d := range user.Devices {
			if id == payload.DeviceId {
				continue
			}
			if !d.IsRevokedAt(b.Index) {
				remaining++
			}
		}
		if len(payload.PrivateKeys) != remaining {
			return subject, invalidBlock(BlockErrInvalidNature, b.Nature, subject, "privateKeys entry count does not match remaining non-revoked devices")
		}
	}

	target.RevokedAt = b.Index
	if b.Nature == NatureDeviceRevocationV2 {
		user.UserPublicKeys = append(user.UserPublicKeys, UserPublicKeyEntry{PublicKey: payload.UserPublicKey, Index: b.Index})
	}

	if err := v.stores.Users.PutUser(ctx, user); err != nil {
		return subject, err
	}
	if err := v.stores.Trustchain.AppendBlock(ctx, b); err != nil {
		return subject, err
	}

	if v.hasLocalDevice && v.localDeviceId == payload.DeviceId && v.onLocalDeviceRevoked != nil {
		v.onLocalDeviceRevoked(payload.DeviceId)
	}

	return subject, nil
}
