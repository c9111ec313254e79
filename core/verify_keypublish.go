package core

// KeyPublish verification and application (§4.2). No cryptographic check of
// the encrypted key payload is performed — it is opaque ciphertext the
// recipient alone can open; the verifier only confirms the author's
// signature and that the named recipient exists.

import (
	"context"
	"encoding/hex"
)

func (v *Verifier) verifyKeyPublish(ctx context.Context, b *Block) (subject string, err error) {
	authorKey, kerr := v.authorVerifyingKey(ctx, b)
	if kerr != nil {
		return "", kerr
	}
	if !Verify(authorKey, b.Hash()[:], b.Signature) {
		return "", invalidBlock(BlockErrInvalidSignature, b.Nature, "", "block signature mismatch")
	}

	switch b.Nature {
	case NatureKeyPublishToDevice:
		return v.verifyKeyPublishToDevice(ctx, b)
	case NatureKeyPublishToUser:
		return v.verifyKeyPublishToUser(ctx, b)
	case NatureKeyPublishToUserGroup:
		return v.verifyKeyPublishToUserGroup(ctx, b)
	case NatureKeyPublishToProvisionalUser:
		return v.verifyKeyPublishToProvisionalUser(ctx, b)
	default:
		return "", invalidBlock(BlockErrInvalidNature, b.Nature, "", "not a key-publish nature")
	}
}

// indexKeyPublish appends entry to the resourceId's published-key index so
// the resource-key manager can later walk it without rescanning the chain.
func (v *Verifier) indexKeyPublish(ctx context.Context, resourceId ResourceId, entry PublishedKeyEntry) error {
	existing, err := v.stores.KeyPublishes.GetKeyPublishes(ctx, resourceId)
	if err != nil && !isResourceNotFound(err) {
		return err
	}
	existing = append(existing, entry)
	return v.stores.KeyPublishes.PutKeyPublishes(ctx, resourceId, existing)
}

func isResourceNotFound(err error) bool {
	var ce *CoreError
	return isCoreErrorCode(err, ErrResourceNotFound, &ce)
}

func (v *Verifier) verifyKeyPublishToDevice(ctx context.Context, b *Block) (string, error) {
	payload, perr := parseKeyPublishToDevicePayload(b.Payload)
	if perr != nil {
		return "", invalidBlock(BlockErrInvalidNature, b.Nature, "", perr.Error())
	}

	if _, _, derr := v.stores.Users.FindDeviceByEncryptionPublicKey(ctx, PublicKey(payload.Recipient)); derr != nil {
		return pendingKeyPublishSubject, derr
	}
	if err := v.indexKeyPublish(ctx, payload.ResourceId, PublishedKeyEntry{
		Nature: b.Nature, Recipient: payload.Recipient, EncryptedKey: payload.EncryptedKey,
	}); err != nil {
		return pendingKeyPublishSubject, err
	}
	return pendingKeyPublishSubject, v.stores.Trustchain.AppendBlock(ctx, b)
}

func (v *Verifier) verifyKeyPublishToUser(ctx context.Context, b *Block) (string, error) {
	payload, perr := parseKeyPublishToRecipientPayload(b.Payload)
	if perr != nil {
		return "", invalidBlock(BlockErrInvalidNature, b.Nature, "", perr.Error())
	}

	user, uerr := v.stores.Users.FindUserByPublicEncryptionKey(ctx, PublicKey(payload.Recipient))
	if uerr != nil {
		return pendingKeyPublishSubject, uerr
	}
	if err := v.indexKeyPublish(ctx, payload.ResourceId, PublishedKeyEntry{
		Nature: b.Nature, Recipient: payload.Recipient, EncryptedKey: payload.EncryptedKey[:],
	}); err != nil {
		return pendingKeyPublishSubject, err
	}
	subject := hex.EncodeToString(user.UserId[:])
	return subject, v.stores.Trustchain.AppendBlock(ctx, b)
}

func (v *Verifier) verifyKeyPublishToUserGroup(ctx context.Context, b *Block) (string, error) {
	payload, perr := parseKeyPublishToRecipientPayload(b.Payload)
	if perr != nil {
		return "", invalidBlock(BlockErrInvalidNature, b.Nature, "", perr.Error())
	}

	group, gerr := v.stores.Groups.GroupByEncryptionPublicKey(ctx, PublicKey(payload.Recipient))
	if gerr != nil {
		return pendingKeyPublishSubject, gerr
	}
	if err := v.indexKeyPublish(ctx, payload.ResourceId, PublishedKeyEntry{
		Nature: b.Nature, Recipient: payload.Recipient, EncryptedKey: payload.EncryptedKey[:],
	}); err != nil {
		return pendingKeyPublishSubject, err
	}
	subject := hex.EncodeToString(group.GroupId[:])
	return subject, v.stores.Trustchain.AppendBlock(ctx, b)
}

// verifyKeyPublishToProvisionalUser accepts the block unconditionally once
// the author signature has checked out: a provisional identity's existence
// is attested by the server-issued app/tanker public keys referenced in the
// payload, which this engine has no local chain of custody to verify
// against, matching the core's "no cryptographic verification of the
// encrypted key payload" rule extended to the recipient pair itself.
func (v *Verifier) verifyKeyPublishToProvisionalUser(ctx context.Context, b *Block) (string, error) {
	payload, perr := parseKeyPublishToDevicePayload(b.Payload)
	if perr != nil {
		return "", invalidBlock(BlockErrInvalidNature, b.Nature, "", perr.Error())
	}
	if err := v.indexKeyPublish(ctx, payload.ResourceId, PublishedKeyEntry{
		Nature: b.Nature, Recipient: payload.Recipient, EncryptedKey: payload.EncryptedKey,
	}); err != nil {
		return "", err
	}
	return pendingKeyPublishSubject, v.stores.Trustchain.AppendBlock(ctx, b)
}
