package core

// UserGroupCreation/UserGroupAddition verification and application (§4.2,
// §4.5).

import (
	"context"
	"encoding/hex"
)

func (v *Verifier) verifyUserGroupCreation(ctx context.Context, b *Block) (subject string, err error) {
	payload, perr := parseUserGroupCreationPayload(b.Payload)
	if perr != nil {
		return "", invalidBlock(BlockErrInvalidNature, b.Nature, "", perr.Error())
	}
	groupId := GroupId(payload.PublicSignatureKey)
	subject = hex.EncodeToString(groupId[:])

	authorKey, kerr := v.authorVerifyingKey(ctx, b)
	if kerr != nil {
		return subject, kerr
	}
	if !Verify(authorKey, b.Hash()[:], b.Signature) {
		return subject, invalidBlock(BlockErrInvalidSignature, b.Nature, subject, "block signature mismatch")
	}

	if !Verify(payload.PublicSignatureKey, payload.selfSignedCanonicalPayload(), payload.SelfSignature) {
		return subject, invalidBlock(BlockErrInvalidSelfSignature, b.Nature, subject, "group self-signature mismatch")
	}

	existing, gerr := v.stores.Groups.GetGroup(ctx, groupId)
	if gerr == nil {
		if existing.PublicEncryptionKey != payload.PublicEncryptionKey {
			return subject, invalidBlock(BlockErrGroupAlreadyExists, b.Nature, subject, "group id reused with a different encryption key")
		}
		// re-announcement of the same key: accepted as a no-op, matching
		// "duplicate group ids are forbidden unless the second block
		// re-announces the same public encryption key" (§4.2).
		return subject, v.stores.Trustchain.AppendBlock(ctx, b)
	}

	if err := applyGroupCreation(ctx, v.stores.Groups, v.keySafe, groupId, payload.PublicSignatureKey, payload.PublicEncryptionKey, payload.EncryptedGroupPrivateSignatureKey, payload.Members, payload.ProvisionalSlots, b.Hash(), b.Index); err != nil {
		return subject, err
	}
	return subject, v.stores.Trustchain.AppendBlock(ctx, b)
}

func (v *Verifier) verifyUserGroupAddition(ctx context.Context, b *Block) (subject string, err error) {
	payload, perr := parseUserGroupAdditionPayload(b.Payload)
	if perr != nil {
		return "", invalidBlock(BlockErrInvalidNature, b.Nature, "", perr.Error())
	}
	subject = hex.EncodeToString(payload.GroupId[:])

	group, gerr := v.stores.Groups.GetGroup(ctx, payload.GroupId)
	if gerr != nil {
		return subject, gerr // dependency miss: group not seen yet
	}

	authorKey, kerr := v.authorVerifyingKey(ctx, b)
	if kerr != nil {
		return subject, kerr
	}
	if !Verify(authorKey, b.Hash()[:], b.Signature) {
		return subject, invalidBlock(BlockErrInvalidSignature, b.Nature, subject, "block signature mismatch")
	}

	if !Verify(group.PublicSignatureKey, payload.selfSignedCanonicalPayload(), payload.SelfSignature) {
		return subject, invalidBlock(BlockErrInvalidSelfSignature, b.Nature, subject, "group self-signature mismatch")
	}

	if payload.PreviousGroupBlock != group.LastGroupBlockHash {
		return subject, invalidBlock(BlockErrInvalidPreviousGroupBlock, b.Nature, subject, "previousGroupBlock does not match current lastGroupBlock")
	}

	if err := applyGroupAddition(ctx, v.stores.Groups, v.keySafe, group, payload.Members, payload.ProvisionalSlots, b.Hash(), b.Index); err != nil {
		return subject, err
	}
	return subject, v.stores.Trustchain.AppendBlock(ctx, b)
}
