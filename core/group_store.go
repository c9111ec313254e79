package core

// Group state machine (§4.5): Unknown -> External -> Internal, driven by
// whether this device's key safe can decrypt one of a group block's sealed
// recipient slots. Decryption here always proceeds in two steps: first the
// group's private encryption key (sealed per-recipient in the member/
// provisional slots), then the group's private signature key (sealed once,
// to the group's own public encryption key, so any member who has decrypted
// the encryption key can reach it).

import "context"

// resolveGroupPrivateEncryptionKey tries every member and provisional slot
// against the local safe, returning the group's decrypted private
// encryption key on the first match.
func resolveGroupPrivateEncryptionKey(safe *GuardedKeySafe, members []groupMemberSlot, provisionals []PendingProvisionalMember) (PrivateKey, bool) {
	for _, m := range members {
		userKey, ok := safe.UserKeyByPublic(m.UserPublicEncryptionKey)
		if !ok {
			continue
		}
		plain, err := OpenSealedBox(userKey.PublicKey, userKey.PrivateKey, m.EncryptedGroupPrivateEncryptionKey[:])
		if err != nil || len(plain) != 32 {
			continue
		}
		var priv PrivateKey
		copy(priv[:], plain)
		return priv, true
	}
	for _, p := range provisionals {
		prov, ok := safe.ProvisionalByAppPublic(p.AppPublicKey)
		if !ok {
			continue
		}
		// tanker-side key seals the outer layer, app-side key the inner one
		// (§4.4's double-seal convention applied to group slots too).
		outer, err := OpenSealedBox(prov.TankerPublicKey, prov.TankerPrivateKey, p.EncryptedGroupPrivateKey)
		if err != nil {
			continue
		}
		inner, err := OpenSealedBox(prov.AppPublicKey, prov.AppPrivateKey, outer)
		if err != nil || len(inner) != 32 {
			continue
		}
		var priv PrivateKey
		copy(priv[:], inner)
		return priv, true
	}
	return PrivateKey{}, false
}

// resolveGroupPrivateSignatureKey opens the once-sealed signature private
// key using an already-recovered group encryption keypair. The sealed blob
// carries a 48-byte zero-padded seed (§6's encGroupPrivSig[96]); only the
// first 32 bytes are the real seed.
func resolveGroupPrivateSignatureKey(groupEncPub PublicKey, groupEncPriv PrivateKey, sealed []byte) (PrivateKey, bool) {
	plain, err := OpenSealedBox(groupEncPub, groupEncPriv, sealed)
	if err != nil || len(plain) != 48 {
		return PrivateKey{}, false
	}
	var priv PrivateKey
	copy(priv[:], plain[:32])
	return priv, true
}

// applyGroupCreation upserts the group record from a verified
// UserGroupCreationPayload, transitioning Unknown -> External or -> Internal
// depending on whether safe can decrypt a recipient slot.
func applyGroupCreation(ctx context.Context, groups GroupTable, safe *GuardedKeySafe, groupId GroupId, pubSig, pubEnc PublicKey, encGroupPrivSig [96]byte, members []groupMemberSlot, provisionals []PendingProvisionalMember, blockHash Hash, index uint64) error {
	g := &Group{
		GroupId:                   groupId,
		PublicSignatureKey:        pubSig,
		PublicEncryptionKey:       pubEnc,
		EncryptedPrivateSignatureKey: encGroupPrivSig[:],
		PendingProvisionalMembers: provisionals,
		LastGroupBlockHash:        blockHash,
		Index:                     index,
	}

	if encPriv, ok := resolveGroupPrivateEncryptionKey(safe, members, provisionals); ok {
		if sigPriv, ok := resolveGroupPrivateSignatureKey(pubEnc, encPriv, encGroupPrivSig[:]); ok {
			g.Internal = true
			g.PrivateEncryptionKey = encPriv
			g.PrivateSignatureKey = sigPriv
		}
	}

	return groups.PutGroup(ctx, g)
}

// applyGroupAddition advances an existing group's lastGroupBlock and merges
// new provisional slots (member slots are only tried against the local safe,
// not stored), promoting External -> Internal if this device's key now
// unlocks a slot it could not before.
func applyGroupAddition(ctx context.Context, groups GroupTable, safe *GuardedKeySafe, g *Group, members []groupMemberSlot, provisionals []PendingProvisionalMember, blockHash Hash, index uint64) error {
	g.PendingProvisionalMembers = append(g.PendingProvisionalMembers, provisionals...)
	g.LastGroupBlockHash = blockHash
	g.Index = index

	if !g.Internal {
		if encPriv, ok := resolveGroupPrivateEncryptionKey(safe, members, provisionals); ok {
			if sigPriv, ok := resolveGroupPrivateSignatureKey(g.PublicEncryptionKey, encPriv, g.EncryptedPrivateSignatureKey); ok {
				g.Internal = true
				g.PrivateEncryptionKey = encPriv
				g.PrivateSignatureKey = sigPriv
			}
		}
	}

	return groups.PutGroup(ctx, g)
}

// ClaimProvisionalIdentity folds a newly claimed provisional identity's
// keypairs into the safe and retries every pending provisional slot of the
// groups named in knownGroupIds, promoting any that now unlock (§4.5, §4.6 glossary
// "Provisional identity").
func ClaimProvisionalIdentity(ctx context.Context, groups GroupTable, safe *GuardedKeySafe, claim SafeProvisionalKey, knownGroupIds []GroupId) error {
	if err := safe.AppendProvisionalAndSeal(claim); err != nil {
		return err
	}
	fetched, err := groups.FindGroups(ctx, knownGroupIds)
	if err != nil {
		return err
	}
	for _, g := range fetched {
		if g.Internal || len(g.PendingProvisionalMembers) == 0 {
			continue
		}
		if encPriv, ok := resolveGroupPrivateEncryptionKey(safe, nil, g.PendingProvisionalMembers); ok {
			if sigPriv, ok := resolveGroupPrivateSignatureKey(g.PublicEncryptionKey, encPriv, g.EncryptedPrivateSignatureKey); ok {
				g.Internal = true
				g.PrivateEncryptionKey = encPriv
				g.PrivateSignatureKey = sigPriv
				if err := groups.PutGroup(ctx, g); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
