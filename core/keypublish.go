package core

// Key-publish planner (§4.4): given a resolved resource key and a set of
// recipients, builds the key-publish blocks that seal it to each of them.
// Every block produced by one call shares one author (the local device)
// and is meant to be transmitted as a single batch.

import "context"

// ShareTargets names every recipient class a single Share/Encrypt call may
// address.
type ShareTargets struct {
	Users         []UserId
	Groups        []GroupId
	Provisionals  []string // email/phone-number identifiers, resolved via transport
	ShareWithSelf bool
}

// KeyPublishPlanner builds the blocks for a resource key's recipient set.
type KeyPublishPlanner struct {
	trustchainId TrustchainId
	users        UserTable
	groups       GroupTable
	transport    Transport
	safe         *GuardedKeySafe

	issueLegacyDevicePublish bool
}

func NewKeyPublishPlanner(trustchainId TrustchainId, users UserTable, groups GroupTable, transport Transport, safe *GuardedKeySafe, issueLegacyDevicePublish bool) *KeyPublishPlanner {
	return &KeyPublishPlanner{trustchainId: trustchainId, users: users, groups: groups, transport: transport, safe: safe, issueLegacyDevicePublish: issueLegacyDevicePublish}
}

// Plan produces the batch of key-publish blocks for resourceKey/resourceId
// against targets. shareWithSelf does not require a block: the caller is
// expected to have included its own user id in targets.Users when it wants
// self-access, and the resource key is already cached locally by
// ResourceKeyManager.NewResourceKey.
func (p *KeyPublishPlanner) Plan(ctx context.Context, resourceId ResourceId, resourceKey []byte, targets ShareTargets) ([]*Block, error) {
	device := p.safe.Device()
	var blocks []*Block

	for _, uid := range targets.Users {
		pub, err := CurrentUserEncryptionKey(ctx, p.users, uid)
		if err != nil {
			return nil, err
		}
		sealed, err := SealBox(pub, resourceKey)
		if err != nil {
			return nil, WrapError(ErrInternalError, "seal resource key to user", err)
		}
		payload := &KeyPublishToRecipientPayload{ResourceId: resourceId}
		payload.Recipient = [32]byte(pub)
		if len(sealed) != len(payload.EncryptedKey) {
			return nil, NewError(ErrInternalError, "unexpected sealed resource key length")
		}
		copy(payload.EncryptedKey[:], sealed)
		b, err := p.buildBlock(device.DeviceId, NatureKeyPublishToUser, payload.marshal())
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}

	for _, gid := range targets.Groups {
		group, err := p.groups.GetGroup(ctx, gid)
		if err != nil {
			return nil, err
		}
		sealed, err := SealBox(group.PublicEncryptionKey, resourceKey)
		if err != nil {
			return nil, WrapError(ErrInternalError, "seal resource key to group", err)
		}
		payload := &KeyPublishToRecipientPayload{ResourceId: resourceId}
		payload.Recipient = [32]byte(group.PublicEncryptionKey)
		if len(sealed) != len(payload.EncryptedKey) {
			return nil, NewError(ErrInternalError, "unexpected sealed resource key length")
		}
		copy(payload.EncryptedKey[:], sealed)
		b, err := p.buildBlock(device.DeviceId, NatureKeyPublishToUserGroup, payload.marshal())
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}

	for _, target := range targets.Provisionals {
		appPub, tankerPub, err := p.transport.GetProvisionalIdentityPublicKeys(ctx, target)
		if err != nil {
			return nil, WrapError(ErrRecipientsNotFound, "resolve provisional identity", err)
		}
		inner, err := SealBox(appPub, resourceKey)
		if err != nil {
			return nil, WrapError(ErrInternalError, "seal resource key to provisional app key", err)
		}
		outer, err := SealBox(tankerPub, inner)
		if err != nil {
			return nil, WrapError(ErrInternalError, "seal resource key to provisional tanker key", err)
		}
		payload := &KeyPublishToDevicePayload{ResourceId: resourceId, EncryptedKey: outer}
		payload.Recipient = [32]byte(appPub)
		b, err := p.buildBlock(device.DeviceId, NatureKeyPublishToProvisionalUser, payload.marshal())
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}

	if p.issueLegacyDevicePublish {
		legacy, err := p.planLegacyDevicePublishes(ctx, resourceId, resourceKey, targets.Users)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, legacy...)
	}

	return blocks, nil
}

// planLegacyDevicePublishes additionally seals the resource key directly to
// every non-revoked device of every target user, for interoperability with
// sessions still on the retired key-publish-to-device issue path (§9 open
// question: keep the decrypt path always, gate issuance behind config).
func (p *KeyPublishPlanner) planLegacyDevicePublishes(ctx context.Context, resourceId ResourceId, resourceKey []byte, users []UserId) ([]*Block, error) {
	device := p.safe.Device()
	var blocks []*Block
	for _, uid := range users {
		user, err := p.users.GetUser(ctx, uid)
		if err != nil {
			return nil, err
		}
		for _, d := range user.Devices {
			if d.IsRevoked() {
				continue
			}
			sealed, err := SealBox(d.EncryptionPublicKey, resourceKey)
			if err != nil {
				return nil, WrapError(ErrInternalError, "seal resource key to device", err)
			}
			payload := &KeyPublishToDevicePayload{ResourceId: resourceId, EncryptedKey: sealed}
			payload.Recipient = [32]byte(d.EncryptionPublicKey)
			b, err := p.buildBlock(device.DeviceId, NatureKeyPublishToDevice, payload.marshal())
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, b)
		}
	}
	return blocks, nil
}

func (p *KeyPublishPlanner) buildBlock(authorDeviceId DeviceId, nature Nature, payload []byte) (*Block, error) {
	device := p.safe.Device()
	author := Hash(authorDeviceId)
	h := hashBlock(nature, author, payload)
	sig := Sign(deviceSigningKey(device), h[:])
	return &Block{
		TrustchainId: p.trustchainId,
		Nature:       nature,
		Payload:      payload,
		Author:       author,
		Signature:    sig,
	}, nil
}
