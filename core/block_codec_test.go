package core

import (
	"bytes"
	"testing"
)

// TestBlockRoundTrip covers §8 invariant 1: serialize(parse(b)) == b for
// every known block variant.
func TestBlockRoundTrip(t *testing.T) {
	mkBlock := func(nature Nature, payload []byte) *Block {
		var author Hash
		author[0] = 0xAB
		var sig Signature
		sig[0] = 0xCD
		return &Block{
			Index:        42,
			TrustchainId: TrustchainId{1, 2, 3},
			Nature:       nature,
			Payload:      payload,
			Author:       author,
			Signature:    sig,
		}
	}

	cases := []struct {
		name string
		b    *Block
	}{
		{"trustchain-creation", mkBlock(NatureTrustchainCreation, (&TrustchainCreationPayload{PublicSignatureKey: PublicKey{9}}).marshal())},
		{"device-creation-v1", mkBlock(NatureDeviceCreationV1, (&DeviceCreationPayload{
			Version: NatureDeviceCreationV1, EphemeralPublicKey: PublicKey{1}, UserId: UserId{2},
			DelegationSig: Signature{3}, SignaturePublicKey: PublicKey{4}, EncryptionPublicKey: PublicKey{5},
		}).marshal())},
		{"device-creation-v3", mkBlock(NatureDeviceCreationV3, (&DeviceCreationPayload{
			Version: NatureDeviceCreationV3, EphemeralPublicKey: PublicKey{1}, UserId: UserId{2},
			DelegationSig: Signature{3}, SignaturePublicKey: PublicKey{4}, EncryptionPublicKey: PublicKey{5},
			UserPublicKey: PublicKey{6}, EncryptedUserPrivateKey: bytes.Repeat([]byte{7}, 80),
			IsGhostDevice: true, IsServerDevice: false,
		}).marshal())},
		{"device-revocation-v1", mkBlock(NatureDeviceRevocationV1, (&DeviceRevocationPayload{
			Version: NatureDeviceRevocationV1, DeviceId: DeviceId{1},
		}).marshal())},
		{"device-revocation-v2", mkBlock(NatureDeviceRevocationV2, (&DeviceRevocationPayload{
			Version: NatureDeviceRevocationV2, DeviceId: DeviceId{1}, UserPublicKey: PublicKey{2},
			PreviousUserPublicKey: PublicKey{3}, EncryptedPreviousUserPrivateKey: bytes.Repeat([]byte{4}, 80),
			PrivateKeys: []KeyPublishEntry{{Recipient: [32]byte{5}, EncryptedKey: bytes.Repeat([]byte{6}, 80)}},
		}).marshal())},
		{"key-publish-to-device", mkBlock(NatureKeyPublishToDevice, (&KeyPublishToDevicePayload{
			Recipient: [32]byte{1}, ResourceId: ResourceId{2}, EncryptedKey: bytes.Repeat([]byte{3}, 57),
		}).marshal())},
		{"key-publish-to-user", mkBlock(NatureKeyPublishToUser, (&KeyPublishToRecipientPayload{
			Recipient: [32]byte{1}, ResourceId: ResourceId{2}, EncryptedKey: [80]byte{3},
		}).marshal())},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			wire, err := serializeBlock(c.b)
			if err != nil {
				t.Fatalf("serialize: %v", err)
			}
			got, err := parseBlock(wire)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			rewired, err := serializeBlock(got)
			if err != nil {
				t.Fatalf("re-serialize: %v", err)
			}
			if !bytes.Equal(wire, rewired) {
				t.Fatalf("round trip mismatch:\n got %x\nwant %x", rewired, wire)
			}
			if got.Index != c.b.Index || got.Nature != c.b.Nature || got.Author != c.b.Author || got.Signature != c.b.Signature {
				t.Fatalf("envelope field mismatch: got %+v want %+v", got, c.b)
			}
			if !bytes.Equal(got.Payload, c.b.Payload) {
				t.Fatalf("payload mismatch:\n got %x\nwant %x", got.Payload, c.b.Payload)
			}
		})
	}
}

func TestParseBlockRejectsUnknownVersion(t *testing.T) {
	b := &Block{Nature: NatureTrustchainCreation, Payload: (&TrustchainCreationPayload{}).marshal()}
	wire, err := serializeBlock(b)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	wire[0] = 99 // unknown version prefix
	_, err = parseBlock(wire)
	if ce, ok := err.(*CoreError); !ok || ce.Code != ErrUpgradeRequired {
		t.Fatalf("expected UpgradeRequired, got %v", err)
	}
}

func TestParseBlockRejectsUnknownNature(t *testing.T) {
	b := &Block{Nature: Nature(999), Payload: []byte{1, 2, 3}}
	wire, err := serializeBlock(b)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	_, err = parseBlock(wire)
	if ce, ok := err.(*CoreError); !ok || ce.Code != ErrUpgradeRequired {
		t.Fatalf("expected UpgradeRequired, got %v", err)
	}
}

func TestParseBlockRejectsTruncatedInput(t *testing.T) {
	b := &Block{Nature: NatureTrustchainCreation, Payload: (&TrustchainCreationPayload{}).marshal()}
	wire, err := serializeBlock(b)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	_, err = parseBlock(wire[:len(wire)-10])
	if ce, ok := err.(*CoreError); !ok || ce.Code != ErrInvalidEncryptionFormat {
		t.Fatalf("expected InvalidEncryptionFormat, got %v", err)
	}
}

func TestBlockHashInvariant(t *testing.T) {
	payload := []byte("some opaque payload")
	var author Hash
	author[3] = 0x77
	b := &Block{Nature: NatureKeyPublishToUser, Payload: payload, Author: author}
	if b.Hash() != hashBlock(b.Nature, b.Author, b.Payload) {
		t.Fatal("block hash invariant 1 violated")
	}
	other := &Block{Nature: NatureKeyPublishToUser, Payload: []byte("different"), Author: author}
	if b.Hash() == other.Hash() {
		t.Fatal("distinct payloads must not collide")
	}
}
