package core

// Block codec — bit-exact (de)serialization of the outer envelope and every
// payload variant (§4.1). The envelope is a single version byte (currently
// 1) followed by varint(index), trustchainId[32], varint(nature),
// varint(payloadLen)‖payload, author[32], signature[64].
//
// Varint encoding uses the standard library's LEB128 implementation
// (encoding/binary.PutUvarint) rather than a third-party varint package:
// this is a ten-line mechanical concern with no domain behavior, and the
// ecosystem's own varint libraries (e.g. multiformats/go-varint) exist to
// serve IPFS-style multiformats, not a bespoke block envelope — reaching for
// one here would add a dependency without adding any capability stdlib
// lacks.

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const blockWireVersion = 1

// serializeBlock writes the wire form of b.
func serializeBlock(b *Block) ([]byte, error) {
	if len(b.Payload) == 0 && b.Nature != NatureTrustchainCreation {
		// allowed to be empty for some natures; no hard requirement here.
	}
	var buf bytes.Buffer
	buf.WriteByte(blockWireVersion)
	writeUvarint(&buf, b.Index)
	buf.Write(b.TrustchainId[:])
	writeUvarint(&buf, uint64(b.Nature))
	writeUvarint(&buf, uint64(len(b.Payload)))
	buf.Write(b.Payload)
	buf.Write(b.Author[:])
	buf.Write(b.Signature[:])
	return buf.Bytes(), nil
}

// parseBlock parses the wire form produced by serializeBlock. It fails with
// UpgradeRequired on unknown version/nature, InvalidFormat (modeled as
// InvalidEncryptionFormat, the closest §6 exit code) on truncated input.
func parseBlock(raw []byte) (*Block, error) {
	r := bytes.NewReader(raw)

	version, err := r.ReadByte()
	if err != nil {
		return nil, NewError(ErrInvalidEncryptionFormat, "empty block")
	}
	if version != blockWireVersion {
		return nil, NewError(ErrUpgradeRequired, "unknown block wire version")
	}

	index, err := readUvarint(r)
	if err != nil {
		return nil, NewError(ErrInvalidEncryptionFormat, "truncated index")
	}

	var trustchainId TrustchainId
	if _, err := io.ReadFull(r, trustchainId[:]); err != nil {
		return nil, NewError(ErrInvalidEncryptionFormat, "truncated trustchain id")
	}

	natureRaw, err := readUvarint(r)
	if err != nil {
		return nil, NewError(ErrInvalidEncryptionFormat, "truncated nature")
	}
	nature := Nature(natureRaw)
	if !knownNature(nature) {
		return nil, NewError(ErrUpgradeRequired, "unknown block nature")
	}

	payloadLen, err := readUvarint(r)
	if err != nil {
		return nil, NewError(ErrInvalidEncryptionFormat, "truncated payload length")
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, NewError(ErrInvalidEncryptionFormat, "truncated payload")
	}

	var author Hash
	if _, err := io.ReadFull(r, author[:]); err != nil {
		return nil, NewError(ErrInvalidEncryptionFormat, "truncated author")
	}

	var sig Signature
	if _, err := io.ReadFull(r, sig[:]); err != nil {
		return nil, NewError(ErrInvalidEncryptionFormat, "truncated signature")
	}

	if r.Len() != 0 {
		return nil, NewError(ErrInvalidEncryptionFormat, "trailing bytes after block")
	}

	return &Block{
		Index:        index,
		TrustchainId: trustchainId,
		Nature:       nature,
		Payload:      payload,
		Author:       author,
		Signature:    sig,
	}, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func readUvarint(r *bytes.Reader) (uint64, error) {
	return binary.ReadUvarint(r)
}

//---------------------------------------------------------------------
// Payload variants (§6). All multi-byte integers are little-endian; byte
// arrays are fixed width as documented per field. Each payload has its own
// build*/parse* pair producing a round-trip identity per §8 invariant 1.
//---------------------------------------------------------------------

var errTruncatedPayload = errors.New("truncated payload")

func readFixed(r *bytes.Reader, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, errTruncatedPayload
	}
	return out, nil
}

// TrustchainCreationPayload: publicSignatureKey[32].
type TrustchainCreationPayload struct {
	PublicSignatureKey PublicKey
}

func (p *TrustchainCreationPayload) marshal() []byte {
	return append([]byte{}, p.PublicSignatureKey[:]...)
}

func parseTrustchainCreationPayload(raw []byte) (*TrustchainCreationPayload, error) {
	if len(raw) != 32 {
		return nil, errTruncatedPayload
	}
	var p TrustchainCreationPayload
	copy(p.PublicSignatureKey[:], raw)
	return &p, nil
}

// DeviceCreationPayload covers v1/v2/v3 (the "lastReset" prefix and the v3
// user-keypair suffix are optional depending on Version).
type DeviceCreationPayload struct {
	Version            Nature // NatureDeviceCreationV1/V2/V3
	LastReset          [32]byte
	EphemeralPublicKey PublicKey
	UserId             UserId
	DelegationSig      Signature
	SignaturePublicKey PublicKey
	EncryptionPublicKey PublicKey
	UserPublicKey       PublicKey // v3 only
	EncryptedUserPrivateKey []byte // v3 only, 80 bytes
	IsGhostDevice       bool       // v3 only
	IsServerDevice      bool       // v3 only
}

func (p *DeviceCreationPayload) marshal() []byte {
	var buf bytes.Buffer
	if p.Version == NatureDeviceCreationV2 || p.Version == NatureDeviceCreationV3 {
		buf.Write(p.LastReset[:])
	}
	buf.Write(p.EphemeralPublicKey[:])
	buf.Write(p.UserId[:])
	buf.Write(p.DelegationSig[:])
	buf.Write(p.SignaturePublicKey[:])
	buf.Write(p.EncryptionPublicKey[:])
	if p.Version == NatureDeviceCreationV3 {
		buf.Write(p.UserPublicKey[:])
		buf.Write(p.EncryptedUserPrivateKey)
		var flags byte
		if p.IsGhostDevice {
			flags |= 1 << 0
		}
		if p.IsServerDevice {
			flags |= 1 << 1
		}
		buf.WriteByte(flags)
	}
	return buf.Bytes()
}

func parseDeviceCreationPayload(nature Nature, raw []byte) (*DeviceCreationPayload, error) {
	r := bytes.NewReader(raw)
	p := &DeviceCreationPayload{Version: nature}

	if nature == NatureDeviceCreationV2 || nature == NatureDeviceCreationV3 {
		lr, err := readFixed(r, 32)
		if err != nil {
			return nil, err
		}
		copy(p.LastReset[:], lr)
	}

	eph, err := readFixed(r, 32)
	if err != nil {
		return nil, err
	}
	copy(p.EphemeralPublicKey[:], eph)

	uid, err := readFixed(r, 32)
	if err != nil {
		return nil, err
	}
	copy(p.UserId[:], uid)

	delSig, err := readFixed(r, 64)
	if err != nil {
		return nil, err
	}
	copy(p.DelegationSig[:], delSig)

	pubSig, err := readFixed(r, 32)
	if err != nil {
		return nil, err
	}
	copy(p.SignaturePublicKey[:], pubSig)

	pubEnc, err := readFixed(r, 32)
	if err != nil {
		return nil, err
	}
	copy(p.EncryptionPublicKey[:], pubEnc)

	if nature == NatureDeviceCreationV3 {
		userPubEnc, err := readFixed(r, 32)
		if err != nil {
			return nil, err
		}
		copy(p.UserPublicKey[:], userPubEnc)

		encPriv, err := readFixed(r, 80)
		if err != nil {
			return nil, err
		}
		p.EncryptedUserPrivateKey = encPriv

		flags, err := r.ReadByte()
		if err != nil {
			return nil, errTruncatedPayload
		}
		p.IsGhostDevice = flags&(1<<0) != 0
		p.IsServerDevice = flags&(1<<1) != 0
	}

	if r.Len() != 0 {
		return nil, errTruncatedPayload
	}
	return p, nil
}

// DeviceRevocationPayload covers v1/v2.
type DeviceRevocationPayload struct {
	Version                Nature
	DeviceId                DeviceId
	UserPublicKey           PublicKey // v2 only
	PreviousUserPublicKey   PublicKey // v2 only
	EncryptedPreviousUserPrivateKey []byte // v2 only, 80 bytes
	PrivateKeys             []KeyPublishEntry // v2 only, N × (recipient[32] ‖ encKey[80])
}

func (p *DeviceRevocationPayload) marshal() []byte {
	var buf bytes.Buffer
	buf.Write(p.DeviceId[:])
	if p.Version == NatureDeviceRevocationV2 {
		buf.Write(p.UserPublicKey[:])
		buf.Write(p.PreviousUserPublicKey[:])
		buf.Write(p.EncryptedPreviousUserPrivateKey)
		writeUvarint(&buf, uint64(len(p.PrivateKeys)))
		for _, e := range p.PrivateKeys {
			buf.Write(e.Recipient[:])
			buf.Write(e.EncryptedKey)
		}
	}
	return buf.Bytes()
}

func parseDeviceRevocationPayload(nature Nature, raw []byte) (*DeviceRevocationPayload, error) {
	r := bytes.NewReader(raw)
	p := &DeviceRevocationPayload{Version: nature}

	devId, err := readFixed(r, 32)
	if err != nil {
		return nil, err
	}
	copy(p.DeviceId[:], devId)

	if nature == NatureDeviceRevocationV2 {
		userPub, err := readFixed(r, 32)
		if err != nil {
			return nil, err
		}
		copy(p.UserPublicKey[:], userPub)

		prevPub, err := readFixed(r, 32)
		if err != nil {
			return nil, err
		}
		copy(p.PreviousUserPublicKey[:], prevPub)

		encPrev, err := readFixed(r, 80)
		if err != nil {
			return nil, err
		}
		p.EncryptedPreviousUserPrivateKey = encPrev

		n, err := readUvarint(r)
		if err != nil {
			return nil, errTruncatedPayload
		}
		p.PrivateKeys = make([]KeyPublishEntry, 0, n)
		for i := uint64(0); i < n; i++ {
			recipient, err := readFixed(r, 32)
			if err != nil {
				return nil, err
			}
			encKey, err := readFixed(r, 80)
			if err != nil {
				return nil, err
			}
			var e KeyPublishEntry
			copy(e.Recipient[:], recipient)
			e.EncryptedKey = encKey
			p.PrivateKeys = append(p.PrivateKeys, e)
		}
	}

	if r.Len() != 0 {
		return nil, errTruncatedPayload
	}
	return p, nil
}

// KeyPublishToDevicePayload: recipient[32] ‖ resourceId[16] ‖ varint(L) ‖ encKey[L].
type KeyPublishToDevicePayload struct {
	Recipient    [32]byte
	ResourceId   ResourceId
	EncryptedKey []byte
}

func (p *KeyPublishToDevicePayload) marshal() []byte {
	var buf bytes.Buffer
	buf.Write(p.Recipient[:])
	buf.Write(p.ResourceId[:])
	writeUvarint(&buf, uint64(len(p.EncryptedKey)))
	buf.Write(p.EncryptedKey)
	return buf.Bytes()
}

func parseKeyPublishToDevicePayload(raw []byte) (*KeyPublishToDevicePayload, error) {
	r := bytes.NewReader(raw)
	p := &KeyPublishToDevicePayload{}

	recipient, err := readFixed(r, 32)
	if err != nil {
		return nil, err
	}
	copy(p.Recipient[:], recipient)

	resId, err := readFixed(r, 16)
	if err != nil {
		return nil, err
	}
	copy(p.ResourceId[:], resId)

	l, err := readUvarint(r)
	if err != nil {
		return nil, errTruncatedPayload
	}
	encKey, err := readFixed(r, int(l))
	if err != nil {
		return nil, err
	}
	p.EncryptedKey = encKey

	if r.Len() != 0 {
		return nil, errTruncatedPayload
	}
	return p, nil
}

// KeyPublishToRecipientPayload covers both KeyPublishToUser and
// KeyPublishToUserGroup, which share a layout: recipient[32] ‖
// resourceId[16] ‖ encKey[80].
type KeyPublishToRecipientPayload struct {
	Recipient    [32]byte
	ResourceId   ResourceId
	EncryptedKey [80]byte
}

func (p *KeyPublishToRecipientPayload) marshal() []byte {
	var buf bytes.Buffer
	buf.Write(p.Recipient[:])
	buf.Write(p.ResourceId[:])
	buf.Write(p.EncryptedKey[:])
	return buf.Bytes()
}

func parseKeyPublishToRecipientPayload(raw []byte) (*KeyPublishToRecipientPayload, error) {
	if len(raw) != 32+16+80 {
		return nil, errTruncatedPayload
	}
	var p KeyPublishToRecipientPayload
	copy(p.Recipient[:], raw[0:32])
	copy(p.ResourceId[:], raw[32:48])
	copy(p.EncryptedKey[:], raw[48:128])
	return &p, nil
}

// groupMemberSlot is the M × (userPubEnc[32] ‖ encGroupPrivEnc[80]) repeated
// field shared by UserGroupCreation and UserGroupAddition.
type groupMemberSlot struct {
	UserPublicEncryptionKey PublicKey
	EncryptedGroupPrivateEncryptionKey [80]byte
}

func writeGroupMemberSlots(buf *bytes.Buffer, slots []groupMemberSlot) {
	writeUvarint(buf, uint64(len(slots)))
	for _, s := range slots {
		buf.Write(s.UserPublicEncryptionKey[:])
		buf.Write(s.EncryptedGroupPrivateEncryptionKey[:])
	}
}

func readGroupMemberSlots(r *bytes.Reader) ([]groupMemberSlot, error) {
	n, err := readUvarint(r)
	if err != nil {
		return nil, errTruncatedPayload
	}
	slots := make([]groupMemberSlot, 0, n)
	for i := uint64(0); i < n; i++ {
		pub, err := readFixed(r, 32)
		if err != nil {
			return nil, err
		}
		enc, err := readFixed(r, 80)
		if err != nil {
			return nil, err
		}
		var s groupMemberSlot
		copy(s.UserPublicEncryptionKey[:], pub)
		copy(s.EncryptedGroupPrivateEncryptionKey[:], enc)
		slots = append(slots, s)
	}
	return slots, nil
}

// UserGroupCreationPayload: pubSig[32] ‖ pubEnc[32] ‖ encGroupPrivSig[96] ‖
// varint(M) ‖ M×(userPubEnc[32] ‖ encGroupPrivEnc[80]) ‖ selfSig[64].
//
// encGroupPrivSig seals a 48-byte zero-padded signature seed (32 bytes of
// real seed material) rather than the bare 32-byte seed sealed elsewhere, so
// the sealed box lands at the documented 96 bytes instead of 80; the padding
// is stripped again in resolveGroupPrivateSignatureKey.
//
// Per §9's open question on the pending-provisional-slot shape, an optional
// appended length-prefixed list of provisional slots is always parsed;
// absence (end of buffer right after selfSig) is treated as empty.
type UserGroupCreationPayload struct {
	PublicSignatureKey          PublicKey
	PublicEncryptionKey         PublicKey
	EncryptedGroupPrivateSignatureKey [96]byte
	Members                     []groupMemberSlot
	SelfSignature               Signature
	ProvisionalSlots            []PendingProvisionalMember
}

func (p *UserGroupCreationPayload) marshal() []byte {
	var buf bytes.Buffer
	buf.Write(p.PublicSignatureKey[:])
	buf.Write(p.PublicEncryptionKey[:])
	buf.Write(p.EncryptedGroupPrivateSignatureKey[:])
	writeGroupMemberSlots(&buf, p.Members)
	buf.Write(p.SelfSignature[:])
	writeProvisionalSlots(&buf, p.ProvisionalSlots)
	return buf.Bytes()
}

// selfSignedCanonicalPayload returns the bytes the self-signature is
// computed over: every field up to but excluding the signature itself.
func (p *UserGroupCreationPayload) selfSignedCanonicalPayload() []byte {
	var buf bytes.Buffer
	buf.Write(p.PublicSignatureKey[:])
	buf.Write(p.PublicEncryptionKey[:])
	buf.Write(p.EncryptedGroupPrivateSignatureKey[:])
	writeGroupMemberSlots(&buf, p.Members)
	return buf.Bytes()
}

func parseUserGroupCreationPayload(raw []byte) (*UserGroupCreationPayload, error) {
	r := bytes.NewReader(raw)
	p := &UserGroupCreationPayload{}

	pubSig, err := readFixed(r, 32)
	if err != nil {
		return nil, err
	}
	copy(p.PublicSignatureKey[:], pubSig)

	pubEnc, err := readFixed(r, 32)
	if err != nil {
		return nil, err
	}
	copy(p.PublicEncryptionKey[:], pubEnc)

	encGroupPrivSig, err := readFixed(r, 96)
	if err != nil {
		return nil, err
	}
	copy(p.EncryptedGroupPrivateSignatureKey[:], encGroupPrivSig)

	members, err := readGroupMemberSlots(r)
	if err != nil {
		return nil, err
	}
	p.Members = members

	selfSig, err := readFixed(r, 64)
	if err != nil {
		return nil, err
	}
	copy(p.SelfSignature[:], selfSig)

	slots, err := readProvisionalSlots(r)
	if err != nil {
		return nil, err
	}
	p.ProvisionalSlots = slots

	if r.Len() != 0 {
		return nil, errTruncatedPayload
	}
	return p, nil
}

// UserGroupAdditionPayload: groupId[32] ‖ prevGroupBlock[32] ‖ varint(M) ‖
// M×(userPubEnc[32] ‖ encGroupPrivEnc[80]) ‖ selfSigWithCurrentKey[64].
type UserGroupAdditionPayload struct {
	GroupId           GroupId
	PreviousGroupBlock Hash
	Members           []groupMemberSlot
	SelfSignature     Signature
	ProvisionalSlots  []PendingProvisionalMember
}

func (p *UserGroupAdditionPayload) marshal() []byte {
	var buf bytes.Buffer
	buf.Write(p.GroupId[:])
	buf.Write(p.PreviousGroupBlock[:])
	writeGroupMemberSlots(&buf, p.Members)
	buf.Write(p.SelfSignature[:])
	writeProvisionalSlots(&buf, p.ProvisionalSlots)
	return buf.Bytes()
}

func (p *UserGroupAdditionPayload) selfSignedCanonicalPayload() []byte {
	var buf bytes.Buffer
	buf.Write(p.GroupId[:])
	buf.Write(p.PreviousGroupBlock[:])
	writeGroupMemberSlots(&buf, p.Members)
	return buf.Bytes()
}

func parseUserGroupAdditionPayload(raw []byte) (*UserGroupAdditionPayload, error) {
	r := bytes.NewReader(raw)
	p := &UserGroupAdditionPayload{}

	gid, err := readFixed(r, 32)
	if err != nil {
		return nil, err
	}
	copy(p.GroupId[:], gid)

	prev, err := readFixed(r, 32)
	if err != nil {
		return nil, err
	}
	copy(p.PreviousGroupBlock[:], prev)

	members, err := readGroupMemberSlots(r)
	if err != nil {
		return nil, err
	}
	p.Members = members

	selfSig, err := readFixed(r, 64)
	if err != nil {
		return nil, err
	}
	copy(p.SelfSignature[:], selfSig)

	slots, err := readProvisionalSlots(r)
	if err != nil {
		return nil, err
	}
	p.ProvisionalSlots = slots

	if r.Len() != 0 {
		return nil, errTruncatedPayload
	}
	return p, nil
}

func writeProvisionalSlots(buf *bytes.Buffer, slots []PendingProvisionalMember) {
	writeUvarint(buf, uint64(len(slots)))
	for _, s := range slots {
		buf.Write(s.AppPublicKey[:])
		buf.Write(s.TankerPublicKey[:])
		writeUvarint(buf, uint64(len(s.EncryptedGroupPrivateKey)))
		buf.Write(s.EncryptedGroupPrivateKey)
	}
}

func readProvisionalSlots(r *bytes.Reader) ([]PendingProvisionalMember, error) {
	if r.Len() == 0 {
		return nil, nil
	}
	n, err := readUvarint(r)
	if err != nil {
		return nil, errTruncatedPayload
	}
	out := make([]PendingProvisionalMember, 0, n)
	for i := uint64(0); i < n; i++ {
		app, err := readFixed(r, 32)
		if err != nil {
			return nil, err
		}
		tanker, err := readFixed(r, 32)
		if err != nil {
			return nil, err
		}
		l, err := readUvarint(r)
		if err != nil {
			return nil, errTruncatedPayload
		}
		enc, err := readFixed(r, int(l))
		if err != nil {
			return nil, err
		}
		var s PendingProvisionalMember
		copy(s.AppPublicKey[:], app)
		copy(s.TankerPublicKey[:], tanker)
		s.EncryptedGroupPrivateKey = enc
		out = append(out, s)
	}
	return out, nil
}
