package core

// Admin-side genesis helper (§4.2 rule c): the trustchain creation block is
// authored by the application server, never by an SDK session, so it lives
// outside Session's surface. A server process calls this once per
// trustchain, then distributes the resulting TrustchainId to every client.

import "crypto/ed25519"

// NewTrustchainCreationBlock builds the zero-author, zero-signature genesis
// block binding rootPub as the trustchain's root authority key, and returns
// it together with the TrustchainId it defines (its own hash, per invariant
// 1). Devices presented to a brand new trustchain verify against rootPub
// until their own keys are established.
func NewTrustchainCreationBlock(rootPub PublicKey) (*Block, TrustchainId) {
	payload := &TrustchainCreationPayload{PublicSignatureKey: rootPub}
	raw := payload.marshal()
	h := hashBlock(NatureTrustchainCreation, Hash{}, raw)
	b := &Block{
		TrustchainId: TrustchainId(h),
		Nature:       NatureTrustchainCreation,
		Payload:      raw,
		Author:       Hash{},
		Signature:    Signature{},
	}
	return b, TrustchainId(h)
}

// Ed25519RootSigner is the straightforward RootSigner every example and the
// CLI's bootstrap path uses: it signs delegations directly with the root
// authority's Ed25519 private key.
type Ed25519RootSigner struct {
	PrivateKey ed25519.PrivateKey
}

func (r Ed25519RootSigner) SignDelegation(msg []byte) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(r.PrivateKey, msg))
	return sig
}

var _ RootSigner = Ed25519RootSigner{}
