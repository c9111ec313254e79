package core_test

// End-to-end scenario tests exercising Session against a real badger-backed
// Store and the in-process transport.Fake double, one per local device/
// user, mirroring how the CLI shell wires a session.

import (
	"bytes"
	"context"
	"crypto/rand"
	"path/filepath"
	"testing"

	"trustchain/core"
	"trustchain/store"
	"trustchain/transport"
)

func setupTrustchain(t *testing.T) (core.TrustchainId, core.Ed25519RootSigner, *transport.Fake) {
	t.Helper()
	rootPub, rootPriv, err := core.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("GenerateSigningKeyPair: %v", err)
	}
	block, tcID := core.NewTrustchainCreationBlock(rootPub)
	tr := transport.NewFake()
	if err := tr.PushBlocks(context.Background(), []*core.Block{block}); err != nil {
		t.Fatalf("push genesis: %v", err)
	}
	return tcID, core.Ed25519RootSigner{PrivateKey: rootPriv}, tr
}

func randomUserId(t *testing.T) core.UserId {
	t.Helper()
	var id core.UserId
	if _, err := rand.Read(id[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return id
}

// openNewDeviceSession opens a brand new Session backed by its own badger
// store and on-disk key safe, under tcID, for an existing or brand new
// userId. It does not create the user's first device; callers must
// separately call CreateUser (first device) or AddDevice (subsequent
// device) after Open.
func openNewDeviceSession(t *testing.T, ctx context.Context, tcID core.TrustchainId, tr *transport.Fake, userId core.UserId) *core.Session {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	safeStore := store.NewFileKeySafeStore(filepath.Join(dir, "safe.bin"))
	sess := core.NewSession(tcID, userId, db.Tables(), tr, safeStore, core.SessionConfig{MaxGroupMembers: 100})
	if err := sess.Open(ctx); err != nil {
		t.Fatalf("session.Open: %v", err)
	}
	return sess
}

// newBootstrappedUser opens a fresh first-device session and bootstraps the
// user on it.
func newBootstrappedUser(t *testing.T, ctx context.Context, tcID core.TrustchainId, tr *transport.Fake, root core.Ed25519RootSigner) (*core.Session, core.UserId) {
	t.Helper()
	userId := randomUserId(t)
	sess := openNewDeviceSession(t, ctx, tcID, tr, userId)
	if _, err := sess.CreateUser(ctx, root); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return sess, userId
}

// TestEncryptShareDecrypt covers scenario S1: Alice encrypts for Bob and reads
// the blob back from her local key cache; Bob, once synced, decrypts the same
// blob Alice produced.
func TestEncryptShareDecrypt(t *testing.T) {
	ctx := context.Background()
	tcID, root, tr := setupTrustchain(t)

	alice, aliceId := newBootstrappedUser(t, ctx, tcID, tr, root)
	bob, bobId := newBootstrappedUser(t, ctx, tcID, tr, root)

	// Alice only learned the genesis block (and her own history) at Open
	// time, before Bob existed; she must sync to learn Bob's user key.
	if err := alice.Sync(ctx); err != nil {
		t.Fatalf("alice.Sync: %v", err)
	}

	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	blob, err := alice.Encrypt(ctx, plaintext, core.ShareTargets{Users: []core.UserId{bobId}})
	if err != nil {
		t.Fatalf("alice.Encrypt: %v", err)
	}

	// Alice already cached the resource key locally at mint time, so she
	// can decrypt her own blob with no further sync.
	got, err := alice.Decrypt(ctx, blob)
	if err != nil {
		t.Fatalf("alice.Decrypt (self): %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("alice self-decrypt mismatch")
	}

	if err := bob.Sync(ctx); err != nil {
		t.Fatalf("bob.Sync: %v", err)
	}
	got, err = bob.Decrypt(ctx, blob)
	if err != nil {
		t.Fatalf("bob.Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("bob decrypt mismatch")
	}

	_ = aliceId
}

// TestGroupAdditionUnlocksExistingResource covers scenario S2: a resource
// shared with a group is unreadable by a user added to the group only
// after the fact, until that user syncs the group-addition block.
func TestGroupAdditionUnlocksExistingResource(t *testing.T) {
	ctx := context.Background()
	tcID, root, tr := setupTrustchain(t)

	alice, aliceId := newBootstrappedUser(t, ctx, tcID, tr, root)
	bob, bobId := newBootstrappedUser(t, ctx, tcID, tr, root)
	carol, carolId := newBootstrappedUser(t, ctx, tcID, tr, root)

	if err := alice.Sync(ctx); err != nil {
		t.Fatalf("alice.Sync: %v", err)
	}

	// Alice must list herself among the founding members to end up with an
	// Internal copy of the group (§4.5): CreateGroup never implies
	// self-membership, mirroring Encrypt/ShareTargets.
	groupId, err := alice.CreateGroup(ctx, []core.UserId{aliceId, bobId})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	plaintext := []byte("group secret payload")
	blob, err := alice.Encrypt(ctx, plaintext, core.ShareTargets{Groups: []core.GroupId{groupId}})
	if err != nil {
		t.Fatalf("Encrypt to group: %v", err)
	}

	if err := bob.Sync(ctx); err != nil {
		t.Fatalf("bob.Sync: %v", err)
	}
	if _, err := bob.Decrypt(ctx, blob); err != nil {
		t.Fatalf("bob (founding member) Decrypt: %v", err)
	}

	if err := carol.Sync(ctx); err != nil {
		t.Fatalf("carol.Sync: %v", err)
	}
	if _, err := carol.Decrypt(ctx, blob); err == nil {
		t.Fatal("carol must not be able to decrypt before joining the group")
	} else if ce, ok := err.(*core.CoreError); !ok || ce.Code != core.ErrResourceNotFound {
		t.Fatalf("expected ResourceNotFound before group addition, got %v", err)
	}

	if err := alice.UpdateGroup(ctx, groupId, []core.UserId{carolId}); err != nil {
		t.Fatalf("UpdateGroup: %v", err)
	}
	if err := carol.Sync(ctx); err != nil {
		t.Fatalf("carol.Sync (post-addition): %v", err)
	}
	got, err := carol.Decrypt(ctx, blob)
	if err != nil {
		t.Fatalf("carol Decrypt after joining: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("carol decrypt mismatch after joining group")
	}
}

// TestDeviceRevocationSurvivability covers scenario S3: Alice's phone is
// revoked by her laptop; the phone's local safe is wiped and every further
// call on it fails with InvalidSessionStatus, while the laptop keeps
// working.
func TestDeviceRevocationSurvivability(t *testing.T) {
	ctx := context.Background()
	tcID, root, tr := setupTrustchain(t)

	laptop, aliceId := newBootstrappedUser(t, ctx, tcID, tr, root)

	phone := openNewDeviceSession(t, ctx, tcID, tr, aliceId)
	req, ephPriv, err := phone.NewDeviceRequest()
	if err != nil {
		t.Fatalf("NewDeviceRequest: %v", err)
	}
	delegation, err := laptop.AuthorizeNewDevice(ctx, req)
	if err != nil {
		t.Fatalf("AuthorizeNewDevice: %v", err)
	}
	phoneBlock, err := phone.AddDevice(ctx, req, ephPriv, delegation)
	if err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	phoneDeviceId := core.DeviceId(phoneBlock.Hash())

	if err := laptop.Sync(ctx); err != nil {
		t.Fatalf("laptop.Sync (learn phone): %v", err)
	}

	bob, bobId := newBootstrappedUser(t, ctx, tcID, tr, root)
	if err := laptop.Sync(ctx); err != nil {
		t.Fatalf("laptop.Sync (learn bob): %v", err)
	}
	if err := phone.Sync(ctx); err != nil {
		t.Fatalf("phone.Sync (learn bob): %v", err)
	}

	// Phone can encrypt/share before revocation.
	plaintext := []byte("pre-revocation message")
	blob, err := phone.Encrypt(ctx, plaintext, core.ShareTargets{Users: []core.UserId{bobId}})
	if err != nil {
		t.Fatalf("phone.Encrypt before revocation: %v", err)
	}
	if err := bob.Sync(ctx); err != nil {
		t.Fatalf("bob.Sync: %v", err)
	}
	if got, err := bob.Decrypt(ctx, blob); err != nil || !bytes.Equal(got, plaintext) {
		t.Fatalf("bob decrypt pre-revocation message: got %q, err %v", got, err)
	}

	if err := laptop.RevokeDevice(ctx, phoneDeviceId); err != nil {
		t.Fatalf("RevokeDevice: %v", err)
	}

	if err := phone.Sync(ctx); err == nil {
		t.Fatal("phone.Sync must fail once it learns its own revocation")
	} else if ce, ok := err.(*core.CoreError); !ok || ce.Code != core.ErrInvalidSessionStatus {
		t.Fatalf("expected InvalidSessionStatus, got %v", err)
	}

	if _, err := phone.Encrypt(ctx, []byte("should never go out"), core.ShareTargets{Users: []core.UserId{bobId}}); err == nil {
		t.Fatal("revoked phone must not be able to encrypt")
	} else if ce, ok := err.(*core.CoreError); !ok || ce.Code != core.ErrInvalidSessionStatus {
		t.Fatalf("expected InvalidSessionStatus, got %v", err)
	}

	// Laptop, the surviving device, still works.
	blob2, err := laptop.Encrypt(ctx, []byte("post-revocation message"), core.ShareTargets{Users: []core.UserId{bobId}})
	if err != nil {
		t.Fatalf("laptop.Encrypt after revocation: %v", err)
	}
	if err := bob.Sync(ctx); err != nil {
		t.Fatalf("bob.Sync: %v", err)
	}
	if got, err := bob.Decrypt(ctx, blob2); err != nil || !bytes.Equal(got, []byte("post-revocation message")) {
		t.Fatalf("bob decrypt post-revocation message: got %q, err %v", got, err)
	}

	_ = aliceId
}

// TestProvisionalClaimUnlocksSharedResource covers scenario S4: a resource
// shared to a provisional identity (by email) is unreadable until the real
// owner claims that identity's keypairs into their own session, after which
// the provisional key-publish entry already indexed by the earlier sync
// resolves on decrypt, with no further sync.
func TestProvisionalClaimUnlocksSharedResource(t *testing.T) {
	ctx := context.Background()
	tcID, root, tr := setupTrustchain(t)

	alice, _ := newBootstrappedUser(t, ctx, tcID, tr, root)
	bob, _ := newBootstrappedUser(t, ctx, tcID, tr, root)
	if err := alice.Sync(ctx); err != nil {
		t.Fatalf("alice.Sync: %v", err)
	}

	appPub, appPriv, err := core.GenerateEncryptionKeyPair()
	if err != nil {
		t.Fatalf("GenerateEncryptionKeyPair (app): %v", err)
	}
	tankerPub, tankerPriv, err := core.GenerateEncryptionKeyPair()
	if err != nil {
		t.Fatalf("GenerateEncryptionKeyPair (tanker): %v", err)
	}
	const target = "bob@example.com"
	tr.Provisionals[target] = transport.ProvisionalKeys{AppPublicKey: appPub, TankerPublicKey: tankerPub}

	plaintext := []byte("waiting for bob to verify his email")
	blob, err := alice.Encrypt(ctx, plaintext, core.ShareTargets{Provisionals: []string{target}})
	if err != nil {
		t.Fatalf("Encrypt to provisional: %v", err)
	}

	if err := bob.Sync(ctx); err != nil {
		t.Fatalf("bob.Sync (before claim): %v", err)
	}
	if _, err := bob.Decrypt(ctx, blob); err == nil {
		t.Fatal("bob must not be able to decrypt before claiming the provisional identity")
	}

	claim := core.SafeProvisionalKey{
		AppPublicKey:     appPub,
		AppPrivateKey:    appPriv,
		TankerPublicKey:  tankerPub,
		TankerPrivateKey: tankerPriv,
	}
	if err := bob.ClaimProvisional(ctx, claim, nil); err != nil {
		t.Fatalf("ClaimProvisional: %v", err)
	}

	got, err := bob.Decrypt(ctx, blob)
	if err != nil {
		t.Fatalf("bob.Decrypt after claim: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("bob decrypt mismatch after claiming provisional identity")
	}
}

// TestTamperedGroupBlockRejected covers scenario S6: a corrupted
// UserGroupCreation block must be rejected by the verifier and must never
// reach the group store, leaving an independent verifier of the same
// trustchain with no record of the group at all.
func TestTamperedGroupBlockRejected(t *testing.T) {
	ctx := context.Background()
	tcID, root, tr := setupTrustchain(t)

	alice, _ := newBootstrappedUser(t, ctx, tcID, tr, root)
	bob, bobId := newBootstrappedUser(t, ctx, tcID, tr, root)
	if err := alice.Sync(ctx); err != nil {
		t.Fatalf("alice.Sync: %v", err)
	}

	groupId, err := alice.CreateGroup(ctx, []core.UserId{bobId})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	var genesisBlock, aliceDeviceBlock, createBlock *core.Block
	for _, b := range tr.AllBlocks() {
		switch {
		case b.Nature == core.NatureTrustchainCreation:
			genesisBlock = b
		case b.Nature == core.NatureDeviceCreationV3 && b.Author == core.Hash(tcID) && aliceDeviceBlock == nil:
			aliceDeviceBlock = b
		case b.Nature == core.NatureUserGroupCreation:
			createBlock = b
		}
	}
	if genesisBlock == nil || aliceDeviceBlock == nil || createBlock == nil {
		t.Fatal("expected genesis, alice's device-creation and group-creation blocks in the fake transport log")
	}

	// A fresh, independent verifier over its own store stands in for a
	// third party who only ever sees a corrupted copy of the group block:
	// fed genesis and alice's device (so authorVerifyingKey resolves), then
	// handed a byte-flipped payload instead of the real group block.
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	verifier := core.NewVerifier(tcID, db.Tables())

	if err := verifier.Verify(ctx, genesisBlock); err != nil {
		t.Fatalf("verify genesis: %v", err)
	}
	if err := verifier.Verify(ctx, aliceDeviceBlock); err != nil {
		t.Fatalf("verify alice's device creation: %v", err)
	}

	tampered := *createBlock
	tampered.Payload = append([]byte{}, createBlock.Payload...)
	tampered.Payload[len(tampered.Payload)-1] ^= 0xFF

	err = verifier.Verify(ctx, &tampered)
	if err == nil {
		t.Fatal("expected the corrupted group-creation block to be rejected")
	}
	if _, ok := err.(*core.InvalidBlockError); !ok {
		t.Fatalf("expected an InvalidBlockError, got %T: %v", err, err)
	}

	if _, gerr := db.Tables().Groups.GetGroup(ctx, groupId); gerr == nil {
		t.Fatal("a rejected group-creation block must never reach the group store")
	} else if ce, ok := gerr.(*core.CoreError); !ok || ce.Code != core.ErrResourceNotFound {
		t.Fatalf("expected ResourceNotFound, got %v", gerr)
	}
}
