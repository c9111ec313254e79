package core

// Verifier — validates one block at a time against current state and
// advances that state atomically on success (§4.2). Every check runs under
// a single mutex: correctness of the append-only log depends on a total
// order for verifier effects, so there is exactly one coordination lane,
// never a per-subject lock (§5).
//
// A block that cannot yet verify because a dependency is missing (its
// group, its user's first device, ...) is held in the unverified queue
// under the nature's subject rather than dropped. A block that fails an
// invariant is dropped permanently and reported as *InvalidBlockError*; it
// is never retried.

import (
	"context"
	"encoding/hex"
	"sync"
)

// Verifier is process-singleton per session; it owns the verification lane
// mutex described in §5.
type Verifier struct {
	mu sync.Mutex

	trustchainId TrustchainId
	stores       *Stores
	queue        *UnverifiedQueue

	rootPublicKey PublicKey
	hasRoot       bool

	keySafe *GuardedKeySafe

	// onLocalDeviceRevoked fires once, synchronously, the first time a
	// verified revocation names the session's own local device (§4.5/§7).
	// The session orchestrator wires this to its safe-wipe routine.
	onLocalDeviceRevoked func(DeviceId)
	localDeviceId        DeviceId
	hasLocalDevice       bool
}

// NewVerifier constructs a verifier bound to one trustchain and its stores.
func NewVerifier(trustchainId TrustchainId, stores *Stores) *Verifier {
	return &Verifier{
		trustchainId: trustchainId,
		stores:       stores,
		queue:        NewUnverifiedQueue(stores.Unverified),
	}
}

// SetKeySafe gives the verifier access to the local key safe, needed to
// detect Unknown->Internal group transitions as group blocks verify.
func (v *Verifier) SetKeySafe(safe *GuardedKeySafe) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.keySafe = safe
}

// SetLocalDevice tells the verifier which device id is this session's own,
// so it can detect and react to the device's own revocation.
func (v *Verifier) SetLocalDevice(id DeviceId, onRevoked func(DeviceId)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.localDeviceId = id
	v.hasLocalDevice = true
	v.onLocalDeviceRevoked = onRevoked
}

// Verify validates and applies a single block, queuing it instead of
// dropping it when only a missing dependency prevents success.
func (v *Verifier) Verify(ctx context.Context, b *Block) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.verifyAndApplyLocked(ctx, b)
}

// VerifyBatch applies blocks in the order given, stopping at (but not
// undoing the effect of) the first hard failure. Soft (queued) outcomes do
// not stop the batch.
func (v *Verifier) VerifyBatch(ctx context.Context, blocks []*Block) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, b := range blocks {
		if err := v.verifyAndApplyLocked(ctx, b); err != nil {
			var ibe *InvalidBlockError
			if !isInvalidBlockError(err, &ibe) {
				return err
			}
			// invariant violation: drop and continue with the rest of the batch.
			continue
		}
	}
	return nil
}

func (v *Verifier) verifyAndApplyLocked(ctx context.Context, b *Block) error {
	switch b.Nature {
	case NatureTrustchainCreation:
		return v.verifyTrustchainCreation(ctx, b)
	case NatureDeviceCreationV1, NatureDeviceCreationV2, NatureDeviceCreationV3:
		subject, err := v.verifyDeviceCreation(ctx, b)
		return v.afterApply(ctx, b, subject, err)
	case NatureDeviceRevocationV1, NatureDeviceRevocationV2:
		subject, err := v.verifyDeviceRevocation(ctx, b)
		return v.afterApply(ctx, b, subject, err)
	case NatureKeyPublishToDevice, NatureKeyPublishToUser, NatureKeyPublishToUserGroup, NatureKeyPublishToProvisionalUser:
		subject, err := v.verifyKeyPublish(ctx, b)
		return v.afterApply(ctx, b, subject, err)
	case NatureUserGroupCreation:
		subject, err := v.verifyUserGroupCreation(ctx, b)
		return v.afterApply(ctx, b, subject, err)
	case NatureUserGroupAddition:
		subject, err := v.verifyUserGroupAddition(ctx, b)
		return v.afterApply(ctx, b, subject, err)
	default:
		return invalidBlock(BlockErrInvalidNature, b.Nature, "", "unknown nature")
	}
}

// pendingKeyPublishSubject buckets key-publish blocks whose recipient
// (addressed by public key, not by the userId/groupId that structural
// blocks are keyed by) cannot yet be resolved. It is retried after every
// successful apply rather than keyed precisely, since the recipient key
// alone does not identify which future block will resolve it.
const pendingKeyPublishSubject = "pending-keypublish"

// afterApply queues b for later retry on a dependency miss, or promotes and
// retries anything waiting on subject after a successful apply.
func (v *Verifier) afterApply(ctx context.Context, b *Block, subject string, err error) error {
	if err == nil {
		if subject != "" {
			v.retrySubjectLocked(ctx, subject)
		}
		if subject != pendingKeyPublishSubject {
			v.retrySubjectLocked(ctx, pendingKeyPublishSubject)
		}
		return nil
	}
	if isDependencyMiss(err) && subject != "" {
		if holdErr := v.queue.Hold(ctx, subject, b); holdErr != nil {
			return holdErr
		}
		return nil
	}
	if ibe, ok := err.(*InvalidBlockError); ok {
		logBlockDropped(b, ibe)
	}
	return err
}

func (v *Verifier) retrySubjectLocked(ctx context.Context, subject string) {
	promoted, err := v.queue.Promote(ctx, subject)
	if err != nil || len(promoted) == 0 {
		return
	}
	for _, b := range promoted {
		_ = v.verifyAndApplyLocked(ctx, b)
	}
}

func (v *Verifier) verifyTrustchainCreation(ctx context.Context, b *Block) error {
	if b.Author != (Hash{}) {
		return invalidBlock(BlockErrInvalidAuthor, b.Nature, "", "trustchain creation author must be zero")
	}
	if b.Signature != (Signature{}) {
		return invalidBlock(BlockErrInvalidSignature, b.Nature, "", "trustchain creation signature must be zero")
	}
	payload, err := parseTrustchainCreationPayload(b.Payload)
	if err != nil {
		return invalidBlock(BlockErrInvalidNature, b.Nature, "", err.Error())
	}
	if b.Hash() != Hash(v.trustchainId) {
		return invalidBlock(BlockErrInvalidAuthor, b.Nature, "", "trustchain creation hash must equal the trustchain id")
	}
	v.rootPublicKey = payload.PublicSignatureKey
	v.hasRoot = true
	return v.stores.Trustchain.AppendBlock(ctx, b)
}

// authorVerifyingKey resolves the signature public key that should have
// produced b.Signature: the root key for the first device of a trustchain,
// or the author device's current signature key otherwise.
func (v *Verifier) authorVerifyingKey(ctx context.Context, b *Block) (PublicKey, error) {
	if b.Author == Hash(v.trustchainId) {
		if !v.hasRoot {
			return PublicKey{}, NewError(ErrResourceNotFound, "trustchain root key not yet verified")
		}
		return v.rootPublicKey, nil
	}
	owner, err := v.stores.Users.GetDeviceOwner(ctx, DeviceId(b.Author))
	if err != nil {
		return PublicKey{}, err
	}
	user, err := v.stores.Users.GetUser(ctx, owner)
	if err != nil {
		return PublicKey{}, err
	}
	dev, ok := user.Devices[DeviceId(b.Author)]
	if !ok {
		return PublicKey{}, NewError(ErrResourceNotFound, "author device not found")
	}
	if dev.IsRevokedAt(b.Index) {
		return PublicKey{}, invalidBlock(BlockErrRevokedAuthor, b.Nature, hex.EncodeToString(owner[:]), "author device revoked")
	}
	return dev.SignaturePublicKey, nil
}

func isDependencyMiss(err error) bool {
	var ce *CoreError
	return isCoreErrorCode(err, ErrResourceNotFound, &ce)
}

func isCoreErrorCode(err error, code ErrCode, target **CoreError) bool {
	ce, ok := err.(*CoreError)
	if !ok {
		return false
	}
	*target = ce
	return ce.Code == code
}

func isInvalidBlockError(err error, target **InvalidBlockError) bool {
	ibe, ok := err.(*InvalidBlockError)
	if !ok {
		return false
	}
	*target = ibe
	return true
}
