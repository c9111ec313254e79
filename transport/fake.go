package transport

// Fake is an in-process, mutex-guarded core.Transport backed by plain slices
// and maps, standing in for a trustchain backend in tests. Every push is
// visible to every subsequent fetch from the same Fake instance; there is no
// per-user partitioning beyond what GetUserHistoryByUserIds already filters.

import (
	"context"
	"sync"

	"trustchain/core"
)

type Fake struct {
	mu     sync.Mutex
	blocks []*core.Block

	// Provisionals lets tests register app/tanker public keys for a
	// verification target ahead of a key-publish-to-provisional-user call.
	Provisionals map[string]ProvisionalKeys
}

type ProvisionalKeys struct {
	AppPublicKey    core.PublicKey
	TankerPublicKey core.PublicKey
}

func NewFake() *Fake {
	return &Fake{Provisionals: make(map[string]ProvisionalKeys)}
}

func (f *Fake) PushBlocks(_ context.Context, blocks []*core.Block) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range blocks {
		b.Index = uint64(len(f.blocks))
		f.blocks = append(f.blocks, b)
	}
	return nil
}

// AllBlocks returns every pushed block in push order, for assertions in
// tests that need to inspect the raw log rather than go through a session.
func (f *Fake) AllBlocks() []*core.Block {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*core.Block, len(f.blocks))
	copy(out, f.blocks)
	return out
}

func (f *Fake) GetUserHistoryByUserIds(_ context.Context, ids []core.UserId) ([]*core.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := make(map[core.UserId]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []*core.Block
	for _, b := range f.blocks {
		if f.blockConcernsAnyUser(b, want) {
			out = append(out, b)
		}
	}
	return out, nil
}

// blockConcernsAnyUser is deliberately permissive: the fake does not
// reconstruct the full user/device graph, so it returns every block whose
// nature is not a pure group block. GetUserHistoryByDeviceIds is looser
// still: it returns every block, group blocks included.
func (f *Fake) blockConcernsAnyUser(b *core.Block, _ map[core.UserId]bool) bool {
	switch b.Nature {
	case core.NatureUserGroupCreation, core.NatureUserGroupAddition:
		return false
	default:
		return true
	}
}

func (f *Fake) GetUserHistoryByDeviceIds(ctx context.Context, _ []core.DeviceId) ([]*core.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*core.Block, len(f.blocks))
	copy(out, f.blocks)
	return out, nil
}

func (f *Fake) GetGroupsBlocksByIds(_ context.Context, ids []core.GroupId) ([]*core.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := make(map[core.GroupId]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []*core.Block
	for _, b := range f.blocks {
		if b.Nature != core.NatureUserGroupCreation && b.Nature != core.NatureUserGroupAddition {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func (f *Fake) GetGroupsBlockByPublicEncryptionKey(_ context.Context, _ core.PublicKey) ([]*core.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*core.Block
	for _, b := range f.blocks {
		if b.Nature == core.NatureUserGroupCreation || b.Nature == core.NatureUserGroupAddition {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *Fake) GetProvisionalIdentityPublicKeys(_ context.Context, target string) (core.PublicKey, core.PublicKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys, ok := f.Provisionals[target]
	if !ok {
		return core.PublicKey{}, core.PublicKey{}, core.NewError(core.ErrResourceNotFound, "unknown provisional target")
	}
	return keys.AppPublicKey, keys.TankerPublicKey, nil
}

var _ core.Transport = (*Fake)(nil)
