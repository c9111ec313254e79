package core

// Unverified queue — blocks that arrived before a dependency they need
// (e.g. a key-publish naming a group not yet created locally) are held here,
// keyed by the nature's subject, rather than dropped (§4.2). When the
// dependency later verifies, the verifier promotes the held blocks and
// retries them in the order they were queued.

import (
	"context"
	"sort"
)

// UnverifiedQueue is a thin FIFO-per-subject wrapper around an
// UnverifiedTable, adding the sort-by-index promotion order the verifier
// relies on.
type UnverifiedQueue struct {
	table UnverifiedTable
}

func NewUnverifiedQueue(table UnverifiedTable) *UnverifiedQueue {
	return &UnverifiedQueue{table: table}
}

// Hold enqueues b under subject until a later Promote call retries it.
func (q *UnverifiedQueue) Hold(ctx context.Context, subject string, b *Block) error {
	return q.table.EnqueueUnverified(ctx, subject, b)
}

// Promote returns every block held for subject, oldest index first, and
// removes them from the queue. Callers that cannot verify a promoted block
// must re-Hold it themselves; Promote does not put blocks back on failure.
func (q *UnverifiedQueue) Promote(ctx context.Context, subject string) ([]*Block, error) {
	blocks, err := q.table.DequeueUnverified(ctx, subject)
	if err != nil {
		return nil, err
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Index < blocks[j].Index })
	return blocks, nil
}
