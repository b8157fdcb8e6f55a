package dedup

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"botflow/internal/domain"
	"botflow/internal/queue"
)

// Index maps a request fingerprint to the latest qualifying result, so
// a later structurally identical idempotent request can reuse it. The
// write side lives in the repository: entries are upserted in the same
// transaction as the COMPLETED result they point at.
type Index struct {
	repo queue.Repository
}

func NewIndex(repo queue.Repository) *Index { return &Index{repo: repo} }

// Lookup returns the most recent originally-executed, successful
// COMPLETED result for hash, or nil on a miss. Entries pointing at
// missing or disqualified results are treated as misses and pruned, not
// surfaced as errors.
func (ix *Index) Lookup(ctx context.Context, hash string) (*domain.TaskResult, error) {
	taskID, err := ix.repo.DedupLookup(ctx, hash)
	if errors.Is(err, queue.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	res, err := ix.repo.GetResult(ctx, taskID)
	if errors.Is(err, queue.ErrNotFound) {
		log.Warn().Str("hash", hash).Str("task_id", taskID).Msg("dedup entry points at missing result, pruning")
		return nil, ix.repo.DedupDelete(ctx, hash)
	}
	if err != nil {
		return nil, err
	}
	if !Reusable(res) {
		log.Warn().Str("hash", hash).Str("task_id", taskID).Msg("dedup entry disqualified, pruning")
		return nil, ix.repo.DedupDelete(ctx, hash)
	}
	return res, nil
}

// Reusable reports whether a result may ever be served from the index:
// COMPLETED, no failure of either kind, and not itself deduped (lookups
// always resolve to an originally-executed result, never chain).
func Reusable(res *domain.TaskResult) bool {
	return res.State == domain.StateCompleted &&
		!res.Failure &&
		!res.InternalFailure &&
		res.DedupedFrom == ""
}
