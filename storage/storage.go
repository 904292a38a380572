// Package storage defines the contract shared by the authoritative world
// store backends. Both backends apply batches of conditional transactions
// atomically, stamp each successful transaction with the next tick, and
// publish what they applied to an ordered change stream.
package storage

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/worldstore/change"
	"pkg.world.dev/world-engine/worldstore/filter"
	"pkg.world.dev/world-engine/worldstore/gamestate"
	"pkg.world.dev/world-engine/worldstore/txn"
	"pkg.world.dev/world-engine/worldstore/types"
)

// InitialStreamID precedes every stream entry.
const InitialStreamID = "0-0"

var (
	ErrInvalidStreamID = eris.New("invalid stream id")
	ErrInvalidPageSize = eris.New("page size must be positive")
)

// StreamEntry is one batch of applied changes. Prev is the id of the entry
// that preceded it when it was written, so a reader can tell whether it
// missed entries that were trimmed.
type StreamEntry struct {
	ID      string
	Prev    string
	Time    time.Time
	Changes []change.Change
}

// BootstrapPage is one chunk of a full scan. Creates carry the entity tick
// without component history; deleted entities are returned as deletes.
type BootstrapPage struct {
	Cursor  string
	Done    bool
	Changes []change.Change
}

// LeaderboardEntry is an entity's running count of events of one kind.
type LeaderboardEntry struct {
	ID    types.EntityID
	Value float64
}

// Store is an authoritative world store.
type Store interface {
	GetWithVersion(ctx context.Context, ids ...types.EntityID) ([]gamestate.EntityState, error)
	FilteredGet(ctx context.Context, f *filter.Compiled, ids ...types.EntityID) ([]gamestate.EntityState, error)
	FilteredGetSince(ctx context.Context, f *filter.Compiled, catchups ...txn.Catchup) ([]change.Change, error)
	Apply(ctx context.Context, txs ...txn.ChangeToApply) (*txn.ApplyResult, error)

	Bootstrap(ctx context.Context, cursor string, count int64, f *filter.Compiled) (BootstrapPage, error)
	Mark(ctx context.Context) (string, error)
	ReadStream(ctx context.Context, from string, count int64, block time.Duration) ([]StreamEntry, error)

	Tick(ctx context.Context) (types.Tick, error)
	Leaderboard(ctx context.Context, kind string, limit int64) ([]LeaderboardEntry, error)
	Events(ctx context.Context) ([]txn.Event, error)
}

// CompareStreamIDs orders two stream ids of the form "<ms>-<seq>".
func CompareStreamIDs(a, b string) (int, error) {
	am, as, err := splitStreamID(a)
	if err != nil {
		return 0, err
	}
	bm, bs, err := splitStreamID(b)
	if err != nil {
		return 0, err
	}
	switch {
	case am < bm:
		return -1, nil
	case am > bm:
		return 1, nil
	case as < bs:
		return -1, nil
	case as > bs:
		return 1, nil
	}
	return 0, nil
}

func splitStreamID(id string) (uint64, uint64, error) {
	msPart, seqPart, found := strings.Cut(id, "-")
	if !found {
		seqPart = "0"
	}
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return 0, 0, eris.Wrapf(ErrInvalidStreamID, "%q", id)
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return 0, 0, eris.Wrapf(ErrInvalidStreamID, "%q", id)
	}
	return ms, seq, nil
}
