// Package memory is an in-process world store. It implements the same
// contract as the Redis store on top of a gamestate.VersionedTable and is
// used by tests, tools and single-process deployments.
package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"pkg.world.dev/world-engine/worldstore/change"
	"pkg.world.dev/world-engine/worldstore/filter"
	"pkg.world.dev/world-engine/worldstore/gamestate"
	"pkg.world.dev/world-engine/worldstore/statsd"
	"pkg.world.dev/world-engine/worldstore/storage"
	"pkg.world.dev/world-engine/worldstore/txn"
	"pkg.world.dev/world-engine/worldstore/types"
)

var _ storage.Store = &Store{}

type Option func(*Store)

// WithStreamMaxLen bounds the number of retained stream entries.
func WithStreamMaxLen(n int) Option {
	return func(s *Store) {
		s.maxLen = n
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Store serializes batches with a mutex; a batch is applied entirely before
// the next one starts and before any reader observes it.
type Store struct {
	mu          sync.Mutex
	table       *gamestate.VersionedTable
	tick        types.Tick
	stream      []storage.StreamEntry
	seq         uint64
	maxLen      int
	appended    chan struct{}
	events      []txn.Event
	leaderboard map[string]map[types.EntityID]float64
	logger      zerolog.Logger
}

func New(opts ...Option) *Store {
	s := &Store{
		table:       gamestate.NewVersionedTable(gamestate.WithTombstones()),
		maxLen:      100_000,
		appended:    make(chan struct{}),
		leaderboard: map[string]map[types.EntityID]float64{},
		logger:      zlog.Logger.With().Str("component", "memory-store").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) GetWithVersion(ctx context.Context, ids ...types.EntityID) ([]gamestate.EntityState, error) {
	return s.FilteredGet(ctx, nil, ids...)
}

func (s *Store) FilteredGet(
	_ context.Context, f *filter.Compiled, ids ...types.EntityID,
) ([]gamestate.EntityState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]gamestate.EntityState, len(ids))
	for i, id := range ids {
		version, entity := s.state(id, f)
		out[i] = gamestate.EntityState{ID: id, Version: version.Clone(), Entity: entity.Clone()}
	}
	return out, nil
}

func (s *Store) FilteredGetSince(
	_ context.Context, f *filter.Compiled, catchups ...txn.Catchup,
) ([]change.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var eager change.EagerBuffer
	for _, c := range catchups {
		version, entity := s.state(c.ID, f)
		eager.ChangesSince(c.ID, c.From, version, entity)
	}
	return eager.Pop(), nil
}

// state reads an entity through a filter. An entity the filter rejects reads
// as deleted.
func (s *Store) state(id types.EntityID, f *filter.Compiled) (types.EntityVersion, *types.Entity) {
	version, entity := s.table.GetWithVersion(id)
	if entity != nil && !f.Matches(entity) {
		entity = nil
	}
	return version, entity
}

func (s *Store) Apply(_ context.Context, txs ...txn.ChangeToApply) (*txn.ApplyResult, error) {
	start := time.Now()
	outcomes, valid, errs := txn.Partition(txs)
	for _, err := range errs {
		s.logger.Debug().Err(err).Msg("rejected malformed transaction")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result := &txn.ApplyResult{Outcomes: outcomes}
	var catchups change.EagerBuffer
	written := map[types.EntityID]struct{}{}
	for _, i := range valid {
		tx := txs[i]
		if writtenInBatch(tx, written) {
			s.catchUp(&catchups, tx, written)
			result.Outcomes[i] = txn.Conflict
			continue
		}
		if !txn.CanApply(tx, s.table, &catchups) {
			result.Outcomes[i] = txn.Conflict
			continue
		}
		if len(tx.Changes) == 0 {
			for _, c := range tx.Catchups {
				version, entity := s.table.GetWithVersion(c.ID)
				catchups.ChangesSince(c.ID, c.From, version, entity)
			}
			continue
		}
		s.tick++
		folded := change.Fold(tx.Changes)
		stamped := make([]change.Change, len(folded))
		for j, c := range folded {
			stamped[j] = c.At(s.tick)
			written[c.ID] = struct{}{}
		}
		result.Changes = append(result.Changes, s.table.Commit(stamped...)...)
		s.publishEvents(tx.Events)
	}
	result.Catchups = catchups.Pop()
	if len(result.Changes) > 0 {
		s.append(result.Changes)
	}
	statsd.EmitApplyStats(start, "memory", result)
	return result, nil
}

func writtenInBatch(tx txn.ChangeToApply, written map[types.EntityID]struct{}) bool {
	for _, iff := range tx.Iffs {
		if _, ok := written[iff.ID]; ok {
			return true
		}
	}
	return false
}

// catchUp answers a transaction that conflicted with an earlier member of its
// own batch. Like txn.CanApply it returns the requested catch-ups and then the
// state of every entity whose Iff failed.
func (s *Store) catchUp(eager *change.EagerBuffer, tx txn.ChangeToApply, written map[types.EntityID]struct{}) {
	for _, c := range tx.Catchups {
		version, entity := s.table.GetWithVersion(c.ID)
		eager.ChangesSince(c.ID, c.From, version, entity)
	}
	for _, iff := range tx.Iffs {
		version, entity := s.table.GetWithVersion(iff.ID)
		if _, ok := written[iff.ID]; !ok && txn.CheckIff(iff, version, entity) {
			continue
		}
		var from types.Tick
		if iff.Expected != nil {
			from = *iff.Expected
		}
		eager.ChangesSince(iff.ID, from, version, entity)
	}
}

func (s *Store) publishEvents(events []txn.Event) {
	for _, e := range events {
		s.events = append(s.events, e)
		if e.EntityID == 0 {
			continue
		}
		board, ok := s.leaderboard[e.Kind]
		if !ok {
			board = map[types.EntityID]float64{}
			s.leaderboard[e.Kind] = board
		}
		board[e.EntityID]++
	}
}

func (s *Store) append(changes []change.Change) {
	prev := storage.InitialStreamID
	if n := len(s.stream); n > 0 {
		prev = s.stream[n-1].ID
	}
	s.seq++
	s.stream = append(s.stream, storage.StreamEntry{
		ID:      strconv.FormatUint(s.seq, 10) + "-0",
		Prev:    prev,
		Time:    time.Now(),
		Changes: changes,
	})
	if over := len(s.stream) - s.maxLen; over > 0 {
		s.stream = slices.Delete(s.stream, 0, over)
	}
	close(s.appended)
	s.appended = make(chan struct{})
}

func (s *Store) Bootstrap(
	_ context.Context, cursor string, count int64, f *filter.Compiled,
) (storage.BootstrapPage, error) {
	if count <= 0 {
		return storage.BootstrapPage{}, eris.Wrapf(storage.ErrInvalidPageSize, "bootstrap count %d", count)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var after types.EntityID
	if cursor != "" && cursor != "0" {
		id, err := types.ParseEntityID(cursor)
		if err != nil {
			return storage.BootstrapPage{}, err
		}
		after = id
	}
	ids := s.table.IDs()
	ids = ids[sort.Search(len(ids), func(i int) bool { return ids[i] > after }):]

	page := storage.BootstrapPage{Done: true}
	for _, id := range ids {
		if int64(len(page.Changes)) >= count {
			page.Done = false
			break
		}
		page.Cursor = id.String()
		version, entity := s.table.GetWithVersion(id)
		switch {
		case entity == nil:
			page.Changes = append(page.Changes, change.NewDelete(id).At(version.Tick))
		case f.Matches(entity):
			page.Changes = append(page.Changes, change.NewCreate(entity.Clone()).At(version.Tick))
		}
	}
	if page.Done {
		page.Cursor = ""
	}
	return page, nil
}

func (s *Store) Mark(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.stream); n > 0 {
		return s.stream[n-1].ID, nil
	}
	return storage.InitialStreamID, nil
}

func (s *Store) ReadStream(
	ctx context.Context, from string, count int64, block time.Duration,
) ([]storage.StreamEntry, error) {
	var timeout <-chan time.Time
	if block > 0 {
		timer := time.NewTimer(block)
		defer timer.Stop()
		timeout = timer.C
	}
	for {
		s.mu.Lock()
		entries, err := s.entriesAfter(from, count)
		appended := s.appended
		s.mu.Unlock()
		if err != nil || len(entries) > 0 || block <= 0 {
			return entries, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return nil, nil
		case <-appended:
		}
	}
}

func (s *Store) entriesAfter(from string, count int64) ([]storage.StreamEntry, error) {
	var out []storage.StreamEntry
	for _, entry := range s.stream {
		cmp, err := storage.CompareStreamIDs(entry.ID, from)
		if err != nil {
			return nil, err
		}
		if cmp <= 0 {
			continue
		}
		out = append(out, entry)
		if int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func (s *Store) Tick(_ context.Context) (types.Tick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick, nil
}

func (s *Store) Leaderboard(_ context.Context, kind string, limit int64) ([]storage.LeaderboardEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	board := s.leaderboard[kind]
	out := make([]storage.LeaderboardEntry, 0, len(board))
	for _, id := range slices.Sorted(maps.Keys(board)) {
		out = append(out, storage.LeaderboardEntry{ID: id, Value: board[id]})
	}
	slices.SortStableFunc(out, func(a, b storage.LeaderboardEntry) int {
		switch {
		case a.Value > b.Value:
			return -1
		case a.Value < b.Value:
			return 1
		}
		return 0
	})
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Events returns every event published so far.
func (s *Store) Events(_ context.Context) ([]txn.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events), nil
}
