// Package replica keeps a local, indexed copy of the world current by
// bootstrapping from an authoritative store and then following its change
// stream.
package replica

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"pkg.world.dev/world-engine/worldstore/change"
	"pkg.world.dev/world-engine/worldstore/config"
	"pkg.world.dev/world-engine/worldstore/filter"
	"pkg.world.dev/world-engine/worldstore/gamestate"
	"pkg.world.dev/world-engine/worldstore/storage"
	"pkg.world.dev/world-engine/worldstore/txn"
	"pkg.world.dev/world-engine/worldstore/types"
)

// Source is the part of an authoritative store a replica reads from.
type Source interface {
	Mark(ctx context.Context) (string, error)
	ReadStream(ctx context.Context, from string, count int64, block time.Duration) ([]storage.StreamEntry, error)
	Bootstrap(ctx context.Context, cursor string, count int64, f *filter.Compiled) (storage.BootstrapPage, error)
	FilteredGetSince(ctx context.Context, f *filter.Compiled, catchups ...txn.Catchup) ([]change.Change, error)
}

var _ Source = storage.Store(nil)

type Options struct {
	// Filter limits the replica to matching entities. Nil keeps everything.
	// With HFC set it is evaluated on regular components only.
	Filter *filter.Compiled

	// HFC is the high frequency partition of a hybrid world. When set, its
	// values are overlaid on the entities the replica holds.
	HFC Source

	BootstrapBatchSize  int64
	StreamReadCount     int64
	StreamBlock         time.Duration
	MaxChangesPerUpdate int
	FlushInterval       time.Duration
	RetryBackoff        time.Duration
	MaxRetryBackoff     time.Duration

	Logger *zerolog.Logger
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		BootstrapBatchSize:  cfg.BootstrapBatchSize,
		StreamReadCount:     cfg.StreamReadCount,
		StreamBlock:         cfg.StreamBlock(),
		MaxChangesPerUpdate: cfg.MaxChangesPerUpdate,
		FlushInterval:       cfg.FlushInterval(),
		RetryBackoff:        cfg.RetryBackoff(),
		MaxRetryBackoff:     cfg.MaxRetryBackoff(),
	}
}

func (o *Options) setDefaults() {
	def := OptionsFromConfig(config.Default())
	if o.BootstrapBatchSize <= 0 {
		o.BootstrapBatchSize = def.BootstrapBatchSize
	}
	if o.StreamReadCount <= 0 {
		o.StreamReadCount = def.StreamReadCount
	}
	if o.StreamBlock <= 0 {
		o.StreamBlock = def.StreamBlock
	}
	if o.MaxChangesPerUpdate <= 0 {
		o.MaxChangesPerUpdate = def.MaxChangesPerUpdate
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = def.FlushInterval
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = def.RetryBackoff
	}
	if o.MaxRetryBackoff < o.RetryBackoff {
		o.MaxRetryBackoff = o.RetryBackoff
	}
}

// Replica is a read-only copy of the world. Readers may call its methods
// from any goroutine; only Run and the catch-up methods modify the table.
type Replica struct {
	id     string
	source Source
	opts   Options
	logger zerolog.Logger
	tracer trace.Tracer

	mu    sync.RWMutex
	table *gamestate.MetaIndexTable

	// position in the change stream of the last flushed entry; empty until
	// a bootstrap completes
	lastID string

	bootstrapped     chan struct{}
	bootstrappedOnce sync.Once
	// stream id the replica must reach before it counts as bootstrapped
	readyAt string

	// epoch counts regular bootstraps; an HFC overlay made in an earlier
	// epoch was cleared with the table.
	epoch       int
	loadedEpoch int
	hfcEpoch    int
	hfcLastID   string
	followups map[types.EntityID]struct{}
}

func New(source Source, opts Options) *Replica {
	opts.setDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = &zlog.Logger
	}
	id := uuid.New().String()
	return &Replica{
		id:     id,
		source: source,
		opts:   opts,
		logger: logger.With().Str("replica", id).Logger(),
		tracer: otel.Tracer("replica"),
		// Tombstones keep replayed stream changes older than a deletion
		// from resurrecting the entity.
		table:        gamestate.NewMetaIndexTable(gamestate.NewVersionedTable(gamestate.WithTombstones())),
		bootstrapped: make(chan struct{}),
		followups:    map[types.EntityID]struct{}{},
	}
}

// ID is unique to this replica instance.
func (r *Replica) ID() string {
	return r.id
}

// Bootstrapped is closed once the replica has loaded the world and caught
// up with the changes made while it was loading.
func (r *Replica) Bootstrapped() <-chan struct{} {
	return r.bootstrapped
}

func (r *Replica) markBootstrapped() {
	r.bootstrappedOnce.Do(func() {
		r.logger.Info().Str("stream_id", r.lastID).Msg("replica bootstrapped")
		close(r.bootstrapped)
	})
}

// AddIndex attaches a secondary index. It is built from the current contents
// and maintained from then on.
func (r *Replica) AddIndex(name string, index gamestate.Index) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.table.AddIndex(name, index)
}

// Get returns a copy of the entity, or nil.
func (r *Replica) Get(id types.EntityID) *types.Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.table.Get(id).Clone()
}

// GetWithVersion returns copies of the entities and their versions.
func (r *Replica) GetWithVersion(_ context.Context, ids ...types.EntityID) ([]gamestate.EntityState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]gamestate.EntityState, len(ids))
	for i, id := range ids {
		if !id.Valid() {
			return nil, eris.Wrapf(types.ErrInvalidEntityID, "get %d", id)
		}
		version, entity := r.table.GetWithVersion(id)
		out[i] = gamestate.EntityState{ID: id, Version: version.Clone(), Entity: entity.Clone()}
	}
	return out, nil
}

// View runs fn with the table and its indices under a read lock. fn must not
// retain or modify what it reads.
func (r *Replica) View(fn func(*gamestate.MetaIndexTable)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn(r.table)
}

// CatchUp brings the given entities up to date without waiting for the
// stream.
func (r *Replica) CatchUp(ctx context.Context, ids ...types.EntityID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	catchups := make([]txn.Catchup, len(ids))
	r.mu.RLock()
	for i, id := range ids {
		version, _ := r.table.GetWithVersion(id)
		catchups[i] = txn.Catchup{ID: id, From: version.Tick}
	}
	r.mu.RUnlock()

	changes, err := r.source.FilteredGetSince(ctx, r.opts.Filter, catchups...)
	if err != nil {
		return 0, eris.Wrap(err, "catch up")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.table.Apply(changes...)), nil
}

// ApplyCatchups installs the catch-up changes returned with a failed
// transaction, so a retry reads what made it fail.
func (r *Replica) ApplyCatchups(result *txn.ApplyResult) int {
	if result == nil || len(result.Catchups) == 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.admit(result.Catchups))
}
