package replica

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"pkg.world.dev/world-engine/worldstore/change"
	"pkg.world.dev/world-engine/worldstore/statsd"
	"pkg.world.dev/world-engine/worldstore/storage"
	"pkg.world.dev/world-engine/worldstore/telemetry"
	"pkg.world.dev/world-engine/worldstore/txn"
	"pkg.world.dev/world-engine/worldstore/types"
)

// ErrStreamGap is returned internally when entries were trimmed from the
// stream before the replica read them. The replica recovers by bootstrapping
// again.
var ErrStreamGap = eris.New("change stream has a gap")

// Run bootstraps the replica and follows the change stream until ctx is
// cancelled. Failures are retried with exponential backoff; a gap in the
// stream triggers a fresh bootstrap. With Options.HFC set, the HFC partition
// is followed as well once the regular partition has bootstrapped.
func (r *Replica) Run(ctx context.Context) error {
	if r.opts.HFC == nil {
		return r.retry(ctx, "rc", r.session, r.resetRC)
	}
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return r.retry(ctx, "rc", r.session, r.resetRC)
	})
	eg.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-r.bootstrapped:
		}
		return r.retry(ctx, "hfc", r.hfcSession, r.resetHFC)
	})
	return eg.Wait()
}

// retry runs session until ctx is done. A stream gap calls reset and starts
// over at once; other failures back off first.
func (r *Replica) retry(
	ctx context.Context, partition string, session func(context.Context) error, reset func(),
) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.opts.RetryBackoff
	policy.MaxInterval = r.opts.MaxRetryBackoff
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(policy, ctx)
	logger := r.logger.With().Str("partition", partition).Logger()
	for {
		err := session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if eris.Is(err, ErrStreamGap) {
			logger.Warn().Err(err).Msg("replica lost its place in the stream, bootstrapping again")
			statsd.EmitResync(partition + "_gap")
			reset()
			b.Reset()
			continue
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return nil
		}
		logger.Error().Err(err).Dur("backoff", wait).Msg("replica subscription failed, retrying")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (r *Replica) resetRC() {
	r.lastID = ""
}

func (r *Replica) session(ctx context.Context) error {
	if r.lastID == "" {
		if err := r.bootstrap(ctx); err != nil {
			return err
		}
	}
	return r.follow(ctx, r.source, r.lastID, r.flush, nil)
}

// bootstrap loads the world in chunks. Stream changes made while loading are
// replayed afterwards; those the bootstrap already saw are ignored by tick.
func (r *Replica) bootstrap(ctx context.Context) (err error) {
	ctx, span := telemetry.StartSpan(ctx, r.tracer, "replica.bootstrap")
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		}
		span.End()
	}()

	start := time.Now()
	mark, err := r.source.Mark(ctx)
	if err != nil {
		return eris.Wrap(err, "mark stream before bootstrap")
	}
	r.logger.Info().Str("mark", mark).Msg("starting bootstrap")

	r.mu.Lock()
	r.table.Clear()
	r.epoch++
	r.mu.Unlock()

	loaded := 0
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := r.source.Bootstrap(ctx, cursor, r.opts.BootstrapBatchSize, r.opts.Filter)
		if err != nil {
			return eris.Wrap(err, "bootstrap page")
		}
		r.mu.Lock()
		for _, c := range page.Changes {
			version := types.EntityVersion{Tick: c.Tick}
			if r.table.Load(c.ID, version, c.Entity) {
				loaded++
			}
		}
		r.mu.Unlock()
		if page.Done {
			break
		}
		cursor = page.Cursor
	}

	readyAt, err := r.source.Mark(ctx)
	if err != nil {
		return eris.Wrap(err, "mark stream after bootstrap")
	}
	r.mu.Lock()
	r.loadedEpoch = r.epoch
	r.mu.Unlock()
	r.lastID = mark
	r.readyAt = readyAt
	span.SetAttributes(attribute.Int("entities", loaded), attribute.String("mark", mark))
	statsd.EmitBootstrap(start, loaded)
	r.logger.Info().Int("entities", loaded).Dur("took", time.Since(start)).Msg("bootstrap loaded")
	if readyAt == mark {
		r.markBootstrapped()
	}
	return nil
}

// flushFunc applies a batch of stream changes that ends at entry lastID.
type flushFunc func(ctx context.Context, changes []change.Change, lastID string, oldest time.Time) error

// follow reads the stream of source from start on one goroutine and applies
// what it reads on another, flushing when enough changes are buffered or the
// flush interval passes. idle, when set, runs on every flush interval.
func (r *Replica) follow(
	ctx context.Context, source Source, start string, flush flushFunc, idle func(context.Context) error,
) error {
	entries := make(chan storage.StreamEntry, r.opts.StreamReadCount)
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		defer close(entries)
		from := start
		for {
			batch, err := source.ReadStream(ctx, from, r.opts.StreamReadCount, r.opts.StreamBlock)
			if err != nil {
				return eris.Wrap(err, "read stream")
			}
			for _, entry := range batch {
				select {
				case entries <- entry:
				case <-ctx.Done():
					return ctx.Err()
				}
				from = entry.ID
			}
		}
	})

	eg.Go(func() error {
		ticker := time.NewTicker(r.opts.FlushInterval)
		defer ticker.Stop()
		var (
			buf    change.Buffer
			prev   = start
			last   string
			oldest time.Time
		)
		flushBuffered := func() error {
			if buf.Empty() {
				return nil
			}
			if err := flush(ctx, buf.Pop(), last, oldest); err != nil {
				return err
			}
			oldest = time.Time{}
			return nil
		}
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if idle != nil {
					if err := idle(ctx); err != nil {
						return err
					}
				}
				if err := flushBuffered(); err != nil {
					return err
				}
			case entry, ok := <-entries:
				if !ok {
					return flushBuffered()
				}
				if entry.Prev != prev {
					return eris.Wrapf(ErrStreamGap, "entry %s follows %s, last read %s", entry.ID, entry.Prev, prev)
				}
				prev, last = entry.ID, entry.ID
				if oldest.IsZero() {
					oldest = entry.Time
				}
				buf.Push(entry.Changes...)
				if buf.Len() >= r.opts.MaxChangesPerUpdate {
					if err := flushBuffered(); err != nil {
						return err
					}
				}
			}
		}
	})

	return eg.Wait()
}

// flush applies a batch of stream changes and records how far the replica
// has read.
func (r *Replica) flush(ctx context.Context, changes []change.Change, lastID string, oldest time.Time) error {
	ctx, span := telemetry.StartSpan(ctx, r.tracer, "replica.flush")
	defer span.End()
	span.SetAttributes(attribute.Int("changes", len(changes)), attribute.String("stream_id", lastID))

	r.mu.Lock()
	applied, fetch := r.admitAll(changes)
	r.mu.Unlock()

	if len(fetch) > 0 {
		catchups := make([]txn.Catchup, len(fetch))
		for i, id := range fetch {
			catchups[i] = txn.Catchup{ID: id}
		}
		fetched, err := r.source.FilteredGetSince(ctx, r.opts.Filter, catchups...)
		if err != nil {
			err = eris.Wrap(err, "fetch entities entering the filter")
			telemetry.RecordError(span, err)
			return err
		}
		// Fetched state is current; entities that turned out not to match
		// leave a tombstone so their later updates are not fetched again.
		r.mu.Lock()
		for _, c := range fetched {
			if r.table.Load(c.ID, types.EntityVersion{Tick: c.Tick}, c.Entity) {
				applied = append(applied, c)
			}
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	r.queueFollowups(applied)
	r.mu.Unlock()

	r.lastID = lastID
	statsd.EmitReplicaFlush(len(applied), time.Since(oldest))
	if r.logger.Trace().Enabled() {
		r.logger.Trace().Int("received", len(changes)).Int("applied", len(applied)).
			Str("stream_id", lastID).Msg("flushed stream changes")
	}
	if r.readyAt != "" {
		if c, err := storage.CompareStreamIDs(lastID, r.readyAt); err == nil && c >= 0 {
			r.readyAt = ""
			r.markBootstrapped()
		}
	}
	return nil
}

// admitAll applies changes that the replica can apply with what it holds. A
// filtered replica turns changes that take an entity out of the filter into
// deletes. Updates to entities it does not hold may have moved them into the
// filter; their ids are returned to be fetched whole.
func (r *Replica) admitAll(changes []change.Change) (applied []change.Change, fetch []types.EntityID) {
	f := r.opts.Filter
	if f == nil {
		return r.table.Apply(changes...), nil
	}
	watched := f.Components()
	pending := map[types.EntityID]struct{}{}
	for _, c := range changes {
		if _, ok := pending[c.ID]; ok {
			continue
		}
		prior := r.table.Get(c.ID)
		switch c.Kind {
		case change.Delete:
		case change.Create:
			if !f.Matches(c.Entity) {
				c = change.NewDelete(c.ID).At(c.Tick)
			}
		case change.Update:
			if prior == nil {
				version, _ := r.table.GetWithVersion(c.ID)
				if version.Tick < c.Tick && (version.Tick == 0 || c.Delta.Components().Intersects(watched)) {
					pending[c.ID] = struct{}{}
					fetch = append(fetch, c.ID)
				}
				continue
			}
			if !f.Matches(change.ApplyProposed(prior, c.ProposedChange)) {
				c = change.NewDelete(c.ID).At(c.Tick)
			}
		}
		applied = append(applied, r.table.Apply(c)...)
	}
	return applied, fetch
}

// admit is admitAll for changes that come with no way to fetch more.
func (r *Replica) admit(changes []change.Change) []change.Change {
	applied, _ := r.admitAll(changes)
	r.queueFollowups(applied)
	return applied
}
