package replica

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/attribute"

	"pkg.world.dev/world-engine/worldstore/change"
	"pkg.world.dev/world-engine/worldstore/statsd"
	"pkg.world.dev/world-engine/worldstore/telemetry"
	"pkg.world.dev/world-engine/worldstore/txn"
	"pkg.world.dev/world-engine/worldstore/types"
)

// The HFC partition is followed on top of the regular one. Its values are
// overlaid on entities the replica already holds and never move their
// versions, so a reader's Iffs stay those of the regular partition. HFC
// deletes are ignored; the regular partition decides existence.

func (r *Replica) resetHFC() {
	r.hfcLastID = ""
}

func (r *Replica) hfcSession(ctx context.Context) error {
	if r.hfcLastID == "" {
		if err := r.hfcBootstrap(ctx); err != nil {
			return err
		}
	}
	return r.follow(ctx, r.opts.HFC, r.hfcLastID, r.flushHFC, r.hfcIdle)
}

// hfcBootstrap overlays every HFC value. It waits for the regular partition
// to finish loading, since entities loaded later would miss their overlay.
func (r *Replica) hfcBootstrap(ctx context.Context) (err error) {
	ctx, span := telemetry.StartSpan(ctx, r.tracer, "replica.hfc_bootstrap")
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		}
		span.End()
	}()

	start := time.Now()
	mark, err := r.opts.HFC.Mark(ctx)
	if err != nil {
		return eris.Wrap(err, "mark hfc stream before bootstrap")
	}
	r.mu.Lock()
	if r.loadedEpoch != r.epoch {
		r.mu.Unlock()
		return eris.New("regular partition is bootstrapping")
	}
	r.hfcEpoch = r.epoch
	r.mu.Unlock()

	overlaid := 0
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := r.opts.HFC.Bootstrap(ctx, cursor, r.opts.BootstrapBatchSize, nil)
		if err != nil {
			return eris.Wrap(err, "hfc bootstrap page")
		}
		r.mu.Lock()
		overlaid += len(r.table.Overlay(hfcDeltas(page.Changes)...))
		r.mu.Unlock()
		if page.Done {
			break
		}
		cursor = page.Cursor
	}
	r.hfcLastID = mark
	span.SetAttributes(attribute.Int("entities", overlaid), attribute.String("mark", mark))
	r.logger.Info().Int("entities", overlaid).Dur("took", time.Since(start)).Msg("hfc overlay loaded")
	return nil
}

// overlayCurrent fails with a gap when the regular partition bootstrapped
// again, clearing every overlay, since the HFC bootstrap last ran.
func (r *Replica) overlayCurrent() error {
	if r.epoch != r.hfcEpoch {
		return eris.Wrap(ErrStreamGap, "regular partition bootstrapped again")
	}
	return nil
}

func (r *Replica) flushHFC(ctx context.Context, changes []change.Change, lastID string, oldest time.Time) error {
	r.mu.Lock()
	if err := r.overlayCurrent(); err != nil {
		r.mu.Unlock()
		return err
	}
	applied := r.table.Overlay(hfcDeltas(changes)...)
	r.mu.Unlock()

	r.hfcLastID = lastID
	statsd.EmitReplicaFlush(len(applied), time.Since(oldest))
	return r.fetchFollowups(ctx)
}

func (r *Replica) hfcIdle(ctx context.Context) error {
	r.mu.Lock()
	err := r.overlayCurrent()
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.fetchFollowups(ctx)
}

// queueFollowups records entities the regular partition created. A create
// replaces the whole entity and drops its HFC values, so they are fetched
// again. The caller holds r.mu.
func (r *Replica) queueFollowups(applied []change.Change) {
	if r.opts.HFC == nil {
		return
	}
	for _, c := range applied {
		if c.Kind == change.Create {
			r.followups[c.ID] = struct{}{}
		}
	}
}

// fetchFollowups overlays the current HFC values of queued entities. Failed
// fetches are logged and queued again for the next flush.
func (r *Replica) fetchFollowups(ctx context.Context) error {
	r.mu.Lock()
	catchups := make([]txn.Catchup, 0, len(r.followups))
	for id := range r.followups {
		catchups = append(catchups, txn.Catchup{ID: id})
	}
	clear(r.followups)
	r.mu.Unlock()

	for len(catchups) > 0 {
		n := min(int64(len(catchups)), r.opts.BootstrapBatchSize)
		batch := catchups[:n]
		catchups = catchups[n:]
		fetched, err := r.opts.HFC.FilteredGetSince(ctx, nil, batch...)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn().Err(err).Int("entities", len(batch)+len(catchups)).Msg("failed to fetch hfc values, retrying later")
			r.mu.Lock()
			for _, pending := range [][]txn.Catchup{batch, catchups} {
				for _, c := range pending {
					r.followups[c.ID] = struct{}{}
				}
			}
			r.mu.Unlock()
			return nil
		}
		r.mu.Lock()
		r.table.Overlay(hfcDeltas(fetched)...)
		r.mu.Unlock()
	}
	return nil
}

// hfcDeltas turns HFC partition changes into overlays. A create replaces
// every HFC component of the entity.
func hfcDeltas(changes []change.Change) []types.Delta {
	hfc := types.HFCComponents()
	var out []types.Delta
	for _, c := range changes {
		switch c.Kind {
		case change.Update:
			if d := c.Delta.Restrict(hfc); !d.Empty() {
				out = append(out, d)
			}
		case change.Create:
			d := types.NewDelta(c.ID)
			for _, id := range hfc.IDs() {
				if v, ok := c.Entity.Get(id); ok {
					d.Set(v)
				} else {
					d.Delete(id)
				}
			}
			out = append(out, d)
		}
	}
	return out
}
