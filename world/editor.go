package world

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"pkg.world.dev/world-engine/worldstore/change"
	"pkg.world.dev/world-engine/worldstore/log"
	"pkg.world.dev/world-engine/worldstore/txn"
	"pkg.world.dev/world-engine/worldstore/types"
)

type Option func(*Editor)

// WithCatchups asks the store for catch-up changes of every fetched entity
// when the commit conflicts. They are returned in the ApplyResult.
func WithCatchups() Option {
	return func(e *Editor) {
		e.catchups = true
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Editor) {
		e.logger = logger
	}
}

// Editor batches reads and writes against a World. It is not safe for
// concurrent use and is meant to live for one read-modify-write pass.
type Editor struct {
	world     World
	entities  map[types.EntityID]*PatchableEntity
	order     []types.EntityID
	events    []txn.Event
	catchups  bool
	committed bool
	logger    zerolog.Logger
}

func NewEditor(w World, opts ...Option) *Editor {
	e := &Editor{
		world:    w,
		entities: map[types.EntityID]*PatchableEntity{},
		logger:   zlog.Logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Get returns the entities with the given ids, fetching the ones this editor
// has not seen in a single round-trip. Absent entities are returned as nil,
// and the commit requires that they are still absent.
func (e *Editor) Get(ctx context.Context, ids ...types.EntityID) ([]*PatchableEntity, error) {
	if e.committed {
		return nil, ErrEditorClosed
	}
	var missing []types.EntityID
	seen := map[types.EntityID]struct{}{}
	for _, id := range ids {
		if !id.Valid() {
			return nil, eris.Wrapf(types.ErrInvalidEntityID, "get %d", id)
		}
		if _, ok := e.entities[id]; ok {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		missing = append(missing, id)
	}
	if len(missing) > 0 {
		states, err := e.world.GetWithVersion(ctx, missing...)
		if err != nil {
			return nil, eris.Wrap(err, "fetch entities")
		}
		for _, s := range states {
			e.track(newPatchable(s.ID, s.Version, s.Entity))
		}
	}

	out := make([]*PatchableEntity, len(ids))
	for i, id := range ids {
		if p := e.entities[id]; p != nil && (p.base != nil || p.created) {
			out[i] = p
		}
	}
	return out, nil
}

// GetOne is Get for a single id.
func (e *Editor) GetOne(ctx context.Context, id types.EntityID) (*PatchableEntity, error) {
	ps, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return ps[0], nil
}

func (e *Editor) track(p *PatchableEntity) {
	if _, ok := e.entities[p.id]; !ok {
		e.order = append(e.order, p.id)
	}
	e.entities[p.id] = p
}

// Create registers a new entity. The commit requires that no entity with the
// same id exists. An id this editor already fetched must have been absent.
func (e *Editor) Create(entity *types.Entity) (*PatchableEntity, error) {
	if e.committed {
		return nil, ErrEditorClosed
	}
	if entity == nil || !entity.ID.Valid() {
		return nil, eris.Wrap(types.ErrInvalidEntityID, "create")
	}
	if p, ok := e.entities[entity.ID]; ok && (p.base != nil || p.created) {
		return nil, eris.Wrapf(ErrEntityExists, "entity %d", entity.ID)
	}
	p := newPatchable(entity.ID, types.EntityVersion{}, entity.Clone())
	p.created = true
	e.track(p)
	return p, nil
}

// Publish attaches an event to the commit. Events are only published if the
// commit succeeds.
func (e *Editor) Publish(events ...txn.Event) {
	e.events = append(e.events, events...)
}

// Transaction builds the transaction Commit would submit. ok is false when
// nothing was written.
func (e *Editor) Transaction() (cta txn.ChangeToApply, ok bool) {
	for _, id := range e.order {
		p := e.entities[id]
		switch {
		case p.created:
			cta.Iffs = append(cta.Iffs, txn.Absent(id))
			if !p.removed {
				cta.Changes = append(cta.Changes, change.NewCreate(p.delta.Apply(p.base)))
			}
		case p.base == nil:
			cta.Iffs = append(cta.Iffs, txn.Absent(id))
		default:
			switch {
			case !p.read.Empty():
				cta.Iffs = append(cta.Iffs, txn.AtTick(id, p.version.Tick, p.read.IDs()...))
			case p.dirty():
				cta.Iffs = append(cta.Iffs, txn.Exists(id))
			}
			switch {
			case p.removed:
				cta.Changes = append(cta.Changes, change.NewDelete(id))
			case !p.delta.Empty():
				cta.Changes = append(cta.Changes, change.NewUpdate(p.delta.Clone()))
			}
		}
		if e.catchups && !p.created {
			cta.Catchups = append(cta.Catchups, txn.Catchup{ID: id, From: p.version.Tick})
		}
	}
	if len(cta.Changes) == 0 {
		return txn.ChangeToApply{}, false
	}
	cta.Events = append(cta.Events, e.events...)
	return cta, true
}

// Commit submits everything written through the editor as one transaction.
// A commit without writes submits nothing and returns a nil result. A
// transaction that does not succeed returns ErrConflict or ErrMalformed along
// with the result, whose Catchups hold what changed under a WithCatchups
// editor. The editor cannot be used after Commit.
func (e *Editor) Commit(ctx context.Context) (*txn.ApplyResult, error) {
	if e.committed {
		return nil, ErrEditorClosed
	}
	e.committed = true

	cta, ok := e.Transaction()
	if !ok {
		return nil, nil
	}
	result, err := e.world.Apply(ctx, cta)
	if err != nil {
		return nil, eris.Wrap(err, "apply editor transaction")
	}
	if len(result.Outcomes) != 1 {
		return result, eris.Errorf("expected one outcome, got %d", len(result.Outcomes))
	}
	if err := outcomeError(result.Outcomes[0]); err != nil {
		if e.logger.Debug().Enabled() {
			e.logger.Debug().Stringer("status", result.Outcomes[0]).
				Int("iffs", len(cta.Iffs)).Int("changes", len(cta.Changes)).
				Msg("editor commit rejected")
		}
		return result, eris.Wrapf(err, "commit of %d changes", len(cta.Changes))
	}
	log.Changes(&e.logger, zerolog.TraceLevel, "editor committed", result.Changes)
	return result, nil
}
