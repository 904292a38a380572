package main

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/worldstore/change"
	"pkg.world.dev/world-engine/worldstore/codec"
	"pkg.world.dev/world-engine/worldstore/storage"
	"pkg.world.dev/world-engine/worldstore/types"
)

type entityView struct {
	ID         types.EntityID             `json:"id"`
	Tick       types.Tick                 `json:"tick"`
	Absent     bool                       `json:"absent,omitempty"`
	Components map[string]json.RawMessage `json:"components,omitempty"`
}

type changeView struct {
	Kind       string                     `json:"kind"`
	ID         types.EntityID             `json:"id"`
	Tick       types.Tick                 `json:"tick"`
	Components map[string]json.RawMessage `json:"components,omitempty"`
	Removed    []string                   `json:"removed,omitempty"`
}

type entryView struct {
	ID      string       `json:"id"`
	Prev    string       `json:"prev"`
	Changes []changeView `json:"changes"`
}

func componentValues(e *types.Entity) (map[string]json.RawMessage, error) {
	if e == nil {
		return nil, nil
	}
	out := map[string]json.RawMessage{}
	for _, v := range e.Values() {
		bz, err := types.EncodeComponent(v)
		if err != nil {
			return nil, eris.Wrapf(err, "encode %s of entity %d", v.ComponentID(), e.ID)
		}
		out[v.ComponentID().String()] = bz
	}
	return out, nil
}

func viewEntity(id types.EntityID, tick types.Tick, e *types.Entity) (entityView, error) {
	components, err := componentValues(e)
	return entityView{ID: id, Tick: tick, Absent: e == nil, Components: components}, err
}

func viewChange(c change.Change) (changeView, error) {
	out := changeView{Kind: c.Kind.String(), ID: c.ID, Tick: c.Tick}
	var err error
	switch c.Kind {
	case change.Create:
		out.Components, err = componentValues(c.Entity)
	case change.Update:
		out.Components, err = componentValues(&c.Delta.Values)
		for _, id := range c.Delta.Deleted.IDs() {
			out.Removed = append(out.Removed, id.String())
		}
	}
	return out, err
}

func viewEntry(entry storage.StreamEntry) (entryView, error) {
	out := entryView{ID: entry.ID, Prev: entry.Prev, Changes: make([]changeView, 0, len(entry.Changes))}
	for _, c := range entry.Changes {
		v, err := viewChange(c)
		if err != nil {
			return out, err
		}
		out.Changes = append(out.Changes, v)
	}
	return out, nil
}

func printJSON(w io.Writer, v any) error {
	bz, err := codec.Encode(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(bz))
	return err
}

func parseIDs(args []string) ([]types.EntityID, error) {
	ids := make([]types.EntityID, len(args))
	for i, arg := range args {
		id, err := types.ParseEntityID(arg)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}
