package redisstore

import (
	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/worldstore/change"
	"pkg.world.dev/world-engine/worldstore/filter"
	"pkg.world.dev/world-engine/worldstore/txn"
	"pkg.world.dev/world-engine/worldstore/types"
)

// Requests are encoded with short keys to keep script payloads small. Entity
// ids travel as strings because Lua numbers are doubles.

type wireTx struct {
	Iffs     [][]any      `json:"i,omitempty"`
	Changes  []wireChange `json:"c,omitempty"`
	Events   []wireEvent  `json:"e,omitempty"`
	Catchups [][]any      `json:"u,omitempty"`
}

type wireChange struct {
	Kind    string              `json:"k"`
	ID      string              `json:"id"`
	Set     map[string]string   `json:"s,omitempty"`
	Removed []types.ComponentID `json:"r,omitempty"`
}

type wireEvent struct {
	Kind string `json:"k"`
	ID   string `json:"id,omitempty"`
	JSON string `json:"j"`
}

type getRequest struct {
	IDs    []string     `json:"ids"`
	Filter *filter.Wire `json:"f,omitempty"`
}

type getSinceRequest struct {
	Catchups [][]any      `json:"u"`
	Filter   *filter.Wire `json:"f,omitempty"`
}

type bootstrapRequest struct {
	Cursor string       `json:"cur"`
	Count  int64        `json:"n"`
	Filter *filter.Wire `json:"f,omitempty"`
}

func encodeTx(tx txn.ChangeToApply) (wireTx, error) {
	var w wireTx
	for _, iff := range tx.Iffs {
		w.Iffs = append(w.Iffs, encodeIff(iff))
	}
	for _, p := range change.Fold(tx.Changes) {
		c, err := encodeChange(p)
		if err != nil {
			return w, err
		}
		w.Changes = append(w.Changes, c)
	}
	for _, e := range tx.Events {
		bz, err := json.Marshal(e)
		if err != nil {
			return w, eris.Wrap(err, "encode event")
		}
		ev := wireEvent{Kind: e.Kind, JSON: string(bz)}
		if e.EntityID != 0 {
			ev.ID = e.EntityID.String()
		}
		w.Events = append(w.Events, ev)
	}
	w.Catchups = encodeCatchups(tx.Catchups)
	return w, nil
}

func encodeIff(iff txn.Iff) []any {
	out := []any{iff.ID.String()}
	if iff.Expected == nil {
		return out
	}
	out = append(out, uint64(*iff.Expected))
	for _, c := range iff.Components {
		out = append(out, uint32(c))
	}
	return out
}

func encodeCatchups(catchups []txn.Catchup) [][]any {
	out := make([][]any, 0, len(catchups))
	for _, c := range catchups {
		out = append(out, []any{c.ID.String(), uint64(c.From)})
	}
	return out
}

func encodeChange(p change.ProposedChange) (wireChange, error) {
	w := wireChange{ID: p.ID.String()}
	var values []types.Component
	switch p.Kind {
	case change.Create:
		w.Kind = "c"
		values = p.Entity.Values()
	case change.Update:
		w.Kind = "u"
		values = p.Delta.Values.Values()
		w.Removed = p.Delta.Deleted.IDs()
	case change.Delete:
		w.Kind = "d"
		return w, nil
	default:
		return w, eris.Wrapf(change.ErrMalformedChange, "kind %d", p.Kind)
	}
	if len(values) > 0 {
		w.Set = make(map[string]string, len(values))
	}
	for _, v := range values {
		bz, err := types.EncodeComponent(v)
		if err != nil {
			return w, eris.Wrapf(err, "encode %s of entity %d", v.ComponentID(), p.ID)
		}
		w.Set[v.ComponentID().Key()] = string(bz)
	}
	return w, nil
}

// decodeChanges parses a JSON list of flat change records.
func decodeChanges(raw string) ([]change.Change, error) {
	var records [][]any
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return nil, eris.Wrap(err, "decode change records")
	}
	out := make([]change.Change, 0, len(records))
	for _, rec := range records {
		c, err := decodeChange(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func decodeChange(rec []any) (change.Change, error) {
	if len(rec) < 3 || len(rec)%2 == 0 {
		return change.Change{}, eris.Wrapf(ErrUnexpectedReply, "change record of length %d", len(rec))
	}
	kind, _ := rec[0].(string)
	id, err := parseID(rec[1])
	if err != nil {
		return change.Change{}, err
	}
	tick, err := parseTick(rec[2])
	if err != nil {
		return change.Change{}, err
	}
	switch kind {
	case "d":
		return change.NewDelete(id).At(tick), nil
	case "c":
		e := types.NewEntity(id)
		err := eachValue(rec[3:], func(c types.ComponentID, v string) error {
			if v == "" {
				return nil
			}
			comp, err := types.DecodeComponent(c, []byte(v))
			if err != nil {
				return err
			}
			e.Set(comp)
			return nil
		})
		if err != nil {
			return change.Change{}, err
		}
		return change.NewCreate(e).At(tick), nil
	case "u":
		d := types.NewDelta(id)
		err := eachValue(rec[3:], func(c types.ComponentID, v string) error {
			if v == "" {
				d.Delete(c)
				return nil
			}
			comp, err := types.DecodeComponent(c, []byte(v))
			if err != nil {
				return err
			}
			d.Set(comp)
			return nil
		})
		if err != nil {
			return change.Change{}, err
		}
		return change.NewUpdate(d).At(tick), nil
	}
	return change.Change{}, eris.Wrapf(ErrUnexpectedReply, "change kind %q", kind)
}

// eachValue walks flat component/value pairs.
func eachValue(pairs []any, fn func(types.ComponentID, string) error) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		key, _ := pairs[i].(string)
		c, err := types.ParseComponentID(key)
		if err != nil {
			return err
		}
		v, ok := pairs[i+1].(string)
		if !ok {
			return eris.Wrapf(ErrUnexpectedReply, "value of component %s", c)
		}
		if err := fn(c, v); err != nil {
			return eris.Wrapf(err, "component %s", c)
		}
	}
	return nil
}

// flat accepts a JSON list, or the empty object the script's encoder
// produces for an empty table.
func flat(v any) ([]any, error) {
	switch t := v.(type) {
	case []any:
		return t, nil
	case map[string]any:
		if len(t) == 0 {
			return nil, nil
		}
	case nil:
		return nil, nil
	}
	return nil, eris.Wrapf(ErrUnexpectedReply, "expected a list, got %T", v)
}

func parseID(v any) (types.EntityID, error) {
	s, ok := v.(string)
	if !ok {
		return 0, eris.Wrapf(ErrUnexpectedReply, "entity id of type %T", v)
	}
	return types.ParseEntityID(s)
}

func parseTick(v any) (types.Tick, error) {
	switch t := v.(type) {
	case float64:
		if t < 0 {
			break
		}
		return types.Tick(t), nil
	case json.Number:
		n, err := t.Int64()
		if err != nil || n < 0 {
			break
		}
		return types.Tick(n), nil
	}
	return 0, eris.Wrapf(ErrUnexpectedReply, "tick %v", v)
}
