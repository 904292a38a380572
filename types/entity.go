package types

import (
	"slices"

	"pkg.world.dev/world-engine/worldstore/codec"
)

// Entity is an id plus an optional value for every known component. A nil
// field means the component is absent. Component values stored in an Entity
// are treated as immutable; writers replace the pointer instead of mutating
// through it.
type Entity struct {
	ID EntityID

	RemoteConnection *RemoteConnection
	RigidBody        *RigidBody
	Box              *Box
	ShardSeed        *ShardSeed
	Label            *Label
	Inventory        *Inventory
	Emote            *Emote
	Expires          *Expires
	GrabBag          *GrabBag
	Position         *Position
	Orientation      *Orientation
	Iced             *Iced
	PlayerStatus     *PlayerStatus
	NpcMetadata      *NpcMetadata
	NpcState         *NpcState
	Health           *Health
	Size             *Size
}

// NewEntity returns an entity with the given components.
func NewEntity(id EntityID, components ...Component) *Entity {
	e := &Entity{ID: id}
	for _, c := range components {
		e.Set(c)
	}
	return e
}

// Get returns the value of the given component, if present.
func (e *Entity) Get(c ComponentID) (Component, bool) {
	if e == nil {
		return nil, false
	}
	r, ok := registry[c]
	if !ok {
		return nil, false
	}
	return r.get(e)
}

func (e *Entity) Has(c ComponentID) bool {
	_, ok := e.Get(c)
	return ok
}

// Set stores a component value, replacing any previous value of the same kind.
func (e *Entity) Set(v Component) {
	registry[v.ComponentID()].set(e, v)
}

func (e *Entity) Clear(c ComponentID) {
	if r, ok := registry[c]; ok {
		r.clear(e)
	}
}

// Components returns the set of components present on the entity.
func (e *Entity) Components() ComponentSet {
	var s ComponentSet
	if e == nil {
		return s
	}
	for _, c := range componentOrder {
		if _, ok := registry[c].get(e); ok {
			s.Add(c)
		}
	}
	return s
}

// Values returns the present components in ascending id order.
func (e *Entity) Values() []Component {
	if e == nil {
		return nil
	}
	out := make([]Component, 0, len(componentOrder))
	for _, c := range componentOrder {
		if v, ok := registry[c].get(e); ok {
			out = append(out, v)
		}
	}
	return out
}

// Clone returns a deep copy. Cloning nil returns nil.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	out := &Entity{ID: e.ID}
	for _, c := range componentOrder {
		registry[c].copy(out, e)
	}
	return out
}

// CopyComponent copies component c from src into dst, clearing it on dst when
// src does not have it.
func CopyComponent(dst, src *Entity, c ComponentID) {
	if r, ok := registry[c]; ok {
		r.copy(dst, src)
	}
}

// EncodeComponent returns the wire form of a component value.
func EncodeComponent(v Component) ([]byte, error) {
	return codec.Encode(v)
}

// DecodeComponent parses the wire form of component c.
func DecodeComponent(c ComponentID, bz []byte) (Component, error) {
	r, ok := registry[c]
	if !ok {
		return nil, ErrUnknownComponent
	}
	return r.decode(bz)
}

// Accessor is the typed mapping from a component id to its Entity field.
type Accessor[T Component] struct {
	id    ComponentID
	field func(*Entity) **T
}

func (a Accessor[T]) ID() ComponentID {
	return a.id
}

func (a Accessor[T]) Get(e *Entity) (T, bool) {
	var zero T
	if e == nil {
		return zero, false
	}
	p := *a.field(e)
	if p == nil {
		return zero, false
	}
	return *p, true
}

func (a Accessor[T]) Has(e *Entity) bool {
	return e != nil && *a.field(e) != nil
}

func (a Accessor[T]) Set(e *Entity, v T) {
	*a.field(e) = &v
}

func (a Accessor[T]) Clear(e *Entity) {
	*a.field(e) = nil
}

var (
	RemoteConnectionC = Accessor[RemoteConnection]{RemoteConnectionID,
		func(e *Entity) **RemoteConnection { return &e.RemoteConnection }}
	RigidBodyC    = Accessor[RigidBody]{RigidBodyID, func(e *Entity) **RigidBody { return &e.RigidBody }}
	BoxC          = Accessor[Box]{BoxID, func(e *Entity) **Box { return &e.Box }}
	ShardSeedC    = Accessor[ShardSeed]{ShardSeedID, func(e *Entity) **ShardSeed { return &e.ShardSeed }}
	LabelC        = Accessor[Label]{LabelID, func(e *Entity) **Label { return &e.Label }}
	InventoryC    = Accessor[Inventory]{InventoryID, func(e *Entity) **Inventory { return &e.Inventory }}
	EmoteC        = Accessor[Emote]{EmoteID, func(e *Entity) **Emote { return &e.Emote }}
	ExpiresC      = Accessor[Expires]{ExpiresID, func(e *Entity) **Expires { return &e.Expires }}
	GrabBagC      = Accessor[GrabBag]{GrabBagID, func(e *Entity) **GrabBag { return &e.GrabBag }}
	PositionC     = Accessor[Position]{PositionID, func(e *Entity) **Position { return &e.Position }}
	OrientationC  = Accessor[Orientation]{OrientationID, func(e *Entity) **Orientation { return &e.Orientation }}
	IcedC         = Accessor[Iced]{IcedID, func(e *Entity) **Iced { return &e.Iced }}
	PlayerStatusC = Accessor[PlayerStatus]{PlayerStatusID,
		func(e *Entity) **PlayerStatus { return &e.PlayerStatus }}
	NpcMetadataC = Accessor[NpcMetadata]{NpcMetadataID, func(e *Entity) **NpcMetadata { return &e.NpcMetadata }}
	NpcStateC    = Accessor[NpcState]{NpcStateID, func(e *Entity) **NpcState { return &e.NpcState }}
	HealthC      = Accessor[Health]{HealthID, func(e *Entity) **Health { return &e.Health }}
	SizeC        = Accessor[Size]{SizeID, func(e *Entity) **Size { return &e.Size }}
)

type componentOps struct {
	name   string
	get    func(*Entity) (Component, bool)
	set    func(*Entity, Component)
	clear  func(*Entity)
	copy   func(dst, src *Entity)
	decode func([]byte) (Component, error)
}

var (
	registry       = map[ComponentID]componentOps{}
	componentOrder []ComponentID
	allComponents  ComponentSet
	hfcComponents  ComponentSet
)

func register[T Component](name string, acc Accessor[T], hfc bool, cloneFn func(T) T) {
	registry[acc.id] = componentOps{
		name: name,
		get: func(e *Entity) (Component, bool) {
			v, ok := acc.Get(e)
			if !ok {
				return nil, false
			}
			return v, true
		},
		set: func(e *Entity, v Component) {
			acc.Set(e, v.(T))
		},
		clear: acc.Clear,
		copy: func(dst, src *Entity) {
			v, ok := acc.Get(src)
			if !ok {
				acc.Clear(dst)
				return
			}
			if cloneFn != nil {
				v = cloneFn(v)
			}
			acc.Set(dst, v)
		},
		decode: func(bz []byte) (Component, error) {
			v, err := codec.Decode[T](bz)
			if err != nil {
				return nil, err
			}
			return v, nil
		},
	}
	componentOrder = append(componentOrder, acc.id)
	allComponents.Add(acc.id)
	if hfc {
		hfcComponents.Add(acc.id)
	}
}

func init() {
	register("remote_connection", RemoteConnectionC, false, nil)
	register("rigid_body", RigidBodyC, true, nil)
	register("box", BoxC, false, nil)
	register("shard_seed", ShardSeedC, false, func(v ShardSeed) ShardSeed {
		v.Buffer = slices.Clone(v.Buffer)
		return v
	})
	register("label", LabelC, false, nil)
	register("inventory", InventoryC, false, Inventory.clone)
	register("emote", EmoteC, true, nil)
	register("expires", ExpiresC, false, nil)
	register("grab_bag", GrabBagC, false, GrabBag.clone)
	register("position", PositionC, true, nil)
	register("orientation", OrientationC, true, nil)
	register("iced", IcedC, false, nil)
	register("player_status", PlayerStatusC, false, nil)
	register("npc_metadata", NpcMetadataC, false, nil)
	register("npc_state", NpcStateC, true, func(v NpcState) NpcState {
		v.Data = slices.Clone(v.Data)
		return v
	})
	register("health", HealthC, false, nil)
	register("size", SizeC, false, nil)
	slices.Sort(componentOrder)
}
