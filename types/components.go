package types

import (
	"maps"
	"math"

	"github.com/rotisserie/eris"
)

type Vec2f [2]float64

type Vec3f [3]float64

type Vec3i [3]int32

// ItemBag maps an item id to a count.
type ItemBag map[string]uint64

var ErrInvalidComponentValue = eris.New("invalid component value")

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

type RemoteConnection struct{}

type RigidBody struct {
	Velocity Vec3f `json:"velocity"`
}

type Box struct {
	V0 Vec3i `json:"v0"`
	V1 Vec3i `json:"v1"`
}

type ShardSeed struct {
	Buffer []byte `json:"buffer"`
}

type Label struct {
	Text string `json:"text"`
}

type Inventory struct {
	Items      ItemBag `json:"items"`
	Currencies ItemBag `json:"currencies"`
	Selected   string  `json:"selected,omitempty"`
}

type Emote struct {
	EmoteType       string  `json:"emote_type,omitempty"`
	EmoteStartTime  float64 `json:"emote_start_time"`
	EmoteExpiryTime float64 `json:"emote_expiry_time"`
}

type Expires struct {
	TriggerAt float64 `json:"trigger_at"`
}

type GrabBag struct {
	Slots ItemBag `json:"slots"`
	Mined bool    `json:"mined"`
}

type Position struct {
	V Vec3f `json:"v"`
}

type Orientation struct {
	V Vec2f `json:"v"`
}

type Iced struct{}

type PlayerStatus struct {
	Init bool `json:"init"`
}

type NpcMetadata struct {
	TypeID           EntityID `json:"type_id"`
	CreatedTime      float64  `json:"created_time"`
	SpawnPosition    Vec3f    `json:"spawn_position"`
	SpawnOrientation Vec2f    `json:"spawn_orientation"`
}

type NpcState struct {
	Data []byte `json:"data"`
}

type Health struct {
	HP    int32 `json:"hp"`
	MaxHP int32 `json:"maxHp"`
}

type Size struct {
	V Vec3f `json:"v"`
}

func (RemoteConnection) ComponentID() ComponentID { return RemoteConnectionID }
func (RigidBody) ComponentID() ComponentID        { return RigidBodyID }
func (Box) ComponentID() ComponentID              { return BoxID }
func (ShardSeed) ComponentID() ComponentID        { return ShardSeedID }
func (Label) ComponentID() ComponentID            { return LabelID }
func (Inventory) ComponentID() ComponentID        { return InventoryID }
func (Emote) ComponentID() ComponentID            { return EmoteID }
func (Expires) ComponentID() ComponentID          { return ExpiresID }
func (GrabBag) ComponentID() ComponentID          { return GrabBagID }
func (Position) ComponentID() ComponentID         { return PositionID }
func (Orientation) ComponentID() ComponentID      { return OrientationID }
func (Iced) ComponentID() ComponentID             { return IcedID }
func (PlayerStatus) ComponentID() ComponentID     { return PlayerStatusID }
func (NpcMetadata) ComponentID() ComponentID      { return NpcMetadataID }
func (NpcState) ComponentID() ComponentID         { return NpcStateID }
func (Health) ComponentID() ComponentID           { return HealthID }
func (Size) ComponentID() ComponentID             { return SizeID }

func (p Position) Validate() error {
	if !finite(p.V[0], p.V[1], p.V[2]) {
		return eris.Wrap(ErrInvalidComponentValue, "position must be finite")
	}
	return nil
}

func (o Orientation) Validate() error {
	if !finite(o.V[0], o.V[1]) {
		return eris.Wrap(ErrInvalidComponentValue, "orientation must be finite")
	}
	return nil
}

func (r RigidBody) Validate() error {
	if !finite(r.Velocity[0], r.Velocity[1], r.Velocity[2]) {
		return eris.Wrap(ErrInvalidComponentValue, "velocity must be finite")
	}
	return nil
}

func (s Size) Validate() error {
	if !finite(s.V[0], s.V[1], s.V[2]) || s.V[0] < 0 || s.V[1] < 0 || s.V[2] < 0 {
		return eris.Wrap(ErrInvalidComponentValue, "size must be finite and non-negative")
	}
	return nil
}

func (h Health) Validate() error {
	if h.MaxHP < 0 || h.HP > h.MaxHP {
		return eris.Wrapf(ErrInvalidComponentValue, "health %d/%d", h.HP, h.MaxHP)
	}
	return nil
}

func (i Inventory) clone() Inventory {
	i.Items = maps.Clone(i.Items)
	i.Currencies = maps.Clone(i.Currencies)
	return i
}

func (g GrabBag) clone() GrabBag {
	g.Slots = maps.Clone(g.Slots)
	return g
}
