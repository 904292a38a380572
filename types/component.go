package types

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// ComponentID identifies a component kind. The set of kinds is closed and the
// numeric values are part of the storage format.
type ComponentID uint32

const (
	RemoteConnectionID ComponentID = 31
	RigidBodyID        ComponentID = 32
	BoxID              ComponentID = 33
	ShardSeedID        ComponentID = 34
	LabelID            ComponentID = 37
	InventoryID        ComponentID = 41
	EmoteID            ComponentID = 43
	ExpiresID          ComponentID = 50
	GrabBagID          ComponentID = 51
	PositionID         ComponentID = 54
	OrientationID      ComponentID = 55
	IcedID             ComponentID = 57
	PlayerStatusID     ComponentID = 63
	NpcMetadataID      ComponentID = 66
	NpcStateID         ComponentID = 67
	HealthID           ComponentID = 75
	SizeID             ComponentID = 110
)

var ErrUnknownComponent = eris.New("unknown component id")

// Component is implemented by every component value type.
type Component interface {
	ComponentID() ComponentID
}

// Validator is implemented by components with value constraints beyond their Go type.
type Validator interface {
	Validate() error
}

func (c ComponentID) Valid() bool {
	_, ok := registry[c]
	return ok
}

func (c ComponentID) String() string {
	if r, ok := registry[c]; ok {
		return r.name
	}
	return "component(" + strconv.FormatUint(uint64(c), 10) + ")"
}

// IsHFC reports whether the component is a high-frequency component. HFC
// components are written blindly at high rates and live in their own
// partition.
func (c ComponentID) IsHFC() bool {
	return hfcComponents.Contains(c)
}

// Key is the wire form of the id, used as a hash field name.
func (c ComponentID) Key() string {
	return strconv.FormatUint(uint64(c), 10)
}

func ParseComponentID(s string) (ComponentID, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, eris.Wrapf(err, "parse component id %q", s)
	}
	c := ComponentID(n)
	if !c.Valid() {
		return 0, eris.Wrapf(ErrUnknownComponent, "id %d", n)
	}
	return c, nil
}

// ComponentByName resolves a component by the name it prints as, ignoring case.
func ComponentByName(name string) (ComponentID, error) {
	for id, ops := range registry {
		if strings.EqualFold(ops.name, name) {
			return id, nil
		}
	}
	return 0, eris.Wrapf(ErrUnknownComponent, "name %q", name)
}

// AllComponents returns every known component id in ascending order.
func AllComponents() []ComponentID {
	return allComponents.IDs()
}

// HFCComponents is the set of high-frequency components.
func HFCComponents() ComponentSet {
	return hfcComponents.Clone()
}
