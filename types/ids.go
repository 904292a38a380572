package types

import (
	"math"
	"strconv"

	"github.com/rotisserie/eris"
)

// EntityID is a 63-bit positive integer. Zero is never a valid id.
type EntityID uint64

// MaxEntityID is the largest id that survives a round trip through a signed 64-bit integer.
const MaxEntityID EntityID = math.MaxInt64

var ErrInvalidEntityID = eris.New("entity id must be in (0, 2^63)")

func (id EntityID) Valid() bool {
	return id > 0 && id <= MaxEntityID
}

func (id EntityID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

func ParseEntityID(s string) (EntityID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "parse entity id %q", s)
	}
	id := EntityID(n)
	if !id.Valid() {
		return 0, eris.Wrapf(ErrInvalidEntityID, "got %d", n)
	}
	return id, nil
}

// Tick is the logical clock of the authoritative store. Each successful
// transaction receives the next tick; zero means "never seen".
type Tick uint64
