package filter_test

import (
	"testing"

	"pkg.world.dev/world-engine/worldstore/assert"
	"pkg.world.dev/world-engine/worldstore/filter"
	"pkg.world.dev/world-engine/worldstore/types"
)

func TestParse(t *testing.T) {
	player := types.NewEntity(1, types.Label{}, types.Position{}, types.RemoteConnection{})
	npc := types.NewEntity(2, types.Position{}, types.NpcMetadata{})
	rock := types.NewEntity(3, types.Position{}, types.Iced{})

	tests := []struct {
		query string
		want  []bool
	}{
		{"ALL()", []bool{true, true, true}},
		{"CONTAINS(position)", []bool{true, true, true}},
		{"CONTAINS(position, label)", []bool{true, false, false}},
		{"ANY(remote_connection, npc_metadata)", []bool{true, true, false}},
		{"CONTAINS(position) & !ANY(iced, label)", []bool{false, true, false}},
		{"!CONTAINS(iced) & ANY(label, npc_metadata) & ANY(position)", []bool{true, true, false}},
	}
	for _, tc := range tests {
		t.Run(tc.query, func(t *testing.T) {
			f, err := filter.Parse(tc.query)
			assert.NilError(t, err)
			c := f.Compile()
			assert.DeepEqual(t, tc.want, []bool{c.Matches(player), c.Matches(npc), c.Matches(rock)})
		})
	}
}

func TestParseRejects(t *testing.T) {
	for _, query := range []string{"", "CONTAINS()", "CONTAINS(position) | ANY(iced)", "!CONTAINS(a, b)", "!ALL()"} {
		_, err := filter.Parse(query)
		assert.ErrorIs(t, err, filter.ErrInvalidQuery)
	}
	_, err := filter.Parse("CONTAINS(mana)")
	assert.ErrorIs(t, err, types.ErrUnknownComponent)
}
