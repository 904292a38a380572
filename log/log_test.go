package log_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"pkg.world.dev/world-engine/worldstore/assert"
	"pkg.world.dev/world-engine/worldstore/change"
	"pkg.world.dev/world-engine/worldstore/log"
	"pkg.world.dev/world-engine/worldstore/txn"
	"pkg.world.dev/world-engine/worldstore/types"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := log.New(nil, "loud", false)
	assert.ErrorContains(t, err, "loud")
}

func TestEntityLogging(t *testing.T) {
	var buf bytes.Buffer
	logger, err := log.New(&buf, "debug", false)
	assert.NilError(t, err)

	log.Entity(&logger, zerolog.InfoLevel, types.NewEntity(42, types.Label{Text: "x"}, types.Size{}))
	out := buf.String()
	assert.Contains(t, out, `"entity_id":42`)
	assert.Contains(t, out, `"component_name":"label"`)
	assert.Contains(t, out, `"component_id":110`)
}

func TestChangesAndResultLogging(t *testing.T) {
	var buf bytes.Buffer
	logger, err := log.New(&buf, "debug", false)
	assert.NilError(t, err)
	logger = log.CreateComponentLogger(logger, "test")

	log.Changes(&logger, zerolog.DebugLevel, "changes", []change.Change{
		change.NewDelete(3).At(9),
	})
	log.ApplyResult(&logger, zerolog.InfoLevel, &txn.ApplyResult{
		Outcomes: []txn.ApplyStatus{txn.Success, txn.Conflict},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"kind":"delete"`)
	assert.Contains(t, lines[0], `"component":"test"`)
	assert.Contains(t, lines[1], `"conflicts":1`)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := log.New(&buf, "warn", false)
	assert.NilError(t, err)
	log.Entity(&logger, zerolog.InfoLevel, types.NewEntity(1))
	assert.Equal(t, buf.Len(), 0)
}
