// Package log builds the zerolog loggers used across worldstore and renders
// world values as structured fields.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"pkg.world.dev/world-engine/worldstore/change"
	"pkg.world.dev/world-engine/worldstore/txn"
	"pkg.world.dev/world-engine/worldstore/types"
)

// New returns a logger at the given level writing to w, or to stderr when w is nil.
func New(w io.Writer, level string, pretty bool) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), eris.Wrapf(err, "invalid log level %q", level)
	}
	if w == nil {
		w = os.Stderr
	}
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// CreateComponentLogger creates a sub logger with the entry {"component": name}.
func CreateComponentLogger(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

func componentsArray(set types.ComponentSet) *zerolog.Array {
	arr := zerolog.Arr()
	for _, c := range set.IDs() {
		arr = arr.Dict(zerolog.Dict().Uint32("component_id", uint32(c)).Str("component_name", c.String()))
	}
	return arr
}

func loadEntityIntoEvent(event *zerolog.Event, e *types.Entity) *zerolog.Event {
	return event.
		Uint64("entity_id", uint64(e.ID)).
		Array("components", componentsArray(e.Components()))
}

// Entity logs an entity and the components it carries.
func Entity(logger *zerolog.Logger, level zerolog.Level, e *types.Entity) {
	if e == nil {
		return
	}
	loadEntityIntoEvent(logger.WithLevel(level), e).Send()
}

// ChangeDict renders a change as a zerolog dictionary.
func ChangeDict(c change.Change) *zerolog.Event {
	return zerolog.Dict().
		Str("kind", c.Kind.String()).
		Uint64("entity_id", uint64(c.ID)).
		Uint64("tick", uint64(c.Tick)).
		Array("components", componentsArray(c.Components()))
}

// Changes logs a batch of changes.
func Changes(logger *zerolog.Logger, level zerolog.Level, msg string, changes []change.Change) {
	arr := zerolog.Arr()
	for _, c := range changes {
		arr = arr.Dict(ChangeDict(c))
	}
	logger.WithLevel(level).Int("total_changes", len(changes)).Array("changes", arr).Msg(msg)
}

// ApplyResult logs the outcome counts of an applied batch.
func ApplyResult(logger *zerolog.Logger, level zerolog.Level, result *txn.ApplyResult) {
	logger.WithLevel(level).
		Int("transactions", len(result.Outcomes)).
		Int("succeeded", result.Count(txn.Success)).
		Int("conflicts", result.Count(txn.Conflict)).
		Int("malformed", result.Count(txn.Malformed)).
		Int("changes", len(result.Changes)).
		Int("catchups", len(result.Catchups)).
		Msg("applied batch")
}
