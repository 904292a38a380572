package telemetry

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/trace/noop"

	"pkg.world.dev/world-engine/worldstore/assert"
	"pkg.world.dev/world-engine/worldstore/config"
)

func TestShutdownWithoutTracerOrProfiler(t *testing.T) {
	tm, err := FromConfig("worldstore-test", config.Default())
	assert.NilError(t, err)
	assert.False(t, tm.Tracing())
	assert.NilError(t, tm.Shutdown())
	// a second shutdown is a no-op
	assert.NilError(t, tm.Shutdown())
}

func TestSpansWithoutProvider(t *testing.T) {
	ctx, span := StartSpan(context.Background(), noop.NewTracerProvider().Tracer("test"), "op")
	assert.NotNil(t, ctx)
	RecordError(span, eris.New("boom"))
	span.End()
	assert.False(t, span.IsRecording())
}
