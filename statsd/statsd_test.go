package statsd_test

import (
	"net"
	"strings"
	"testing"
	"time"

	"pkg.world.dev/world-engine/worldstore/assert"
	"pkg.world.dev/world-engine/worldstore/statsd"
	"pkg.world.dev/world-engine/worldstore/txn"
)

func TestInitRequiresAddress(t *testing.T) {
	assert.ErrorContains(t, statsd.Init("", nil), "address must not be empty")
}

func TestApplyStatsReachTheAgent(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	assert.NilError(t, err)
	defer conn.Close()

	assert.NilError(t, statsd.Init(conn.LocalAddr().String(), []string{"env:test"}))
	statsd.EmitApplyStats(time.Now(), "redis", &txn.ApplyResult{
		Outcomes: []txn.ApplyStatus{txn.Success, txn.Conflict, txn.Conflict},
	})
	assert.NilError(t, statsd.Client().Flush())

	var received strings.Builder
	buf := make([]byte, 65536)
	assert.NilError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for !strings.Contains(received.String(), "status:conflict") {
		n, _, err := conn.ReadFrom(buf)
		assert.NilError(t, err)
		received.Write(buf[:n])
	}
	out := received.String()
	assert.Contains(t, out, "worldstore.apply.outcome:2|c")
	assert.Contains(t, out, "backend:redis")
	assert.Contains(t, out, "env:test")
}
