package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"pkg.world.dev/world-engine/worldstore/assert"
	"pkg.world.dev/world-engine/worldstore/change"
	"pkg.world.dev/world-engine/worldstore/config"
	"pkg.world.dev/world-engine/worldstore/storage/redisstore"
	"pkg.world.dev/world-engine/worldstore/txn"
	"pkg.world.dev/world-engine/worldstore/types"
)

func newTestApp(t *testing.T) *app {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	cfg := config.Default()
	cfg.StreamBlockMs = 10
	cfg.RetryBackoffMs = 1
	cfg.MaxRetryBackoffMs = 10
	return &app{
		cfg:   cfg,
		store: redisstore.New(client, redisstore.Options{Namespace: "cli"}),
	}
}

func run(t *testing.T, a *app, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(a)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	assert.NilError(t, cmd.ExecuteContext(context.Background()))
	return out.String()
}

func seed(t *testing.T, a *app, txs ...txn.ChangeToApply) {
	t.Helper()
	result, err := a.store.Apply(context.Background(), txs...)
	assert.NilError(t, err)
	assert.True(t, result.Succeeded())
}

func creates(entities ...*types.Entity) txn.ChangeToApply {
	cta := txn.ChangeToApply{}
	for _, e := range entities {
		cta.Changes = append(cta.Changes, change.NewCreate(e))
	}
	return cta
}

func lines(s string) []string {
	return strings.Split(strings.TrimSpace(s), "\n")
}

func TestGet(t *testing.T) {
	a := newTestApp(t)
	seed(t, a, creates(types.NewEntity(1, types.Label{Text: "guard"}, types.Health{HP: 3, MaxHP: 5})))

	out := lines(run(t, a, "get", "1", "2"))
	assert.Len(t, out, 2)
	assert.Contains(t, out[0], `"id":1`)
	assert.Contains(t, out[0], `"tick":1`)
	assert.Contains(t, out[0], `"label":{"text":"guard"}`)
	assert.Contains(t, out[0], `"health"`)
	assert.Contains(t, out[1], `"absent":true`)
}

func TestGetRejectsBadIDs(t *testing.T) {
	cmd := newRootCmd(newTestApp(t))
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"get", "0"})
	assert.ErrorIs(t, cmd.Execute(), types.ErrInvalidEntityID)
}

func TestDelete(t *testing.T) {
	a := newTestApp(t)
	seed(t, a, creates(types.NewEntity(1, types.Iced{})))

	out := lines(run(t, a, "delete", "1", "2"))
	assert.DeepEqual(t, []string{"1 success", "2 absent"}, out)

	states, err := a.store.GetWithVersion(context.Background(), 1)
	assert.NilError(t, err)
	assert.Nil(t, states[0].Entity)
}

func TestTick(t *testing.T) {
	a := newTestApp(t)
	seed(t, a, creates(types.NewEntity(1, types.Iced{})))
	seed(t, a, creates(types.NewEntity(2, types.Iced{})))
	assert.Equal(t, "2\n", run(t, a, "tick"))
}

func TestBootstrap(t *testing.T) {
	a := newTestApp(t)
	seed(t, a, creates(
		types.NewEntity(1, types.Label{Text: "a"}, types.Health{HP: 1, MaxHP: 1}),
		types.NewEntity(2, types.Label{Text: "b"}),
		types.NewEntity(3, types.Label{Text: "c"}),
	))
	seed(t, a, txn.ChangeToApply{Changes: []change.ProposedChange{change.NewDelete(3)}})

	assert.Equal(t, "entities: 2 deleted: 1\n", run(t, a, "bootstrap", "--batch", "1"))

	out := lines(run(t, a, "bootstrap", "--where", "CONTAINS(health)", "--dump"))
	assert.Len(t, out, 2)
	assert.Contains(t, out[0], `"id":1`)
	assert.True(t, strings.HasPrefix(out[1], "entities: 1 "))
}

func TestBootstrapUnknownComponent(t *testing.T) {
	cmd := newRootCmd(newTestApp(t))
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"bootstrap", "--where", "CONTAINS(mana)"})
	assert.ErrorIs(t, cmd.Execute(), types.ErrUnknownComponent)
}

func TestWatch(t *testing.T) {
	a := newTestApp(t)
	seed(t, a, creates(types.NewEntity(1, types.Label{Text: "a"}, types.Health{HP: 1, MaxHP: 1})))
	d := types.NewDelta(1)
	d.Set(types.Label{Text: "b"})
	d.Delete(types.HealthID)
	seed(t, a, txn.ChangeToApply{Changes: []change.ProposedChange{change.NewUpdate(d)}})

	out := lines(run(t, a, "watch", "--from", "0-0", "--limit", "2"))
	assert.Len(t, out, 2)
	assert.Contains(t, out[0], `"prev":"0-0"`)
	assert.Contains(t, out[0], `"kind":"create"`)
	assert.Contains(t, out[1], `"kind":"update"`)
	assert.Contains(t, out[1], `"label":{"text":"b"}`)
	assert.Contains(t, out[1], `"removed":["health"]`)
}

func TestFollowUntilBootstrapped(t *testing.T) {
	a := newTestApp(t)
	seed(t, a, creates(
		types.NewEntity(1, types.Label{Text: "a"}),
		types.NewEntity(2, types.Label{Text: "b"}, types.Iced{}),
	))

	out := run(t, a, "follow", "--until-bootstrapped")
	assert.Contains(t, out, "bootstrapped with 2 entities")

	out = run(t, a, "follow", "--until-bootstrapped", "--where", "CONTAINS(iced)")
	assert.Contains(t, out, "bootstrapped with 1 entities")
}

func TestEventsAndLeaderboard(t *testing.T) {
	a := newTestApp(t)
	kill := func(id types.EntityID) txn.Event { return txn.Event{Kind: "kill", EntityID: id} }
	seed(t, a, txn.ChangeToApply{
		Changes: []change.ProposedChange{change.NewCreate(types.NewEntity(1, types.Iced{}))},
		Events:  []txn.Event{kill(1), kill(2), kill(1)},
	})

	assert.DeepEqual(t, []string{"1. 1 2", "2. 2 1"}, lines(run(t, a, "leaderboard", "kill")))
	assert.DeepEqual(t, []string{"1. 1 2"}, lines(run(t, a, "leaderboard", "kill", "--limit", "1")))

	events := lines(run(t, a, "events"))
	assert.Len(t, events, 3)
	assert.Contains(t, events[1], `"kind":"kill"`)
	assert.Contains(t, events[1], `"entityId":"2"`)
}
