// Package redisstore is the Redis-backed world store. Every mutating or
// multi-key operation runs as a single Lua script so that a batch of
// transactions is checked and applied atomically with respect to every other
// client of the same namespace.
package redisstore

import (
	"cmp"
	"context"
	_ "embed"
	"errors"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"pkg.world.dev/world-engine/worldstore/change"
	"pkg.world.dev/world-engine/worldstore/codec"
	"pkg.world.dev/world-engine/worldstore/config"
	"pkg.world.dev/world-engine/worldstore/filter"
	"pkg.world.dev/world-engine/worldstore/gamestate"
	"pkg.world.dev/world-engine/worldstore/statsd"
	"pkg.world.dev/world-engine/worldstore/storage"
	"pkg.world.dev/world-engine/worldstore/telemetry"
	"pkg.world.dev/world-engine/worldstore/txn"
	"pkg.world.dev/world-engine/worldstore/types"
)

//go:embed world.lua
var worldScript string

var script = redis.NewScript(worldScript)

var ErrUnexpectedReply = eris.New("unexpected reply from world script")

const (
	opApply     = "apply"
	opGet       = "get"
	opGetSince  = "getSince"
	opBootstrap = "bootstrap"
)

var _ storage.Store = &Store{}

type Options struct {
	Namespace    string
	StreamMaxLen int64
	Logger       *zerolog.Logger
}

type Store struct {
	client    redis.Cmdable
	namespace string
	maxLen    int64
	logger    zerolog.Logger
	tracer    trace.Tracer
}

func New(client redis.Cmdable, opts Options) *Store {
	s := &Store{
		client:    client,
		namespace: opts.Namespace,
		maxLen:    opts.StreamMaxLen,
		tracer:    otel.Tracer("redisstore"),
	}
	if s.namespace == "" {
		s.namespace = "ecs"
	}
	if opts.Logger != nil {
		s.logger = *opts.Logger
	} else {
		s.logger = zlog.Logger
	}
	s.logger = s.logger.With().Str("component", "redis-store").Str("namespace", s.namespace).Logger()
	return s
}

// NewClient opens a client for the configured Redis instance.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddress,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func (s *Store) Namespace() string {
	return s.namespace
}

func (s *Store) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return telemetry.StartSpan(ctx, s.tracer, name) //nolint:spancheck // ended by caller
}

func (s *Store) run(ctx context.Context, op string, req any) (any, error) {
	payload, err := codec.EncodeString(req)
	if err != nil {
		return nil, err
	}
	reply, err := script.Run(ctx, s.client, nil, s.namespace, op, payload, s.maxLen).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "world script %s", op)
	}
	return reply, nil
}

func (s *Store) GetWithVersion(ctx context.Context, ids ...types.EntityID) ([]gamestate.EntityState, error) {
	return s.FilteredGet(ctx, nil, ids...)
}

func (s *Store) FilteredGet(
	ctx context.Context, f *filter.Compiled, ids ...types.EntityID,
) (states []gamestate.EntityState, err error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, span := s.startSpan(ctx, "redisstore.get")
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		}
		span.End()
	}()

	req := getRequest{IDs: make([]string, len(ids)), Filter: f.Wire()}
	for i, id := range ids {
		req.IDs[i] = id.String()
	}
	reply, err := s.run(ctx, opGet, req)
	if err != nil {
		return nil, err
	}
	raw, ok := reply.(string)
	if !ok {
		return nil, eris.Wrapf(ErrUnexpectedReply, "get returned %T", reply)
	}
	var records [][]any
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return nil, eris.Wrap(err, "decode get reply")
	}
	if len(records) != len(ids) {
		return nil, eris.Wrapf(ErrUnexpectedReply, "asked for %d entities, got %d", len(ids), len(records))
	}
	states = make([]gamestate.EntityState, len(records))
	for i, rec := range records {
		state, err := decodeState(rec)
		if err != nil {
			return nil, err
		}
		states[i] = state
	}
	return states, nil
}

// decodeState parses {id, tick, [c, t, ...], present, [c, v, ...]}.
func decodeState(rec []any) (gamestate.EntityState, error) {
	var state gamestate.EntityState
	if len(rec) != 5 {
		return state, eris.Wrapf(ErrUnexpectedReply, "entity record of length %d", len(rec))
	}
	id, err := parseID(rec[0])
	if err != nil {
		return state, err
	}
	state.ID = id
	if state.Version.Tick, err = parseTick(rec[1]); err != nil {
		return state, err
	}
	versions, err := flat(rec[2])
	if err != nil {
		return state, err
	}
	if state.Version.Tick > 0 {
		state.Version.ByComponent = make(map[types.ComponentID]types.Tick, len(versions)/2)
	}
	for i := 0; i+1 < len(versions); i += 2 {
		key, _ := versions[i].(string)
		c, err := types.ParseComponentID(key)
		if err != nil {
			return state, err
		}
		t, err := parseTick(versions[i+1])
		if err != nil {
			return state, err
		}
		state.Version.ByComponent[c] = t
	}
	if present, _ := rec[3].(float64); present == 0 {
		return state, nil
	}
	fields, err := flat(rec[4])
	if err != nil {
		return state, err
	}
	state.Entity = types.NewEntity(id)
	err = eachValue(fields, func(c types.ComponentID, v string) error {
		comp, err := types.DecodeComponent(c, []byte(v))
		if err != nil {
			return err
		}
		state.Entity.Set(comp)
		return nil
	})
	return state, err
}

func (s *Store) FilteredGetSince(
	ctx context.Context, f *filter.Compiled, catchups ...txn.Catchup,
) (changes []change.Change, err error) {
	if len(catchups) == 0 {
		return nil, nil
	}
	ctx, span := s.startSpan(ctx, "redisstore.get-since")
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		}
		span.End()
	}()

	reply, err := s.run(ctx, opGetSince, getSinceRequest{Catchups: encodeCatchups(catchups), Filter: f.Wire()})
	if err != nil {
		return nil, err
	}
	raw, ok := reply.(string)
	if !ok {
		return nil, eris.Wrapf(ErrUnexpectedReply, "getSince returned %T", reply)
	}
	return decodeChanges(raw)
}

func (s *Store) Apply(ctx context.Context, txs ...txn.ChangeToApply) (result *txn.ApplyResult, err error) {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "redisstore.apply")
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		}
		span.End()
		statsd.EmitApplyStats(start, "redis", result)
	}()

	outcomes, valid, errs := txn.Partition(txs)
	for _, err := range errs {
		s.logger.Debug().Err(err).Msg("rejected malformed transaction")
	}
	result = &txn.ApplyResult{Outcomes: outcomes}
	if len(valid) == 0 {
		return result, nil
	}

	wire := make([]wireTx, 0, len(valid))
	for _, i := range valid {
		w, err := encodeTx(txs[i])
		if err != nil {
			return nil, err
		}
		wire = append(wire, w)
	}
	reply, err := s.run(ctx, opApply, wire)
	if err != nil {
		return nil, err
	}

	parts, ok := reply.([]any)
	if !ok || len(parts) != 3 {
		return nil, eris.Wrapf(ErrUnexpectedReply, "apply returned %T", reply)
	}
	statuses, ok := parts[0].([]any)
	if !ok || len(statuses) != len(valid) {
		return nil, eris.Wrapf(ErrUnexpectedReply, "%d statuses for %d transactions", len(statuses), len(valid))
	}
	for j, i := range valid {
		if status, _ := statuses[j].(string); status != "success" {
			result.Outcomes[i] = txn.Conflict
		}
	}
	changesJSON, _ := parts[1].(string)
	if result.Changes, err = decodeChanges(changesJSON); err != nil {
		return nil, err
	}
	catchupsJSON, _ := parts[2].(string)
	if result.Catchups, err = decodeChanges(catchupsJSON); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) Bootstrap(
	ctx context.Context, cursor string, count int64, f *filter.Compiled,
) (page storage.BootstrapPage, err error) {
	ctx, span := s.startSpan(ctx, "redisstore.bootstrap")
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		}
		span.End()
	}()

	if count <= 0 {
		return page, eris.Wrapf(storage.ErrInvalidPageSize, "bootstrap count %d", count)
	}
	if cursor == "" {
		cursor = "0"
	}
	reply, err := s.run(ctx, opBootstrap, bootstrapRequest{Cursor: cursor, Count: count, Filter: f.Wire()})
	if err != nil {
		return page, err
	}
	parts, ok := reply.([]any)
	if !ok || len(parts) != 2 {
		return page, eris.Wrapf(ErrUnexpectedReply, "bootstrap returned %T", reply)
	}
	next, _ := parts[0].(string)
	raw, _ := parts[1].(string)
	if page.Changes, err = decodeChanges(raw); err != nil {
		return page, err
	}
	// SCAN does not order keys; pages are sorted only for stable output.
	slices.SortFunc(page.Changes, func(a, b change.Change) int {
		return cmp.Compare(a.ID, b.ID)
	})
	if next == "0" {
		page.Done = true
	} else {
		page.Cursor = next
	}
	return page, nil
}

// Mark returns the id of the newest stream entry. Reading from it after a
// bootstrap yields every change the bootstrap may have missed.
func (s *Store) Mark(ctx context.Context) (string, error) {
	msgs, err := s.client.XRevRangeN(ctx, s.streamKey(), "+", "-", 1).Result()
	if err != nil {
		return "", eris.Wrap(err, "read stream head")
	}
	if len(msgs) == 0 {
		return storage.InitialStreamID, nil
	}
	return msgs[0].ID, nil
}

// ReadStream returns up to count entries after from. A positive block waits
// that long for the first entry to arrive.
func (s *Store) ReadStream(
	ctx context.Context, from string, count int64, block time.Duration,
) ([]storage.StreamEntry, error) {
	args := &redis.XReadArgs{
		Streams: []string{s.streamKey(), from},
		Count:   count,
		Block:   -1,
	}
	if block > 0 {
		args.Block = block
	}
	streams, err := s.client.XRead(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "read change stream")
	}
	var out []storage.StreamEntry
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			entry, err := decodeEntry(msg)
			if err != nil {
				return nil, err
			}
			out = append(out, entry)
		}
	}
	return out, nil
}

func decodeEntry(msg redis.XMessage) (storage.StreamEntry, error) {
	entry := storage.StreamEntry{ID: msg.ID}
	entry.Prev, _ = msg.Values["p"].(string)
	raw, _ := msg.Values["c"].(string)
	changes, err := decodeChanges(raw)
	if err != nil {
		return entry, eris.Wrapf(err, "stream entry %s", msg.ID)
	}
	entry.Changes = changes
	msPart, _, _ := strings.Cut(msg.ID, "-")
	if ms, err := strconv.ParseInt(msPart, 10, 64); err == nil {
		entry.Time = time.UnixMilli(ms)
	}
	return entry, nil
}

func (s *Store) Tick(ctx context.Context) (types.Tick, error) {
	n, err := s.client.Get(ctx, s.tickKey()).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrap(err, "read tick")
	}
	return types.Tick(n), nil
}

func (s *Store) Leaderboard(ctx context.Context, kind string, limit int64) ([]storage.LeaderboardEntry, error) {
	stop := limit - 1
	if limit <= 0 {
		stop = -1
	}
	zs, err := s.client.ZRevRangeWithScores(ctx, s.leaderboardKey(kind), 0, stop).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "read leaderboard %q", kind)
	}
	out := make([]storage.LeaderboardEntry, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		id, err := types.ParseEntityID(member)
		if err != nil {
			return nil, err
		}
		out = append(out, storage.LeaderboardEntry{ID: id, Value: z.Score})
	}
	return out, nil
}

// Events returns the retained events in publication order.
func (s *Store) Events(ctx context.Context) ([]txn.Event, error) {
	msgs, err := s.client.XRange(ctx, s.eventsKey(), "-", "+").Result()
	if err != nil {
		return nil, eris.Wrap(err, "read events")
	}
	out := make([]txn.Event, 0, len(msgs))
	for _, msg := range msgs {
		raw, _ := msg.Values["e"].(string)
		var ev txn.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, eris.Wrapf(err, "event %s", msg.ID)
		}
		out = append(out, ev)
	}
	return out, nil
}
