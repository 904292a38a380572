// Package statsd is a helper package that wraps the statsd metrics emitted by
// the store, the editor and replicas. It hides the datadog dependency so a
// different backend only needs changes here.
package statsd

import (
	"time"

	ddstatsd "github.com/DataDog/datadog-go/v5/statsd"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"

	"pkg.world.dev/world-engine/worldstore/txn"
)

var client ddstatsd.ClientInterface = &ddstatsd.NoOpClient{}

func Client() ddstatsd.ClientInterface {
	return client
}

func Init(address string, tags []string) error {
	if address == "" {
		return eris.New("address must not be empty")
	}
	opts := []ddstatsd.Option{
		// The statsd namespace is the prefix of all metrics
		ddstatsd.WithNamespace("worldstore."),
	}
	if len(tags) > 0 {
		opts = append(opts, ddstatsd.WithTags(tags))
	}

	newClient, err := ddstatsd.New(address, opts...)
	if err != nil {
		return eris.Wrap(err, "failed to create statsd client")
	}
	client = newClient
	return nil
}

func warn(err error, metric string) {
	if err != nil {
		log.Logger.Warn().Err(err).Msgf("failed to emit %s stat", metric)
	}
}

// EmitApplyStats records the latency of one batch and the outcome of each of
// its transactions.
func EmitApplyStats(start time.Time, backend string, result *txn.ApplyResult) {
	tags := []string{"backend:" + backend}
	warn(Client().Timing("apply", time.Since(start), tags, 1), "apply")
	if result == nil {
		warn(Client().Incr("apply.error", tags, 1), "apply.error")
		return
	}
	for _, status := range []txn.ApplyStatus{txn.Success, txn.Conflict, txn.Malformed} {
		if n := result.Count(status); n > 0 {
			warn(Client().Count("apply.outcome", int64(n), append(tags, "status:"+status.String()), 1), "apply.outcome")
		}
	}
	warn(Client().Count("apply.changes", int64(len(result.Changes)), tags, 1), "apply.changes")
}

// EmitReplicaFlush records a batch of stream changes applied by a replica and
// how far behind the newest of them the replica was.
func EmitReplicaFlush(size int, lag time.Duration) {
	warn(Client().Histogram("replica.flush.size", float64(size), nil, 1), "replica.flush.size")
	warn(Client().Timing("replica.lag", lag, nil, 1), "replica.lag")
}

// EmitBootstrap records a completed bootstrap.
func EmitBootstrap(start time.Time, entities int) {
	warn(Client().Timing("replica.bootstrap", time.Since(start), nil, 1), "replica.bootstrap")
	warn(Client().Gauge("replica.entities", float64(entities), nil, 1), "replica.entities")
}

// EmitResync counts a replica that lost its place in the change stream.
func EmitResync(reason string) {
	warn(Client().Incr("replica.resync", []string{"reason:" + reason}, 1), "replica.resync")
}
