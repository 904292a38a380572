package world

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/rotisserie/eris"
	zlog "github.com/rs/zerolog/log"

	"pkg.world.dev/world-engine/worldstore/txn"
)

const (
	retryDelay     = time.Millisecond
	retryMaxJitter = 5 * time.Millisecond
)

// Transact runs fn against a fresh Editor and commits it, re-running the whole
// body when the commit conflicts. Attempts are spaced by a short jittered
// delay so that writers racing on one entity drift apart. fn must not keep
// state across attempts that was derived from an earlier attempt's reads.
func Transact(
	ctx context.Context, w World, attempts int, fn func(context.Context, *Editor) error, opts ...Option,
) (*txn.ApplyResult, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var result *txn.ApplyResult
	err := retry.Do(
		func() error {
			result = nil
			if err := ctx.Err(); err != nil {
				return eris.Wrap(err, "transact")
			}
			ed := NewEditor(w, opts...)
			if err := fn(ctx, ed); err != nil {
				return err
			}
			var err error
			result, err = ed.Commit(ctx)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.Delay(retryDelay),
		retry.MaxJitter(retryMaxJitter),
		retry.DelayType(retry.CombineDelay(retry.FixedDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return eris.Is(err, ErrConflict)
		}),
		retry.OnRetry(func(n uint, err error) {
			zlog.Debug().Uint("attempt", n+1).Err(err).Msg("transaction conflicted, retrying")
		}),
	)
	switch {
	case err == nil:
		return result, nil
	case eris.Is(err, ErrConflict):
		return nil, eris.Wrapf(err, "gave up after %d attempts", attempts)
	default:
		return result, err
	}
}
