package main

import (
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"pkg.world.dev/world-engine/worldstore/config"
	"pkg.world.dev/world-engine/worldstore/log"
	"pkg.world.dev/world-engine/worldstore/statsd"
	"pkg.world.dev/world-engine/worldstore/storage"
	"pkg.world.dev/world-engine/worldstore/storage/redisstore"
	"pkg.world.dev/world-engine/worldstore/telemetry"
)

// app holds what the commands share. Tests set store before executing.
type app struct {
	cfg       config.Config
	logger    zerolog.Logger
	store     storage.Store
	client    *redis.Client
	telemetry *telemetry.Manager
}

func (a *app) setup(cmd *cobra.Command) error {
	if a.store != nil {
		if a.cfg.Namespace == "" {
			a.cfg = config.Default()
		}
		return nil
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if ns, _ := cmd.Flags().GetString("namespace"); ns != "" {
		cfg.Namespace = ns
	}
	a.cfg = cfg

	a.logger, err = log.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogPretty)
	if err != nil {
		return err
	}
	zlog.Logger = a.logger

	if cfg.StatsdAddress != "" {
		if err := statsd.Init(cfg.StatsdAddress, []string{"service:worldctl", "namespace:" + cfg.Namespace}); err != nil {
			return err
		}
	}
	a.telemetry, err = telemetry.FromConfig("worldctl", cfg)
	if err != nil {
		return eris.Wrap(err, "failed to start telemetry")
	}

	a.client = redisstore.NewClient(cfg)
	if err := a.client.Ping(cmd.Context()).Err(); err != nil {
		return eris.Wrapf(err, "redis at %s is unreachable", cfg.RedisAddress)
	}
	a.store = redisstore.New(a.client, redisstore.Options{
		Namespace:    cfg.Namespace,
		StreamMaxLen: cfg.StreamMaxLen,
		Logger:       &a.logger,
	})
	a.logger.Debug().Str("redis", cfg.RedisAddress).Str("namespace", cfg.Namespace).Msg("connected")
	return nil
}

func (a *app) close() error {
	var errs []error
	if a.client != nil {
		errs = append(errs, a.client.Close())
		a.client = nil
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown())
		a.telemetry = nil
	}
	return errors.Join(errs...)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:          "worldctl",
		Short:        "Inspect and operate a world store",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.PersistentFlags().String("namespace", "", "world namespace, overrides WORLD_NAMESPACE")

	root.AddCommand(
		newGetCmd(a),
		newDeleteCmd(a),
		newBootstrapCmd(a),
		newWatchCmd(a),
		newFollowCmd(a),
		newTickCmd(a),
		newLeaderboardCmd(a),
		newEventsCmd(a),
	)
	return root
}
