package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/realia/pkg/adapter"
	"github.com/m-mizutani/realia/pkg/usecase/assetsync"
	"github.com/m-mizutani/realia/pkg/usecase/bootstrap"
	"github.com/m-mizutani/realia/pkg/usecase/verification"
	"github.com/m-mizutani/realia/pkg/utils/logging"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

const (
	discoveryBatch = "batch"
	discoveryEvent = "event"
)

func serveCommand() *cli.Command {
	var (
		cfg               config
		discovery         string
		verifyInterval    time.Duration
		syncInterval      time.Duration
		mintInterval      time.Duration
		verifyConcurrency int64
		syncConcurrency   int64
		mintEvents        bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "discovery",
			Usage:       "How pending requests are discovered (batch, event)",
			Value:       discoveryBatch,
			Sources:     cli.EnvVars("REALIA_DISCOVERY"),
			Destination: &discovery,
		},
		&cli.DurationFlag{
			Name:        "verify-interval",
			Usage:       "Interval between verification ticks",
			Value:       verification.DefaultInterval,
			Sources:     cli.EnvVars("REALIA_VERIFY_INTERVAL"),
			Destination: &verifyInterval,
		},
		&cli.DurationFlag{
			Name:        "sync-interval",
			Usage:       "Interval between asset sync passes",
			Value:       assetsync.DefaultInterval,
			Sources:     cli.EnvVars("REALIA_SYNC_INTERVAL"),
			Destination: &syncInterval,
		},
		&cli.DurationFlag{
			Name:        "mint-interval",
			Usage:       "Interval between mint event drains",
			Value:       assetsync.DefaultMintInterval,
			Sources:     cli.EnvVars("REALIA_MINT_INTERVAL"),
			Destination: &mintInterval,
		},
		&cli.IntFlag{
			Name:        "verify-concurrency",
			Usage:       "Requests processed at once within a tick (1 keeps discovery order)",
			Value:       verification.DefaultConcurrency,
			Sources:     cli.EnvVars("REALIA_VERIFY_CONCURRENCY"),
			Destination: &verifyConcurrency,
		},
		&cli.IntFlag{
			Name:        "sync-concurrency",
			Usage:       "Assets embedded at once within a sync pass",
			Value:       assetsync.DefaultConcurrency,
			Sources:     cli.EnvVars("REALIA_SYNC_CONCURRENCY"),
			Destination: &syncConcurrency,
		},
		&cli.BoolFlag{
			Name:        "mint-events",
			Usage:       "Embed minted assets as soon as their Minted event is seen",
			Sources:     cli.EnvVars("REALIA_MINT_EVENTS"),
			Destination: &mintEvents,
		},
	}
	flags = append(flags, loggingFlags(&cfg)...)
	flags = append(flags, chainFlags(&cfg)...)
	flags = append(flags, identityFlags(&cfg)...)
	flags = append(flags, indexFlags(&cfg)...)
	flags = append(flags, policyFlags(&cfg)...)
	flags = append(flags, stateFlags(&cfg)...)

	return &cli.Command{
		Name:  "serve",
		Usage: "Register the agent and run the verification and asset sync loops",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, err := cfg.setupLogger(ctx)
			if err != nil {
				return err
			}
			defer cfg.close(ctx)

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger := logging.From(ctx)

			identity, err := cfg.resolveIdentity()
			if err != nil {
				return err
			}

			chain, err := cfg.newChain(ctx)
			if err != nil {
				return err
			}
			logger.Info("agent starting", "address", chain.Address().Hex(), "identity", identity)

			reg, err := bootstrap.New(chain, identity).Run(ctx)
			if err != nil {
				return goerr.Wrap(err, "failed to bootstrap agent registration")
			}
			logger.Info("agent registered",
				"identity", reg.RegistryKey,
				"staked", reg.IsStaked,
				"verified_count", reg.VerifiedCount)

			index, err := cfg.newIndex(ctx)
			if err != nil {
				return err
			}
			created, err := index.EnsureCollection(ctx)
			if err != nil {
				return goerr.Wrap(err, "failed to ensure vector collection")
			}
			if created {
				logger.Info("vector collection created", "backend", cfg.indexBackend)
			} else {
				logger.Info("vector collection already exists", "backend", cfg.indexBackend)
			}

			resolver, err := cfg.newResolver(ctx)
			if err != nil {
				return err
			}
			classifier, topK, err := cfg.newClassifier(ctx)
			if err != nil {
				return err
			}
			processed, err := cfg.newProcessed(ctx, chain.Address())
			if err != nil {
				return err
			}
			recorder, err := cfg.newRecorder(ctx)
			if err != nil {
				return err
			}

			disc, err := newDiscovery(ctx, discovery, chain)
			if err != nil {
				return err
			}

			verifyOpts := []verification.Option{
				verification.WithInterval(verifyInterval),
				verification.WithConcurrency(int(verifyConcurrency)),
				verification.WithTopK(topK),
			}
			if recorder != nil {
				verifyOpts = append(verifyOpts, verification.WithRecorder(recorder))
			}
			verifier := verification.New(disc, chain, resolver, index, classifier, processed, verifyOpts...)

			syncer := assetsync.New(chain, index, resolver,
				assetsync.WithInterval(syncInterval),
				assetsync.WithConcurrency(int(syncConcurrency)))

			var watcher *assetsync.MintWatcher
			if mintEvents {
				watcher, err = syncer.NewMintWatcher(ctx, chain, assetsync.WithMintInterval(mintInterval))
				if err != nil {
					return goerr.Wrap(err, "failed to start mint watcher")
				}
			}

			var eg errgroup.Group
			eg.Go(func() error {
				verifier.Run(ctx)
				return nil
			})
			eg.Go(func() error {
				syncer.Run(ctx)
				return nil
			})
			if watcher != nil {
				eg.Go(func() error {
					watcher.Run(ctx)
					return nil
				})
			}
			_ = eg.Wait()

			logger.Info("agent stopped")
			return nil
		},
	}
}

func newDiscovery(ctx context.Context, kind string, chain *adapter.Chain) (verification.Discovery, error) {
	switch kind {
	case discoveryBatch:
		return verification.NewBatchDiscovery(chain), nil
	case discoveryEvent:
		d, err := verification.NewEventDiscovery(ctx, chain)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to start event discovery")
		}
		logging.From(ctx).Info("watching verification request events", "from_block", d.Cursor())
		return d, nil
	default:
		return nil, goerr.New("unknown discovery", goerr.V("discovery", kind))
	}
}
