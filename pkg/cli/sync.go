package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/realia/pkg/usecase/assetsync"
	"github.com/urfave/cli/v3"
)

func syncCommand() *cli.Command {
	var (
		cfg         config
		concurrency int64
	)

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:        "concurrency",
			Aliases:     []string{"c"},
			Usage:       "Assets embedded at once",
			Value:       assetsync.DefaultConcurrency,
			Sources:     cli.EnvVars("REALIA_SYNC_CONCURRENCY"),
			Destination: &concurrency,
		},
	}
	flags = append(flags, loggingFlags(&cfg)...)
	flags = append(flags, chainFlags(&cfg)...)
	flags = append(flags, indexFlags(&cfg)...)

	return &cli.Command{
		Name:  "sync",
		Usage: "Embed every registered asset missing from the index once",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, err := cfg.setupLogger(ctx)
			if err != nil {
				return err
			}
			defer cfg.close(ctx)

			chain, err := cfg.newChain(ctx)
			if err != nil {
				return err
			}
			index, err := cfg.newIndex(ctx)
			if err != nil {
				return err
			}
			if _, err := index.EnsureCollection(ctx); err != nil {
				return goerr.Wrap(err, "failed to ensure vector collection")
			}
			resolver, err := cfg.newResolver(ctx)
			if err != nil {
				return err
			}

			uc := assetsync.New(chain, index, resolver, assetsync.WithConcurrency(int(concurrency)))
			report, err := uc.SyncOnce(ctx)
			if err != nil {
				return err
			}

			fmt.Fprintf(c.Root().Writer, "Listed %d assets: %d embedded, %d already indexed, %d failed\n",
				report.Listed, report.Upserted, report.Existing, report.Failed)
			return nil
		},
	}
}
