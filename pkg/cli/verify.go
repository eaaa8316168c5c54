package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func verifyCommand() *cli.Command {
	var (
		cfg config
		uri string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "uri",
			Aliases:     []string{"u"},
			Usage:       "Metadata URI of the image to classify",
			Destination: &uri,
			Required:    true,
		},
	}
	flags = append(flags, loggingFlags(&cfg)...)
	flags = append(flags, indexFlags(&cfg)...)
	flags = append(flags, policyFlags(&cfg)...)

	return &cli.Command{
		Name:  "verify",
		Usage: "Classify an image URI against the index without submitting anything",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, err := cfg.setupLogger(ctx)
			if err != nil {
				return err
			}
			defer cfg.close(ctx)

			index, err := cfg.newIndex(ctx)
			if err != nil {
				return err
			}
			resolver, err := cfg.newResolver(ctx)
			if err != nil {
				return err
			}
			classifier, topK, err := cfg.newClassifier(ctx)
			if err != nil {
				return err
			}

			vector, err := resolver.EmbedURI(ctx, uri)
			if err != nil {
				return goerr.Wrap(err, "failed to embed image", goerr.V("uri", uri))
			}
			hits, err := index.Search(ctx, vector, topK)
			if err != nil {
				return goerr.Wrap(err, "failed to search index", goerr.V("uri", uri))
			}
			decision, err := classifier.Classify(ctx, 0, hits)
			if err != nil {
				return goerr.Wrap(err, "failed to classify", goerr.V("uri", uri))
			}

			w := c.Root().Writer
			fmt.Fprintf(w, "Result: %s\n", decision.Result)
			fmt.Fprintf(w, "Score:  %.4f\n", decision.Score)
			if decision.MatchedAssetID != 0 {
				fmt.Fprintf(w, "Match:  asset %s\n", decision.MatchedAssetID)
			}

			if len(hits) == 0 {
				fmt.Fprintf(w, "\nNo indexed asset found\n")
				return nil
			}
			fmt.Fprintf(w, "\nTop %d hits:\n", len(hits))
			for i, hit := range hits {
				fmt.Fprintf(w, "%d. asset %s  score %.4f  %s\n", i+1, hit.AssetID, hit.Score, hit.URI)
			}
			return nil
		},
	}
}
