package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func statusCommand() *cli.Command {
	var cfg config

	flags := loggingFlags(&cfg)
	flags = append(flags, chainFlags(&cfg)...)

	return &cli.Command{
		Name:  "status",
		Usage: "Show the agent registration and the pending verification requests",
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

			reg, err := chain.GetRegistration(ctx)
			if err != nil {
				return goerr.Wrap(err, "failed to get registration")
			}

			w := c.Root().Writer
			fmt.Fprintf(w, "Address:   %s\n", chain.Address().Hex())
			if reg.RegistryKey == "" {
				fmt.Fprintf(w, "Identity:  (not registered)\n")
			} else {
				fmt.Fprintf(w, "Identity:  %s\n", reg.RegistryKey)
			}
			fmt.Fprintf(w, "Staked:    %t\n", reg.IsStaked)
			fmt.Fprintf(w, "Verified:  %d\n", reg.VerifiedCount)

			pending, err := chain.PendingRequests(ctx)
			if err != nil {
				return goerr.Wrap(err, "failed to list pending requests")
			}
			if len(pending) == 0 {
				fmt.Fprintf(w, "\nNo pending request\n")
				return nil
			}

			fmt.Fprintf(w, "\nPending requests (%d):\n", len(pending))
			for _, req := range pending {
				responded, err := chain.HasResponded(ctx, req.ID)
				if err != nil {
					return goerr.Wrap(err, "failed to check response", goerr.V("request_id", req.ID))
				}
				mark := " "
				if responded {
					mark = "x"
				}
				fmt.Fprintf(w, "[%s] %s  responses=%d  %s\n", mark, req.ID, req.ResponseCount, req.ImageURI)
			}
			return nil
		},
	}
}
