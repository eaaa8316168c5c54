package cli

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

func identityCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:  "identity",
		Usage: "Print the agent identity that would be registered",
		Flags: identityFlags(&cfg),
		Action: func(ctx context.Context, c *cli.Command) error {
			identity, err := cfg.resolveIdentity()
			if err != nil {
				return err
			}
			fmt.Fprintln(c.Root().Writer, identity)
			return nil
		},
	}
}
