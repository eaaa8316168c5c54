package cli

import (
	"context"

	"github.com/urfave/cli/v3"
)

type Error struct {
	Code    int
	Message string
}

func Run(ctx context.Context, argv []string) *Error {
	if err := newApp().Run(ctx, argv); err != nil {
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}

	return nil
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "realia",
		Usage: "Verification agent matching requested images against registered NFT assets",
		Commands: []*cli.Command{
			serveCommand(),
			verifyCommand(),
			syncCommand(),
			statusCommand(),
			identityCommand(),
		},
	}
}
