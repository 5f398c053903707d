package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dukex/procflow/pkg/cmd"
	"github.com/dukex/procflow/pkg/log"
	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/services"
	"github.com/dukex/procflow/pkg/validation"
	cli "github.com/urfave/cli/v3"
)

var errInvalidDefinitions = errors.New("one or more definitions are invalid")

func main() {
	err := newCommand(os.Stdout).Run(context.Background(), os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:                  "procflow",
		Usage:                 "Validate and import workflow definitions",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "warn",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Before: func(ctx context.Context, command *cli.Command) (context.Context, error) {
			log.Setup(command.String("log-level"), "text")

			return ctx, nil
		},
		Commands: []*cli.Command{
			{
				Name:      "validate",
				Aliases:   []string{"v"},
				Usage:     "Check definition files for structural problems",
				ArgsUsage: "<file>...",
				Action: func(_ context.Context, command *cli.Command) error {
					return validateFiles(out, command.Args().Slice())
				},
			},
			{
				Name:      "import",
				Aliases:   []string{"i"},
				Usage:     "Store definition files as drafts, optionally publishing them",
				ArgsUsage: "<file>...",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "database-url",
						Usage:    "Database connection URL for persistence",
						Required: true,
						Sources:  cli.EnvVars("DATABASE_URL"),
					},
					&cli.StringFlag{
						Name:    "actor",
						Usage:   "User id recorded as the owner",
						Value:   "procflow-cli",
						Sources: cli.EnvVars("PROCFLOW_ACTOR"),
					},
					&cli.StringSliceFlag{
						Name:  "role",
						Usage: "Roles of the actor",
					},
					&cli.BoolFlag{
						Name:  "publish",
						Usage: "Publish each definition after storing it",
					},
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					logger := log.WithModule("procflow")

					persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"), "")
					if err != nil {
						return err
					}

					defer func() {
						err := persistence.Close(ctx)
						if err != nil {
							logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
						}
					}()

					actor := models.Actor{ID: command.String("actor"), Roles: command.StringSlice("role")}
					definitions := services.NewDefinitions(persistence, logger)

					return importFiles(ctx, out, definitions, actor, command.Bool("publish"), command.Args().Slice())
				},
			},
		},
	}
}

func validateFiles(out io.Writer, paths []string) error {
	if len(paths) == 0 {
		return errors.New("no definition files given")
	}

	invalid := false

	for _, path := range paths {
		def, err := loadDefinition(path)
		if err != nil {
			return err
		}

		reasons := validation.Check(def)
		if len(reasons) == 0 {
			fmt.Fprintf(out, "%s: ok\n", path)

			continue
		}

		invalid = true

		fmt.Fprintf(out, "%s: %d problem(s)\n", path, len(reasons))
		writeReasons(out, reasons)
	}

	if invalid {
		return errInvalidDefinitions
	}

	return nil
}

func importFiles(
	ctx context.Context,
	out io.Writer,
	definitions *services.Definitions,
	actor models.Actor,
	publish bool,
	paths []string,
) error {
	if len(paths) == 0 {
		return errors.New("no definition files given")
	}

	for _, path := range paths {
		def, err := loadDefinition(path)
		if err != nil {
			return err
		}

		created, err := definitions.Create(ctx, actor, def)
		if err != nil {
			if validation.IsDefinitionInvalid(err) {
				fmt.Fprintf(out, "%s: rejected\n", path)
				writeReasons(out, validation.Reasons(err))

				return errInvalidDefinitions
			}

			return fmt.Errorf("failed to import %s: %w", path, err)
		}

		status := created.Status

		if publish {
			published, err := definitions.Publish(ctx, actor, created.ID)
			if err != nil {
				return fmt.Errorf("failed to publish %s: %w", path, err)
			}

			status = published.Status
		}

		fmt.Fprintf(out, "%s: %s %s\n", path, created.ID, status)
	}

	return nil
}

func writeReasons(out io.Writer, reasons []validation.Reason) {
	for _, reason := range reasons {
		location := ""
		if reason.NodeID != "" {
			location = " [" + reason.NodeID + "]"
		}

		fmt.Fprintf(out, "  - %s%s: %s\n", reason.Code, location, reason.Message)
	}
}
