package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/dukex/journeys/pkg/cmd"
	"github.com/dukex/journeys/pkg/contacts"
	"github.com/dukex/journeys/pkg/eventbus"
	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/services"
	"github.com/urfave/cli/v3"
)

var ErrInvalidWorkflows = errors.New("invalid workflows found")

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:    "validate",
		Aliases: []string{"v"},
		Usage:   "Validate stored workflow definitions",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:  "status",
				Usage: "Only validate workflows with this status (draft, active, archived)",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			logger := slog.With(
				"module", "journeys-worker",
				"action", "validate",
			)

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := persistence.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			registry := cmd.NewActionRegistry(logger, eventbus.Discard, contacts.NewStatic(nil), http.DefaultClient)
			workflowService := services.NewWorkflow(persistence, nil, nil, logger, services.WithSchemas(registry))

			workflows, err := workflowService.List(ctx, models.WorkflowStatus(command.String("status")))
			if err != nil {
				return fmt.Errorf("failed to fetch workflows: %w", err)
			}

			logger.InfoContext(ctx, "Validating workflows", "workflows", len(workflows))

			return report(os.Stdout, workflowService, workflows)
		},
	}
}

func report(out io.Writer, workflowService *services.Workflow, workflows []*models.Workflow) error {
	_, _ = fmt.Fprintln(out, "Workflow Validation Results:")
	_, _ = fmt.Fprintln(out, "============================")

	invalid := 0

	for _, workflow := range workflows {
		_, _ = fmt.Fprintf(out, "\nWorkflow: %s (%s) [%s]\n", workflow.Name, workflow.ID, workflow.Status)

		err := workflowService.Validate(workflow)
		if err == nil {
			_, _ = fmt.Fprintln(out, "  VALID")

			continue
		}

		invalid++

		var validation *services.ValidationError
		if errors.As(err, &validation) {
			for _, problem := range validation.Problems {
				_, _ = fmt.Fprintf(out, "  INVALID: %s\n", problem)
			}

			continue
		}

		_, _ = fmt.Fprintf(out, "  INVALID: %v\n", err)
	}

	_, _ = fmt.Fprintf(out, "\nValidation Summary:\n")
	_, _ = fmt.Fprintf(out, "  Total workflows: %d\n", len(workflows))
	_, _ = fmt.Fprintf(out, "  Valid workflows: %d\n", len(workflows)-invalid)
	_, _ = fmt.Fprintf(out, "  Invalid workflows: %d\n", invalid)

	if invalid > 0 {
		return fmt.Errorf("%w: %d", ErrInvalidWorkflows, invalid)
	}

	return nil
}
