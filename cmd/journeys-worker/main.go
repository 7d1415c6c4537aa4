// Package main provides the journeys worker: event ingestion, lead scoring,
// trigger matching and the scheduler advancing enrollments.
package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:                  "journeys-worker",
		Usage:                 "Score contacts, enroll them into workflows and advance enrollments",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			NewRunCommand(),
			NewValidateCommand(),
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
