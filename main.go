package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envFlag := &cli.StringFlag{
		Name:  "env",
		Usage: "path to the .env file",
		Value: ".env",
	}

	app := &cli.Command{
		Name:  "transcribe-queue",
		Usage: "queued media transcription service backed by a pool of whisper engines",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the HTTP API and the background job scheduler",
				Flags: []cli.Flag{
					envFlag,
					&cli.BoolFlag{
						Name:  "auto-migrate",
						Usage: "apply database migrations before serving",
						Value: true,
					},
				},
				Action: serveAction,
			},
			{
				Name:   "migrate",
				Usage:  "apply PostgreSQL schema migrations",
				Flags:  []cli.Flag{envFlag},
				Action: migrateAction,
			},
			{
				Name:  "tasks",
				Usage: "inspect and manage transcription jobs",
				Commands: []*cli.Command{
					{
						Name:  "list",
						Usage: "list jobs, newest first",
						Flags: []cli.Flag{
							envFlag,
							&cli.StringFlag{Name: "status", Usage: "queued, processing, completed or failed"},
							&cli.IntFlag{Name: "limit", Usage: "maximum rows", Value: 50},
							&cli.IntFlag{Name: "offset", Usage: "rows to skip"},
						},
						Action: tasksListAction,
					},
					{
						Name:  "show",
						Usage: "print one job as JSON",
						Flags: []cli.Flag{
							envFlag,
							&cli.StringFlag{Name: "id", Usage: "job id", Required: true},
						},
						Action: tasksShowAction,
					},
					{
						Name:  "delete",
						Usage: "delete one or more jobs",
						Flags: []cli.Flag{
							envFlag,
							&cli.StringSliceFlag{Name: "id", Usage: "job id, repeatable", Required: true},
						},
						Action: tasksDeleteAction,
					},
					{
						Name:   "drain",
						Usage:  "process queued jobs in the foreground until the queue is empty",
						Flags:  []cli.Flag{envFlag},
						Action: tasksDrainAction,
					},
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
