package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/vladislavdragonenkov/orderpipe/internal/storage/postgres"
)

const defaultTimeout = 30 * time.Second

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	dsnFlag := &cli.StringFlag{
		Name:    "dsn",
		Usage:   "PostgreSQL DSN",
		EnvVars: []string{"ORDERS_POSTGRES_DSN"},
	}
	timeoutFlag := &cli.DurationFlag{
		Name:  "timeout",
		Usage: "overall timeout",
		Value: defaultTimeout,
	}

	return &cli.App{
		Name:      "migrate",
		Usage:     "apply or roll back order-service schema migrations",
		Writer:    out,
		ErrWriter: out,
		Flags:     []cli.Flag{dsnFlag, timeoutFlag},
		Commands: []*cli.Command{
			{
				Name:  "up",
				Usage: "apply migrations",
				Flags: []cli.Flag{&cli.IntFlag{Name: "steps", Usage: "number of migrations to apply (0 = all)"}},
				Action: withStore(func(ctx context.Context, c *cli.Context, store *postgres.Store) error {
					if err := store.MigrateUp(ctx, c.Int("steps")); err != nil {
						return fmt.Errorf("migrate up failed: %w", err)
					}
					return printStatus(ctx, c, store, "migrate up ok")
				}),
			},
			{
				Name:  "down",
				Usage: "roll back migrations",
				Flags: []cli.Flag{&cli.IntFlag{Name: "steps", Usage: "number of migrations to roll back", Value: 1}},
				Action: withStore(func(ctx context.Context, c *cli.Context, store *postgres.Store) error {
					if err := store.MigrateDown(ctx, c.Int("steps")); err != nil {
						return fmt.Errorf("migrate down failed: %w", err)
					}
					return printStatus(ctx, c, store, "migrate down ok")
				}),
			},
			{
				Name:  "status",
				Usage: "print current schema version",
				Action: withStore(func(ctx context.Context, c *cli.Context, store *postgres.Store) error {
					return printStatus(ctx, c, store, "migration status")
				}),
			},
		},
	}
}

func withStore(fn func(ctx context.Context, c *cli.Context, store *postgres.Store) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		dsn := strings.TrimSpace(c.String("dsn"))
		if dsn == "" {
			return errors.New("ORDERS_POSTGRES_DSN (or --dsn) is required")
		}

		ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
		defer cancel()

		store, err := postgres.Open(ctx, dsn)
		if err != nil {
			return fmt.Errorf("open postgres store: %w", err)
		}
		defer store.Close()

		return fn(ctx, c, store)
	}
}

func printStatus(ctx context.Context, c *cli.Context, store *postgres.Store, prefix string) error {
	state, err := store.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("migration status failed: %w", err)
	}
	_, err = fmt.Fprintf(c.App.Writer, "%s: version=%d dirty=%t\n", prefix, state.Version, state.Dirty)
	return err
}
