package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/samhotchkiss/calpush/internal/automigrate"
	"github.com/urfave/cli/v2"
)

func main() {
	_ = godotenv.Load()

	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "migrate",
		Usage: "Manage the calpush database schema.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "database-url", EnvVars: []string{"DATABASE_URL"}, Usage: "PostgreSQL connection string"},
			&cli.StringFlag{Name: "dir", EnvVars: []string{"MIGRATIONS_DIR"}, Value: "migrations", Usage: "migrations directory"},
		},
		Commands: []*cli.Command{
			{
				Name:      "up",
				Usage:     "Apply all migrations or the next n migrations",
				ArgsUsage: "[n]",
				Action: withMigrator(func(m *automigrate.Migrator, c *cli.Context) error {
					steps, err := optionalSteps(c)
					if err != nil {
						return err
					}
					return m.Up(steps)
				}),
			},
			{
				Name:      "down",
				Usage:     "Roll back all migrations or the last n migrations",
				ArgsUsage: "[n]",
				Action: withMigrator(func(m *automigrate.Migrator, c *cli.Context) error {
					steps, err := optionalSteps(c)
					if err != nil {
						return err
					}
					return m.Down(steps)
				}),
			},
			{
				Name:      "force",
				Usage:     "Force set the migration version (fixes dirty state)",
				ArgsUsage: "<version>",
				Action: withMigrator(func(m *automigrate.Migrator, c *cli.Context) error {
					if c.NArg() == 0 {
						return errors.New("version number is required")
					}
					version, err := strconv.Atoi(c.Args().First())
					if err != nil {
						return fmt.Errorf("invalid version: %s", c.Args().First())
					}
					if err := m.Force(version); err != nil {
						return err
					}
					fmt.Printf("Forced version to %d\n", version)
					return nil
				}),
			},
			{
				Name:  "version",
				Usage: "Print the applied migration version",
				Action: withMigrator(func(m *automigrate.Migrator, _ *cli.Context) error {
					version, dirty, err := m.Version()
					if err != nil {
						return err
					}
					fmt.Printf("version=%d dirty=%t\n", version, dirty)
					return nil
				}),
			},
			{
				Name:      "create",
				Usage:     "Create new migration files",
				ArgsUsage: "<name>",
				Action: func(c *cli.Context) error {
					if c.NArg() == 0 {
						return errors.New("migration name is required")
					}
					up, down, err := automigrate.Create(c.String("dir"), c.Args().First(), time.Now())
					if err != nil {
						return err
					}
					fmt.Printf("Created %s and %s\n", up, down)
					return nil
				},
			},
		},
	}
}

func withMigrator(fn func(*automigrate.Migrator, *cli.Context) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		m, err := automigrate.Open(c.String("database-url"), c.String("dir"))
		if err != nil {
			return err
		}
		defer m.Close()
		return fn(m, c)
	}
}

func optionalSteps(c *cli.Context) (int, error) {
	if c.NArg() == 0 {
		return 0, nil
	}
	steps, err := strconv.Atoi(c.Args().First())
	if err != nil || steps <= 0 {
		return 0, fmt.Errorf("invalid steps: %s", c.Args().First())
	}
	return steps, nil
}
