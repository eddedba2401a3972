package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
)

// Migrator applies schema migrations.
type Migrator interface {
	Up() error
	Down(steps int) error
	Version() (uint, bool, error)
}

// MigrateOptions defines arguments for the migrate command.
type MigrateOptions struct {
	Args   []string
	Stdout io.Writer
	Stderr io.Writer
}

// MigrateCommand runs "up", "down N" or "version" against migrator.
func MigrateCommand(migrator Migrator, opts MigrateOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if len(opts.Args) == 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "migrate: expected up, down N or version")
		return 2
	}
	switch opts.Args[0] {
	case "up":
		if err := migrator.Up(); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "migrate up: %v\n", err)
			return 1
		}
	case "down":
		if len(opts.Args) < 2 {
			_, _ = fmt.Fprintln(opts.Stderr, "migrate down: number of steps is required")
			return 2
		}
		steps, err := strconv.Atoi(opts.Args[1])
		if err != nil || steps <= 0 {
			_, _ = fmt.Fprintf(opts.Stderr, "migrate down: invalid steps %q\n", opts.Args[1])
			return 2
		}
		if err := migrator.Down(steps); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "migrate down: %v\n", err)
			return 1
		}
	case "version":
	default:
		_, _ = fmt.Fprintf(opts.Stderr, "migrate: unknown action %q\n", opts.Args[0])
		return 2
	}
	version, dirty, err := migrator.Version()
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "migrate version: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(opts.Stdout, "schema version %d dirty=%t\n", version, dirty)
	if dirty {
		return 1
	}
	return 0
}
