package store

import (
	"fmt"
	"strconv"
)

// RunMigrateCommand handles the 'migrate' subcommand dispatching. It opens
// the database itself so migrations manage the schema without the rest of
// the tool starting up.
func RunMigrateCommand(args []string, dbPath, migrationsDir string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: migrate <up|down|status|force N>")
	}

	s, err := Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer s.Close()

	action := args[0]
	switch action {
	case "up":
		if err := s.MigrateUp(migrationsDir); err != nil {
			return err
		}
		fmt.Println("all migrations applied")
		return nil

	case "down":
		if err := s.MigrateDown(migrationsDir); err != nil {
			return err
		}
		fmt.Println("rolled back one migration")
		return nil

	case "status":
		version, dirty, err := s.MigrateVersion(migrationsDir)
		if err != nil {
			return err
		}
		if version == 0 {
			fmt.Println("no migrations applied")
		} else {
			fmt.Printf("version %d (dirty=%v)\n", version, dirty)
		}
		return nil

	case "force":
		if len(args) < 2 {
			return fmt.Errorf("usage: migrate force <version>")
		}
		version, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[1], err)
		}
		if err := s.MigrateForce(migrationsDir, version); err != nil {
			return err
		}
		fmt.Printf("forced version to %d\n", version)
		return nil

	default:
		return fmt.Errorf("unknown migrate action %q (want up, down, status or force)", action)
	}
}
