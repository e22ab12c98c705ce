package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

// Standalone migration tool. From the backend root:
//
//	go run ./db up
//	go run ./db down -steps=1
//	go run ./db force 3
//	go run ./db status

func main() {
	msg, err := run(os.Args[1:], defaultDeps())
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(msg)
}

type deps struct {
	loadEnv func(...string) error
	getenv  func(string) string
	openDB  func(driverName, dataSourceName string) (*sql.DB, error)
}

func defaultDeps() deps {
	return deps{
		loadEnv: godotenv.Load,
		getenv:  os.Getenv,
		openDB:  sql.Open,
	}
}

type migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Force(version int) error
	Version() (version uint, dirty bool, err error)
}

// Factories are overridden in tests to avoid a real Postgres connection.
var withPostgresInstance = func(db *sql.DB) (migratedb.Driver, error) {
	return postgres.WithInstance(db, &postgres.Config{})
}

var newMigrateWithDB = func(sourceURL string, databaseName string, driver migratedb.Driver) (migrator, error) {
	return migrate.NewWithDatabaseInstance(sourceURL, databaseName, driver)
}

func newMigrator(db *sql.DB) (migrator, error) {
	driver, err := withPostgresInstance(db)
	if err != nil {
		return nil, fmt.Errorf("create migration driver: %w", err)
	}
	m, err := newMigrateWithDB("file://db/migrations", "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	return m, nil
}

func run(args []string, d deps) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("usage: migrate <up|down|force|status> [-steps=N]")
	}
	cmd, rest := args[0], args[1:]

	fs := flag.NewFlagSet("migrate "+cmd, flag.ContinueOnError)
	steps := fs.Int("steps", 0, "Number of migration steps (0 = all)")

	forceVersion := -1
	if cmd == "force" {
		if len(rest) == 0 {
			return "", fmt.Errorf("usage: migrate force <version>")
		}
		v, err := strconv.Atoi(rest[0])
		if err != nil || v < 0 {
			return "", fmt.Errorf("invalid force version: %s", rest[0])
		}
		forceVersion = v
		rest = rest[1:]
	}
	if err := fs.Parse(rest); err != nil {
		return "", err
	}

	if d.loadEnv != nil {
		_ = d.loadEnv()
	}
	databaseURL := ""
	if d.getenv != nil {
		databaseURL = d.getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		return "", fmt.Errorf("DATABASE_URL environment variable is required")
	}
	if d.openDB == nil {
		return "", fmt.Errorf("openDB dependency is required")
	}

	db, err := d.openDB("postgres", databaseURL)
	if err != nil {
		return "", fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	m, err := newMigrator(db)
	if err != nil {
		return "", err
	}

	switch cmd {
	case "up", "down":
		err := applyDirection(m, cmd, *steps)
		if err == migrate.ErrNoChange {
			return "No migrations to apply", nil
		}
		if err != nil {
			return "", fmt.Errorf("migration failed: %w", err)
		}
		return fmt.Sprintf("Migration %s completed successfully", cmd), nil
	case "force":
		if err := m.Force(forceVersion); err != nil {
			return "", fmt.Errorf("force version %d: %w", forceVersion, err)
		}
		return fmt.Sprintf("Forced database to version %d", forceVersion), nil
	case "status":
		v, dirty, err := m.Version()
		if err == migrate.ErrNilVersion {
			return "No migrations applied yet", nil
		}
		if err != nil {
			return "", fmt.Errorf("read migration version: %w", err)
		}
		return fmt.Sprintf("Version %d dirty=%t", v, dirty), nil
	default:
		return "", fmt.Errorf("unknown command: %s (must be up, down, force or status)", cmd)
	}
}

func applyDirection(m migrator, direction string, steps int) error {
	switch direction {
	case "up":
		if steps > 0 {
			return m.Steps(steps)
		}
		return m.Up()
	case "down":
		if steps > 0 {
			return m.Steps(-steps)
		}
		return m.Down()
	default:
		return fmt.Errorf("invalid direction: %s", direction)
	}
}
