// Command migrate applies, rolls back, inspects or repairs the writgo schema.
//
//	go run ./db -direction up
//	go run ./db -direction down -steps 1
//	go run ./db -version
//	go run ./db -force-dirty
package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/PortNumber53/writgo/internal/config"
	"github.com/PortNumber53/writgo/internal/logging"
	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

const defaultSource = "file://db/migrations"

func main() {
	logger := logging.NewLoggerWithService("writgo-migrate")
	d := defaultDeps()
	d.loadEnv = func() { config.LoadEnv(logger) }
	msg, err := run(os.Args[1:], d)
	if err != nil {
		logger.WithError(err).Fatal("migration command failed")
	}
	logger.WithField("result", msg).Info("migration command finished")
}

type deps struct {
	loadEnv  func()
	getenv   func(string) string
	openDB   func(driverName, dataSourceName string) (*sql.DB, error)
	migrateF func(db *sql.DB, source, direction string, steps int) error
}

func defaultDeps() deps {
	return deps{
		loadEnv:  func() { config.LoadEnv(logrus.StandardLogger()) },
		getenv:   os.Getenv,
		openDB:   sql.Open,
		migrateF: performMigrations,
	}
}

type options struct {
	direction   string
	steps       int
	force       int
	forceDirty  bool
	showVersion bool
}

type migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Force(version int) error
	Version() (version uint, dirty bool, err error)
}

// Factories are swapped in tests so no Postgres is needed.
var withPostgresInstance = func(db *sql.DB) (migratedb.Driver, error) {
	return postgres.WithInstance(db, &postgres.Config{})
}

var newMigrateWithDB = func(sourceURL string, databaseName string, driver migratedb.Driver) (migrator, error) {
	return migrate.NewWithDatabaseInstance(sourceURL, databaseName, driver)
}

func newMigrator(db *sql.DB, source string) (migrator, error) {
	driver, err := withPostgresInstance(db)
	if err != nil {
		return nil, fmt.Errorf("create migration driver: %w", err)
	}
	m, err := newMigrateWithDB(source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	return m, nil
}

func parseArgs(args []string) (options, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	var o options
	fs.StringVar(&o.direction, "direction", "up", "up or down")
	fs.IntVar(&o.steps, "steps", 0, "number of steps (0 = all)")
	fs.IntVar(&o.force, "force", -1, "force the schema version and clear the dirty flag")
	fs.BoolVar(&o.forceDirty, "force-dirty", false, "if the schema is dirty, force it to its current version and exit")
	fs.BoolVar(&o.showVersion, "version", false, "print the current schema version and exit")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if o.steps < 0 {
		return options{}, fmt.Errorf("steps must be >= 0, got %d", o.steps)
	}
	switch o.direction {
	case "up", "down":
		return o, nil
	default:
		return options{}, fmt.Errorf("invalid direction %q (must be up or down)", o.direction)
	}
}

func run(args []string, d deps) (string, error) {
	o, err := parseArgs(args)
	if err != nil {
		return "", err
	}
	if d.loadEnv != nil {
		d.loadEnv()
	}

	getenv := d.getenv
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	databaseURL := getenv("DATABASE_URL")
	if databaseURL == "" {
		return "", errors.New("DATABASE_URL environment variable is required")
	}
	source := getenv("MIGRATIONS_PATH")
	if source == "" {
		source = defaultSource
	}

	if d.openDB == nil {
		return "", errors.New("openDB dependency is required")
	}
	db, err := d.openDB("postgres", databaseURL)
	if err != nil {
		return "", fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	if o.showVersion || o.force >= 0 || o.forceDirty {
		m, err := newMigrator(db, source)
		if err != nil {
			return "", err
		}
		return inspectOrForce(m, o)
	}

	if d.migrateF == nil {
		return "", errors.New("migrateF dependency is required")
	}
	err = d.migrateF(db, source, o.direction, o.steps)
	if errors.Is(err, migrate.ErrNoChange) {
		return "No migrations to apply", nil
	}
	if err != nil {
		return "", fmt.Errorf("migration failed: %w", err)
	}
	return fmt.Sprintf("Migration %s completed successfully", o.direction), nil
}

func inspectOrForce(m migrator, o options) (string, error) {
	if o.force >= 0 {
		if err := m.Force(o.force); err != nil {
			return "", fmt.Errorf("force version %d: %w", o.force, err)
		}
		return fmt.Sprintf("Forced database to version %d", o.force), nil
	}

	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return "No migrations applied", nil
	}
	if err != nil {
		return "", fmt.Errorf("read migration version: %w", err)
	}
	if o.showVersion {
		if dirty {
			return fmt.Sprintf("Database at version %d (dirty)", v), nil
		}
		return fmt.Sprintf("Database at version %d", v), nil
	}
	if !dirty {
		return "Database is not dirty (no force needed)", nil
	}
	if err := m.Force(int(v)); err != nil {
		return "", fmt.Errorf("force dirty version %d: %w", v, err)
	}
	return fmt.Sprintf("Forced dirty database to version %d", v), nil
}

func performMigrations(db *sql.DB, source, direction string, steps int) error {
	m, err := newMigrator(db, source)
	if err != nil {
		return err
	}
	return applyDirection(m, direction, steps)
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
		return fmt.Errorf("invalid direction %q (must be up or down)", direction)
	}
}
