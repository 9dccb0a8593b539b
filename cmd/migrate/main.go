// Command migrate applies the schema migrations for the users and sessions
// tables. The database is taken from the DB_* settings unless -database-url
// is given; the applied version is tracked in schema_migrations.
package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/khalloda/spare-parts-system/internal/config"
	"github.com/khalloda/spare-parts-system/internal/logger"
)

const (
	defaultTimeout        = 5 * time.Minute
	defaultMigrationsPath = "migrations"
	migrationsTable       = "schema_migrations"
)

type options struct {
	databaseURL    string
	migrationsPath string
	timeout        time.Duration
	dryRun         bool
}

func main() {
	log := logger.New(logger.DefaultConfig())

	var opts options
	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL URL (defaults to the DB_* settings)")
	flag.StringVar(&opts.migrationsPath, "path", defaultMigrationsPath, "Path to the migrations directory")
	flag.DurationVar(&opts.timeout, "timeout", defaultTimeout, "Connect and lock timeout")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "Report what would be done without executing")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	if opts.databaseURL == "" {
		cfg, err := config.Load()
		if err != nil {
			log.Error("Failed to load configuration", slog.String("error", err.Error()))
			os.Exit(1)
		}
		opts.databaseURL = cfg.Database.URL()
	}

	if err := run(log, opts, flag.Arg(0), flag.Args()[1:]); err != nil {
		log.Error("Migration failed", slog.String("command", flag.Arg(0)), slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options] <command> [args]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Schema migrations for the Spare Parts Management System\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  up [N]       Apply all or N up migrations\n")
	fmt.Fprintf(os.Stderr, "  down [N]     Roll back N migrations (all with -all)\n")
	fmt.Fprintf(os.Stderr, "  goto V       Migrate to version V\n")
	fmt.Fprintf(os.Stderr, "  force V      Set version V without running migrations\n")
	fmt.Fprintf(os.Stderr, "  version      Print the current version\n")
	fmt.Fprintf(os.Stderr, "  drop         Drop every table\n")
	fmt.Fprintf(os.Stderr, "  create NAME  Create a new up/down migration pair\n\n")
	fmt.Fprintf(os.Stderr, "Options:\n")
	flag.PrintDefaults()
}

func run(log *slog.Logger, opts options, command string, args []string) error {
	if command == "create" {
		if len(args) < 1 {
			return errors.New("create requires a migration name")
		}
		return create(log, opts.migrationsPath, args[0], time.Now())
	}

	if opts.dryRun {
		log.Info("Dry run, nothing executed", slog.String("command", command), slog.Any("args", args))
		return nil
	}

	m, err := open(opts)
	if err != nil {
		return err
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil || dbErr != nil {
			log.Warn("Failed to close migrator", slog.Any("source_error", srcErr), slog.Any("database_error", dbErr))
		}
	}()

	switch command {
	case "up":
		n, err := optionalCount(args)
		if err != nil {
			return err
		}
		if n > 0 {
			err = m.Steps(n)
		} else {
			err = m.Up()
		}
		return report(log, m, "up", err)

	case "down":
		if len(args) > 0 && args[0] == "-all" {
			return report(log, m, "down", m.Down())
		}
		n, err := optionalCount(args)
		if err != nil {
			return err
		}
		if n == 0 {
			n = 1
		}
		return report(log, m, "down", m.Steps(-n))

	case "goto":
		v, err := requiredVersion(args)
		if err != nil {
			return err
		}
		return report(log, m, "goto", m.Migrate(v))

	case "force":
		if len(args) < 1 {
			return errors.New("force requires a version")
		}
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		if err := m.Force(v); err != nil {
			return fmt.Errorf("force version: %w", err)
		}
		log.Info("Forced migration version", slog.Int("version", v))
		return nil

	case "version":
		v, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Println("no migrations applied")
			return nil
		}
		if err != nil {
			return fmt.Errorf("read version: %w", err)
		}
		fmt.Printf("version %d (dirty: %t)\n", v, dirty)
		return nil

	case "drop":
		if !confirm("This drops every table in the database. Type 'yes' to continue: ") {
			log.Info("Drop aborted")
			return nil
		}
		if err := m.Drop(); err != nil {
			return fmt.Errorf("drop: %w", err)
		}
		log.Warn("Dropped all tables")
		return nil
	}

	return fmt.Errorf("unknown command %q", command)
}

// open connects with a bounded ping and builds a migrator over the file source
func open(opts options) (*migrate.Migrate, error) {
	db, err := sql.Open("pgx", opts.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: migrationsTable})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create database driver: %w", err)
	}

	path, err := filepath.Abs(opts.migrationsPath)
	if err != nil {
		return nil, fmt.Errorf("resolve migrations path: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+filepath.ToSlash(path), "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	m.LockTimeout = opts.timeout
	return m, nil
}

func report(log *slog.Logger, m *migrate.Migrate, direction string, err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		log.Info("No migrations to apply", slog.String("direction", direction))
		return nil
	}
	if err != nil {
		return fmt.Errorf("migrate %s: %w", direction, err)
	}
	v, dirty, verr := m.Version()
	if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
		return fmt.Errorf("read version: %w", verr)
	}
	log.Info("Migrations applied",
		slog.String("direction", direction),
		slog.Uint64("version", uint64(v)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

func optionalCount(args []string) (int, error) {
	if len(args) == 0 {
		return 0, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid step count %q", args[0])
	}
	return n, nil
}

func requiredVersion(args []string) (uint, error) {
	if len(args) < 1 {
		return 0, errors.New("a target version is required")
	}
	v, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: %w", args[0], err)
	}
	return uint(v), nil
}

// create writes an empty timestamped up/down pair
func create(log *slog.Logger, dir, name string, now time.Time) error {
	name = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", "_"))
	if name == "" {
		return errors.New("migration name is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create migrations directory: %w", err)
	}

	base := fmt.Sprintf("%s_%s", now.UTC().Format("20060102150405"), name)
	for _, suffix := range []string{".up.sql", ".down.sql"} {
		path := filepath.Join(dir, base+suffix)
		if err := os.WriteFile(path, []byte("-- "+base+suffix+"\n"), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		log.Info("Created migration", slog.String("file", path))
	}
	return nil
}

func confirm(prompt string) bool {
	fmt.Fprint(os.Stderr, prompt)
	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	return strings.TrimSpace(answer) == "yes"
}
