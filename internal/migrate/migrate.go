package migrate

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/clickhouse" // ClickHouse driver.
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"
)

//go:embed sql/*.sql
var migrations embed.FS

// Migrator applies the embedded schema for dtrace_events and
// dtrace_aggregations.
type Migrator interface {
	Up(ctx context.Context) error
	// Down reverts the newest applied migration only.
	Down(ctx context.Context) error
	// To migrates up or down until version is current.
	To(ctx context.Context, version uint) error
	Status(ctx context.Context) (version uint, dirty bool, err error)
}

type migrator struct {
	log logrus.FieldLogger
	dsn string
}

// New returns a Migrator for the ClickHouse database named by dsn, e.g.
// "clickhouse://host:9000/database".
func New(log logrus.FieldLogger, dsn string) Migrator {
	return &migrator{
		log: log.WithField("component", "migrate"),
		dsn: dsn,
	}
}

// apply opens a migrate instance, runs step and reports the resulting
// version. ErrNoChange is not a failure.
func (m *migrator) apply(ctx context.Context, what string, step func(*migrate.Migrate) error) error {
	mig, err := m.open()
	if err != nil {
		return err
	}
	defer mig.Close()
	defer stopOnDone(ctx, mig)()

	log := m.log.WithField("op", what)
	log.Info("Migrating schema")

	err = step(mig)

	switch {
	case errors.Is(err, migrate.ErrNoChange):
		log.Info("Schema already current")
	case err != nil:
		return fmt.Errorf("%s: %w", what, err)
	}

	version, dirty, verr := mig.Version()
	if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
		return fmt.Errorf("reading version after %s: %w", what, verr)
	}

	log.WithFields(logrus.Fields{
		"version": version,
		"dirty":   dirty,
	}).Info("Schema migrated")

	return nil
}

func (m *migrator) Up(ctx context.Context) error {
	return m.apply(ctx, "up", (*migrate.Migrate).Up)
}

func (m *migrator) Down(ctx context.Context) error {
	return m.apply(ctx, "down", func(mig *migrate.Migrate) error {
		return mig.Steps(-1)
	})
}

func (m *migrator) To(ctx context.Context, version uint) error {
	return m.apply(ctx, fmt.Sprintf("to %d", version), func(mig *migrate.Migrate) error {
		return mig.Migrate(version)
	})
}

func (m *migrator) Status(_ context.Context) (uint, bool, error) {
	mig, err := m.open()
	if err != nil {
		return 0, false, err
	}
	defer mig.Close()

	version, dirty, err := mig.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, fmt.Errorf("reading version: %w", err)
	}

	return version, dirty, nil
}

// stopOnDone asks mig to stop after the current migration once ctx ends.
func stopOnDone(ctx context.Context, mig *migrate.Migrate) func() bool {
	return context.AfterFunc(ctx, func() {
		select {
		case mig.GracefulStop <- true:
		default:
		}
	})
}

func (m *migrator) open() (*migrate.Migrate, error) {
	source, err := iofs.New(migrations, "sql")
	if err != nil {
		return nil, fmt.Errorf("creating migration source: %w", err)
	}

	mig, err := migrate.NewWithSourceInstance("iofs", source, migrationDSN(m.dsn))
	if err != nil {
		return nil, fmt.Errorf("creating migrate instance: %w", err)
	}

	return mig, nil
}

// migrationDSN enables multi-statement support, keeping any query
// parameters already present in dsn.
func migrationDSN(dsn string) string {
	if strings.Contains(dsn, "x-multi-statement=") {
		return dsn
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}

	return dsn + sep + "x-multi-statement=true"
}

// Statements returns the up migrations in version order, for printing
// or applying by hand.
func Statements() ([]string, error) {
	entries, err := fs.Glob(migrations, "sql/*.up.sql")
	if err != nil {
		return nil, fmt.Errorf("listing migrations: %w", err)
	}

	sort.Strings(entries)

	out := make([]string, 0, len(entries))

	for _, name := range entries {
		b, err := fs.ReadFile(migrations, name)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}

		out = append(out, strings.TrimSpace(string(b)))
	}

	return out, nil
}
