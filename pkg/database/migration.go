package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	pkgerrors "github.com/pkg/errors"
)

// migrateLogger adapts ectologger to migrate.Logger.
type migrateLogger struct {
	ectologger.Logger
}

func (l migrateLogger) Verbose() bool { return true }

func (l migrateLogger) Printf(format string, v ...any) {
	l.Infof(format, v...)
}

type MigrationConfig struct {
	FolderPath string
	// Version pins the schema to a specific migration; zero means latest.
	Version uint
	// Force marks the schema clean at this version before migrating.
	Force int
	// AutoRollback forces a dirty schema back to the version it started at.
	AutoRollback bool
}

type MigrationService struct {
	config MigrationConfig
	logger ectologger.Logger
}

func NewMigrationService(logger ectologger.Logger, config MigrationConfig) *MigrationService {
	return &MigrationService{config: config, logger: logger}
}

func (ms *MigrationService) folder() string {
	if _, err := os.Stat(ms.config.FolderPath); err == nil || filepath.IsAbs(ms.config.FolderPath) {
		return ms.config.FolderPath
	}
	wd, _ := os.Getwd()
	return filepath.Join(wd, ms.config.FolderPath)
}

// Migrate applies the sync engine schema to the given driver instance.
func (ms *MigrationService) Migrate(databaseName string, driver migratedb.Driver) error {
	folder := ms.folder()
	if _, err := os.Stat(folder); err != nil {
		return pkgerrors.Wrap(err, fmt.Sprintf("migration folder %s does not exist", folder))
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+folder, databaseName, driver)
	if err != nil {
		ms.logger.WithError(err).Error("Failed to create migrate instance")
		return err
	}
	m.Log = migrateLogger{Logger: ms.logger}

	if ms.config.Force != 0 {
		if err := m.Force(ms.config.Force); err != nil {
			ms.logger.WithError(err).Errorf("Failed to force schema to version %d", ms.config.Force)
			return err
		}
	}

	startVersion, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		ms.logger.WithError(err).Warn("Could not read current schema version")
	}

	start := time.Now()
	if ms.config.Version != 0 {
		err = m.Migrate(ms.config.Version)
	} else {
		err = m.Up()
	}
	ms.logger.Infof("Schema migrations finished in %v", time.Since(start))

	return ms.settle(m, err, startVersion, folder)
}

func (ms *MigrationService) settle(m *migrate.Migrate, err error, startVersion uint, folder string) error {
	switch {
	case err == nil:
		ms.logger.Info("Applied schema migrations")
		return nil
	case errors.Is(err, migrate.ErrNoChange):
		ms.logger.Info("Schema already up to date")
		return nil
	}

	if strings.Contains(err.Error(), "no migration found for version") {
		latest, lerr := latestVersion(folder)
		if lerr != nil {
			return pkgerrors.Wrap(lerr, "failed to find latest migration")
		}
		ms.logger.Warnf("Schema version %d has no migration file, forcing %d", startVersion, latest)
		return m.Force(latest)
	}

	ms.logger.WithError(err).Error("Schema migration failed")

	version, dirty, verr := m.Version()
	if verr == nil && dirty && ms.config.AutoRollback {
		target := int(startVersion)
		if target == 0 && version > 0 {
			target = int(version) - 1
		}
		ms.logger.Warnf("Schema dirty at version %d, forcing back to %d", version, target)
		if ferr := m.Force(target); ferr != nil {
			return pkgerrors.Wrap(ferr, "failed to roll back dirty schema")
		}
	}
	return err
}

var upMigration = regexp.MustCompile(`^(\d+)_.*\.up\.sql$`)

func latestVersion(folder string) (int, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return 0, err
	}

	var versions []int
	for _, e := range entries {
		match := upMigration.FindStringSubmatch(e.Name())
		if e.IsDir() || match == nil {
			continue
		}
		v, err := strconv.Atoi(match[1])
		if err != nil {
			return 0, err
		}
		versions = append(versions, v)
	}
	if len(versions) == 0 {
		return 0, fmt.Errorf("no migration files in %s", folder)
	}
	sort.Ints(versions)
	return versions[len(versions)-1], nil
}
