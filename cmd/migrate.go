package cmd

import (
	"errors"

	"github.com/golang-migrate/migrate/v4"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/vibast-solutions/ms-go-checkout/config"
	"github.com/vibast-solutions/ms-go-checkout/migrations"
)

var migrateDown bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded database migrations",
	Run:   runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateDown, "down", false, "Roll back all migrations")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(_ *cobra.Command, _ []string) {
	cfg := mustLoadConfig()
	if cfg.Store.Driver != config.StoreDriverMySQL {
		logrus.WithField("driver", cfg.Store.Driver).Info("Store driver has no schema, nothing to migrate")
		return
	}

	db := mustOpenDB(cfg)
	defer db.Close()

	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load embedded migrations")
	}

	driver, err := migratemysql.WithInstance(db, &migratemysql.Config{})
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize migration driver")
	}

	m, err := migrate.NewWithInstance("iofs", source, "mysql", driver)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize migrations")
	}

	if migrateDown {
		err = m.Down()
	} else {
		err = m.Up()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logrus.WithError(err).Fatal("Migration failed")
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		logrus.WithError(err).Warn("Failed to read migration version")
		return
	}
	logrus.WithFields(logrus.Fields{"version": version, "dirty": dirty}).Info("Migrations applied")
}
