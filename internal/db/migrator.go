package db

import (
	"fmt"

	"github.com/meow-io/go-e2ee/config"
	"github.com/meow-io/go-e2ee/migration"
	"go.uber.org/zap"
)

// migrator applies migrations in order, one transaction each, recording them in its own table.
type migrator struct {
	db         *Database
	name       string
	table      string
	log        *zap.SugaredLogger
	migrations []*migration.Migration
}

func newMigrator(c *config.Config, db *Database, name string, migrations []*migration.Migration) *migrator {
	return &migrator{
		db:         db,
		name:       name,
		table:      fmt.Sprintf("_migrations_%s", name),
		log:        c.Logger("db/migrator"),
		migrations: migrations,
	}
}

func (m *migrator) migrate() error {
	var applied int
	if err := m.db.Run(fmt.Sprintf("prepare %s migrations", m.name), func() error {
		if _, err := m.db.Tx.Exec(fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id INT8 NOT NULL PRIMARY KEY, version VARCHAR(255) NOT NULL)", m.table)); err != nil {
			return err
		}
		return m.db.Tx.Get(&applied, fmt.Sprintf("SELECT count(*) FROM %s", m.table))
	}); err != nil {
		return err
	}
	// a database written by a newer build can't be understood by this one
	if applied > len(m.migrations) {
		return fmt.Errorf("migrator: %s has %d applied migrations but only %d are known", m.name, applied, len(m.migrations))
	}

	for id := applied; id < len(m.migrations); id++ {
		mig := m.migrations[id]
		if err := m.db.Run(mig.String(), func() error {
			if err := mig.Func(m.db.Tx.Tx); err != nil {
				return err
			}
			_, err := m.db.Tx.Exec(fmt.Sprintf("INSERT INTO %s (id, version) VALUES (?, ?)", m.table), id, mig.String())
			return err
		}); err != nil {
			return fmt.Errorf("migrator: error applying %q: %w", mig.Name, err)
		}
		m.log.Debugf("applied %s migration %q", m.name, mig.Name)
	}
	return nil
}
