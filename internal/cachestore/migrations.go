package cachestore

import (
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	"github.com/chainweave/indexor/internal/logger"
	_ "github.com/mattn/go-sqlite3"
	migrate "github.com/rubenv/sql-migrate"
)

const (
	upDownSeparator   = "-- +migrate Up"
	downMarker        = "-- +migrate Down"
	migrationSections = 2
)

//go:embed migrations/001_initial_schema.sql
var migration001 string

// migration is one embedded, combined up/down SQL file.
type migration struct {
	ID  string
	SQL string
}

var allMigrations = []migration{
	{ID: "001_initial_schema.sql", SQL: migration001},
}

// runMigrations applies every pending migration to db, in order, using the
// teacher's convention of splitting a single embedded file on the
// "-- +migrate Up" marker rather than shipping paired up/down files.
func runMigrations(log *logger.Logger, db *sql.DB) error {
	migs := &migrate.MemoryMigrationSource{Migrations: []*migrate.Migration{}}

	for _, m := range allMigrations {
		splitted := strings.Split(m.SQL, upDownSeparator)
		if len(splitted) < migrationSections {
			return fmt.Errorf("migration %s missing %q separator", m.ID, upDownSeparator)
		}

		downSQL := splitted[0]
		upSQL := strings.TrimSpace(splitted[1])

		if idx := strings.Index(downSQL, downMarker); idx != -1 {
			downSQL = strings.TrimSpace(downSQL[idx+len(downMarker):])
		} else {
			downSQL = strings.TrimSpace(downSQL)
		}

		migs.Migrations = append(migs.Migrations, &migrate.Migration{
			Id:   m.ID,
			Up:   []string{upSQL},
			Down: []string{downSQL},
		})
	}

	n, err := migrate.Exec(db, "sqlite3", migs, migrate.Up)
	if err != nil {
		return fmt.Errorf("error executing cache store migrations: %w", err)
	}

	log.Infof("applied %d cache store migrations", n)
	return nil
}
