package postgres

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // pgx5:// driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Migrate applies every pending migration found in dir of fsys.
// url is a regular postgres:// DSN.
func Migrate(fsys fs.FS, dir, url string) error {
	source, err := iofs.New(fsys, dir)
	if err != nil {
		return fmt.Errorf("Postgres - Migrate - iofs.New: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL(url))
	if err != nil {
		return fmt.Errorf("Postgres - Migrate - migrate.NewWithSourceInstance: %w", err)
	}
	defer m.Close()

	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("Postgres - Migrate - m.Up: %w", err)
	}

	return nil
}

func migrateURL(url string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(url, prefix) {
			return "pgx5://" + strings.TrimPrefix(url, prefix)
		}
	}

	return url
}
