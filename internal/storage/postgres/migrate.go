package postgres

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	// pgx5:// для golang-migrate.
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/pribylovaa/betforbes-session/internal/pkg/log"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate применяет встроенные миграции схемы session_slots.
// Повторный вызов на актуальной схеме — no-op.
func Migrate(dbURL string, logger *slog.Logger) error {
	const op = "storage.postgres.Migrate"

	lg := log.Or(logger)

	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, pgx5URL(dbURL))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil || dbErr != nil {
			lg.Warn("migration_close_failed", slog.Any("source_err", srcErr), slog.Any("db_err", dbErr))
		}
	}()

	from, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("%s: version: %w", op, err)
	}
	if dirty {
		return fmt.Errorf("%s: schema is dirty at version %d", op, from)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			lg.Debug("migration_up_to_date", slog.Uint64("version", uint64(from)))
			return nil
		}
		return fmt.Errorf("%s: up: %w", op, err)
	}

	to, _, _ := m.Version()
	lg.Info("migration_applied", slog.Uint64("from", uint64(from)), slog.Uint64("to", uint64(to)))

	return nil
}

// pgx5URL переводит postgres:// и postgresql:// в схему драйвера pgx/v5.
func pgx5URL(dsn string) string {
	for _, p := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, p) {
			return "pgx5://" + strings.TrimPrefix(dsn, p)
		}
	}

	return dsn
}
