package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

const migrationsDir = "sql/migrations"

//go:embed sql/migrations/*.sql
var migrationsFS embed.FS

// MigrationState описывает текущую версию схемы.
type MigrationState struct {
	Version uint
	Dirty   bool
}

// MigrateUp применяет up-миграции.
// steps=0 означает "применить все доступные".
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	if steps < 0 {
		return fmt.Errorf("steps must be non-negative, got %d", steps)
	}
	return s.withMigrator(ctx, func(m *migrate.Migrate) error {
		if steps == 0 {
			return m.Up()
		}
		return ignoreShortLimit(m.Steps(steps))
	})
}

// MigrateDown откатывает миграции.
// steps<=0 интерпретируется как 1 шаг; откат пустой схемы ничего не делает.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return s.withMigrator(ctx, func(m *migrate.Migrate) error {
		err := m.Steps(-steps)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return ignoreShortLimit(err)
	})
}

// MigrationStatus возвращает текущую версию схемы; пустая база даёт версию 0.
func (s *Store) MigrationStatus(ctx context.Context) (MigrationState, error) {
	var state MigrationState
	err := s.withMigrator(ctx, func(m *migrate.Migrate) error {
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			return nil
		}
		if err != nil {
			return err
		}
		state = MigrationState{Version: version, Dirty: dirty}
		return nil
	})
	return state, err
}

// withMigrator открывает отдельное подключение для golang-migrate:
// его Close закрывает базу целиком, поэтому общий пул не передаём.
func (s *Store) withMigrator(ctx context.Context, fn func(*migrate.Migrate) error) error {
	if s == nil || s.dsn == "" {
		return fmt.Errorf("postgres store is not initialized")
	}

	databaseURL, err := migrationURL(s.dsn)
	if err != nil {
		return err
	}

	src, err := iofs.New(migrationsFS, migrationsDir)
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return fmt.Errorf("init migrator: %w", err)
	}
	defer func() {
		_, _ = m.Close()
	}()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			m.GracefulStop <- true
		case <-done:
		}
	}()

	if err := fn(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: %w", err)
	}
	return ctx.Err()
}

// ignoreShortLimit считает успехом применение меньшего числа шагов, чем запрошено.
func ignoreShortLimit(err error) error {
	var short migrate.ErrShortLimit
	if errors.As(err, &short) {
		return nil
	}
	return err
}

// migrationURL переводит postgres DSN в схему драйвера pgx/v5 для golang-migrate.
func migrationURL(dsn string) (string, error) {
	dsn = strings.TrimSpace(dsn)
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix), nil
		}
	}
	if strings.HasPrefix(dsn, "pgx5://") {
		return dsn, nil
	}
	return "", fmt.Errorf("unsupported postgres dsn for migrations: expected postgres:// url")
}
