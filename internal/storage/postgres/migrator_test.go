package postgres

import (
	"io/fs"
	"strings"
	"testing"
)

func TestMigrationURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		dsn     string
		want    string
		wantErr bool
	}{
		{name: "postgres scheme", dsn: "postgres://u:p@db:5432/orders?sslmode=disable", want: "pgx5://u:p@db:5432/orders?sslmode=disable"},
		{name: "postgresql scheme", dsn: " postgresql://u@db/orders ", want: "pgx5://u@db/orders"},
		{name: "already pgx5", dsn: "pgx5://u@db/orders", want: "pgx5://u@db/orders"},
		{name: "keyword dsn", dsn: "host=db user=u dbname=orders", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := migrationURL(tt.dsn)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.dsn)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	t.Parallel()

	entries, err := fs.ReadDir(migrationsFS, migrationsDir)
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Fatalf("unexpected file in migrations dir: %s", name)
		}
	}

	if len(ups) == 0 {
		t.Fatal("expected embedded migrations")
	}
	for name := range ups {
		if !downs[name] {
			t.Fatalf("migration %s has no down script", name)
		}
	}
	for name := range downs {
		if !ups[name] {
			t.Fatalf("migration %s has no up script", name)
		}
	}
}
