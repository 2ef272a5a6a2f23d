package migration

import (
	"context"
	"database/sql"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// TestRun はマイグレーションの適用順序と冪等性を検証する。
func TestRun(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"migrations/000002_add_email.up.sql":  {Data: []byte("ALTER TABLE accounts ADD COLUMN email TEXT NOT NULL DEFAULT '';")},
		"migrations/000001_create.up.sql":     {Data: []byte("CREATE TABLE accounts (id TEXT PRIMARY KEY);")},
		"migrations/000001_create.down.sql":   {Data: []byte("DROP TABLE accounts;")},
		"migrations/README.md":                {Data: []byte("ignored")},
		"migrations/notanumber_broken.up.sql": {Data: []byte("broken")},
	}

	t.Run("バージョン順に適用されること", func(t *testing.T) {
		t.Parallel()

		db := newTestDB(t)
		ctx := context.Background()

		n, err := Run(ctx, db, fsys, "migrations", nil)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		_, err = db.ExecContext(ctx, "INSERT INTO accounts (id, email) VALUES ('a', 'a@example.com')")
		assert.NoError(t, err)
	})

	t.Run("2回目の実行では何も適用されないこと", func(t *testing.T) {
		t.Parallel()

		db := newTestDB(t)
		ctx := context.Background()

		_, err := Run(ctx, db, fsys, "migrations", nil)
		require.NoError(t, err)

		n, err := Run(ctx, db, fsys, "migrations", nil)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		var count int
		require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count))
		assert.Equal(t, 2, count)
	})

	t.Run("SQLが不正な場合はエラーになり記録されないこと", func(t *testing.T) {
		t.Parallel()

		db := newTestDB(t)
		ctx := context.Background()
		bad := fstest.MapFS{
			"m/000001_bad.up.sql": {Data: []byte("CREATE TABLE;")},
		}

		_, err := Run(ctx, db, bad, "m", nil)
		require.Error(t, err)

		var count int
		require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count))
		assert.Equal(t, 0, count)
	})

	t.Run("バージョンが重複している場合は何も適用しないこと", func(t *testing.T) {
		t.Parallel()

		db := newTestDB(t)
		dup := fstest.MapFS{
			"m/000001_first.up.sql":  {Data: []byte("CREATE TABLE first (id TEXT);")},
			"m/000001_second.up.sql": {Data: []byte("CREATE TABLE second (id TEXT);")},
		}

		n, err := Run(context.Background(), db, dup, "m", nil)
		assert.ErrorIs(t, err, ErrDuplicateVersion)
		assert.Equal(t, 0, n)
	})

	t.Run("適用したマイグレーションの名前が記録されること", func(t *testing.T) {
		t.Parallel()

		db := newTestDB(t)
		ctx := context.Background()
		_, err := Run(ctx, db, fsys, "migrations", nil)
		require.NoError(t, err)

		var name string
		require.NoError(t, db.QueryRowContext(ctx, "SELECT name FROM schema_migrations WHERE version = 2").Scan(&name))
		assert.Equal(t, "add_email", name)
	})

	t.Run("ディレクトリが存在しない場合はエラーになること", func(t *testing.T) {
		t.Parallel()

		db := newTestDB(t)
		_, err := Run(context.Background(), db, fstest.MapFS{}, "missing", nil)
		assert.Error(t, err)
	})
}
