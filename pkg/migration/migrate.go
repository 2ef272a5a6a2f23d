// Package migration はSQLiteデータベースのマイグレーションを管理する。
// fs.FSからSQLファイルを読み込み、schema_migrationsテーブルで適用状態を追跡する。
package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const upSuffix = ".up.sql"

// ErrDuplicateVersion は同じバージョン番号のマイグレーションが複数あることを表す。
var ErrDuplicateVersion = errors.New("マイグレーションのバージョンが重複しています")

// step は1つのマイグレーションファイル。ファイル名形式: 000001_description.up.sql
type step struct {
	version int
	name    string
	file    string
}

// Run はdir配下の未適用のマイグレーションをバージョン順に適用し、適用した件数を返す。
// 各マイグレーションはバージョンの記録と同じトランザクションで実行される。
func Run(ctx context.Context, db *sql.DB, fsys fs.FS, dir string, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	steps, err := readSteps(fsys, dir)
	if err != nil {
		return 0, fmt.Errorf("マイグレーションファイルの収集に失敗: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
		)
	`); err != nil {
		return 0, fmt.Errorf("マイグレーション管理テーブルの作成に失敗: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return 0, fmt.Errorf("適用済みバージョンの取得に失敗: %w", err)
	}

	count := 0
	for _, s := range steps {
		if _, ok := applied[s.version]; ok {
			continue
		}
		if err := apply(ctx, db, fsys, s); err != nil {
			return count, fmt.Errorf("マイグレーション %06d_%s の適用に失敗: %w", s.version, s.name, err)
		}
		count++
		logger.Info("マイグレーションを適用しました",
			zap.Int("version", s.version),
			zap.String("name", s.name))
	}
	if count == 0 {
		logger.Debug("適用するマイグレーションはありません", zap.Int("applied", len(applied)))
	}

	return count, nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]struct{}, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[int]struct{})
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = struct{}{}
	}
	return applied, rows.Err()
}

// readSteps はdir直下のup.sqlファイルをバージョン順に返す。
// 命名規則に合わないファイルは無視する。
func readSteps(fsys fs.FS, dir string) ([]step, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	var steps []step
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), upSuffix)
		if entry.IsDir() || !ok {
			continue
		}
		prefix, desc, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		steps = append(steps, step{
			version: version,
			name:    desc,
			file:    path.Join(dir, entry.Name()),
		})
	}

	slices.SortFunc(steps, func(a, b step) int { return a.version - b.version })
	for i := 1; i < len(steps); i++ {
		if steps[i].version == steps[i-1].version {
			return nil, fmt.Errorf("%w: %06d", ErrDuplicateVersion, steps[i].version)
		}
	}
	return steps, nil
}

func apply(ctx context.Context, db *sql.DB, fsys fs.FS, s step) error {
	content, err := fs.ReadFile(fsys, s.file)
	if err != nil {
		return fmt.Errorf("ファイル読み込みに失敗: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("SQL実行に失敗: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name) VALUES (?, ?)", s.version, s.name); err != nil {
		return fmt.Errorf("バージョン記録に失敗: %w", err)
	}
	return tx.Commit()
}
