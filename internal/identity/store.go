package identity

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/nao1215/stockquest/pkg/event"
	"github.com/nao1215/stockquest/pkg/gate"
	"github.com/nao1215/stockquest/pkg/migration"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// eventTimeLayout は文字列比較で時刻順に並ぶ固定長のレイアウト。
const eventTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// RoleName は付与可能なロール名。
type RoleName string

const (
	// RoleAdmin は管理画面へのアクセス権限。
	RoleAdmin RoleName = "admin"
	// RoleOwner は管理者の上位権限。オーナーは常に管理者でもある。
	RoleOwner RoleName = "owner"
)

// ParseRoleName は文字列をRoleNameに変換する。
func ParseRoleName(s string) (RoleName, error) {
	switch RoleName(strings.ToLower(strings.TrimSpace(s))) {
	case RoleAdmin:
		return RoleAdmin, nil
	case RoleOwner:
		return RoleOwner, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// User はゲートウェイに登録されたユーザー。
type User struct {
	// ID はユーザーの一意識別子（UUID）。
	ID string `json:"id"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
	// DisplayName は表示名。
	DisplayName string `json:"display_name"`
	// OnboardingCompleted はオンボーディングを完了しているかどうか。
	OnboardingCompleted bool `json:"onboarding_completed"`
	// CreatedAt は登録日時。
	CreatedAt time.Time `json:"created_at"`
	// LastLoginAt は最終ログイン日時。
	LastLoginAt time.Time `json:"last_login_at"`
}

// CreateUserParams はCreateUserの引数。
type CreateUserParams struct {
	// Email はメールアドレス。
	Email string
	// DisplayName は表示名。
	DisplayName string
}

// Store はユーザー・ロール・監査イベントを保存するSQLiteストア。
type Store struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
	// now は現在時刻を返す。
	now func() time.Time
}

// Open はSQLiteデータベースを開き、マイグレーションを適用したStoreを返す。
// pathに ":memory:" を指定するとインメモリデータベースになる。
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if path == ":memory:" {
		// インメモリDBは接続ごとに別のDBになるため1接続に制限する
		db.SetMaxOpenConns(1)
	}

	if _, err := migration.Run(ctx, db, migrationsFS, "migrations", logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	return NewStore(db), nil
}

// NewStore はマイグレーション済みのDB接続からStoreを生成する。
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Close はデータベース接続を閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping はデータベースへの疎通を確認する。
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateUser は新しいユーザーを作成する。
func (s *Store) CreateUser(ctx context.Context, p CreateUserParams) (User, error) {
	now := s.now()
	u := User{
		ID:          uuid.New().String(),
		Email:       strings.ToLower(strings.TrimSpace(p.Email)),
		DisplayName: p.DisplayName,
		CreatedAt:   now,
		LastLoginAt: now,
	}
	if u.Email == "" {
		return User{}, errors.New("メールアドレスが空です")
	}
	if u.DisplayName == "" {
		u.DisplayName = u.Email
	}

	if _, err := s.GetUserByEmail(ctx, u.Email); err == nil {
		return User{}, fmt.Errorf("%w: %s", ErrUserExists, u.Email)
	} else if !errors.Is(err, ErrUserNotFound) {
		return User{}, err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, display_name, onboarding_completed, created_at, last_login_at)
		 VALUES (?, ?, ?, 0, ?, ?)`,
		u.ID, u.Email, u.DisplayName, formatTime(now), formatTime(now))
	if err != nil {
		return User{}, fmt.Errorf("ユーザーの作成に失敗: %w", err)
	}
	return u, nil
}

const userColumns = `id, email, display_name, onboarding_completed, created_at, last_login_at`

// GetUser はIDでユーザーを取得する。
func (s *Store) GetUser(ctx context.Context, id string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByEmail はメールアドレスでユーザーを取得する。
func (s *Store) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`,
		strings.ToLower(strings.TrimSpace(email)))
	return scanUser(row)
}

// TouchLogin は最終ログイン日時を更新する。
func (s *Store) TouchLogin(ctx context.Context, id string) error {
	return s.execAffectingUser(ctx, `UPDATE users SET last_login_at = ? WHERE id = ?`, formatTime(s.now()), id)
}

// CompleteOnboarding はユーザーのオンボーディングを完了済みにする。
func (s *Store) CompleteOnboarding(ctx context.Context, id string) error {
	return s.execAffectingUser(ctx, `UPDATE users SET onboarding_completed = 1 WHERE id = ?`, id)
}

// Profile はユーザーのプロフィールを返す。ProfileSourceを満たす。
func (s *Store) Profile(ctx context.Context, userID string) (*gate.Profile, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &gate.Profile{OnboardingCompleted: u.OnboardingCompleted}, nil
}

// GrantRole はユーザーにロールを付与する。
// ownerを付与する場合はadminも同時に付与する。付与済みの場合は何もしない。
func (s *Store) GrantRole(ctx context.Context, userID string, role RoleName) error {
	if _, err := ParseRoleName(string(role)); err != nil {
		return err
	}
	if _, err := s.GetUser(ctx, userID); err != nil {
		return err
	}

	roles := []RoleName{role}
	if role == RoleOwner {
		roles = []RoleName{RoleAdmin, RoleOwner}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, r := range roles {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO user_roles (user_id, role, granted_at) VALUES (?, ?, ?)`,
			userID, string(r), formatTime(s.now())); err != nil {
			return fmt.Errorf("ロールの付与に失敗: %w", err)
		}
	}
	return tx.Commit()
}

// RevokeRole はユーザーからロールを剥奪する。
// adminを剥奪する場合はownerも同時に剥奪する。
func (s *Store) RevokeRole(ctx context.Context, userID string, role RoleName) error {
	if _, err := ParseRoleName(string(role)); err != nil {
		return err
	}

	query := `DELETE FROM user_roles WHERE user_id = ? AND role = ?`
	args := []any{userID, string(role)}
	if role == RoleAdmin {
		query = `DELETE FROM user_roles WHERE user_id = ?`
		args = []any{userID}
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("ロールの剥奪に失敗: %w", err)
	}
	return nil
}

// Roles はユーザーに付与されたロールを名前順で返す。
func (s *Store) Roles(ctx context.Context, userID string) ([]RoleName, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT role FROM user_roles WHERE user_id = ? ORDER BY role`, userID)
	if err != nil {
		return nil, fmt.Errorf("ロールの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	roles := []RoleName{}
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("ロールの読み取りに失敗: %w", err)
		}
		roles = append(roles, RoleName(r))
	}
	return roles, rows.Err()
}

// AppendEvent は監査イベントを保存する。
func (s *Store) AppendEvent(ctx context.Context, e *event.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO access_events (id, subject, event_type, data, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.Subject, string(e.EventType), string(e.Data), e.CreatedAt.UTC().Format(eventTimeLayout))
	if err != nil {
		return fmt.Errorf("イベントの保存に失敗: %w", err)
	}
	return nil
}

// ListEvents は監査イベントを新しい順に最大limit件返す。
func (s *Store) ListEvents(ctx context.Context, limit int) ([]event.Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subject, event_type, data, created_at FROM access_events
		 ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("イベントの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []event.Event{}
	for rows.Next() {
		var (
			e         event.Event
			eventType string
			data      string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.Subject, &eventType, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("イベントの読み取りに失敗: %w", err)
		}
		e.EventType = event.Type(eventType)
		e.Data = []byte(data)
		if e.CreatedAt, err = time.Parse(eventTimeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("イベント日時の解析に失敗: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) execAffectingUser(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("ユーザーの更新に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func scanUser(row *sql.Row) (User, error) {
	var (
		u           User
		onboarded   int
		createdAt   string
		lastLoginAt string
	)
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &onboarded, &createdAt, &lastLoginAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("ユーザーの取得に失敗: %w", err)
	}
	u.OnboardingCompleted = onboarded != 0
	if u.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return User{}, fmt.Errorf("登録日時の解析に失敗: %w", err)
	}
	if u.LastLoginAt, err = time.Parse(time.RFC3339, lastLoginAt); err != nil {
		return User{}, fmt.Errorf("最終ログイン日時の解析に失敗: %w", err)
	}
	return u, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
