// Package config はゲートウェイの設定を読み込む。
//
// デフォルト値、YAMLファイル（任意）、環境変数の順に上書きする。
// YAMLファイル内の ${VAR} 形式は環境変数で展開される。
package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nao1215/stockquest/pkg/gate"
)

// ErrInvalid は設定値が不正であることを表す。
var ErrInvalid = errors.New("設定が不正です")

// devJWTSecret は開発用のデフォルト署名鍵。本番環境では必ずJWT_SECRETで上書きすること。
const devJWTSecret = "dev-secret-key"

// Config はゲートウェイの設定。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string `yaml:"port"`
	// DatabasePath はSQLiteデータベースファイルのパス。
	DatabasePath string `yaml:"database_path"`
	// LogLevel はログレベル（debug, info, warn, error）。
	LogLevel string `yaml:"log_level"`
	// DevMode は開発用エンドポイントを有効にするかどうか。
	DevMode bool `yaml:"dev_mode"`

	// Session はセッショントークンの設定。
	Session SessionConfig `yaml:"session"`
	// Gate はアクセスゲートの設定。
	Gate GateConfig `yaml:"gate"`
	// Services は内部サービスのURL。
	Services ServicesConfig `yaml:"services"`
	// CORS はCORSの設定。
	CORS CORSConfig `yaml:"cors"`
}

// SessionConfig はセッショントークンの設定。
type SessionConfig struct {
	// JWTSecret はセッショントークンの署名鍵。
	JWTSecret string `yaml:"jwt_secret"`
	// TTL はセッショントークンの有効期間。
	TTL time.Duration `yaml:"ttl"`
	// SecureCookie はCookieにSecure属性を付けるかどうか。
	SecureCookie bool `yaml:"secure_cookie"`
}

// GateConfig はアクセスゲートとプロバイダの設定。
type GateConfig struct {
	// AuthEntryPath は未認証時のリダイレクト先。
	AuthEntryPath string `yaml:"auth_entry_path"`
	// OnboardingPath はオンボーディング未完了時のリダイレクト先。
	OnboardingPath string `yaml:"onboarding_path"`
	// ResolveWait は1リクエストでセッションやロールの解決を待つ最大時間。
	ResolveWait time.Duration `yaml:"resolve_wait"`
	// CacheTTL は解決結果をキャッシュする時間。
	CacheTTL time.Duration `yaml:"cache_ttl"`
	// ErrorTTL は解決失敗を拒否としてキャッシュする時間。
	ErrorTTL time.Duration `yaml:"error_ttl"`
}

// ServicesConfig は内部サービスのURL設定。
type ServicesConfig struct {
	// MarketData は株価データサービスのURL。
	MarketData string `yaml:"market_data"`
	// Lesson はレッスンサービスのURL。
	Lesson string `yaml:"lesson"`
	// Profile はプロフィールサービスのURL。空の場合はローカルDBのプロフィールを使う。
	Profile string `yaml:"profile"`
}

// CORSConfig はCORSの設定。
type CORSConfig struct {
	// AllowedOrigins はクロスオリジンを許可するオリジン。
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Default はデフォルト設定を返す。
func Default() Config {
	return Config{
		Port:         "8080",
		DatabasePath: "/data/gateway.db",
		LogLevel:     "info",
		Session: SessionConfig{
			JWTSecret: devJWTSecret,
			TTL:       24 * time.Hour,
		},
		Gate: GateConfig{
			AuthEntryPath:  gate.DefaultAuthEntryPath,
			OnboardingPath: gate.DefaultOnboardingPath,
			ResolveWait:    250 * time.Millisecond,
			CacheTTL:       30 * time.Second,
			ErrorTTL:       2 * time.Second,
		},
		Services: ServicesConfig{
			MarketData: "http://localhost:8081",
			Lesson:     "http://localhost:8082",
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"http://localhost:5173"},
		},
	}
}

// Load は設定を読み込む。pathが空の場合はファイルを読まない。
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
			return Config{}, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv は環境変数で設定を上書きする。
func applyEnv(cfg *Config) error {
	cfg.Port = getEnvOr("PORT", cfg.Port)
	cfg.DatabasePath = getEnvOr("DATABASE_PATH", cfg.DatabasePath)
	cfg.LogLevel = getEnvOr("LOG_LEVEL", cfg.LogLevel)
	cfg.Session.JWTSecret = getEnvOr("JWT_SECRET", cfg.Session.JWTSecret)
	cfg.Services.MarketData = getEnvOr("MARKET_DATA_URL", cfg.Services.MarketData)
	cfg.Services.Lesson = getEnvOr("LESSON_URL", cfg.Services.Lesson)
	cfg.Services.Profile = getEnvOr("PROFILE_SERVICE_URL", cfg.Services.Profile)

	if v := os.Getenv("FRONTEND_URL"); v != "" {
		cfg.CORS.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("DEV_MODE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: DEV_MODE=%q", ErrInvalid, v)
		}
		cfg.DevMode = b
	}
	if v := os.Getenv("SESSION_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: SESSION_TTL=%q", ErrInvalid, v)
		}
		cfg.Session.TTL = d
	}
	return nil
}

// Validate は設定値を検証する。
func (c Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("portが空です"))
	}
	if c.Session.JWTSecret == "" {
		errs = append(errs, errors.New("session.jwt_secretが空です"))
	}
	if c.Session.TTL <= 0 {
		errs = append(errs, errors.New("session.ttlは正の値にしてください"))
	}
	if !isAbsPath(c.Gate.AuthEntryPath) {
		errs = append(errs, fmt.Errorf("gate.auth_entry_pathは絶対パスにしてください: %q", c.Gate.AuthEntryPath))
	}
	if !isAbsPath(c.Gate.OnboardingPath) {
		errs = append(errs, fmt.Errorf("gate.onboarding_pathは絶対パスにしてください: %q", c.Gate.OnboardingPath))
	}
	if isAbsPath(c.Gate.AuthEntryPath) && path.Clean(c.Gate.AuthEntryPath) == path.Clean(c.Gate.OnboardingPath) {
		errs = append(errs, errors.New("gate.auth_entry_pathとgate.onboarding_pathは別のパスにしてください"))
	}
	if c.Gate.ResolveWait < 0 || c.Gate.CacheTTL < 0 || c.Gate.ErrorTTL < 0 {
		errs = append(errs, errors.New("gateの時間設定は0以上にしてください"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_levelが不正です: %q", c.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// UsesDevSecret は開発用の署名鍵のままかどうかを返す。
func (c Config) UsesDevSecret() bool {
	return c.Session.JWTSecret == devJWTSecret
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isAbsPath(p string) bool {
	return strings.HasPrefix(p, "/")
}
