package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nao1215/stockquest/internal/config"
	"github.com/nao1215/stockquest/internal/gateway"
	"github.com/nao1215/stockquest/internal/identity"
	"github.com/nao1215/stockquest/pkg/event"
	"github.com/nao1215/stockquest/pkg/middleware"
)

// cliActorID は CLI から行った権限変更の監査イベントに記録する操作者ID。
const cliActorID = "cli"

// app はサブコマンド間で共有する設定とロガー。
type app struct {
	configPath string
	cfg        config.Config
	logger     *zap.Logger
}

// newRootCmd はルートコマンドを生成する。
func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "gateway",
		Short:         "StockQuestのアクセスゲートウェイ",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			logger, err := config.NewLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "設定ファイルのパス（YAML）")

	root.AddCommand(
		a.newServeCmd(),
		a.newMigrateCmd(),
		a.newGrantRoleCmd(),
		a.newRevokeRoleCmd(),
		a.newDevTokenCmd(),
	)
	return root
}

// openStore は設定に従ってストアを開く。マイグレーションも適用される。
func (a *app) openStore(ctx context.Context) (*identity.Store, error) {
	store, err := identity.Open(ctx, a.cfg.DatabasePath, a.logger)
	if err != nil {
		return nil, fmt.Errorf("ストアの初期化に失敗: %w", err)
	}
	return store, nil
}

func (a *app) newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "HTTPサーバーを起動する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if a.cfg.UsesDevSecret() {
				a.logger.Warn("開発用の署名鍵を使用しています。本番環境ではJWT_SECRETを設定してください")
			}

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			server := gateway.NewServer(a.cfg, store, a.logger)
			defer server.Close()

			return server.Run(ctx)
		},
	}
}

func (a *app) newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "データベースのマイグレーションを適用する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			fmt.Fprintf(cmd.OutOrStdout(), "マイグレーションを適用しました: %s\n", a.cfg.DatabasePath)
			return nil
		},
	}
}

func (a *app) newGrantRoleCmd() *cobra.Command {
	var userID, roleName string

	cmd := &cobra.Command{
		Use:   "grant-role",
		Short: "ユーザーにロールを付与する（ownerはadminも付与する）",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.changeRole(cmd, userID, roleName, true)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "ユーザーIDまたはメールアドレス")
	cmd.Flags().StringVar(&roleName, "role", "", "ロール（admin, owner）")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func (a *app) newRevokeRoleCmd() *cobra.Command {
	var userID, roleName string

	cmd := &cobra.Command{
		Use:   "revoke-role",
		Short: "ユーザーからロールを剥奪する（adminはownerも剥奪する）",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.changeRole(cmd, userID, roleName, false)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "ユーザーIDまたはメールアドレス")
	cmd.Flags().StringVar(&roleName, "role", "", "ロール（admin, owner）")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

// changeRole はロールを付与または剥奪し、監査イベントを記録する。
func (a *app) changeRole(cmd *cobra.Command, userRef, roleName string, grant bool) error {
	ctx := cmd.Context()
	role, err := identity.ParseRoleName(roleName)
	if err != nil {
		return err
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	user, err := lookupUser(ctx, store, userRef)
	if err != nil {
		return err
	}

	eventType := event.TypeRoleRevoked
	if grant {
		eventType = event.TypeRoleGranted
		err = store.GrantRole(ctx, user.ID, role)
	} else {
		err = store.RevokeRole(ctx, user.ID, role)
	}
	if err != nil {
		return err
	}

	e, err := event.New(user.ID, eventType, event.RoleChangedData{Role: string(role), ActorID: cliActorID})
	if err != nil {
		return err
	}
	if err := store.AppendEvent(ctx, e); err != nil {
		return err
	}

	roles, err := store.Roles(ctx, user.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s (%s): %v\n", user.Email, user.ID, roles)
	return nil
}

func (a *app) newDevTokenCmd() *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "dev-token",
		Short: "開発用のセッショントークンを発行する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			user, err := store.GetUserByEmail(ctx, email)
			if errors.Is(err, identity.ErrUserNotFound) {
				user, err = store.CreateUser(ctx, identity.CreateUserParams{Email: email})
			}
			if err != nil {
				return err
			}

			token, err := middleware.IssueSessionToken(a.cfg.Session.JWTSecret, user.ID, user.Email, a.cfg.Session.TTL)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "メールアドレス")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

// lookupUser はIDまたはメールアドレスでユーザーを取得する。
func lookupUser(ctx context.Context, store *identity.Store, ref string) (identity.User, error) {
	user, err := store.GetUser(ctx, ref)
	if errors.Is(err, identity.ErrUserNotFound) {
		return store.GetUserByEmail(ctx, ref)
	}
	return user, err
}
