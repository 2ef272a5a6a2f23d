package identity

import "errors"

var (
	// ErrUserNotFound はユーザーが存在しないことを表す。
	ErrUserNotFound = errors.New("ユーザーが見つかりません")
	// ErrUserExists は同じメールアドレスのユーザーが既に存在することを表す。
	ErrUserExists = errors.New("ユーザーは既に存在します")
	// ErrInvalidRole は未定義のロール名が指定されたことを表す。
	ErrInvalidRole = errors.New("不正なロールです")
	// ErrResolverClosed はクローズ済みのResolverが使用されたことを表す。
	ErrResolverClosed = errors.New("resolverはクローズされています")
)
