// アクセスゲートウェイのエントリポイント。
// セッショントークンの発行、AuthGateとRoleGateによるアクセス制御、
// 内部サービスへのリクエスト転送を担当する。外部からアクセス可能な唯一の
// サービスであり、セキュリティの境界線となる。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "エラー: %v\n", err)
		os.Exit(1)
	}
}
