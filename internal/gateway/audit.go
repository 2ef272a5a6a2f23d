package gateway

import (
	"context"

	"go.uber.org/zap"

	"github.com/nao1215/stockquest/internal/identity"
	"github.com/nao1215/stockquest/pkg/event"
)

// storeAuditor は監査イベントをストアに保存するmiddleware.Auditor。
// 保存に失敗してもリクエストは失敗させず、ログに残す。
type storeAuditor struct {
	store  *identity.Store
	logger *zap.Logger
}

// Record は監査イベントを保存する。
func (a *storeAuditor) Record(ctx context.Context, e *event.Event) {
	if err := a.store.AppendEvent(context.WithoutCancel(ctx), e); err != nil {
		a.logger.Warn("監査イベントの保存に失敗",
			zap.String("event_id", e.ID),
			zap.String("event_type", string(e.EventType)),
			zap.Error(err))
	}
}
