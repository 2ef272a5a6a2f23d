package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownType は定義されていないイベント種類が指定されたことを表す。
var ErrUnknownType = errors.New("不明なイベント種類です")

// Valid は定義済みのイベント種類かどうかを返す。
func (t Type) Valid() bool {
	switch t {
	case TypeAccessRedirected, TypeAccessDenied, TypeRoleGranted, TypeRoleRevoked, TypeOnboardingCompleted:
		return true
	default:
		return false
	}
}

// New は監査イベントを生成する。subjectは対象ユーザーのID（未認証なら空文字列）。
// dataはJSONにシリアライズしてDataに格納する。
func New(subject string, eventType Type, data any) (*Event, error) {
	if !eventType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, eventType)
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("イベントデータのシリアライズに失敗: %w", err)
	}

	return &Event{
		ID:        uuid.NewString(),
		Subject:   subject,
		EventType: eventType,
		Data:      payload,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// DecodeData はイベントのDataを型Tとして復元する。
func DecodeData[T any](e *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("イベントデータのデシリアライズに失敗 (%s): %w", e.EventType, err)
	}
	return &data, nil
}
