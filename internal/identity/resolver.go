package identity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// FetchFunc はキーに対応する値をバックエンドから取得する。
// 確定的な否定（存在しない等）はエラーではなく値として返すこと。
type FetchFunc[T any] func(ctx context.Context, key string) (T, error)

// ResolverConfig はResolverの動作設定。
type ResolverConfig struct {
	// Name はログ出力に使う名前。
	Name string
	// Wait はGetが取得完了を待つ最大時間。超えた場合は未解決を返す。0の場合は完了まで待つ。
	Wait time.Duration
	// TTL は取得した値をキャッシュする時間。
	TTL time.Duration
	// ErrorTTL は取得失敗時の拒否値をキャッシュする時間。
	ErrorTTL time.Duration
	// FetchTimeout は1回の取得処理のタイムアウト。0の場合は無制限。
	FetchTimeout time.Duration
	// Logger はロガー。nilの場合は出力しない。
	Logger *zap.Logger
}

type cacheEntry[T any] struct {
	value   T
	expires time.Time
}

type fetchResult[T any] struct {
	value T
	stale bool
}

// pendingLoad は実行中の取得1回分。Invalidateされるとstaleになる。
type pendingLoad struct {
	stale bool
}

// sweepInterval は期限切れキャッシュを掃除する間隔。
const sweepInterval = time.Minute

// Resolver はキーごとの値を非同期に解決してキャッシュする。
//
// 同じキーへの同時取得は1回にまとめられる。Invalidateより前に開始された取得の結果は
// キャッシュにも呼び出し元にも反映されない。
// 取得が失敗した場合はfailClosedの値を解決済みとして扱う。
type Resolver[T any] struct {
	fetch      FetchFunc[T]
	failClosed T
	cfg        ResolverConfig
	logger     *zap.Logger
	now        func() time.Time

	group singleflight.Group

	mu        sync.Mutex
	entries   map[string]cacheEntry[T]
	pending   map[string]map[*pendingLoad]struct{}
	lastSweep time.Time
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewResolver はResolverを生成する。failClosedは取得失敗時に返す値。
func NewResolver[T any](fetch FetchFunc[T], failClosed T, cfg ResolverConfig) *Resolver[T] {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Resolver[T]{
		fetch:      fetch,
		failClosed: failClosed,
		cfg:        cfg,
		logger:     logger.With(zap.String("resolver", cfg.Name)),
		now:        time.Now,
		entries:    make(map[string]cacheEntry[T]),
		pending:    make(map[string]map[*pendingLoad]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Get はキーの値を返す。2番目の戻り値は解決済みかどうか。
//
// キャッシュにあればその値を返す。なければバックグラウンドで取得を開始し、
// 最大Wait時間だけ待つ。待ち時間内に完了しない場合やctxがキャンセルされた場合は
// 未解決を返すが、取得自体は継続し次回以降のGetで利用される。
func (r *Resolver[T]) Get(ctx context.Context, key string) (T, bool) {
	var zero T

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return r.failClosed, true
	}
	if e, ok := r.entries[key]; ok {
		if r.now().Before(e.expires) {
			r.mu.Unlock()
			return e.value, true
		}
		delete(r.entries, key)
	}
	r.mu.Unlock()

	ch := r.group.DoChan(key, func() (any, error) {
		return r.load(key)
	})

	var timeout <-chan time.Time
	if r.cfg.Wait > 0 {
		timer := time.NewTimer(r.cfg.Wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-ch:
		out, ok := res.Val.(fetchResult[T])
		if !ok || out.stale {
			return zero, false
		}
		return out.value, true
	case <-timeout:
		return zero, false
	case <-ctx.Done():
		return zero, false
	}
}

// load はバックエンドから値を取得し、取得中にInvalidateされていなければキャッシュする。
func (r *Resolver[T]) load(key string) (any, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrResolverClosed
	}
	r.wg.Add(1)
	p := &pendingLoad{}
	if r.pending[key] == nil {
		r.pending[key] = make(map[*pendingLoad]struct{})
	}
	r.pending[key][p] = struct{}{}
	r.mu.Unlock()
	defer r.wg.Done()

	ctx := r.ctx
	if r.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.FetchTimeout)
		defer cancel()
	}

	value, err := r.fetch(ctx, key)
	ttl := r.cfg.TTL
	if err != nil {
		r.logger.Warn("取得に失敗したため拒否として扱います", zap.String("key", key), zap.Error(err))
		value = r.failClosed
		ttl = r.cfg.ErrorTTL
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending[key], p)
	if len(r.pending[key]) == 0 {
		delete(r.pending, key)
	}
	if p.stale {
		r.logger.Debug("古い取得結果を破棄しました", zap.String("key", key))
		return fetchResult[T]{value: value, stale: true}, nil
	}
	now := r.now()
	r.sweepLocked(now)
	if ttl > 0 {
		r.entries[key] = cacheEntry[T]{value: value, expires: now.Add(ttl)}
	}
	return fetchResult[T]{value: value}, nil
}

// sweepLocked は前回からsweepInterval以上経過していれば期限切れのキャッシュを削除する。
// r.muを保持した状態で呼ぶこと。
func (r *Resolver[T]) sweepLocked(now time.Time) {
	if now.Sub(r.lastSweep) < sweepInterval {
		return
	}
	r.lastSweep = now
	for key, e := range r.entries {
		if !now.Before(e.expires) {
			delete(r.entries, key)
		}
	}
}

// Invalidate はキーのキャッシュを破棄し、実行中の取得結果を無効にする。
func (r *Resolver[T]) Invalidate(key string) {
	r.mu.Lock()
	for p := range r.pending[key] {
		p.stale = true
	}
	delete(r.entries, key)
	r.mu.Unlock()
	r.group.Forget(key)
}

// Close は実行中の取得をキャンセルし、終了を待つ。
// Close後のGetは拒否値を解決済みとして返す。
func (r *Resolver[T]) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}

// size はキャッシュ件数と取得中のキー数を返す。
func (r *Resolver[T]) size() (entries, pending int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries), len(r.pending)
}
