// Package role はサインイン中ユーザーのロール解決を提供する。
//
// ロールはバックエンドの GET /users/role/{email} から取得し、
// TTL付きでキャッシュする。取得失敗や未確定の間はフェイルセーフとして
// 最小権限（一般ユーザー）へ解決する。
package role

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/pricewatch/internal/model"
)

// Getter はロール取得に必要なゲートウェイのインターフェース。
type Getter interface {
	GetJSON(ctx context.Context, path string, out any) error
}

// Resolution はロール解決の結果。
type Resolution struct {
	Role model.Role
	// Authoritative はサーバーの応答（またはTTL内のキャッシュ）に
	// 基づく解決であればtrue。取得失敗時のフェイルセーフ解決はfalseで、
	// 権限の拡大には使用してはならない。
	Authoritative bool
}

type cacheEntry struct {
	role      model.Role
	fetchedAt time.Time
}

// Resolver はメールアドレスごとのロールをTTL付きで解決する。
type Resolver struct {
	gateway Getter
	ttl     time.Duration
	logger  *slog.Logger

	mu      sync.RWMutex
	entries map[string]cacheEntry

	group singleflight.Group
	now   func() time.Time
}

// NewResolver はResolverを生成する。ttlが0以下の場合は5分を使用する。
func NewResolver(gateway Getter, ttl time.Duration, logger *slog.Logger) *Resolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Resolver{
		gateway: gateway,
		ttl:     ttl,
		logger:  logger,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

type roleResponse struct {
	Role string `json:"role"`
}

// Resolve はemailのロールを解決する。
//
// TTL内のキャッシュがあればネットワークを介さずに返す。同一emailへの
// 並行解決は1回のリクエストに合流する。取得に失敗した場合は期限切れの
// キャッシュ値、それもなければRoleUserを非権威的に返す。
// emailが空の場合（未サインイン）はRoleUserを非権威的に返す。
func (r *Resolver) Resolve(ctx context.Context, email string) Resolution {
	if email == "" {
		return Resolution{Role: model.RoleUser}
	}
	email = strings.ToLower(email)

	r.mu.RLock()
	entry, ok := r.entries[email]
	r.mu.RUnlock()
	if ok && r.now().Sub(entry.fetchedAt) < r.ttl {
		return Resolution{Role: entry.role, Authoritative: true}
	}

	v, err, _ := r.group.Do(email, func() (any, error) {
		var resp roleResponse
		if err := r.gateway.GetJSON(ctx, "/users/role/"+url.PathEscape(email), &resp); err != nil {
			return nil, err
		}
		resolved := model.ParseRole(resp.Role)
		r.mu.Lock()
		r.entries[email] = cacheEntry{role: resolved, fetchedAt: r.now()}
		r.mu.Unlock()
		return resolved, nil
	})
	if err != nil {
		r.logger.Warn("role resolution failed",
			slog.String("email", email),
			slog.String("error", err.Error()))
		// 失敗時: 期限切れキャッシュがあればそれを、なければ最小権限を返す
		if ok {
			return Resolution{Role: entry.role}
		}
		return Resolution{Role: model.RoleUser}
	}
	return Resolution{Role: v.(model.Role), Authoritative: true}
}

// Invalidate はemailのキャッシュを破棄する。ロール変更の反映後に呼ぶ。
func (r *Resolver) Invalidate(email string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, strings.ToLower(email))
}
