// Package users はユーザー一覧の取得とロール管理のオーケストレーターを提供する。
package users

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"github.com/hitoshi/pricewatch/internal/cache"
	"github.com/hitoshi/pricewatch/internal/confirm"
	"github.com/hitoshi/pricewatch/internal/metrics"
	"github.com/hitoshi/pricewatch/internal/model"
)

// resource はキャッシュ上のリソース区分。
const resource = "users"

// Gateway はこのオーケストレーターに必要なゲートウェイのインターフェース。
type Gateway interface {
	GetJSON(ctx context.Context, path string, out any) error
	PatchJSON(ctx context.Context, path string, body, out any) error
}

// RoleInvalidator はロールキャッシュの無効化インターフェース。
// role.Resolverの部分集合として定義する。
type RoleInvalidator interface {
	Invalidate(email string)
}

// Service はユーザーリソースのオーケストレーター。
type Service struct {
	gateway   Gateway
	store     *cache.Store
	roles     RoleInvalidator
	confirmer confirm.Confirmer
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
}

// NewService はServiceを生成する。
func NewService(
	gateway Gateway,
	store *cache.Store,
	roles RoleInvalidator,
	confirmer confirm.Confirmer,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Service {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Service{
		gateway:   gateway,
		store:     store,
		roles:     roles,
		confirmer: confirmer,
		metrics:   collector,
		logger:    logger,
	}
}

func listKey() cache.Key {
	return cache.NewKey(resource)
}

// List は全ユーザーの一覧を返す。キャッシュがあればそれを返す。
func (s *Service) List(ctx context.Context) ([]model.User, error) {
	key := listKey()
	if cached, ok := cache.Get[[]model.User](s.store, key); ok {
		return cached, nil
	}

	var users []model.User
	if err := s.gateway.GetJSON(ctx, "/users", &users); err != nil {
		return nil, err
	}
	cache.Set(s.store, key, users)
	return users, nil
}

// FilterByRole はロール文字列で一覧を絞り込む。空文字は全件を返す。
func FilterByRole(users []model.User, role string) []model.User {
	if role == "" {
		return users
	}
	var out []model.User
	for _, u := range users {
		if u.Role == role {
			out = append(out, u)
		}
	}
	return out
}

// Search は名前またはメールアドレスの部分一致で一覧を絞り込む。
// 大文字小文字は区別しない。
func Search(users []model.User, query string) []model.User {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return users
	}
	var out []model.User
	for _, u := range users {
		if strings.Contains(strings.ToLower(u.Name), query) ||
			strings.Contains(strings.ToLower(u.Email), query) {
			out = append(out, u)
		}
	}
	return out
}

type updateRoleResponse struct {
	ModifiedCount int `json:"modifiedCount"`
}

// UpdateRole はtargetのロールをnewRoleへ変更する。
//
// 自分自身のロール変更はリクエストをディスパッチする前に拒否する
// （管理者が自身の権限を失って締め出される事故を防ぐ）。確認の拒否は
// 副作用なしでconfirm.ErrDeclinedを返す。キャッシュは楽観的に更新し、
// リモート失敗時は変更前の状態へ完全に復元する。
func (s *Service) UpdateRole(ctx context.Context, actorEmail string, target model.User, newRole model.Role) error {
	if strings.EqualFold(actorEmail, target.Email) {
		return model.NewForbiddenError("自分自身のロールは変更できません")
	}

	if !s.confirmer.Confirm(target.Name + " のロールを " + newRole.String() + " に変更しますか？") {
		return confirm.ErrDeclined
	}

	txn := cache.Begin(s.store, listKey(), cache.CloneSlice[model.User])
	txn.Apply(func(users []model.User) []model.User {
		for i := range users {
			if users[i].ID == target.ID {
				users[i].Role = newRole.String()
			}
		}
		return users
	})

	var resp updateRoleResponse
	err := s.gateway.PatchJSON(ctx, "/users/"+url.PathEscape(target.ID)+"/role",
		map[string]string{"role": newRole.String()}, &resp)
	if err != nil {
		txn.Rollback()
		s.metrics.RecordCacheRollback(resource)
		return err
	}

	txn.Commit()
	// 対象ユーザーの解決済みロールは古くなったため破棄する
	s.roles.Invalidate(target.Email)
	s.logger.Info("user role updated",
		slog.String("user_id", target.ID),
		slog.String("role", newRole.String()))
	return nil
}
