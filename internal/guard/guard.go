// Package guard はビュー遷移時のルート認可判定を提供する。
//
// セッションが未確定（ローディング中）の間は判定を保留し、
// 誤ったリダイレクトのちらつきを起こさない。
package guard

import (
	"context"

	"github.com/hitoshi/pricewatch/internal/model"
	"github.com/hitoshi/pricewatch/internal/navigator"
	"github.com/hitoshi/pricewatch/internal/role"
)

// State はガードの判定結果。
type State int

const (
	// StateLoading はセッション未確定。呼び出し元は保留表示を維持し、
	// リダイレクトしてはならない。
	StateLoading State = iota
	// StateUnauthenticated は未サインイン。サインイン画面へ誘導済み。
	StateUnauthenticated
	// StateForbidden はサインイン済みだがロール不足。
	StateForbidden
	// StateAuthorized はアクセス許可。
	StateAuthorized
)

// Result はガード判定の詳細。
type Result struct {
	State State
	// Role は判定に使用されたロール（Authorized/Forbiddenのとき有効）。
	Role model.Role
	// RedirectPath はForbidden時のロール別ホームパス。
	RedirectPath string
}

// SessionSource はセッション状態の参照インターフェース。
// session.Storeの部分集合として定義する。
type SessionSource interface {
	Identity() (*model.Identity, bool)
}

// RoleResolver はロール解決のインターフェース。
type RoleResolver interface {
	Resolve(ctx context.Context, email string) role.Resolution
}

// Guard はルート認可の判定器。
type Guard struct {
	session  SessionSource
	resolver RoleResolver
	nav      navigator.Navigator
}

// NewGuard はGuardを生成する。
func NewGuard(session SessionSource, resolver RoleResolver, nav navigator.Navigator) *Guard {
	return &Guard{session: session, resolver: resolver, nav: nav}
}

// Evaluate はpathへのアクセス可否を判定する。
//
// 判定順序は固定: セッション未確定ならLoading（リダイレクトなし）、
// 未サインインならサインイン画面へ誘導（復帰先としてpathを保存）、
// ロール不足ならロール別ホームへ誘導、それ以外はAuthorized。
// allowedRolesが空のルートはサインインのみを要求する。
func (g *Guard) Evaluate(ctx context.Context, path string, allowedRoles []model.Role) Result {
	ident, loading := g.session.Identity()
	if loading {
		// セッション確定前に未サインイン扱いにすると、リロード直後の
		// 正当なユーザーをサインイン画面へ弾いてしまう
		return Result{State: StateLoading}
	}

	if ident == nil {
		g.nav.RedirectToLogin(path)
		return Result{State: StateUnauthenticated}
	}

	if len(allowedRoles) == 0 {
		return Result{State: StateAuthorized}
	}

	resolution := g.resolver.Resolve(ctx, ident.Email)
	if !model.RoleIn(resolution.Role, allowedRoles) {
		home := resolution.Role.HomePath()
		g.nav.Redirect(home)
		return Result{State: StateForbidden, Role: resolution.Role, RedirectPath: home}
	}
	return Result{State: StateAuthorized, Role: resolution.Role}
}
