package guard

import (
	"context"
	"testing"

	"github.com/hitoshi/pricewatch/internal/model"
	"github.com/hitoshi/pricewatch/internal/navigator"
	"github.com/hitoshi/pricewatch/internal/role"
)

type mockSession struct {
	ident   *model.Identity
	loading bool
}

func (m *mockSession) Identity() (*model.Identity, bool) {
	return m.ident, m.loading
}

type mockResolver struct {
	resolution role.Resolution
	calls      int
}

func (m *mockResolver) Resolve(ctx context.Context, email string) role.Resolution {
	m.calls++
	return m.resolution
}

func TestGuard_LoadingNeverRedirects(t *testing.T) {
	nav := navigator.NewMemory()
	g := NewGuard(&mockSession{loading: true}, &mockResolver{}, nav)

	got := g.Evaluate(context.Background(), "/dashboard/admin", []model.Role{model.RoleAdmin})
	if got.State != StateLoading {
		t.Errorf("State = %v, want StateLoading", got.State)
	}
	// セッション確定前にリダイレクトしてはならない
	if len(nav.History()) != 0 {
		t.Errorf("Loading中にリダイレクトが発生した: %v", nav.History())
	}
}

func TestGuard_UnauthenticatedRedirectsToLoginWithReturnPath(t *testing.T) {
	nav := navigator.NewMemory()
	resolver := &mockResolver{}
	g := NewGuard(&mockSession{}, resolver, nav)

	got := g.Evaluate(context.Background(), "/watchlist", []model.Role{model.RoleUser})
	if got.State != StateUnauthenticated {
		t.Errorf("State = %v, want StateUnauthenticated", got.State)
	}
	if nav.Current() != navigator.LoginPath {
		t.Errorf("Current() = %q, want %q", nav.Current(), navigator.LoginPath)
	}
	// サインイン後に元のパスへ復帰できる
	if path := nav.ConsumeReturnPath(); path != "/watchlist" {
		t.Errorf("ConsumeReturnPath() = %q, want /watchlist", path)
	}
	if resolver.calls != 0 {
		t.Error("未サインインでロール解決が呼ばれた")
	}
}

func TestGuard_ForbiddenRedirectsToRoleHome(t *testing.T) {
	nav := navigator.NewMemory()
	resolver := &mockResolver{resolution: role.Resolution{Role: model.RoleUser, Authoritative: true}}
	session := &mockSession{ident: &model.Identity{Email: "buyer@example.com"}}
	g := NewGuard(session, resolver, nav)

	got := g.Evaluate(context.Background(), "/dashboard/admin", []model.Role{model.RoleAdmin})
	if got.State != StateForbidden {
		t.Errorf("State = %v, want StateForbidden", got.State)
	}
	if got.RedirectPath != "/dashboard/user" {
		t.Errorf("RedirectPath = %q, want /dashboard/user", got.RedirectPath)
	}
	if nav.Current() != "/dashboard/user" {
		t.Errorf("Current() = %q, want /dashboard/user", nav.Current())
	}
}

func TestGuard_AuthorizedRole(t *testing.T) {
	nav := navigator.NewMemory()
	resolver := &mockResolver{resolution: role.Resolution{Role: model.RoleAdmin, Authoritative: true}}
	session := &mockSession{ident: &model.Identity{Email: "admin@example.com"}}
	g := NewGuard(session, resolver, nav)

	got := g.Evaluate(context.Background(), "/dashboard/admin", []model.Role{model.RoleAdmin})
	if got.State != StateAuthorized {
		t.Errorf("State = %v, want StateAuthorized", got.State)
	}
	if got.Role != model.RoleAdmin {
		t.Errorf("Role = %v", got.Role)
	}
	if len(nav.History()) != 0 {
		t.Errorf("Authorizedでリダイレクトが発生した: %v", nav.History())
	}
}

func TestGuard_EmptyAllowedRolesRequiresSignInOnly(t *testing.T) {
	resolver := &mockResolver{}
	session := &mockSession{ident: &model.Identity{Email: "anyone@example.com"}}
	g := NewGuard(session, resolver, navigator.NewMemory())

	got := g.Evaluate(context.Background(), "/checkout/p1", nil)
	if got.State != StateAuthorized {
		t.Errorf("State = %v, want StateAuthorized", got.State)
	}
	if resolver.calls != 0 {
		t.Error("ロール制限のないルートでロール解決が呼ばれた")
	}
}

func TestGuard_FailsafeResolutionDeniesElevatedRoute(t *testing.T) {
	// ロール取得失敗時の非権威的なRoleUser解決では管理者ルートに入れない
	nav := navigator.NewMemory()
	resolver := &mockResolver{resolution: role.Resolution{Role: model.RoleUser}}
	session := &mockSession{ident: &model.Identity{Email: "admin@example.com"}}
	g := NewGuard(session, resolver, nav)

	got := g.Evaluate(context.Background(), "/dashboard/admin", []model.Role{model.RoleAdmin})
	if got.State != StateForbidden {
		t.Errorf("State = %v, want StateForbidden", got.State)
	}
}
