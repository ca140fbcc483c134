package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/pricewatch/internal/credential"
	"github.com/hitoshi/pricewatch/internal/identity"
	"github.com/hitoshi/pricewatch/internal/model"
)

// --- モック ---

type mockProvider struct {
	createAccountFn func(ctx context.Context, email, password string) (*model.Identity, *identity.Credential, error)
	signInFn        func(ctx context.Context, email, password string) (*model.Identity, *identity.Credential, error)
	signOutFn       func(ctx context.Context, cred *identity.Credential) error
	updateProfileFn func(ctx context.Context, cred *identity.Credential, displayName, photoURL string) error
	events          chan identity.Event
}

func newMockProvider() *mockProvider {
	return &mockProvider{events: make(chan identity.Event, 8)}
}

func (m *mockProvider) CreateAccount(ctx context.Context, email, password string) (*model.Identity, *identity.Credential, error) {
	return m.createAccountFn(ctx, email, password)
}
func (m *mockProvider) SignIn(ctx context.Context, email, password string) (*model.Identity, *identity.Credential, error) {
	return m.signInFn(ctx, email, password)
}
func (m *mockProvider) SignOut(ctx context.Context, cred *identity.Credential) error {
	if m.signOutFn != nil {
		return m.signOutFn(ctx, cred)
	}
	return nil
}
func (m *mockProvider) UpdateProfile(ctx context.Context, cred *identity.Credential, displayName, photoURL string) error {
	if m.updateProfileFn != nil {
		return m.updateProfileFn(ctx, cred, displayName, photoURL)
	}
	return nil
}
func (m *mockProvider) NotifyFederatedSignIn(ident *model.Identity) {
	m.events <- identity.Event{Type: identity.EventSignedIn, Identity: ident}
}
func (m *mockProvider) Events() <-chan identity.Event {
	return m.events
}

type mockFederated struct {
	signInFn func(ctx context.Context) (*model.Identity, *identity.Credential, error)
}

func (m *mockFederated) SignIn(ctx context.Context) (*model.Identity, *identity.Credential, error) {
	return m.signInFn(ctx)
}

type mockExchanger struct {
	exchangeFn func(ctx context.Context, email string) (string, error)
}

func (m *mockExchanger) ExchangeJWT(ctx context.Context, email string) (string, error) {
	if m.exchangeFn != nil {
		return m.exchangeFn(ctx, email)
	}
	return "bearer-token", nil
}

func newTestStore(t *testing.T, provider ProviderClient, federated FederatedSignIn, exchanger TokenExchanger) (*Store, *credential.Store) {
	t.Helper()
	creds, err := credential.NewStore(filepath.Join(t.TempDir(), "credential"))
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	return NewStore(provider, federated, exchanger, creds, logger), creds
}

// --- テスト ---

func TestStore_InitialStateIsLoading(t *testing.T) {
	s, _ := newTestStore(t, newMockProvider(), nil, &mockExchanger{})

	ident, loading := s.Identity()
	if ident != nil {
		t.Error("初期状態のIdentityはnilであるべき")
	}
	if !loading {
		t.Error("初期状態はloading=trueであるべき")
	}
}

func TestStore_SignIn_EstablishesSession(t *testing.T) {
	provider := newMockProvider()
	provider.signInFn = func(ctx context.Context, email, password string) (*model.Identity, *identity.Credential, error) {
		return &model.Identity{Email: email, Provider: "password"}, &identity.Credential{IDToken: "id-tok"}, nil
	}

	var exchangedEmail string
	exchanger := &mockExchanger{exchangeFn: func(ctx context.Context, email string) (string, error) {
		exchangedEmail = email
		return "bearer-abc", nil
	}}

	s, creds := newTestStore(t, provider, nil, exchanger)

	ident, err := s.SignIn(context.Background(), "buyer@example.com", "Password1")
	if err != nil {
		t.Fatalf("SignIn がエラーを返した: %v", err)
	}
	if ident.Email != "buyer@example.com" {
		t.Errorf("Email = %s", ident.Email)
	}
	if exchangedEmail != "buyer@example.com" {
		t.Errorf("/jwt交換に渡されたemail = %s", exchangedEmail)
	}
	if creds.Token() != "bearer-abc" {
		t.Errorf("保存された資格情報 = %s", creds.Token())
	}

	got, _ := s.Identity()
	if got == nil || got.Email != "buyer@example.com" {
		t.Errorf("Identity() = %+v", got)
	}
}

func TestStore_SignIn_AuthError(t *testing.T) {
	provider := newMockProvider()
	provider.signInFn = func(ctx context.Context, email, password string) (*model.Identity, *identity.Credential, error) {
		return nil, nil, model.NewAuthError("invalid")
	}
	s, creds := newTestStore(t, provider, nil, &mockExchanger{})

	_, err := s.SignIn(context.Background(), "buyer@example.com", "wrong")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeAuth {
		t.Fatalf("AuthErrorを返すべき: %v", err)
	}
	if creds.Token() != "" {
		t.Error("失敗時に資格情報が保存された")
	}
}

func TestStore_SignUp_WeakPasswordRejectedBeforeNetwork(t *testing.T) {
	provider := newMockProvider()
	called := false
	provider.createAccountFn = func(ctx context.Context, email, password string) (*model.Identity, *identity.Credential, error) {
		called = true
		return &model.Identity{Email: email}, &identity.Credential{}, nil
	}
	s, _ := newTestStore(t, provider, nil, &mockExchanger{})

	tests := []string{
		"Ab1",       // 短すぎる
		"alllower1", // 大文字なし
		"ALLUPPER1", // 小文字なし
		"NoDigits",  // 数字なし
	}
	for _, password := range tests {
		_, err := s.SignUp(context.Background(), "new@example.com", password, "", "")
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeCredential {
			t.Errorf("SignUp(password=%q) はCredentialErrorを返すべき: %v", password, err)
		}
	}
	if called {
		t.Error("検証エラーはネットワーク呼び出し前に返すべき")
	}
}

func TestStore_SignUp_UpdatesProfile(t *testing.T) {
	provider := newMockProvider()
	provider.createAccountFn = func(ctx context.Context, email, password string) (*model.Identity, *identity.Credential, error) {
		return &model.Identity{Email: email, Provider: "password"}, &identity.Credential{IDToken: "t"}, nil
	}
	var gotName, gotPhoto string
	provider.updateProfileFn = func(ctx context.Context, cred *identity.Credential, displayName, photoURL string) error {
		gotName, gotPhoto = displayName, photoURL
		return nil
	}
	s, _ := newTestStore(t, provider, nil, &mockExchanger{})

	ident, err := s.SignUp(context.Background(), "new@example.com", "Password1", "Rahim", "https://i.ibb.co/x/p.jpg")
	if err != nil {
		t.Fatalf("SignUp がエラーを返した: %v", err)
	}
	if gotName != "Rahim" || gotPhoto != "https://i.ibb.co/x/p.jpg" {
		t.Errorf("UpdateProfile(%q, %q)", gotName, gotPhoto)
	}
	if ident.DisplayName != "Rahim" {
		t.Errorf("DisplayName = %s", ident.DisplayName)
	}
}

func TestStore_SignInFederated(t *testing.T) {
	provider := newMockProvider()
	federated := &mockFederated{signInFn: func(ctx context.Context) (*model.Identity, *identity.Credential, error) {
		return &model.Identity{Email: "fed@example.com", Provider: "google"}, &identity.Credential{IDToken: "g"}, nil
	}}
	s, creds := newTestStore(t, provider, federated, &mockExchanger{})

	ident, err := s.SignInFederated(context.Background())
	if err != nil {
		t.Fatalf("SignInFederated がエラーを返した: %v", err)
	}
	if ident.Provider != "google" {
		t.Errorf("Provider = %s", ident.Provider)
	}
	if creds.Token() != "bearer-token" {
		t.Error("フェデレーテッドログイン後に資格情報が保存されていない")
	}

	// 状態通知が発行されている
	select {
	case ev := <-provider.events:
		if ev.Type != identity.EventSignedIn {
			t.Errorf("Event = %+v", ev)
		}
	default:
		t.Error("フェデレーテッドログインの状態通知が発行されていない")
	}
}

func TestStore_SignInFederated_Cancelled(t *testing.T) {
	federated := &mockFederated{signInFn: func(ctx context.Context) (*model.Identity, *identity.Credential, error) {
		return nil, nil, model.NewAuthCancelledError()
	}}
	s, _ := newTestStore(t, newMockProvider(), federated, &mockExchanger{})

	_, err := s.SignInFederated(context.Background())
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeAuthCancelled {
		t.Fatalf("AuthCancelledを返すべき: %v", err)
	}
}

func TestStore_Init_SettlesSignedOutWithoutCredential(t *testing.T) {
	s, _ := newTestStore(t, newMockProvider(), nil, &mockExchanger{})

	s.Init(context.Background())
	defer s.Dispose()

	ident, loading := s.Identity()
	if loading {
		t.Error("Init後はloading=falseであるべき")
	}
	if ident != nil {
		t.Errorf("資格情報なしのIdentityはnilであるべき: %+v", ident)
	}
}

func TestStore_Init_RestoresSessionFromCredential(t *testing.T) {
	s, creds := newTestStore(t, newMockProvider(), nil, &mockExchanger{})

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"email": "buyer@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	if err := creds.Save(signed); err != nil {
		t.Fatal(err)
	}

	s.Init(context.Background())
	defer s.Dispose()

	ident, loading := s.Identity()
	if loading {
		t.Error("Init後はloading=falseであるべき")
	}
	if ident == nil || ident.Email != "buyer@example.com" {
		t.Errorf("Identity() = %+v", ident)
	}
}

func TestStore_Init_ExpiredCredentialSettlesSignedOut(t *testing.T) {
	s, creds := newTestStore(t, newMockProvider(), nil, &mockExchanger{})

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"email": "buyer@example.com",
		"exp":   time.Now().Add(-time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	if err := creds.Save(signed); err != nil {
		t.Fatal(err)
	}

	s.Init(context.Background())
	defer s.Dispose()

	ident, loading := s.Identity()
	if loading {
		t.Error("Init後はloading=falseであるべき")
	}
	if ident != nil {
		t.Errorf("期限切れ資格情報でIdentityが復元された: %+v", ident)
	}
}

func TestStore_EventSettlesLoading(t *testing.T) {
	provider := newMockProvider()
	s, _ := newTestStore(t, provider, nil, &mockExchanger{})

	s.Init(context.Background())
	defer s.Dispose()

	sub := s.Subscribe()

	// プロバイダーからの最初の状態通知でloadingが解除される
	provider.events <- identity.Event{
		Type:     identity.EventSignedIn,
		Identity: &model.Identity{Email: "buyer@example.com"},
	}

	select {
	case change := <-sub:
		if change.Identity == nil || change.Identity.Email != "buyer@example.com" {
			t.Errorf("Change = %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("変更通知が届かない")
	}

	// 通知後に古いIdentityを観測しない
	ident, loading := s.Identity()
	if loading {
		t.Error("通知後はloading=falseであるべき")
	}
	if ident == nil || ident.Email != "buyer@example.com" {
		t.Errorf("Identity() = %+v", ident)
	}
}

func TestStore_SignOut_ClearsLocallyEvenIfRemoteFails(t *testing.T) {
	provider := newMockProvider()
	provider.signInFn = func(ctx context.Context, email, password string) (*model.Identity, *identity.Credential, error) {
		return &model.Identity{Email: email}, &identity.Credential{IDToken: "t"}, nil
	}
	remoteCalled := make(chan struct{})
	provider.signOutFn = func(ctx context.Context, cred *identity.Credential) error {
		close(remoteCalled)
		return errors.New("network down")
	}
	s, creds := newTestStore(t, provider, nil, &mockExchanger{})

	if _, err := s.SignIn(context.Background(), "buyer@example.com", "Password1"); err != nil {
		t.Fatal(err)
	}

	s.SignOut(context.Background())

	// ローカル状態は即座にクリアされる
	ident, _ := s.Identity()
	if ident != nil {
		t.Error("SignOut後のIdentityはnilであるべき")
	}
	if creds.Token() != "" {
		t.Error("SignOut後も資格情報が残っている")
	}

	// リモート失効はファイアアンドフォーゲットで実行される
	select {
	case <-remoteCalled:
	case <-time.After(time.Second):
		t.Fatal("リモートサインアウトが呼ばれていない")
	}
}
