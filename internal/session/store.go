// Package session は「誰がサインインしているか」の単一の情報源を提供する。
//
// Storeはモジュールレベルのシングルトンではなく、明示的に構築して
// Init/Disposeのライフサイクルで管理する。IDプロバイダーの非同期な
// 状態通知と同期し、変更を購読者へちょうど1回ずつ通知する。
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/hitoshi/pricewatch/internal/credential"
	"github.com/hitoshi/pricewatch/internal/identity"
	"github.com/hitoshi/pricewatch/internal/model"
)

// ProviderClient はIDプロバイダークライアントに要求するインターフェース。
// identity.Clientの部分集合として定義する。
type ProviderClient interface {
	CreateAccount(ctx context.Context, email, password string) (*model.Identity, *identity.Credential, error)
	SignIn(ctx context.Context, email, password string) (*model.Identity, *identity.Credential, error)
	SignOut(ctx context.Context, cred *identity.Credential) error
	UpdateProfile(ctx context.Context, cred *identity.Credential, displayName, photoURL string) error
	NotifyFederatedSignIn(ident *model.Identity)
	Events() <-chan identity.Event
}

// FederatedSignIn はフェデレーテッドログインフローのインターフェース。
type FederatedSignIn interface {
	SignIn(ctx context.Context) (*model.Identity, *identity.Credential, error)
}

// TokenExchanger は認証済みIdentityをバックエンドのベアラー資格情報に交換する。
// バックエンドの POST /jwt に対応する。
type TokenExchanger interface {
	ExchangeJWT(ctx context.Context, email string) (string, error)
}

// Change はセッション状態の変更通知。
type Change struct {
	// Identity はサインアウト時nil。
	Identity *model.Identity
}

// Store はセッション状態を保持するストア。
type Store struct {
	provider  ProviderClient
	federated FederatedSignIn
	exchanger TokenExchanger
	creds     *credential.Store
	logger    *slog.Logger

	mu       sync.RWMutex
	ident    *model.Identity
	provCred *identity.Credential
	loading  bool

	subMu       sync.Mutex
	subscribers []chan Change

	cancel context.CancelFunc
	done   chan struct{}
}

// NewStore はStoreを生成する。初期状態はloading=true。
func NewStore(
	provider ProviderClient,
	federated FederatedSignIn,
	exchanger TokenExchanger,
	creds *credential.Store,
	logger *slog.Logger,
) *Store {
	return &Store{
		provider:  provider,
		federated: federated,
		exchanger: exchanger,
		creds:     creds,
		logger:    logger,
		loading:   true,
	}
}

// Init は保存済み資格情報から初期状態を確定し、プロバイダーの
// 状態通知の購読を開始する。アプリケーションの起動時に1回だけ呼ぶ。
// 個々のビューのライフサイクルには紐付けない（購読の重複を避けるため）。
func (s *Store) Init(ctx context.Context) {
	s.restore()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-s.provider.Events():
				if !ok {
					return
				}
				s.applyEvent(event)
			}
		}
	}()
}

// Dispose は購読を解除する。アプリケーション終了時に1回だけ呼ぶ。
func (s *Store) Dispose() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// restore は保存済みのベアラー資格情報からセッションの初期状態を確定する。
// 有効な資格情報があればそのemailクレームでIdentityを復元し、
// なければサインアウト状態で確定する。いずれの場合もloadingは解除される。
func (s *Store) restore() {
	var ident *model.Identity
	if !s.creds.IsExpired(time.Now()) {
		if email := s.creds.Email(); email != "" {
			ident = &model.Identity{Email: email, Provider: "restored"}
		}
	}

	s.mu.Lock()
	s.loading = false
	s.ident = ident
	s.mu.Unlock()

	s.notify(Change{Identity: ident})
}

// applyEvent はプロバイダーの状態変更を反映し、購読者へちょうど1回通知する。
// 通知後、購読者が古いIdentityを観測することはない。
func (s *Store) applyEvent(event identity.Event) {
	s.mu.Lock()
	s.loading = false
	if event.Type == identity.EventSignedOut {
		s.ident = nil
		s.provCred = nil
	} else {
		s.ident = event.Identity
	}
	ident := s.ident
	s.mu.Unlock()

	s.notify(Change{Identity: ident})
}

// Subscribe はセッション変更の通知チャネルを返す。
func (s *Store) Subscribe() <-chan Change {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	ch := make(chan Change, 8)
	s.subscribers = append(s.subscribers, ch)
	return ch
}

// notify は全購読者に変更を通知する。追いついていない購読者はスキップする。
func (s *Store) notify(change Change) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- change:
		default:
			s.logger.Warn("session change dropped: subscriber not keeping up")
		}
	}
}

// Identity は現在のIdentityとローディングフラグを返す。
// loading=trueの間は未確定状態であり、ガードはLoadingを維持しなければならない。
func (s *Store) Identity() (*model.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ident, s.loading
}

// SignUp はアカウントを作成し、ベアラー資格情報を取得する。
// パスワードポリシー違反はネットワーク呼び出し前にCredentialErrorとして返す。
func (s *Store) SignUp(ctx context.Context, email, password, displayName, photoURL string) (*model.Identity, error) {
	if err := validatePassword(password); err != nil {
		return nil, err
	}

	ident, cred, err := s.provider.CreateAccount(ctx, email, password)
	if err != nil {
		return nil, err
	}

	if displayName != "" || photoURL != "" {
		if err := s.provider.UpdateProfile(ctx, cred, displayName, photoURL); err != nil {
			return nil, err
		}
		ident.DisplayName = displayName
		ident.PhotoURL = photoURL
	}

	if err := s.establish(ctx, ident, cred); err != nil {
		return nil, err
	}
	return ident, nil
}

// SignIn はメール/パスワードでサインインし、ベアラー資格情報を取得する。
func (s *Store) SignIn(ctx context.Context, email, password string) (*model.Identity, error) {
	ident, cred, err := s.provider.SignIn(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if err := s.establish(ctx, ident, cred); err != nil {
		return nil, err
	}
	return ident, nil
}

// SignInFederated はプロバイダーネイティブのフローでサインインする。
// ユーザーが中断した場合はAuthCancelledを返す。
func (s *Store) SignInFederated(ctx context.Context) (*model.Identity, error) {
	ident, cred, err := s.federated.SignIn(ctx)
	if err != nil {
		return nil, err
	}

	// フェデレーテッドフローはRESTクライアントを経由しないため、
	// 状態通知をここから発行する
	s.provider.NotifyFederatedSignIn(ident)

	if err := s.establish(ctx, ident, cred); err != nil {
		return nil, err
	}
	return ident, nil
}

// establish はIdentityをローカル状態に反映し、/jwt交換で得た
// ベアラー資格情報を永続化する。
func (s *Store) establish(ctx context.Context, ident *model.Identity, cred *identity.Credential) error {
	token, err := s.exchanger.ExchangeJWT(ctx, ident.Email)
	if err != nil {
		return fmt.Errorf("ベアラー資格情報の取得に失敗しました: %w", err)
	}
	if err := s.creds.Save(token); err != nil {
		return err
	}

	s.mu.Lock()
	s.ident = ident
	s.provCred = cred
	s.mu.Unlock()
	return nil
}

// SignOut はローカルのセッション状態と資格情報をクリアする。
// リモートの失効はファイアアンドフォーゲットで行い、失敗してもUIを
// ブロックしない（ベストエフォートのサインアウト失敗は唯一の黙殺対象）。
func (s *Store) SignOut(ctx context.Context) {
	s.mu.Lock()
	cred := s.provCred
	s.ident = nil
	s.provCred = nil
	s.mu.Unlock()

	if err := s.creds.Clear(); err != nil {
		s.logger.Warn("failed to clear credential", slog.String("error", err.Error()))
	}

	go func() {
		// 呼び出し元のctxはビュー遷移で失効しうるため使わない
		if err := s.provider.SignOut(context.Background(), cred); err != nil {
			s.logger.Warn("remote sign-out failed", slog.String("error", err.Error()))
		}
	}()
}

// validatePassword はクライアント側のパスワードポリシーを検証する。
// 6文字以上で大文字・小文字・数字を各1つ以上含むこと。
func validatePassword(password string) error {
	if len(password) < 6 {
		return model.NewCredentialError("パスワードは6文字以上で入力してください")
	}
	var hasUpper, hasLower, hasDigit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if !hasUpper || !hasLower || !hasDigit {
		var missing []string
		if !hasUpper {
			missing = append(missing, "大文字")
		}
		if !hasLower {
			missing = append(missing, "小文字")
		}
		if !hasDigit {
			missing = append(missing, "数字")
		}
		return model.NewCredentialError(
			fmt.Sprintf("パスワードには%sを含めてください", strings.Join(missing, "・")))
	}
	return nil
}
