package identity

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/hitoshi/pricewatch/internal/model"
)

// BrowserOpener はプロバイダーネイティブの認証画面をユーザーのブラウザで開く。
type BrowserOpener func(url string) error

// ProviderFactory はリダイレクトURL確定後にOAuthProviderを構築する。
// コールバックサーバーのポートは起動時に決まるため、プロバイダーの
// 構築を遅延させる必要がある。
type ProviderFactory func(redirectURL string) OAuthProvider

// FederatedFlow はフェデレーテッドログインの一連の流れを実行する。
// ループバックコールバックサーバーの起動、ブラウザ起動、
// 認可コードの受領とトークン交換までを担う。
type FederatedFlow struct {
	factory ProviderFactory
	port    int
	opener  BrowserOpener
	logger  *slog.Logger
}

// NewFederatedFlow はFederatedFlowを生成する。
func NewFederatedFlow(factory ProviderFactory, port int, opener BrowserOpener, logger *slog.Logger) *FederatedFlow {
	return &FederatedFlow{
		factory: factory,
		port:    port,
		opener:  opener,
		logger:  logger,
	}
}

// SignIn はフェデレーテッドログインを実行する。
// ユーザーがブラウザ側で中断した場合やctxキャンセル時はAuthCancelledを返す。
func (f *FederatedFlow) SignIn(ctx context.Context) (*model.Identity, *Credential, error) {
	// CSRF防止用のワンタイムstate
	state := uuid.NewString()

	server, err := NewCallbackServer(f.port, state, f.logger)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		shutdownCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			f.logger.Warn("callback server shutdown failed", slog.String("error", err.Error()))
		}
	}()

	provider := f.factory(server.RedirectURL())

	loginURL := provider.LoginURL(state)
	if err := f.opener(loginURL); err != nil {
		return nil, nil, fmt.Errorf("ブラウザの起動に失敗しました: %w", err)
	}

	code, err := server.Wait(ctx)
	if err != nil {
		return nil, nil, err
	}

	ident, cred, err := provider.ExchangeCode(ctx, code)
	if err != nil {
		return nil, nil, model.NewAuthError(err.Error())
	}
	return ident, cred, nil
}
