// Package identity はIDプロバイダーとの連携を提供する。
// メール/パスワード認証、フェデレーテッドログイン、プロフィール更新、
// および認証状態変更の通知ストリームを含む。
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/hitoshi/pricewatch/internal/model"
)

// EventType は認証状態変更の種別。
type EventType string

const (
	// EventSignedIn はサインイン完了を示す。
	EventSignedIn EventType = "signed_in"
	// EventSignedOut はサインアウト完了を示す。
	EventSignedOut EventType = "signed_out"
)

// Event は認証状態の変更通知。
// 実際のサインイン/アウト1回につき、ちょうど1回発行される。
type Event struct {
	Type     EventType
	Identity *model.Identity // EventSignedOutの場合はnil
}

// Credential は認証成功時にプロバイダーが返すトークン束。
type Credential struct {
	IDToken string
}

// ClientConfig はIDプロバイダークライアントの設定。
type ClientConfig struct {
	BaseURL string
	APIKey  string
}

// Client はIDプロバイダーのRESTクライアント。
// 状態変更イベントのパブリッシャーを兼ねる。
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	logger     *slog.Logger

	mu     sync.Mutex
	events chan Event
	closed bool
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(config ClientConfig, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		config:     config,
		httpClient: httpClient,
		logger:     logger,
		events:     make(chan Event, 8),
	}
}

// Events は認証状態変更の通知チャネルを返す。
// プロセス全体でサブスクリプションは1つであることを想定している。
func (c *Client) Events() <-chan Event {
	return c.events
}

// Close はイベントチャネルを閉じる。アプリケーション終了時に1回だけ呼ぶ。
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
}

// publish は状態変更イベントを1回発行する。
// 購読者が追いついていない場合でもブロックしない（バッファ溢れは破棄してログに残す）。
func (c *Client) publish(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- event:
	default:
		c.logger.Warn("auth event dropped: subscriber not keeping up",
			slog.String("type", string(event.Type)),
		)
	}
}

// providerError はIDプロバイダーのエラーレスポンス。
type providerError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// accountResponse はアカウント系エンドポイントの共通レスポンス。
type accountResponse struct {
	LocalID     string `json:"localId"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoUrl"`
	IDToken     string `json:"idToken"`
}

// CreateAccount はメール/パスワードでアカウントを作成する。
// 弱いパスワードや重複メールの場合はCredentialErrorを返す。
// 成功時にEventSignedInを1回発行する。
func (c *Client) CreateAccount(ctx context.Context, email, password string) (*model.Identity, *Credential, error) {
	resp, err := c.postAccounts(ctx, "signUp", map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, nil, err
	}

	ident := &model.Identity{
		ProviderUserID: resp.LocalID,
		Email:          resp.Email,
		Provider:       "password",
	}
	c.publish(Event{Type: EventSignedIn, Identity: ident})
	return ident, &Credential{IDToken: resp.IDToken}, nil
}

// SignIn はメール/パスワードでサインインする。
// 資格情報が無効な場合はAuthErrorを返す。
// 成功時にEventSignedInを1回発行する。
func (c *Client) SignIn(ctx context.Context, email, password string) (*model.Identity, *Credential, error) {
	resp, err := c.postAccounts(ctx, "signInWithPassword", map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, nil, err
	}

	ident := &model.Identity{
		ProviderUserID: resp.LocalID,
		Email:          resp.Email,
		DisplayName:    resp.DisplayName,
		PhotoURL:       resp.PhotoURL,
		Provider:       "password",
	}
	c.publish(Event{Type: EventSignedIn, Identity: ident})
	return ident, &Credential{IDToken: resp.IDToken}, nil
}

// UpdateProfile は表示名とプロフィール写真URLを更新する。
func (c *Client) UpdateProfile(ctx context.Context, cred *Credential, displayName, photoURL string) error {
	_, err := c.postAccounts(ctx, "update", map[string]string{
		"idToken":     cred.IDToken,
		"displayName": displayName,
		"photoUrl":    photoURL,
	})
	if err != nil {
		return fmt.Errorf("プロフィールの更新に失敗しました: %w", err)
	}
	return nil
}

// SignOut はプロバイダー側のセッションを失効させる。
// リモート失敗はベストエフォート（呼び出し元がローカル状態を先にクリアする）。
// EventSignedOutを1回発行する。
func (c *Client) SignOut(ctx context.Context, cred *Credential) error {
	defer c.publish(Event{Type: EventSignedOut})

	if cred == nil || cred.IDToken == "" {
		return nil
	}
	_, err := c.postAccounts(ctx, "signOut", map[string]string{
		"idToken": cred.IDToken,
	})
	if err != nil {
		return fmt.Errorf("リモートサインアウトに失敗しました: %w", err)
	}
	return nil
}

// NotifyFederatedSignIn はフェデレーテッドログイン完了をイベントとして発行する。
// OAuthフローはプロバイダーの認可サーバーと直接やりとりするため、
// RESTクライアントを経由しない。状態通知の一元化のためここで発行する。
func (c *Client) NotifyFederatedSignIn(ident *model.Identity) {
	c.publish(Event{Type: EventSignedIn, Identity: ident})
}

// postAccounts はアカウント系エンドポイントへPOSTし、レスポンスを解析する。
func (c *Client) postAccounts(ctx context.Context, action string, body map[string]string) (*accountResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("リクエストの構築に失敗しました: %w", err)
	}

	url := fmt.Sprintf("%s/v1/accounts:%s?key=%s", strings.TrimRight(c.config.BaseURL, "/"), action, c.config.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("リクエストの構築に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, model.NewNetworkError(err.Error())
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, model.NewNetworkError(err.Error())
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, mapProviderError(data, httpResp.StatusCode)
	}

	var resp accountResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("レスポンスの解析に失敗しました: %w", err)
	}
	return &resp, nil
}

// mapProviderError はプロバイダーのエラーコードをAPIErrorに変換する。
func mapProviderError(body []byte, statusCode int) error {
	var pErr providerError
	if err := json.Unmarshal(body, &pErr); err != nil || pErr.Error.Message == "" {
		return model.NewNetworkError(fmt.Sprintf("IDプロバイダーがステータス%dを返しました", statusCode))
	}

	code := pErr.Error.Message
	switch {
	case strings.HasPrefix(code, "EMAIL_EXISTS"):
		return model.NewCredentialError("このメールアドレスは既に登録されています")
	case strings.HasPrefix(code, "WEAK_PASSWORD"):
		return model.NewCredentialError("パスワードが脆弱です")
	case strings.HasPrefix(code, "INVALID_LOGIN_CREDENTIALS"),
		strings.HasPrefix(code, "INVALID_PASSWORD"),
		strings.HasPrefix(code, "EMAIL_NOT_FOUND"):
		return model.NewAuthError("メールアドレスまたはパスワードが正しくありません")
	default:
		return model.NewAuthError(code)
	}
}
