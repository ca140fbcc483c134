package identity

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/pricewatch/internal/model"
)

// callbackPath はループバックコールバックのパス。
const callbackPath = "/oauth/callback"

// callbackResult はコールバック受信結果。
type callbackResult struct {
	code string
	err  error
}

// CallbackServer はフェデレーテッドログインのリダイレクトを受けとる
// ループバックHTTPサーバー。
// プロバイダーネイティブのブラウザフローから認可コードを受け取るために
// 127.0.0.1上で一時的に待ち受ける。
type CallbackServer struct {
	listener net.Listener
	server   *http.Server
	logger   *slog.Logger
	results  chan callbackResult
	state    string
}

// NewCallbackServer はループバック上でリッスンするCallbackServerを生成する。
// portに0を渡すと空きポートを自動選択する。
// stateはCSRF防止用のワンタイム値で、コールバック時に照合される。
func NewCallbackServer(port int, state string, logger *slog.Logger) (*CallbackServer, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("コールバックサーバーの起動に失敗しました: %w", err)
	}

	s := &CallbackServer{
		listener: listener,
		logger:   logger,
		results:  make(chan callbackResult, 1),
		state:    state,
	}

	r := chi.NewRouter()
	r.Get(callbackPath, s.handleCallback)

	s.server = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("callback server error", slog.String("error", err.Error()))
		}
	}()

	return s, nil
}

// RedirectURL はプロバイダーに登録するリダイレクトURLを返す。
func (s *CallbackServer) RedirectURL() string {
	return fmt.Sprintf("http://%s%s", s.listener.Addr().String(), callbackPath)
}

// handleCallback はプロバイダーからのリダイレクトを処理する。
func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	// ユーザーが同意画面で中断した場合、プロバイダーはerrorパラメータ付きで戻す
	if errCode := q.Get("error"); errCode != "" {
		s.deliver(callbackResult{err: model.NewAuthCancelledError()})
		s.writePage(w, "ログインはキャンセルされました。このウィンドウを閉じてください。")
		return
	}

	// CSRF防止: stateの照合
	if q.Get("state") != s.state {
		s.deliver(callbackResult{err: model.NewAuthError("stateが一致しません")})
		s.writePage(w, "認証に失敗しました。このウィンドウを閉じてください。")
		return
	}

	code := q.Get("code")
	if code == "" {
		s.deliver(callbackResult{err: model.NewAuthError("認可コードがありません")})
		s.writePage(w, "認証に失敗しました。このウィンドウを閉じてください。")
		return
	}

	s.deliver(callbackResult{code: code})
	s.writePage(w, "ログインが完了しました。このウィンドウを閉じてください。")
}

// deliver は最初の結果のみを通知する。2回目以降のコールバックは無視する。
func (s *CallbackServer) deliver(result callbackResult) {
	select {
	case s.results <- result:
	default:
	}
}

// writePage は完了ページを返す。
func (s *CallbackServer) writePage(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<html><body><p>%s</p></body></html>", message)
}

// Wait はコールバックの受信を待ち、認可コードを返す。
// ctxがキャンセルされた場合（ユーザーによる中断）はAuthCancelledを返す。
func (s *CallbackServer) Wait(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", model.NewAuthCancelledError()
	case result := <-s.results:
		return result.code, result.err
	}
}

// Shutdown はサーバーを停止する。
func (s *CallbackServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
