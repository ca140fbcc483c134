// Package app はCLIのエントリーポイントと依存関係のワイヤリングを提供する。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/pricewatch/internal/ads"
	"github.com/hitoshi/pricewatch/internal/cache"
	"github.com/hitoshi/pricewatch/internal/catalog"
	"github.com/hitoshi/pricewatch/internal/checkout"
	"github.com/hitoshi/pricewatch/internal/config"
	"github.com/hitoshi/pricewatch/internal/confirm"
	"github.com/hitoshi/pricewatch/internal/credential"
	"github.com/hitoshi/pricewatch/internal/gateway"
	"github.com/hitoshi/pricewatch/internal/guard"
	"github.com/hitoshi/pricewatch/internal/identity"
	"github.com/hitoshi/pricewatch/internal/imagehost"
	"github.com/hitoshi/pricewatch/internal/logger"
	"github.com/hitoshi/pricewatch/internal/metrics"
	"github.com/hitoshi/pricewatch/internal/model"
	"github.com/hitoshi/pricewatch/internal/navigator"
	"github.com/hitoshi/pricewatch/internal/orders"
	"github.com/hitoshi/pricewatch/internal/payment"
	"github.com/hitoshi/pricewatch/internal/role"
	"github.com/hitoshi/pricewatch/internal/sanitize"
	"github.com/hitoshi/pricewatch/internal/security"
	"github.com/hitoshi/pricewatch/internal/session"
	"github.com/hitoshi/pricewatch/internal/users"
	"github.com/hitoshi/pricewatch/internal/watchlist"
)

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, false)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetupDefault(w, cfg.Debug)
	return cfg, nil
}

// App は全サービスをワイヤリングした依存関係の束。
type App struct {
	Config    *config.Config
	Creds     *credential.Store
	Nav       *navigator.Memory
	Gateway   *gateway.Client
	Session   *session.Store
	Roles     *role.Resolver
	Guard     *guard.Guard
	Users     *users.Service
	Catalog   *catalog.Service
	Ads       *ads.Service
	Watchlist *watchlist.Service
	Orders    *orders.Service
	Checkout  *checkout.Orchestrator
	Images    *imagehost.Client

	registry *prometheus.Registry
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応する操作を実行する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)
	if cmd == CommandHelp {
		printUsage(w)
		return nil
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting pricewatch",
		slog.String("command", string(cmd)),
		slog.String("api_base_url", cfg.APIBaseURL),
	)

	confirmer := &confirm.Prompt{In: os.Stdin, Out: w}
	app, err := New(cfg, confirmer, slog.Default())
	if err != nil {
		return err
	}

	ctx := context.Background()
	app.Session.Init(ctx)
	defer app.Session.Dispose()

	// デバッグ用メトリクスリスナー（METRICS_ADDR設定時のみ）
	if cfg.MetricsAddr != "" {
		go func() {
			handler := metrics.SetupMetricsRoute(app.registry)
			if err := http.ListenAndServe(cfg.MetricsAddr, handler); err != nil {
				slog.Warn("metrics listener stopped", slog.String("error", err.Error()))
			}
		}()
	}

	return app.dispatch(ctx, w, cmd, args[1:])
}

// New は全依存関係をワイヤリングしたAppを構築する。
func New(cfg *config.Config, confirmer confirm.Confirmer, log *slog.Logger) (*App, error) {
	creds, err := credential.NewStore(cfg.CredentialPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}

	nav := navigator.NewMemory()
	store := cache.NewStore()

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	gw := gateway.NewClient(gateway.ClientConfig{
		BaseURL:    cfg.APIBaseURL,
		Timeout:    cfg.RequestTimeout,
		RatePerSec: cfg.RateLimitPerSec,
		Burst:      cfg.RateLimitBurst,
	}, creds, nav, collector, log, nil)

	idClient := identity.NewClient(identity.ClientConfig{
		BaseURL: cfg.IdentityBaseURL,
		APIKey:  cfg.IdentityAPIKey,
	}, nil, log)

	factory := func(redirectURL string) identity.OAuthProvider {
		return identity.NewGoogleOAuthProvider(identity.OAuthConfig{
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthClientSecret,
			RedirectURL:  redirectURL,
		}, nil)
	}
	flow := identity.NewFederatedFlow(factory, cfg.OAuthCallbackPort, openBrowser, log)

	sess := session.NewStore(idClient, flow, gw, creds, log)
	resolver := role.NewResolver(gw, cfg.RoleCacheTTL, log)

	imageGuard := security.NewImageURLGuard()
	sanitizer := sanitize.NewSanitizer()
	images := imagehost.NewClient(cfg.ImageHostURL, cfg.ImageHostAPIKey, imageGuard, cfg.RequestTimeout, log)

	orderSvc := orders.NewService(gw, store, log)
	payClient := payment.NewClient(cfg.PaymentBaseURL, cfg.PaymentPublicKey, cfg.RequestTimeout)

	return &App{
		Config:    cfg,
		Creds:     creds,
		Nav:       nav,
		Gateway:   gw,
		Session:   sess,
		Roles:     resolver,
		Guard:     guard.NewGuard(sess, resolver, nav),
		Users:     users.NewService(gw, store, resolver, confirmer, collector, log),
		Catalog:   catalog.NewService(gw, store, sanitizer, images, confirmer, collector, log),
		Ads:       ads.NewService(gw, store, sanitizer, images, confirmer, collector, log),
		Watchlist: watchlist.NewService(gw, store, confirmer, collector, log),
		Orders:    orderSvc,
		Checkout:  checkout.NewOrchestrator(gw, payClient, orderSvc, nav, collector, log),
		Images:    images,
		registry:  registry,
	}, nil
}

// authorize はガード判定を行い、許可された場合のみnilを返す。
// 保護されたサブコマンドはオーケストレーターへ到達する前にここを通る。
func (a *App) authorize(ctx context.Context, path string, allowed []model.Role) error {
	result := a.Guard.Evaluate(ctx, path, allowed)
	switch result.State {
	case guard.StateAuthorized:
		return nil
	case guard.StateLoading:
		return model.NewAuthError("セッションの確認が完了していません。しばらくしてから再試行してください")
	case guard.StateUnauthenticated:
		return model.NewAuthError("サインインが必要です")
	default:
		return model.NewForbiddenError("この操作を行う権限がありません")
	}
}

// dispatch はサブコマンドを対応する操作へ振り分ける。
func (a *App) dispatch(ctx context.Context, w io.Writer, cmd Command, args []string) error {
	switch cmd {
	case CommandLogin:
		return a.runLogin(ctx, w, args)
	case CommandLoginGoogle:
		return a.runLoginGoogle(ctx, w)
	case CommandRegister:
		return a.runRegister(ctx, w, args)
	case CommandLogout:
		return a.runLogout(ctx, w)
	case CommandWhoami:
		return a.runWhoami(w)
	case CommandProducts:
		return a.runProducts(ctx, w, args)
	case CommandWatchlist:
		return a.runWatchlist(ctx, w, args)
	case CommandOrders:
		return a.runOrders(ctx, w, args)
	case CommandBuy:
		return a.runBuy(ctx, w, args)
	case CommandUsers:
		return a.runUsers(ctx, w, args)
	case CommandAds:
		return a.runAds(ctx, w)
	default:
		printUsage(w)
		return nil
	}
}

func (a *App) runLogin(ctx context.Context, w io.Writer, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: pricewatch login <email> <password>")
	}
	ident, err := a.Session.SignIn(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "サインインしました: %s\n", ident.Email)
	return nil
}

func (a *App) runLoginGoogle(ctx context.Context, w io.Writer) error {
	ident, err := a.Session.SignInFederated(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "サインインしました: %s (%s)\n", ident.Email, ident.Provider)
	return nil
}

func (a *App) runRegister(ctx context.Context, w io.Writer, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: pricewatch register <email> <password> [name] [photo-url]")
	}
	var name, photoURL string
	if len(args) > 2 {
		name = args[2]
	}
	if len(args) > 3 {
		// プロフィール写真はアカウント作成前にホスティングへ転送する。
		// 転送失敗時はアカウントを作成しない。
		hosted, err := a.Images.Rehost(ctx, args[3])
		if err != nil {
			return err
		}
		photoURL = hosted
	}
	ident, err := a.Session.SignUp(ctx, args[0], args[1], name, photoURL)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "アカウントを作成しました: %s\n", ident.Email)
	return nil
}

func (a *App) runLogout(ctx context.Context, w io.Writer) error {
	a.Session.SignOut(ctx)
	fmt.Fprintln(w, "サインアウトしました")
	return nil
}

func (a *App) runWhoami(w io.Writer) error {
	if ident, loading := a.Session.Identity(); !loading && ident != nil {
		fmt.Fprintf(w, "サインイン中: %s\n", ident.Email)
		return nil
	}
	if a.Creds.Token() == "" {
		fmt.Fprintln(w, "サインインしていません")
		return nil
	}
	if a.Creds.IsExpired(time.Now()) {
		fmt.Fprintln(w, "資格情報の有効期限が切れています。再度サインインしてください")
		return nil
	}
	fmt.Fprintln(w, "有効な資格情報が保存されています")
	return nil
}

func (a *App) runProducts(ctx context.Context, w io.Writer, args []string) error {
	var products []model.Product
	var err error
	if len(args) > 0 {
		products, err = a.Catalog.ListByVendor(ctx, args[0])
	} else {
		products, err = a.Catalog.List(ctx)
	}
	if err != nil {
		return err
	}
	for _, p := range products {
		fmt.Fprintf(w, "%s\t%s\t%s\t৳%.2f\t%s\n",
			p.ID, p.ItemName, p.MarketName, p.LatestPrice(), p.Status)
	}
	return nil
}

func (a *App) runWatchlist(ctx context.Context, w io.Writer, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: pricewatch watchlist <email> [add <product-id> | remove <item-id>]")
	}
	if err := a.authorize(ctx, "/dashboard/user/watchlist", nil); err != nil {
		return err
	}
	email := args[0]

	if len(args) >= 3 && args[1] == "add" {
		product, err := a.Catalog.Get(ctx, args[2])
		if err != nil {
			return err
		}
		if err := a.Watchlist.Add(ctx, email, *product); err != nil {
			return err
		}
		fmt.Fprintf(w, "%s をウォッチリストに追加しました\n", product.ItemName)
		return nil
	}

	items, err := a.Watchlist.List(ctx, email)
	if err != nil {
		return err
	}

	if len(args) >= 3 && args[1] == "remove" {
		for _, item := range items {
			if item.ID == args[2] {
				if err := a.Watchlist.Remove(ctx, email, item); err != nil {
					return err
				}
				fmt.Fprintf(w, "%s をウォッチリストから削除しました\n", item.ItemName)
				return nil
			}
		}
		return fmt.Errorf("エントリが見つかりません: %s", args[2])
	}

	for _, item := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\n", item.ID, item.ItemName, item.MarketName)
	}
	return nil
}

func (a *App) runOrders(ctx context.Context, w io.Writer, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: pricewatch orders <email | all>")
	}

	var list []model.Order
	var err error
	if args[0] == "all" {
		// 全購入者の注文一覧は管理者専用
		if err := a.authorize(ctx, "/dashboard/admin/orders", []model.Role{model.RoleAdmin}); err != nil {
			return err
		}
		list, err = a.Orders.ListAll(ctx)
	} else {
		if err := a.authorize(ctx, "/dashboard/user/orders", nil); err != nil {
			return err
		}
		list, err = a.Orders.List(ctx, args[0])
	}
	if err != nil {
		return err
	}
	for _, order := range list {
		fmt.Fprintf(w, "%s\t%s\t৳%.2f\t%s\t%s\n",
			order.ID, order.ProductID, order.PricePaid, order.PaymentStatus,
			order.PurchasedAt.Format("2006-01-02"))
	}
	return nil
}

func (a *App) runBuy(ctx context.Context, w io.Writer, args []string) error {
	if len(args) < 6 {
		return fmt.Errorf("usage: pricewatch buy <product-id> <buyer-email> <card-number> <exp-month> <exp-year> <cvc>")
	}
	if err := a.authorize(ctx, "/payment/"+args[0], nil); err != nil {
		return err
	}
	product, err := a.Catalog.Get(ctx, args[0])
	if err != nil {
		return err
	}
	expMonth, err := strconv.Atoi(args[3])
	if err != nil {
		return fmt.Errorf("有効期限（月）が不正です: %w", err)
	}
	expYear, err := strconv.Atoi(args[4])
	if err != nil {
		return fmt.Errorf("有効期限（年）が不正です: %w", err)
	}
	card := payment.Card{Number: args[2], ExpMonth: expMonth, ExpYear: expYear, CVC: args[5]}

	order, err := a.Checkout.Purchase(ctx, *product, args[1], "", card)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "購入が完了しました: 注文ID %s, 支払額 ৳%.2f\n", order.ID, order.PricePaid)
	return nil
}

func (a *App) runUsers(ctx context.Context, w io.Writer, args []string) error {
	// ユーザー管理は管理者専用
	if err := a.authorize(ctx, "/dashboard/admin/users", []model.Role{model.RoleAdmin}); err != nil {
		return err
	}

	list, err := a.Users.List(ctx)
	if err != nil {
		return err
	}

	// users set-role <actor-email> <target-user-id> <role>
	if len(args) >= 4 && args[0] == "set-role" {
		for _, u := range list {
			if u.ID == args[2] {
				if err := a.Users.UpdateRole(ctx, args[1], u, model.ParseRole(args[3])); err != nil {
					return err
				}
				fmt.Fprintf(w, "%s のロールを %s に変更しました\n", u.Name, args[3])
				return nil
			}
		}
		return fmt.Errorf("ユーザーが見つかりません: %s", args[2])
	}

	if len(args) >= 2 {
		switch args[0] {
		case "search":
			list = users.Search(list, args[1])
		case "filter":
			list = users.FilterByRole(list, args[1])
		}
	}
	for _, u := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", u.ID, u.Name, u.Email, u.Role)
	}
	return nil
}

func (a *App) runAds(ctx context.Context, w io.Writer) error {
	list, err := a.Ads.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, ad := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\n", ad.ID, ad.Title, ad.Status)
	}
	return nil
}

// openBrowser はユーザーの既定ブラウザでURLを開く。
func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `pricewatch - ローカル市場の価格トラッカー

Usage:
  pricewatch login <email> <password>
  pricewatch login-google
  pricewatch register <email> <password> [name] [photo-url]
  pricewatch logout
  pricewatch whoami
  pricewatch products [vendor-email]
  pricewatch watchlist <email> [add <product-id> | remove <item-id>]
  pricewatch orders <email | all>
  pricewatch buy <product-id> <buyer-email> <card-number> <exp-month> <exp-year> <cvc>
  pricewatch users [search <query> | filter <role> | set-role <actor-email> <user-id> <role>]
  pricewatch ads
`)
}
