// Package orders は注文履歴の取得と注文レコード作成を提供する。
package orders

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"github.com/hitoshi/pricewatch/internal/cache"
	"github.com/hitoshi/pricewatch/internal/model"
)

// resource はキャッシュ上のリソース区分。
const resource = "orders"

// Gateway はこのオーケストレーターに必要なゲートウェイのインターフェース。
type Gateway interface {
	GetJSON(ctx context.Context, path string, out any) error
	PostJSON(ctx context.Context, path string, body, out any) error
}

// Service は注文リソースのオーケストレーター。
type Service struct {
	gateway Gateway
	store   *cache.Store
	logger  *slog.Logger
}

// NewService はServiceを生成する。
func NewService(gateway Gateway, store *cache.Store, logger *slog.Logger) *Service {
	return &Service{gateway: gateway, store: store, logger: logger}
}

// BuyerKey は購入者ごとの注文一覧のキャッシュキー。
// チェックアウト完了後の無効化でも使用する。
func BuyerKey(email string) cache.Key {
	return cache.NewKey(resource, "buyer="+strings.ToLower(email))
}

func allKey() cache.Key {
	return cache.NewKey(resource, "all")
}

// List は購入者の注文履歴を返す。キャッシュがあればそれを返す。
func (s *Service) List(ctx context.Context, buyerEmail string) ([]model.Order, error) {
	key := BuyerKey(buyerEmail)
	if cached, ok := cache.Get[[]model.Order](s.store, key); ok {
		return cached, nil
	}

	var orders []model.Order
	path := "/orders/" + url.PathEscape(strings.ToLower(buyerEmail))
	if err := s.gateway.GetJSON(ctx, path, &orders); err != nil {
		return nil, err
	}
	cache.Set(s.store, key, orders)
	return orders, nil
}

// ListAll は全購入者の注文一覧を返す（管理者ビュー）。
// キャッシュがあればそれを返す。
func (s *Service) ListAll(ctx context.Context) ([]model.Order, error) {
	if cached, ok := cache.Get[[]model.Order](s.store, allKey()); ok {
		return cached, nil
	}

	var orders []model.Order
	if err := s.gateway.GetJSON(ctx, "/orders", &orders); err != nil {
		return nil, err
	}
	cache.Set(s.store, allKey(), orders)
	return orders, nil
}

// Create は注文レコードを作成する。決済成功後にのみ呼ばれる。
// 失敗の扱い（PostPaymentError）はチェックアウトオーケストレーターが所有する。
func (s *Service) Create(ctx context.Context, order model.Order) (*model.Order, error) {
	order.BuyerEmail = strings.ToLower(order.BuyerEmail)

	var created model.Order
	if err := s.gateway.PostJSON(ctx, "/orders", order, &created); err != nil {
		return nil, err
	}

	s.store.Invalidate(BuyerKey(order.BuyerEmail))
	s.store.Invalidate(allKey())
	s.logger.Info("order created",
		slog.String("order_id", created.ID),
		slog.String("product_id", order.ProductID),
		slog.String("buyer", order.BuyerEmail))
	return &created, nil
}
