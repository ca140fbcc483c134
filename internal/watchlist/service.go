// Package watchlist は価格ウォッチリストのオーケストレーターを提供する。
package watchlist

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
const resource = "watchlist"

// Gateway はこのオーケストレーターに必要なゲートウェイのインターフェース。
type Gateway interface {
	GetJSON(ctx context.Context, path string, out any) error
	PostJSON(ctx context.Context, path string, body, out any) error
	DeleteJSON(ctx context.Context, path string, out any) error
}

// Service はウォッチリストのオーケストレーター。
type Service struct {
	gateway   Gateway
	store     *cache.Store
	confirmer confirm.Confirmer
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
}

// NewService はServiceを生成する。
func NewService(
	gateway Gateway,
	store *cache.Store,
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
		confirmer: confirmer,
		metrics:   collector,
		logger:    logger,
	}
}

// userKey はユーザーごとの一覧キー。メールアドレスは小文字に正規化する。
func userKey(email string) cache.Key {
	return cache.NewKey(resource, "user="+strings.ToLower(email))
}

// List はユーザーのウォッチリストを返す。キャッシュがあればそれを返す。
func (s *Service) List(ctx context.Context, email string) ([]model.WatchlistItem, error) {
	key := userKey(email)
	if cached, ok := cache.Get[[]model.WatchlistItem](s.store, key); ok {
		return cached, nil
	}

	var items []model.WatchlistItem
	path := "/watchlist/" + url.PathEscape(strings.ToLower(email))
	if err := s.gateway.GetJSON(ctx, path, &items); err != nil {
		return nil, err
	}
	cache.Set(s.store, key, items)
	return items, nil
}

// Add は商品をウォッチリストへ追加する。
// 重複はサーバーが409で拒否し、ゲートウェイがConflictErrorへ変換する
// （情報提供のみ、ロールバック不要）。新規エントリのIDはサーバー採番の
// ため楽観的な仮エントリは作らず、成功後の無効化で反映する。
func (s *Service) Add(ctx context.Context, email string, product model.Product) error {
	body := map[string]string{
		"product_id":  product.ID,
		"user_email":  strings.ToLower(email),
		"item_name":   product.ItemName,
		"market_name": product.MarketName,
	}
	if err := s.gateway.PostJSON(ctx, "/watchlist", body, nil); err != nil {
		return err
	}

	s.store.Invalidate(userKey(email))
	s.logger.Info("watchlist item added",
		slog.String("product_id", product.ID),
		slog.String("user", strings.ToLower(email)))
	return nil
}

type removeResponse struct {
	DeletedCount int `json:"deletedCount"`
}

// Remove はウォッチリストからエントリを削除する。
//
// 確認の拒否は副作用なしでErrDeclinedを返す。一覧キャッシュは楽観的に
// 更新し、リモート失敗時は完全に復元する。deletedCount==0は他の画面から
// 既に削除済みのケースで、情報提供のConflictErrorを返す（キャッシュは
// コミットして再同期させる）。
func (s *Service) Remove(ctx context.Context, email string, item model.WatchlistItem) error {
	if !s.confirmer.Confirm(item.ItemName + " をウォッチリストから削除しますか？") {
		return confirm.ErrDeclined
	}

	txn := cache.Begin(s.store, userKey(email), cache.CloneSlice[model.WatchlistItem])
	txn.Apply(func(items []model.WatchlistItem) []model.WatchlistItem {
		out := items[:0]
		for _, it := range items {
			if it.ID != item.ID {
				out = append(out, it)
			}
		}
		return out
	})

	var resp removeResponse
	path := "/watchlist/" + url.PathEscape(item.ID) + "/" + url.PathEscape(strings.ToLower(email))
	if err := s.gateway.DeleteJSON(ctx, path, &resp); err != nil {
		txn.Rollback()
		s.metrics.RecordCacheRollback(resource)
		return err
	}

	txn.Commit()
	if resp.DeletedCount == 0 {
		return model.NewConflictError("エントリは既に削除されています")
	}
	s.logger.Info("watchlist item removed",
		slog.String("item_id", item.ID),
		slog.String("user", strings.ToLower(email)))
	return nil
}
