// Package catalog は商品リソースの取得とミューテーションのオーケストレーターを提供する。
//
// 出店者の投稿（説明文・画像URL）は信頼しない。説明文はキャッシュ反映前に
// サニタイズし、画像URLはSSRF検証付きで再ホスティングしたURLに置き換える。
package catalog

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"github.com/hitoshi/pricewatch/internal/cache"
	"github.com/hitoshi/pricewatch/internal/confirm"
	"github.com/hitoshi/pricewatch/internal/metrics"
	"github.com/hitoshi/pricewatch/internal/model"
	"github.com/hitoshi/pricewatch/internal/sanitize"
)

// resource はキャッシュ上のリソース区分。
const resource = "products"

// Gateway はこのオーケストレーターに必要なゲートウェイのインターフェース。
type Gateway interface {
	GetJSON(ctx context.Context, path string, out any) error
	PostJSON(ctx context.Context, path string, body, out any) error
	PatchJSON(ctx context.Context, path string, body, out any) error
	DeleteJSON(ctx context.Context, path string, out any) error
}

// Rehoster は出店者入力の画像URLを再ホスティングするインターフェース。
// imagehost.Clientの部分集合として定義する。
type Rehoster interface {
	Rehost(ctx context.Context, rawURL string) (string, error)
}

// Service は商品リソースのオーケストレーター。
type Service struct {
	gateway   Gateway
	store     *cache.Store
	sanitizer sanitize.SanitizerService
	images    Rehoster
	confirmer confirm.Confirmer
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
}

// NewService はServiceを生成する。
func NewService(
	gateway Gateway,
	store *cache.Store,
	sanitizer sanitize.SanitizerService,
	images Rehoster,
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
		sanitizer: sanitizer,
		images:    images,
		confirmer: confirmer,
		metrics:   collector,
		logger:    logger,
	}
}

func listKey() cache.Key {
	return cache.NewKey(resource)
}

func vendorKey(vendorEmail string) cache.Key {
	return cache.NewKey(resource, "vendor="+strings.ToLower(vendorEmail))
}

// List は全商品の一覧を返す。キャッシュがあればそれを返す。
func (s *Service) List(ctx context.Context) ([]model.Product, error) {
	key := listKey()
	if cached, ok := cache.Get[[]model.Product](s.store, key); ok {
		return cached, nil
	}

	var products []model.Product
	if err := s.gateway.GetJSON(ctx, "/products", &products); err != nil {
		return nil, err
	}
	cache.Set(s.store, key, products)
	return products, nil
}

// ListByVendor は出店者ごとの商品一覧を返す。
func (s *Service) ListByVendor(ctx context.Context, vendorEmail string) ([]model.Product, error) {
	key := vendorKey(vendorEmail)
	if cached, ok := cache.Get[[]model.Product](s.store, key); ok {
		return cached, nil
	}

	var products []model.Product
	path := "/products/vendor/" + url.PathEscape(strings.ToLower(vendorEmail))
	if err := s.gateway.GetJSON(ctx, path, &products); err != nil {
		return nil, err
	}
	cache.Set(s.store, key, products)
	return products, nil
}

// Get は商品1件の詳細を返す。詳細は常にサーバーから取得する
// （価格履歴の鮮度を優先し、一覧キャッシュの古い値を返さない）。
func (s *Service) Get(ctx context.Context, id string) (*model.Product, error) {
	var product model.Product
	if err := s.gateway.GetJSON(ctx, "/products/"+url.PathEscape(id), &product); err != nil {
		return nil, err
	}
	return &product, nil
}

// Add は新しい商品を投稿する。説明文はサニタイズし、画像URLは
// 再ホスティング済みURLへ置き換えてから送信する。
// 新規作成はキャッシュに楽観的な仮エントリを作らず、成功後の
// 無効化ベースの再同期のみで反映する（サーバー採番のIDが未確定のため）。
func (s *Service) Add(ctx context.Context, product model.Product) (*model.Product, error) {
	if err := s.validate(product); err != nil {
		return nil, err
	}

	product.Description = s.sanitizer.Sanitize(product.Description)
	if product.ImageURL != "" {
		hosted, err := s.images.Rehost(ctx, product.ImageURL)
		if err != nil {
			return nil, err
		}
		product.ImageURL = hosted
	}
	product.Status = model.ProductPending
	product.VendorEmail = strings.ToLower(product.VendorEmail)

	var created model.Product
	if err := s.gateway.PostJSON(ctx, "/products", product, &created); err != nil {
		return nil, err
	}

	s.store.InvalidateResource(resource)
	s.logger.Info("product added",
		slog.String("product_id", created.ID),
		slog.String("vendor", product.VendorEmail))
	return &created, nil
}

// Update は既存商品を更新する。説明文・画像URLの取り扱いはAddと同じ。
// 一覧キャッシュは楽観的に更新し、リモート失敗時は完全に復元する。
func (s *Service) Update(ctx context.Context, product model.Product) error {
	if err := s.validate(product); err != nil {
		return err
	}

	product.Description = s.sanitizer.Sanitize(product.Description)
	if product.ImageURL != "" && !alreadyHosted(product.ImageURL) {
		hosted, err := s.images.Rehost(ctx, product.ImageURL)
		if err != nil {
			return err
		}
		product.ImageURL = hosted
	}

	txns := s.beginAll(product.VendorEmail)
	applyAll(txns, func(products []model.Product) []model.Product {
		for i := range products {
			if products[i].ID == product.ID {
				updated := product
				updated.Status = products[i].Status
				updated.CreatedAt = products[i].CreatedAt
				products[i] = updated
			}
		}
		return products
	})

	err := s.gateway.PatchJSON(ctx, "/products/"+url.PathEscape(product.ID), product, nil)
	if err != nil {
		rollbackAll(txns)
		s.metrics.RecordCacheRollback(resource)
		return err
	}

	commitAll(txns)
	return nil
}

// Delete は商品を削除する。確認の拒否は副作用なしでErrDeclinedを返す。
func (s *Service) Delete(ctx context.Context, product model.Product) error {
	if !s.confirmer.Confirm(product.ItemName + " を削除しますか？この操作は取り消せません。") {
		return confirm.ErrDeclined
	}

	txns := s.beginAll(product.VendorEmail)
	applyAll(txns, func(products []model.Product) []model.Product {
		out := products[:0]
		for _, p := range products {
			if p.ID != product.ID {
				out = append(out, p)
			}
		}
		return out
	})

	err := s.gateway.DeleteJSON(ctx, "/products/"+url.PathEscape(product.ID), nil)
	if err != nil {
		rollbackAll(txns)
		s.metrics.RecordCacheRollback(resource)
		return err
	}

	commitAll(txns)
	s.logger.Info("product deleted", slog.String("product_id", product.ID))
	return nil
}

type statusBody struct {
	Status            model.ProductStatus `json:"status"`
	RejectionReason   string              `json:"rejection_reason"`
	RejectionFeedback string              `json:"rejection_feedback"`
}

// Approve は商品を承認する。過去の却下理由・フィードバックはクリアされる
// （再申請からの承認で古い却下情報が残らないように）。
func (s *Service) Approve(ctx context.Context, product model.Product) error {
	return s.updateStatus(ctx, product, statusBody{Status: model.ProductApproved})
}

// Reject は商品を却下する。理由は必須、フィードバックは任意。
func (s *Service) Reject(ctx context.Context, product model.Product, reason, feedback string) error {
	if strings.TrimSpace(reason) == "" {
		return model.NewValidationError("却下理由を入力してください")
	}
	return s.updateStatus(ctx, product, statusBody{
		Status:            model.ProductRejected,
		RejectionReason:   reason,
		RejectionFeedback: feedback,
	})
}

// updateStatus は審査ステータスを変更する。確認必須・楽観的更新。
func (s *Service) updateStatus(ctx context.Context, product model.Product, body statusBody) error {
	if product.Status == body.Status {
		// 同一ステータスへの変更は情報提供のみでリクエストしない
		return model.NewConflictError("商品は既に " + string(body.Status) + " です")
	}
	if !s.confirmer.Confirm(product.ItemName + " のステータスを " + string(body.Status) + " に変更しますか？") {
		return confirm.ErrDeclined
	}

	txns := s.beginAll(product.VendorEmail)
	applyAll(txns, func(products []model.Product) []model.Product {
		for i := range products {
			if products[i].ID == product.ID {
				products[i].Status = body.Status
				products[i].RejectionReason = body.RejectionReason
				products[i].RejectionFeedback = body.RejectionFeedback
			}
		}
		return products
	})

	err := s.gateway.PatchJSON(ctx, "/products/"+url.PathEscape(product.ID)+"/status", body, nil)
	if err != nil {
		rollbackAll(txns)
		s.metrics.RecordCacheRollback(resource)
		return err
	}

	commitAll(txns)
	s.logger.Info("product status updated",
		slog.String("product_id", product.ID),
		slog.String("status", string(body.Status)))
	return nil
}

// beginAll は全体一覧と出店者別一覧の両キーでトランザクションを開始する。
// キャッシュに存在しないキーのApplyは何もしないため、両方開始してよい。
func (s *Service) beginAll(vendorEmail string) []*cache.Transaction[[]model.Product] {
	return []*cache.Transaction[[]model.Product]{
		cache.Begin(s.store, listKey(), cloneProducts),
		cache.Begin(s.store, vendorKey(vendorEmail), cloneProducts),
	}
}

func applyAll(txns []*cache.Transaction[[]model.Product], mutate func([]model.Product) []model.Product) {
	for _, txn := range txns {
		txn.Apply(mutate)
	}
}

func rollbackAll(txns []*cache.Transaction[[]model.Product]) {
	for _, txn := range txns {
		txn.Rollback()
	}
}

func commitAll(txns []*cache.Transaction[[]model.Product]) {
	for _, txn := range txns {
		txn.Commit()
	}
}

// cloneProducts は価格履歴スライスまで複製する。
// 要素の浅いコピーでは楽観的更新がスナップショットを汚染しうる。
func cloneProducts(in []model.Product) []model.Product {
	if in == nil {
		return nil
	}
	out := make([]model.Product, len(in))
	copy(out, in)
	for i := range out {
		out[i].Prices = cache.CloneSlice(out[i].Prices)
	}
	return out
}

// alreadyHosted は画像URLが再ホスティング済みかを判定する。
// 既にホスティング先のURLであれば再アップロードは不要。
func alreadyHosted(rawURL string) bool {
	return strings.HasPrefix(rawURL, "https://i.ibb.co/")
}

// validate は商品投稿の必須項目を検証する。
func (s *Service) validate(product model.Product) error {
	if strings.TrimSpace(product.ItemName) == "" {
		return model.NewValidationError("商品名を入力してください")
	}
	if strings.TrimSpace(product.MarketName) == "" {
		return model.NewValidationError("市場名を入力してください")
	}
	if product.PricePerUnit <= 0 {
		return model.NewValidationError("単価は0より大きい値を入力してください")
	}
	if strings.TrimSpace(product.VendorEmail) == "" {
		return model.NewValidationError("出店者メールアドレスが設定されていません")
	}
	return nil
}
