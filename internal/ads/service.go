// Package ads は広告リソースの取得とミューテーションのオーケストレーターを提供する。
package ads

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
const resource = "advertisements"

// Gateway はこのオーケストレーターに必要なゲートウェイのインターフェース。
type Gateway interface {
	GetJSON(ctx context.Context, path string, out any) error
	PostJSON(ctx context.Context, path string, body, out any) error
	PatchJSON(ctx context.Context, path string, body, out any) error
	DeleteJSON(ctx context.Context, path string, out any) error
}

// Rehoster は出店者入力の画像URLを再ホスティングするインターフェース。
type Rehoster interface {
	Rehost(ctx context.Context, rawURL string) (string, error)
}

// Service は広告リソースのオーケストレーター。
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

// List は全広告の一覧を返す。キャッシュがあればそれを返す。
func (s *Service) List(ctx context.Context) ([]model.Advertisement, error) {
	key := listKey()
	if cached, ok := cache.Get[[]model.Advertisement](s.store, key); ok {
		return cached, nil
	}

	var ads []model.Advertisement
	if err := s.gateway.GetJSON(ctx, "/advertisements", &ads); err != nil {
		return nil, err
	}
	cache.Set(s.store, key, ads)
	return ads, nil
}

// ListActive は掲出中の広告のみを返す。公開面の表示に使用する。
func (s *Service) ListActive(ctx context.Context) ([]model.Advertisement, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var active []model.Advertisement
	for _, ad := range all {
		if ad.Status == model.AdActive {
			active = append(active, ad)
		}
	}
	return active, nil
}

// ListByVendor は出店者ごとの広告一覧を返す。
func (s *Service) ListByVendor(ctx context.Context, vendorEmail string) ([]model.Advertisement, error) {
	key := vendorKey(vendorEmail)
	if cached, ok := cache.Get[[]model.Advertisement](s.store, key); ok {
		return cached, nil
	}

	var ads []model.Advertisement
	path := "/advertisements/vendor/" + url.PathEscape(strings.ToLower(vendorEmail))
	if err := s.gateway.GetJSON(ctx, path, &ads); err != nil {
		return nil, err
	}
	cache.Set(s.store, key, ads)
	return ads, nil
}

// Add は新しい広告を投稿する。説明文はサニタイズし、画像URLは
// 再ホスティング済みURLへ置き換えてから送信する。
func (s *Service) Add(ctx context.Context, ad model.Advertisement) (*model.Advertisement, error) {
	if err := validate(ad); err != nil {
		return nil, err
	}

	ad.Description = s.sanitizer.Sanitize(ad.Description)
	if ad.ImageURL != "" {
		hosted, err := s.images.Rehost(ctx, ad.ImageURL)
		if err != nil {
			return nil, err
		}
		ad.ImageURL = hosted
	}
	ad.Status = model.AdPending
	ad.VendorEmail = strings.ToLower(ad.VendorEmail)

	var created model.Advertisement
	if err := s.gateway.PostJSON(ctx, "/advertisements", ad, &created); err != nil {
		return nil, err
	}

	s.store.InvalidateResource(resource)
	s.logger.Info("advertisement added",
		slog.String("ad_id", created.ID),
		slog.String("vendor", ad.VendorEmail))
	return &created, nil
}

// Update は既存広告を更新する。一覧キャッシュは楽観的に更新し、
// リモート失敗時は完全に復元する。
func (s *Service) Update(ctx context.Context, ad model.Advertisement) error {
	if err := validate(ad); err != nil {
		return err
	}

	ad.Description = s.sanitizer.Sanitize(ad.Description)

	txns := s.beginAll(ad.VendorEmail)
	applyAll(txns, func(ads []model.Advertisement) []model.Advertisement {
		for i := range ads {
			if ads[i].ID == ad.ID {
				updated := ad
				updated.Status = ads[i].Status
				updated.CreatedAt = ads[i].CreatedAt
				ads[i] = updated
			}
		}
		return ads
	})

	err := s.gateway.PatchJSON(ctx, "/advertisements/"+url.PathEscape(ad.ID), ad, nil)
	if err != nil {
		rollbackAll(txns)
		s.metrics.RecordCacheRollback(resource)
		return err
	}

	commitAll(txns)
	return nil
}

// Delete は広告を削除する。確認の拒否は副作用なしでErrDeclinedを返す。
func (s *Service) Delete(ctx context.Context, ad model.Advertisement) error {
	if !s.confirmer.Confirm(ad.Title + " を削除しますか？この操作は取り消せません。") {
		return confirm.ErrDeclined
	}

	txns := s.beginAll(ad.VendorEmail)
	applyAll(txns, func(ads []model.Advertisement) []model.Advertisement {
		out := ads[:0]
		for _, a := range ads {
			if a.ID != ad.ID {
				out = append(out, a)
			}
		}
		return out
	})

	err := s.gateway.DeleteJSON(ctx, "/advertisements/"+url.PathEscape(ad.ID), nil)
	if err != nil {
		rollbackAll(txns)
		s.metrics.RecordCacheRollback(resource)
		return err
	}

	commitAll(txns)
	s.logger.Info("advertisement deleted", slog.String("ad_id", ad.ID))
	return nil
}

// UpdateStatus は広告のステータスを変更する。
// 同一ステータスへの変更は情報提供のみでリクエストしない。
func (s *Service) UpdateStatus(ctx context.Context, ad model.Advertisement, status model.AdStatus) error {
	if ad.Status == status {
		return model.NewConflictError("広告は既に " + string(status) + " です")
	}
	if !s.confirmer.Confirm(ad.Title + " のステータスを " + string(status) + " に変更しますか？") {
		return confirm.ErrDeclined
	}

	txns := s.beginAll(ad.VendorEmail)
	applyAll(txns, func(ads []model.Advertisement) []model.Advertisement {
		for i := range ads {
			if ads[i].ID == ad.ID {
				ads[i].Status = status
			}
		}
		return ads
	})

	err := s.gateway.PatchJSON(ctx, "/advertisements/"+url.PathEscape(ad.ID)+"/status",
		map[string]string{"status": string(status)}, nil)
	if err != nil {
		rollbackAll(txns)
		s.metrics.RecordCacheRollback(resource)
		return err
	}

	commitAll(txns)
	s.logger.Info("advertisement status updated",
		slog.String("ad_id", ad.ID),
		slog.String("status", string(status)))
	return nil
}

func (s *Service) beginAll(vendorEmail string) []*cache.Transaction[[]model.Advertisement] {
	return []*cache.Transaction[[]model.Advertisement]{
		cache.Begin(s.store, listKey(), cache.CloneSlice[model.Advertisement]),
		cache.Begin(s.store, vendorKey(vendorEmail), cache.CloneSlice[model.Advertisement]),
	}
}

func applyAll(txns []*cache.Transaction[[]model.Advertisement], mutate func([]model.Advertisement) []model.Advertisement) {
	for _, txn := range txns {
		txn.Apply(mutate)
	}
}

func rollbackAll(txns []*cache.Transaction[[]model.Advertisement]) {
	for _, txn := range txns {
		txn.Rollback()
	}
}

func commitAll(txns []*cache.Transaction[[]model.Advertisement]) {
	for _, txn := range txns {
		txn.Commit()
	}
}

// validate は広告投稿の必須項目を検証する。
func validate(ad model.Advertisement) error {
	if strings.TrimSpace(ad.Title) == "" {
		return model.NewValidationError("広告タイトルを入力してください")
	}
	if strings.TrimSpace(ad.VendorEmail) == "" {
		return model.NewValidationError("出店者メールアドレスが設定されていません")
	}
	return nil
}
