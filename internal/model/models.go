// Package model はドメインモデルを定義する。
// すべての永続化と不変条件の強制はリモートAPIが所有し、
// クライアントはキャッシュされたコピーのみを保持する。
package model

import (
	"sort"
	"time"
)

// Identity はIDプロバイダーから報告された認証済みプリンシパルを表す。
// サインアウトまたはトークン失効までの読み取り専用参照。
type Identity struct {
	ProviderUserID string `json:"provider_user_id"`
	Email          string `json:"email"`
	DisplayName    string `json:"display_name"`
	PhotoURL       string `json:"photo_url"`
	Provider       string `json:"provider"` // "password", "google" 等
}

// ProductStatus は商品の審査ステータス。
type ProductStatus string

const (
	ProductPending  ProductStatus = "pending"
	ProductApproved ProductStatus = "approved"
	ProductRejected ProductStatus = "rejected"
)

// AdStatus は広告のライフサイクルステータス。
type AdStatus string

const (
	AdPending  AdStatus = "pending"
	AdActive   AdStatus = "active"
	AdPaused   AdStatus = "paused"
	AdRejected AdStatus = "rejected"
)

// PricePoint は特定日の記録価格を表す。
type PricePoint struct {
	Date  string  `json:"date"` // YYYY-MM-DD
	Price float64 `json:"price"`
}

// Product は市場の商品を表す。
type Product struct {
	ID                string        `json:"_id"`
	ItemName          string        `json:"item_name"`
	MarketName        string        `json:"market_name"`
	Description       string        `json:"description"`
	ImageURL          string        `json:"image_url"`
	PricePerUnit      float64       `json:"price_per_unit"`
	Prices            []PricePoint  `json:"prices"`
	Status            ProductStatus `json:"status"`
	RejectionReason   string        `json:"rejection_reason,omitempty"`
	RejectionFeedback string        `json:"rejection_feedback,omitempty"`
	VendorEmail       string        `json:"vendor_email"`
	Date              string        `json:"date"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// LatestPrice は支払額の算定に使う最新価格を返す。
// 日付降順で最新の記録価格を選び、記録がない場合は基本単価にフォールバックする。
func (p *Product) LatestPrice() float64 {
	if len(p.Prices) == 0 {
		return p.PricePerUnit
	}
	points := make([]PricePoint, len(p.Prices))
	copy(points, p.Prices)
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Date > points[j].Date
	})
	if points[0].Price != 0 {
		return points[0].Price
	}
	return p.PricePerUnit
}

// Advertisement は出店者が掲出する広告を表す。
type Advertisement struct {
	ID          string    `json:"_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	ImageURL    string    `json:"image_url"`
	Status      AdStatus  `json:"status"`
	VendorEmail string    `json:"vendor_email"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// User はバックエンドに登録されたユーザーレコードを表す。
// RoleはサーバーAPI上は文字列として保持される。
type User struct {
	ID        string     `json:"_id"`
	Email     string     `json:"user_email"`
	Name      string     `json:"user_name"`
	Role      string     `json:"user_role"`
	CreatedAt time.Time  `json:"created_at"`
	LastLogin *time.Time `json:"last_login,omitempty"`
}

// WatchlistItem はユーザーの価格ウォッチリストの1エントリを表す。
type WatchlistItem struct {
	ID         string    `json:"_id"`
	ProductID  string    `json:"product_id"`
	UserEmail  string    `json:"user_email"`
	ItemName   string    `json:"item_name"`
	MarketName string    `json:"market_name"`
	AddedAt    time.Time `json:"added_at"`
}

// Order は支払い完了後に作成される注文レコードを表す。
type Order struct {
	ID            string    `json:"_id"`
	ProductID     string    `json:"productId"`
	BuyerEmail    string    `json:"buyerEmail"`
	PricePaid     float64   `json:"pricePaid"`
	TransactionID string    `json:"transactionId"`
	PaymentStatus string    `json:"paymentStatus"`
	PurchasedAt   time.Time `json:"purchasedAt"`
}
