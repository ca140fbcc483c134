// Package checkout は支払いインテント作成からカード決済確認、注文レコード
// 作成までのチェックアウトフローを調整する。
//
// 決済成功後の失敗（注文記録の失敗）はカード拒否と明確に区別する。
// 前者の再決済は二重課金になるため、呼び出し元が同じ失敗表示に
// まとめることがないようエラーコードを分けている。
package checkout

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/pricewatch/internal/metrics"
	"github.com/hitoshi/pricewatch/internal/model"
	"github.com/hitoshi/pricewatch/internal/navigator"
	"github.com/hitoshi/pricewatch/internal/payment"
)

// State はチェックアウトフローの進行状態。
type State int

const (
	StateIdle State = iota
	StateCreatingIntent
	StateConfirmingPayment
	StateCreatingOrder
	StateCompleted
	StateFailed
)

// String は状態のログ表示用文字列を返す。
func (s State) String() string {
	switch s {
	case StateCreatingIntent:
		return "creating_intent"
	case StateConfirmingPayment:
		return "confirming_payment"
	case StateCreatingOrder:
		return "creating_order"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// OrdersPath は完了後に遷移する注文履歴のパス。
const OrdersPath = "/dashboard/user/orders"

// IntentCreator は支払いインテント作成に必要なゲートウェイのインターフェース。
type IntentCreator interface {
	PostJSON(ctx context.Context, path string, body, out any) error
}

// PaymentConfirmer はカード決済確認のインターフェース。
// payment.Clientの部分集合として定義する。
type PaymentConfirmer interface {
	ConfirmCardPayment(ctx context.Context, clientSecret string, card payment.Card, billingName, billingEmail string) (*payment.Result, error)
}

// OrderCreator は注文レコード作成のインターフェース。
// orders.Serviceの部分集合として定義する。
type OrderCreator interface {
	Create(ctx context.Context, order model.Order) (*model.Order, error)
}

// Orchestrator はチェックアウトフローの調整器。
type Orchestrator struct {
	gateway   IntentCreator
	payments  PaymentConfirmer
	orders    OrderCreator
	nav       navigator.Navigator
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewOrchestrator はOrchestratorを生成する。
func NewOrchestrator(
	gateway IntentCreator,
	payments PaymentConfirmer,
	orders OrderCreator,
	nav navigator.Navigator,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Orchestrator {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Orchestrator{
		gateway:  gateway,
		payments: payments,
		orders:   orders,
		nav:      nav,
		metrics:  collector,
		logger:   logger,
		now:      time.Now,
		inFlight: make(map[string]struct{}),
	}
}

// MinorUnits は価格を最小通貨単位（整数）へ変換する。
// 浮動小数点の価格は四捨五入で丸める。同一入力は常に同一出力を返す。
func MinorUnits(price float64) int {
	return int(math.Round(price * 100))
}

type intentRequest struct {
	AmountInCents int    `json:"amountInCents"`
	ProductID     string `json:"productId"`
}

type intentResponse struct {
	ClientSecret string `json:"clientSecret"`
}

// Purchase はチェックアウトフローを最初から最後まで実行する。
//
// 同一商品・同一購入者のフローが進行中の間、二重のPurchaseは
// リクエストをディスパッチせず情報提供のConflictErrorを返す。
// 支払額は商品の最新記録価格から算定する。
func (o *Orchestrator) Purchase(ctx context.Context, product model.Product, buyerEmail, buyerName string, card payment.Card) (*model.Order, error) {
	buyerEmail = strings.ToLower(buyerEmail)

	flowKey := product.ID + "/" + buyerEmail
	o.mu.Lock()
	if _, busy := o.inFlight[flowKey]; busy {
		o.mu.Unlock()
		return nil, model.NewConflictError("この商品の決済は処理中です")
	}
	o.inFlight[flowKey] = struct{}{}
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.inFlight, flowKey)
		o.mu.Unlock()
	}()

	price := product.LatestPrice()
	amount := MinorUnits(price)
	if amount <= 0 {
		return nil, model.NewValidationError("支払額が不正です")
	}

	o.logState(StateCreatingIntent, product.ID, buyerEmail)
	var intent intentResponse
	err := o.gateway.PostJSON(ctx, "/create-payment-intent",
		intentRequest{AmountInCents: amount, ProductID: product.ID}, &intent)
	if err != nil {
		return nil, o.fail("intent_failed", product.ID, buyerEmail, err)
	}
	if intent.ClientSecret == "" {
		return nil, o.fail("intent_failed", product.ID, buyerEmail,
			model.NewPaymentError("クライアントシークレットが発行されませんでした"))
	}

	o.logState(StateConfirmingPayment, product.ID, buyerEmail)
	result, err := o.payments.ConfirmCardPayment(ctx, intent.ClientSecret, card, buyerName, buyerEmail)
	if err != nil {
		return nil, o.fail("payment_failed", product.ID, buyerEmail, err)
	}
	if result.Status != "succeeded" {
		// succeeded以外（processing等）では注文を作成しない
		return nil, o.fail("payment_failed", product.ID, buyerEmail,
			model.NewPaymentError("決済が完了しませんでした（状態: "+result.Status+"）"))
	}

	o.logState(StateCreatingOrder, product.ID, buyerEmail)
	created, err := o.orders.Create(ctx, model.Order{
		ProductID:     product.ID,
		BuyerEmail:    buyerEmail,
		PricePaid:     price,
		TransactionID: result.IntentID,
		PaymentStatus: result.Status,
		PurchasedAt:   o.now(),
	})
	if err != nil {
		// 課金は成立している。再決済させてはならない。
		o.metrics.RecordCheckoutOutcome("post_payment_failed")
		o.logger.Error("order creation failed after successful payment",
			slog.String("product_id", product.ID),
			slog.String("buyer", buyerEmail),
			slog.String("transaction_id", result.IntentID),
			slog.String("error", err.Error()))
		return nil, model.NewPostPaymentError()
	}

	o.metrics.RecordCheckoutOutcome("completed")
	o.logState(StateCompleted, product.ID, buyerEmail)
	o.nav.Redirect(OrdersPath)
	return created, nil
}

// fail は失敗の記録とログを行い、エラーをそのまま返す。
func (o *Orchestrator) fail(outcome, productID, buyerEmail string, err error) error {
	o.metrics.RecordCheckoutOutcome(outcome)
	o.logger.Warn("checkout failed",
		slog.String("state", StateFailed.String()),
		slog.String("outcome", outcome),
		slog.String("product_id", productID),
		slog.String("buyer", buyerEmail),
		slog.String("error", err.Error()))
	return err
}

func (o *Orchestrator) logState(state State, productID, buyerEmail string) {
	o.logger.Debug("checkout state",
		slog.String("state", state.String()),
		slog.String("product_id", productID),
		slog.String("buyer", buyerEmail))
}
