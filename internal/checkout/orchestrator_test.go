package checkout

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/pricewatch/internal/model"
	"github.com/hitoshi/pricewatch/internal/navigator"
	"github.com/hitoshi/pricewatch/internal/payment"
)

type mockIntentCreator struct {
	postFn func(ctx context.Context, path string, body, out any) error
	calls  int
}

func (m *mockIntentCreator) PostJSON(ctx context.Context, path string, body, out any) error {
	m.calls++
	return m.postFn(ctx, path, body, out)
}

type mockConfirmer struct {
	confirmFn func(ctx context.Context, clientSecret string, card payment.Card, billingName, billingEmail string) (*payment.Result, error)
}

func (m *mockConfirmer) ConfirmCardPayment(ctx context.Context, clientSecret string, card payment.Card, billingName, billingEmail string) (*payment.Result, error) {
	return m.confirmFn(ctx, clientSecret, card, billingName, billingEmail)
}

type mockOrderCreator struct {
	createFn func(ctx context.Context, order model.Order) (*model.Order, error)
	calls    int
}

func (m *mockOrderCreator) Create(ctx context.Context, order model.Order) (*model.Order, error) {
	m.calls++
	return m.createFn(ctx, order)
}

func happyIntent(secret string) *mockIntentCreator {
	return &mockIntentCreator{postFn: func(ctx context.Context, path string, body, out any) error {
		out.(*intentResponse).ClientSecret = secret
		return nil
	}}
}

func happyConfirmer() *mockConfirmer {
	return &mockConfirmer{confirmFn: func(ctx context.Context, clientSecret string, card payment.Card, billingName, billingEmail string) (*payment.Result, error) {
		return &payment.Result{Status: "succeeded", IntentID: "pi_abc"}, nil
	}}
}

func newTestOrchestrator(gateway IntentCreator, payments PaymentConfirmer, orders OrderCreator, nav navigator.Navigator) *Orchestrator {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	return NewOrchestrator(gateway, payments, orders, nav, nil, logger)
}

func sampleProduct() model.Product {
	return model.Product{
		ID:           "p1",
		ItemName:     "Onion",
		PricePerUnit: 40,
		Prices: []model.PricePoint{
			{Date: "2026-08-01", Price: 40},
			{Date: "2026-08-15", Price: 42.50},
		},
	}
}

func TestMinorUnits(t *testing.T) {
	tests := []struct {
		price float64
		want  int
	}{
		{42.50, 4250},
		{0.1, 10},
		{19.999, 2000},
		{55, 5500},
	}
	for _, tt := range tests {
		if got := MinorUnits(tt.price); got != tt.want {
			t.Errorf("MinorUnits(%v) = %d, want %d", tt.price, got, tt.want)
		}
		// 同一入力は常に同一出力
		if again := MinorUnits(tt.price); again != MinorUnits(tt.price) {
			t.Errorf("MinorUnits(%v) が冪等でない", tt.price)
		}
	}
}

func TestOrchestrator_Purchase_HappyPath(t *testing.T) {
	var gotIntent intentRequest
	gateway := &mockIntentCreator{postFn: func(ctx context.Context, path string, body, out any) error {
		if path != "/create-payment-intent" {
			t.Errorf("パス = %s", path)
		}
		gotIntent = body.(intentRequest)
		out.(*intentResponse).ClientSecret = "pi_abc_secret_xyz"
		return nil
	}}
	var createdOrder model.Order
	orders := &mockOrderCreator{createFn: func(ctx context.Context, order model.Order) (*model.Order, error) {
		createdOrder = order
		created := order
		created.ID = "o1"
		return &created, nil
	}}
	nav := navigator.NewMemory()
	o := newTestOrchestrator(gateway, happyConfirmer(), orders, nav)

	got, err := o.Purchase(context.Background(), sampleProduct(), "Buyer@Example.com", "Buyer", payment.Card{})
	if err != nil {
		t.Fatalf("Purchase がエラーを返した: %v", err)
	}
	// 最新記録価格（2026-08-15の42.50）から算定される
	if gotIntent.AmountInCents != 4250 {
		t.Errorf("AmountInCents = %d, want 4250", gotIntent.AmountInCents)
	}
	if gotIntent.ProductID != "p1" {
		t.Errorf("ProductID = %s", gotIntent.ProductID)
	}
	if createdOrder.BuyerEmail != "buyer@example.com" {
		t.Errorf("BuyerEmail = %s", createdOrder.BuyerEmail)
	}
	if createdOrder.PricePaid != 42.50 {
		t.Errorf("PricePaid = %v", createdOrder.PricePaid)
	}
	if createdOrder.TransactionID != "pi_abc" {
		t.Errorf("TransactionID = %s", createdOrder.TransactionID)
	}
	if got.ID != "o1" {
		t.Errorf("ID = %s", got.ID)
	}
	// 完了後は注文履歴へ遷移する
	if nav.Current() != OrdersPath {
		t.Errorf("Current() = %q, want %q", nav.Current(), OrdersPath)
	}
}

func TestOrchestrator_Purchase_DeclineDoesNotCreateOrder(t *testing.T) {
	confirmer := &mockConfirmer{confirmFn: func(ctx context.Context, clientSecret string, card payment.Card, billingName, billingEmail string) (*payment.Result, error) {
		return nil, model.NewPaymentError("Your card was declined.")
	}}
	orders := &mockOrderCreator{}
	nav := navigator.NewMemory()
	o := newTestOrchestrator(happyIntent("pi_abc_secret_xyz"), confirmer, orders, nav)

	_, err := o.Purchase(context.Background(), sampleProduct(), "buyer@example.com", "Buyer", payment.Card{})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodePayment {
		t.Fatalf("PaymentErrorを返すべき: %v", err)
	}
	if apiErr.Message != "Your card was declined." {
		t.Errorf("プロセッサーのメッセージが保持されていない: %q", apiErr.Message)
	}
	if orders.calls != 0 {
		t.Error("カード拒否で注文が作成された")
	}
	if len(nav.History()) != 0 {
		t.Error("失敗時に遷移が発生した")
	}
}

func TestOrchestrator_Purchase_NonSucceededStatusDoesNotCreateOrder(t *testing.T) {
	confirmer := &mockConfirmer{confirmFn: func(ctx context.Context, clientSecret string, card payment.Card, billingName, billingEmail string) (*payment.Result, error) {
		return &payment.Result{Status: "processing", IntentID: "pi_abc"}, nil
	}}
	orders := &mockOrderCreator{}
	o := newTestOrchestrator(happyIntent("pi_abc_secret_xyz"), confirmer, orders, navigator.NewMemory())

	_, err := o.Purchase(context.Background(), sampleProduct(), "buyer@example.com", "Buyer", payment.Card{})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodePayment {
		t.Fatalf("succeeded以外はPaymentErrorを返すべき: %v", err)
	}
	if orders.calls != 0 {
		t.Error("succeeded以外の状態で注文が作成された")
	}
}

func TestOrchestrator_Purchase_PostPaymentFailureIsDistinguished(t *testing.T) {
	orders := &mockOrderCreator{createFn: func(ctx context.Context, order model.Order) (*model.Order, error) {
		return nil, model.NewNetworkError("down")
	}}
	nav := navigator.NewMemory()
	o := newTestOrchestrator(happyIntent("pi_abc_secret_xyz"), happyConfirmer(), orders, nav)

	_, err := o.Purchase(context.Background(), sampleProduct(), "buyer@example.com", "Buyer", payment.Card{})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodePostPayment {
		t.Fatalf("決済成功後の失敗はPostPaymentErrorを返すべき: %v", err)
	}
	// 再決済を促す表示にならないようPaymentErrorとはコードが異なる
	if apiErr.Code == model.ErrCodePayment {
		t.Error("PostPaymentとPaymentが区別されていない")
	}
	if len(nav.History()) != 0 {
		t.Error("失敗時に遷移が発生した")
	}
}

func TestOrchestrator_Purchase_InFlightDedup(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var startOnce, waitOnce sync.Once
	confirmer := &mockConfirmer{confirmFn: func(ctx context.Context, clientSecret string, card payment.Card, billingName, billingEmail string) (*payment.Result, error) {
		startOnce.Do(func() { close(started) })
		waitOnce.Do(func() { <-release })
		return &payment.Result{Status: "succeeded", IntentID: "pi_abc"}, nil
	}}
	gateway := happyIntent("pi_abc_secret_xyz")
	orders := &mockOrderCreator{createFn: func(ctx context.Context, order model.Order) (*model.Order, error) {
		created := order
		created.ID = "o1"
		return &created, nil
	}}
	o := newTestOrchestrator(gateway, confirmer, orders, navigator.NewMemory())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := o.Purchase(context.Background(), sampleProduct(), "buyer@example.com", "Buyer", payment.Card{}); err != nil {
			t.Errorf("1回目のPurchase がエラーを返した: %v", err)
		}
	}()

	<-started
	// 進行中の二重Purchaseはディスパッチされない
	_, err := o.Purchase(context.Background(), sampleProduct(), "buyer@example.com", "Buyer", payment.Card{})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeConflict {
		t.Fatalf("進行中の二重PurchaseはConflictを返すべき: %v", err)
	}
	if gateway.calls != 1 {
		t.Errorf("二重Purchaseでインテントが作成された: calls = %d", gateway.calls)
	}

	close(release)
	wg.Wait()

	// 完了後は再購入できる
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := o.Purchase(context.Background(), sampleProduct(), "buyer@example.com", "Buyer", payment.Card{}); err != nil {
			t.Errorf("完了後のPurchase がエラーを返した: %v", err)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("完了後のPurchaseがブロックしたまま")
	}
}

func TestOrchestrator_Purchase_MissingClientSecret(t *testing.T) {
	gateway := &mockIntentCreator{postFn: func(ctx context.Context, path string, body, out any) error {
		return nil // clientSecretなし
	}}
	orders := &mockOrderCreator{}
	o := newTestOrchestrator(gateway, happyConfirmer(), orders, navigator.NewMemory())

	_, err := o.Purchase(context.Background(), sampleProduct(), "buyer@example.com", "Buyer", payment.Card{})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodePayment {
		t.Fatalf("クライアントシークレットなしはPaymentErrorを返すべき: %v", err)
	}
}
