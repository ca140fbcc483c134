package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/pricewatch/internal/model"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.URL, "pk_test_123", 5*time.Second)
}

func testCard() Card {
	return Card{Number: "4242424242424242", ExpMonth: 12, ExpYear: 2030, CVC: "123"}
}

func TestClient_ConfirmCardPayment_Succeeded(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payment_intents/pi_abc/confirm" {
			t.Errorf("パス = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer pk_test_123" {
			t.Errorf("Authorization = %s", r.Header.Get("Authorization"))
		}
		r.ParseForm()
		if r.PostForm.Get("payment_method_data[billing_details][email]") != "buyer@example.com" {
			t.Errorf("billing email = %s", r.PostForm.Get("payment_method_data[billing_details][email]"))
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "pi_abc", "status": "succeeded"})
	})

	got, err := c.ConfirmCardPayment(context.Background(), "pi_abc_secret_xyz", testCard(), "Buyer", "buyer@example.com")
	if err != nil {
		t.Fatalf("ConfirmCardPayment がエラーを返した: %v", err)
	}
	if got.Status != "succeeded" || got.IntentID != "pi_abc" {
		t.Errorf("Result = %+v", got)
	}
}

func TestClient_ConfirmCardPayment_DeclinePreservesProcessorMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "Your card was declined."},
		})
	})

	_, err := c.ConfirmCardPayment(context.Background(), "pi_abc_secret_xyz", testCard(), "Buyer", "buyer@example.com")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodePayment {
		t.Fatalf("PaymentErrorを返すべき: %v", err)
	}
	// プロセッサーのメッセージをそのまま保持する
	if apiErr.Message != "Your card was declined." {
		t.Errorf("Message = %q", apiErr.Message)
	}
}

func TestClient_ConfirmCardPayment_InvalidSecret(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "pk_test_123", time.Second)

	for _, secret := range []string{"", "not-a-secret", "pi_abc"} {
		_, err := c.ConfirmCardPayment(context.Background(), secret, testCard(), "Buyer", "buyer@example.com")
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodePayment {
			t.Errorf("secret=%q: PaymentErrorを返すべき: %v", secret, err)
		}
	}
}
