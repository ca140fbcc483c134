package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/pricewatch/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	var buf bytes.Buffer
	c := NewClient(ClientConfig{
		BaseURL: server.URL,
		APIKey:  "test-key",
	}, server.Client(), newTestLogger(&buf))
	return c, server
}

func TestClient_SignIn_Success(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "accounts:signInWithPassword") {
			t.Errorf("パス = %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("APIキーが付与されていない")
		}

		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["email"] != "buyer@example.com" {
			t.Errorf("email = %s", body["email"])
		}

		json.NewEncoder(w).Encode(accountResponse{
			LocalID:     "uid-1",
			Email:       "buyer@example.com",
			DisplayName: "Buyer",
			IDToken:     "id-token-1",
		})
	})

	ident, cred, err := c.SignIn(context.Background(), "buyer@example.com", "password1A")
	if err != nil {
		t.Fatalf("SignIn がエラーを返した: %v", err)
	}
	if ident.Email != "buyer@example.com" || ident.Provider != "password" {
		t.Errorf("Identity = %+v", ident)
	}
	if cred.IDToken != "id-token-1" {
		t.Errorf("IDToken = %s", cred.IDToken)
	}

	// サインインにつきちょうど1つのイベントが発行される
	select {
	case ev := <-c.Events():
		if ev.Type != EventSignedIn || ev.Identity.Email != "buyer@example.com" {
			t.Errorf("Event = %+v", ev)
		}
	default:
		t.Fatal("サインインイベントが発行されていない")
	}
	select {
	case ev := <-c.Events():
		t.Fatalf("余分なイベントが発行された: %+v", ev)
	default:
	}
}

func TestClient_SignIn_InvalidCredentials(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "INVALID_LOGIN_CREDENTIALS"},
		})
	})

	_, _, err := c.SignIn(context.Background(), "buyer@example.com", "wrong")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeAuth {
		t.Fatalf("AuthErrorを返すべき: %v", err)
	}

	// 失敗時はイベントを発行しない
	select {
	case ev := <-c.Events():
		t.Fatalf("失敗時にイベントが発行された: %+v", ev)
	default:
	}
}

func TestClient_CreateAccount_DuplicateEmail(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "EMAIL_EXISTS"},
		})
	})

	_, _, err := c.CreateAccount(context.Background(), "dup@example.com", "password1A")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeCredential {
		t.Fatalf("CredentialErrorを返すべき: %v", err)
	}
}

func TestClient_SignOut_PublishesEventEvenOnFailure(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "INTERNAL"},
		})
	})

	err := c.SignOut(context.Background(), &Credential{IDToken: "tok"})
	if err == nil {
		t.Error("リモート失敗時はエラーを返す（呼び出し元でベストエフォート扱い）")
	}

	select {
	case ev := <-c.Events():
		if ev.Type != EventSignedOut {
			t.Errorf("Event = %+v", ev)
		}
		if ev.Identity != nil {
			t.Error("サインアウトイベントのIdentityはnilであるべき")
		}
	default:
		t.Fatal("サインアウトイベントが発行されていない")
	}
}

func TestClient_Close_Idempotent(t *testing.T) {
	var buf bytes.Buffer
	c := NewClient(ClientConfig{}, nil, newTestLogger(&buf))
	c.Close()
	c.Close() // 2回閉じてもパニックしない

	// クローズ後のpublishは無視される
	c.NotifyFederatedSignIn(&model.Identity{Email: "x@example.com"})
}
