package telegramapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatgate/pkg/adapter"
	"chatgate/pkg/message"
)

func newAPIAdapter(t *testing.T, settings map[string]string) *Adapter {
	t.Helper()

	instance, err := New(adapter.Config{
		BotID:       "bot-1",
		Platform:    platformName,
		Credentials: "123456:token",
		Settings:    settings,
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return instance.(*Adapter)
}

func updateBody(t *testing.T) []byte {
	t.Helper()

	body, err := json.Marshal(map[string]any{
		"update_id": 42,
		"message": map[string]any{
			"message_id": 7,
			"date":       1700000000,
			"text":       "privet",
			"chat":       map[string]any{"id": 100200300},
			"from":       map[string]any{"id": 555, "first_name": "Ivan", "last_name": "Petrov"},
		},
	})
	if err != nil {
		t.Fatalf("marshal update: %v", err)
	}
	return body
}

func TestVerifyAndNormalizeWithSecretToken(t *testing.T) {
	a := newAPIAdapter(t, map[string]string{"secret_token": "wh-secret"})

	header := http.Header{}
	header.Set(secretTokenHeader, "wh-secret")

	inbound, err := a.VerifyAndNormalize(context.Background(), adapter.RawEvent{Body: updateBody(t), Header: header})
	if err != nil {
		t.Fatalf("VerifyAndNormalize error: %v", err)
	}

	if inbound.ID != "7" {
		t.Fatalf("id = %q, want 7", inbound.ID)
	}
	if inbound.ChatID != "100200300" || inbound.SenderID != "555" {
		t.Fatalf("chat/sender = %q/%q, want 100200300/555", inbound.ChatID, inbound.SenderID)
	}
	if inbound.SenderName != "Ivan Petrov" {
		t.Fatalf("sender name = %q, want Ivan Petrov", inbound.SenderName)
	}
	if want := time.Unix(1700000000, 0).UTC(); !inbound.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v, want %v", inbound.Timestamp, want)
	}
	if inbound.Metadata[message.MetaVerified] != "true" {
		t.Fatalf("verified = %q, want true", inbound.Metadata[message.MetaVerified])
	}
	if inbound.Metadata["update_id"] != "42" {
		t.Fatalf("update_id = %q, want 42", inbound.Metadata["update_id"])
	}
}

func TestVerifyAndNormalizeRejectsWrongSecret(t *testing.T) {
	a := newAPIAdapter(t, map[string]string{"secret_token": "wh-secret"})

	header := http.Header{}
	header.Set(secretTokenHeader, "forged")

	_, err := a.VerifyAndNormalize(context.Background(), adapter.RawEvent{Body: updateBody(t), Header: header})
	var verification *adapter.VerificationError
	if !errors.As(err, &verification) {
		t.Fatalf("error = %v, want VerificationError", err)
	}
}

func TestVerifyAndNormalizeWithoutSecretAllowsUnverified(t *testing.T) {
	a := newAPIAdapter(t, nil)

	inbound, err := a.VerifyAndNormalize(context.Background(), adapter.RawEvent{Body: updateBody(t), Header: http.Header{}})
	if err != nil {
		t.Fatalf("VerifyAndNormalize error: %v", err)
	}
	if inbound.Metadata[message.MetaVerified] != "false" {
		t.Fatalf("verified = %q, want false", inbound.Metadata[message.MetaVerified])
	}
}

func TestVerifyAndNormalizeIgnoresNonMessageUpdates(t *testing.T) {
	a := newAPIAdapter(t, nil)

	body, _ := json.Marshal(map[string]any{"update_id": 43})
	_, err := a.VerifyAndNormalize(context.Background(), adapter.RawEvent{Body: body, Header: http.Header{}})
	if !errors.Is(err, adapter.ErrIgnoreEvent) {
		t.Fatalf("error = %v, want ErrIgnoreEvent", err)
	}
}

func TestSendPostsToBotAPI(t *testing.T) {
	var gotPath string
	var gotPayload map[string]any

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"result": map[string]any{"message_id": 99},
		})
	}))
	defer ts.Close()

	a := newAPIAdapter(t, map[string]string{"api_base": ts.URL})

	ack, err := a.Send(context.Background(), message.Outbound{ChatID: "100", Content: "hello"})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}

	if gotPath != "/bot123456:token/sendMessage" {
		t.Fatalf("path = %q, want /bot123456:token/sendMessage", gotPath)
	}
	if gotPayload["chat_id"] != "100" || gotPayload["text"] != "hello" {
		t.Fatalf("payload = %v, want chat_id=100 text=hello", gotPayload)
	}
	if ack.MessageID != "99" {
		t.Fatalf("ack.MessageID = %q, want 99", ack.MessageID)
	}
}

func TestSendClassifiesAPIErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{
			"ok": false, "error_code": 401, "description": "Unauthorized",
		})
	}))
	defer ts.Close()

	a := newAPIAdapter(t, map[string]string{"api_base": ts.URL})

	_, err := a.Send(context.Background(), message.Outbound{ChatID: "100", Content: "hello"})
	if err == nil {
		t.Fatal("Send error = nil, want failure")
	}
	if adapter.IsRetryable(err) {
		t.Fatalf("IsRetryable = true for 401, want false")
	}
}

func TestHealthCheckCallsGetMe(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bot123456:token/getMe" {
			t.Errorf("path = %q, want getMe", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": map[string]any{"id": 1}})
	}))
	defer ts.Close()

	a := newAPIAdapter(t, map[string]string{"api_base": ts.URL})
	if err := a.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck error: %v", err)
	}
}
