package whatsapp

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"chatgate/pkg/adapter"
	"chatgate/pkg/message"
)

func newWhatsAppAdapter(t *testing.T, settings map[string]string) *Adapter {
	t.Helper()

	if settings == nil {
		settings = map[string]string{}
	}
	if settings["phone_number_id"] == "" {
		settings["phone_number_id"] = "15550001111"
	}

	instance, err := New(adapter.Config{
		BotID:       "bot-1",
		Platform:    platformName,
		Credentials: "graph-token",
		Settings:    settings,
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return instance.(*Adapter)
}

func cloudEventBody(t *testing.T) []byte {
	t.Helper()

	body, err := json.Marshal(map[string]any{
		"entry": []map[string]any{{
			"changes": []map[string]any{{
				"value": map[string]any{
					"contacts": []map[string]any{{
						"wa_id":   "15551234567",
						"profile": map[string]string{"name": "Maria"},
					}},
					"messages": []map[string]any{{
						"from":      "15551234567",
						"id":        "wamid.1",
						"timestamp": "1700000000",
						"type":      "text",
						"text":      map[string]string{"body": "hola"},
					}},
				},
			}},
		}},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return body
}

func TestNewRequiresPhoneNumberID(t *testing.T) {
	_, err := New(adapter.Config{Credentials: "tok"})
	if err == nil {
		t.Fatal("New error = nil, want missing phone_number_id failure")
	}
}

func TestChallengeEchoesHubChallenge(t *testing.T) {
	a := newWhatsAppAdapter(t, map[string]string{"verify_token": "vt-1"})

	query := url.Values{}
	query.Set("hub.mode", "subscribe")
	query.Set("hub.verify_token", "vt-1")
	query.Set("hub.challenge", "987654")

	answer, handled := a.Challenge(adapter.RawEvent{Query: query})
	if !handled {
		t.Fatal("Challenge handled = false, want true")
	}
	if string(answer) != "987654" {
		t.Fatalf("challenge echo = %q, want 987654", answer)
	}
}

func TestChallengeRejectsWrongToken(t *testing.T) {
	a := newWhatsAppAdapter(t, map[string]string{"verify_token": "vt-1"})

	query := url.Values{}
	query.Set("hub.mode", "subscribe")
	query.Set("hub.verify_token", "vt-2")
	query.Set("hub.challenge", "987654")

	if _, handled := a.Challenge(adapter.RawEvent{Query: query}); handled {
		t.Fatal("Challenge handled = true for wrong token, want false")
	}
}

func TestVerifyAndNormalizeSignedEvent(t *testing.T) {
	a := newWhatsAppAdapter(t, map[string]string{"app_secret": "app-sekrit"})
	body := cloudEventBody(t)

	mac := hmac.New(sha256.New, []byte("app-sekrit"))
	mac.Write(body)
	header := http.Header{}
	header.Set(signatureHeader, "sha256="+hex.EncodeToString(mac.Sum(nil)))

	inbound, err := a.VerifyAndNormalize(context.Background(), adapter.RawEvent{Body: body, Header: header})
	if err != nil {
		t.Fatalf("VerifyAndNormalize error: %v", err)
	}

	if inbound.ChatID != "15551234567" || inbound.SenderID != "15551234567" {
		t.Fatalf("chat/sender = %q/%q, want 15551234567", inbound.ChatID, inbound.SenderID)
	}
	if inbound.SenderName != "Maria" {
		t.Fatalf("sender name = %q, want Maria", inbound.SenderName)
	}
	if inbound.Text != "hola" {
		t.Fatalf("text = %q, want hola", inbound.Text)
	}
	if want := time.Unix(1700000000, 0).UTC(); !inbound.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v, want %v", inbound.Timestamp, want)
	}
	if inbound.Metadata[message.MetaVerified] != "true" {
		t.Fatalf("verified = %q, want true", inbound.Metadata[message.MetaVerified])
	}
}

func TestVerifyAndNormalizeRejectsForgedSignature(t *testing.T) {
	a := newWhatsAppAdapter(t, map[string]string{"app_secret": "app-sekrit"})
	body := cloudEventBody(t)

	header := http.Header{}
	header.Set(signatureHeader, "sha256="+hex.EncodeToString(make([]byte, 32)))

	_, err := a.VerifyAndNormalize(context.Background(), adapter.RawEvent{Body: body, Header: header})
	var verification *adapter.VerificationError
	if !errors.As(err, &verification) {
		t.Fatalf("error = %v, want VerificationError", err)
	}
}

func TestVerifyAndNormalizeWithoutSecretAllowsUnverified(t *testing.T) {
	a := newWhatsAppAdapter(t, nil)

	inbound, err := a.VerifyAndNormalize(context.Background(), adapter.RawEvent{
		Body:   cloudEventBody(t),
		Header: http.Header{},
	})
	if err != nil {
		t.Fatalf("VerifyAndNormalize error: %v", err)
	}
	if inbound.Metadata[message.MetaVerified] != "false" {
		t.Fatalf("verified = %q, want false", inbound.Metadata[message.MetaVerified])
	}
}

func TestVerifyAndNormalizeIgnoresStatusOnlyEvents(t *testing.T) {
	a := newWhatsAppAdapter(t, nil)

	body, _ := json.Marshal(map[string]any{
		"entry": []map[string]any{{
			"changes": []map[string]any{{
				"value": map[string]any{"statuses": []map[string]string{{"status": "delivered"}}},
			}},
		}},
	})

	_, err := a.VerifyAndNormalize(context.Background(), adapter.RawEvent{Body: body, Header: http.Header{}})
	if !errors.Is(err, adapter.ErrIgnoreEvent) {
		t.Fatalf("error = %v, want ErrIgnoreEvent", err)
	}
}

func TestEpochStringFallsBackToNow(t *testing.T) {
	if got := epochString("1700000000"); got.Unix() != 1700000000 {
		t.Fatalf("seconds = %d, want 1700000000", got.Unix())
	}

	before := time.Now().Add(-time.Minute)
	if got := epochString("not-a-number"); got.Before(before) {
		t.Fatalf("fallback = %v, want roughly now", got)
	}
}

func TestStrictVerificationFollowsAppSecret(t *testing.T) {
	if newWhatsAppAdapter(t, nil).StrictVerification() {
		t.Fatal("StrictVerification = true without app secret, want false")
	}
	if !newWhatsAppAdapter(t, map[string]string{"app_secret": "s"}).StrictVerification() {
		t.Fatal("StrictVerification = false with app secret, want true")
	}
}

func TestVerifyAndNormalizeForwardsBatchedMessages(t *testing.T) {
	a := newWhatsAppAdapter(t, map[string]string{"app_secret": "app-sekrit"})

	received := make(chan message.Inbound, 4)
	sink := adapter.Sink(func(_ context.Context, msg message.Inbound) error {
		received <- msg
		return nil
	})
	if err := a.Start(context.Background(), sink); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	body, err := json.Marshal(map[string]any{
		"entry": []map[string]any{{
			"changes": []map[string]any{
				{
					"value": map[string]any{
						"contacts": []map[string]any{{
							"wa_id":   "15551234567",
							"profile": map[string]string{"name": "Maria"},
						}},
						"messages": []map[string]any{
							{
								"from": "15551234567", "id": "wamid.1", "timestamp": "1700000000",
								"type": "text", "text": map[string]string{"body": "first"},
							},
							{
								"from": "15551234567", "id": "wamid.2", "timestamp": "1700000001",
								"type": "text", "text": map[string]string{"body": "second"},
							},
						},
					},
				},
				{
					"value": map[string]any{
						"contacts": []map[string]any{{
							"wa_id":   "15559876543",
							"profile": map[string]string{"name": "Jonas"},
						}},
						"messages": []map[string]any{{
							"from": "15559876543", "id": "wamid.3", "timestamp": "1700000002",
							"type": "text", "text": map[string]string{"body": "third"},
						}},
					},
				},
			},
		}},
	})
	if err != nil {
		t.Fatalf("marshal events: %v", err)
	}

	mac := hmac.New(sha256.New, []byte("app-sekrit"))
	mac.Write(body)
	header := http.Header{}
	header.Set(signatureHeader, "sha256="+hex.EncodeToString(mac.Sum(nil)))

	inbound, err := a.VerifyAndNormalize(context.Background(), adapter.RawEvent{Body: body, Header: header})
	if err != nil {
		t.Fatalf("VerifyAndNormalize error: %v", err)
	}
	if inbound.ID != "wamid.1" || inbound.Text != "first" {
		t.Fatalf("returned id/text = %q/%q, want wamid.1/first", inbound.ID, inbound.Text)
	}

	forwarded := make(map[string]message.Inbound, 2)
	for len(forwarded) < 2 {
		select {
		case msg := <-received:
			forwarded[msg.ID] = msg
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out with %d of 2 batched messages forwarded", len(forwarded))
		}
	}

	second, ok := forwarded["wamid.2"]
	if !ok || second.Text != "second" || second.SenderName != "Maria" {
		t.Fatalf("forwarded wamid.2 = %+v, want text second from Maria", second)
	}
	if second.Metadata[message.MetaVerified] != "true" {
		t.Fatalf("wamid.2 verified = %q, want true", second.Metadata[message.MetaVerified])
	}

	third, ok := forwarded["wamid.3"]
	if !ok || third.Text != "third" || third.SenderName != "Jonas" {
		t.Fatalf("forwarded wamid.3 = %+v, want text third from Jonas", third)
	}

	select {
	case msg := <-received:
		t.Fatalf("sink received extra message %+v, want exactly two", msg)
	case <-time.After(100 * time.Millisecond):
	}
}
