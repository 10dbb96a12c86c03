package line

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"chatgate/pkg/adapter"
	"chatgate/pkg/message"
)

func newLineAdapter(t *testing.T) *Adapter {
	t.Helper()

	instance, err := New(adapter.Config{
		BotID:       "bot-1",
		Platform:    platformName,
		Credentials: "channel-access-token",
		Settings:    map[string]string{"channel_secret": "line-secret"},
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return instance.(*Adapter)
}

func signLineBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func lineEventBody(t *testing.T) []byte {
	t.Helper()

	body, err := json.Marshal(map[string]any{
		"events": []map[string]any{{
			"type":       "message",
			"timestamp":  1700000000123,
			"replyToken": "rt-1",
			"source":     map[string]string{"type": "user", "userId": "U1"},
			"message":    map[string]string{"id": "m1", "type": "text", "text": "konnichiwa"},
		}},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return body
}

func TestNewRequiresChannelSecret(t *testing.T) {
	_, err := New(adapter.Config{Credentials: "token"})
	if err == nil {
		t.Fatal("New error = nil, want missing channel_secret failure")
	}
}

func TestVerifyAndNormalizeSignedEvent(t *testing.T) {
	a := newLineAdapter(t)
	body := lineEventBody(t)

	header := http.Header{}
	header.Set(signatureHeader, signLineBody("line-secret", body))

	inbound, err := a.VerifyAndNormalize(context.Background(), adapter.RawEvent{Body: body, Header: header})
	if err != nil {
		t.Fatalf("VerifyAndNormalize error: %v", err)
	}

	if inbound.ChatID != "U1" || inbound.SenderID != "U1" {
		t.Fatalf("chat/sender = %q/%q, want U1/U1", inbound.ChatID, inbound.SenderID)
	}
	if inbound.Text != "konnichiwa" {
		t.Fatalf("text = %q, want konnichiwa", inbound.Text)
	}
	if want := time.UnixMilli(1700000000123).UTC(); !inbound.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v, want %v", inbound.Timestamp, want)
	}
	if inbound.Metadata["reply_token"] != "rt-1" {
		t.Fatalf("reply_token = %q, want rt-1", inbound.Metadata["reply_token"])
	}
	if inbound.Metadata[message.MetaVerified] != "true" {
		t.Fatalf("verified = %q, want true", inbound.Metadata[message.MetaVerified])
	}
}

func TestVerifyAndNormalizeRejectsMissingSignature(t *testing.T) {
	a := newLineAdapter(t)

	_, err := a.VerifyAndNormalize(context.Background(), adapter.RawEvent{
		Body:   lineEventBody(t),
		Header: http.Header{},
	})

	var verification *adapter.VerificationError
	if !errors.As(err, &verification) {
		t.Fatalf("error = %v, want VerificationError", err)
	}
}

func TestVerifyAndNormalizeRejectsForgedSignature(t *testing.T) {
	a := newLineAdapter(t)
	body := lineEventBody(t)

	header := http.Header{}
	header.Set(signatureHeader, signLineBody("other-secret", body))

	_, err := a.VerifyAndNormalize(context.Background(), adapter.RawEvent{Body: body, Header: header})
	var verification *adapter.VerificationError
	if !errors.As(err, &verification) {
		t.Fatalf("error = %v, want VerificationError", err)
	}
}

func TestVerifyAndNormalizeIgnoresNonMessageEvents(t *testing.T) {
	a := newLineAdapter(t)

	body, _ := json.Marshal(map[string]any{
		"events": []map[string]any{{"type": "follow"}},
	})
	header := http.Header{}
	header.Set(signatureHeader, signLineBody("line-secret", body))

	_, err := a.VerifyAndNormalize(context.Background(), adapter.RawEvent{Body: body, Header: header})
	if !errors.Is(err, adapter.ErrIgnoreEvent) {
		t.Fatalf("error = %v, want ErrIgnoreEvent", err)
	}
}

func TestGroupChatUsesGroupID(t *testing.T) {
	a := newLineAdapter(t)

	evt := webhookEvent{Type: "message", Timestamp: 1700000000000}
	evt.Source.Type = "group"
	evt.Source.UserID = "U1"
	evt.Source.GroupID = "G9"
	evt.Message.ID = "m1"
	evt.Message.Type = "text"
	evt.Message.Text = "hi all"

	inbound := a.normalize(evt)
	if inbound.ChatID != "G9" {
		t.Fatalf("chat id = %q, want G9", inbound.ChatID)
	}
	if inbound.SenderID != "U1" {
		t.Fatalf("sender id = %q, want U1", inbound.SenderID)
	}
}

func TestStrictVerificationAlwaysOn(t *testing.T) {
	if !newLineAdapter(t).StrictVerification() {
		t.Fatal("StrictVerification = false, want true")
	}
}

func batchedLineBody(t *testing.T) []byte {
	t.Helper()

	body, err := json.Marshal(map[string]any{
		"events": []map[string]any{
			{
				"type":      "message",
				"timestamp": 1700000000123,
				"source":    map[string]string{"type": "user", "userId": "U1"},
				"message":   map[string]string{"id": "m1", "type": "text", "text": "first"},
			},
			{"type": "follow"},
			{
				"type":      "message",
				"timestamp": 1700000000456,
				"source":    map[string]string{"type": "user", "userId": "U2"},
				"message":   map[string]string{"id": "m2", "type": "text", "text": "second"},
			},
		},
	})
	if err != nil {
		t.Fatalf("marshal events: %v", err)
	}
	return body
}

func TestVerifyAndNormalizeForwardsBatchedEvents(t *testing.T) {
	a := newLineAdapter(t)

	received := make(chan message.Inbound, 4)
	sink := adapter.Sink(func(_ context.Context, msg message.Inbound) error {
		received <- msg
		return nil
	})
	if err := a.Start(context.Background(), sink); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	body := batchedLineBody(t)
	header := http.Header{}
	header.Set(signatureHeader, signLineBody("line-secret", body))

	inbound, err := a.VerifyAndNormalize(context.Background(), adapter.RawEvent{Body: body, Header: header})
	if err != nil {
		t.Fatalf("VerifyAndNormalize error: %v", err)
	}
	if inbound.ID != "m1" || inbound.Text != "first" {
		t.Fatalf("returned id/text = %q/%q, want m1/first", inbound.ID, inbound.Text)
	}

	select {
	case msg := <-received:
		if msg.ID != "m2" || msg.Text != "second" || msg.SenderID != "U2" {
			t.Fatalf("forwarded message = %+v, want m2/second from U2", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the second batched event")
	}

	select {
	case msg := <-received:
		t.Fatalf("sink received extra message %+v, want exactly one", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestVerifyAndNormalizeBatchedWithoutSinkReturnsFirst(t *testing.T) {
	a := newLineAdapter(t)

	body := batchedLineBody(t)
	header := http.Header{}
	header.Set(signatureHeader, signLineBody("line-secret", body))

	inbound, err := a.VerifyAndNormalize(context.Background(), adapter.RawEvent{Body: body, Header: header})
	if err != nil {
		t.Fatalf("VerifyAndNormalize error: %v", err)
	}
	if inbound.ID != "m1" {
		t.Fatalf("returned id = %q, want m1", inbound.ID)
	}
}
