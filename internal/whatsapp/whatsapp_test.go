package whatsapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const textPayload = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "1",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "contacts": [{"wa_id": "966500000001", "profile": {"name": "Sara"}}],
        "messages": [
          {"from": "966500000001", "id": "wamid.1", "type": "text", "text": {"body": "hello"}},
          {"from": "966500000001", "id": "wamid.2", "type": "image"}
        ]
      }
    }]
  }]
}`

func TestParseMessages(t *testing.T) {
	msgs, err := ParseMessages([]byte(textPayload))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, Message{From: "966500000001", Name: "Sara", ID: "wamid.1", Text: "hello"}, msgs[0])
	assert.Empty(t, msgs[1].Text)
}

func TestParseMessages_StatusOnly(t *testing.T) {
	msgs, err := ParseMessages([]byte(`{"entry":[{"changes":[{"value":{"statuses":[{"id":"x"}]}}]}]}`))
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestParseMessages_Malformed(t *testing.T) {
	_, err := ParseMessages([]byte(`{"entry": 5}`))
	assert.Error(t, err)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(textPayload)
	header := Sign("secret", body)

	assert.NoError(t, VerifySignature("secret", body, header))
	assert.ErrorIs(t, VerifySignature("other", body, header), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature("secret", body, "sha1=abc"), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature("secret", body, "sha256=zz"), ErrInvalidSignature)
}

func TestClient_SendText(t *testing.T) {
	var got outboundText
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/123/messages", r.URL.Path)
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.out"}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{Token: "token", PhoneNumberID: "123", GraphURL: srv.URL})
	require.NoError(t, err)
	require.NoError(t, c.SendText(context.Background(), "966500000001", "hi Sara"))

	assert.Equal(t, "whatsapp", got.MessagingProduct)
	assert.Equal(t, "966500000001", got.To)
	assert.Equal(t, "hi Sara", got.Text.Body)
}

func TestClient_SendTextError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad token"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, err := NewClient(Config{Token: "token", PhoneNumberID: "123", GraphURL: srv.URL})
	require.NoError(t, err)
	err = c.SendText(context.Background(), "1", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)
}
