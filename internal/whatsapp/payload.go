// Package whatsapp speaks the WhatsApp Cloud API: it parses webhook
// payloads, verifies their signatures and sends text replies.
package whatsapp

import (
	"encoding/json"
	"fmt"
)

// WebhookPayload is the body of a webhook notification.
type WebhookPayload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Field string `json:"field"`
	Value Value  `json:"value"`
}

type Value struct {
	MessagingProduct string           `json:"messaging_product"`
	Contacts         []Contact        `json:"contacts"`
	Messages         []InboundMessage `json:"messages"`
}

type Contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type InboundMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
}

// Message is an inbound user message reduced to what the chat flow needs.
type Message struct {
	From string
	Name string
	ID   string
	Text string
}

// ParseMessages decodes a webhook body and returns its messages in order.
// Status notifications yield no messages. Messages without text are
// returned with an empty Text so callers can acknowledge them.
func ParseMessages(body []byte) ([]Message, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("malformed webhook payload: %w", err)
	}

	var out []Message
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range change.Value.Messages {
				if m.From == "" {
					continue
				}
				msg := Message{From: m.From, Name: names[m.From], ID: m.ID}
				if m.Text != nil {
					msg.Text = m.Text.Body
				}
				out = append(out, msg)
			}
		}
	}
	return out, nil
}
