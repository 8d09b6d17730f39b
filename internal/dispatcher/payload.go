package dispatcher

import (
	"encoding/json"
	"strings"
)

// webhookPayload mirrors the provider's nested webhook shape. Only the fields
// the router inspects are declared; the raw body is forwarded untouched.
type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				MessagingProduct string `json:"messaging_product"`
				Contacts         []struct {
					WaID string `json:"wa_id"`
				} `json:"contacts"`
				Messages []message `json:"messages"`
				Statuses []struct {
					ID          string `json:"id"`
					RecipientID string `json:"recipient_id"`
					Status      string `json:"status"`
				} `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type message struct {
	From string `json:"from"`
	ID   string `json:"id"`
	Type string `json:"type"`
	Text *struct {
		Body string `json:"body"`
	} `json:"text"`
	Button *struct {
		Text    string `json:"text"`
		Payload string `json:"payload"`
	} `json:"button"`
	Interactive *struct {
		Type        string `json:"type"`
		ButtonReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
}

// firstMessage walks the nested entry/changes/value structure and returns the
// first message found, or nil.
func (p *webhookPayload) firstMessage() *message {
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			if len(change.Value.Messages) > 0 {
				return &change.Value.Messages[0]
			}
		}
	}
	return nil
}

// senderPhone returns the sender of the first message, falling back to the
// first contact wa_id.
func (p *webhookPayload) senderPhone() string {
	if msg := p.firstMessage(); msg != nil && msg.From != "" {
		return msg.From
	}
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			for _, contact := range change.Value.Contacts {
				if contact.WaID != "" {
					return contact.WaID
				}
			}
		}
	}
	return ""
}

// isStatusOnly reports whether the payload carries delivery statuses but no
// messages. Status callbacks are acknowledged without routing.
func (p *webhookPayload) isStatusOnly() bool {
	sawStatus := false
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			if len(change.Value.Messages) > 0 {
				return false
			}
			if len(change.Value.Statuses) > 0 {
				sawStatus = true
			}
		}
	}
	return sawStatus
}

// routingText extracts the text used for routing: interactive replies route by
// their reply ID, buttons by payload then label, plain messages by body.
func routingText(msg *message) string {
	if msg == nil {
		return ""
	}
	if msg.Interactive != nil {
		if msg.Interactive.ListReply != nil {
			if msg.Interactive.ListReply.ID != "" {
				return msg.Interactive.ListReply.ID
			}
			return msg.Interactive.ListReply.Title
		}
		if msg.Interactive.ButtonReply != nil {
			if msg.Interactive.ButtonReply.ID != "" {
				return msg.Interactive.ButtonReply.ID
			}
			return msg.Interactive.ButtonReply.Title
		}
	}
	if msg.Button != nil {
		if msg.Button.Payload != "" {
			return msg.Button.Payload
		}
		return msg.Button.Text
	}
	if msg.Text != nil {
		return msg.Text.Body
	}
	return ""
}

func parsePayload(body []byte) (*webhookPayload, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return strings.ToValidUTF8(s[:max], "")
}
