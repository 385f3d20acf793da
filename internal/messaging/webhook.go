package messaging

// WebhookPayload is the envelope Meta POSTs to the webhook endpoint.
type WebhookPayload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Field string      `json:"field"`
	Value ChangeValue `json:"value"`
}

type ChangeValue struct {
	MessagingProduct string           `json:"messaging_product"`
	Metadata         WebhookMetadata  `json:"metadata"`
	Messages         []InboundMessage `json:"messages"`
}

type WebhookMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

// InboundMessage is a single user message. Type selects which of the payload
// pointers is set.
type InboundMessage struct {
	From      string        `json:"from"`
	ID        string        `json:"id"`
	Timestamp string        `json:"timestamp"`
	Type      string        `json:"type"` // "text", "audio", "image", ...
	Text      *TextContent  `json:"text,omitempty"`
	Audio     *MediaContent `json:"audio,omitempty"`
	Image     *MediaContent `json:"image,omitempty"`
}

type TextContent struct {
	Body string `json:"body"`
}

type MediaContent struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption,omitempty"`
}

// Messages flattens every inbound message across entries and changes,
// skipping status-only notifications.
func (p *WebhookPayload) Messages() []InboundMessage {
	var out []InboundMessage
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			out = append(out, change.Value.Messages...)
		}
	}
	return out
}
