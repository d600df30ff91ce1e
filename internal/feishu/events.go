package feishu

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Event types the adapter cares about.
const (
	EventMessageReceive = "im.message.receive_v1"
)

// EventEnvelope is the schema 2.0 event wrapper delivered over the long
// connection.
type EventEnvelope struct {
	Schema string      `json:"schema"`
	Header EventHeader `json:"header"`
	Event  json.RawMessage `json:"event"`
}

// EventHeader carries event identity and routing metadata.
type EventHeader struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	CreateTime string `json:"create_time"`
	TenantKey  string `json:"tenant_key"`
}

// MessageEvent is the payload of im.message.receive_v1.
type MessageEvent struct {
	Sender struct {
		SenderID struct {
			OpenID string `json:"open_id"`
		} `json:"sender_id"`
		SenderType string `json:"sender_type"`
	} `json:"sender"`
	Message struct {
		MessageID   string `json:"message_id"`
		ChatID      string `json:"chat_id"`
		ChatType    string `json:"chat_type"` // p2p, group
		MessageType string `json:"message_type"`
		Content     string `json:"content"`
		Mentions    []struct {
			Key  string `json:"key"`
			Name string `json:"name"`
			ID   struct {
				OpenID string `json:"open_id"`
			} `json:"id"`
		} `json:"mentions"`
	} `json:"message"`
}

// ParseMessageEvent decodes a message-receive event payload.
func ParseMessageEvent(raw json.RawMessage) (*MessageEvent, error) {
	var ev MessageEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("failed to parse message event: %w", err)
	}
	return &ev, nil
}

// TextContent extracts the plain text of a text message, stripping
// @-mention placeholders like @_user_1.
func (e *MessageEvent) TextContent() (string, error) {
	if e.Message.MessageType != "text" {
		return "", fmt.Errorf("not a text message: %s", e.Message.MessageType)
	}
	var content struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(e.Message.Content), &content); err != nil {
		return "", fmt.Errorf("failed to parse text content: %w", err)
	}

	text := content.Text
	for _, m := range e.Message.Mentions {
		text = strings.ReplaceAll(text, m.Key, "")
	}
	return strings.TrimSpace(text), nil
}

// FileKey returns the attachment key of an image or file message, with the
// resource type to download it under.
func (e *MessageEvent) FileKey() (key, resourceType string, err error) {
	switch e.Message.MessageType {
	case "image":
		var content struct {
			ImageKey string `json:"image_key"`
		}
		if err := json.Unmarshal([]byte(e.Message.Content), &content); err != nil {
			return "", "", fmt.Errorf("failed to parse image content: %w", err)
		}
		return content.ImageKey, "image", nil
	case "file":
		var content struct {
			FileKey string `json:"file_key"`
		}
		if err := json.Unmarshal([]byte(e.Message.Content), &content); err != nil {
			return "", "", fmt.Errorf("failed to parse file content: %w", err)
		}
		return content.FileKey, "file", nil
	default:
		return "", "", fmt.Errorf("message type %s has no attachment", e.Message.MessageType)
	}
}
