package feishu

import "fmt"

// Config holds Feishu adapter configuration.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	AppID     string `yaml:"app_id"`
	AppSecret string `yaml:"app_secret"`
	BaseURL   string `yaml:"base_url"` // override for Lark/self-hosted, default open.feishu.cn
}

// DefaultConfig returns default Feishu configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled: false,
		BaseURL: defaultBaseURL,
	}
}

// Target identifies where an outgoing message goes: a chat, optionally
// threading onto the message being replied to.
type Target struct {
	ChatID           string
	ReplyToMessageID string
}

// APIError is a non-zero code response from the Feishu Open API.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("feishu API error %d: %s", e.Code, e.Msg)
}

// baseResponse is the envelope every Open API response shares.
type baseResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// tokenResponse is the tenant access token response.
type tokenResponse struct {
	baseResponse
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int    `json:"expire"` // seconds
}

// SentMessage identifies a message accepted by Feishu.
type SentMessage struct {
	MessageID string
	ChatID    string
}

// createMessageRequest is the im/v1/messages request body.
type createMessageRequest struct {
	ReceiveID string `json:"receive_id,omitempty"`
	MsgType   string `json:"msg_type"`
	Content   string `json:"content"`
	UUID      string `json:"uuid,omitempty"`
}

// messageData is the message payload inside a send/reply response.
type messageData struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
}

type createMessageResponse struct {
	baseResponse
	Data *messageData `json:"data"`
}

// createCardRequest creates a cardkit card entity.
type createCardRequest struct {
	Type string `json:"type"` // card_json
	Data string `json:"data"`
}

type createCardResponse struct {
	baseResponse
	Data *struct {
		CardID string `json:"card_id"`
	} `json:"data"`
}

// updateElementRequest updates the content of one card element.
type updateElementRequest struct {
	Content  string `json:"content"`
	Sequence int    `json:"sequence"`
}

// updateSettingsRequest updates card-level settings (streaming mode).
type updateSettingsRequest struct {
	Settings string `json:"settings"`
	Sequence int    `json:"sequence"`
}

type reactionResponse struct {
	baseResponse
	Data *struct {
		ReactionID string `json:"reaction_id"`
	} `json:"data"`
}

type uploadImageResponse struct {
	baseResponse
	Data *struct {
		ImageKey string `json:"image_key"`
	} `json:"data"`
}

type uploadFileResponse struct {
	baseResponse
	Data *struct {
		FileKey string `json:"file_key"`
	} `json:"data"`
}
