package domain

import "encoding/json"

// OutboundMessage is a single user message handed to the sender. It is built
// once per send and never mutated afterwards.
type OutboundMessage struct {
	Text string
	// ConversationID is optional; empty means the backend picks the session.
	ConversationID string
}

// BotReply is the decoded body of a successful /process-message/ call.
type BotReply struct {
	BotResponse      string            `json:"bot_response,omitempty"`
	IsCrisis         bool              `json:"is_crisis,omitempty"`
	Sentiment        *float64          `json:"sentiment,omitempty"`
	ConversationID   string            `json:"conversation_id,omitempty"`
	Status           string            `json:"status,omitempty"`
	Error            string            `json:"error,omitempty"`
	Message          string            `json:"message,omitempty"`
	SupportResources []SupportResource `json:"support_resources,omitempty"`
	Timestamp        string            `json:"timestamp,omitempty"`
	MessageID        int64             `json:"message_id,omitempty"`

	// Raw keeps the undecoded body for callers that need fields not modelled here.
	Raw json.RawMessage `json:"-"`
}

// SupportResource is an emergency contact the backend attaches to crisis replies.
type SupportResource struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	PhoneNumber string `json:"phone_number"`
	URL         string `json:"url"`
}
