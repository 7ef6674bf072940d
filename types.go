package chatsync

import (
	"fmt"
	"time"
)

// ============================================================================
// Chat Types
// ============================================================================

// ChatStatus is the lifecycle state of a chat.
type ChatStatus string

const (
	ChatActive                  ChatStatus = "active"
	ChatSuccessfullyCompleted   ChatStatus = "successfully_completed"
	ChatUnsuccessfullyCompleted ChatStatus = "unsuccessfully_completed"
	ChatClosed                  ChatStatus = "closed"
)

// IsTerminal reports whether no further transition is possible.
func (s ChatStatus) IsTerminal() bool {
	switch s {
	case ChatSuccessfullyCompleted, ChatUnsuccessfullyCompleted, ChatClosed:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s ChatStatus) Valid() bool {
	return s == ChatActive || s.IsTerminal()
}

// ValidateTransition checks a status change. Only active -> terminal is allowed;
// terminal states are absorbing.
func ValidateTransition(from, to ChatStatus) error {
	if !to.Valid() {
		return &ValidationError{Field: "status", Message: fmt.Sprintf("unknown chat status %q", to)}
	}
	if from.IsTerminal() {
		return &ValidationError{Field: "status", Message: fmt.Sprintf("chat is already %s", from)}
	}
	if !to.IsTerminal() {
		return &ValidationError{Field: "status", Message: "target status must be terminal"}
	}
	return nil
}

// UserSummary is the read-only participant projection owned by the identity service.
type UserSummary struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	Confirmed   bool   `json:"confirmed"`
	Blocked     bool   `json:"blocked"`
}

type Chat struct {
	ID           int64         `json:"id"`
	Topic        string        `json:"topic"`
	Participants []UserSummary `json:"participants"`
	Status       ChatStatus    `json:"status"`
	LastMessage  *Message      `json:"lastMessage,omitempty"`
	UnreadCount  int           `json:"unreadCount"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// ============================================================================
// Message Types
// ============================================================================

// Delivery tells confirmed server messages apart from optimistic local ones.
type Delivery int

const (
	DeliveryConfirmed Delivery = iota
	DeliveryPending
)

func (d Delivery) String() string {
	if d == DeliveryPending {
		return "pending"
	}
	return "confirmed"
}

// Message is a chat message. A pending message carries a negative placeholder
// ID and the ClientID used to correlate it with the server's confirmation.
type Message struct {
	ID        int64         `json:"id"`
	ClientID  string        `json:"clientId,omitempty"`
	Text      string        `json:"text"`
	Sender    UserSummary   `json:"sender"`
	ChatID    int64         `json:"chat"`
	Read      bool          `json:"read"`
	ReadBy    []UserSummary `json:"readBy,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
	Delivery  Delivery      `json:"-"`
}

// IsOptimistic reports whether the message is still awaiting server confirmation.
func (m Message) IsOptimistic() bool {
	return m.Delivery == DeliveryPending
}

// ============================================================================
// Mutation Inputs
// ============================================================================

type SendMessageInput struct {
	ChatID   int64  `json:"chat"`
	Text     string `json:"text"`
	ClientID string `json:"clientId,omitempty"`
}

func (in SendMessageInput) Validate() error {
	if in.ChatID <= 0 {
		return &ValidationError{Field: "chat", Message: "chat id is required"}
	}
	if in.Text == "" {
		return &ValidationError{Field: "text", Message: "message text is required"}
	}
	return nil
}

type CreateChatInput struct {
	Topic          string  `json:"topic"`
	ParticipantIDs []int64 `json:"participants"`
}

func (in CreateChatInput) Validate() error {
	if in.Topic == "" {
		return &ValidationError{Field: "topic", Message: "topic is required"}
	}
	if len(in.ParticipantIDs) == 0 {
		return &ValidationError{Field: "participants", Message: "at least one participant is required"}
	}
	return nil
}

type finishChatBody struct {
	Status ChatStatus `json:"status"`
}

type unreadCountBody struct {
	Count int `json:"count"`
}
