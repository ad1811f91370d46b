// Package message stores and serves the messages of an order channel.
//
// Messages are append-only: content and flags never change after
// creation; only the recipient's read flag flips. Every read and write
// goes through the access gate.
package message

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mbd888/escrowchat/internal/auth"
)

var (
	ErrValidation      = errors.New("invalid message")
	ErrMessageNotFound = errors.New("message not found")
)

// SenderInfo is the profile data shown next to a message.
type SenderInfo struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Role        auth.Role `json:"role"`
}

// Message is one entry of an order channel. DisputeID is set at creation
// for every message posted while the order had an active dispute.
type Message struct {
	ID          string
	OrderID     string
	DisputeID   string
	SenderID    string
	SenderRole  auth.Role
	RecipientID string
	Content     Content
	IsModOnly   bool
	IsRead      bool
	CreatedAt   time.Time
	Sender      *SenderInfo
}

// ModOnly reports whether only privileged actors may see m.
func (m *Message) ModOnly() bool { return m.IsModOnly }

// ModOnlyDispute returns the dispute the message was written under.
func (m *Message) ModOnlyDispute() string { return m.DisputeID }

// Less orders messages by creation time, then id.
func Less(a, b *Message) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// wireMessage is the JSON shape of a message. content carries the
// marker-encoded string, blocks the structured form.
type wireMessage struct {
	ID          string      `json:"id"`
	OrderID     string      `json:"orderId"`
	DisputeID   *string     `json:"disputeId"`
	SenderID    string      `json:"senderId"`
	RecipientID *string     `json:"recipientId"`
	Content     string      `json:"content"`
	Blocks      Content     `json:"blocks"`
	IsModOnly   bool        `json:"isModOnly"`
	IsRead      bool        `json:"isRead"`
	CreatedAt   time.Time   `json:"createdAt"`
	Sender      *SenderInfo `json:"sender,omitempty"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (m *Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireMessage{
		ID:          m.ID,
		OrderID:     m.OrderID,
		DisputeID:   optional(m.DisputeID),
		SenderID:    m.SenderID,
		RecipientID: optional(m.RecipientID),
		Content:     EncodeWire(m.Content),
		Blocks:      m.Content,
		IsModOnly:   m.IsModOnly,
		IsRead:      m.IsRead,
		CreatedAt:   m.CreatedAt,
		Sender:      m.Sender,
	})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Message{
		ID:        w.ID,
		OrderID:   w.OrderID,
		SenderID:  w.SenderID,
		Content:   w.Blocks,
		IsModOnly: w.IsModOnly,
		IsRead:    w.IsRead,
		CreatedAt: w.CreatedAt,
		Sender:    w.Sender,
	}
	if w.DisputeID != nil {
		m.DisputeID = *w.DisputeID
	}
	if w.RecipientID != nil {
		m.RecipientID = *w.RecipientID
	}
	if len(m.Content) == 0 {
		m.Content = DecodeWire(w.Content)
	}
	if w.Sender != nil {
		m.SenderRole = w.Sender.Role
	}
	return nil
}

// Store persists messages.
type Store interface {
	Create(ctx context.Context, m *Message) error
	// ListByOrder returns every message of the order in channel order.
	ListByOrder(ctx context.Context, orderID string) ([]*Message, error)
	// ListByDispute returns the messages linked to a dispute in channel order.
	ListByDispute(ctx context.Context, disputeID string) ([]*Message, error)
	// MarkRead flips is_read on the listed messages addressed to recipientID
	// and returns how many changed. Already-read ids are ignored.
	MarkRead(ctx context.Context, recipientID string, ids []string) (int64, error)
}
