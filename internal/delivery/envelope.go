package delivery

import (
	"time"

	"github.com/matheus3301/convsync/internal/store"
)

// Envelope is a message as the core sees it. Status is the authoritative
// in-memory state; Durable is the highest status known to be persisted
// (zero until the first successful write).
type Envelope struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	ReceiverID     string    `json:"receiverId"`
	Content        string    `json:"content"`
	Status         Status    `json:"status"`
	Durable        Status    `json:"durable,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

func (e Envelope) toStore() *store.Message {
	return &store.Message{
		MessageID:      e.MessageID,
		ConversationID: e.ConversationID,
		SenderID:       e.SenderID,
		ReceiverID:     e.ReceiverID,
		Content:        e.Content,
		Status:         int(e.Status),
		CreatedAt:      e.CreatedAt.UnixMilli(),
	}
}

func fromStore(m *store.Message) Envelope {
	st := Status(m.Status)
	return Envelope{
		MessageID:      m.MessageID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Content:        m.Content,
		Status:         st,
		Durable:        st,
		CreatedAt:      time.UnixMilli(m.CreatedAt),
	}
}
