package store

// Message is a persisted envelope. Status uses the delivery ordering
// 1=sent, 2=delivered, 3=read so forward-only updates can compare numerically.
type Message struct {
	MessageID      string
	ConversationID string
	SenderID       string
	ReceiverID     string
	Content        string
	Status         int
	CreatedAt      int64 // unix millis
	UpdatedAt      int64
}

// StatusRead is the terminal status value.
const StatusRead = 3
