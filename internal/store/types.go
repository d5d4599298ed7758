package store

// Conversation is a single chat thread.
type Conversation struct {
	ID        int32
	UID       string
	Title     string
	CreatedTs int64
	UpdatedTs int64
}

// FindConversation filters for ListConversations.
type FindConversation struct {
	UID *string
}

// UpdateConversation carries the fields accepted by UpdateConversation.
type UpdateConversation struct {
	UID   string
	Title *string
}

// Message is a final, durable message within a conversation: the user's
// question or the synthesized answer. Intermediate progress lives in the
// event log, not here.
type Message struct {
	ID             int32
	ConversationID int32
	Role           string // "user" | "assistant"
	Content        string
	CreatedTs      int64
}

// FindMessage filters for ListMessages.
type FindMessage struct {
	ConversationID int32
}

// CreateMessage is the payload for CreateMessage.
type CreateMessage struct {
	ConversationID int32
	Role           string
	Content        string
}

// Event is one persisted stream event, replayable in seq order.
type Event struct {
	ID             int64
	ConversationID int32
	RequestID      string
	Seq            int
	Type           string
	Payload        []byte // event payload JSON
	CreatedTs      int64
}

// CreateEvent is the payload for AppendEvents.
type CreateEvent struct {
	ConversationID int32
	RequestID      string
	Seq            int
	Type           string
	Payload        []byte
}

// FindEvent filters for ListEvents.
type FindEvent struct {
	ConversationID int32
	RequestID      *string
}
