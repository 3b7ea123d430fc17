package domain

// Turn is a single persisted exchange with the backend.
type Turn struct {
	PK             string
	SK             string
	ConversationID string
	Message        string
	Reply          string
	Sentiment      *float64
	Crisis         bool
	Status         string
	TTL            int64
}

// ConversationMeta stores aggregate conversation state.
type ConversationMeta struct {
	PK             string
	SK             string
	ConversationID string
	LastActivity   string
	Turns          int
	CrisisTurns    int
	// Ended is set when the user clears the conversation and reset by the
	// next completed turn.
	Ended   bool
	EndedAt string
	TTL     int64
}
