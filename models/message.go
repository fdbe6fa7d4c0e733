package models

import "time"

// UnconfirmedID marks a locally created message awaiting its server id.
const UnconfirmedID int64 = 0

// MessageState is the delivery state of a message.
type MessageState string

const (
	StateSent     MessageState = "sent"
	StateReceived MessageState = "received"
	StateRead     MessageState = "read"
)

var stateRank = map[MessageState]int{
	StateSent:     1,
	StateReceived: 2,
	StateRead:     3,
}

// IsBefore reports whether s is strictly earlier than other in the
// sent < received < read order. Unknown states are never earlier.
func (s MessageState) IsBefore(other MessageState) bool {
	rank, ok := stateRank[s]
	if !ok {
		return false
	}
	otherRank, ok := stateRank[other]
	if !ok {
		return false
	}
	return rank < otherRank
}

// Valid reports whether s is one of the known delivery states.
func (s MessageState) Valid() bool {
	_, ok := stateRank[s]
	return ok
}

// Message is one plaintext timeline entry.
//
// CorrelationID distinguishes concurrent unconfirmed sends until the server
// assigns an id; it is never shown to the user. Undecryptable marks entries
// whose ciphertext could not be opened; they stay in the timeline.
type Message struct {
	ID            int64
	CorrelationID string
	SenderID      int64
	ReceiverID    int64
	Body          string
	State         MessageState
	ExpiredAt     time.Time
	Undecryptable bool
	Attachments   []Attachment
}

// Confirmed reports whether the server has assigned this message an id.
func (m *Message) Confirmed() bool {
	return m.ID != UnconfirmedID
}
