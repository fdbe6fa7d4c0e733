// Package timeline maintains the ordered per-conversation message log:
// placeholder reconciliation via correlation tokens, monotonic delivery
// states, and decryption of inbound envelopes.
package timeline

import (
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"peerchat/crypto"
	"peerchat/models"
	"peerchat/protocol"
)

// HistoryEntry is one server-side message record before decryption.
type HistoryEntry struct {
	ID             int64
	SenderID       int64
	ReceiverID     int64
	Body           string
	AESKeySender   string
	AESKeyReceiver string
	State          models.MessageState
	ExpiredAt      time.Time
	Attachments    []models.Attachment
}

// Timeline is the ordered conversation log with one partner.
//
// All methods must be called from the session dispatch goroutine; the
// timeline itself does no locking. Methods that need to talk to the peer
// return outbound envelopes instead of sending them.
type Timeline struct {
	localUserID int64
	partnerID   int64
	keyPair     *crypto.KeyPair

	messages      []*models.Message
	byCorrelation map[string]*models.Message
	byID          map[int64]*models.Message
}

// New creates an empty timeline for one conversation partner.
func New(localUserID, partnerID int64, keyPair *crypto.KeyPair) *Timeline {
	return &Timeline{
		localUserID:   localUserID,
		partnerID:     partnerID,
		keyPair:       keyPair,
		byCorrelation: make(map[string]*models.Message),
		byID:          make(map[int64]*models.Message),
	}
}

// PartnerID returns the conversation partner's user id.
func (t *Timeline) PartnerID() int64 {
	return t.partnerID
}

// AppendLocal records a locally authored message pending server confirmation
// and returns it together with the outbound message envelope.
//
// The returned message carries a fresh correlation token so concurrent sends
// stay distinguishable until the server assigns ids.
func (t *Timeline) AppendLocal(plaintext string, attachments []models.Attachment, enc *crypto.EncryptResult, expiredAt time.Time) (*models.Message, *protocol.ChatEnvelope, error) {
	if len(enc.Attachments) != len(attachments) {
		return nil, nil, fmt.Errorf("timeline: attachment count mismatch: %d plaintext, %d encrypted", len(attachments), len(enc.Attachments))
	}

	message := &models.Message{
		ID:            models.UnconfirmedID,
		CorrelationID: uuid.NewString(),
		SenderID:      t.localUserID,
		ReceiverID:    t.partnerID,
		Body:          plaintext,
		State:         models.StateSent,
		ExpiredAt:     expiredAt,
		Attachments:   attachments,
	}
	t.messages = append(t.messages, message)
	t.byCorrelation[message.CorrelationID] = message

	sealed := make([]models.Attachment, len(attachments))
	for i, attachment := range attachments {
		sealed[i] = attachment
		sealed[i].FileURL = enc.Attachments[i]
	}
	encodedAttachments, err := protocol.EncodeAttachments(sealed)
	if err != nil {
		return nil, nil, err
	}

	envelope := &protocol.ChatEnvelope{
		Type:            protocol.TypeMessage,
		ReceiverID:      t.partnerID,
		Body:            enc.Body,
		AESKeySender:    enc.KeyForSender,
		AESKeyReceiver:  enc.KeyForReceiver,
		CorrelationID:   message.CorrelationID,
		ExpiredAt:       expiredAt.Format(time.RFC3339),
		FileAttachments: encodedAttachments,
	}

	return message, envelope, nil
}

// Reconcile assigns the server id and state to the pending message matching
// the correlation token. Duplicate or unknown confirmations fail with
// *ReconciliationError; callers log and ignore those.
func (t *Timeline) Reconcile(correlationID string, confirmedID int64, state models.MessageState) error {
	message, ok := t.byCorrelation[correlationID]
	if !ok {
		return &ReconciliationError{CorrelationID: correlationID, MessageID: confirmedID}
	}
	if message.Confirmed() {
		return &ReconciliationError{CorrelationID: correlationID, MessageID: confirmedID}
	}

	message.ID = confirmedID
	t.byID[confirmedID] = message
	if message.State.IsBefore(state) {
		message.State = state
	}

	return nil
}

// DiscardUnconfirmed removes a pending message that never reached the wire,
// so a failed send leaves no phantom placeholder behind. Confirmed messages
// are never discarded.
func (t *Timeline) DiscardUnconfirmed(correlationID string) bool {
	message, ok := t.byCorrelation[correlationID]
	if !ok || message.Confirmed() {
		return false
	}

	delete(t.byCorrelation, correlationID)
	kept := t.messages[:0]
	for _, m := range t.messages {
		if m != message {
			kept = append(kept, m)
		}
	}
	t.messages = kept
	return true
}

// ApplyIncoming decrypts and appends an inbound message. Undecryptable
// envelopes are kept in a distinguished presentation state. For messages
// authored by the peer the returned envelope acknowledges receipt; it is
// emitted exactly once per message.
func (t *Timeline) ApplyIncoming(event protocol.NewMessageEvent) (*models.Message, *protocol.ChatEnvelope) {
	if event.MessageID != 0 {
		if existing, ok := t.byID[event.MessageID]; ok {
			return existing, nil
		}
	}

	message := &models.Message{
		ID:         event.MessageID,
		SenderID:   event.SenderID,
		ReceiverID: event.ReceiverID,
		State:      models.StateReceived,
		ExpiredAt:  parseExpiry(event.ExpiredAt),
	}

	wrappedKey := t.wrappedKeyForRole(event.SenderID, event.AESKeySender, event.AESKeyReceiver)
	if wrappedKey == "" {
		message.Undecryptable = true
		log.Printf("timeline: message %d carries no wrapped key for user %d", event.MessageID, t.localUserID)
	} else {
		payloads := make([]string, len(event.Attachments))
		for i, attachment := range event.Attachments {
			payloads[i] = attachment.FileURL
		}

		plaintext, opened, err := crypto.Decrypt(event.Body, wrappedKey, t.keyPair, payloads)
		if err != nil {
			message.Undecryptable = true
			log.Printf("timeline: %v", err)
		} else {
			message.Body = plaintext
			message.Attachments = make([]models.Attachment, len(event.Attachments))
			for i, attachment := range event.Attachments {
				message.Attachments[i] = attachment
				message.Attachments[i].FileURL = opened[i]
			}
		}
	}

	t.messages = append(t.messages, message)
	if message.ID != 0 {
		t.byID[message.ID] = message
	}

	if event.SenderID != t.localUserID && event.MessageID != 0 {
		return message, &protocol.ChatEnvelope{
			Type:      protocol.TypeStatusUpdate,
			MessageID: event.MessageID,
			State:     string(models.StateReceived),
		}
	}
	return message, nil
}

// ApplyStatusUpdate advances a confirmed message to a strictly later state
// and reports whether anything changed. Peer-originated updates only ever
// transition locally authored messages; earlier or equal states are ignored
// so replays cannot regress anything.
func (t *Timeline) ApplyStatusUpdate(messageID int64, newState models.MessageState) bool {
	message, ok := t.byID[messageID]
	if !ok {
		return false
	}
	if message.SenderID != t.localUserID {
		log.Printf("timeline: peer status update for peer-authored message %d ignored", messageID)
		return false
	}
	if !message.State.IsBefore(newState) {
		return false
	}
	message.State = newState
	return true
}

// Hydrate loads server history into an empty timeline, decrypting each entry
// by the local user's role. Peer-authored entries still in the sent state
// are acknowledged via the returned envelopes.
func (t *Timeline) Hydrate(entries []HistoryEntry) []*protocol.ChatEnvelope {
	var acks []*protocol.ChatEnvelope

	for _, entry := range entries {
		if _, ok := t.byID[entry.ID]; ok {
			continue
		}

		message := &models.Message{
			ID:         entry.ID,
			SenderID:   entry.SenderID,
			ReceiverID: entry.ReceiverID,
			State:      entry.State,
			ExpiredAt:  entry.ExpiredAt,
		}

		wrappedKey := t.wrappedKeyForRole(entry.SenderID, entry.AESKeySender, entry.AESKeyReceiver)
		if wrappedKey == "" {
			message.Undecryptable = true
		} else {
			payloads := make([]string, len(entry.Attachments))
			for i, attachment := range entry.Attachments {
				payloads[i] = attachment.FileURL
			}

			plaintext, opened, err := crypto.Decrypt(entry.Body, wrappedKey, t.keyPair, payloads)
			if err != nil {
				message.Undecryptable = true
				log.Printf("timeline: history entry %d: %v", entry.ID, err)
			} else {
				message.Body = plaintext
				message.Attachments = make([]models.Attachment, len(entry.Attachments))
				for i, attachment := range entry.Attachments {
					message.Attachments[i] = attachment
					message.Attachments[i].FileURL = opened[i]
				}
			}
		}

		if message.SenderID != t.localUserID && message.State == models.StateSent {
			message.State = models.StateReceived
			acks = append(acks, &protocol.ChatEnvelope{
				Type:      protocol.TypeStatusUpdate,
				MessageID: entry.ID,
				State:     string(models.StateReceived),
			})
		}

		t.messages = append(t.messages, message)
		if message.ID != 0 {
			t.byID[message.ID] = message
		}
	}

	return acks
}

// MarkConversationRead advances every confirmed peer-authored message from
// received to read and returns the status updates to send. Locally authored
// messages are never touched by a local update.
func (t *Timeline) MarkConversationRead() []*protocol.ChatEnvelope {
	var updates []*protocol.ChatEnvelope
	for _, message := range t.messages {
		if message.SenderID == t.localUserID || !message.Confirmed() {
			continue
		}
		if message.State != models.StateReceived {
			continue
		}
		message.State = models.StateRead
		updates = append(updates, &protocol.ChatEnvelope{
			Type:      protocol.TypeStatusUpdate,
			MessageID: message.ID,
			State:     string(models.StateRead),
		})
	}
	return updates
}

// PruneExpired drops messages whose expiry passed and returns how many.
func (t *Timeline) PruneExpired(now time.Time) int {
	kept := t.messages[:0]
	pruned := 0
	for _, message := range t.messages {
		if !message.ExpiredAt.IsZero() && message.ExpiredAt.Before(now) {
			delete(t.byID, message.ID)
			delete(t.byCorrelation, message.CorrelationID)
			pruned++
			continue
		}
		kept = append(kept, message)
	}
	t.messages = kept
	return pruned
}

// Messages returns a snapshot of the conversation in append order.
func (t *Timeline) Messages() []models.Message {
	out := make([]models.Message, len(t.messages))
	for i, message := range t.messages {
		out[i] = *message
	}
	return out
}

func (t *Timeline) wrappedKeyForRole(senderID int64, keyForSender, keyForReceiver string) string {
	if senderID == t.localUserID {
		return keyForSender
	}
	return keyForReceiver
}

func parseExpiry(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}
